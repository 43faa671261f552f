package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// bookRepositoryInMemory: in-memory каталог.
type bookRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Book
}

// NewBookRepository возвращает in-memory репозиторий книг.
func NewBookRepository() domain.BookRepository {
	return newBookRepository()
}

func newBookRepository() *bookRepositoryInMemory {
	return &bookRepositoryInMemory{items: make(map[string]domain.Book)}
}

func (r *bookRepositoryInMemory) Create(_ context.Context, book domain.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[book.ID]; exists {
		return domain.Invalidf("book %s already exists", book.ID)
	}
	r.items[book.ID] = book
	return nil
}

func (r *bookRepositoryInMemory) Get(_ context.Context, id string) (domain.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	book, ok := r.items[id]
	if !ok || book.Deleted {
		return domain.Book{}, domain.ErrBookNotFound
	}
	return book, nil
}

func (r *bookRepositoryInMemory) List(_ context.Context, filter domain.BookFilter, page domain.Page) ([]domain.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Book, 0, len(r.items))
	for _, book := range r.items {
		if book.Deleted || !filter.Matches(book) {
			continue
		}
		result = append(result, book)
	}
	sort.Slice(result, func(i, j int) bool {
		return entityLess(result[i].Entity, result[j].Entity)
	})

	return domain.Paginate(result, page), nil
}

func (r *bookRepositoryInMemory) Save(_ context.Context, book domain.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[book.ID]
	if !ok || current.Deleted {
		return domain.ErrBookNotFound
	}
	if current.Version != book.Version {
		return domain.ErrBookVersionConflict
	}
	book.Version++
	r.items[book.ID] = book
	return nil
}

// entityLess упорядочивает записи по времени создания, затем по ID.
func entityLess(a, b domain.Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

var _ domain.BookRepository = (*bookRepositoryInMemory)(nil)
