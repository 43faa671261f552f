package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// stockRepositoryInMemory хранит остатки; Save реализует CAS по Version.
type stockRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Stock
}

// NewStockRepository возвращает in-memory репозиторий остатков.
func NewStockRepository() domain.StockRepository {
	return newStockRepository()
}

func newStockRepository() *stockRepositoryInMemory {
	return &stockRepositoryInMemory{items: make(map[string]domain.Stock)}
}

func (r *stockRepositoryInMemory) Create(_ context.Context, stock domain.Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[stock.ID]; exists {
		return domain.ErrStockAlreadyExists
	}
	if _, ok := r.findByBookLocked(stock.BookID); ok {
		return domain.ErrStockAlreadyExists
	}
	r.items[stock.ID] = stock
	return nil
}

func (r *stockRepositoryInMemory) Get(_ context.Context, id string) (domain.Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stock, ok := r.items[id]
	if !ok || stock.Deleted {
		return domain.Stock{}, domain.ErrStockNotFound
	}
	return stock, nil
}

func (r *stockRepositoryInMemory) GetByBook(_ context.Context, bookID string) (domain.Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stock, ok := r.findByBookLocked(bookID)
	if !ok {
		return domain.Stock{}, domain.ErrStockNotFound
	}
	return stock, nil
}

func (r *stockRepositoryInMemory) List(_ context.Context, page domain.Page) ([]domain.Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Stock, 0, len(r.items))
	for _, stock := range r.items {
		if stock.Deleted {
			continue
		}
		result = append(result, stock)
	}
	sort.Slice(result, func(i, j int) bool {
		return entityLess(result[i].Entity, result[j].Entity)
	})

	return domain.Paginate(result, page), nil
}

// Save перезаписывает остаток, проверяя версию (optimistic locking).
func (r *stockRepositoryInMemory) Save(_ context.Context, stock domain.Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(stock); err != nil {
		return err
	}
	r.putLocked(stock)
	return nil
}

func (r *stockRepositoryInMemory) checkLocked(stock domain.Stock) error {
	current, ok := r.items[stock.ID]
	if !ok || current.Deleted {
		return domain.ErrStockNotFound
	}
	if current.Version != stock.Version {
		return domain.ErrStockVersionConflict
	}
	return nil
}

func (r *stockRepositoryInMemory) putLocked(stock domain.Stock) {
	// Инкрементируем версию перед сохранением.
	stock.Version++
	r.items[stock.ID] = stock
}

func (r *stockRepositoryInMemory) findByBookLocked(bookID string) (domain.Stock, bool) {
	for _, stock := range r.items {
		if stock.BookID == bookID && !stock.Deleted {
			return stock, true
		}
	}
	return domain.Stock{}, false
}

var _ domain.StockRepository = (*stockRepositoryInMemory)(nil)
