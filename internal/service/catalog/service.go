// Package catalog реализует сценарии работы с каталогом книг.
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/cache"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const (
	queryGet  = "books.get"
	queryList = "books.list"
)

// Service: книги: CRUD и кэшируемые запросы.
type Service struct {
	books  domain.BookRepository
	cache  *cache.Cache
	logger *log.Entry
	now    func() time.Time
	newID  func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithCache включает read-through кэш для Get и List.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт сервис каталога.
func NewService(books domain.BookRepository, options ...Option) *Service {
	s := &Service{
		books: books,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "catalog-service")
	}
	return s
}

// Get возвращает книгу по идентификатору.
func (s *Service) Get(ctx context.Context, caller domain.Caller, id string) (domain.Book, error) {
	key := cache.Key{Query: queryGet, Caller: caller, Filter: id}
	return cache.Item(ctx, s.cache, key, func(ctx context.Context) (domain.Book, error) {
		return s.books.Get(ctx, id)
	})
}

// List возвращает страницу книг, подходящих под фильтр.
func (s *Service) List(ctx context.Context, caller domain.Caller, filter domain.BookFilter, page domain.Page) ([]domain.Book, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	key := cache.Key{Query: queryList, Caller: caller, Page: page, Filter: filter}
	return cache.List(ctx, s.cache, key, func(ctx context.Context) ([]domain.Book, error) {
		return s.books.List(ctx, filter, page)
	})
}

// Create добавляет книгу в каталог.
func (s *Service) Create(ctx context.Context, details domain.BookDetails) (domain.Book, error) {
	book, err := domain.NewBook(s.newID(), details, s.now())
	if err != nil {
		return domain.Book{}, err
	}
	if err := s.books.Create(ctx, book); err != nil {
		return domain.Book{}, err
	}

	s.logger.WithField("book_id", book.ID).Info("book created")
	return book, nil
}

// Update заменяет поля книги.
func (s *Service) Update(ctx context.Context, id string, details domain.BookDetails) (domain.Book, error) {
	book, err := s.books.Get(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if err := book.Update(details, s.now()); err != nil {
		return domain.Book{}, err
	}
	if err := s.books.Save(ctx, book); err != nil {
		return domain.Book{}, err
	}

	book.Version++
	return book, nil
}

// Delete помечает книгу удалённой.
func (s *Service) Delete(ctx context.Context, id string) error {
	book, err := s.books.Get(ctx, id)
	if err != nil {
		return err
	}
	book.MarkAsDeleted(s.now())
	if err := s.books.Save(ctx, book); err != nil {
		return err
	}

	s.logger.WithField("book_id", id).Info("book deleted")
	return nil
}
