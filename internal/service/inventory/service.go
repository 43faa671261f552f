// Package inventory реализует сценарии работы со складскими остатками.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/cache"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const (
	queryGet    = "stocks.get"
	queryByBook = "stocks.by-book"
	queryList   = "stocks.list"
)

// Service управляет остатками. Списание под заказ выполняет сервис заказов в своей транзакции.
type Service struct {
	stocks domain.StockRepository
	books  domain.BookReader
	cache  *cache.Cache
	logger *log.Entry
	now    func() time.Time
	newID  func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithCache включает read-through кэш для запросов.
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

// NewService создаёт сервис остатков.
func NewService(stocks domain.StockRepository, books domain.BookReader, options ...Option) *Service {
	s := &Service{
		stocks: stocks,
		books:  books,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "inventory-service")
	}
	return s
}

// Get возвращает складскую запись по идентификатору.
func (s *Service) Get(ctx context.Context, caller domain.Caller, id string) (domain.Stock, error) {
	key := cache.Key{Query: queryGet, Caller: caller, Filter: id}
	return cache.Item(ctx, s.cache, key, func(ctx context.Context) (domain.Stock, error) {
		return s.stocks.Get(ctx, id)
	})
}

// GetByBook возвращает складскую запись книги.
func (s *Service) GetByBook(ctx context.Context, caller domain.Caller, bookID string) (domain.Stock, error) {
	key := cache.Key{Query: queryByBook, Caller: caller, Filter: bookID}
	return cache.Item(ctx, s.cache, key, func(ctx context.Context) (domain.Stock, error) {
		return s.stocks.GetByBook(ctx, bookID)
	})
}

// List возвращает страницу складских записей.
func (s *Service) List(ctx context.Context, caller domain.Caller, page domain.Page) ([]domain.Stock, error) {
	key := cache.Key{Query: queryList, Caller: caller, Page: page}
	return cache.List(ctx, s.cache, key, func(ctx context.Context) ([]domain.Stock, error) {
		return s.stocks.List(ctx, page)
	})
}

// Create заводит остаток для существующей книги.
func (s *Service) Create(ctx context.Context, bookID string, quantity int) (domain.Stock, error) {
	stock, err := domain.NewStock(s.newID(), bookID, quantity, s.now())
	if err != nil {
		return domain.Stock{}, err
	}

	if _, err := s.books.Get(ctx, stock.BookID); err != nil {
		if errors.Is(err, domain.ErrBookNotFound) {
			return domain.Stock{}, domain.ErrStockBookMissing
		}
		return domain.Stock{}, err
	}

	if err := s.stocks.Create(ctx, stock); err != nil {
		return domain.Stock{}, err
	}

	s.logger.WithFields(log.Fields{
		"stock_id": stock.ID,
		"book_id":  stock.BookID,
		"quantity": stock.Quantity,
	}).Info("stock created")
	return stock, nil
}

// UpdateQuantity выставляет новый остаток.
func (s *Service) UpdateQuantity(ctx context.Context, id string, quantity int) (domain.Stock, error) {
	stock, err := s.stocks.Get(ctx, id)
	if err != nil {
		return domain.Stock{}, err
	}
	if err := stock.UpdateQuantity(quantity, s.now()); err != nil {
		return domain.Stock{}, err
	}
	if err := s.stocks.Save(ctx, stock); err != nil {
		return domain.Stock{}, err
	}

	stock.Version++
	return stock, nil
}

// Delete помечает складскую запись удалённой.
func (s *Service) Delete(ctx context.Context, id string) error {
	stock, err := s.stocks.Get(ctx, id)
	if err != nil {
		return err
	}
	stock.MarkAsDeleted(s.now())
	return s.stocks.Save(ctx, stock)
}
