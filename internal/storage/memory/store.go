package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// Store объединяет in-memory репозитории и реализует domain.Transactor.
//
// Транзакция копит записи в собственном overlay и применяет их при фиксации
// под блокировками репозиториев (порядок: stocks, orders, outbox), повторно
// сверяя версии. При ошибке fn или конфликте версий ни одна запись не применяется.
type Store struct {
	books       *bookRepositoryInMemory
	stocks      *stockRepositoryInMemory
	users       *userRepositoryInMemory
	orders      *orderRepositoryInMemory
	outbox      *outboxRepositoryInMemory
	timeline    domain.TimelineRepository
	idempotency domain.IdempotencyRepository
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		books:       newBookRepository(),
		stocks:      newStockRepository(),
		users:       newUserRepository(),
		orders:      newOrderRepository(),
		outbox:      newOutboxRepository(),
		timeline:    NewTimelineRepository(),
		idempotency: NewIdempotencyRepository(),
	}
}

func (s *Store) Books() domain.BookRepository { return s.books }
func (s *Store) Stocks() domain.StockRepository { return s.stocks }
func (s *Store) Users() domain.UserRepository { return s.users }
func (s *Store) Orders() domain.OrderRepository { return s.orders }
func (s *Store) Outbox() domain.OutboxRepository { return s.outbox }
func (s *Store) Timeline() domain.TimelineRepository { return s.timeline }
func (s *Store) Idempotency() domain.IdempotencyRepository { return s.idempotency }
func (s *Store) Transactor() domain.Transactor { return s }

// WithinTx выполняет fn атомарно относительно остатков, заказов и outbox.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.TxRepositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newMemoryTx(s)
	if err := fn(ctx, tx.repositories()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type stagedStock struct {
	// readVersion: версия в хранилище на момент первой записи в транзакции.
	readVersion int64
	value       domain.Stock
}

type stagedOrder struct {
	readVersion int64
	value       domain.Order
}

type memoryTx struct {
	store *Store

	stocks        map[string]stagedStock
	stockByBook   map[string]string
	createdOrders map[string]domain.Order
	savedOrders   map[string]stagedOrder
	outbox        []domain.OutboxMessage
}

func newMemoryTx(store *Store) *memoryTx {
	return &memoryTx{
		store:         store,
		stocks:        make(map[string]stagedStock),
		stockByBook:   make(map[string]string),
		createdOrders: make(map[string]domain.Order),
		savedOrders:   make(map[string]stagedOrder),
	}
}

func (tx *memoryTx) repositories() domain.TxRepositories {
	return domain.TxRepositories{
		Books:  tx.store.books,
		Users:  tx.store.users,
		Stocks: txStocks{tx},
		Orders: txOrders{tx},
		Outbox: txOutbox{tx},
	}
}

func (tx *memoryTx) commit() error {
	s := tx.store

	s.stocks.mu.Lock()
	defer s.stocks.mu.Unlock()
	s.orders.mu.Lock()
	defer s.orders.mu.Unlock()
	s.outbox.mu.Lock()
	defer s.outbox.mu.Unlock()

	for _, staged := range tx.stocks {
		current, ok := s.stocks.items[staged.value.ID]
		if !ok || current.Deleted {
			return domain.ErrStockNotFound
		}
		if current.Version != staged.readVersion {
			return domain.ErrStockVersionConflict
		}
	}
	for id := range tx.createdOrders {
		if _, exists := s.orders.items[id]; exists {
			return domain.ErrOrderVersionConflict
		}
	}
	for _, staged := range tx.savedOrders {
		current, ok := s.orders.items[staged.value.ID]
		if !ok || current.Deleted {
			return domain.ErrOrderNotFound
		}
		if current.Version != staged.readVersion {
			return domain.ErrOrderVersionConflict
		}
	}

	for _, staged := range tx.stocks {
		s.stocks.items[staged.value.ID] = staged.value
	}
	for id, order := range tx.createdOrders {
		s.orders.items[id] = cloneOrder(order)
	}
	for _, staged := range tx.savedOrders {
		s.orders.items[staged.value.ID] = cloneOrder(staged.value)
	}
	for _, msg := range tx.outbox {
		s.outbox.enqueueLocked(msg)
	}
	return nil
}

type txStocks struct{ tx *memoryTx }

func (r txStocks) GetByBook(ctx context.Context, bookID string) (domain.Stock, error) {
	if id, ok := r.tx.stockByBook[bookID]; ok {
		return r.tx.stocks[id].value, nil
	}
	return r.tx.store.stocks.GetByBook(ctx, bookID)
}

func (r txStocks) Save(_ context.Context, stock domain.Stock) error {
	if staged, ok := r.tx.stocks[stock.ID]; ok {
		if staged.value.Version != stock.Version {
			return domain.ErrStockVersionConflict
		}
		stock.Version++
		staged.value = stock
		r.tx.stocks[stock.ID] = staged
		return nil
	}

	s := r.tx.store.stocks
	s.mu.RLock()
	err := s.checkLocked(stock)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	readVersion := stock.Version
	stock.Version++
	r.tx.stocks[stock.ID] = stagedStock{readVersion: readVersion, value: stock}
	r.tx.stockByBook[stock.BookID] = stock.ID
	return nil
}

type txOrders struct{ tx *memoryTx }

func (r txOrders) Create(ctx context.Context, order domain.Order) error {
	if _, staged := r.tx.createdOrders[order.ID]; staged {
		return domain.ErrOrderVersionConflict
	}
	if _, err := r.tx.store.orders.Get(ctx, order.ID); err == nil {
		return domain.ErrOrderVersionConflict
	}
	r.tx.createdOrders[order.ID] = cloneOrder(order)
	return nil
}

func (r txOrders) Get(ctx context.Context, id string) (domain.Order, error) {
	if order, ok := r.tx.createdOrders[id]; ok {
		return cloneOrder(order), nil
	}
	if staged, ok := r.tx.savedOrders[id]; ok {
		if staged.value.Deleted {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return cloneOrder(staged.value), nil
	}
	return r.tx.store.orders.Get(ctx, id)
}

func (r txOrders) Save(_ context.Context, order domain.Order) error {
	if created, ok := r.tx.createdOrders[order.ID]; ok {
		if created.Version != order.Version {
			return domain.ErrOrderVersionConflict
		}
		order.Version++
		r.tx.createdOrders[order.ID] = cloneOrder(order)
		return nil
	}
	if staged, ok := r.tx.savedOrders[order.ID]; ok {
		if staged.value.Deleted {
			return domain.ErrOrderNotFound
		}
		if staged.value.Version != order.Version {
			return domain.ErrOrderVersionConflict
		}
		order.Version++
		staged.value = cloneOrder(order)
		r.tx.savedOrders[order.ID] = staged
		return nil
	}

	s := r.tx.store.orders
	s.mu.RLock()
	err := s.checkLocked(order)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	readVersion := order.Version
	order.Version++
	r.tx.savedOrders[order.ID] = stagedOrder{readVersion: readVersion, value: cloneOrder(order)}
	return nil
}

type txOutbox struct{ tx *memoryTx }

func (r txOutbox) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	r.tx.outbox = append(r.tx.outbox, msg)
	return msg, nil
}

var _ domain.Transactor = (*Store)(nil)
