package domain

import "context"

// Все Get-методы и списки исключают записи с Deleted=true.
// Save применяет изменения с учётом optimistic locking: версия в аргументе должна
// совпадать с сохранённой, иначе возвращается конфликт версий.

// BookReader: чтение книг.
type BookReader interface {
	// Get возвращает книгу по идентификатору или ErrBookNotFound.
	Get(ctx context.Context, id string) (Book, error)
}

// BookRepository описывает требования к хранилищу каталога.
type BookRepository interface {
	BookReader
	Create(ctx context.Context, book Book) error
	List(ctx context.Context, filter BookFilter, page Page) ([]Book, error)
	Save(ctx context.Context, book Book) error
}

// StockTxRepository: операции со складом, доступные внутри транзакции размещения заказа.
type StockTxRepository interface {
	// GetByBook возвращает складскую запись книги или ErrStockNotFound.
	GetByBook(ctx context.Context, bookID string) (Stock, error)
	// Save сохраняет остаток, только если версия не изменилась (CAS), иначе ErrStockVersionConflict.
	Save(ctx context.Context, stock Stock) error
}

// StockRepository описывает требования к хранилищу остатков.
type StockRepository interface {
	StockTxRepository
	// Create возвращает ErrStockAlreadyExists, если у книги уже есть живая складская запись.
	Create(ctx context.Context, stock Stock) error
	Get(ctx context.Context, id string) (Stock, error)
	List(ctx context.Context, page Page) ([]Stock, error)
}

// UserReader: чтение пользователей.
type UserReader interface {
	Get(ctx context.Context, id string) (User, error)
}

// UserRepository описывает требования к хранилищу пользователей.
type UserRepository interface {
	UserReader
	// Create возвращает ErrUserEmailTaken, если email уже занят.
	Create(ctx context.Context, user User) error
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByRefreshToken(ctx context.Context, token string) (User, error)
	List(ctx context.Context, filter UserFilter, page Page) ([]User, error)
	Save(ctx context.Context, user User) error
}

// OrderTxRepository: операции с заказами внутри транзакции.
type OrderTxRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	Save(ctx context.Context, order Order) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	OrderTxRepository
	// List возвращает заказы в области scope, новые первыми.
	List(ctx context.Context, scope OrderScope, filter OrderFilter, page Page) ([]Order, error)
}

// TxRepositories: репозитории, привязанные к одной транзакции.
type TxRepositories struct {
	Books  BookReader
	Users  UserReader
	Stocks StockTxRepository
	Orders OrderTxRepository
	Outbox OutboxWriter
}

// Transactor выполняет fn в одной транзакции: либо фиксируются все записи fn, либо ни одной.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxRepositories) error) error
}
