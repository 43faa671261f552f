package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	opTimeout = 5 * time.Second
)

// dbtx: общее подмножество *sql.DB и *sql.Tx, к которому привязаны репозитории.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store оборачивает SQL-подключение к PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *log.Entry
}

// Option настраивает Store.
type Option func(*Store)

// WithLogger задаёт logger для миграций и служебных сообщений.
func WithLogger(logger *log.Entry) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	for _, option := range options {
		option(store)
	}
	if store.logger == nil {
		store.logger = log.WithField("component", "postgres")
	}
	return store, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.MigrateUp(ctx, 0)
	return err
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Books() domain.BookRepository   { return &bookRepository{db: s.db} }
func (s *Store) Stocks() domain.StockRepository { return &stockRepository{db: s.db} }
func (s *Store) Users() domain.UserRepository   { return &userRepository{db: s.db} }
func (s *Store) Orders() domain.OrderRepository { return &orderRepository{db: s.db} }
func (s *Store) Outbox() domain.OutboxRepository {
	return newOutboxRepository(s.db)
}
func (s *Store) Timeline() domain.TimelineRepository {
	return &timelineRepository{db: s.db}
}
func (s *Store) Idempotency() domain.IdempotencyRepository {
	return newIdempotencyRepository(s.db)
}
func (s *Store) Transactor() domain.Transactor { return s }

// WithinTx выполняет fn в одной SQL-транзакции.
// Ошибка fn или отмена контекста приводит к откату всех записей.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.TxRepositories) error) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, domain.TxRepositories{
		Books:  &bookRepository{db: tx},
		Users:  &userRepository{db: tx},
		Stocks: &stockRepository{db: tx},
		Orders: &orderRepository{db: tx},
		Outbox: newOutboxRepository(tx),
	}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// runInTx выполняет fn в транзакции, если db: пул; внутри внешней транзакции fn
// вызывается напрямую.
func runInTx(ctx context.Context, db dbtx, fn func(q dbtx) error) (err error) {
	pool, ok := db.(*sql.DB)
	if !ok {
		return fn(db)
	}

	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// casOutcome различает "записи нет" и "версия изменилась" после UPDATE ... WHERE version = $n.
func casOutcome(ctx context.Context, q dbtx, table, id string, notFound, conflict error) error {
	var deleted bool
	err := q.QueryRowContext(ctx, `SELECT deleted FROM `+table+` WHERE id = $1`, id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("check %s exists: %w", table, err)
	}
	return conflict
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// placeholders накапливает аргументы и выдаёт $n для динамических WHERE.
type placeholders struct {
	args []any
}

func (p *placeholders) next(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

var _ domain.Transactor = (*Store)(nil)
