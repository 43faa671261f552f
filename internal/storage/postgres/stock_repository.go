package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const stockColumns = `id, book_id, quantity, deleted, version, created_at, updated_at`

type stockRepository struct {
	db dbtx
}

// NewStockRepository создаёт PostgreSQL-реализацию StockRepository.
func NewStockRepository(store *Store) domain.StockRepository {
	return &stockRepository{db: store.DB()}
}

func (r *stockRepository) Create(ctx context.Context, stock domain.Stock) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stocks (`+stockColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		stock.ID, stock.BookID, stock.Quantity, stock.Deleted, stock.Version, stock.CreatedAt, stock.UpdatedAt,
	)
	if err != nil {
		// Уникальный частичный индекс uq_stocks_live_book: одна живая запись на книгу.
		if isUniqueViolation(err) {
			return domain.ErrStockAlreadyExists
		}
		return fmt.Errorf("insert stock: %w", err)
	}
	return nil
}

func (r *stockRepository) Get(ctx context.Context, id string) (domain.Stock, error) {
	return r.getOne(ctx, `WHERE id = $1 AND NOT deleted`, id)
}

func (r *stockRepository) GetByBook(ctx context.Context, bookID string) (domain.Stock, error) {
	return r.getOne(ctx, `WHERE book_id = $1 AND NOT deleted`, bookID)
}

func (r *stockRepository) getOne(ctx context.Context, where string, arg any) (domain.Stock, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stock, err := scanStock(r.db.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stocks `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Stock{}, domain.ErrStockNotFound
		}
		return domain.Stock{}, fmt.Errorf("select stock: %w", err)
	}
	return stock, nil
}

func (r *stockRepository) List(ctx context.Context, page domain.Page) ([]domain.Stock, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stocks
		WHERE NOT deleted
		ORDER BY created_at ASC, id ASC
		LIMIT $1 OFFSET $2
	`, page.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list stocks: %w", err)
	}
	defer rows.Close()

	stocks := make([]domain.Stock, 0, page.Limit)
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		stocks = append(stocks, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock rows: %w", err)
	}
	return stocks, nil
}

// Save: compare-and-swap по версии: строка меняется, только если её версия не сдвинулась.
func (r *stockRepository) Save(ctx context.Context, stock domain.Stock) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE stocks
		SET quantity = $1,
		    deleted = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $4
		  AND version = $5
		  AND NOT deleted
	`, stock.Quantity, stock.Deleted, stock.UpdatedAt, stock.ID, stock.Version)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return casOutcome(ctx, r.db, "stocks", stock.ID, domain.ErrStockNotFound, domain.ErrStockVersionConflict)
	}
	return nil
}

func scanStock(row rowScanner) (domain.Stock, error) {
	var stock domain.Stock
	err := row.Scan(
		&stock.ID, &stock.BookID, &stock.Quantity, &stock.Deleted, &stock.Version, &stock.CreatedAt, &stock.UpdatedAt,
	)
	return stock, err
}

var _ domain.StockRepository = (*stockRepository)(nil)
