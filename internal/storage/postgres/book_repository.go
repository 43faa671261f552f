package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const bookColumns = `id, title, description, pages, author, price, deleted, version, created_at, updated_at`

type bookRepository struct {
	db dbtx
}

// NewBookRepository создаёт PostgreSQL-реализацию BookRepository.
func NewBookRepository(store *Store) domain.BookRepository {
	return &bookRepository{db: store.DB()}
}

func (r *bookRepository) Create(ctx context.Context, book domain.Book) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		book.ID, book.Title, book.Description, book.Pages, book.Author, book.Price,
		book.Deleted, book.Version, book.CreatedAt, book.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Invalidf("book %s already exists", book.ID)
		}
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (r *bookRepository) Get(ctx context.Context, id string) (domain.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	book, err := scanBook(r.db.QueryRowContext(ctx, `
		SELECT `+bookColumns+`
		FROM books
		WHERE id = $1 AND NOT deleted
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Book{}, domain.ErrBookNotFound
		}
		return domain.Book{}, fmt.Errorf("select book: %w", err)
	}
	return book, nil
}

func (r *bookRepository) List(ctx context.Context, filter domain.BookFilter, page domain.Page) ([]domain.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		p     placeholders
		where = []string{"NOT deleted"}
	)
	if filter.Title != "" {
		where = append(where, "title ILIKE '%' || "+p.next(filter.Title)+" || '%'")
	}
	if filter.Author != "" {
		where = append(where, "author ILIKE '%' || "+p.next(filter.Author)+" || '%'")
	}
	if filter.MinPrice != nil {
		where = append(where, "price >= "+p.next(*filter.MinPrice))
	}
	if filter.MaxPrice != nil {
		where = append(where, "price <= "+p.next(*filter.MaxPrice))
	}
	if filter.MinPages != nil {
		where = append(where, "pages >= "+p.next(*filter.MinPages))
	}
	if filter.MaxPages != nil {
		where = append(where, "pages <= "+p.next(*filter.MaxPages))
	}

	query := `SELECT ` + bookColumns + ` FROM books WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, id ASC LIMIT ` + p.next(page.Limit) + ` OFFSET ` + p.next(page.Offset())

	rows, err := r.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	books := make([]domain.Book, 0, page.Limit)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book row: %w", err)
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate book rows: %w", err)
	}
	return books, nil
}

func (r *bookRepository) Save(ctx context.Context, book domain.Book) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE books
		SET title = $1,
		    description = $2,
		    pages = $3,
		    author = $4,
		    price = $5,
		    deleted = $6,
		    version = version + 1,
		    updated_at = $7
		WHERE id = $8
		  AND version = $9
		  AND NOT deleted
	`,
		book.Title, book.Description, book.Pages, book.Author, book.Price,
		book.Deleted, book.UpdatedAt, book.ID, book.Version,
	)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return casOutcome(ctx, r.db, "books", book.ID, domain.ErrBookNotFound, domain.ErrBookVersionConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (domain.Book, error) {
	var book domain.Book
	err := row.Scan(
		&book.ID, &book.Title, &book.Description, &book.Pages, &book.Author, &book.Price,
		&book.Deleted, &book.Version, &book.CreatedAt, &book.UpdatedAt,
	)
	return book, err
}

var _ domain.BookRepository = (*bookRepository)(nil)
