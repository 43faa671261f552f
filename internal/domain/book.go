package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BookDetails: изменяемые поля книги.
type BookDetails struct {
	Title       string
	Description string
	Pages       int
	Author      string
	Price       decimal.Decimal
}

// Book: позиция каталога.
type Book struct {
	Entity
	Title       string
	Description string
	Pages       int
	Author      string
	Price       decimal.Decimal
}

// NewBook создаёт книгу, проверяя инварианты.
func NewBook(id string, details BookDetails, now time.Time) (Book, error) {
	details = details.normalized()
	if err := details.Validate(); err != nil {
		return Book{}, err
	}
	book := Book{Entity: newEntity(id, now)}
	book.apply(details)
	return book, nil
}

// Update заменяет поля книги после валидации.
func (b *Book) Update(details BookDetails, now time.Time) error {
	details = details.normalized()
	if err := details.Validate(); err != nil {
		return err
	}
	b.apply(details)
	b.touch(now)
	return nil
}

func (b *Book) apply(details BookDetails) {
	b.Title = details.Title
	b.Description = details.Description
	b.Pages = details.Pages
	b.Author = details.Author
	b.Price = details.Price
}

// Validate возвращает все нарушения инвариантов книги.
func (d BookDetails) Validate() error {
	var errs []error
	if d.Title == "" {
		errs = append(errs, ErrBookTitleRequired)
	}
	if d.Description == "" {
		errs = append(errs, ErrBookDescriptionMissing)
	}
	if d.Pages <= 0 {
		errs = append(errs, ErrBookPagesInvalid)
	}
	if d.Author == "" {
		errs = append(errs, ErrBookAuthorRequired)
	}
	if !d.Price.IsPositive() {
		errs = append(errs, ErrBookPriceInvalid)
	}
	return joinValidation(errs)
}

func (d BookDetails) normalized() BookDetails {
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	d.Author = strings.TrimSpace(d.Author)
	return d
}
