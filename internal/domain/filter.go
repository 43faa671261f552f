package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Page: 1-based пагинация: skip = (Number-1)*Limit, take = Limit.
type Page struct {
	Number int
	Limit  int
}

// NewPage нормализует значения: всё, что меньше 1, становится 1, limit ограничен MaxLimit.
// Номер страницы ограничен так, чтобы Offset помещался в int.
func NewPage(number, limit int) Page {
	if number < 1 {
		number = 1
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if maxNumber := math.MaxInt/limit + 1; number > maxNumber {
		number = maxNumber
	}
	return Page{Number: number, Limit: limit}
}

// DefaultPageRequest: первая страница по 10 записей.
func DefaultPageRequest() Page {
	return Page{Number: DefaultPage, Limit: DefaultLimit}
}

// Offset возвращает количество пропускаемых записей.
// При переполнении возвращается math.MaxInt: такая страница всегда пуста.
func (p Page) Offset() int {
	if p.Number <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Number-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Number - 1) * p.Limit
}

// Paginate возвращает страницу из уже отсортированного среза.
func Paginate[T any](items []T, page Page) []T {
	offset := page.Offset()
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	end := offset + page.Limit
	if end > len(items) || end < offset {
		end = len(items)
	}
	return append([]T(nil), items[offset:end]...)
}

// BookFilter: необязательные предикаты, объединяемые через AND.
type BookFilter struct {
	Title    string           `json:"title,omitempty"`
	Author   string           `json:"author,omitempty"`
	MinPrice *decimal.Decimal `json:"minPrice,omitempty"`
	MaxPrice *decimal.Decimal `json:"maxPrice,omitempty"`
	MinPages *int             `json:"minPages,omitempty"`
	MaxPages *int             `json:"maxPages,omitempty"`
}

// Validate отклоняет заведомо пустые диапазоны.
func (f BookFilter) Validate() error {
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.GreaterThan(*f.MaxPrice) {
		return fmt.Errorf("%w: minPrice is greater than maxPrice", ErrFilterInvalid)
	}
	if f.MinPages != nil && f.MaxPages != nil && *f.MinPages > *f.MaxPages {
		return fmt.Errorf("%w: minPages is greater than maxPages", ErrFilterInvalid)
	}
	return nil
}

// Matches применяет фильтр к книге; title и author сравниваются как подстроки без учёта регистра.
func (f BookFilter) Matches(b Book) bool {
	if f.Title != "" && !containsFold(b.Title, f.Title) {
		return false
	}
	if f.Author != "" && !containsFold(b.Author, f.Author) {
		return false
	}
	if f.MinPrice != nil && b.Price.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && b.Price.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.MinPages != nil && b.Pages < *f.MinPages {
		return false
	}
	if f.MaxPages != nil && b.Pages > *f.MaxPages {
		return false
	}
	return true
}

// OrderFilter: необязательные предикаты по заказам.
type OrderFilter struct {
	StartDate *time.Time       `json:"startDate,omitempty"`
	EndDate   *time.Time       `json:"endDate,omitempty"`
	Status    *OrderStatus     `json:"status,omitempty"`
	MinTotal  *decimal.Decimal `json:"minTotal,omitempty"`
	MaxTotal  *decimal.Decimal `json:"maxTotal,omitempty"`
}

// Validate отклоняет неизвестный статус и перевёрнутые диапазоны.
func (f OrderFilter) Validate() error {
	if f.Status != nil && !f.Status.Valid() {
		return ErrOrderStatusInvalid
	}
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return fmt.Errorf("%w: startDate is after endDate", ErrFilterInvalid)
	}
	if f.MinTotal != nil && f.MaxTotal != nil && f.MinTotal.GreaterThan(*f.MaxTotal) {
		return fmt.Errorf("%w: minTotal is greater than maxTotal", ErrFilterInvalid)
	}
	return nil
}

// Matches применяет фильтр к заказу; диапазон дат сравнивается с CreatedAt включительно.
func (f OrderFilter) Matches(o Order) bool {
	if f.StartDate != nil && o.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && o.CreatedAt.After(*f.EndDate) {
		return false
	}
	if f.Status != nil && o.Status != *f.Status {
		return false
	}
	if f.MinTotal != nil && o.Total.LessThan(*f.MinTotal) {
		return false
	}
	if f.MaxTotal != nil && o.Total.GreaterThan(*f.MaxTotal) {
		return false
	}
	return true
}

// UserFilter ограничивает выборку пользователей ролью; пустая роль: все пользователи.
type UserFilter struct {
	Role Role `json:"role,omitempty"`
}

// Matches применяет фильтр к пользователю.
func (f UserFilter) Matches(u User) bool {
	return f.Role == "" || u.Role == f.Role
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
