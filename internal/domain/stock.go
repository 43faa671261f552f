package domain

import (
	"strings"
	"time"
)

// Stock: остаток одной книги на складе.
type Stock struct {
	Entity
	BookID   string
	Quantity int
}

// NewStock создаёт складскую запись.
func NewStock(id, bookID string, quantity int, now time.Time) (Stock, error) {
	bookID = strings.TrimSpace(bookID)

	var errs []error
	if bookID == "" {
		errs = append(errs, ErrStockBookRequired)
	}
	if quantity < 0 {
		errs = append(errs, ErrStockQtyNegative)
	}
	if err := joinValidation(errs); err != nil {
		return Stock{}, err
	}

	return Stock{Entity: newEntity(id, now), BookID: bookID, Quantity: quantity}, nil
}

// UpdateQuantity выставляет новый остаток.
func (s *Stock) UpdateQuantity(quantity int, now time.Time) error {
	if quantity < 0 {
		return ErrStockQtyNegative
	}
	s.Quantity = quantity
	s.touch(now)
	return nil
}

// Reserve списывает qty единиц под заказ.
func (s *Stock) Reserve(qty int, now time.Time) error {
	if qty <= 0 {
		return ErrItemQtyInvalid
	}
	if qty > s.Quantity {
		return ErrInsufficientStock
	}
	return s.UpdateQuantity(s.Quantity-qty, now)
}
