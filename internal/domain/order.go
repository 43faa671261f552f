package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusCreated: заказ оформлен, остатки списаны.
	OrderStatusCreated OrderStatus = "Created"
	// OrderStatusDelivering: заказ передан в доставку.
	OrderStatusDelivering OrderStatus = "Delivering"
	// OrderStatusCanceled: заказ отменён.
	OrderStatusCanceled OrderStatus = "Canceled"
	// OrderStatusFinished: заказ доставлен и закрыт.
	OrderStatusFinished OrderStatus = "Finished"
)

// ParseOrderStatus разбирает статус без учёта регистра.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return OrderStatusCreated, nil
	case "delivering":
		return OrderStatusDelivering, nil
	case "canceled", "cancelled":
		return OrderStatusCanceled, nil
	case "finished":
		return OrderStatusFinished, nil
	default:
		return "", ErrOrderStatusInvalid
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusDelivering, OrderStatusCanceled, OrderStatusFinished:
		return true
	default:
		return false
	}
}

// OrderItem представляет одну позицию заказа. Отдельного жизненного цикла у неё нет.
type OrderItem struct {
	// ProductID: идентификатор книги.
	ProductID string
	Quantity  int
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	Entity
	Items    []OrderItem
	SellerID string
	ClientID string
	// Total всегда вычисляется сервером как сумма price × quantity.
	Total  decimal.Decimal
	Status OrderStatus
}

// NewOrder собирает заказ в статусе Created.
func NewOrder(id, sellerID, clientID string, items []OrderItem, total decimal.Decimal, now time.Time) (Order, error) {
	order := Order{
		Entity:   newEntity(id, now),
		Items:    append([]OrderItem(nil), items...),
		SellerID: strings.TrimSpace(sellerID),
		ClientID: strings.TrimSpace(clientID),
		Total:    total,
		Status:   OrderStatusCreated,
	}
	if err := joinValidation(order.ValidateInvariants()); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.SellerID == "" {
		errs = append(errs, ErrOrderSellerRequired)
	}
	if o.ClientID == "" {
		errs = append(errs, ErrOrderClientRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}
	for _, item := range o.Items {
		if err := item.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// Validate проверяет позицию заказа.
func (i OrderItem) Validate() error {
	var errs []error
	if strings.TrimSpace(i.ProductID) == "" {
		errs = append(errs, ErrItemProductRequired)
	}
	if i.Quantity <= 0 {
		errs = append(errs, ErrItemQtyInvalid)
	}
	return joinValidation(errs)
}

// UpdateStatus переводит заказ в новый статус.
func (o *Order) UpdateStatus(status OrderStatus, now time.Time) error {
	if !status.Valid() {
		return ErrOrderStatusInvalid
	}
	o.Status = status
	o.touch(now)
	return nil
}

// AssignClient меняет клиента заказа. Проверка роли клиента: на стороне сервиса.
func (o *Order) AssignClient(clientID string, now time.Time) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ErrOrderClientRequired
	}
	o.ClientID = clientID
	o.touch(now)
	return nil
}
