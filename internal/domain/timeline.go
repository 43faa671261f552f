package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// AggregateOrder: тип агрегата для событий заказа.
	AggregateOrder = "order"

	EventOrderPlaced  = "order.placed"
	EventOrderUpdated = "order.updated"
	EventOrderDeleted = "order.deleted"
)

// OrderEvent: запись в потоке событий заказа.
type OrderEvent struct {
	ID       string
	OrderID  string
	Type     string
	Payload  []byte
	Occurred time.Time
}

// OrderEventPayload: содержимое события заказа в outbox и в потоке событий.
type OrderEventPayload struct {
	OrderID  string          `json:"orderId"`
	SellerID string          `json:"sellerId"`
	ClientID string          `json:"clientId"`
	Status   OrderStatus     `json:"status"`
	Total    decimal.Decimal `json:"total"`
	Items    []OrderItemJSON `json:"products"`
	At       time.Time       `json:"at"`
}

// OrderItemJSON: позиция заказа в событии.
type OrderItemJSON struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// NewOrderOutboxMessage сериализует состояние заказа в outbox-сообщение.
func NewOrderOutboxMessage(eventType string, order Order) (OutboxMessage, error) {
	items := make([]OrderItemJSON, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemJSON{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	payload, err := json.Marshal(OrderEventPayload{
		OrderID:  order.ID,
		SellerID: order.SellerID,
		ClientID: order.ClientID,
		Status:   order.Status,
		Total:    order.Total,
		Items:    items,
		At:       order.UpdatedAt,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
