package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/service/identity"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	ID                    string      `json:"id"`
	Role                  domain.Role `json:"role"`
	AccessToken           string      `json:"accessToken"`
	AccessTokenExpiresAt  time.Time   `json:"accessTokenExpiresAt"`
	RefreshToken          string      `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time   `json:"refreshTokenExpiresAt"`
}

func newSessionResponse(s identity.Session) sessionResponse {
	return sessionResponse{
		ID:                    s.UserID,
		Role:                  s.Role,
		AccessToken:           s.AccessToken,
		AccessTokenExpiresAt:  s.AccessExpiresAt,
		RefreshToken:          s.RefreshToken,
		RefreshTokenExpiresAt: s.RefreshExpiresAt,
	}
}

type bookRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Pages       int             `json:"pages"`
	Author      string          `json:"author"`
	Price       decimal.Decimal `json:"price"`
}

func (r bookRequest) details() domain.BookDetails {
	return domain.BookDetails{
		Title:       r.Title,
		Description: r.Description,
		Pages:       r.Pages,
		Author:      r.Author,
		Price:       r.Price,
	}
}

type bookResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Pages       int             `json:"pages"`
	Author      string          `json:"author"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func newBookResponse(b domain.Book) bookResponse {
	return bookResponse{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Pages:       b.Pages,
		Author:      b.Author,
		Price:       b.Price,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

type stockRequest struct {
	BookID   string `json:"bookId"`
	Quantity int    `json:"quantity"`
}

type stockResponse struct {
	ID        string    `json:"id"`
	BookID    string    `json:"bookId"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newStockResponse(s domain.Stock) stockResponse {
	return stockResponse{
		ID:        s.ID,
		BookID:    s.BookID,
		Quantity:  s.Quantity,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

type orderItemJSON struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func itemsFromJSON(items []orderItemJSON) []domain.OrderItem {
	if items == nil {
		return nil
	}
	out := make([]domain.OrderItem, len(items))
	for i, it := range items {
		out[i] = domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return out
}

// placeOrderRequest не содержит total: сумма всегда считается сервером.
type placeOrderRequest struct {
	ClientID string          `json:"clientId"`
	Products []orderItemJSON `json:"products"`
}

type updateOrderRequest struct {
	Status   *string         `json:"status"`
	ClientID *string         `json:"clientId"`
	Products []orderItemJSON `json:"products"`
}

type orderResponse struct {
	ID        string             `json:"id"`
	SellerID  string             `json:"sellerId"`
	ClientID  string             `json:"clientId"`
	Status    domain.OrderStatus `json:"status"`
	Total     decimal.Decimal    `json:"totalAmount"`
	Products  []orderItemJSON    `json:"products"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func newOrderResponse(o domain.Order) orderResponse {
	products := make([]orderItemJSON, len(o.Items))
	for i, it := range o.Items {
		products[i] = orderItemJSON{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return orderResponse{
		ID:        o.ID,
		SellerID:  o.SellerID,
		ClientID:  o.ClientID,
		Status:    o.Status,
		Total:     o.Total,
		Products:  products,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

type orderEventResponse struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Occurred time.Time       `json:"occurred"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type userRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func mapSlice[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, len(items))
	for i, item := range items {
		out[i] = fn(item)
	}
	return out
}

func newOrderEventResponse(e domain.OrderEvent) orderEventResponse {
	resp := orderEventResponse{ID: e.ID, Type: e.Type, Occurred: e.Occurred}
	if len(e.Payload) > 0 && json.Valid(e.Payload) {
		resp.Payload = json.RawMessage(e.Payload)
	}
	return resp
}
