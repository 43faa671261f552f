// Package httpapi содержит REST-границу магазина поверх chi.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/auth"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/service/identity"
	"github.com/vladislavdragonenkov/bookstore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bookstore/internal/service/orders"
)

// BookService: операции каталога.
type BookService interface {
	Get(ctx context.Context, caller domain.Caller, id string) (domain.Book, error)
	List(ctx context.Context, caller domain.Caller, filter domain.BookFilter, page domain.Page) ([]domain.Book, error)
	Create(ctx context.Context, details domain.BookDetails) (domain.Book, error)
	Update(ctx context.Context, id string, details domain.BookDetails) (domain.Book, error)
	Delete(ctx context.Context, id string) error
}

// StockService: операции склада.
type StockService interface {
	Get(ctx context.Context, caller domain.Caller, id string) (domain.Stock, error)
	GetByBook(ctx context.Context, caller domain.Caller, bookID string) (domain.Stock, error)
	List(ctx context.Context, caller domain.Caller, page domain.Page) ([]domain.Stock, error)
	Create(ctx context.Context, bookID string, quantity int) (domain.Stock, error)
	UpdateQuantity(ctx context.Context, id string, quantity int) (domain.Stock, error)
	Delete(ctx context.Context, id string) error
}

// OrderService: операции заказов.
type OrderService interface {
	Place(ctx context.Context, caller domain.Caller, input orders.PlaceInput) (domain.Order, error)
	Get(ctx context.Context, caller domain.Caller, id string) (domain.Order, error)
	List(ctx context.Context, caller domain.Caller, filter domain.OrderFilter, page domain.Page) ([]domain.Order, error)
	Update(ctx context.Context, caller domain.Caller, id string, input orders.UpdateInput) (domain.Order, error)
	Delete(ctx context.Context, caller domain.Caller, id string) error
	Events(ctx context.Context, caller domain.Caller, id string) ([]domain.OrderEvent, error)
}

// UserService: вход, обновление токенов и управление пользователями.
type UserService interface {
	Login(ctx context.Context, email, password string) (identity.Session, error)
	Refresh(ctx context.Context, refreshToken string) (identity.Session, error)
	Get(ctx context.Context, caller domain.Caller, id string) (identity.UserView, error)
	List(ctx context.Context, caller domain.Caller, page domain.Page) ([]identity.UserView, error)
	Create(ctx context.Context, caller domain.Caller, input identity.CreateInput) (identity.UserView, error)
	Update(ctx context.Context, caller domain.Caller, id string, input identity.UpdateInput) (identity.UserView, error)
	Delete(ctx context.Context, caller domain.Caller, id string) error
}

// TokenParser проверяет access token.
type TokenParser interface {
	ParseAccess(raw string) (domain.Caller, error)
}

// Dependencies: всё, что нужно роутеру.
type Dependencies struct {
	Books  BookService
	Stocks StockService
	Orders OrderService
	Users  UserService
	Tokens TokenParser
	// LoginLimiter ограничивает попытки входа по IP; nil: без ограничения.
	LoginLimiter *auth.KeyedLimiter
	// Idempotency обслуживает заголовок Idempotency-Key на POST /orders; nil: выключено.
	Idempotency *idempotency.Guard
	// Health отдаётся на GET /healthcheck.
	Health http.Handler
	Logger *log.Entry
	// MaxBodyBytes ограничивает тело запроса; 0: 1 MiB.
	MaxBodyBytes int64
}

// Handler реализует HTTP API.
type Handler struct {
	books        BookService
	stocks       StockService
	orders       OrderService
	users        UserService
	tokens       TokenParser
	loginLimiter *auth.KeyedLimiter
	guard        *idempotency.Guard
	logger       *log.Entry
	maxBodyBytes int64
}

const (
	defaultMaxBodyBytes = 1 << 20
	requestTimeout      = 30 * time.Second
)

// NewRouter собирает chi-роутер со всеми маршрутами.
func NewRouter(deps Dependencies) http.Handler {
	h := &Handler{
		books:        deps.Books,
		stocks:       deps.Stocks,
		orders:       deps.Orders,
		users:        deps.Users,
		tokens:       deps.Tokens,
		loginLimiter: deps.LoginLimiter,
		guard:        deps.Idempotency,
		logger:       deps.Logger,
		maxBodyBytes: deps.MaxBodyBytes,
	}
	if h.logger == nil {
		h.logger = log.WithField("component", "http")
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthcheck", deps.Health)
	}

	r.Route("/auth", func(r chi.Router) {
		r.With(h.limitLogin).Post("/login", h.login)
		r.Post("/refresh", h.refresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/books", func(r chi.Router) {
			r.With(h.allow(domain.RoleAdmin, domain.RoleSeller)).Get("/", h.listBooks)
			r.With(h.allow(domain.RoleAdmin, domain.RoleSeller)).Get("/{id}", h.getBook)
			r.With(h.allow(domain.RoleAdmin)).Post("/", h.createBook)
			r.With(h.allow(domain.RoleAdmin)).Put("/{id}", h.updateBook)
			r.With(h.allow(domain.RoleAdmin)).Delete("/{id}", h.deleteBook)
		})

		r.Route("/stocks", func(r chi.Router) {
			r.With(h.allow(domain.RoleAdmin, domain.RoleSeller)).Get("/", h.listStocks)
			r.With(h.allow(domain.RoleAdmin, domain.RoleSeller)).Get("/{id}", h.getStock)
			r.With(h.allow(domain.RoleAdmin, domain.RoleSeller)).Get("/product/{id}", h.getStockByBook)
			r.With(h.allow(domain.RoleAdmin)).Post("/", h.createStock)
			r.With(h.allow(domain.RoleAdmin)).Patch("/{id}", h.updateStock)
			r.With(h.allow(domain.RoleAdmin)).Delete("/{id}", h.deleteStock)
		})

		r.Route("/orders", func(r chi.Router) {
			readers := h.allow(domain.RoleAdmin, domain.RoleSeller, domain.RoleClient)
			writers := h.allow(domain.RoleAdmin, domain.RoleSeller)

			r.With(readers).Get("/", h.listOrders)
			r.With(readers).Get("/{id}", h.getOrder)
			r.With(readers).Get("/{id}/events", h.orderEvents)
			r.With(writers, h.idempotent).Post("/", h.placeOrder)
			r.With(writers).Put("/{id}", h.updateOrder)
			r.With(writers).Delete("/{id}", h.deleteOrder)
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(h.allow(domain.RoleAdmin, domain.RoleSeller))

			r.Get("/", h.listUsers)
			r.Get("/{id}", h.getUser)
			r.Post("/", h.createUser)
			r.Put("/{id}", h.updateUser)
			r.Delete("/{id}", h.deleteUser)
		})
	})

	return r
}

func mustCaller(r *http.Request) domain.Caller {
	caller, _ := auth.CallerFrom(r.Context())
	return caller
}
