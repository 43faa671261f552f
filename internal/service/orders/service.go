// Package orders отвечает за размещение заказов со списанием остатков и запросы
// к заказам в пределах видимости вызывающего.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/bookstore/internal/cache"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/metrics"
)

const (
	defaultMaxAttempts = 3

	queryGet  = "orders.get"
	queryList = "orders.list"

	tracerName = "github.com/vladislavdragonenkov/bookstore/internal/service/orders"
)

// Recorder получает события жизненного цикла размещения.
type Recorder interface {
	PlacementStarted()
	PlacementFinished(outcome string, duration time.Duration)
	PlacementRetried()
}

// PlaceInput: заказ, как его прислал продавец. Итог и статус сервер вычисляет сам.
type PlaceInput struct {
	ClientID string
	Products []domain.OrderItem
}

// UpdateInput: допустимые изменения заказа. Непустой Products означает попытку
// изменить позиции и отклоняется.
type UpdateInput struct {
	Status   *domain.OrderStatus
	ClientID *string
	Products []domain.OrderItem
}

// Service реализует сценарии заказов.
type Service struct {
	tx       domain.Transactor
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	cache    *cache.Cache
	recorder Recorder
	tracer   trace.Tracer
	logger   *log.Entry
	now      func() time.Time
	newID    func() string

	maxAttempts int
}

// Option настраивает Service.
type Option func(*Service)

// WithCache включает read-through кэш для Get и List.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithTimeline подключает поток событий заказа для Events.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = timeline
	}
}

// WithRecorder задаёт приёмник метрик размещения.
func WithRecorder(recorder Recorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithTracer задаёт tracer; по умолчанию берётся глобальный provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxAttempts задаёт число попыток транзакции размещения при конфликте версий.
func WithMaxAttempts(attempts int) Option {
	return func(s *Service) {
		s.maxAttempts = attempts
	}
}

// NewService создаёт сервис заказов. Все записи размещения, изменения и удаления
// выполняются через tx, чтение: через orders.
func NewService(tx domain.Transactor, orders domain.OrderRepository, options ...Option) *Service {
	s := &Service{
		tx:          tx,
		orders:      orders,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-service")
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	return s
}

// Place оформляет заказ: проверяет клиента и каждую позицию, считает итог,
// списывает остатки и сохраняет заказ в одной транзакции. Продавцом заказа
// становится вызывающий. Конфликт версий остатка повторяет транзакцию целиком.
func (s *Service) Place(ctx context.Context, caller domain.Caller, input PlaceInput) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.Place", trace.WithAttributes(
		attribute.String("caller.role", caller.Role.String()),
		attribute.Int("order.products", len(input.Products)),
	))
	defer span.End()

	if err := checkPlacer(caller); err != nil {
		return domain.Order{}, err
	}

	started := time.Now()
	if s.recorder != nil {
		s.recorder.PlacementStarted()
	}

	var (
		order   domain.Order
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		order, err = s.placeOnce(ctx, caller, input)
		if err == nil || !domain.IsVersionConflict(err) || attempt >= s.maxAttempts {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		if s.recorder != nil {
			s.recorder.PlacementRetried()
		}
		s.logger.WithFields(log.Fields{
			"seller_id": caller.ID,
			"attempt":   attempt,
		}).Debug("order placement hit a version conflict, retrying")
	}

	outcome := placementOutcome(err)
	if s.recorder != nil {
		s.recorder.PlacementFinished(outcome, time.Since(started))
	}
	span.SetAttributes(attribute.Int("order.attempts", attempt), attribute.String("order.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logFailure(err, "order placement failed", log.Fields{
			"seller_id": caller.ID,
			"client_id": input.ClientID,
			"attempts":  attempt,
		})
		return domain.Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"seller_id": order.SellerID,
		"client_id": order.ClientID,
		"total":     order.Total.String(),
	}).Info("order placed")
	return order, nil
}

func (s *Service) placeOnce(ctx context.Context, caller domain.Caller, input PlaceInput) (domain.Order, error) {
	var placed domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
		client, err := resolveClient(ctx, tx.Users, strings.TrimSpace(input.ClientID))
		if err != nil {
			return err
		}
		if len(input.Products) == 0 {
			return domain.ErrItemsRequired
		}

		now := s.now()
		total := decimal.Zero
		for _, item := range input.Products {
			if strings.TrimSpace(item.ProductID) == "" {
				return domain.ErrItemProductRequired
			}

			book, err := tx.Books.Get(ctx, item.ProductID)
			if err != nil {
				return err
			}
			stock, err := tx.Stocks.GetByBook(ctx, book.ID)
			if err != nil {
				return err
			}
			if err := stock.Reserve(item.Quantity, now); err != nil {
				return err
			}

			total = total.Add(book.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
			if err := tx.Stocks.Save(ctx, stock); err != nil {
				return err
			}
		}

		order, err := domain.NewOrder(s.newID(), caller.ID, client.ID, input.Products, total, now)
		if err != nil {
			return err
		}
		if err := tx.Orders.Create(ctx, order); err != nil {
			return err
		}
		if err := enqueue(ctx, tx.Outbox, domain.EventOrderPlaced, order); err != nil {
			return err
		}

		placed = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return placed, nil
}

// Get возвращает заказ, если он виден вызывающему; иначе ErrOrderNotFound.
func (s *Service) Get(ctx context.Context, caller domain.Caller, id string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.Get", trace.WithAttributes(
		attribute.String("caller.role", caller.Role.String()),
		attribute.String("order.id", id),
	))
	defer span.End()

	scope, ok := domain.OrderScopeFor(caller)
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	key := cache.Key{Query: queryGet, Caller: caller, Filter: id}
	return cache.Item(ctx, s.cache, key, func(ctx context.Context) (domain.Order, error) {
		return s.getScoped(ctx, scope, id)
	})
}

// List возвращает страницу видимых вызывающему заказов, новые первыми.
// Роль без стратегии доступа получает пустой список.
func (s *Service) List(ctx context.Context, caller domain.Caller, filter domain.OrderFilter, page domain.Page) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.List", trace.WithAttributes(
		attribute.String("caller.role", caller.Role.String()),
		attribute.Int("page.number", page.Number),
		attribute.Int("page.limit", page.Limit),
	))
	defer span.End()

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	scope, ok := domain.OrderScopeFor(caller)
	if !ok {
		return []domain.Order{}, nil
	}

	key := cache.Key{Query: queryList, Caller: caller, Page: page, Filter: filter}
	return cache.List(ctx, s.cache, key, func(ctx context.Context) ([]domain.Order, error) {
		return s.orders.List(ctx, scope, filter, page)
	})
}

// Update меняет статус и/или клиента заказа. Позиции и итог не меняются никогда.
func (s *Service) Update(ctx context.Context, caller domain.Caller, id string, input UpdateInput) (domain.Order, error) {
	scope, ok := domain.OrderWriteScopeFor(caller)
	if !ok {
		return domain.Order{}, domain.ErrRoleNotAllowed
	}
	if input.Products != nil {
		return domain.Order{}, domain.ErrOrderProductsReadonly
	}

	var updated domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
		order, err := tx.Orders.Get(ctx, id)
		if err != nil {
			return err
		}
		if !scope.Allows(order) {
			return domain.ErrOrderNotFound
		}

		now := s.now()
		if input.Status != nil {
			if err := order.UpdateStatus(*input.Status, now); err != nil {
				return err
			}
		}
		if input.ClientID != nil {
			client, err := resolveClient(ctx, tx.Users, strings.TrimSpace(*input.ClientID))
			if err != nil {
				return err
			}
			if err := order.AssignClient(client.ID, now); err != nil {
				return err
			}
		}

		if err := tx.Orders.Save(ctx, order); err != nil {
			return err
		}
		order.Version++
		if err := enqueue(ctx, tx.Outbox, domain.EventOrderUpdated, order); err != nil {
			return err
		}

		updated = order
		return nil
	})
	if err != nil {
		s.logFailure(err, "order update failed", log.Fields{"order_id": id})
		return domain.Order{}, err
	}
	return updated, nil
}

// Delete помечает заказ удалённым. Остатки не возвращаются.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, id string) error {
	scope, ok := domain.OrderWriteScopeFor(caller)
	if !ok {
		return domain.ErrRoleNotAllowed
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
		order, err := tx.Orders.Get(ctx, id)
		if err != nil {
			return err
		}
		if !scope.Allows(order) {
			return domain.ErrOrderNotFound
		}

		order.MarkAsDeleted(s.now())
		if err := tx.Orders.Save(ctx, order); err != nil {
			return err
		}
		return enqueue(ctx, tx.Outbox, domain.EventOrderDeleted, order)
	})
	if err != nil {
		s.logFailure(err, "order delete failed", log.Fields{"order_id": id})
		return err
	}

	s.logger.WithField("order_id", id).Info("order deleted")
	return nil
}

// Events возвращает поток событий видимого вызывающему заказа.
func (s *Service) Events(ctx context.Context, caller domain.Caller, id string) ([]domain.OrderEvent, error) {
	scope, ok := domain.OrderScopeFor(caller)
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if _, err := s.getScoped(ctx, scope, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.OrderEvent{}, nil
	}
	return s.timeline.List(ctx, id)
}

func (s *Service) getScoped(ctx context.Context, scope domain.OrderScope, id string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !scope.Allows(order) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) logFailure(err error, message string, fields log.Fields) {
	entry := s.logger.WithError(err).WithFields(fields)
	if domain.KindOf(err) == domain.KindUnexpected {
		entry.Error(message)
		return
	}
	entry.Debug(message)
}

// checkPlacer пропускает только роли, которые оформляют заказы.
func checkPlacer(caller domain.Caller) error {
	switch caller.Role {
	case domain.RoleAdmin, domain.RoleSeller:
		if caller.ID == "" {
			return domain.ErrIdentityMissing
		}
		return nil
	case domain.RoleClient:
		return domain.ErrClientPlacesOrder
	default:
		return domain.ErrRoleNotAllowed
	}
}

func resolveClient(ctx context.Context, users domain.UserReader, clientID string) (domain.User, error) {
	if clientID == "" {
		return domain.User{}, domain.ErrOrderClientRequired
	}
	client, err := users.Get(ctx, clientID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return domain.User{}, domain.ErrClientNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	if client.Role != domain.RoleClient {
		return domain.User{}, domain.ErrOrderTargetNotClient
	}
	return client, nil
}

func enqueue(ctx context.Context, outbox domain.OutboxWriter, eventType string, order domain.Order) error {
	msg, err := domain.NewOrderOutboxMessage(eventType, order)
	if err != nil {
		return err
	}
	_, err = outbox.Enqueue(ctx, msg)
	return err
}

func placementOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomePlaced
	case domain.IsVersionConflict(err):
		return metrics.OutcomeConflict
	case domain.KindOf(err) == domain.KindUnexpected:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeRejected
	}
}
