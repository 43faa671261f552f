package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/bookstore/internal/auth"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/eventlog"
	"github.com/vladislavdragonenkov/bookstore/internal/service/catalog"
	"github.com/vladislavdragonenkov/bookstore/internal/service/identity"
	"github.com/vladislavdragonenkov/bookstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/bookstore/internal/service/orders"
	"github.com/vladislavdragonenkov/bookstore/internal/service/outbox"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/memory"
)

// OrderLifecycleTestSuite проходит путь заказа через все сервисы поверх одного хранилища.
type OrderLifecycleTestSuite struct {
	suite.Suite

	store     *memory.Store
	users     *identity.Service
	books     *catalog.Service
	stocks    *inventory.Service
	orders    *orders.Service
	worker    *outbox.Worker
	admin     domain.Caller
	seller    domain.Caller
	client    domain.Caller
	otherUser domain.Caller
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	ctx := context.Background()
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "lifecycle-test")

	s.store = memory.NewStore()
	tokens, err := auth.NewTokens(auth.TokenConfig{Secret: "lifecycle-secret", Issuer: "bookstore", Audience: "bookstore-api"})
	s.Require().NoError(err)

	s.users = identity.NewService(s.store.Users(), tokens, identity.WithLogger(logger))
	s.books = catalog.NewService(s.store.Books(), catalog.WithLogger(logger))
	s.stocks = inventory.NewService(s.store.Stocks(), s.store.Books(), inventory.WithLogger(logger))
	s.orders = orders.NewService(s.store.Transactor(), s.store.Orders(),
		orders.WithTimeline(s.store.Timeline()),
		orders.WithLogger(logger),
		orders.WithMaxAttempts(10),
	)
	s.worker = outbox.NewWorker(s.store.Outbox(), eventlog.NewPublisher(s.store.Timeline(), nil),
		outbox.WithLogger(logger),
		outbox.WithRetryBaseDelay(0),
	)

	created, err := s.users.SeedAdmin(ctx, "Admin", "admin@example.com", "admin-secret")
	s.Require().NoError(err)
	s.Require().True(created)

	session, err := s.users.Login(ctx, "admin@example.com", "admin-secret")
	s.Require().NoError(err)
	s.admin = domain.Caller{ID: session.UserID, Role: session.Role}

	s.seller = s.createUser(s.admin, "seller@example.com", domain.RoleSeller)
	s.client = s.createUser(s.seller, "client@example.com", domain.RoleClient)
	s.otherUser = s.createUser(s.seller, "other@example.com", domain.RoleClient)
}

func (s *OrderLifecycleTestSuite) createUser(creator domain.Caller, email string, role domain.Role) domain.Caller {
	view, err := s.users.Create(context.Background(), creator, identity.CreateInput{
		Name:     "User " + email,
		Email:    email,
		Password: "password-" + email,
		Role:     role,
	})
	s.Require().NoError(err)
	return domain.Caller{ID: view.ID, Role: view.Role}
}

func (s *OrderLifecycleTestSuite) createBook(price string, quantity int) domain.Book {
	ctx := context.Background()
	book, err := s.books.Create(ctx, domain.BookDetails{
		Title:       "Go in Practice",
		Description: "Patterns",
		Pages:       300,
		Author:      "Author",
		Price:       decimal.RequireFromString(price),
	})
	s.Require().NoError(err)

	_, err = s.stocks.Create(ctx, book.ID, quantity)
	s.Require().NoError(err)
	return book
}

func (s *OrderLifecycleTestSuite) quantity(bookID string) int {
	stock, err := s.stocks.GetByBook(context.Background(), s.admin, bookID)
	s.Require().NoError(err)
	return stock.Quantity
}

func (s *OrderLifecycleTestSuite) TestPlaceUpdateDeleteTimeline() {
	ctx := context.Background()
	book := s.createBook("12.50", 5)

	order, err := s.orders.Place(ctx, s.seller, orders.PlaceInput{
		ClientID: s.client.ID,
		Products: []domain.OrderItem{{ProductID: book.ID, Quantity: 2}},
	})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCreated, order.Status)
	s.Equal(s.seller.ID, order.SellerID)
	s.True(order.Total.Equal(decimal.RequireFromString("25.00")), "total %s", order.Total)
	s.Equal(3, s.quantity(book.ID))
	s.Equal(1, s.worker.ProcessOnce(ctx))

	delivering := domain.OrderStatusDelivering
	updated, err := s.orders.Update(ctx, s.seller, order.ID, orders.UpdateInput{Status: &delivering})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusDelivering, updated.Status)
	s.Equal(1, s.worker.ProcessOnce(ctx))

	seen, err := s.orders.Get(ctx, s.client, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusDelivering, seen.Status)

	_, err = s.orders.Get(ctx, s.otherUser, order.ID)
	s.ErrorIs(err, domain.ErrOrderNotFound, "other clients never see the order")

	events, err := s.orders.Events(ctx, s.client, order.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(domain.EventOrderPlaced, events[0].Type)
	s.Equal(domain.EventOrderUpdated, events[1].Type)

	s.Require().NoError(s.orders.Delete(ctx, s.seller, order.ID))
	s.Equal(1, s.worker.ProcessOnce(ctx))

	_, err = s.orders.Get(ctx, s.admin, order.ID)
	s.ErrorIs(err, domain.ErrOrderNotFound)

	timeline, err := s.store.Timeline().List(ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(timeline, 3)
	s.Equal(domain.EventOrderDeleted, timeline[2].Type)
}

func (s *OrderLifecycleTestSuite) TestInsufficientStockLeavesNothingBehind() {
	ctx := context.Background()
	cheap := s.createBook("3.00", 10)
	scarce := s.createBook("9.99", 1)

	_, err := s.orders.Place(ctx, s.seller, orders.PlaceInput{
		ClientID: s.client.ID,
		Products: []domain.OrderItem{
			{ProductID: cheap.ID, Quantity: 4},
			{ProductID: scarce.ID, Quantity: 2},
		},
	})
	s.ErrorIs(err, domain.ErrInsufficientStock)

	s.Equal(10, s.quantity(cheap.ID), "earlier items are rolled back")
	s.Equal(1, s.quantity(scarce.ID))

	listed, err := s.orders.List(ctx, s.admin, domain.OrderFilter{}, domain.DefaultPageRequest())
	s.Require().NoError(err)
	s.Empty(listed)
	s.Zero(s.worker.ProcessOnce(ctx), "no outbox message without an order")
}

func (s *OrderLifecycleTestSuite) TestConcurrentPlacementNeverOversells() {
	ctx := context.Background()
	const initial = 3
	book := s.createBook("5.00", initial)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.orders.Place(ctx, s.seller, orders.PlaceInput{
				ClientID: s.client.ID,
				Products: []domain.OrderItem{{ProductID: book.ID, Quantity: 1}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.LessOrEqual(succeeded, initial)
	s.GreaterOrEqual(succeeded, 1)
	s.Equal(initial-succeeded, s.quantity(book.ID))

	listed, err := s.orders.List(ctx, s.admin, domain.OrderFilter{}, domain.DefaultPageRequest())
	s.Require().NoError(err)
	s.Len(listed, succeeded)
}

func (s *OrderLifecycleTestSuite) TestWorkerRunDrainsOutbox() {
	book := s.createBook("7.00", 2)
	order, err := s.orders.Place(context.Background(), s.seller, orders.PlaceInput{
		ClientID: s.client.ID,
		Products: []domain.OrderItem{{ProductID: book.ID, Quantity: 1}},
	})
	s.Require().NoError(err)

	worker := outbox.NewWorker(s.store.Outbox(), eventlog.NewPublisher(s.store.Timeline(), nil),
		outbox.WithPollInterval(10*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	s.Eventually(func() bool {
		events, err := s.store.Timeline().List(context.Background(), order.ID)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestOrderLifecycle(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
