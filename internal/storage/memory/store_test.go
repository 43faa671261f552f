package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/memory"
)

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func seedBookWithStock(t *testing.T, store *memory.Store, bookID string, qty int) domain.Stock {
	t.Helper()
	ctx := context.Background()

	book, err := domain.NewBook(bookID, domain.BookDetails{
		Title:       "Book " + bookID,
		Description: "D",
		Pages:       10,
		Author:      "A",
		Price:       decimal.RequireFromString("2.50"),
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, store.Books().Create(ctx, book))

	stock, err := domain.NewStock("stock-"+bookID, bookID, qty, testNow)
	require.NoError(t, err)
	require.NoError(t, store.Stocks().Create(ctx, stock))
	return stock
}

func newTestOrder(t *testing.T, id string, created time.Time) domain.Order {
	t.Helper()
	order, err := domain.NewOrder(id, "seller-1", "client-1",
		[]domain.OrderItem{{ProductID: "book-1", Quantity: 1}},
		decimal.RequireFromString("2.50"), created)
	require.NoError(t, err)
	return order
}

func TestStockRepository_CreateRejectsSecondStockForBook(t *testing.T) {
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", 3)

	dup, err := domain.NewStock("stock-other", "book-1", 1, testNow)
	require.NoError(t, err)
	assert.ErrorIs(t, store.Stocks().Create(context.Background(), dup), domain.ErrStockAlreadyExists)
}

func TestStockRepository_SaveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", 3)

	first, err := store.Stocks().GetByBook(ctx, "book-1")
	require.NoError(t, err)
	second := first

	require.NoError(t, first.Reserve(1, testNow))
	require.NoError(t, store.Stocks().Save(ctx, first))

	require.NoError(t, second.Reserve(1, testNow))
	assert.ErrorIs(t, store.Stocks().Save(ctx, second), domain.ErrStockVersionConflict)

	stored, err := store.Stocks().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Quantity)
	assert.Equal(t, int64(1), stored.Version)
}

func TestRepositories_DeletedRecordsAreHidden(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", 3)

	book, err := store.Books().Get(ctx, "book-1")
	require.NoError(t, err)
	book.MarkAsDeleted(testNow)
	require.NoError(t, store.Books().Save(ctx, book))

	_, err = store.Books().Get(ctx, "book-1")
	assert.ErrorIs(t, err, domain.ErrBookNotFound)

	books, err := store.Books().List(ctx, domain.BookFilter{}, domain.DefaultPageRequest())
	require.NoError(t, err)
	assert.Empty(t, books)

	assert.ErrorIs(t, store.Books().Save(ctx, book), domain.ErrBookNotFound, "tombstoned record cannot be saved")
}

func TestUserRepository_EmailUniqueness(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	alice, err := domain.NewUser("u-1", domain.UserProfile{Name: "Alice", Email: "alice@example.com"}, domain.RoleClient, "hash", testNow)
	require.NoError(t, err)
	require.NoError(t, store.Users().Create(ctx, alice))

	other, err := domain.NewUser("u-2", domain.UserProfile{Name: "Other", Email: "ALICE@example.com"}, domain.RoleSeller, "hash", testNow)
	require.NoError(t, err)
	assert.ErrorIs(t, store.Users().Create(ctx, other), domain.ErrUserEmailTaken)

	found, err := store.Users().GetByEmail(ctx, " Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "u-1", found.ID)

	alice.SetRefreshToken("refresh-1", testNow.Add(time.Hour), testNow)
	require.NoError(t, store.Users().Save(ctx, alice))

	byToken, err := store.Users().GetByRefreshToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byToken.ID)

	_, err = store.Users().GetByRefreshToken(ctx, "")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestUserRepository_ListFiltersByRole(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	for i, role := range []domain.Role{domain.RoleClient, domain.RoleSeller, domain.RoleClient} {
		user, err := domain.NewUser(fmt.Sprintf("u-%d", i),
			domain.UserProfile{Name: "User", Email: fmt.Sprintf("u%d@example.com", i)},
			role, "hash", testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, store.Users().Create(ctx, user))
	}

	clients, err := store.Users().List(ctx, domain.UserFilter{Role: domain.RoleClient}, domain.DefaultPageRequest())
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "u-0", clients[0].ID)
	assert.Equal(t, "u-2", clients[1].ID)
}

func TestOrderRepository_ListScopedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	older := newTestOrder(t, "order-1", testNow)
	newer := newTestOrder(t, "order-2", testNow.Add(time.Minute))
	foreign := newTestOrder(t, "order-3", testNow.Add(2*time.Minute))
	foreign.SellerID = "seller-2"

	for _, order := range []domain.Order{older, newer, foreign} {
		require.NoError(t, store.Orders().Create(ctx, order))
	}

	orders, err := store.Orders().List(ctx, domain.OrderScope{SellerID: "seller-1"}, domain.OrderFilter{}, domain.DefaultPageRequest())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "order-2", orders[0].ID)
	assert.Equal(t, "order-1", orders[1].ID)

	page, err := store.Orders().List(ctx, domain.OrderScope{}, domain.OrderFilter{}, domain.NewPage(2, 2))
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "order-1", page[0].ID)
}

func TestOrderRepository_ItemsAreCopied(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	order := newTestOrder(t, "order-1", testNow)
	require.NoError(t, store.Orders().Create(ctx, order))
	order.Items[0].Quantity = 99

	stored, err := store.Orders().Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Items[0].Quantity)
}

func TestWithinTx_CommitsAllWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", 3)

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
		stock, err := tx.Stocks.GetByBook(ctx, "book-1")
		if err != nil {
			return err
		}
		if err := stock.Reserve(2, testNow); err != nil {
			return err
		}
		if err := tx.Stocks.Save(ctx, stock); err != nil {
			return err
		}

		staged, err := tx.Stocks.GetByBook(ctx, "book-1")
		if err != nil {
			return err
		}
		if staged.Quantity != 1 {
			return fmt.Errorf("expected staged quantity 1, got %d", staged.Quantity)
		}

		order := newTestOrder(t, "order-1", testNow)
		if err := tx.Orders.Create(ctx, order); err != nil {
			return err
		}
		msg, err := domain.NewOrderOutboxMessage(domain.EventOrderPlaced, order)
		if err != nil {
			return err
		}
		_, err = tx.Outbox.Enqueue(ctx, msg)
		return err
	})
	require.NoError(t, err)

	stock, err := store.Stocks().GetByBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stock.Quantity)

	_, err = store.Orders().Get(ctx, "order-1")
	require.NoError(t, err)

	stats, err := store.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", 3)
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
		stock, err := tx.Stocks.GetByBook(ctx, "book-1")
		if err != nil {
			return err
		}
		if err := stock.Reserve(3, testNow); err != nil {
			return err
		}
		if err := tx.Stocks.Save(ctx, stock); err != nil {
			return err
		}
		if err := tx.Orders.Create(ctx, newTestOrder(t, "order-1", testNow)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stock, err := store.Stocks().GetByBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stock.Quantity)
	assert.Equal(t, int64(0), stock.Version)

	_, err = store.Orders().Get(ctx, "order-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	stats, err := store.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestWithinTx_ConflictAtCommitAppliesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", 3)

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
		stock, err := tx.Stocks.GetByBook(ctx, "book-1")
		if err != nil {
			return err
		}
		require.NoError(t, stock.Reserve(1, testNow))
		if err := tx.Stocks.Save(ctx, stock); err != nil {
			return err
		}

		// Конкурентная запись вне транзакции.
		outside, err := store.Stocks().GetByBook(ctx, "book-1")
		require.NoError(t, err)
		require.NoError(t, outside.UpdateQuantity(10, testNow))
		require.NoError(t, store.Stocks().Save(ctx, outside))

		return tx.Orders.Create(ctx, newTestOrder(t, "order-1", testNow))
	})
	require.ErrorIs(t, err, domain.ErrStockVersionConflict)

	stock, err := store.Stocks().GetByBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 10, stock.Quantity)

	_, err = store.Orders().Get(ctx, "order-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestWithinTx_CanceledContext(t *testing.T) {
	store := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithinTx(ctx, func(context.Context, domain.TxRepositories) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestWithinTx_ConcurrentReservationsNeverOverdraw(t *testing.T) {
	const (
		initial = 5
		workers = 25
	)

	ctx := context.Background()
	store := memory.NewStore()
	seedBookWithStock(t, store, "book-1", initial)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := store.WithinTx(ctx, func(ctx context.Context, tx domain.TxRepositories) error {
					stock, err := tx.Stocks.GetByBook(ctx, "book-1")
					if err != nil {
						return err
					}
					if err := stock.Reserve(1, testNow); err != nil {
						return err
					}
					return tx.Stocks.Save(ctx, stock)
				})
				if errors.Is(err, domain.ErrStockVersionConflict) {
					continue
				}
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
				return
			}
		}()
	}
	wg.Wait()

	stock, err := store.Stocks().GetByBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, initial, succeeded)
	assert.Equal(t, 0, stock.Quantity)
}
