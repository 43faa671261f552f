package catalog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bookstore/internal/cache"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/memory"
)

type countingBooks struct {
	domain.BookRepository
	gets  atomic.Int32
	lists atomic.Int32
}

func (r *countingBooks) Get(ctx context.Context, id string) (domain.Book, error) {
	r.gets.Add(1)
	return r.BookRepository.Get(ctx, id)
}

func (r *countingBooks) List(ctx context.Context, filter domain.BookFilter, page domain.Page) ([]domain.Book, error) {
	r.lists.Add(1)
	return r.BookRepository.List(ctx, filter, page)
}

var admin = domain.Caller{ID: "admin-1", Role: domain.RoleAdmin}

func sampleDetails() domain.BookDetails {
	return domain.BookDetails{
		Title:       "T",
		Description: "D",
		Pages:       100,
		Author:      "A",
		Price:       decimal.RequireFromString("9.99"),
	}
}

func TestService_CreateThenGet(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewBookRepository())

	created, err := svc.Create(ctx, sampleDetails())
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := svc.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "T", got.Title)
	assert.Equal(t, "D", got.Description)
	assert.Equal(t, 100, got.Pages)
	assert.Equal(t, "A", got.Author)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("9.99")))
}

func TestService_CreateValidates(t *testing.T) {
	svc := NewService(memory.NewBookRepository())

	details := sampleDetails()
	details.Pages = 0
	details.Title = " "
	_, err := svc.Create(context.Background(), details)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBookPagesInvalid)
	assert.ErrorIs(t, err, domain.ErrBookTitleRequired)
	assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
}

func TestService_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewBookRepository())

	created, err := svc.Create(ctx, sampleDetails())
	require.NoError(t, err)

	details := sampleDetails()
	details.Title = "Second edition"
	updated, err := svc.Update(ctx, created.ID, details)
	require.NoError(t, err)
	assert.Equal(t, "Second edition", updated.Title)
	assert.Equal(t, int64(1), updated.Version)

	_, err = svc.Update(ctx, "missing", details)
	assert.ErrorIs(t, err, domain.ErrBookNotFound)

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.Get(ctx, admin, created.ID)
	assert.ErrorIs(t, err, domain.ErrBookNotFound)

	books, err := svc.List(ctx, admin, domain.BookFilter{}, domain.DefaultPageRequest())
	require.NoError(t, err)
	assert.Empty(t, books)

	assert.ErrorIs(t, svc.Delete(ctx, created.ID), domain.ErrBookNotFound)
}

func TestService_ListRejectsInvalidFilter(t *testing.T) {
	svc := NewService(memory.NewBookRepository())
	lo, hi := decimal.NewFromInt(10), decimal.NewFromInt(5)

	_, err := svc.List(context.Background(), admin, domain.BookFilter{MinPrice: &lo, MaxPrice: &hi}, domain.DefaultPageRequest())
	assert.ErrorIs(t, err, domain.ErrFilterInvalid)
}

func TestService_CachedReadsSkipStoreWithinTTL(t *testing.T) {
	ctx := context.Background()
	repo := &countingBooks{BookRepository: memory.NewBookRepository()}
	svc := NewService(repo, WithCache(cache.New(cache.NewMemory())))

	created, err := svc.Create(ctx, sampleDetails())
	require.NoError(t, err)

	first, err := svc.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	second, err := svc.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, int32(1), repo.gets.Load())

	seller := domain.Caller{ID: "seller-1", Role: domain.RoleSeller}
	_, err = svc.Get(ctx, seller, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.gets.Load(), "different caller misses the cache")

	for i := 0; i < 3; i++ {
		books, err := svc.List(ctx, admin, domain.BookFilter{Title: "t"}, domain.DefaultPageRequest())
		require.NoError(t, err)
		require.Len(t, books, 1)
	}
	assert.Equal(t, int32(1), repo.lists.Load())
}

func TestService_CacheExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	repo := &countingBooks{BookRepository: memory.NewBookRepository()}
	policy := cache.Policy{Absolute: 50 * time.Millisecond, Sliding: 50 * time.Millisecond}
	svc := NewService(repo, WithCache(cache.New(cache.NewMemory(), cache.WithPolicies(policy, policy))))

	created, err := svc.Create(ctx, sampleDetails())
	require.NoError(t, err)

	_, err = svc.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = svc.Get(ctx, admin, created.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(2), repo.gets.Load())
}
