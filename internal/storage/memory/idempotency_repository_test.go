package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

func newIdempotencyFixture(t *testing.T) (*idempotencyRepositoryInMemory, *time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return newIdempotencyRepository(func() time.Time { return now }), &now
}

func claim(t *testing.T, key, hash string, ttl time.Duration, now time.Time) domain.IdempotencyRecord {
	t.Helper()
	record, err := domain.NewIdempotencyClaim(key, hash, ttl, now)
	require.NoError(t, err)
	return record
}

func TestIdempotencyRepository_ClaimCompleteAndReplay(t *testing.T) {
	ctx := context.Background()
	repo, now := newIdempotencyFixture(t)

	created, err := repo.Claim(ctx, claim(t, "lt-place-1", "hash-1", time.Hour, *now))
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	existing, err := repo.Claim(ctx, claim(t, "lt-place-1", "hash-1", time.Hour, *now))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.Claim(ctx, claim(t, "lt-place-1", "hash-2", time.Hour, *now))
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	body := []byte(`{"id":"order-1"}`)
	require.NoError(t, repo.Complete(ctx, "lt-place-1", domain.IdempotencyStatusDone, body, 200))
	body[0] = 'x'

	stored, err := repo.Get(ctx, "lt-place-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, stored.Status)
	assert.Equal(t, 200, stored.HTTPStatus)
	assert.JSONEq(t, `{"id":"order-1"}`, string(stored.ResponseBody))

	assert.ErrorIs(t, repo.Complete(ctx, "lt-place-1", domain.IdempotencyStatusProcessing, nil, 0), domain.ErrIdempotencyStatusInvalid)
	assert.ErrorIs(t, repo.Complete(ctx, "missing", domain.IdempotencyStatusFailed, nil, 500), domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_ExpiredKeyCanBeReclaimed(t *testing.T) {
	ctx := context.Background()
	repo, now := newIdempotencyFixture(t)

	_, err := repo.Claim(ctx, claim(t, "k", "hash-old", time.Minute, *now))
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, "k", domain.IdempotencyStatusDone, []byte(`{}`), 200))

	*now = now.Add(time.Minute)

	reclaimed, err := repo.Claim(ctx, claim(t, "k", "hash-new", time.Minute, *now))
	require.NoError(t, err, "expired record no longer guards the key")
	assert.Equal(t, "hash-new", reclaimed.RequestHash)
	assert.Equal(t, domain.IdempotencyStatusProcessing, reclaimed.Status)
	assert.Empty(t, reclaimed.ResponseBody)
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo, now := newIdempotencyFixture(t)
	start := *now

	for i, key := range []string{"a", "b", "c"} {
		_, err := repo.Claim(ctx, claim(t, key, "h", time.Duration(i+1)*time.Minute, start))
		require.NoError(t, err)
	}
	_, err := repo.Claim(ctx, claim(t, "live", "h", time.Hour, start))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, start.Add(5*time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get(ctx, "c")
	assert.NoError(t, err, "limit keeps the newest expired record")

	*now = start.Add(5 * time.Minute)
	removed, err = repo.DeleteExpired(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "live")
	assert.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = repo.DeleteExpired(canceled, start, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
