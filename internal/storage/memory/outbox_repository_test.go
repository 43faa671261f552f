package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

func TestOutboxRepository_EnqueueAndPull(t *testing.T) {
	ctx := context.Background()
	repo := newOutboxRepository()

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderPlaced,
		Payload:       []byte(`{"status":"Created"}`),
	}

	saved, err := repo.Enqueue(ctx, msg)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	pending, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
	if pending[0].ID != saved.ID {
		t.Fatalf("expected same message id, got %s", pending[0].ID)
	}
}

func TestOutboxRepository_PullKeepsEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	repo := newOutboxRepository()

	for _, id := range []string{"m-3", "m-1", "m-2"} {
		if _, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	pending, err := repo.PullPending(ctx, 2)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "m-3" || pending[1].ID != "m-1" {
		t.Fatalf("unexpected order: %+v", pending)
	}
}

func TestOutboxRepository_MarkSentAndFailed(t *testing.T) {
	ctx := context.Background()
	repo := newOutboxRepository()

	saved, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := repo.MarkSent(ctx, saved.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}

	if err := repo.MarkFailed(ctx, saved.ID, errors.New("broker unavailable")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if rec := repo.records[saved.ID]; rec.lastError != "broker unavailable" || rec.attemptCnt != 2 {
		t.Fatalf("unexpected record after failure: %+v", rec)
	}

	if err := repo.MarkFailed(ctx, "missing", errors.New("x")); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish for missing record, got %v", err)
	}
}

func TestOutboxRepository_Stats(t *testing.T) {
	ctx := context.Background()
	repo := newOutboxRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, _ := repo.Enqueue(ctx, domain.OutboxMessage{})
	_, _ = repo.Enqueue(ctx, domain.OutboxMessage{})

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 2 {
		t.Fatalf("expected 2 pending, got %d", stats.PendingCount)
	}
	if !stats.OldestPendingAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected oldest pending: %s", stats.OldestPendingAt)
	}

	if err := repo.MarkSent(ctx, first.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	stats, _ = repo.Stats(ctx)
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending after send, got %d", stats.PendingCount)
	}
	if stats.FailedCount != 0 {
		t.Fatalf("expected no failed events, got %d", stats.FailedCount)
	}

	second, err := repo.PullPending(ctx, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("pull failed: %v %+v", err, second)
	}
	if err := repo.MarkFailed(ctx, second[0].ID, errors.New("timeout")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stats, _ = repo.Stats(ctx)
	if stats.PendingCount != 0 || stats.FailedCount != 1 || !stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats after failure: %+v", stats)
	}
}
