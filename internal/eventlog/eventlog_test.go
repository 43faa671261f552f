package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/memory"
)

type countingRecorder struct{ events int }

func (c *countingRecorder) RecordTimelineEvent() { c.events++ }

func orderMessage(t *testing.T, id, eventType string, at time.Time) domain.OutboxMessage {
	t.Helper()
	order, err := domain.NewOrder("order-1", "seller-1", "client-1",
		[]domain.OrderItem{{ProductID: "book-1", Quantity: 2}}, decimal.NewFromInt(20), at)
	require.NoError(t, err)

	msg, err := domain.NewOrderOutboxMessage(eventType, order)
	require.NoError(t, err)
	msg.ID = id
	return msg
}

func TestPublisher_AppendsOrderEventsOnce(t *testing.T) {
	ctx := context.Background()
	timeline := memory.NewTimelineRepository()
	recorder := &countingRecorder{}
	publisher := NewPublisher(timeline, recorder)

	placedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	placed := orderMessage(t, "m-1", domain.EventOrderPlaced, placedAt)
	updated := orderMessage(t, "m-2", domain.EventOrderUpdated, placedAt.Add(time.Minute))

	require.NoError(t, publisher.Publish(ctx, updated))
	require.NoError(t, publisher.Publish(ctx, placed))
	require.NoError(t, publisher.Publish(ctx, placed))

	events, err := timeline.List(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderPlaced, events[0].Type)
	assert.True(t, events[0].Occurred.Equal(placedAt))
	assert.Equal(t, domain.EventOrderUpdated, events[1].Type)
	assert.JSONEq(t, string(placed.Payload), string(events[0].Payload))
	assert.Equal(t, 3, recorder.events)
}

func TestPublisher_IgnoresForeignAggregatesAndMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	timeline := memory.NewTimelineRepository()
	publisher := NewPublisher(timeline, nil)

	require.NoError(t, publisher.Publish(ctx, domain.OutboxMessage{ID: "x", AggregateType: "book", AggregateID: "b-1"}))
	require.NoError(t, publisher.Publish(ctx, domain.OutboxMessage{
		ID: "y", AggregateType: domain.AggregateOrder, AggregateID: "order-2", EventType: domain.EventOrderPlaced, Payload: []byte("{"),
	}))

	events, err := timeline.List(ctx, "order-2")
	require.NoError(t, err)
	assert.Empty(t, events)
}

type failingTimeline struct{ domain.TimelineRepository }

func (failingTimeline) Append(context.Context, domain.OrderEvent) error {
	return errors.New("storage down")
}

func TestPublisher_PropagatesStorageErrors(t *testing.T) {
	publisher := NewPublisher(failingTimeline{}, nil)
	msg := orderMessage(t, "m-1", domain.EventOrderDeleted, time.Now())

	assert.Error(t, publisher.Publish(context.Background(), msg))
}
