// Package eventlog ведёт поток событий заказа по сообщениям outbox.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// Recorder считает добавленные события.
type Recorder interface {
	RecordTimelineEvent()
}

// Publisher: получатель outbox, который пишет события заказов в timeline.
// Повторная доставка того же сообщения не создаёт дубликат: ID события равен ID сообщения.
type Publisher struct {
	timeline domain.TimelineRepository
	recorder Recorder
	logger   *log.Entry
	now      func() time.Time
}

// NewPublisher создаёт Publisher; recorder может быть nil.
func NewPublisher(timeline domain.TimelineRepository, recorder Recorder) *Publisher {
	return &Publisher{
		timeline: timeline,
		recorder: recorder,
		logger:   log.WithField("component", "order-event-log"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.AggregateType != domain.AggregateOrder {
		return nil
	}

	event, err := p.toEvent(msg)
	if err != nil {
		// Повтор не исправит payload, поэтому сообщение пропускается.
		p.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("skipping malformed order event")
		return nil
	}
	if err := p.timeline.Append(ctx, event); err != nil {
		return fmt.Errorf("append order event: %w", err)
	}

	if p.recorder != nil {
		p.recorder.RecordTimelineEvent()
	}
	return nil
}

func (p *Publisher) toEvent(msg domain.OutboxMessage) (domain.OrderEvent, error) {
	if msg.ID == "" || msg.AggregateID == "" {
		return domain.OrderEvent{}, fmt.Errorf("order event without id or order id")
	}

	occurred := p.now()
	if len(msg.Payload) > 0 {
		var payload domain.OrderEventPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return domain.OrderEvent{}, fmt.Errorf("decode order event payload: %w", err)
		}
		if !payload.At.IsZero() {
			occurred = payload.At
		}
	}

	return domain.OrderEvent{
		ID:       msg.ID,
		OrderID:  msg.AggregateID,
		Type:     msg.EventType,
		Payload:  append([]byte(nil), msg.Payload...),
		Occurred: occurred,
	}, nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
