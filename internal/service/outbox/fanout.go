package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// Target: именованный получатель событий.
type Target struct {
	Name      string
	Publisher domain.OutboxPublisher
}

// FanOut передаёт событие всем получателям. Ошибка любого из них возвращается
// воркеру, и событие публикуется заново целиком, поэтому получатели обязаны
// быть идемпотентными по ID сообщения.
type FanOut struct {
	targets []Target
}

// NewFanOut пропускает получателей с nil publisher.
func NewFanOut(targets ...Target) *FanOut {
	f := &FanOut{}
	for _, target := range targets {
		if target.Publisher != nil {
			f.targets = append(f.targets, target)
		}
	}
	return f
}

// Len возвращает число получателей.
func (f *FanOut) Len() int { return len(f.targets) }

func (f *FanOut) Publish(ctx context.Context, event domain.OutboxMessage) error {
	var errs []error
	for _, target := range f.targets {
		if err := target.Publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target.Name, err))
		}
	}
	return errors.Join(errs...)
}

var _ domain.OutboxPublisher = (*FanOut)(nil)
