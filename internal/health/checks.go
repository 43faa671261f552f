package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// Pinger: зависимость с проверкой соединения (pgx pool, redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck проверяет зависимость через Ping.
func PingCheck(p Pinger) Checker {
	return CheckFunc(func(ctx context.Context) error {
		return p.Ping(ctx)
	})
}

// Static всегда возвращает заданный статус, например для in-process зависимостей.
func Static(status Status, description string) Checker {
	return staticChecker{status: status, description: description}
}

type staticChecker struct {
	status      Status
	description string
}

func (s staticChecker) Check(context.Context) (Status, string) {
	return s.status, s.description
}

// OutboxCheck деградирует, когда backlog больше MaxPending или самое старое
// неопубликованное сообщение старше MaxAge. Нулевые пороги не проверяются.
type OutboxCheck struct {
	Repo       domain.OutboxRepository
	MaxPending int
	MaxAge     time.Duration
	Now        func() time.Time
}

func (c OutboxCheck) Check(ctx context.Context) (Status, string) {
	stats, err := c.Repo.Stats(ctx)
	if err != nil {
		return StatusUnhealthy, err.Error()
	}
	if c.MaxPending > 0 && stats.PendingCount > c.MaxPending {
		return StatusDegraded, fmt.Sprintf("%d pending, limit %d", stats.PendingCount, c.MaxPending)
	}
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() || c.MaxAge <= 0 {
		return StatusHealthy, fmt.Sprintf("%d pending", stats.PendingCount)
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	age := now().Sub(stats.OldestPendingAt)
	if age > c.MaxAge {
		return StatusDegraded, fmt.Sprintf("%d pending, oldest %s", stats.PendingCount, age.Truncate(time.Second))
	}
	return StatusHealthy, fmt.Sprintf("%d pending", stats.PendingCount)
}
