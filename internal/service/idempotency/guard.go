// Package idempotency хранит ответы на запросы с Idempotency-Key и чистит
// просроченные ключи.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// DefaultTTL: сколько хранится ответ по ключу.
const DefaultTTL = 24 * time.Hour

// Response: сохранённый ответ: статус и тело как их увидел клиент.
type Response struct {
	Status int
	Body   []byte
}

// Guard выполняет обработчик не более одного раза на ключ и повторяет
// сохранённый ответ на последующие запросы с тем же ключом и телом.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт срок хранения ответа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard создаёт Guard поверх хранилища ключей; nil repo выключает идемпотентность.
func NewGuard(repo domain.IdempotencyRepository, options ...GuardOption) *Guard {
	g := &Guard{
		repo: repo,
		ttl:  DefaultTTL,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(g)
	}
	if g.logger == nil {
		g.logger = log.WithField("component", "idempotency-guard")
	}
	return g
}

// RequestHash считает отпечаток запроса: метод, путь и тело.
func RequestHash(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write([]byte(path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// Do выполняет handler под ключом key. replayed=true означает, что ответ взят
// из хранилища. Ключ, занятый другим телом запроса, даёт ErrIdempotencyHashMismatch,
// незавершённый запрос с тем же ключом: ErrIdempotencyInProgress.
func (g *Guard) Do(ctx context.Context, key, requestHash string, handler func(ctx context.Context) Response) (resp Response, replayed bool, err error) {
	if g == nil || g.repo == nil {
		return handler(ctx), false, nil
	}

	claim, err := domain.NewIdempotencyClaim(key, requestHash, g.ttl, g.now())
	if err != nil {
		return Response{}, false, err
	}

	record, err := g.repo.Claim(ctx, claim)
	if err != nil {
		return g.replay(err, record)
	}

	resp = handler(ctx)
	g.store(context.WithoutCancel(ctx), claim.Key, resp)
	return resp, false, nil
}

func (g *Guard) replay(claimErr error, record domain.IdempotencyRecord) (Response, bool, error) {
	switch {
	case errors.Is(claimErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, false, domain.ErrIdempotencyHashMismatch
	case errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Status == domain.IdempotencyStatusProcessing {
			return Response{}, false, domain.ErrIdempotencyInProgress
		}
		if !record.Status.Final() {
			return Response{}, false, fmt.Errorf("unknown idempotency record status %q", record.Status)
		}
		status := record.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return Response{Status: status, Body: record.ResponseBody}, true, nil
	case domain.KindOf(claimErr) == domain.KindInvalidRequest:
		return Response{}, false, claimErr
	default:
		g.logger.WithError(claimErr).Warn("failed to claim idempotency key")
		return Response{}, false, fmt.Errorf("claim idempotency key: %w", claimErr)
	}
}

func (g *Guard) store(ctx context.Context, key string, resp Response) {
	if err := g.repo.Complete(ctx, key, domain.CompletionStatus(resp.Status), resp.Body, resp.Status); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}
