package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/memory"
)

func serve(t *testing.T, handler *Handler) (int, Report) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var report Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w.Code, report
}

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.Register("database", CheckFunc(func(context.Context) error { return nil }))
	handler.Register("cache", Static(StatusHealthy, "in-process"))

	code, report := serve(t, handler)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if report.Status != StatusHealthy {
		t.Errorf("expected status Healthy, got %s", report.Status)
	}
	if report.Version != "v1.0.0" {
		t.Errorf("expected version v1.0.0, got %s", report.Version)
	}
	if len(report.Results) != 2 || report.Results[0].Name != "database" || report.Results[1].Name != "cache" {
		t.Fatalf("results must keep registration order, got %+v", report.Results)
	}
	if report.Results[1].Description != "in-process" {
		t.Errorf("unexpected description %q", report.Results[1].Description)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.Register("database", CheckFunc(func(context.Context) error { return errors.New("connection refused") }))
	handler.Register("outbox", Static(StatusDegraded, "lagging"))

	code, report := serve(t, handler)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if report.Status != StatusUnhealthy {
		t.Errorf("expected status Unhealthy, got %s", report.Status)
	}
	if report.Results[0].Description != "connection refused" {
		t.Errorf("expected error description, got %q", report.Results[0].Description)
	}
}

func TestHealthHandler_DegradedIsStillOK(t *testing.T) {
	handler := NewHandler("")
	handler.Register("outbox", Static(StatusDegraded, "lagging"))
	handler.Register("outbox", Static(StatusDegraded, "replaced"))

	code, report := serve(t, handler)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if report.Status != StatusDegraded {
		t.Errorf("expected Degraded, got %s", report.Status)
	}
	if len(report.Results) != 1 || report.Results[0].Description != "replaced" {
		t.Fatalf("re-registration replaces the check, got %+v", report.Results)
	}
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	handler := NewHandler("")
	handler.timeout = 10 * time.Millisecond
	handler.Register("slow", CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	report := handler.Run(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected Unhealthy after timeout, got %s", report.Status)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	if status, _ := PingCheck(stubPinger{}).Check(context.Background()); status != StatusHealthy {
		t.Fatalf("expected Healthy, got %s", status)
	}
	status, description := PingCheck(stubPinger{err: errors.New("down")}).Check(context.Background())
	if status != StatusUnhealthy || description != "down" {
		t.Fatalf("unexpected result %s %q", status, description)
	}
}

func TestOutboxCheck(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	check := OutboxCheck{Repo: repo, MaxAge: time.Minute}

	if status, _ := check.Check(ctx); status != StatusHealthy {
		t.Fatalf("empty outbox is Healthy, got %s", status)
	}

	if _, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder, AggregateID: "o-1", EventType: domain.EventOrderPlaced}); err != nil {
		t.Fatal(err)
	}
	if status, _ := check.Check(ctx); status != StatusHealthy {
		t.Fatalf("fresh backlog is Healthy, got %s", status)
	}

	check.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if status, _ := check.Check(ctx); status != StatusDegraded {
		t.Fatalf("stale backlog is Degraded, got %s", status)
	}

	if _, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder, AggregateID: "o-2", EventType: domain.EventOrderPlaced}); err != nil {
		t.Fatal(err)
	}
	sizeOnly := OutboxCheck{Repo: repo, MaxPending: 1}
	status, description := sizeOnly.Check(ctx)
	if status != StatusDegraded || description != "2 pending, limit 1" {
		t.Fatalf("oversized backlog is Degraded, got %s %q", status, description)
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	LivenessHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected body 'ok', got %s", w.Body.String())
	}
}
