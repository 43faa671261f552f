package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/auth"
	"github.com/vladislavdragonenkov/bookstore/internal/eventlog"
	"github.com/vladislavdragonenkov/bookstore/internal/health"
	"github.com/vladislavdragonenkov/bookstore/internal/metrics"
	"github.com/vladislavdragonenkov/bookstore/internal/service/catalog"
	"github.com/vladislavdragonenkov/bookstore/internal/service/identity"
	"github.com/vladislavdragonenkov/bookstore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bookstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/bookstore/internal/service/orders"
	"github.com/vladislavdragonenkov/bookstore/internal/service/outbox"
	"github.com/vladislavdragonenkov/bookstore/internal/tracing"
	"github.com/vladislavdragonenkov/bookstore/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/bookstore/internal/version"
)

const (
	serviceName           = "bookstore-api"
	limiterPruneInterval  = time.Minute
	limiterIdleTTL        = 10 * time.Minute
	httpReadHeaderTimeout = 5 * time.Second
)

// Run поднимает HTTP API, сервер метрик и фоновые воркеры и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: serviceName,
		Version:     version.GetVersion(),
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	m := metrics.New()

	deps, err := initRuntimeDependencies(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	tokens, err := auth.NewTokens(auth.TokenConfig{
		Secret:     jwtSecret(cfg, logger),
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return err
	}

	st := deps.store
	users := identity.NewService(st.Users(), tokens,
		identity.WithCache(deps.queryCache),
		identity.WithLogger(logger.WithField("component", "identity-service")),
	)
	if err := seedAdmin(ctx, cfg, users, logger); err != nil {
		return err
	}

	orderService := orders.NewService(st.Transactor(), st.Orders(),
		orders.WithCache(deps.queryCache),
		orders.WithTimeline(st.Timeline()),
		orders.WithRecorder(m),
		orders.WithTracer(tracing.Tracer("bookstore/orders")),
		orders.WithLogger(logger.WithField("component", "order-service")),
	)

	limiter := auth.NewKeyedLimiter(cfg.LoginRateInterval, cfg.LoginRateBurst)

	healthHandler := health.NewHandler(version.GetVersion())
	healthHandler.Register("database", deps.storageChecker)
	healthHandler.Register("cache", deps.cacheChecker)
	healthHandler.Register("outbox", health.OutboxCheck{
		Repo:       st.Outbox(),
		MaxPending: cfg.OutboxMaxPending,
		MaxAge:     cfg.OutboxMaxPendingAge,
	})

	router := httpapi.NewRouter(httpapi.Dependencies{
		Books: catalog.NewService(st.Books(),
			catalog.WithCache(deps.queryCache),
			catalog.WithLogger(logger.WithField("component", "catalog-service")),
		),
		Stocks: inventory.NewService(st.Stocks(), st.Books(),
			inventory.WithCache(deps.queryCache),
			inventory.WithLogger(logger.WithField("component", "inventory-service")),
		),
		Orders:       orderService,
		Users:        users,
		Tokens:       tokens,
		LoginLimiter: limiter,
		Idempotency: idempotency.NewGuard(st.Idempotency(),
			idempotency.WithTTL(cfg.IdempotencyTTL),
			idempotency.WithGuardLogger(logger.WithField("component", "idempotency-guard")),
		),
		Health: healthHandler,
		Logger: logger.WithField("component", "http"),
	})

	producer := initKafkaProducer(cfg, logger)
	defer closeKafkaProducer(producer, logger)

	timeline := eventlog.NewPublisher(st.Timeline(), m)
	routing := routeEvents(cfg, producer, timeline)

	workers := newWorkerGroup(ctx, logger)
	defer workers.stop()

	workers.start("outbox", outbox.NewWorker(st.Outbox(), routing.publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithRecorder(m),
		outbox.WithDLQPublisher(routing.dlq),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	).Run)
	workers.start("idempotency-cleanup", idempotency.NewCleanupWorker(st.Idempotency(),
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithRecorder(m),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	).Run)
	workers.start("login-limiter-prune", func(ctx context.Context) {
		pruneLimiter(ctx, limiter, limiterPruneInterval, limiterIdleTTL)
	})
	if deps.memoryCache != nil {
		workers.start("cache-janitor", func(ctx context.Context) {
			deps.memoryCache.RunJanitor(ctx, cfg.CacheSweepInterval)
		})
	}
	if routing.projectTimeline {
		consumer, err := initTimelineConsumer(cfg, producer, timeline)
		if err != nil {
			return err
		}
		if err := consumer.Start(workers.ctx); err != nil {
			_ = consumer.Stop()
			return fmt.Errorf("start timeline consumer: %w", err)
		}
		workers.start("timeline-consumer", func(ctx context.Context) {
			<-ctx.Done()
			if err := consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop timeline consumer")
			}
		})
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger, cfg.ShutdownTimeout)
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	apiSrv := &http.Server{Handler: router, ReadHeaderTimeout: httpReadHeaderTimeout}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", lis.Addr())
		errCh <- apiSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		shutdownHTTP(apiSrv, logger, cfg.ShutdownTimeout)
		shutdownHTTP(metricsSrv, logger, cfg.ShutdownTimeout)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger, cfg.ShutdownTimeout)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// jwtSecret возвращает настроенный секрет или случайный на время жизни процесса.
func jwtSecret(cfg Config, logger *log.Entry) string {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret
	}
	logger.Warnf("%s_JWT_SECRET is not set, using a random secret: tokens will not survive a restart", EnvPrefix)
	return uuid.NewString() + uuid.NewString()
}

func seedAdmin(ctx context.Context, cfg Config, users *identity.Service, logger *log.Entry) error {
	if cfg.SeedAdminEmail == "" || cfg.SeedAdminPassword == "" {
		return nil
	}
	created, err := users.SeedAdmin(ctx, cfg.SeedAdminName, cfg.SeedAdminEmail, cfg.SeedAdminPassword)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if created {
		logger.WithField("email", cfg.SeedAdminEmail).Info("seed admin created")
	}
	return nil
}

func pruneLimiter(ctx context.Context, limiter *auth.KeyedLimiter, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(idle)
		}
	}
}

// workerGroup запускает фоновые воркеры и дожидается их остановки.
type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Entry
}

func newWorkerGroup(ctx context.Context, logger *log.Entry) *workerGroup {
	workerCtx, cancel := context.WithCancel(ctx)
	return &workerGroup{ctx: workerCtx, cancel: cancel, logger: logger}
}

func (g *workerGroup) start(name string, run func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.WithField("worker", name).Debug("worker started")
		run(g.ctx)
		g.logger.WithField("worker", name).Debug("worker stopped")
	}()
}

func (g *workerGroup) stop() {
	g.cancel()
	g.wg.Wait()
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-проверок.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.Handle("/readyz", healthHandler)
	mux.HandleFunc("/livez", health.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: httpReadHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger, 0)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry, timeout time.Duration) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
