package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carepulse/carepulse/internal/authclient"
	"github.com/carepulse/carepulse/internal/config"
	handler "github.com/carepulse/carepulse/internal/handler/http"
	"github.com/carepulse/carepulse/internal/invalidation"
	"github.com/carepulse/carepulse/internal/notifystore"
	"github.com/carepulse/carepulse/internal/relay"
	"github.com/carepulse/carepulse/internal/session"
	"github.com/carepulse/carepulse/internal/storage"
	pgstore "github.com/carepulse/carepulse/internal/storage/postgres"
	redisstore "github.com/carepulse/carepulse/internal/storage/redis"
	"github.com/carepulse/carepulse/internal/stream"
	"github.com/carepulse/carepulse/pkg/database"
	apperrors "github.com/carepulse/carepulse/pkg/errors"
	"github.com/carepulse/carepulse/pkg/health"
	"github.com/carepulse/carepulse/pkg/httpclient"
	pkgkafka "github.com/carepulse/carepulse/pkg/kafka"
	"github.com/carepulse/carepulse/pkg/middleware"
	"github.com/carepulse/carepulse/pkg/tracing"
)

const serviceName = "carepulse"

// App wires together all dependencies and runs the carepulse client.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	kv       storage.Store
	bus      *invalidation.Bus
	sessions *session.Store
	stream   *stream.Client
	notify   *notifystore.Store
	relay    *relay.Sink
	producer *pkgkafka.Producer

	limiter         *middleware.RateLimiter
	router          http.Handler
	httpServer      *http.Server
	shutdownTracing func(context.Context) error
	unsubscribe     func()
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize tracing.
	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Environment
	tcfg.Enabled = cfg.OTELEnabled
	tcfg.OTLPEndpoint = cfg.OTELEndpoint
	tcfg.SampleRate = cfg.OTELSampleRate
	shutdownTracing, err := tracing.InitTracer(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	// Initialize session storage.
	kv, err := openStorage(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}

	// Auth client behind a circuit breaker.
	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = cfg.AuthTimeout
	hcfg.MaxRetries = cfg.AuthMaxRetries
	cbcfg := httpclient.DefaultCircuitBreakerConfig("auth")
	cbcfg.Timeout = cfg.BreakerTimeout
	cbcfg.FailureRatio = cfg.BreakerFailureRate
	cbcfg.MinRequests = cfg.BreakerMinRequests
	doer := httpclient.NewCircuitBreakerClient(httpclient.New(hcfg), cbcfg, logger)
	auth := authclient.New(doer, cfg.APIBaseURL, logger)

	// Session, bus and stream.
	bus := invalidation.NewBus(logger)
	sessions := session.NewStore(kv, auth, bus, logger, session.WithNamespacePrefix(cfg.NamespacePrefix))

	scfg := stream.DefaultConfig(cfg.APIBaseURL)
	scfg.Path = cfg.StreamPath
	scfg.BaseDelay = cfg.StreamBaseDelay
	scfg.MaxDelay = cfg.StreamMaxDelay
	scfg.Skew = cfg.TokenSkew
	streamClient := stream.NewClient(scfg, sessions, logger)

	notify := notifystore.New(logger)

	// Kafka relay, only when brokers are configured.
	var producer *pkgkafka.Producer
	var sink *relay.Sink
	if len(cfg.KafkaBrokers) > 0 {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		sink = relay.NewSink(producer, func(context.Context) string {
			return sessions.Snapshot().UserID
		}, logger)
		logger.Info("kafka relay enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", relay.TopicNotificationReceived),
		)
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("storage", kv.Ping)
	healthHandler.Register("stream", func(context.Context) error {
		if sessions.IsAuthenticated() && !streamClient.IsConnected() {
			return errors.New("notification stream not connected")
		}
		return nil
	})
	if producer != nil {
		healthHandler.Register("kafka", producer.Ping)
	}

	// HTTP router.
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 5*time.Minute, logger)
	statusHandler := handler.NewStatusHandler(sessions, notify, streamClient, logger)
	router := handler.NewRouter(statusHandler, healthHandler, limiter, func(context.Context) string {
		return sessions.Snapshot().UserID
	}, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a := &App{
		cfg:             cfg,
		logger:          logger,
		kv:              kv,
		bus:             bus,
		sessions:        sessions,
		stream:          streamClient,
		notify:          notify,
		relay:           sink,
		producer:        producer,
		limiter:         limiter,
		router:          router,
		httpServer:      httpServer,
		shutdownTracing: shutdownTracing,
	}

	// A session that ends takes its stream and notifications with it.
	unsubStream := bus.Subscribe(invalidation.EventSessionEnded, func(context.Context) error {
		streamClient.Disconnect()
		return nil
	})
	unsubNotify := bus.Subscribe(invalidation.EventSessionEnded, notify.Reset)
	a.unsubscribe = func() {
		unsubStream()
		unsubNotify()
	}

	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageRedis:
		rdb, err := database.NewRedisClient(ctx, database.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to Redis",
			slog.String("addr", cfg.RedisAddr),
			slog.Int("db", cfg.RedisDB),
		)
		return redisstore.New(rdb, cfg.RedisKeyPrefix), nil

	case config.StoragePostgres:
		pool, err := database.NewPostgresPool(ctx, database.DefaultPostgresConfig(cfg.DatabaseURL), logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
			logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
		}
		database.SetSlowQueryLogging(cfg.SlowQueryThreshold, logger)
		kv := pgstore.New(pool)
		if err := kv.Migrate(ctx, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate session storage: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return kv, nil

	default:
		logger.Warn("using in-memory session storage; sessions will not survive a restart")
		return storage.NewMemory(), nil
	}
}

// Handler returns the status API router.
func (a *App) Handler() http.Handler { return a.router }

// Start restores the session, logs in unattended when configured and opens
// the notification stream for an authenticated session.
func (a *App) Start(ctx context.Context) error {
	if err := a.sessions.Rehydrate(ctx); err != nil {
		a.logger.Warn("session restore incomplete", slog.String("error", err.Error()))
	}

	if !a.sessions.IsAuthenticated() && a.cfg.UnattendedLogin() {
		err := a.sessions.Login(ctx, authclient.LoginInput{Email: a.cfg.Email, Password: a.cfg.Password})
		if err != nil {
			return fmt.Errorf("unattended login: %w", err)
		}
	}

	if !a.sessions.IsAuthenticated() {
		a.logger.Info("no active session; notification stream not started")
		return nil
	}
	return a.subscribe(ctx)
}

func (a *App) subscribe(ctx context.Context) error {
	snap := a.sessions.Snapshot()
	if snap.NeedsRoleSelection() {
		a.logger.Warn("session has no role assigned; notifications may be limited",
			slog.String("user_id", snap.UserID),
		)
	}

	token := a.sessions.CurrentToken(ctx)
	_, err := a.stream.Subscribe(token, a.onEvent, a.onStreamError)
	if err != nil {
		return fmt.Errorf("subscribe to notifications: %w", err)
	}
	a.logger.Info("notification stream started", slog.String("user_id", snap.UserID))
	return nil
}

func (a *App) onEvent(ev stream.Event) {
	a.notify.Apply(ev)
	a.relay.Handle(ev)
}

func (a *App) onStreamError(err error) {
	if errors.Is(err, apperrors.ErrCredentialsExhausted) {
		a.notify.MarkUnavailable(err)
		a.logger.Error("notifications unavailable until the next login",
			slog.String("error", err.Error()),
		)
	}
}

// Run starts the session, the stream and the HTTP server, then blocks until
// the context is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	a.stream.Disconnect()
	a.unsubscribe()
	a.limiter.Stop()

	// Graceful HTTP server shutdown with a 10-second deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}

	if err := a.shutdownTracing(shutdownCtx); err != nil {
		a.logger.Error("tracing shutdown error", slog.String("error", err.Error()))
	}

	if err := a.kv.Close(); err != nil {
		a.logger.Error("storage close error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
	return nil
}
