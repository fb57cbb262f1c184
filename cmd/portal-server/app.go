package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/config"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/assessment"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/research"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/trigger"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/batch"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/cache"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/notification"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/telemetry"
)

const version = "0.1.0"

// app holds the wired services shared by the server and the batch commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	// ctx is canceled by Close and bounds background sweepers.
	ctx    context.Context
	pool   *pgxpool.Pool
	checks map[string]db.Pinger

	research   *research.Service
	qbank      *qbank.Service
	responses  *response.Service
	timeline   *timeline.Service
	assessment *assessment.Service
	triggers   *trigger.Service

	closers []func(context.Context) error
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// loadApp reads the configuration, connects to the database and cache, and
// wires every service.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env, os.Stdout)

	bg, cancel := context.WithCancel(context.Background())
	a := &app{cfg: cfg, logger: logger, ctx: bg, checks: map[string]db.Pinger{}}
	a.closers = append(a.closers, func(context.Context) error { cancel(); return nil })
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "portal-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.pool = pool
	a.checks["database"] = pool
	a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
	logger.Info().Msg("connected to database")

	store, epochs, err := a.cacheBackend(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	sender, err := emailSender(cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	actions, err := trigger.NewEmailRegistry(
		notification.NewManager(sender, notification.NewTemplateEngine()), cfg.StaffAlertEmail)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	tx := db.NewTxRunner(pool)
	runner := batch.NewRunner(cfg.BatchWorkers, logger)

	a.research = research.NewService(research.NewProtocolRepoPG(pool), research.NewEnrollmentRepoPG(pool),
		research.NewUserRepoPG(pool), tx, logger)
	a.responses = response.NewService(response.NewRepoPG(pool), tx, logger)
	seq := qbank.NewSequencer(a.research, qbank.NewBankRepoPG(pool), a.responses, logger)
	a.qbank = qbank.NewService(qbank.NewBankRepoPG(pool), seq, tx)
	a.responses.SetAccessor(a.qbank.QBDFor)

	a.timeline = timeline.NewService(timeline.NewRepoPG(pool), a.qbank, a.responses, a.research, tx, runner, logger)
	a.research.AddListener(a.timeline)
	a.research.AddProtocolListener(a.timeline)

	a.assessment = assessment.NewService(a.timeline, a.qbank, a.responses,
		cache.NewCoordinator(epochs, logger), store, cfg.StatusCacheTTL, logger)
	a.timeline.AddInvalidator(a.assessment)

	a.triggers = trigger.NewService(trigger.NewRepoPG(pool), a.responses, a.assessment, a.research, actions,
		tx, runner, cfg.TriggerInstrument, logger)

	// The timeline re-associates the response before triggers are scored.
	a.responses.AddListener(a.timeline)
	a.responses.AddListener(a.triggers)
	return a, nil
}

func (a *app) cacheBackend(ctx context.Context) (cache.Store, cache.EpochStore, error) {
	if a.cfg.RedisURL == "" {
		a.logger.Info().Msg("using in-process status cache")
		store := cache.NewMemoryStore()
		store.StartCleanup(a.ctx, 10*time.Minute)
		return store, &cache.MemoryEpochStore{}, nil
	}
	rdb, err := cache.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	a.checks["cache"] = db.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	a.logger.Info().Msg("connected to redis")
	return cache.NewRedisStore(rdb), cache.NewRedisEpochStore(rdb), nil
}

func emailSender(cfg *config.Config, logger zerolog.Logger) (notification.EmailSender, error) {
	if cfg.SMTPAddr == "" {
		logger.Warn().Msg("SMTP_ADDR not set, trigger emails are logged only")
		return notification.NewLogSender(logger), nil
	}
	return notification.NewSMTPSender(notification.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		Host:     cfg.SMTPHostname(),
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown step failed")
		}
	}
	a.closers = nil
}
