package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/towing-dispatch/internal/config"
	"github.com/example/towing-dispatch/internal/dispatch"
	"github.com/example/towing-dispatch/internal/eta"
	"github.com/example/towing-dispatch/internal/events"
	"github.com/example/towing-dispatch/internal/geo"
	"github.com/example/towing-dispatch/internal/ingest"
	"github.com/example/towing-dispatch/internal/payments"
	"github.com/example/towing-dispatch/internal/queue"
	"github.com/example/towing-dispatch/internal/storage"
	"github.com/example/towing-dispatch/internal/towing"
)

const queueTTL = 24 * time.Hour

// NewServerFromConfig wires the backends named in cfg, falling back to
// in-memory implementations for anything left unset. The returned func
// releases every connection that was opened.
func NewServerFromConfig(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Server, func() error, error) {
	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Server, func() error, error) {
		_ = cleanup()
		return nil, nil, err
	}

	var (
		dir    geo.Directory = geo.NewIndex()
		q      queue.Queue   = queue.NewMemoryQueue()
		checks []Check
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		dir = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		q = queue.NewRedisQueue(rc, queueTTL)
		checks = append(checks, Check{Name: "redis", Fn: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if sqlStore, ok := store.(*storage.SQLStore); ok {
		closers = append(closers, sqlStore.Close)
		checks = append(checks, Check{Name: "database", Fn: sqlStore.Ping})
	}

	var pubs events.Multi
	var locations LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, kp.Close, lp.Close)
		pubs = append(pubs, kp)
		locations = lp
	}
	if cfg.RabbitMQURL != "" {
		rp, err := events.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rp.Close)
		pubs = append(pubs, rp)
	}

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(cfg.ETACacheTTL)
	}

	presence := dispatch.NewWSRegistry()
	svc := &towing.Service{
		Store:     store,
		Mechanics: dir,
		Finder:    geo.NewFinder(dir, cfg.SearchRadiusKm, cfg.MaxCandidates),
		Fanout:    dispatch.NewFanout(presence, newPusher(cfg, logger), q, cfg.OfferTTL, logger),
		Queue:     q,
		ETA:       estimator,
		Fee:       towing.Fee{AmountCents: cfg.CalloutFeeCents, Currency: cfg.CalloutCurrency},
		Logger:    logger,
	}
	if len(pubs) > 0 {
		svc.Events = pubs
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	logger.Info("towing dispatch wired",
		"redis", cfg.RedisAddr != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
		"rabbitmq", cfg.RabbitMQURL != "",
		"push_provider", cfg.PushProvider,
		"routing_eta", cfg.OSRMEndpoint != "",
		"payments", cfg.StripeAPIKey != "",
	)
	return NewServer(svc, dir, presence, locations, logger, checks...), cleanup, nil
}

// openStore picks Postgres, then SQLite, then memory. A configured database
// that cannot be reached is an error, never a silent switch to memory.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RequestStore, error) {
	var (
		d   storage.Dialect
		dsn string
	)
	switch {
	case cfg.PGDSN != "":
		d, dsn = storage.Postgres, cfg.PGDSN
	case cfg.SQLitePath != "":
		d, dsn = storage.SQLite, cfg.SQLitePath
	default:
		logger.Warn("no database configured, towing requests are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	s, err := storage.Open(ctx, d, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations || d == storage.SQLite {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate %s: %w", d.Name, err)
		}
		logger.Info("migrations applied", "dialect", d.Name)
	}
	return s, nil
}

func newPusher(cfg config.ServerConfig, logger *slog.Logger) dispatch.Pusher {
	switch cfg.PushProvider {
	case "expo":
		return dispatch.NewExpoPusher(cfg.ExpoPushURL, cfg.ExpoAccessToken)
	case "fcm":
		return dispatch.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey)
	default:
		return &dispatch.LogPusher{Logger: logger}
	}
}
