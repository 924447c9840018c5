package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitstack/trainerbilling/modules/billingapi"
	"github.com/fitstack/trainerbilling/pkg/config"
	"github.com/fitstack/trainerbilling/pkg/httpserver"
	"github.com/fitstack/trainerbilling/pkg/logger"
	"github.com/fitstack/trainerbilling/pkg/mongo"
	"github.com/fitstack/trainerbilling/pkg/redis"
	"github.com/fitstack/trainerbilling/svc/billing"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"trainerbilling"`

	HTTP     httpserver.Config
	Mongo    mongo.Config
	Redis    redis.Config
	Stripe   billing.StripeConfig
	AppStore billing.AppStoreConfig
	Sweep    billing.SweepConfig
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(logger.WithEnvironment(cfg.Environment, cfg.ServiceName))
	logger.SetAsDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("service exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	db, err := mongo.NewWithDatabase(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Client().Disconnect(disconnectCtx)
	}()

	store := billing.NewMongoTrainerStore(db, billing.DefaultTrainerCollection)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}

	card, err := billing.NewStripeProvider(cfg.Stripe)
	if err != nil {
		return err
	}
	appstore, err := billing.NewAppStoreClient(cfg.AppStore)
	if err != nil {
		return err
	}

	svcOpts := []billing.ServiceOption{billing.WithLogger(log)}
	healthChecks := []func(context.Context) error{mongo.Healthcheck(db.Client())}

	// Redis is an optional fast path; the store's conditional merge already
	// rejects duplicates, so the service runs fine without it.
	if cfg.Redis.ConnectionURL != "" {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		svcOpts = append(svcOpts, billing.WithDeduper(billing.NewRedisDeduper(rdb, 0)))
		healthChecks = append(healthChecks, redis.Healthcheck(rdb))
	} else {
		log.Info("redis not configured, event dedup fast path disabled")
	}

	svc := billing.NewService(store, card, appstore, svcOpts...)
	reconciler := billing.NewReconciler(svc, cfg.Sweep, log)
	if cfg.Sweep.Interval > 0 {
		go reconciler.RunPeriodically(ctx)
	}

	router := billingapi.Router(billingapi.RouterOptions{
		Service:      svc,
		Reconciler:   reconciler,
		Logger:       log,
		HealthChecks: healthChecks,
	})

	srv := httpserver.NewFromConfig(cfg.HTTP,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("billing service listening", slog.String("addr", cfg.HTTP.Addr))
		}),
		httpserver.WithStopHook(func(l *slog.Logger) {
			l.Info("billing service stopped")
		}),
	)
	return srv.Run(ctx, router)
}
