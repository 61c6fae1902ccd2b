package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	billingmod "github.com/practicegenius/platform/modules/billing"
	"github.com/practicegenius/platform/pkg/billing"
	"github.com/practicegenius/platform/pkg/config"
	"github.com/practicegenius/platform/pkg/httpserver"
	"github.com/practicegenius/platform/pkg/logger"
	"github.com/practicegenius/platform/pkg/mongo"
	"github.com/practicegenius/platform/pkg/redis"
	"github.com/practicegenius/platform/svc/subscription"
)

type appConfig struct {
	Logger logger.Config
	Mongo  mongo.Config
	Redis  redis.Config
	Paddle billing.PaddleConfig
	HTTP   httpserver.Config
	Sweep  subscription.SweepConfig

	ResyncCooldown time.Duration `env:"SUBSCRIPTION_RESYNC_COOLDOWN" envDefault:"5m"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Logger, "practicegenius-server")
	logger.SetAsDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := mongo.NewWithDatabase(ctx, cfg.Mongo)
	if err != nil {
		log.Error("failed to connect to mongo", logger.Error(err))
		os.Exit(1)
	}
	defer func() { _ = db.Client().Disconnect(context.Background()) }()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	store := subscription.NewMongoStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		log.Error("failed to ensure mongo indexes", logger.Error(err))
		os.Exit(1)
	}

	catalog, err := subscription.NewCatalog(ctx, subscription.NewMongoPlanSource(db))
	if err != nil {
		log.Error("failed to load subscription plans", logger.Error(err))
		os.Exit(1)
	}

	provider, err := billing.NewPaddleProvider(cfg.Paddle)
	if err != nil {
		log.Error("failed to initialize billing provider", logger.Error(err))
		os.Exit(1)
	}

	svc := subscription.NewService(provider, store, store, catalog,
		subscription.WithLogger(log),
		subscription.WithCooldown(subscription.NewRedisCooldown(rdb, cfg.ResyncCooldown)),
	)

	engine := subscription.NewEngine(store, store, catalog, log)
	sweeper := subscription.NewSweeper(store, engine, cfg.Sweep, log)
	go sweeper.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", httpserver.HealthCheckHandler(log))
	r.Get("/readyz", httpserver.HealthCheckHandler(log,
		mongo.Healthcheck(db.Client()),
		redis.Healthcheck(rdb),
	))
	r.Mount("/", billingmod.Router(billingmod.RouterOptions{
		Service: svc,
		Logger:  log,
	}))

	srv := httpserver.New(cfg.HTTP, log)
	if err := srv.Run(ctx, r); err != nil {
		log.Error("http server exited with error", logger.Error(err))
		os.Exit(1)
	}

	log.Info("server stopped", slog.String("service", "practicegenius-server"))
}
