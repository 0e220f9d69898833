package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/storefront/config"
	"github.com/fjod/go_cart/storefront/internal/cache"
	h "github.com/fjod/go_cart/storefront/internal/http"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/mongostore"
	"github.com/fjod/go_cart/storefront/internal/publisher"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/fjod/go_cart/storefront/internal/tracing"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.New(cfg.Log.Level, cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.Tracing.CollectorEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer st.Close()

	var productCache cache.ProductCache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		productCache = cache.NewRedisCache(redisClient, cfg.Redis.TTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("product cache enabled")
	}

	var wg sync.WaitGroup
	if len(cfg.Kafka.Brokers) > 0 {
		poller := publisher.NewOutboxPoller(st,
			publisher.NewKafkaWriter(cfg.Kafka.Topic, cfg.Kafka.Brokers...),
			cfg.Kafka.PollInterval)
		defer poller.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("outbox poller started")
	}

	router := h.NewRouter(h.RouterConfig{
		ServiceName:        cfg.ServiceName,
		JWTSecret:          cfg.Auth.JWTSecret,
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		MaxRequestBodySize: cfg.HTTP.MaxRequestBodySize,
	}, h.Services{
		Checkout: service.NewCheckoutService(st, productCache, cfg.Store.TxTimeout),
		Orders:   service.NewOrderService(st),
		Catalog:  service.NewCatalogService(st, productCache),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Msg("storefront starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	wg.Wait()
	log.Info().Msg("server exited")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil

	case config.DriverMongo:
		db, err := mongostore.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		s := mongostore.NewMongoStore(db)
		if err := s.CreateIndexes(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("create indexes: %w", err)
		}
		return s, nil

	case config.DriverSQLite:
		return openRepository(&repository.Credentials{
			Dialect:           repository.DialectSQLite,
			Path:              cfg.SQLite.Path,
			MigrationsDirPath: cfg.SQLite.MigrationsPath,
		})

	default:
		return openRepository(&repository.Credentials{
			Dialect:           repository.DialectPostgres,
			Host:              cfg.Postgres.Host,
			Port:              cfg.Postgres.Port,
			User:              cfg.Postgres.User,
			Password:          cfg.Postgres.Password,
			DBName:            cfg.Postgres.DBName,
			MigrationsDirPath: cfg.Postgres.MigrationsPath,
		})
	}
}

func openRepository(creds *repository.Credentials) (store.Store, error) {
	repo, err := repository.NewRepository(creds)
	if err != nil {
		return nil, err
	}
	if err := repo.RunMigrations(creds); err != nil {
		repo.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return repo, nil
}
