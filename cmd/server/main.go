package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/eta"
	"github.com/example/order-dispatch/internal/geo"
	httpapi "github.com/example/order-dispatch/internal/http"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/orders"
	"github.com/example/order-dispatch/internal/payments"
	"github.com/example/order-dispatch/internal/registry"
	"github.com/example/order-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store storage.DispatchStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set; dispatch state is in-memory and lost on restart")
		store = storage.NewMemoryStore()
	}

	var driverIndex geo.Geo
	if cfg.RedisAddr != "" {
		driverIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR not set; using in-process driver index")
		driverIndex = geo.NewIndex()
	}

	reg := registry.New(cfg.LivenessWindow, cfg.LivenessSweep, logger)

	var orderSvc orders.OrderService
	if cfg.OrdersEndpoint != "" {
		var holder orders.Holder
		if key := os.Getenv("STRIPE_API_KEY"); key != "" {
			holder = payments.NewStripeClient(key)
		}
		orderSvc = orders.NewHTTPClient(cfg.OrdersEndpoint, holder, logger)
	} else {
		logger.Warn("ORDERS_ENDPOINT not set; order callbacks are log-only")
		orderSvc = &orders.LogOnly{Logger: logger}
	}

	engine := dispatch.NewEngine(store, driverIndex, reg, orderSvc, dispatch.Config{
		InitialRadiusKm:  cfg.DispatchInitialRadiusKm,
		RadiusStepKm:     cfg.DispatchRadiusStepKm,
		MaxRadiusKm:      cfg.DispatchMaxRadiusKm,
		BatchSize:        cfg.DispatchBatchSize,
		NotificationTTL:  cfg.NotificationTTL,
		RejectRetryDelay: cfg.RejectRetryDelay,
		WidenRetryDelay:  cfg.WidenRetryDelay,
		SweepInterval:    cfg.SweepInterval,
		StaleAfter:       cfg.StaleAfter,
		RequestTTL:       cfg.RequestTTL,
		DefaultSpeedMps:  cfg.DefaultSpeedMps,
	}, logger)
	if cfg.OSRMEndpoint != "" {
		engine.WithETA(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(cfg.NotificationTTL))
	}
	if cfg.FCMEndpoint != "" {
		engine.WithFallbackPush(dispatch.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	srv := httpapi.NewServer(driverIndex, engine, store, reg, producer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(ctx)
	go engine.Run(ctx)
	if err := engine.Resume(ctx); err != nil {
		logger.Error("resume failed", "error", err)
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("order-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_dispatch.sql")
}
