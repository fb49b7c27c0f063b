package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/instant-dispatch/internal/booking"
	"github.com/example/instant-dispatch/internal/config"
	"github.com/example/instant-dispatch/internal/engine"
	"github.com/example/instant-dispatch/internal/eta"
	"github.com/example/instant-dispatch/internal/httpapi"
	"github.com/example/instant-dispatch/internal/ingest"
	"github.com/example/instant-dispatch/internal/logging"
	"github.com/example/instant-dispatch/internal/notify"
	"github.com/example/instant-dispatch/internal/ranking"
	"github.com/example/instant-dispatch/internal/registry"
	"github.com/example/instant-dispatch/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.New("instant-dispatch", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	ranks := ranking.NewStatic()

	var reg registry.Registry
	var mem *registry.Memory
	if cfg.RedisAddr != "" {
		reg = registry.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StalenessWindow, ranks)
	} else {
		mem = registry.NewMemory(cfg.StalenessWindow, ranks)
		reg = mem
	}

	st := store.NewMemory()

	var archive engine.Archiver
	var sink booking.Sink = booking.NewMemorySink()
	if cfg.PGDSN != "" {
		pg, err := store.NewPostgresArchiver(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		archive = pg
		sink = pg
	}

	wsreg := notify.NewWSRegistry(logger)
	var notifier notify.Notifier = wsreg
	if cfg.FCMEndpoint != "" {
		notifier = &notify.Composite{Primary: wsreg, Fallback: notify.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)}
	}

	est := &eta.Estimator{SpeedKmPerMin: cfg.SpeedKmPerMin, Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var payments booking.PaymentHolder
	if cfg.StripeAPIKey != "" {
		payments = booking.NewStripeClient(cfg.StripeAPIKey)
	}
	bookings := booking.NewService(sink, payments, cfg.Currency, logger)

	var policy engine.OfferPolicy = engine.Waves{K: cfg.WaveSize}
	if cfg.WaveSize == 0 {
		policy = engine.Broadcast{}
	}

	eng := engine.New(reg, st, notifier, est, policy, engine.Config{
		OfferTTL:       cfg.OfferTTL,
		RetryInterval:  cfg.RetryInterval,
		MaxPendingWait: cfg.MaxPendingWait,
	}, logger)
	eng.Booking = bookings
	eng.Archive = archive

	if h, ok := reg.(interface{ SetOnOffline(func(string)) }); ok {
		h.SetOnOffline(eng.WorkerOffline)
	}
	if mem != nil {
		go mem.Sweep(ctx, cfg.SweepInterval)
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	srv := httpapi.NewServer(eng, reg, st, kafka, wsreg, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("instant-dispatch listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func runMigrations(dsn string, logger interface{ Error(string, ...any) }) {
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
	}
}
