package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"portafoglio/internal/cache"
	"portafoglio/internal/cli"
	"portafoglio/internal/config"
	apphttp "portafoglio/internal/http"
	"portafoglio/internal/log"
	"portafoglio/internal/middleware/ratelimit"
	"portafoglio/internal/session"
	"portafoglio/internal/storage"
)

const (
	shutdownTimeout   = 30 * time.Second
	retentionInterval = time.Hour
	cacheSweepEvery   = time.Minute
	reapEvery         = time.Minute
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	if err := run(logger, cfg); err != nil {
		logger.Error("Service stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(logger *log.Logger, cfg *config.Config) error {
	journal := cli.InitJournal(logger, cfg.SQLiteDBPath)
	defer journal.Close()

	broker, err := cli.InitPublisher(logger, cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return err
	}
	var publisher session.Publisher
	if broker != nil {
		publisher = broker
		defer broker.Close()
	}

	sessions := session.NewManager(session.Config{
		Idle:      cfg.Idle(),
		Recorder:  journal,
		Publisher: publisher,
		Logger:    logger,
		OnIdle: func(ctx context.Context, id string) {
			logger.InfoContext(ctx, "Session locked after inactivity", log.FieldSessionID, id)
		},
	})

	srv := apphttp.NewServer(apphttp.Options{
		Addr:     ":" + cfg.Port,
		Sessions: sessions,
		Events:   journal,
		Ready:    journal,
		Logger:   logger,
		ActivityLimiter: ratelimit.NewLimiter(ratelimit.Config{
			PerSecond: cfg.ActivityRate,
			Burst:     cfg.ActivityBurst,
		}),
		RequestLimiter: ratelimit.NewLimiter(ratelimit.Config{
			PerSecond: cfg.RequestsPerSecond,
			Burst:     int(math.Ceil(cfg.RequestsPerSecond * 10)),
		}),
		OriginPatterns: cfg.OriginPatterns,
	})
	// No WriteTimeout: websocket connections stay open for the whole session.
	srv.ReadTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	ctx, cancel := cli.ShutdownContext(context.Background(), logger)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server",
			"port", cfg.Port,
			log.FieldTotalTimeout, cfg.IdleTimeout.String(),
			log.FieldPromptTimeout, cfg.IdlePrompt.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return storage.NewRetention(journal, cfg.EventRetention, logger).Run(gctx, retentionInterval)
	})

	g.Go(func() error {
		return sessions.RunReaper(gctx, cfg.SessionReapAfter, reapEvery)
	})

	g.Go(func() error {
		return cache.NewJanitor(logger, srv).Run(gctx, cacheSweepEvery)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		sessions.CloseAll(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
