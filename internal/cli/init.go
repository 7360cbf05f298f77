// Package cli gathers the start-up steps of cmd/portafoglio: logging, .env
// loading, configuration, journal and broker connections, and signal
// handling.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"portafoglio/internal/amqp"
	"portafoglio/internal/config"
	"portafoglio/internal/log"
	"portafoglio/internal/storage"
)

// SetupLogger builds the application logger for level and installs it as the
// slog default.
func SetupLogger(level string) *log.Logger {
	cfg := log.DefaultConfig()
	cfg.Level = log.ParseLevel(level)
	logger := log.New(cfg)
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// InitJournal opens the SQLite session journal.
// Returns the repository or exits the process on failure.
func InitJournal(logger *log.Logger, dbPath string) *storage.SQLiteRepository {
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite journal", log.FieldError, err, "path", dbPath)
		os.Exit(1)
	}
	logger.Info("Session journal ready", "path", dbPath)
	return repo
}

// InitPublisher connects to the broker when url is set. A nil client means
// publishing is disabled.
func InitPublisher(logger *log.Logger, url, exchange string) (*amqp.Client, error) {
	if url == "" {
		logger.Info("AMQP publishing disabled")
		return nil, nil
	}
	client, err := amqp.NewClient(url, exchange)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	logger.Info("AMQP publishing enabled", "exchange", exchange)
	return client, nil
}

// ShutdownContext returns a context cancelled on SIGINT or SIGTERM.
func ShutdownContext(parent context.Context, logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
