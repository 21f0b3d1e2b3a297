/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the planning server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, optional file, environment)
  2. Initialize logger
  3. Initialize SQLite store and seed demo data
  4. Create API handler and router
  5. Start the forecast rate scheduler
  6. Start server with graceful shutdown

CONFIGURATION:
  Read by viper with the precedence defaults < config file < environment.
  File: ./config.yaml (optional). Environment variables use the CSS_
  prefix, e.g. CSS_PORT=3000.

  Keys:
    port           HTTP server port (default: 8080)
    db_path        SQLite database path, ":memory:" for in-memory
    seed           Load demo data on startup (default: true)
    cors_origins   Allowed CORS origins
    rate_cron      Cron spec for the forecast rate refresh
    log_level      zap level: debug, info, warn, error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/igpm/css-planning/api"
	"github.com/igpm/css-planning/store/sqlite"
)

func main() {
	cfg := loadConfig()

	log, err := newLogger(cfg.GetString("log_level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Store
	store, err := sqlite.New(cfg.GetString("db_path"))
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	if cfg.GetBool("seed") {
		if err := store.Seed(context.Background()); err != nil {
			log.Fatal("failed to seed database", zap.Error(err))
		}
	}

	// Handler and router
	handler := api.NewHandler(api.Services{
		Projects:    store,
		Subprojects: store,
		Actuals:     store,
		Currencies:  store,
		Approvals:   store,
	}, log)

	// Forecast rate refresh, served under /api/rates
	scheduler := api.NewRateScheduler(store, cfg.GetString("rate_cron"), log)
	if err := scheduler.Start(); err != nil {
		log.Fatal("failed to start rate scheduler", zap.Error(err))
	}
	defer scheduler.Stop()
	handler.Rates = scheduler

	router := api.NewRouter(handler, cfg.GetStringSlice("cors_origins"))

	port := cfg.GetInt("port")
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting",
			zap.Int("port", port),
			zap.String("db_path", cfg.GetString("db_path")))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "planning.db")
	v.SetDefault("seed", true)
	v.SetDefault("cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("rate_cron", "@hourly")
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "failed to read config file: %v\n", err)
			os.Exit(1)
		}
	}

	v.SetEnvPrefix("CSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
