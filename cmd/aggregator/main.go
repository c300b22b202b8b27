package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aneshas/aggregator"
	"github.com/aneshas/aggregator/config"
	"github.com/aneshas/aggregator/echoapi"
	"github.com/aneshas/aggregator/ingest"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	checkErr(logger, "failed to load config", err)

	lvl, err := cfg.Log.SlogLevel()
	checkErr(logger, "invalid log level", err)

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	store, err := openStore(cfg.Store, logger)
	checkErr(logger, "failed to open store", err)

	defer store.Close()

	engine := ingest.New(
		store,
		ingest.WithLogger(logger),
		ingest.WithClaimTimeout(cfg.Store.ClaimTimeout),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	echoapi.New(engine, echoapi.WithLogger(logger)).Register(e)
	checkErr(logger, "failed to register metrics", echoapi.RegisterMetrics(e, engine))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr)

		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	s := engine.Stats()
	logger.Info(
		"server exiting",
		"received", s.Received,
		"unique_processed", s.UniqueProcessed,
		"duplicate_dropped", s.DuplicateDropped,
	)
}

func openStore(cfg config.Store, logger *slog.Logger) (*aggregator.Store, error) {
	opts := []aggregator.Option{aggregator.WithLogger(logger)}

	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}

		opts = append(opts, aggregator.WithSQLiteDB(cfg.SQLitePath))
	} else {
		opts = append(opts, aggregator.WithPostgresDB(cfg.PostgresDSN))
	}

	return aggregator.New(opts...)
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}

			if v.Error != nil {
				logger.Error("request", append(attrs, "error", v.Error)...)

				return nil
			}

			logger.Info("request", attrs...)

			return nil
		},
	})
}

func checkErr(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}
}
