package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"meshwatch/api"
	"meshwatch/observability"
	"meshwatch/storage/results"
)

const shutdownGrace = 10 * time.Second

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet(serveCommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a meshwatch TOML config file")
	listen := fs.String("listen", "", "Listen address, e.g. 127.0.0.1:8080")
	dbDriver := fs.String("db-driver", "", "Result store driver: sqlite or postgres")
	dbDSN := fs.String("db-dsn", "", "Result store DSN")
	rpm := fs.Int("rpm", 0, "Requests per minute allowed per client")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	set := visited(fs)
	if set["listen"] {
		cfg.API.Listen = *listen
	}
	if set["db-driver"] {
		cfg.Output.Database.Driver = *dbDriver
	}
	if set["db-dsn"] {
		cfg.Output.Database.DSN = *dbDSN
	}
	if set["rpm"] {
		cfg.API.RequestsPerMinute = *rpm
	}
	if set["log-level"] {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Output.Database.DSN == "" {
		return errors.New("a result store is required (-db-dsn or [output.database].dsn)")
	}

	logger := newLogger(cfg, stderr)
	shutdown, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	store, err := results.Open(cfg.Output.Database.Driver, cfg.Output.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	handler := api.New(store, api.Options{
		RequestsPerMinute: float64(cfg.API.RequestsPerMinute),
		Burst:             cfg.API.Burst,
		MaxRows:           cfg.API.MaxRows,
		Logger:            logger,
		Metrics:           observability.API(),
	})
	ln, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.API.Listen, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.API.ReadTimeout.Duration,
		ReadHeaderTimeout: cfg.API.ReadTimeout.Duration,
		WriteTimeout:      cfg.API.WriteTimeout.Duration,
	}
	return serve(ctx, server, ln, logger)
}

// serve runs server on ln until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, server *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("query api listening", slog.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("query api stopped")
	return nil
}
