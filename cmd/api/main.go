// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briangreenhill/apiconn/conn"
	"github.com/briangreenhill/apiconn/internal/config"
	"github.com/briangreenhill/apiconn/internal/http/routes"
	"github.com/briangreenhill/apiconn/internal/logging"
	"github.com/briangreenhill/apiconn/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", os.Stderr)
		l.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session storage
	store, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("storage error")
	}
	defer store.Close()

	c, err := conn.New(ctx,
		conn.WithBaseURL(cfg.BaseURL),
		conn.WithExpiry(cfg.CacheExpiry),
		conn.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		conn.WithRevalidation(cfg.Revalidate),
		conn.WithPersister(store),
		conn.WithStorageKey(cfg.Storage.Key),
		conn.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("connection error")
	}
	defer c.Close()

	s := routes.New(routes.ServerOptions{Conn: c, Log: logger})
	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.GatewayAddr).Str("api", c.Base()).Msg("starting gateway")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server error")
	}
}
