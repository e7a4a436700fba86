package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/config"
	"github.com/providentiaww/sessiontrust/internal/relay"
	"github.com/providentiaww/sessiontrust/internal/sessioncache"
)

const ServiceVersion = "v1.0.0"

func main() {
	envFile := pflag.String("env-file", "../../.env", "path to a .env file")
	addr := pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	upstream := pflag.String("upstream", "", "upstream base URL (overrides RELAY_UPSTREAM_URL)")
	pflag.Parse()

	cfg := config.Load(*envFile)
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *upstream != "" {
		cfg.RelayUpstreamURL = *upstream
	}

	var logger *zap.Logger
	var err error
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("edge relay stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstream, err := url.Parse(cfg.RelayUpstreamURL)
	if err != nil {
		return fmt.Errorf("parsing RELAY_UPSTREAM_URL: %w", err)
	}

	signer, err := relay.NewSigner([]byte(cfg.InternalSigningSecret), cfg.InternalSigWindow)
	if err != nil {
		return err
	}

	backend, err := sessioncache.NewRedisBackendFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer backend.Close()
	cache := sessioncache.New(backend, sessioncache.Options{
		MaxTTL:      cfg.CacheMaxTTL,
		FallbackTTL: cfg.CacheFallbackTTL,
	}, logger.Named("sessioncache"))

	edge := relay.New(cache, signer, relay.NewReverseProxy(upstream), cfg.RelayAllowPaths, logger.Named("relay"))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           edge,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("edge relay listening",
			zap.String("addr", server.Addr),
			zap.String("upstream", upstream.String()),
			zap.String("version", ServiceVersion),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
