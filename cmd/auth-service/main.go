package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/api"
	"github.com/providentiaww/sessiontrust/internal/config"
	"github.com/providentiaww/sessiontrust/internal/events"
	"github.com/providentiaww/sessiontrust/internal/identity"
	"github.com/providentiaww/sessiontrust/internal/invite"
	"github.com/providentiaww/sessiontrust/internal/relay"
	"github.com/providentiaww/sessiontrust/internal/session"
	"github.com/providentiaww/sessiontrust/internal/sessioncache"
	"github.com/providentiaww/sessiontrust/internal/storage"
	"github.com/providentiaww/sessiontrust/internal/token"
)

const ServiceVersion = "v1.0.0"

func main() {
	envFile := pflag.String("env-file", "../../.env", "path to a .env file")
	addr := pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	migrate := pflag.Bool("migrate", true, "create missing tables on startup")
	pflag.Parse()

	cfg := config.Load(*envFile)
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	logger, err := newLogger(cfg.Development())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *migrate, logger); err != nil {
		logger.Fatal("auth service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, migrate bool, logger *zap.Logger) error {
	if err := cfg.ValidateAuthService(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := token.LoadKeys(cfg.TokenSigningSecret, cfg.AccessTokenSecret, cfg.RefreshTokenSecret)
	if err != nil {
		return err
	}
	issuer := token.NewIssuer(keys, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	signer, err := relay.NewSigner([]byte(cfg.InternalSigningSecret), cfg.InternalSigWindow)
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, storage.DBConfig{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate {
		if err := storage.InitSchema(ctx, db); err != nil {
			return err
		}
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

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("events"))
		if err != nil {
			logger.Warn("audit events disabled", zap.Error(err))
		} else {
			defer amqpPublisher.Close()
			publisher = amqpPublisher
		}
	}

	invites := invite.NewService(storage.NewInviteStore(db), cache, publisher, invite.Options{
		TTL:            cfg.InviteCodeTTL,
		CodeLength:     cfg.InviteCodeLength,
		RevokePrevious: cfg.InviteRevokePrevious,
		MaxAttempts:    cfg.InviteCodeMaxAttempts,
	}, logger.Named("invite"))

	sessions := session.NewService(session.Deps{
		Issuer:      issuer,
		Credentials: storage.NewCredentialStore(db),
		Subjects:    storage.NewSubjectStore(db),
		Cache:       cache,
		Verifier: identity.NewJWKSVerifier(identity.Config{
			JWKSURL:  cfg.IdentityJWKSURL,
			Issuer:   cfg.IdentityIssuer,
			Audience: cfg.IdentityAudience,
			Timeout:  cfg.IdentityTimeout,
		}),
		Context: invites,
		Events:  publisher,
		Logger:  logger.Named("session"),
	})

	handler := api.NewHandler(sessions, invites, signer, map[string]api.HealthCheck{
		"postgres": db.PingContext,
		"redis":    cache.Ping,
	}, logger.Named("api"))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, server, logger)
}

func serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth service listening",
			zap.String("addr", server.Addr),
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

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
