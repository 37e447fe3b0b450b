package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/authflow/internal/config"
	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/keys"
	"github.com/alexjbarnes/authflow/internal/logging"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/server"
	"github.com/alexjbarnes/authflow/internal/storage"
	"github.com/alexjbarnes/authflow/internal/storage/boltdb"
	"github.com/alexjbarnes/authflow/internal/storage/memory"
	"github.com/alexjbarnes/authflow/internal/storage/postgres"
	"github.com/alexjbarnes/authflow/internal/storage/redis"
	"github.com/alexjbarnes/authflow/internal/token"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authflow starting",
		slog.String("version", Version),
		slog.String("issuer", cfg.Issuer),
		slog.String("store", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}

		if err := applySeed(ctx, store, seed, logger); err != nil {
			return err
		}
	}

	reg, err := keys.NewRegistry(cfg.KeysConfig())
	if err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}

	signer := token.NewSigner(reg, token.Config{
		Issuer:       cfg.Issuer,
		AccessTTL:    cfg.AccessTokenTTL,
		IDTokenTTL:   cfg.IDTokenTTL,
		ValidMethods: cfg.ValidMethods(),
	}, logger)

	m := metrics.New()

	eng := engine.New(store, signer, engine.Config{
		AuthorizationTTL:           cfg.AuthorizationTTL,
		SessionTTL:                 cfg.SessionTTL,
		SupportedScopes:            cfg.SupportedScopes,
		RefreshReuseRevokesSession: cfg.RefreshReuseRevokesSession,
	}, logger, engine.WithEventHook(m.Observe))

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewRouter(server.Config{
			Engine:        eng,
			Keys:          reg,
			Metrics:       m,
			Logger:        logger,
			Issuer:        cfg.Issuer,
			Registration:  cfg.EnableRegistration,
			PasswordGrant: cfg.EnablePasswordGrant,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.Bool("registration", cfg.EnableRegistration),
			slog.Bool("password_grant", cfg.EnablePasswordGrant),
			slog.Bool("id_tokens", signer.SupportsIDTokens()),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects to the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		s, err := boltdb.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}

		return s, nil
	case config.BackendRedis:
		s, err := redis.New(ctx, redis.Config{
			Addr:      cfg.RedisAddr,
			Username:  cfg.RedisUsername,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}

		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}

		return s, nil
	default:
		return memory.New(), nil
	}
}
