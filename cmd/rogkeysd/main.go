// Command rogkeysd is the license key service: the public validation
// endpoint, the authenticated lifecycle API and the watch feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"rogkeys/internal/auth"
	"rogkeys/internal/config"
	"rogkeys/internal/infrastructure"
	"rogkeys/internal/license"
	"rogkeys/internal/metrics"
	"rogkeys/internal/store"
	transporthttp "rogkeys/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rogkeysd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local installs keep their secrets in a .env next to the binary.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	shutdownTracing, err := infrastructure.InitTracing(cfg.Tracing.Enabled, "rogkeysd")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	verifier, err := buildVerifier(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	router := transporthttp.NewRouter(transporthttp.RouterConfig{
		Validator: license.NewValidator(st, logger, m).WithStoreTimeout(cfg.Store.Timeout),
		Manager:   license.NewManager(st, logger, m),
		Store:     st,
		Verifier:  verifier,
		Logger:    logger,
		APISecret: cfg.Validate.APISecret,
		RateRPS:   cfg.Validate.RateRPS,
		RateBurst: cfg.Validate.RateBurst,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			slog.String("addr", srv.Addr),
			slog.String("store", cfg.Store.Backend),
			slog.String("auth", cfg.Auth.Mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return shutdownTracing(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.KeyStore, error) {
	switch cfg.Store.Backend {
	case "firestore":
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return store.OpenFirestore(openCtx,
			cfg.Store.FirestoreProject,
			cfg.Store.FirestoreCollection,
			cfg.Store.CredentialsFile,
			logger)
	case "bolt":
		return store.OpenBolt(cfg.Store.BoltPath, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case "firebase":
		return auth.NewFirebaseVerifier(ctx,
			cfg.Store.FirestoreProject,
			cfg.Store.CredentialsFile,
			logger)
	case "static":
		return auth.NewStaticVerifier(cfg.Auth.AdminToken)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
