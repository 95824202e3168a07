package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-assets/pkg/api"
	"github.com/Mindburn-Labs/helm-assets/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
	"github.com/Mindburn-Labs/helm-assets/pkg/config"
	"github.com/Mindburn-Labs/helm-assets/pkg/engine"
	"github.com/Mindburn-Labs/helm-assets/pkg/observability"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/server"
	"github.com/Mindburn-Labs/helm-assets/pkg/state"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

const certKeyID = "helm-assets"

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides HELM_ASSETS_PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}
	slog.SetDefault(newLogger(cfg, stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// serve runs the asset server until ctx is cancelled, then persists the
// process state.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "main")

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	list, err := config.LoadNamespaces(cfg.NamespacesFile)
	if err != nil {
		return err
	}
	reg, err := assets.NewNamespaces(list)
	if err != nil {
		return fmt.Errorf("namespaces: %w", err)
	}
	az, err := authz.NewCELAuthorizer(nil)
	if err != nil {
		return err
	}
	for _, ns := range reg.All() {
		if ns.Rule == "" {
			continue
		}
		if err := az.Check(ns.Rule); err != nil {
			return fmt.Errorf("namespace %s: rule: %w", ns.Name, err)
		}
	}

	db, err := store.OpenBadger(cfg.BadgerDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	st, err := store.New(db, reg)
	if err != nil {
		return err
	}

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	certKey, err := loadOrGenerateKey(cfg.CertKeyFile)
	if err != nil {
		return err
	}
	certs := certification.NewEd25519Certifier(certKey, certKeyID)
	logger.Info("certification key ready", "file", cfg.CertKeyFile, "public_key", fmt.Sprintf("%x", certs.PublicKey()))

	mirror, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("release mirror: %w", err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTELEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	eng, err := engine.New(engine.Options{
		Namespaces: reg,
		Store:      st,
		Ledger:     ledger,
		Authorizer: az,
		Certs:      certs,
		Limits:     cfg.Limits,
		Mirror:     mirror,
		Metrics:    obs,
	})
	if err != nil {
		return err
	}
	saved, err := state.Load(cfg.StateFile)
	if err != nil {
		return err
	}
	if saved != nil {
		if err := eng.RestoreState(saved); err != nil {
			return err
		}
	}

	limiter, closeLimiter, err := openLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	var validator *auth.JWTValidator
	if cfg.JWTPublicKey != "" {
		pub, err := auth.LoadPublicKey(cfg.JWTPublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewJWTValidator(auth.NewStaticKeySet("default", pub))
	} else {
		logger.Warn("JWT_PUBLIC_KEY not set, the management API rejects every write")
	}

	srv := server.New(server.Options{
		Engine:        eng,
		Validator:     validator,
		Limiter:       limiter,
		Metrics:       obs,
		MaxChunkBytes: int64(cfg.Limits.MaxChunkSize) + 1,
	})

	go state.NewScheduler(cfg.SchedulerInterval, eng).Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := state.Save(cfg.StateFile, eng.ExportState()); err != nil {
		return fmt.Errorf("save process state: %w", err)
	}
	logger.Info("process state saved", "file", cfg.StateFile)
	return nil
}

// openLedger uses Postgres when DATABASE_URL is set and a local SQLite file
// otherwise.
func openLedger(ctx context.Context, cfg *config.Config) (proposal.Ledger, func(), error) {
	driver, dsn := "postgres", cfg.DatabaseURL
	if cfg.LiteMode() {
		driver, dsn = "sqlite", cfg.SQLitePath()
		slog.Info("lite mode: proposals in sqlite", "path", dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if cfg.LiteMode() {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	ledger := proposal.NewSQLLedger(db)
	if err := ledger.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init ledger: %w", err)
	}
	return ledger, func() { _ = db.Close() }, nil
}

// openLimiter shares limits through Redis when REDIS_URL is set.
func openLimiter(ctx context.Context, cfg *config.Config) (api.Limiter, func(), error) {
	if cfg.RedisURL != "" {
		l, err := api.NewRedisLimiter(cfg.RedisURL, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
	l := api.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go l.Cleanup(ctx)
	return l, func() {}, nil
}
