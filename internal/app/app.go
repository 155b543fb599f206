// Package app wires the stash server runtime: config, logging, stores, HTTP
// routes, the websocket change feed and the background sweepers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stash/internal/admin"
	"stash/internal/api"
	"stash/internal/blob"
	"stash/internal/identity"
	"stash/internal/lockgate"
	"stash/internal/notify"
	"stash/internal/share"
	"stash/internal/upload"
	"stash/internal/vault"
)

// Store is a small app-level lifecycle abstraction so DB-backed resources
// can be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

type nopStore struct{}

func (nopStore) Close(context.Context) error { return nil }

type poolStore struct{ pool *pgxpool.Pool }

func (s poolStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// App is the stash server runtime.
type App struct {
	cfg Config
	log Logger

	store     Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus     *notify.Bus
	vaults  *vault.Service
	shares  *share.Service
	uploads *upload.Coordinator
	handler *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	var (
		st        Store = nopStore{}
		dbPool    *pgxpool.Pool
		dbEnabled bool

		idents identity.Store
		index  vault.Index
		tokens share.TokenStore
	)

	if cfg.DatabaseURL != "" {
		if err := RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}

		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}

		pgIdents, err := identity.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pgIndex, err := vault.NewPostgresIndex(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pgTokens, err := share.NewPostgresTokenStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}

		st = poolStore{pool: pool}
		dbPool = pool
		dbEnabled = true
		idents, index, tokens = pgIdents, pgIndex, pgTokens
		log.Info("db.enabled.postgres_store")
	} else {
		memIdents, err := identity.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		idents = memIdents
		index = vault.NewMemoryIndex()
		tokens = share.NewMemoryTokenStore()
		log.Info("db.disabled.inmemory_store")
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus := notify.NewBus(log)

	vaults := vault.NewService(index, blobs, idents, bus, log, vault.Config{
		DefaultRetentionDays: cfg.DefaultRetentionDays,
		MaxItemBytes:         cfg.MaxItemBytes,
		MaxNoteChars:         cfg.MaxNoteChars,
	})

	gate, err := lockgate.New(idents, log, lockgate.Config{
		Secret: []byte(cfg.GrantSecret),
		TTL:    cfg.GrantTTL,
	})
	if err != nil {
		return nil, err
	}

	shares := share.NewService(tokens, vaults, log, share.Config{
		TTL:           cfg.ShareTTL,
		SweepInterval: cfg.ShareSweepInterval,
	})

	uploads, err := upload.NewCoordinator(vaults, log, upload.Config{
		Dir:           cfg.UploadDir,
		MaxBytes:      cfg.MaxItemBytes,
		IdleTTL:       cfg.UploadIdleTTL,
		SweepInterval: cfg.UploadSweepInterval,
	})
	if err != nil {
		return nil, err
	}

	admins := admin.New(idents, vaults, log, cfg.AdminMasterKey)

	ws := notify.NewGateway(bus, log, notify.GatewayConfig{
		OriginRequired: cfg.WSOriginRequired,
		AllowedOrigins: cfg.WSAllowedOrigins,
	})

	handler := api.NewHandler(log, idents, vaults, gate, shares, uploads, admins, bus, ws, api.Config{
		UnlockRatePerMin: cfg.UnlockRatePerMin,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		bus:       bus,
		vaults:    vaults,
		shares:    shares,
		uploads:   uploads,
		handler:   handler,
	}, nil
}

func newBlobStore(ctx context.Context, cfg Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "", "disk":
		return blob.NewDiskStore(cfg.BlobDir)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

// Run reconciles stores, starts the sweepers and the HTTP server, and blocks
// until context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	if stats, err := a.vaults.Reconcile(ctx); err != nil {
		a.log.Warn("reconcile.fail", "err", err)
	} else {
		a.log.Info("reconcile.done",
			"orphan_blobs", stats.OrphanBlobs, "dangling_rows", stats.DanglingRows)
	}

	sweepCtx, stopSweepers := context.WithCancel(ctx)
	defer stopSweepers()

	go a.shares.RunSweeper(sweepCtx)
	go a.uploads.RunSweeper(sweepCtx)
	go a.runRetentionSweeper(sweepCtx)
	go a.runGaugeSampler(sweepCtx)

	r := chi.NewRouter()
	r.Use(WithMetrics)
	a.registerOps(r)
	a.handler.Register(r)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(r, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.bus.Close()
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) registerOps(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(req.Context(), a.dbPool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// runRetentionSweeper dissolves expired items on a timer.
func (a *App) runRetentionSweeper(ctx context.Context) {
	t := time.NewTicker(a.cfg.RetentionSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.vaults.SweepExpired(ctx); err != nil {
				a.log.Warn("retention.sweep.fail", "err", err)
			}
		}
	}
}

// runGaugeSampler keeps the business gauges current.
func (a *App) runGaugeSampler(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ObserveGauges(a.bus.Subscribers(), a.uploads.OpenSessions())
		}
	}
}
