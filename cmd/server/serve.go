package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atmx/wager-engine/internal/archive"
	"github.com/atmx/wager-engine/internal/auth"
	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/keeper"
	"github.com/atmx/wager-engine/internal/ledger"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	authn, err := auth.Select(auth.JWT{Secret: []byte(cfg.JWTSecret), TokenTTL: cfg.JWTTTL}, cfg.DevTrustHeader)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		log.Warn("DEV_TRUST_HEADER set, trusting the X-Principal header (development only)")
	}

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Event fan-out ---
	bus := events.NewBus()
	metrics.Subscribe(bus)

	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		cleanup = append(cleanup, func() {
			if err := nc.Drain(); err != nil {
				log.WithError(err).Warn("NATS drain failed")
			}
		})
		events.NewNATSPublisher(nc, cfg.NATSSubject).Attach(bus)
		log.WithField("prefix", cfg.NATSSubject).Info("publishing ledger events to NATS")
	}

	if cfg.Archive.Bucket != "" {
		client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archive.New(client, cfg.Archive.Bucket, cfg.Archive.Prefix).Attach(bus)
		log.WithField("bucket", cfg.Archive.Bucket).Info("closed-record archive enabled")
	}

	// --- Ledger ---
	engine := ledger.NewEngine(st, cfg.Policy, ledger.WithEventBus(bus))

	wsHub := ledger.NewWSHub()
	wsHub.Attach(bus)
	go wsHub.Run(ctx)

	if cfg.KeeperInterval > 0 {
		k, err := keeper.New(engine, cfg.KeeperInterval, cfg.RequestTimeout)
		if err != nil {
			return err
		}
		k.Start()
		cleanup = append(cleanup, func() {
			if err := k.Stop(); err != nil {
				log.WithError(err).Warn("keeper shutdown failed")
			}
		})
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.StandardLogger(), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Use(authn)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", ledger.NewHandler(engine, wsHub).Mount)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("wager-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("shutting down wager-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	log.Info("wager-engine stopped")
	return nil
}

// openStore selects the backend: PostgreSQL when DATABASE_URL is set, then
// LevelDB, then memory. Persistent backends get the Redis cache when
// REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var (
		st       store.Store
		closers  []func()
		closeAll = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	switch {
	case cfg.DatabaseURL != "":
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		closers = append(closers, pool.Close)
		st = store.NewPostgresStore(pool)
		log.Info("connected to PostgreSQL")

	case cfg.LevelDBPath != "":
		ls, err := store.OpenLevelStore(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := ls.Close(); err != nil {
				log.WithError(err).Warn("failed to close LevelDB")
			}
		})
		st = ls
		log.WithField("path", cfg.LevelDBPath).Info("opened LevelDB store")

	default:
		log.Warn("DATABASE_URL and LEVELDB_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		log.WithField("ttl", cfg.CacheTTL).Info("Redis cache enabled")
	}
	return st, closeAll, nil
}

// cors allows cross-origin requests from browser clients.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.PrincipalHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
