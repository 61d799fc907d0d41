// Package app wires the Crier server runtime: config, logging, HTTP routes,
// the message log, the fanout bus, and the websocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"crier/cmd/internal/broadcast"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Crier server runtime: it owns the HTTP server wiring and the
// broadcast pipeline dependencies (log store, bus, hub, gateway).
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store broadcast.MessageLog
	bus   broadcast.Bus
	hub   *broadcast.Hub
	sub   broadcast.Subscription

	ws *broadcast.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, dbPool, dbEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	bus, err := newBus(cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	hub := broadcast.NewHub(log)

	service, err := broadcast.NewService(log, store, bus)
	if err != nil {
		return nil, err
	}
	recovery := broadcast.NewRecovery(log, store, cfg.ReplayPageSize)

	ws := broadcast.NewWSGateway(log, hub, service, recovery)

	// One bus subscription per worker: every accepted message, including this
	// worker's own, reaches local clients through the hub.
	sub, err := bus.Subscribe(hub.Broadcast)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		_ = bus.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		bus:       bus,
		hub:       hub,
		sub:       sub,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "bus", busKind(a.cfg))

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

	a.close()

	a.log.Info("server.stopped")
	return nil
}

// close releases bus and store resources. Order matters: the subscription
// stops first so no broadcast races a closing bus.
func (a *App) close() {
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.log.Error("bus.unsubscribe.fail", "err", err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("bus.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (broadcast.MessageLog, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return broadcast.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := broadcast.NewPostgresStore(pool, broadcast.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// newBus decides between the cross-worker NATS bus and the in-process dev bus.
func newBus(cfg Config, log Logger) (broadcast.Bus, error) {
	if cfg.NATSURL == "" {
		log.Info("bus.disabled.local", "note", "single-worker fanout only")
		return broadcast.NewLocalBus(log), nil
	}
	return broadcast.NewNATSBus(log, cfg.NATSURL, cfg.BusSubject)
}

func busKind(cfg Config) string {
	if cfg.NATSURL == "" {
		return "local"
	}
	return "nats"
}
