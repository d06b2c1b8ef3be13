package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirrorlink/server/internal/config"
	"github.com/mirrorlink/server/internal/directory"
	"github.com/mirrorlink/server/internal/gate"
	"github.com/mirrorlink/server/internal/httpapi"
	"github.com/mirrorlink/server/internal/observability"
	"github.com/mirrorlink/server/internal/relay"
	"github.com/mirrorlink/server/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var (
		store    session.Store
		resolver directory.Resolver
		caps     directory.Capabilities
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := session.OpenPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("session store init failed: %v", err)
		}
		store = pgStore
		dir := directory.NewPostgres(pgStore.Pool())
		resolver, caps = dir, dir
		log.Printf("session store: postgres")
	} else {
		store = session.NewMemoryStore()
		dir := directory.AllowAll{}
		resolver, caps = dir, dir
		log.Printf("session store: in-memory (no DATABASE_URL; directory allows all)")
	}
	defer store.Close()

	sessions := session.NewManager(store, resolver, cfg.IdleTimeout)
	engine := relay.NewEngine(sessions, cfg.ControlQueueCap, cfg.MediaQueueCap, metrics)
	sessions.SetCloseHook(func(s *session.Session) {
		engine.OnSessionClosed(s)
		metrics.ActiveSessions.Dec()
		metrics.SessionEvents.WithLabelValues("closed").Inc()
		if s.StopReason == session.ReasonTimeout {
			metrics.SessionEvents.WithLabelValues("expired").Inc()
		}
	})

	g := gate.New(sessions, resolver, caps)
	api := httpapi.New(cfg, sessions, engine, g, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SweepInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	engine.Shutdown("server shutting down")

	log.Printf("shutdown complete")
}
