package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/claude-relay/internal/bridge"
	"github.com/user/claude-relay/internal/config"
	"github.com/user/claude-relay/internal/history"
	handler "github.com/user/claude-relay/internal/http"
	"github.com/user/claude-relay/internal/index"
	"github.com/user/claude-relay/internal/tmux"
)

const version = "0.3.0"

func main() {
	defaultPath, err := config.DefaultPath()
	if err != nil {
		log.Fatalf("Failed to resolve config dir: %v", err)
	}
	configPath := flag.String("config", defaultPath, "path to config file")
	flag.Parse()

	cfg, err := config.LoadOrInit(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var hist *history.Store
	if cfg.HistoryEnabled() {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Printf("Warning: history store disabled: %v", err)
		}
	}

	br := bridge.NewService(cfg.RateLimit.WSHeartbeat, cfg.RateLimit.WSMaxMissedPongs)

	idx := index.New(cfg.Claude.SessionDir, config.CacheFile(*configPath), br.HasActive)
	if err := idx.Start(); err != nil {
		log.Fatalf("Failed to start session index on %s: %v", cfg.Claude.SessionDir, err)
	}

	runner := tmux.NewRunner(cfg.Claude.Binary)
	mgr := tmux.NewManager(runner, cfg.Tmux.Prefix, cfg.Claude.MaxSessions,
		cfg.Tmux.DefaultCols, cfg.Tmux.DefaultRows, br.HasActive)

	br.OnDetach = func(id string) {
		idx.SetMuxStatus(id, index.MuxDetached)
		if hist != nil {
			if err := hist.Record(context.Background(), id, history.KindDetach, ""); err != nil {
				log.Printf("history: %v", err)
			}
		}
	}
	br.Start()

	// Clean up after any previous daemon and mark surviving tabs.
	reconcileCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ids, err := mgr.Reconcile(reconcileCtx)
	cancel()
	if err != nil {
		log.Printf("Warning: tab reconcile: %v", err)
	}
	for _, id := range ids {
		idx.SetMuxStatus(id, index.MuxDetached)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: handler.NewServer(cfg, idx, mgr, br, hist, version),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")

		br.Stop()
		idx.Stop()
		if hist != nil {
			hist.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Printf("claude-relay %s listening on %s", version, cfg.ListenAddr())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
