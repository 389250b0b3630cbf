// webpty is a WebSocket broker that exposes the odd-dashboard TUI to
// browser terminals, surviving network blips via reconnect tokens and
// scrollback replay.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oddlab/webpty/internal/audit"
	"github.com/oddlab/webpty/internal/config"
	"github.com/oddlab/webpty/internal/database"
	"github.com/oddlab/webpty/internal/logging"
	"github.com/oddlab/webpty/internal/protocol"
	"github.com/oddlab/webpty/internal/server"
	"github.com/oddlab/webpty/internal/session"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogPath)
	cfg.LogStartup()

	classifier, err := protocol.LoadClassifier(cfg.InputRulesPath)
	if err != nil {
		log.Fatalf("input rules: %v", err)
	}

	var auditor *audit.Auditor
	if cfg.AuditDBPath != "" {
		db, err := database.Open(cfg.AuditDBPath)
		if err != nil {
			log.Fatalf("audit database: %v", err)
		}
		auditor = audit.New(db, cfg.AuditRetentionDays)
		log.Printf("Audit trail enabled: %s (retention %dd)", cfg.AuditDBPath, auditor.RetentionDays())
	}

	sessions := session.NewManager(&cfg)
	sessions.OnReaped = func(s *session.Session) {
		auditor.Record(audit.Entry{
			SessionID: s.ID.String(),
			EventType: audit.EventSessionReaped,
			SourceIP:  s.ClientIP.String(),
		})
	}

	srv := server.New(&cfg, sessions, classifier, auditor)

	// Cleanup sweeps run every few seconds; each sweep advances a session
	// at most one lifecycle transition. Audit pruning runs nightly.
	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc("*/5 * * * * *", sessions.Cleanup); err != nil {
		log.Fatalf("schedule cleanup: %v", err)
	}
	if auditor != nil {
		if _, err := sched.AddFunc("0 0 3 * * *", func() {
			if _, err := auditor.Prune(); err != nil {
				log.Printf("audit prune: %v", err)
			}
		}); err != nil {
			log.Fatalf("schedule audit prune: %v", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	wsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WSPort),
		Handler: srv.Routes(),
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: srv.MetricsRoutes(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("WebSocket server listening on %s", wsSrv.Addr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("websocket server: %v", err)
		}
	}()
	go func() {
		log.Printf("Metrics server listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("websocket shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics shutdown: %v", err)
	}

	sessions.CloseAll()
	log.Println("Server stopped")
}
