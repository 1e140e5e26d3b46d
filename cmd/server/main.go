// Command server exposes the HTTP API: health, metrics, audit chain reads
// and verification, and the reviewer correction sink.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intake/internal/audit"
	"intake/internal/canonical"
	"intake/internal/hitl"
	"intake/internal/platform/config"
	"intake/internal/platform/httpserver"
	"intake/internal/platform/logger"
	"intake/internal/platform/postgres"
	platformredis "intake/internal/platform/redis"
	httptransport "intake/internal/transport/http"
)

func main() {
	log := logger.New()

	if err := canonical.Verify(); err != nil {
		log.Error("canonical registry inconsistent", "error", err)
		os.Exit(60)
	}

	snap, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(10)
	}

	db, err := postgres.Open(snap.Postgres)
	if err != nil {
		log.Error("open postgres", "error", err)
		os.Exit(40)
	}

	var auditStore audit.Store = audit.NewInMemoryStore()
	if db != nil {
		auditStore = audit.NewPostgresStore(db)
	}

	var lease audit.Lease = audit.NewInMemoryLease()
	if redisClient, err := platformredis.New(snap.Redis); err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(40)
	} else if redisClient != nil {
		lease = audit.NewRedisLease(redisClient.Client, 30*time.Second)
	}

	auditLogger, err := audit.NewLogger(auditStore, lease, audit.WithLogger(log))
	if err != nil {
		log.Error("build audit logger", "error", err)
		os.Exit(10)
	}

	var correctionStore hitl.Store = hitl.NewInMemoryStore()
	if db != nil {
		correctionStore = hitl.NewPostgresStore(db)
	}
	sink, err := hitl.NewSink(correctionStore, auditLogger, hitl.WithLogger(log))
	if err != nil {
		log.Error("build correction sink", "error", err)
		os.Exit(10)
	}

	handler := httptransport.NewHandler(auditLogger, sink, log)
	srv := httpserver.New(snap.Server.Addr, httptransport.NewRouter(handler))

	log.Info("starting intake server", "addr", snap.Server.Addr, "config_sha256", snap.SHA256)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(40)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
