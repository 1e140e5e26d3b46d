// Command worker drains the broker and runs the per-message stage chain.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intake/internal/artifact"
	"intake/internal/attachments"
	"intake/internal/audit"
	"intake/internal/broker"
	"intake/internal/canonical"
	"intake/internal/identity"
	"intake/internal/llm"
	"intake/internal/pipeline"
	"intake/internal/platform/config"
	"intake/internal/platform/logger"
	"intake/internal/platform/metrics"
	"intake/internal/platform/postgres"
	platformredis "intake/internal/platform/redis"
	"intake/internal/retention"
	"intake/internal/route"
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

	ruleset, err := route.Load(snap.Routing.RulesetPath)
	if err != nil {
		log.Error("load routing ruleset", "error", err)
		os.Exit(20)
	}

	db, err := postgres.Open(snap.Postgres)
	if err != nil {
		log.Error("open postgres", "error", err)
		os.Exit(40)
	}
	redisClient, err := platformredis.New(snap.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(40)
	}

	var store artifact.Store = artifact.NewInMemoryStore()
	var blobs artifact.BlobStore = artifact.NewInMemoryBlobStore()
	var auditStore audit.Store = audit.NewInMemoryStore()
	if db != nil {
		store = artifact.NewPostgresStore(db)
		blobs = artifact.NewPostgresBlobStore(db)
		auditStore = audit.NewPostgresStore(db)
	}
	var lease audit.Lease = audit.NewInMemoryLease()
	var cache llm.Cache = llm.NewInMemoryCache()
	var budget llm.Budget = llm.NewInMemoryBudget(snap.LLM.MaxCallsPerDay)
	if redisClient != nil {
		lease = audit.NewRedisLease(redisClient.Client, 30*time.Second)
		cache = llm.NewRedisCache(redisClient.Client, 0)
		budget = llm.NewRedisBudget(redisClient.Client, snap.LLM.MaxCallsPerDay)
	}

	auditLogger, err := audit.NewLogger(auditStore, lease, audit.WithLogger(log))
	if err != nil {
		log.Error("build audit logger", "error", err)
		os.Exit(10)
	}

	var provider llm.Provider
	if snap.LLM.Enabled && !snap.Incident.DisableLLM {
		provider = llm.NewOpenAIProvider(os.Getenv(snap.LLM.APIKeyEnv), snap.LLM.BaseURL, snap.LLM.ModelID)
	}
	m := metrics.New()

	adapter, err := llm.NewAdapter(provider, snap.LLM.Provider, cache, budget,
		llm.WithLogger(log),
		llm.WithModelID(snap.LLM.ModelID),
		llm.WithCacheObserver(m.LLMCacheHits.Inc, m.LLMCacheMisses.Inc),
		llm.WithTimeout(snap.Timeouts.LLM.Std()),
		llm.WithDeterminismMode(snap.DeterminismMode),
		llm.WithParams(llm.Params{
			Temperature: snap.LLM.Temperature,
			TopP:        snap.LLM.TopP,
			MaxTokens:   snap.LLM.MaxTokens,
		}),
	)
	if err != nil {
		log.Error("build llm adapter", "error", err)
		os.Exit(10)
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Snapshot:      snap,
		Store:         store,
		Blobs:         blobs,
		Audit:         auditLogger,
		Directory:     identity.NewInMemoryDirectory(),
		Scanner:       noopScanner{},
		TextExtractor: plainTextExtractor{},
		LLM:           adapter,
		Ruleset:       ruleset,
		Metrics:       m,
		Logger:        log,
	})
	if err != nil {
		log.Error("build orchestrator", "error", err)
		os.Exit(10)
	}

	var transport broker.Broker
	if len(snap.Kafka.Brokers) > 0 {
		kafka, err := broker.NewKafkaBroker(broker.KafkaConfig{
			Brokers:  snap.Kafka.Brokers,
			Topic:    snap.Kafka.Topic,
			DLQTopic: snap.Kafka.DLQTopic,
			Group:    snap.Kafka.Group,
		})
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(40)
		}
		defer kafka.Close()
		transport = kafka
	} else {
		transport = broker.NewInMemoryBroker(0)
	}

	if snap.Server.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(snap.Server.MetricsAddr, mux)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if db != nil && snap.Retention.Enabled() {
		job := retention.NewJob(snap.Retention, log)
		job.Register("audit", audit.NewPostgresStore(db))
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := job.Run(ctx, time.Now()); err != nil {
						log.Error("retention job failed", "error", err)
					}
				}
			}
		}()
	}

	log.Info("starting intake worker",
		"workers", snap.WorkerCount,
		"mode", snap.Classification.Mode,
		"determinism_mode", snap.DeterminismMode,
		"config_sha256", snap.SHA256,
	)
	pool := pipeline.NewWorkerPool(orchestrator, transport, snap.WorkerCount, m, log)
	if err := pool.Run(ctx); err != nil {
		log.Error("worker pool stopped", "error", err)
		os.Exit(1)
	}
}

// noopScanner stands in until an AV service adapter is wired; it stamps
// FAILED so unscanned content never counts as CLEAN.
type noopScanner struct{}

func (noopScanner) Scan(context.Context, []byte) (attachments.AVStatus, string, error) {
	return attachments.AVFailed, "disabled", nil
}

// plainTextExtractor handles text/* attachments inline; binary formats need
// the external OCR service.
type plainTextExtractor struct{}

func (plainTextExtractor) Extract(_ context.Context, data []byte, mimeType string) (string, float64, error) {
	if len(mimeType) >= 5 && mimeType[:5] == "text/" {
		return string(data), 1.0, nil
	}
	return "", 0, nil
}
