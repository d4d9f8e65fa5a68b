// Package main is the entry point for the chain-sentinel monitoring daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chain-sentinel/internal/analyzer"
	"chain-sentinel/internal/config"
	"chain-sentinel/internal/enrich"
	"chain-sentinel/internal/flow"
	"chain-sentinel/internal/investigation"
	"chain-sentinel/internal/manipulation"
	"chain-sentinel/internal/pipeline"
	"chain-sentinel/internal/profile"
	"chain-sentinel/internal/registry"
	"chain-sentinel/internal/schema"
	"chain-sentinel/internal/source"
	"chain-sentinel/internal/storage"
	"chain-sentinel/internal/storage/s3"
	"chain-sentinel/internal/trigger"
)

const investigationSweepInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "path to config file")
	httpAddr := flag.String("http", ":8085", "health/stats listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"kafka_topic", cfg.Source.Topic,
		"workers", cfg.Pipeline.Workers,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Static registries: known cluster members and dangerous selectors.
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		logger.Error("failed to load registry", "path", cfg.RegistryPath, "error", err)
		os.Exit(1)
	}
	clusters, functions := reg.Size()
	logger.Info("registry loaded", "clusters", clusters, "functions", functions)

	var enricher *enrich.Client
	if cfg.Enrich.Enabled {
		enricher = enrich.NewClient(cfg.Enrich)
		logger.Info("enrichment enabled", "base_url", cfg.Enrich.BaseURL)
	}

	var an *analyzer.Analyzer
	if enricher != nil {
		an = analyzer.New(cfg.Analyzer, enricher)
	} else {
		an = analyzer.New(cfg.Analyzer, nil)
	}

	profiles := profile.NewTracker(cfg.Profile, logger)
	flows := flow.NewTracker(cfg.Flow, logger)
	detector := manipulation.NewDetector(cfg.Manipulation, logger)

	engine := trigger.NewEngine(cfg.Triggers.Engine, logger)
	if err := loadTriggers(engine, cfg.Triggers.Files); err != nil {
		logger.Error("failed to load triggers", "error", err)
		os.Exit(1)
	}

	var redisCooldown *trigger.RedisCooldown
	if cfg.Triggers.Redis.Enabled {
		redisCooldown, err = trigger.NewRedisCooldown(trigger.RedisConfig{
			Addr:     cfg.Triggers.Redis.Addr,
			Password: cfg.Triggers.Redis.Password,
			DB:       cfg.Triggers.Redis.DB,
			PoolSize: cfg.Triggers.Redis.PoolSize,
		})
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Triggers.Redis.Addr, "error", err)
			os.Exit(1)
		}
		engine.SetCooldownStore(redisCooldown)
		logger.Info("shared cooldown store enabled", "addr", cfg.Triggers.Redis.Addr)
	}

	// Storage: monitor events, investigation records, quarantined payloads.
	var (
		chClient    *storage.ClickHouseClient
		batchWriter *storage.BatchWriter
		quarantine  *storage.QuarantineWriter
		stores      []investigation.Store
	)
	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		logger.Info("running database migrations")
		if err := storage.NewMigrator(chClient).Run(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, cfg.Storage.Retention)
		if err := retention.ApplyTTLs(ctx); err != nil {
			logger.Warn("failed to apply retention policies", "error", err)
		}

		batchWriter = storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)
		engine.SetRecorder(batchWriter)

		quarantine = storage.NewQuarantineWriter(chClient)
		stores = append(stores, storage.NewInvestigationStore(chClient))

		logger.Info("storage initialized",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
	}

	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, &cfg.Archive.S3, logger)
		if err != nil {
			logger.Error("failed to initialize S3 archive", "error", err)
			os.Exit(1)
		}
		archiver := s3.NewArchiver(s3Client, &cfg.Archive.Archiver, logger)
		stores = append(stores, archiver)
		logger.Info("SAR archive enabled", "bucket", s3Client.GetBucket())
	}

	investigator := investigation.NewInvestigator(cfg.Investigation, profiles, reg, logger)
	switch len(stores) {
	case 0:
	case 1:
		investigator.SetStore(stores[0])
	default:
		investigator.SetStore(multiStore(stores))
	}
	if enricher != nil {
		investigator.SetNarrator(&enrichNarrator{client: enricher})
	}

	pipe := pipeline.New(
		pipeline.Config{
			Workers:      cfg.Pipeline.Workers,
			QueueSize:    cfg.Pipeline.QueueSize,
			ShutdownWait: cfg.Pipeline.ShutdownWait,
		},
		an, profiles, flows, detector, engine, logger,
	)
	pipe.Start(ctx)

	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxTxAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	src, err := source.New(
		&cfg.Source,
		validator,
		func(_ context.Context, tx *schema.Transaction) error {
			return pipe.Submit(tx)
		},
		invalidHandler(cfg.Source.Topic, quarantine, logger),
		logger,
	)
	if err != nil {
		logger.Error("failed to create kafka source", "error", err)
		os.Exit(1)
	}
	if err := src.Start(); err != nil {
		logger.Error("failed to start kafka source", "error", err)
		os.Exit(1)
	}

	go investigationSweep(ctx, profiles, investigator, an.SuspicionThreshold(), logger)

	httpServer := statsServer(*httpAddr, pipe, src, engine, profiles, flows, detector, investigator)
	go func() {
		logger.Info("stats server listening", "address", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("stats server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("stats server shutdown error", "error", err)
	}

	if err := src.Stop(); err != nil {
		logger.Error("source stop error", "error", err)
	}
	pipe.Stop()
	cancel()

	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			logger.Error("batch writer close error", "error", err)
		}
	}
	if redisCooldown != nil {
		if err := redisCooldown.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}

	stats := pipe.Stats()
	logger.Info("shutdown complete",
		"processed", stats["processed"],
		"suspicious", stats["suspicious"],
		"trigger_events", stats["trigger_events"],
	)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadTriggers reads every configured trigger file and registers its
// triggers. A trigger that fails validation aborts startup.
func loadTriggers(engine *trigger.Engine, files []string) error {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		triggers, err := trigger.ParseTriggers(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", file, err)
		}
		for _, t := range triggers {
			if err := engine.Register(t); err != nil {
				return fmt.Errorf("register %s from %s: %w", t.ID, file, err)
			}
		}
		slog.Info("triggers loaded", "file", file, "count", len(triggers))
	}
	return nil
}

// invalidHandler routes undecodable payloads to the quarantine table, or
// just logs them when storage is disabled.
func invalidHandler(topic string, qw *storage.QuarantineWriter, logger *slog.Logger) source.InvalidHandler {
	return func(ctx context.Context, raw []byte, reason error) {
		if qw == nil {
			logger.Warn("invalid transaction dropped", "reason", reason)
			return
		}
		entry := &storage.QuarantineEntry{
			RawTx:            string(raw),
			Source:           topic,
			ValidationErrors: []string{reason.Error()},
			ErrorCode:        "validation_failed",
		}
		if err := qw.Write(ctx, entry); err != nil {
			logger.Error("failed to quarantine transaction", "error", err)
		}
	}
}

// investigationSweep periodically opens investigations on addresses whose
// profile risk crossed the suspicion threshold. Each address is
// investigated once per process lifetime; analysts re-run on demand.
func investigationSweep(ctx context.Context, profiles *profile.Tracker, inv *investigation.Investigator, threshold int, logger *slog.Logger) {
	seen := make(map[string]struct{})
	ticker := time.NewTicker(investigationSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, prof := range profiles.Suspicious(50) {
			if prof.RiskScore < threshold {
				continue
			}
			if _, ok := seen[prof.Address]; ok {
				continue
			}
			seen[prof.Address] = struct{}{}

			rec := inv.Investigate(ctx, prof.Address)
			logger.Info("investigation completed",
				"address", rec.Address,
				"behavior", rec.Behavior,
				"combined_score", rec.CombinedScore,
				"sar_ready", rec.SARReady,
			)
		}
	}
}

// multiStore fans an investigation record out to every configured store.
type multiStore []investigation.Store

func (m multiStore) SaveInvestigation(ctx context.Context, record *investigation.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveInvestigation(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// enrichNarrator adapts the enrichment client to the investigator's
// narrator interface.
type enrichNarrator struct {
	client *enrich.Client
}

func (n *enrichNarrator) Narrate(ctx context.Context, record *investigation.Record) (string, error) {
	return n.client.Narrative(ctx, record.Address, record)
}

type statsSource interface {
	Stats() map[string]interface{}
}

func statsServer(addr string, pipe *pipeline.Pipeline, src statsSource, engine *trigger.Engine, profiles *profile.Tracker, flows statsSource, detector statsSource, inv statsSource) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pipeline":      pipe.Stats(),
			"source":        src.Stats(),
			"triggers":      engine.Stats(),
			"profiles":      profiles.Stats(),
			"flows":         flows.Stats(),
			"manipulation":  detector.Stats(),
			"investigation": inv.Stats(),
		})
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
