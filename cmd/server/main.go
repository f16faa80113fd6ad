package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/zerofleet/backend/internal/anomaly"
	"github.com/zerofleet/backend/internal/api"
	"github.com/zerofleet/backend/internal/attestation"
	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/decoy"
	"github.com/zerofleet/backend/internal/events"
	"github.com/zerofleet/backend/internal/infra"
	"github.com/zerofleet/backend/internal/metrics"
	"github.com/zerofleet/backend/internal/orchestrator"
	"github.com/zerofleet/backend/internal/policy"
	"github.com/zerofleet/backend/internal/profiler"
	"github.com/zerofleet/backend/internal/registry"
	"github.com/zerofleet/backend/internal/stats"
	"github.com/zerofleet/backend/internal/threatintel"
	"github.com/zerofleet/backend/internal/trust"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	log.Println("Starting fleet access decision engine...")

	// --- Durable backends (all optional; in-memory fallbacks otherwise) ---

	var persister registry.Persister
	if cfg.Redis.Addr != "" {
		redisClient, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("Redis unavailable; running without device persistence", "error", err)
		} else {
			persister = registry.NewRedisPersister(redisClient, "fleet:")
		}
	}

	var audit trust.AuditSink
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			slog.Warn("Postgres unavailable; running without trust audit", "error", err)
		} else {
			sink, err := trust.NewPostgresAuditSink(db)
			if err != nil {
				slog.Warn("Trust audit setup failed", "error", err)
			} else {
				audit = sink
			}
		}
	}

	// --- Event fabric ---

	var emitter events.EventEmitter
	var bus *events.EventBus
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		psBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("Pub/Sub unavailable; falling back to in-memory bus", "error", err)
			bus = events.NewEventBus()
			emitter = bus
		} else {
			defer psBus.Close()
			bus = psBus.EventBus
			emitter = psBus
		}
	} else {
		bus = events.NewEventBus()
		emitter = bus
	}

	// --- Core components ---

	m := metrics.NewMetrics()

	reg := registry.NewStore(persister)
	if err := reg.Restore(context.Background()); err != nil {
		slog.Warn("Registry restore failed; starting empty", "error", err)
	}

	scorer := trust.NewScorer(cfg.Trust, audit)
	prof := profiler.New(time.Duration(cfg.Profiling.WindowSeconds)*time.Second, cfg.Profiling.TopN)
	detector := anomaly.NewDetector(cfg.Anomaly)
	source := stats.NewRollingSource()

	// Restored devices need their trust records and detector baselines back.
	for _, dev := range reg.ListDevices() {
		scorer.Initialize(dev.ID)
		if baseline, err := reg.GetBaseline(dev.ID); err == nil {
			detector.SetBaseline(dev.ID, baseline)
		}
	}

	intel := threatintel.New(cfg.Enforcement.BlockPriority, func(rule core.MitigationRule) {
		emitter.Emit(events.TypeThreatBlocked, "/intel", rule.Match["src"], map[string]interface{}{
			"action":   rule.Action,
			"priority": rule.Priority,
			"reason":   rule.Reason,
		})
	})

	enforcer := policy.NewBreakerEnforcer(policy.NewLogEnforcer(), 0, 0)
	adapter := policy.NewAdapter(scorer, reg, enforcer, cfg.Enforcement)
	adapter.SetChangeHook(func(state core.PolicyState) {
		m.RecordPolicyTransition(string(state.Action), string(state.Source))
		emitter.Emit(events.TypePolicyChanged, "/policy", state.DeviceID, map[string]interface{}{
			"action":   state.Action,
			"source":   state.Source,
			"priority": state.Priority,
		})
	})
	scorer.SetThresholdNotifier(func(deviceID string, old, new core.TrustLevel) {
		if score, err := scorer.GetTrustScore(deviceID); err == nil {
			m.SetTrustScore(deviceID, score)
		}
		emitter.Emit(events.TypeTrustAdjusted, "/trust", deviceID, map[string]interface{}{
			"old_level": old,
			"new_level": new,
		})
		adapter.HandleTrustLevelChange(deviceID, old, new)
	})

	attestor := attestation.NewHeartbeatAttestor(reg, 2*time.Duration(cfg.Sweeps.AttestationSeconds)*time.Second)

	var dec decoy.Decoy
	if cfg.Decoy.ContainerName != "" {
		d, err := decoy.NewDockerDecoy(cfg.Decoy.ContainerName)
		if err != nil {
			slog.Warn("Docker unavailable; decoy sweep disabled", "error", err)
		} else {
			dec = d
		}
	}

	// --- Background sweeps ---

	orch := orchestrator.New(orchestrator.Deps{
		Registry:    reg,
		Scorer:      scorer,
		Detector:    detector,
		Adapter:     adapter,
		Intel:       intel,
		Decoy:       dec,
		Attestor:    attestor,
		StatsSource: source,
		Emitter:     emitter,
		Metrics:     m,
	}, cfg.Sweeps, cfg.Decoy.LogTail)
	orch.Start(context.Background())

	// --- HTTP surface ---

	server := api.NewServer(api.Deps{
		Registry: reg,
		Scorer:   scorer,
		Profiler: prof,
		Detector: detector,
		Adapter:  adapter,
		Intel:    intel,
		Source:   source,
		Attestor: attestor,
		Emitter:  emitter,
		Bus:      bus,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM: stop sweeps, drain requests.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	orch.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Stopped")
}
