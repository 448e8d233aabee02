package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ent0n29/ttsgate/internal/config"
	"github.com/ent0n29/ttsgate/internal/engine"
	"github.com/ent0n29/ttsgate/internal/httpapi"
	"github.com/ent0n29/ttsgate/internal/observability"
	"github.com/ent0n29/ttsgate/internal/session"
	"github.com/ent0n29/ttsgate/internal/stream"
	"github.com/ent0n29/ttsgate/internal/voices"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	readiness := engine.NewReadiness()

	ctx := context.Background()
	voiceStore, err := voices.NewStore(ctx, cfg.DatabaseURL, cfg.VoiceDir, cfg.DefaultVoice)
	if err != nil {
		log.Fatalf("voice store init failed: %v", err)
	}
	defer voiceStore.Close()

	eng := buildEngine(cfg, voiceStore, readiness)

	registry := session.NewRegistry(cfg.ConnectionIdleTimeout)
	registry.SetEvictHook(func(s *session.Session) {
		metrics.ConnectionEvents.WithLabelValues("evicted").Inc()
		log.Printf("[%s] evicted after idle timeout", s.ID)
	})

	orchestrator := stream.NewOrchestrator(eng, readiness, voiceStore, metrics, cfg.MaxActiveGenerations)
	api := httpapi.New(cfg, registry, orchestrator, readiness, eng.Info(), voiceStore, metrics)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartReaper(runCtx, 30*time.Second)

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
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

	log.Printf("shutdown complete")
}

// buildEngine selects the synthesis engine and drives the readiness
// lifecycle. Readiness errors keep the process up: status endpoints report
// the failure and requests are rejected at admission.
func buildEngine(cfg config.Config, voiceStore voices.Store, readiness *engine.Readiness) engine.Engine {
	mode := strings.ToLower(strings.TrimSpace(cfg.EngineProvider))
	readiness.SetInitializing()

	tryExec := func() engine.Engine {
		if cfg.EngineWorkerCommand == "" {
			return nil
		}
		eng, err := engine.NewExec(engine.ExecConfig{
			Command:         cfg.EngineWorkerCommand,
			SampleRate:      cfg.EngineSampleRate,
			SamplesPerToken: cfg.EngineSamplesPerToken,
		})
		if err != nil {
			log.Printf("exec engine unavailable: %v", err)
			return nil
		}
		log.Printf("engine provider: exec (%s)", cfg.EngineWorkerCommand)
		return eng
	}

	stubEngine := func() engine.Engine {
		// The stub needs at least one resolvable voice so requests without
		// a reference still admit.
		if mem, ok := voiceStore.(*voices.InMemoryStore); ok {
			mem.Add(voices.Voice{ID: cfg.DefaultVoice, Name: cfg.DefaultVoice})
		}
		log.Printf("engine provider: stub")
		return engine.NewStub(engine.Info{
			SampleRate:      cfg.EngineSampleRate,
			SamplesPerToken: cfg.EngineSamplesPerToken,
		})
	}

	var eng engine.Engine
	switch mode {
	case "exec":
		eng = tryExec()
		if eng == nil {
			readiness.SetError("ENGINE_PROVIDER=exec but the worker command is missing or not found")
			// Keep a placeholder so status endpoints can report sample rate.
			return engine.NewStub(engine.Info{
				SampleRate:      cfg.EngineSampleRate,
				SamplesPerToken: cfg.EngineSamplesPerToken,
			})
		}
	case "stub":
		eng = stubEngine()
	default: // auto
		eng = tryExec()
		if eng == nil {
			eng = stubEngine()
		}
	}

	readiness.SetReady()
	return eng
}
