package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/ttsgate/internal/config"
	"github.com/ent0n29/ttsgate/internal/engine"
	"github.com/ent0n29/ttsgate/internal/observability"
	"github.com/ent0n29/ttsgate/internal/protocol"
	"github.com/ent0n29/ttsgate/internal/session"
	"github.com/ent0n29/ttsgate/internal/voices"
)

// Orchestrator runs the message dispatch loop for one connection.
type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound) error
}

type Server struct {
	cfg          config.Config
	registry     *session.Registry
	orchestrator Orchestrator
	readiness    *engine.Readiness
	engineInfo   engine.Info
	voices       voices.Store
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, orchestrator Orchestrator, readiness *engine.Readiness, engineInfo engine.Info, voiceStore voices.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orchestrator,
		readiness:    readiness,
		engineInfo:   engineInfo,
		voices:       voiceStore,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only same-origin browser connections, so other
				// sites cannot drive generation if the gateway is exposed
				// beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/stream/status", s.handleStreamStatus)
	r.Get("/v1/stream/connections", s.handleConnections)
	r.Get("/v1/stream/perf", s.handlePerf)
	r.Get("/v1/stream/ws", s.handleStreamWS)
	r.Get("/v1/voices", s.handleListVoices)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.readiness.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": string(s.readiness.State()),
			"error":  s.readiness.Err(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type streamStatusResponse struct {
	Available        bool     `json:"available"`
	Ready            bool     `json:"ready"`
	SampleRate       int      `json:"sample_rate,omitempty"`
	SupportedFormats []string `json:"supported_formats,omitempty"`
	Error            string   `json:"error,omitempty"`
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.readiness.Ready() {
		detail := s.readiness.Err()
		if detail == "" {
			detail = "engine not initialized"
		}
		respondJSON(w, http.StatusServiceUnavailable, streamStatusResponse{
			Available: false,
			Ready:     false,
			Error:     detail,
		})
		return
	}
	respondJSON(w, http.StatusOK, streamStatusResponse{
		Available:        true,
		Ready:            true,
		SampleRate:       s.engineInfo.SampleRate,
		SupportedFormats: []string{protocol.FormatRaw, protocol.FormatEncoded},
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"total_connections": s.registry.Count(),
		"connection_ids":    s.registry.List(),
		"timestamp":         time.Now().UTC().Unix(),
	})
}

func (s *Server) handlePerf(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotPerf())
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	list, err := s.voices.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "voice_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default_voice_id": s.cfg.DefaultVoice,
		"voices":           list,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
