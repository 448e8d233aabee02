package engine

import (
	"context"
	"sync"
)

// Info describes fixed properties of an engine's output.
type Info struct {
	SampleRate      int
	SamplesPerToken int
}

// Fragment is one unit of generated audio covering a bounded span of
// synthesis tokens. Samples are PCM16 mono at Info.SampleRate. Non-initial
// fragments carry the engine's duplicated context-window lead-in.
type Fragment struct {
	Seq     int
	Samples []int16
	Final   bool
}

// Metrics is the engine's own per-fragment timing signal. The engine is the
// source of truth for generation time; downstream never re-times it.
type Metrics struct {
	GenerationTime float64 // seconds spent producing this fragment
	Tokens         int
}

// Result is one element of a generation sequence. Err is set on the last
// element when generation faults; the channel closes afterwards.
type Result struct {
	Fragment Fragment
	Metrics  Metrics
	Err      error
}

// Stream is a finite, non-restartable, ordered sequence of fragments.
type Stream interface {
	// Fragments yields results in sequence order and closes on exhaustion.
	Fragments() <-chan Result
	// Stop asserts the cooperative stop signal. Idempotent; the current
	// fragment may still be delivered.
	Stop()
}

// Params carries only the fields the engine actually recognizes.
type Params struct {
	Text          string
	VoicePath     string
	Exaggeration  float64
	CFGWeight     float64
	Temperature   float64
	ChunkSize     int
	ContextWindow int
	FadeDuration  float64 // seconds
	PrintMetrics  bool
}

// Engine is the synthesis capability: produce a lazy sequence of
// (fragment, metrics) pairs for bounded parameters. Implementations must be
// safe for concurrent Generate calls; each call owns its returned Stream.
type Engine interface {
	Info() Info
	Generate(ctx context.Context, params Params) (Stream, error)
}

// ReadyState tracks the process-wide engine initialization lifecycle.
type ReadyState string

const (
	StateNotStarted   ReadyState = "not_started"
	StateInitializing ReadyState = "initializing"
	StateReady        ReadyState = "ready"
	StateError        ReadyState = "error"
)

// Readiness is consulted once per request at admission time, never
// mid-stream, so readiness flips cannot fail a running generation.
type Readiness struct {
	mu      sync.RWMutex
	state   ReadyState
	lastErr string
}

func NewReadiness() *Readiness {
	return &Readiness{state: StateNotStarted}
}

func (r *Readiness) SetInitializing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateInitializing
	r.lastErr = ""
}

func (r *Readiness) SetReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateReady
	r.lastErr = ""
}

func (r *Readiness) SetError(detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateError
	r.lastErr = detail
}

func (r *Readiness) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == StateReady
}

func (r *Readiness) State() ReadyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the initialization error detail, if any.
func (r *Readiness) Err() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}
