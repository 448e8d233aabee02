package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// PerfStageStats summarizes one observed stage over the rolling window.
type PerfStageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	Last    float64 `json:"last"`
	Avg     float64 `json:"avg"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
}

// PerfSnapshot is the read-only view served by the perf endpoint.
type PerfSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []PerfStageStats `json:"stages"`
}

// stageWindow keeps a fixed-size ring of recent observations per stage.
type stageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageRing
}

type stageRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newStageWindow(maxSamples int) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &stageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageRing),
	}
}

func (w *stageWindow) Observe(stage string, v float64) {
	if stage == "" || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.stages[stage]
	if !ok {
		ring = &stageRing{values: make([]float64, w.maxSamples)}
		w.stages[stage] = ring
	}
	ring.values[ring.next] = v
	ring.last = v
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *stageWindow) Snapshot() PerfSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for name := range w.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]PerfStageStats, 0, len(names))
	for _, name := range names {
		ring := w.stages[name]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stages = append(stages, PerfStageStats{
			Stage:   name,
			Samples: n,
			Last:    round3(ring.last),
			Avg:     round3(sum / float64(n)),
			P50:     round3(quantile(samples, 0.50)),
			P95:     round3(quantile(samples, 0.95)),
		})
	}

	return PerfSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
	}
}

// quantile interpolates linearly between the two nearest sorted samples.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
