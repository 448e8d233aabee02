package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stub is a deterministic engine used when no worker is configured and by
// tests. It synthesizes flat-amplitude PCM sized from the input text, with
// the same overlap convention as the real engine: every non-initial fragment
// repeats the trailing context window of its predecessor.
type Stub struct {
	EngineInfo Info

	// Amplitude of every generated sample.
	Amplitude int16
	// Tokens of audio produced per input character; minimum one chunk.
	TokensPerChar int
	// Optional pacing between fragments.
	ChunkDelay time.Duration
	// Reported generation seconds per fragment.
	GenerationTimePerChunk float64
	// FailAfter > 0 makes generation fault after that many fragments.
	FailAfter int
	// EmptyFragmentAt > 0 yields a zero-sample fragment at that sequence
	// number (1-based), for malformed-output handling tests.
	EmptyFragmentAt int
}

func NewStub(info Info) *Stub {
	return &Stub{
		EngineInfo:             info,
		Amplitude:              8000,
		TokensPerChar:          2,
		GenerationTimePerChunk: 0.05,
	}
}

func (s *Stub) Info() Info { return s.EngineInfo }

func (s *Stub) Generate(ctx context.Context, params Params) (Stream, error) {
	if params.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive")
	}

	totalTokens := len(params.Text) * s.TokensPerChar
	if totalTokens < params.ChunkSize {
		totalTokens = params.ChunkSize
	}

	st := &stubStream{
		results: make(chan Result),
		quit:    make(chan struct{}),
	}
	go s.run(ctx, params, totalTokens, st)
	return st, nil
}

func (s *Stub) run(ctx context.Context, params Params, totalTokens int, st *stubStream) {
	defer close(st.results)

	seq := 0
	remaining := totalTokens
	for remaining > 0 {
		tokens := params.ChunkSize
		if tokens > remaining {
			tokens = remaining
		}
		remaining -= tokens

		sampleCount := tokens * s.EngineInfo.SamplesPerToken
		if seq > 0 {
			// Duplicated lead-in, mirroring the real engine's overlap.
			sampleCount += params.ContextWindow * s.EngineInfo.SamplesPerToken
		}
		if s.EmptyFragmentAt > 0 && seq+1 == s.EmptyFragmentAt {
			sampleCount = 0
		}

		samples := make([]int16, sampleCount)
		for i := range samples {
			samples[i] = s.Amplitude
		}

		if s.ChunkDelay > 0 {
			select {
			case <-time.After(s.ChunkDelay):
			case <-ctx.Done():
				return
			case <-st.quit:
				return
			}
		}

		if s.FailAfter > 0 && seq >= s.FailAfter {
			select {
			case st.results <- Result{Err: fmt.Errorf("stub engine fault after %d fragments", s.FailAfter)}:
			case <-ctx.Done():
			case <-st.quit:
			}
			return
		}

		res := Result{
			Fragment: Fragment{Seq: seq, Samples: samples, Final: remaining == 0},
			Metrics:  Metrics{GenerationTime: s.GenerationTimePerChunk, Tokens: tokens},
		}
		select {
		case st.results <- res:
		case <-ctx.Done():
			return
		case <-st.quit:
			return
		}
		seq++
	}
}

type stubStream struct {
	results  chan Result
	quit     chan struct{}
	stopOnce sync.Once
}

func (s *stubStream) Fragments() <-chan Result { return s.results }

func (s *stubStream) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}
