package stream

import (
	"time"

	"github.com/ent0n29/ttsgate/internal/protocol"
)

// Aggregator converts engine-reported per-fragment statistics into cumulative
// session telemetry for one request. It lives for exactly one request and its
// summary is emitted before destruction, even on error, so partial telemetry
// is never lost.
type Aggregator struct {
	sampleRate int
	admittedAt time.Time

	firstChunkLatency time.Duration
	chunkCount        int
	audioDuration     float64
	elapsed           float64
	rtf               float64
}

func NewAggregator(sampleRate int, admittedAt time.Time) *Aggregator {
	return &Aggregator{
		sampleRate: sampleRate,
		admittedAt: admittedAt,
	}
}

// Observe folds one fragment into the running telemetry and returns the
// snapshot to send after that fragment's frame. generationTime is the
// engine's own timing signal for the fragment; the aggregator never re-times
// the engine.
func (a *Aggregator) Observe(sampleCount int, generationTime float64) protocol.MetricsData {
	a.chunkCount++
	if a.chunkCount == 1 {
		a.firstChunkLatency = time.Since(a.admittedAt)
	}

	a.audioDuration += float64(sampleCount) / float64(a.sampleRate)
	a.elapsed += generationTime
	if a.audioDuration > 0 {
		a.rtf = a.elapsed / a.audioDuration
	}

	return protocol.MetricsData{
		Chunk:               a.chunkCount,
		LatencyToFirstChunk: a.firstChunkLatency.Seconds(),
		ElapsedTime:         a.elapsed,
		AudioDuration:       a.audioDuration,
		RTF:                 a.rtf,
		SampleRate:          a.sampleRate,
	}
}

func (a *Aggregator) FirstChunkLatency() time.Duration { return a.firstChunkLatency }

func (a *Aggregator) ChunkCount() int { return a.chunkCount }

// Summary is the terminal telemetry, valid regardless of how the request
// ended.
func (a *Aggregator) Summary() protocol.Summary {
	return protocol.Summary{
		TotalChunks:  a.chunkCount,
		AverageRTF:   a.rtf,
		TotalElapsed: a.elapsed,
	}
}
