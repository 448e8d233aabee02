package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/ent0n29/ttsgate/internal/audio"
	"github.com/ent0n29/ttsgate/internal/engine"
	"github.com/ent0n29/ttsgate/internal/observability"
	"github.com/ent0n29/ttsgate/internal/protocol"
	"github.com/ent0n29/ttsgate/internal/session"
	"github.com/ent0n29/ttsgate/internal/voices"
)

// Orchestrator drives the generation source for accepted requests and owns
// the per-connection message dispatch loop. The engine call runs off the
// dispatch path so pings and cancels stay responsive during generation.
type Orchestrator struct {
	engine    engine.Engine
	readiness *engine.Readiness
	voices    voices.Store
	metrics   *observability.Metrics

	// genSlots bounds concurrent active generations process-wide; the
	// engine is not assumed safe for unlimited parallel calls.
	genSlots chan struct{}
}

func NewOrchestrator(eng engine.Engine, readiness *engine.Readiness, voiceStore voices.Store, metrics *observability.Metrics, maxActiveGenerations int) *Orchestrator {
	if maxActiveGenerations <= 0 {
		maxActiveGenerations = 2
	}
	return &Orchestrator{
		engine:    eng,
		readiness: readiness,
		voices:    voiceStore,
		metrics:   metrics,
		genSlots:  make(chan struct{}, maxActiveGenerations),
	}
}

// RunConnection dispatches inbound messages for one connection until the
// inbound channel closes or the transport context is cancelled. It returns
// only after any in-flight generation task has finished.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan protocol.Inbound) error {
	o.send(ctx, sess, protocol.Connected{
		Type:         protocol.TypeConnected,
		ConnectionID: sess.ID,
		Message:      "connected to streaming gateway",
	})

	// Tracks the active generation task so teardown can wait for it.
	var genDone chan struct{}

	for {
		select {
		case <-ctx.Done():
			o.awaitGeneration(genDone)
			return nil
		case msg, ok := <-inbound:
			if !ok {
				o.awaitGeneration(genDone)
				return nil
			}
			sess.Touch()

			switch msg.Type {
			case protocol.TypePing:
				o.send(ctx, sess, protocol.Pong{Type: protocol.TypePong})

			case protocol.TypeCancel:
				if sess.State() == session.StateStreaming && sess.CancelActive() {
					log.Printf("[%s] cancellation requested", sess.ID)
				} else {
					o.send(ctx, sess, protocol.Info{
						Type:    protocol.TypeInfo,
						Message: "no active generation to cancel",
					})
				}

			case protocol.TypeStreamRequest:
				genDone = o.admit(ctx, sess, msg.Data, genDone)
			}
		}
	}
}

// admit validates one request and, if everything checks out, starts the
// generation task. Every rejection is a request-level error message; the
// connection always stays usable.
func (o *Orchestrator) admit(ctx context.Context, sess *session.Session, req *protocol.StreamRequest, prevDone chan struct{}) chan struct{} {
	// Single-request-at-a-time: report Busy without disturbing the
	// in-flight request.
	if sess.State() == session.StateStreaming {
		o.reject(ctx, sess, protocol.CodeBusy, "a generation is already in progress on this connection")
		return prevDone
	}

	if req == nil {
		o.reject(ctx, sess, protocol.CodeInvalidMessage, "missing 'data' field in stream_request message")
		return prevDone
	}
	if err := req.Validate(); err != nil {
		o.reject(ctx, sess, protocol.CodeValidationFailed, err.Error())
		return prevDone
	}

	// Readiness is checked once at admission, never mid-stream.
	if !o.readiness.Ready() {
		detail := o.readiness.Err()
		if detail == "" {
			detail = string(o.readiness.State())
		}
		o.reject(ctx, sess, protocol.CodeEngineNotReady, fmt.Sprintf("engine not ready: %s", detail))
		return prevDone
	}

	select {
	case o.genSlots <- struct{}{}:
	default:
		o.reject(ctx, sess, protocol.CodeEngineSaturated, "engine is at capacity, retry shortly")
		return prevDone
	}
	release := func() { <-o.genSlots }

	voice, err := o.voices.Resolve(ctx, req.Voice)
	if err != nil {
		release()
		o.reject(ctx, sess, protocol.CodeVoiceNotFound, err.Error())
		return prevDone
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if err := sess.BeginStream(cancel); err != nil {
		cancel()
		release()
		o.reject(ctx, sess, protocol.CodeBusy, err.Error())
		return prevDone
	}

	eff := req.Effective()
	o.send(ctx, sess, protocol.Info{
		Type:              protocol.TypeInfo,
		Message:           "starting streaming generation",
		TextLength:        len(req.Input),
		Voice:             voice.ID,
		Parameters:        &eff,
		IgnoredParameters: req.IgnoredFields(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer release()
		defer sess.EndStream()
		o.runGeneration(ctx, reqCtx, sess, req, eff, voice)
	}()
	return done
}

// runGeneration pulls (fragment, metrics) pairs from the engine and pumps
// them through the assembler and aggregator onto the outbound channel. It
// always closes the request with exactly one terminal message while the
// transport is alive.
func (o *Orchestrator) runGeneration(ctx, reqCtx context.Context, sess *session.Session, req *protocol.StreamRequest, eff protocol.EffectiveParams, voice voices.Voice) {
	info := o.engine.Info()
	admittedAt := time.Now()

	agg := NewAggregator(info.SampleRate, admittedAt)
	asm := audio.NewAssembler(audio.AssemblerParams{
		SampleRate:      info.SampleRate,
		SamplesPerToken: info.SamplesPerToken,
		ContextWindow:   eff.ContextWindow,
		FadeDurationMS:  eff.FadeDurationMS,
	})

	gen, err := o.engine.Generate(reqCtx, engine.Params{
		Text:          req.Input,
		VoicePath:     voice.SamplePath,
		Exaggeration:  eff.Exaggeration,
		CFGWeight:     eff.CFGWeight,
		Temperature:   eff.Temperature,
		ChunkSize:     eff.ChunkSize,
		ContextWindow: eff.ContextWindow,
		FadeDuration:  float64(eff.FadeDurationMS) / 1000.0,
		PrintMetrics:  req.PrintMetrics,
	})
	if err != nil {
		o.finishWithError(ctx, sess, agg, protocol.CodeGenerationFailed, fmt.Sprintf("engine start failed: %v", err))
		return
	}
	defer gen.Stop()

	raw := eff.OutputFormat == protocol.FormatRaw
	if raw {
		if !o.send(reqCtx, sess, protocol.BinaryFrame(audio.StreamHeader(info.SampleRate))) {
			o.finishSilently(ctx, sess, agg)
			return
		}
	}

	seq := 0
	first := true
	for {
		var res engine.Result
		var ok bool
		select {
		case <-reqCtx.Done():
			o.finishSilently(ctx, sess, agg)
			return
		case res, ok = <-gen.Fragments():
		}
		if !ok {
			break // generator exhausted
		}
		if res.Err != nil {
			o.finishWithError(ctx, sess, agg, protocol.CodeGenerationFailed, fmt.Sprintf("streaming failed: %v", res.Err))
			return
		}

		frame, err := asm.Assemble(res.Fragment.Samples, first)
		if err != nil {
			o.finishWithError(ctx, sess, agg, protocol.CodeGenerationFailed, fmt.Sprintf("malformed fragment %d: %v", res.Fragment.Seq, err))
			return
		}

		snap := agg.Observe(len(frame)/2, res.Metrics.GenerationTime)
		snap.ChunkSizeBytes = len(frame)
		if first {
			o.metrics.ObserveFirstChunkLatency(agg.FirstChunkLatency())
			log.Printf("[%s] first chunk after %s", sess.ID, agg.FirstChunkLatency().Round(time.Millisecond))
		}

		var delivered bool
		if raw {
			delivered = o.send(reqCtx, sess, protocol.BinaryFrame(frame))
		} else {
			delivered = o.send(reqCtx, sess, protocol.AudioChunk{
				Type:        protocol.TypeAudio,
				Seq:         seq,
				AudioBase64: base64.StdEncoding.EncodeToString(frame),
			})
		}
		if !delivered {
			o.finishSilently(ctx, sess, agg)
			return
		}
		o.metrics.FramesSent.Inc()
		o.metrics.AudioSecondsSent.Add(float64(len(frame)/2) / float64(info.SampleRate))

		// Metrics for fragment n ride immediately behind frame n.
		if eff.IncludeMetrics {
			if !o.send(reqCtx, sess, protocol.Metrics{Type: protocol.TypeMetrics, Data: snap}) {
				o.finishSilently(ctx, sess, agg)
				return
			}
		}

		first = false
		seq++
	}

	summary := agg.Summary()
	o.metrics.ObserveRTF(summary.AverageRTF)
	o.metrics.StreamRequests.WithLabelValues("completed").Inc()
	o.send(ctx, sess, protocol.Done{
		Type:        protocol.TypeDone,
		TotalChunks: summary.TotalChunks,
		Message:     "streaming complete",
		Summary:     summary,
	})
	log.Printf("[%s] streaming completed (%d chunks, rtf %.3f)", sess.ID, summary.TotalChunks, summary.AverageRTF)
}

// finishSilently ends a request whose context was cancelled. A client cancel
// gets a terminal acknowledgment; a transport disconnect gets nothing and is
// never reported as a generation error.
func (o *Orchestrator) finishSilently(ctx context.Context, sess *session.Session, agg *Aggregator) {
	if ctx.Err() != nil {
		o.metrics.StreamRequests.WithLabelValues("disconnected").Inc()
		log.Printf("[%s] generation stopped: transport closed (%d chunks sent)", sess.ID, agg.ChunkCount())
		return
	}
	o.metrics.StreamRequests.WithLabelValues("cancelled").Inc()
	summary := agg.Summary()
	o.send(ctx, sess, protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Code:  protocol.CodeCancelled,
		Error: fmt.Sprintf("generation cancelled after %d chunks", summary.TotalChunks),
	})
	log.Printf("[%s] generation cancelled (%d chunks sent)", sess.ID, summary.TotalChunks)
}

func (o *Orchestrator) finishWithError(ctx context.Context, sess *session.Session, agg *Aggregator, code, detail string) {
	o.metrics.StreamRequests.WithLabelValues("failed").Inc()
	o.metrics.GenerationErrors.WithLabelValues(code).Inc()
	o.send(ctx, sess, protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Code:  code,
		Error: detail,
	})
	log.Printf("[%s] generation failed: %s (%d chunks sent)", sess.ID, detail, agg.ChunkCount())
}

func (o *Orchestrator) reject(ctx context.Context, sess *session.Session, code, detail string) {
	o.metrics.StreamRequests.WithLabelValues("rejected").Inc()
	o.metrics.GenerationErrors.WithLabelValues(code).Inc()
	o.send(ctx, sess, protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Code:  code,
		Error: detail,
	})
}

// send queues one message on the session's bounded outbound channel. It
// suspends when the transport is slower than generation and gives up only
// when the given context ends.
func (o *Orchestrator) send(ctx context.Context, sess *session.Session, msg any) bool {
	select {
	case sess.Outbound() <- msg:
		sess.Touch()
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) awaitGeneration(done chan struct{}) {
	if done == nil {
		return
	}
	<-done
}
