package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/ttsgate/internal/audio"
	"github.com/ent0n29/ttsgate/internal/engine"
	"github.com/ent0n29/ttsgate/internal/observability"
	"github.com/ent0n29/ttsgate/internal/protocol"
	"github.com/ent0n29/ttsgate/internal/session"
	"github.com/ent0n29/ttsgate/internal/voices"
)

func testMetrics() *observability.Metrics {
	// Unique namespace per call so repeated registrations in one test
	// binary do not collide in the default prometheus registry.
	return observability.NewMetrics(fmt.Sprintf("ttsgate_test_%d", time.Now().UnixNano()))
}

func testVoices() *voices.InMemoryStore {
	store := voices.NewInMemoryStore("emily")
	store.Add(voices.Voice{ID: "emily", Name: "emily", SamplePath: "/tmp/emily.wav"})
	return store
}

type connHarness struct {
	sess    *session.Session
	inbound chan protocol.Inbound
	runDone chan struct{}
	runErr  error
	cancel  context.CancelFunc
}

func startConnection(t *testing.T, orc *Orchestrator) *connHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &connHarness{
		sess:    session.New("test-conn", 64),
		inbound: make(chan protocol.Inbound, 8),
		runDone: make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		h.runErr = orc.RunConnection(ctx, h.sess, h.inbound)
		close(h.runDone)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runDone:
		case <-time.After(2 * time.Second):
			t.Errorf("RunConnection did not return on teardown")
		}
	})
	return h
}

func (h *connHarness) next(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-h.sess.Outbound():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (h *connHarness) expectConnected(t *testing.T) {
	t.Helper()
	msg, ok := h.next(t).(protocol.Connected)
	if !ok || msg.ConnectionID != h.sess.ID {
		t.Fatalf("expected connected for %q, got %#v", h.sess.ID, msg)
	}
}

func (h *connHarness) expectError(t *testing.T, code string) protocol.ErrorMessage {
	t.Helper()
	msg := h.next(t)
	errMsg, ok := msg.(protocol.ErrorMessage)
	if !ok {
		t.Fatalf("expected error message, got %#v", msg)
	}
	if errMsg.Code != code {
		t.Fatalf("error code = %q, want %q (detail: %s)", errMsg.Code, code, errMsg.Error)
	}
	return errMsg
}

func newTestStub() *engine.Stub {
	return engine.NewStub(engine.Info{SampleRate: 24000, SamplesPerToken: 10})
}

func newTestOrchestrator(stub *engine.Stub, maxGen int) *Orchestrator {
	readiness := engine.NewReadiness()
	readiness.SetReady()
	return NewOrchestrator(stub, readiness, testVoices(), testMetrics(), maxGen)
}

// fourChunkRequest produces exactly four fragments with the stub's two
// tokens per character: 20 chars * 2 = 40 tokens at chunk_size 10.
func fourChunkRequest() *protocol.StreamRequest {
	chunk := 10
	window := 2
	fade := 0
	return &protocol.StreamRequest{
		Input:          "abcdefghijklmnopqrst",
		ChunkSize:      &chunk,
		ContextWindow:  &window,
		FadeDurationMS: &fade,
	}
}

func TestRunConnectionStreamsRawAudio(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}

	info, ok := h.next(t).(protocol.Info)
	if !ok {
		t.Fatalf("expected info after admission")
	}
	if info.Voice != "emily" {
		t.Fatalf("info voice = %q, want emily", info.Voice)
	}
	if info.Parameters == nil || info.Parameters.ChunkSize != 10 {
		t.Fatalf("info parameters missing or wrong: %#v", info.Parameters)
	}
	if len(info.IgnoredParameters) != 0 {
		t.Fatalf("unexpected ignored parameters: %v", info.IgnoredParameters)
	}

	header, ok := h.next(t).(protocol.BinaryFrame)
	if !ok || len(header) != audio.HeaderSize {
		t.Fatalf("expected %d-byte stream header first, got %#v", audio.HeaderSize, header)
	}

	// Four fragments of 10 tokens * 10 samples, overlap trimmed: 200 bytes each.
	for chunk := 1; chunk <= 4; chunk++ {
		frame, ok := h.next(t).(protocol.BinaryFrame)
		if !ok {
			t.Fatalf("chunk %d: expected binary frame", chunk)
		}
		if len(frame) != 200 {
			t.Fatalf("chunk %d: frame size = %d, want 200", chunk, len(frame))
		}

		metrics, ok := h.next(t).(protocol.Metrics)
		if !ok {
			t.Fatalf("chunk %d: expected metrics after frame", chunk)
		}
		if metrics.Data.Chunk != chunk {
			t.Fatalf("metrics chunk = %d, want %d", metrics.Data.Chunk, chunk)
		}
		if metrics.Data.ChunkSizeBytes != 200 {
			t.Fatalf("metrics chunk_size_bytes = %d, want 200", metrics.Data.ChunkSizeBytes)
		}
		if metrics.Data.SampleRate != 24000 {
			t.Fatalf("metrics sample_rate = %d, want 24000", metrics.Data.SampleRate)
		}
	}

	done, ok := h.next(t).(protocol.Done)
	if !ok {
		t.Fatalf("expected done as terminal message")
	}
	if done.TotalChunks != 4 || done.Summary.TotalChunks != 4 {
		t.Fatalf("done total_chunks = %d/%d, want 4", done.TotalChunks, done.Summary.TotalChunks)
	}
	if done.Summary.AverageRTF <= 0 {
		t.Fatalf("done summary rtf = %v, want > 0", done.Summary.AverageRTF)
	}

	close(h.inbound)
	select {
	case <-h.runDone:
		if h.runErr != nil {
			t.Fatalf("RunConnection returned error: %v", h.runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after inbound close")
	}
}

func TestRunConnectionEncodedOutput(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	req := fourChunkRequest()
	req.OutputFormat = protocol.FormatEncoded
	noMetrics := false
	req.IncludeMetrics = &noMetrics
	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: req}

	if _, ok := h.next(t).(protocol.Info); !ok {
		t.Fatalf("expected info after admission")
	}

	// Encoded mode carries no streaming header and, here, no metrics.
	for seq := 0; seq < 4; seq++ {
		chunk, ok := h.next(t).(protocol.AudioChunk)
		if !ok {
			t.Fatalf("seq %d: expected audio chunk", seq)
		}
		if chunk.Seq != seq {
			t.Fatalf("chunk seq = %d, want %d", chunk.Seq, seq)
		}
		pcm, err := base64.StdEncoding.DecodeString(chunk.AudioBase64)
		if err != nil {
			t.Fatalf("seq %d: bad base64: %v", seq, err)
		}
		if len(pcm) != 200 {
			t.Fatalf("seq %d: decoded size = %d, want 200", seq, len(pcm))
		}
	}

	if _, ok := h.next(t).(protocol.Done); !ok {
		t.Fatalf("expected done as terminal message")
	}
}

func TestRunConnectionPingAndIdleCancel(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypePing}
	if _, ok := h.next(t).(protocol.Pong); !ok {
		t.Fatalf("expected pong")
	}

	h.inbound <- protocol.Inbound{Type: protocol.TypeCancel}
	info, ok := h.next(t).(protocol.Info)
	if !ok {
		t.Fatalf("expected info for cancel with nothing active")
	}
	if info.Message == "" {
		t.Fatalf("cancel info carried no message")
	}
}

func TestRunConnectionRejectsInvalidRequest(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: &protocol.StreamRequest{Input: "   "}}
	h.expectError(t, protocol.CodeValidationFailed)

	if got := h.sess.State(); got != session.StateIdle {
		t.Fatalf("session state after rejection = %q, want idle", got)
	}

	// The connection stays usable after a rejected request.
	h.inbound <- protocol.Inbound{Type: protocol.TypePing}
	if _, ok := h.next(t).(protocol.Pong); !ok {
		t.Fatalf("expected pong after rejection")
	}
}

func TestRunConnectionRejectsMissingData(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest}
	h.expectError(t, protocol.CodeInvalidMessage)
}

func TestRunConnectionRejectsWhenEngineNotReady(t *testing.T) {
	readiness := engine.NewReadiness()
	readiness.SetInitializing()
	orc := NewOrchestrator(newTestStub(), readiness, testVoices(), testMetrics(), 2)

	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	h.expectError(t, protocol.CodeEngineNotReady)
}

func TestRunConnectionRejectsUnknownVoice(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	req := fourChunkRequest()
	req.Voice = "nobody"
	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: req}
	h.expectError(t, protocol.CodeVoiceNotFound)

	// The generation slot must be released on rejection: a valid request
	// afterwards runs to completion.
	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	for {
		msg := h.next(t)
		if _, ok := msg.(protocol.Done); ok {
			return
		}
		if errMsg, ok := msg.(protocol.ErrorMessage); ok {
			t.Fatalf("unexpected error after slot release: %s (%s)", errMsg.Error, errMsg.Code)
		}
	}
}

func TestRunConnectionBusyWhileStreaming(t *testing.T) {
	stub := newTestStub()
	stub.ChunkDelay = 300 * time.Millisecond
	orc := newTestOrchestrator(stub, 2)

	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	if _, ok := h.next(t).(protocol.Info); !ok {
		t.Fatalf("expected info for first request")
	}

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}

	// The rejection must arrive with code busy; frames from the in-flight
	// request may interleave around it.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.sess.Outbound():
			if errMsg, ok := msg.(protocol.ErrorMessage); ok {
				if errMsg.Code != protocol.CodeBusy {
					t.Fatalf("error code = %q, want busy", errMsg.Code)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no busy rejection for overlapping request")
		}
	}
}

func TestRunConnectionSaturationAcrossConnections(t *testing.T) {
	stub := newTestStub()
	stub.ChunkDelay = 300 * time.Millisecond
	orc := newTestOrchestrator(stub, 1)

	first := startConnection(t, orc)
	first.expectConnected(t)
	first.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	if _, ok := first.next(t).(protocol.Info); !ok {
		t.Fatalf("expected info for first connection")
	}

	second := startConnection(t, orc)
	second.expectConnected(t)
	second.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	second.expectError(t, protocol.CodeEngineSaturated)
}

func TestRunConnectionCancelMidStream(t *testing.T) {
	stub := newTestStub()
	stub.ChunkDelay = 100 * time.Millisecond
	orc := newTestOrchestrator(stub, 2)

	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	if _, ok := h.next(t).(protocol.Info); !ok {
		t.Fatalf("expected info")
	}

	// Wait for the first frame so the cancel lands mid-stream.
	deadline := time.After(2 * time.Second)
waitFrame:
	for {
		select {
		case msg := <-h.sess.Outbound():
			if frame, ok := msg.(protocol.BinaryFrame); ok && len(frame) > audio.HeaderSize {
				break waitFrame
			}
		case <-deadline:
			t.Fatalf("no audio frame before cancel")
		}
	}

	h.inbound <- protocol.Inbound{Type: protocol.TypeCancel}

	for {
		msg := h.next(t)
		switch m := msg.(type) {
		case protocol.ErrorMessage:
			if m.Code != protocol.CodeCancelled {
				t.Fatalf("terminal code = %q, want cancelled", m.Code)
			}
			return
		case protocol.Done:
			t.Fatalf("cancelled request finished with done")
		}
	}
}

func TestRunConnectionEngineFault(t *testing.T) {
	stub := newTestStub()
	stub.FailAfter = 1
	orc := newTestOrchestrator(stub, 2)

	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}

	for {
		msg := h.next(t)
		switch m := msg.(type) {
		case protocol.ErrorMessage:
			if m.Code != protocol.CodeGenerationFailed {
				t.Fatalf("terminal code = %q, want generation_failed", m.Code)
			}
			return
		case protocol.Done:
			t.Fatalf("faulting request finished with done")
		}
	}
}

func TestRunConnectionEmptyFragmentIsTerminalError(t *testing.T) {
	stub := newTestStub()
	stub.EmptyFragmentAt = 2
	orc := newTestOrchestrator(stub, 2)

	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}

	for {
		msg := h.next(t)
		switch m := msg.(type) {
		case protocol.ErrorMessage:
			if m.Code != protocol.CodeGenerationFailed {
				t.Fatalf("terminal code = %q, want generation_failed", m.Code)
			}
			return
		case protocol.Done:
			t.Fatalf("request with malformed fragment finished with done")
		}
	}
}

func TestRunConnectionDisconnectMidStream(t *testing.T) {
	stub := newTestStub()
	stub.ChunkDelay = 100 * time.Millisecond
	orc := newTestOrchestrator(stub, 2)

	h := startConnection(t, orc)
	h.expectConnected(t)

	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: fourChunkRequest()}
	if _, ok := h.next(t).(protocol.Info); !ok {
		t.Fatalf("expected info")
	}

	h.cancel()

	select {
	case <-h.runDone:
		if h.runErr != nil {
			t.Fatalf("RunConnection returned error on disconnect: %v", h.runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after transport cancel")
	}
}

func TestRunConnectionReportsIgnoredParameters(t *testing.T) {
	orc := newTestOrchestrator(newTestStub(), 2)
	h := startConnection(t, orc)
	h.expectConnected(t)

	req := fourChunkRequest()
	topP := 0.9
	maxTokens := 500
	req.TopP = &topP
	req.MaxNewTokens = &maxTokens
	h.inbound <- protocol.Inbound{Type: protocol.TypeStreamRequest, Data: req}

	info, ok := h.next(t).(protocol.Info)
	if !ok {
		t.Fatalf("expected info")
	}
	if len(info.IgnoredParameters) != 2 {
		t.Fatalf("ignored parameters = %v, want [top_p max_new_tokens]", info.IgnoredParameters)
	}
}
