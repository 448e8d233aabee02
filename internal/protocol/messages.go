package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound (client -> server).
	TypeStreamRequest MessageType = "stream_request"
	TypePing          MessageType = "ping"
	TypeCancel        MessageType = "cancel"

	// Outbound (server -> client).
	TypeConnected MessageType = "connected"
	TypeInfo      MessageType = "info"
	TypeAudio     MessageType = "audio"
	TypeMetrics   MessageType = "metrics"
	TypeDone      MessageType = "done"
	TypeError     MessageType = "error"
	TypePong      MessageType = "pong"
)

// Error codes carried on outbound error messages.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeValidationFailed = "validation_failed"
	CodeEngineNotReady   = "engine_not_ready"
	CodeEngineSaturated  = "engine_saturated"
	CodeVoiceNotFound    = "voice_not_found"
	CodeBusy             = "busy"
	CodeGenerationFailed = "generation_failed"
	CodeCancelled        = "cancelled"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Inbound is a parsed client message.
type Inbound struct {
	Type MessageType    `json:"type"`
	Data *StreamRequest `json:"data,omitempty"`
}

// ParseClientMessage decodes and shape-checks one inbound websocket message.
func ParseClientMessage(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing, TypeCancel:
		return Inbound{Type: env.Type}, nil
	case TypeStreamRequest:
		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Inbound{}, err
		}
		if msg.Data == nil {
			return Inbound{}, errors.New("missing 'data' field in stream_request message")
		}
		return msg, nil
	default:
		return Inbound{}, ErrUnsupportedType
	}
}

// Connected confirms a new connection and reports its id.
type Connected struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connection_id"`
	Message      string      `json:"message,omitempty"`
}

// Info reports request admission along with the effective parameter set.
// IgnoredParameters names request fields that were accepted but have no
// effect on the engine call.
type Info struct {
	Type              MessageType      `json:"type"`
	Message           string           `json:"message"`
	TextLength        int              `json:"text_length,omitempty"`
	Voice             string           `json:"voice,omitempty"`
	Parameters        *EffectiveParams `json:"parameters,omitempty"`
	IgnoredParameters []string         `json:"ignored_parameters,omitempty"`
}

// AudioChunk carries one fragment's bytes in encoded output mode.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
}

// MetricsData is the per-fragment telemetry snapshot sent after each frame.
type MetricsData struct {
	Chunk               int     `json:"chunk"`
	LatencyToFirstChunk float64 `json:"latency_to_first_chunk"`
	ElapsedTime         float64 `json:"elapsed_time"`
	AudioDuration       float64 `json:"audio_duration"`
	RTF                 float64 `json:"rtf"`
	ChunkSizeBytes      int     `json:"chunk_size_bytes"`
	SampleRate          int     `json:"sample_rate"`
}

type Metrics struct {
	Type MessageType `json:"type"`
	Data MetricsData `json:"data"`
}

// Summary is the terminal telemetry for one request.
type Summary struct {
	TotalChunks  int     `json:"total_chunks"`
	AverageRTF   float64 `json:"average_rtf"`
	TotalElapsed float64 `json:"total_elapsed"`
}

type Done struct {
	Type        MessageType `json:"type"`
	TotalChunks int         `json:"total_chunks"`
	Message     string      `json:"message,omitempty"`
	Summary     Summary     `json:"summary"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Code  string      `json:"code"`
	Error string      `json:"error"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// BinaryFrame marks raw audio bytes on a session's outbound channel so the
// transport writer can frame them as a websocket binary message.
type BinaryFrame []byte

// OutputFormat selects how audio bytes reach the client.
const (
	FormatRaw     = "raw"
	FormatEncoded = "encoded"
)

// StreamRequest is one client-submitted generation request. Optional numeric
// fields use pointers so absent and zero can be told apart; defaults are
// applied by Effective.
type StreamRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice,omitempty"`

	Exaggeration *float64 `json:"exaggeration,omitempty"`
	CFGWeight    *float64 `json:"cfg_weight,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`

	// Accepted for wire compatibility, never threaded into the engine call.
	TopP                      *float64 `json:"top_p,omitempty"`
	MaxNewTokens              *int     `json:"max_new_tokens,omitempty"`
	MinNewTokens              *int     `json:"min_new_tokens,omitempty"`
	EnableAlignmentMonitoring *bool    `json:"enable_alignment_monitoring,omitempty"`
	AlignmentWindowSize       *int     `json:"alignment_window_size,omitempty"`
	AlignmentThreshold        *float64 `json:"alignment_threshold,omitempty"`

	ChunkSize      *int `json:"chunk_size,omitempty"`
	ContextWindow  *int `json:"context_window,omitempty"`
	FadeDurationMS *int `json:"fade_duration_ms,omitempty"`

	OutputFormat   string `json:"output_format,omitempty"`
	IncludeMetrics *bool  `json:"include_metrics,omitempty"`
	PrintMetrics   bool   `json:"print_metrics,omitempty"`
}

// EffectiveParams is the defaulted, validated parameter set actually used for
// one generation.
type EffectiveParams struct {
	Exaggeration   float64 `json:"exaggeration"`
	CFGWeight      float64 `json:"cfg_weight"`
	Temperature    float64 `json:"temperature"`
	ChunkSize      int     `json:"chunk_size"`
	ContextWindow  int     `json:"context_window"`
	FadeDurationMS int     `json:"fade_duration_ms"`
	OutputFormat   string  `json:"output_format"`
	IncludeMetrics bool    `json:"include_metrics"`
}

const MaxInputLength = 3000

// Validate checks every documented bound. It fails fast: no generation work
// may start after a validation error.
func (r *StreamRequest) Validate() error {
	input := strings.TrimSpace(r.Input)
	if input == "" {
		return errors.New("input text cannot be empty")
	}
	if len(input) > MaxInputLength {
		return fmt.Errorf("input exceeds %d characters", MaxInputLength)
	}

	if err := boundF(r.Exaggeration, "exaggeration", 0.25, 2.0); err != nil {
		return err
	}
	if err := boundF(r.CFGWeight, "cfg_weight", 0.0, 1.0); err != nil {
		return err
	}
	if err := boundF(r.Temperature, "temperature", 0.05, 5.0); err != nil {
		return err
	}
	if err := boundF(r.TopP, "top_p", 0.0, 1.0); err != nil {
		return err
	}
	if err := boundI(r.MaxNewTokens, "max_new_tokens", 100, 10000); err != nil {
		return err
	}
	if err := boundI(r.MinNewTokens, "min_new_tokens", 0, 1000); err != nil {
		return err
	}
	if err := boundI(r.AlignmentWindowSize, "alignment_window_size", 10, 200); err != nil {
		return err
	}
	if err := boundF(r.AlignmentThreshold, "alignment_threshold", 0.0, 1.0); err != nil {
		return err
	}
	if err := boundI(r.ChunkSize, "chunk_size", 10, 100); err != nil {
		return err
	}
	if err := boundI(r.ContextWindow, "context_window", 0, 200); err != nil {
		return err
	}
	if err := boundI(r.FadeDurationMS, "fade_duration_ms", 0, 100); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(r.OutputFormat)) {
	case "", FormatRaw, FormatEncoded:
	default:
		return fmt.Errorf("output_format must be one of: %s, %s", FormatRaw, FormatEncoded)
	}
	return nil
}

// Effective applies defaults to a validated request.
func (r *StreamRequest) Effective() EffectiveParams {
	format := strings.ToLower(strings.TrimSpace(r.OutputFormat))
	if format == "" {
		format = FormatRaw
	}
	return EffectiveParams{
		Exaggeration:   valF(r.Exaggeration, 0.5),
		CFGWeight:      valF(r.CFGWeight, 0.5),
		Temperature:    valF(r.Temperature, 0.8),
		ChunkSize:      valI(r.ChunkSize, 25),
		ContextWindow:  valI(r.ContextWindow, 50),
		FadeDurationMS: valI(r.FadeDurationMS, 20),
		OutputFormat:   format,
		IncludeMetrics: valB(r.IncludeMetrics, true),
	}
}

// IgnoredFields names the accepted-but-inert parameters present on this
// request, so clients can detect silent no-ops.
func (r *StreamRequest) IgnoredFields() []string {
	var out []string
	if r.TopP != nil {
		out = append(out, "top_p")
	}
	if r.MaxNewTokens != nil {
		out = append(out, "max_new_tokens")
	}
	if r.MinNewTokens != nil {
		out = append(out, "min_new_tokens")
	}
	if r.EnableAlignmentMonitoring != nil {
		out = append(out, "enable_alignment_monitoring")
	}
	if r.AlignmentWindowSize != nil {
		out = append(out, "alignment_window_size")
	}
	if r.AlignmentThreshold != nil {
		out = append(out, "alignment_threshold")
	}
	return out
}

func boundF(v *float64, name string, min, max float64) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return fmt.Errorf("%s must be between %g and %g", name, min, max)
	}
	return nil
}

func boundI(v *int, name string, min, max int) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return nil
}

func valF(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func valI(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func valB(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
