package protocol

import (
	"strings"
	"testing"
)

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Type != TypePing {
		t.Fatalf("Type = %q, want %q", msg.Type, TypePing)
	}
}

func TestParseClientMessageStreamRequest(t *testing.T) {
	raw := `{"type":"stream_request","data":{"input":"Hello world","chunk_size":25,"context_window":50,"fade_duration_ms":20}}`
	msg, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.Data == nil {
		t.Fatalf("Data should not be nil")
	}
	if msg.Data.Input != "Hello world" {
		t.Fatalf("Input = %q", msg.Data.Input)
	}
	if *msg.Data.ChunkSize != 25 || *msg.Data.ContextWindow != 50 || *msg.Data.FadeDurationMS != 20 {
		t.Fatalf("unexpected framing params: %+v", msg.Data)
	}
}

func TestParseClientMessageMissingData(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"stream_request"}`))
	if err == nil {
		t.Fatalf("expected error for stream_request without data")
	}
}

func TestParseClientMessageUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"subscribe"}`))
	if err != ErrUnsupportedType {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageInvalidJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestValidateRejectsEmptyInput(t *testing.T) {
	req := StreamRequest{Input: "   "}
	if err := req.Validate(); err == nil {
		t.Fatalf("expected error for blank input")
	}
}

func TestValidateRejectsOversizedInput(t *testing.T) {
	req := StreamRequest{Input: strings.Repeat("a", MaxInputLength+1)}
	if err := req.Validate(); err == nil {
		t.Fatalf("expected error for oversized input")
	}
}

func TestValidateRejectsOutOfBoundFields(t *testing.T) {
	cases := []StreamRequest{
		{Input: "hi", Exaggeration: f(3.0)},
		{Input: "hi", CFGWeight: f(1.5)},
		{Input: "hi", Temperature: f(0.0)},
		{Input: "hi", ChunkSize: i(5)},
		{Input: "hi", ContextWindow: i(500)},
		{Input: "hi", FadeDurationMS: i(150)},
		{Input: "hi", TopP: f(-0.1)},
		{Input: "hi", MaxNewTokens: i(50)},
		{Input: "hi", AlignmentWindowSize: i(5)},
		{Input: "hi", OutputFormat: "mp3"},
	}
	for idx, req := range cases {
		if err := req.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", idx)
		}
	}
}

func TestValidateAcceptsBoundaryValues(t *testing.T) {
	req := StreamRequest{
		Input:          "hi",
		Exaggeration:   f(0.25),
		CFGWeight:      f(0.0),
		Temperature:    f(5.0),
		ChunkSize:      i(100),
		ContextWindow:  i(0),
		FadeDurationMS: i(0),
		OutputFormat:   "encoded",
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestEffectiveAppliesDefaults(t *testing.T) {
	req := StreamRequest{Input: "hi"}
	eff := req.Effective()
	if eff.Exaggeration != 0.5 || eff.CFGWeight != 0.5 || eff.Temperature != 0.8 {
		t.Fatalf("unexpected tuning defaults: %+v", eff)
	}
	if eff.ChunkSize != 25 || eff.ContextWindow != 50 || eff.FadeDurationMS != 20 {
		t.Fatalf("unexpected framing defaults: %+v", eff)
	}
	if eff.OutputFormat != FormatRaw || !eff.IncludeMetrics {
		t.Fatalf("unexpected output defaults: %+v", eff)
	}
}

func TestIgnoredFieldsListsInertParameters(t *testing.T) {
	req := StreamRequest{
		Input:        "hi",
		TopP:         f(0.95),
		MaxNewTokens: i(4096),
	}
	got := req.IgnoredFields()
	if len(got) != 2 {
		t.Fatalf("IgnoredFields() = %v, want 2 entries", got)
	}
	if got[0] != "top_p" || got[1] != "max_new_tokens" {
		t.Fatalf("IgnoredFields() = %v", got)
	}

	none := StreamRequest{Input: "hi"}
	if fields := none.IgnoredFields(); len(fields) != 0 {
		t.Fatalf("IgnoredFields() = %v, want empty", fields)
	}
}

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }
