package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// ExecConfig configures the subprocess-backed engine. The worker command is
// started once per generation; it reads one JSON request line on stdin and
// writes one JSON line per fragment on stdout.
type ExecConfig struct {
	Command         string
	SampleRate      int
	SamplesPerToken int
}

// Exec drives an external synthesis worker process. Each Generate call owns
// its own worker, so concurrent generations only contend on whatever
// serialization the worker binary itself imposes.
type Exec struct {
	bin  string
	args []string
	info Info
}

type execRequest struct {
	Text          string  `json:"text"`
	VoicePath     string  `json:"voice_path"`
	Exaggeration  float64 `json:"exaggeration"`
	CFGWeight     float64 `json:"cfg_weight"`
	Temperature   float64 `json:"temperature"`
	ChunkSize     int     `json:"chunk_size"`
	ContextWindow int     `json:"context_window"`
	FadeDuration  float64 `json:"fade_duration"`
	PrintMetrics  bool    `json:"print_metrics"`
}

type execFragment struct {
	PCM16Base64    string  `json:"pcm16_base64"`
	Tokens         int     `json:"tokens"`
	GenerationTime float64 `json:"generation_time"`
	Final          bool    `json:"final"`
	Error          string  `json:"error,omitempty"`
}

func NewExec(cfg ExecConfig) (*Exec, error) {
	fields := strings.Fields(cfg.Command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("engine worker command is empty")
	}
	bin, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, fmt.Errorf("engine worker not found: %w", err)
	}
	if cfg.SampleRate <= 0 || cfg.SamplesPerToken <= 0 {
		return nil, fmt.Errorf("engine sample rate and samples-per-token must be positive")
	}
	return &Exec{
		bin:  bin,
		args: fields[1:],
		info: Info{SampleRate: cfg.SampleRate, SamplesPerToken: cfg.SamplesPerToken},
	}, nil
}

func (e *Exec) Info() Info { return e.info }

func (e *Exec) Generate(ctx context.Context, params Params) (Stream, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, e.bin, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start engine worker: %w", err)
	}

	req := execRequest{
		Text:          params.Text,
		VoicePath:     params.VoicePath,
		Exaggeration:  params.Exaggeration,
		CFGWeight:     params.CFGWeight,
		Temperature:   params.Temperature,
		ChunkSize:     params.ChunkSize,
		ContextWindow: params.ContextWindow,
		FadeDuration:  params.FadeDuration,
		PrintMetrics:  params.PrintMetrics,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, err
	}

	st := &execStream{
		results: make(chan Result),
		quit:    make(chan struct{}),
		cancel:  cancel,
	}
	go st.run(cmd, stdin, stdout, payload)
	return st, nil
}

type execStream struct {
	results  chan Result
	quit     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (s *execStream) Fragments() <-chan Result { return s.results }

func (s *execStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

func (s *execStream) run(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, payload []byte) {
	defer close(s.results)
	defer func() { _ = cmd.Wait() }()
	defer s.cancel()

	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		s.emitErr(fmt.Errorf("write engine request: %w", err))
		return
	}
	_ = stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	seq := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frag execFragment
		if err := json.Unmarshal(line, &frag); err != nil {
			s.emitErr(fmt.Errorf("decode engine fragment: %w", err))
			return
		}
		if frag.Error != "" {
			s.emitErr(fmt.Errorf("engine worker: %s", frag.Error))
			return
		}

		samples, err := decodePCM16(frag.PCM16Base64)
		if err != nil {
			s.emitErr(fmt.Errorf("decode fragment pcm: %w", err))
			return
		}
		res := Result{
			Fragment: Fragment{Seq: seq, Samples: samples, Final: frag.Final},
			Metrics:  Metrics{GenerationTime: frag.GenerationTime, Tokens: frag.Tokens},
		}
		if !s.emit(res) {
			return
		}
		seq++
		if frag.Final {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.emitErr(fmt.Errorf("read engine output: %w", err))
	}
}

func (s *execStream) emit(res Result) bool {
	select {
	case s.results <- res:
		return true
	case <-s.quit:
		return false
	}
}

func (s *execStream) emitErr(err error) {
	s.emit(Result{Err: err})
}

func decodePCM16(b64 string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("pcm payload has odd length %d", len(raw))
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}
