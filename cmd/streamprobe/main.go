// Command streamprobe measures streaming latency against a running gateway:
// it opens a websocket, submits one stream request, and reports time to
// first audio frame, chunk count, and realtime factor.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/ttsgate/internal/audio"
	"github.com/ent0n29/ttsgate/internal/protocol"
)

type options struct {
	baseURL   string
	text      string
	voice     string
	chunkSize int
	timeout   time.Duration
	outPath   string
	verbose   bool
}

func main() {
	opts := parseFlags()

	wsURL, err := websocketURL(opts.baseURL)
	if err != nil {
		fatalf("invalid url: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	// First message is the connection confirmation.
	var connected protocol.Connected
	if err := readJSON(conn, opts.timeout, &connected); err != nil {
		fatalf("read connected: %v", err)
	}
	if opts.verbose {
		fmt.Printf("connected: %s\n", connected.ConnectionID)
	}

	req := map[string]any{
		"type": "stream_request",
		"data": map[string]any{
			"input":      opts.text,
			"voice":      opts.voice,
			"chunk_size": opts.chunkSize,
		},
	}
	sentAt := time.Now()
	if err := conn.WriteJSON(req); err != nil {
		fatalf("send request: %v", err)
	}

	var (
		pcm         bytes.Buffer
		firstFrame  time.Time
		frames      int
		sampleRate  = 24000
		finalRTF    float64
		totalChunks int
	)

recvLoop:
	for {
		_ = conn.SetReadDeadline(time.Now().Add(opts.timeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			fatalf("read: %v", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			if firstFrame.IsZero() {
				firstFrame = time.Now()
			}
			frames++
			// The first binary frame is the streaming WAV header.
			if frames == 1 && len(data) == audio.HeaderSize {
				continue
			}
			pcm.Write(data)

		case websocket.TextMessage:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fatalf("decode control message: %v", err)
			}
			switch env.Type {
			case protocol.TypeMetrics:
				var m protocol.Metrics
				if err := json.Unmarshal(data, &m); err == nil {
					sampleRate = m.Data.SampleRate
					finalRTF = m.Data.RTF
					if opts.verbose {
						fmt.Printf("chunk %d: rtf=%.3f audio=%.2fs\n", m.Data.Chunk, m.Data.RTF, m.Data.AudioDuration)
					}
				}
			case protocol.TypeDone:
				var done protocol.Done
				if err := json.Unmarshal(data, &done); err == nil {
					totalChunks = done.TotalChunks
				}
				break recvLoop
			case protocol.TypeError:
				var e protocol.ErrorMessage
				_ = json.Unmarshal(data, &e)
				fatalf("stream error [%s]: %s", e.Code, e.Error)
			}
		}
	}

	fmt.Printf("first frame latency: %s\n", firstFrame.Sub(sentAt).Round(time.Millisecond))
	fmt.Printf("chunks: %d, pcm bytes: %d, final rtf: %.3f\n", totalChunks, pcm.Len(), finalRTF)

	if opts.outPath != "" {
		wav := audio.EncodeWAVPCM16LE(pcm.Bytes(), sampleRate)
		if err := os.WriteFile(opts.outPath, wav, 0o644); err != nil {
			fatalf("write %s: %v", opts.outPath, err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", opts.outPath, len(wav))
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&opts.text, "text", "Hello from the stream probe.", "text to synthesize")
	flag.StringVar(&opts.voice, "voice", "", "voice reference (empty = library default)")
	flag.IntVar(&opts.chunkSize, "chunk-size", 25, "engine tokens per fragment")
	flag.DurationVar(&opts.timeout, "timeout", 60*time.Second, "per-read timeout")
	flag.StringVar(&opts.outPath, "out", "", "write received audio to this WAV file")
	flag.BoolVar(&opts.verbose, "v", false, "verbose output")
	flag.Parse()
	return opts
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/stream/ws"
	return u.String(), nil
}

func readJSON(conn *websocket.Conn, timeout time.Duration, out any) error {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	return conn.ReadJSON(out)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
