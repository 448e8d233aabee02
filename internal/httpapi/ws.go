package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/ttsgate/internal/protocol"
	"github.com/ent0n29/ttsgate/internal/session"
)

const (
	writeTimeout    = 10 * time.Second
	readIdleTimeout = 10 * time.Minute
	maxMessageBytes = 1 << 20
)

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := session.New(uuid.NewString(), s.cfg.OutboundQueueSize)
	sess.SetTransportCloser(func() { _ = conn.Close() })
	s.registry.Register(sess)
	s.metrics.ActiveConnections.Set(float64(s.registry.Count()))
	s.metrics.ConnectionEvents.WithLabelValues("connected").Inc()
	log.Printf("[%s] connection established (%d active)", sess.ID, s.registry.Count())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Inbound, 16)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound)
	}()

	// Single writer goroutine: all outbound traffic, binary and JSON, flows
	// through the session's bounded channel in order.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sess.Outbound():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				var err error
				switch m := msg.(type) {
				case protocol.BinaryFrame:
					err = conn.WriteMessage(websocket.BinaryMessage, m)
					s.metrics.WSMessages.WithLabelValues("outbound", "binary_frame").Inc()
				default:
					err = conn.WriteJSON(m)
					if t, ok := messageTypeOf(m); ok {
						s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
					}
				}
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errMsg := protocol.ErrorMessage{
				Type:  protocol.TypeError,
				Code:  protocol.CodeInvalidMessage,
				Error: err.Error(),
			}
			select {
			case sess.Outbound() <- errMsg:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(parsed.Type)).Inc()

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	// Transport-level disconnect: cancel any in-flight generation, tear the
	// session down, and unregister. Never surfaces as a generation error.
	cancel()
	sess.Close()
	close(inbound)
	<-runDone
	<-writerDone

	s.registry.Unregister(sess.ID)
	s.metrics.ActiveConnections.Set(float64(s.registry.Count()))
	s.metrics.ConnectionEvents.WithLabelValues("disconnected").Inc()
	log.Printf("[%s] connection closed (%d active)", sess.ID, s.registry.Count())
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Connected:
		return m.Type, true
	case protocol.Info:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.Metrics:
		return m.Type, true
	case protocol.Done:
		return m.Type, true
	case protocol.ErrorMessage:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	default:
		return "", false
	}
}
