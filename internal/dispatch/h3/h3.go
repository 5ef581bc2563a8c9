// Package h3 implements the HTTP/3 dispatcher: a single bidirectional
// request stream carries an RFC 6455 WebSocket session after upgrade,
// per RFC 9220's WebSocket-over-HTTP/3 mapping.
package h3

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"wsquic/internal/broadcast"
	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/session"
	"wsquic/internal/wire/message"
	"wsquic/internal/wire/wsframe"
)

const readChunkSize = 4096

// Dispatcher is an http.Handler that upgrades eligible requests to
// WebSocket-over-HTTP/3 sessions and runs their frame loop.
type Dispatcher struct {
	registry   *session.Registry
	bus        *broadcast.Bus
	serverName string
	log        *logging.Logger
	metrics    *metrics.Metrics
}

// New builds an HTTP/3 dispatcher.
func New(registry *session.Registry, bus *broadcast.Bus, serverName string, log *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, bus: bus, serverName: serverName, log: log, metrics: m}
}

// ServeHTTP serves the status page for ordinary requests, or performs the
// WebSocket upgrade and runs the session's frame loop for upgrade requests.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("recovered from panic serving request", "panic", rec)
		}
	}()

	if !wsframe.IsUpgradeRequest(r.Header) {
		d.serveStatusPage(w)
		return
	}

	acceptKey := wsframe.AcceptKey(r.Header.Get("Sec-WebSocket-Key"))
	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", acceptKey)
	w.WriteHeader(http.StatusSwitchingProtocols)
	flush(w)

	sender := newWSSender(w, r.Context())

	id := uuid.New()
	sess, err := d.registry.Admit(id, "http3", sender)
	if err != nil {
		sender.sendRaw(&wsframe.Frame{
			Fin:     true,
			Opcode:  wsframe.OpClose,
			Payload: wsframe.EncodeCloseBody(wsframe.CloseServerFull, "Server full"),
		})
		d.metrics.SessionsRejected.WithLabelValues("server_full").Inc()
		return
	}
	d.metrics.SessionsAdmitted.Inc()
	d.metrics.ActiveSessions.Inc()
	defer func() {
		d.registry.Evict(id)
		d.metrics.ActiveSessions.Dec()
		d.metrics.SessionsEvicted.WithLabelValues("connection_closed").Inc()
	}()
	d.registry.SetState(id, session.Connected)

	welcome := message.New(message.TypeText)
	welcome.Content = fmt.Sprintf("Welcome to %s (HTTP/3 WebSocket)!", d.serverName)
	if err := sender.Send(welcome); err != nil {
		d.log.Warn("failed to send welcome frame", "error", err.Error())
	}

	d.runFrameLoop(sess, sender, r.Body)
}

func (d *Dispatcher) serveStatusPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<html><body><h1>%s</h1><p>WebSocket-over-HTTP/3 endpoint. Send an upgrade request to connect.</p></body></html>", d.serverName)
}

// runFrameLoop reads from body into a rolling buffer and repeatedly parses
// and dispatches complete frames, maintaining RFC 6455 ordering since a
// single stream is read strictly in sequence.
func (d *Dispatcher) runFrameLoop(sess *session.Session, sender *wsSender, body io.Reader) {
	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			var done bool
			buf, done = d.drainFrames(sess, sender, buf)
			if done {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) drainFrames(sess *session.Session, sender *wsSender, buf []byte) ([]byte, bool) {
	for {
		frame, consumed, err := wsframe.Parse(buf, message.MaxFrameSize)
		if err == wsframe.ErrNeedMoreData {
			return buf, false
		}
		if err != nil {
			d.log.Warn("closing session after malformed websocket frame", "session_id", sess.ID.String(), "error", err.Error())
			sender.sendRaw(&wsframe.Frame{
				Fin:     true,
				Opcode:  wsframe.OpClose,
				Payload: wsframe.EncodeCloseBody(wsframe.CloseProtocolError, "Protocol error"),
			})
			return buf, true
		}
		buf = buf[consumed:]

		d.registry.Touch(sess.ID)
		start := time.Now()
		done := d.dispatchFrame(sess, sender, frame)
		d.metrics.RecordDispatch(opcodeLabel(frame.Opcode), "http3", time.Since(start))
		if done {
			return buf, true
		}
	}
}

func (d *Dispatcher) dispatchFrame(sess *session.Session, sender *wsSender, frame *wsframe.Frame) (done bool) {
	switch frame.Opcode {
	case wsframe.OpText:
		sender.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpText, Payload: frame.Payload})

		bf := message.New(message.TypeBroadcast)
		bf.From = sess.ID
		bf.Content = string(frame.Payload)
		bf.Timestamp = uint64(time.Now().Unix())
		d.bus.Publish(bf)
		return false

	case wsframe.OpBinary:
		sender.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpBinary, Payload: frame.Payload})
		return false

	case wsframe.OpClose:
		sender.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpClose})
		d.registry.SetState(sess.ID, session.Closing)
		return true

	case wsframe.OpPing:
		sender.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpPong, Payload: frame.Payload})
		return false

	case wsframe.OpPong:
		d.log.Debug("received pong", "session_id", sess.ID.String())
		return false

	default:
		d.log.Warn("unhandled websocket opcode", "session_id", sess.ID.String(), "opcode", frame.Opcode)
		return false
	}
}

func opcodeLabel(op wsframe.Opcode) string {
	switch op {
	case wsframe.OpText:
		return "text"
	case wsframe.OpBinary:
		return "binary"
	case wsframe.OpClose:
		return "close"
	case wsframe.OpPing:
		return "ping"
	case wsframe.OpPong:
		return "pong"
	default:
		return "continuation"
	}
}

func flush(w http.ResponseWriter) {
	http.NewResponseController(w).Flush()
}

// wsSender adapts an HTTP/3 response stream to session.Sender, serializing
// writes under a mutex since push engines and the frame loop's own replies
// can both write concurrently. Server-originated frames are always sent
// unmasked, per the dispatcher's framing rules.
type wsSender struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	ctx interface{ Err() error }
}

func newWSSender(w http.ResponseWriter, ctx interface{ Err() error }) *wsSender {
	return &wsSender{w: w, ctx: ctx}
}

func (s *wsSender) sendRaw(f *wsframe.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(wsframe.Encode(f)); err != nil {
		return fmt.Errorf("h3: writing frame: %w", err)
	}
	flush(s.w)
	return nil
}

// Send translates a MessageFrame emitted by the registry, broadcast bus, or
// a push engine into the RFC 6455 opcode that best represents it.
func (s *wsSender) Send(f *message.MessageFrame) error {
	switch f.Type {
	case message.TypeText, message.TypeBroadcast, message.TypeDirectMessage, message.TypeServerPush:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpText, Payload: []byte(f.Content)})
	case message.TypeBinary:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpBinary, Payload: f.Data})
	case message.TypePing:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpPing, Payload: timestampBytes(f.Timestamp)})
	case message.TypePong:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpPong, Payload: timestampBytes(f.Timestamp)})
	case message.TypeClose:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpClose, Payload: wsframe.EncodeCloseBody(f.Code, f.Reason)})
	case message.TypeError:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpText, Payload: []byte(f.Message)})
	default:
		return s.sendRaw(&wsframe.Frame{Fin: true, Opcode: wsframe.OpText, Payload: []byte(f.Content)})
	}
}

// Alive reports whether the underlying request's context is still active.
func (s *wsSender) Alive() bool {
	return s.ctx.Err() == nil
}

func timestampBytes(ts uint64) []byte {
	return []byte(fmt.Sprintf("%d", ts))
}
