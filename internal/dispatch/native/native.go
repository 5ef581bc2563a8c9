// Package native implements the native-mode dispatcher: one admitted
// session runs stream intake and a liveness probe concurrently over a
// single QUIC connection, per message handed off by a uni-stream.
package native

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"wsquic/internal/broadcast"
	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/session"
	"wsquic/internal/wire/message"
)

const protocolVersion = "1.0"

// LivenessInterval is how often the liveness probe checks the connection's
// close state.
const LivenessInterval = time.Second

// Dispatcher binds the registry and broadcast bus to accepted native-mode
// connections.
type Dispatcher struct {
	registry   *session.Registry
	bus        *broadcast.Bus
	serverName string
	log        *logging.Logger
	metrics    *metrics.Metrics
}

// New builds a native dispatcher.
func New(registry *session.Registry, bus *broadcast.Bus, serverName string, log *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, bus: bus, serverName: serverName, log: log, metrics: m}
}

// quicSender adapts a *quic.Conn to session.Sender: every Send opens a
// fresh uni-stream, matching the one-message-per-stream wire format.
type quicSender struct {
	conn *quic.Conn
}

func (s *quicSender) Send(f *message.MessageFrame) error {
	stream, err := s.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("native: opening uni-stream: %w", err)
	}
	defer stream.Close()
	return message.WriteFrame(stream, f)
}

func (s *quicSender) Alive() bool {
	return s.conn.Context().Err() == nil
}

// HandleConnection admits a session for conn and runs stream intake and the
// liveness probe until the connection closes, then evicts the session.
func (d *Dispatcher) HandleConnection(ctx context.Context, conn *quic.Conn) {
	defer d.recoverConnection(conn)

	id := uuid.New()
	sender := &quicSender{conn: conn}

	sess, err := d.registry.Admit(id, "native", sender)
	if err != nil {
		d.log.Info("connection rejected", "reason", err.Error())
		d.metrics.SessionsRejected.WithLabelValues("server_full").Inc()
		conn.CloseWithError(quic.ApplicationErrorCode(1008), "Server full")
		return
	}
	d.metrics.SessionsAdmitted.Inc()
	d.metrics.ActiveSessions.Inc()
	defer func() {
		d.registry.Evict(id)
		d.metrics.ActiveSessions.Dec()
		d.metrics.SessionsEvicted.WithLabelValues("connection_closed").Inc()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.runLivenessProbe(connCtx, conn, id)
	d.runStreamIntake(connCtx, conn, sess)
}

// recoverConnection stops a panic anywhere in a connection's goroutine tree
// from reaching the listener's accept loop; one malformed peer should never
// take down the endpoint.
func (d *Dispatcher) recoverConnection(conn *quic.Conn) {
	if r := recover(); r != nil {
		d.log.Error("recovered from panic in connection handler", "panic", r)
		conn.CloseWithError(quic.ApplicationErrorCode(message.ErrServerError), "internal error")
	}
}

func (d *Dispatcher) runLivenessProbe(ctx context.Context, conn *quic.Conn, id uuid.UUID) {
	defer d.recoverConnection(conn)

	ticker := time.NewTicker(LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.Context().Err() != nil {
				return
			}
		}
	}
}

func (d *Dispatcher) runStreamIntake(ctx context.Context, conn *quic.Conn, sess *session.Session) {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go d.handleStream(ctx, stream, sess)
	}
}

func (d *Dispatcher) handleStream(ctx context.Context, stream *quic.ReceiveStream, sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("recovered from panic handling stream", "panic", r, "session_id", sess.ID.String())
		}
	}()

	start := time.Now()

	frame, err := message.ReadFrame(stream)
	if err != nil {
		if errors.Is(err, message.ErrFrameTooLarge) {
			d.log.Warn("dropping oversize native frame")
			d.metrics.MessagesDropped.WithLabelValues("too_large").Inc()
		} else {
			d.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		}
		return
	}

	d.registry.Touch(sess.ID)
	d.dispatch(sess, frame)
	d.metrics.RecordDispatch(frame.Type.String(), "native", time.Since(start))
}

func (d *Dispatcher) dispatch(sess *session.Session, f *message.MessageFrame) {
	if sess.State() == session.Connecting {
		d.handleConnecting(sess, f)
		return
	}
	d.handleConnected(sess, f)
}

func (d *Dispatcher) handleConnecting(sess *session.Session, f *message.MessageFrame) {
	if f.Type != message.TypeHandshake {
		d.log.Info("ignoring non-handshake message before handshake", "session_id", sess.ID.String(), "message_type", f.Type.String())
		return
	}

	accepted := f.ProtocolVersion == protocolVersion
	resp := message.New(message.TypeHandshakeResponse)
	resp.ClientID = sess.ID
	resp.ServerName = d.serverName
	resp.Accepted = accepted
	if !accepted {
		resp.HasReason = true
		resp.Reason = fmt.Sprintf("Unsupported protocol version: %s. Expected: %s", f.ProtocolVersion, protocolVersion)
	}

	if err := d.registry.SendTo(sess.ID, resp); err != nil {
		d.log.Warn("failed to send handshake response", "error", err.Error())
	}

	if accepted {
		if f.HasClientName {
			d.registry.SetName(sess.ID, f.ClientName)
		}
		d.registry.SetState(sess.ID, session.Connected)
	} else {
		d.log.Warn("handshake rejected", "session_id", sess.ID.String(), "reason", resp.Reason)
	}
}

func (d *Dispatcher) handleConnected(sess *session.Session, f *message.MessageFrame) {
	switch f.Type {
	case message.TypeText:
		d.reply(sess, textFrame("Echo: "+f.Content))

	case message.TypeBinary:
		resp := message.New(message.TypeBinary)
		resp.Data = f.Data
		resp.Timestamp = now()
		d.reply(sess, resp)

	case message.TypeBroadcast:
		frame := message.New(message.TypeBroadcast)
		frame.From = sess.ID
		frame.Content = f.Content
		frame.Timestamp = now()

		sent, errs := d.registry.Broadcast(frame)
		for _, e := range errs {
			d.log.Warn("broadcast delivery failed", "error", e.Error())
		}
		d.bus.Publish(frame)

		d.reply(sess, textFrame(fmt.Sprintf("Broadcast sent to %d clients", sent)))

	case message.TypeDirectMessage:
		if _, ok := d.registry.Get(f.To); ok {
			dm := message.New(message.TypeDirectMessage)
			dm.From = sess.ID
			dm.To = f.To
			dm.Content = f.Content
			dm.Timestamp = now()
			if err := d.registry.SendTo(f.To, dm); err != nil {
				d.log.Warn("direct message delivery failed", "error", err.Error())
			}
			d.reply(sess, textFrame("Direct message sent"))
		} else {
			d.reply(sess, errorFrame(message.ErrClientNotFound, "Target client not found"))
		}

	case message.TypePing:
		resp := message.New(message.TypePong)
		resp.Timestamp = now()
		d.reply(sess, resp)

	case message.TypeListClients:
		resp := message.New(message.TypeClientList)
		resp.Clients = d.registry.AllInfo()
		d.reply(sess, resp)

	case message.TypeSubscribe:
		d.registry.Subscribe(sess.ID, f.Topics)
		d.reply(sess, textFrame("✅ Subscribed to topics: "+joinTopics(f.Topics)))
		for _, topic := range f.Topics {
			push := message.New(message.TypeServerPush)
			push.Topic = topic
			push.Content = fmt.Sprintf("Welcome to topic '%s'! You will receive real-time updates.", topic)
			push.Timestamp = now()
			d.reply(sess, push)
		}

	case message.TypeUnsubscribe:
		d.registry.Unsubscribe(sess.ID, f.Topics)
		d.reply(sess, textFrame("✅ Unsubscribed from topics: "+joinTopics(f.Topics)))

	case message.TypeClose:
		d.registry.SetState(sess.ID, session.Closing)
		d.registry.Evict(sess.ID)

	default:
		d.reply(sess, errorFrame(message.ErrInvalidMessage, "Unsupported message type"))
	}
}

func (d *Dispatcher) reply(sess *session.Session, f *message.MessageFrame) {
	if err := d.registry.SendTo(sess.ID, f); err != nil {
		d.log.Warn("failed to send reply", "session_id", sess.ID.String(), "error", err.Error())
	}
}

func textFrame(content string) *message.MessageFrame {
	f := message.New(message.TypeText)
	f.Content = content
	f.Timestamp = now()
	return f
}

func errorFrame(code uint16, msg string) *message.MessageFrame {
	f := message.New(message.TypeError)
	f.Code = code
	f.Message = msg
	return f
}

func joinTopics(topics []string) string {
	out := ""
	for i, t := range topics {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}

func now() uint64 {
	return uint64(time.Now().Unix())
}
