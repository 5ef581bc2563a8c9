// Package session implements the connection registry: session lifecycle,
// admission control, topic subscriptions, and the periodic reaper.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wsquic/internal/wire/message"
)

// State is a session's position in its lifecycle. State moves only in the
// partial order Connecting -> Connected -> Closing -> Closed; Closed is
// terminal.
type State int

const (
	Connecting State = iota
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// rank gives each state its position in the monotonic order so transitions
// can be checked cheaply.
func (s State) rank() int { return int(s) }

// Sender abstracts delivering a MessageFrame to a session's underlying
// connection, regardless of wire mode: native mode opens a fresh QUIC
// uni-stream per message, HTTP/3 mode writes RFC 6455 frames on the
// session's single bidirectional stream.
type Sender interface {
	Send(f *message.MessageFrame) error
	// Alive reports whether the underlying connection is still usable.
	// The reaper uses this to find and evict dead sessions between
	// liveness probes.
	Alive() bool
}

// Session is one connected client, tracked under the registry's lock.
type Session struct {
	ID   uuid.UUID
	Mode string // "native" or "http3"

	mu            sync.RWMutex
	name          string
	hasName       bool
	state         State
	connectedAt   uint64
	lastSeen      uint64
	messageCount  uint64
	subscriptions map[string]struct{}
	sender        Sender
}

func newSession(id uuid.UUID, mode string, sender Sender, now uint64) *Session {
	return &Session{
		ID:            id,
		Mode:          mode,
		state:         Connecting,
		connectedAt:   now,
		lastSeen:      now,
		subscriptions: make(map[string]struct{}),
		sender:        sender,
	}
}

// Info returns a snapshot suitable for ClientList responses.
func (s *Session) Info() message.ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return message.ClientInfo{
		ID:          s.ID,
		HasName:     s.hasName,
		Name:        s.name,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) touch(now uint64) {
	s.mu.Lock()
	s.lastSeen = now
	s.messageCount++
	s.mu.Unlock()
}

func (s *Session) subscribedTo(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[topic]
	return ok
}

// Registry tracks every connected session, keyed by ID, with admission
// control, lifecycle transitions, and topic subscriptions. Grounded on the
// original implementation's client manager, generalized to a 4-state
// lifecycle and to clear subscriptions on eviction.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	maxSize    int
	nowFunc    func() uint64
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithClock overrides the time source used for connectedAt/lastSeen
// timestamps; tests use this to avoid relying on wall-clock behavior.
func WithClock(now func() uint64) Option {
	return func(r *Registry) { r.nowFunc = now }
}

// NewRegistry creates an empty registry admitting at most maxSize sessions;
// a maxSize of zero or less admits sessions without limit.
func NewRegistry(maxSize int, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[uuid.UUID]*Session),
		maxSize:  maxSize,
		nowFunc:  func() uint64 { return uint64(time.Now().Unix()) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrServerFull is returned by Admit when the registry is at capacity.
var ErrServerFull = fmt.Errorf("session: server full")

// Admit registers a new session in the Connecting state. It returns
// ErrServerFull without registering anything if the registry is already at
// maxSize.
func (r *Registry) Admit(id uuid.UUID, mode string, sender Sender) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSize > 0 && len(r.sessions) >= r.maxSize {
		return nil, ErrServerFull
	}

	s := newSession(id, mode, sender, r.nowFunc())
	r.sessions[id] = s
	return s, nil
}

// Get returns the session for id, if any.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SetState transitions a session's state if the move is forward in the
// lifecycle order; backward or no-op transitions are ignored silently.
func (r *Registry) SetState(id uuid.UUID, state State) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if state.rank() > s.state.rank() {
		s.state = state
	}
	s.mu.Unlock()
}

// SetName assigns a display name to a session, used on handshake accept.
func (r *Registry) SetName(id uuid.UUID, name string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.name = name
	s.hasName = true
	s.mu.Unlock()
}

// Touch records that a session produced activity, used to bump last-seen
// and the message count on every inbound message.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.touch(r.nowFunc())
}

// Subscribe adds topics to a session's subscription set.
func (r *Registry) Subscribe(id uuid.UUID, topics []string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for _, t := range topics {
		s.subscriptions[t] = struct{}{}
	}
	s.mu.Unlock()
}

// Unsubscribe removes topics from a session's subscription set.
func (r *Registry) Unsubscribe(id uuid.UUID, topics []string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for _, t := range topics {
		delete(s.subscriptions, t)
	}
	s.mu.Unlock()
}

// Evict removes a session from the registry, clearing its subscriptions so
// a dropped session never receives stale topic fan-out. Returns the
// removed session, if any.
func (r *Registry) Evict(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.state = Closed
		s.subscriptions = make(map[string]struct{})
		s.mu.Unlock()
	}
	return s, ok
}

// SendTo delivers frame to the session with id if it is Connected. A
// HandshakeResponse is also delivered while the session is still
// Connecting, since it answers the handshake. A missing session, or one
// that is not ready for the frame, is logged by the caller and otherwise
// ignored: it is not an error for a target to have disappeared.
func (r *Registry) SendTo(id uuid.UUID, f *message.MessageFrame) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	state := s.State()
	if state != Connected && !(state == Connecting && f.Type == message.TypeHandshakeResponse) {
		return ErrSessionNotFound
	}
	return s.sender.Send(f)
}

// ErrSessionNotFound signals a send target does not exist or is not ready
// to receive traffic. Callers treat it as a logged no-op, not a failure of
// the registry itself.
var ErrSessionNotFound = fmt.Errorf("session: not found or not connected")

// Broadcast sends frame to every Connected session. Per-session failures
// are collected but do not abort the iteration. It returns the number of
// sessions the frame was successfully delivered to.
func (r *Registry) Broadcast(f *message.MessageFrame) (int, []error) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	var errs []error
	sent := 0
	for _, s := range targets {
		if s.State() != Connected {
			continue
		}
		if err := s.sender.Send(f); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		sent++
	}
	return sent, errs
}

// PushToSubscribers sends frame to every Connected session subscribed to
// topic. Same per-session failure semantics as Broadcast.
func (r *Registry) PushToSubscribers(topic string, f *message.MessageFrame) (int, []error) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	var errs []error
	sent := 0
	for _, s := range targets {
		if s.State() != Connected || !s.subscribedTo(topic) {
			continue
		}
		if err := s.sender.Send(f); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		sent++
	}
	return sent, errs
}

// AllInfo returns a ClientInfo snapshot for every tracked session, for
// ListClients responses.
func (r *Registry) AllInfo() []message.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]message.ClientInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// ReapDead removes every session whose Sender reports it is no longer
// alive. It returns the IDs of the sessions it evicted.
func (r *Registry) ReapDead() []uuid.UUID {
	r.mu.RLock()
	dead := make([]uuid.UUID, 0)
	for id, s := range r.sessions {
		if !s.sender.Alive() {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		r.Evict(id)
	}
	return dead
}
