// Package message implements the native-mode tagged-union MessageFrame wire
// format: a compact, deterministic, fixed-endian binary encoding carried over
// one QUIC unidirectional stream per message.
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Type tags the variant carried by a MessageFrame.
type Type uint8

const (
	TypeHandshake Type = iota
	TypeHandshakeResponse
	TypeText
	TypeBinary
	TypeBroadcast
	TypeDirectMessage
	TypePing
	TypePong
	TypeListClients
	TypeClientList
	TypeClose
	TypeError
	TypeSubscribe
	TypeUnsubscribe
	TypeServerPush
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypeHandshakeResponse:
		return "HandshakeResponse"
	case TypeText:
		return "Text"
	case TypeBinary:
		return "Binary"
	case TypeBroadcast:
		return "Broadcast"
	case TypeDirectMessage:
		return "DirectMessage"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeListClients:
		return "ListClients"
	case TypeClientList:
		return "ClientList"
	case TypeClose:
		return "Close"
	case TypeError:
		return "Error"
	case TypeSubscribe:
		return "Subscribe"
	case TypeUnsubscribe:
		return "Unsubscribe"
	case TypeServerPush:
		return "ServerPush"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ClientInfo describes one session for ListClients/ClientList responses.
type ClientInfo struct {
	ID          uuid.UUID
	Name        string
	HasName     bool
	ConnectedAt uint64
	LastSeen    uint64
}

// MessageFrame is the envelope carried over native mode. Fields mirror the
// original protocol's id/message_type/priority/require_ack shape.
// Priority and RequireAck are carried on the wire for compatibility but are
// not acted on by this implementation.
type MessageFrame struct {
	ID         uuid.UUID
	Type       Type
	Priority   uint8
	RequireAck bool

	// Variant payloads. Only the field(s) relevant to Type are populated.
	ClientName       string
	HasClientName    bool
	ProtocolVersion  string
	ClientID         uuid.UUID
	ServerName       string
	Accepted         bool
	Reason           string
	HasReason        bool
	Content          string
	Timestamp        uint64
	Data             []byte
	From             uuid.UUID
	To               uuid.UUID
	Clients          []ClientInfo
	Code             uint16
	Message          string
	Topics           []string
	Topic            string
}

// New creates a MessageFrame with a fresh ID and default priority.
func New(t Type) *MessageFrame {
	return &MessageFrame{ID: uuid.New(), Type: t, Priority: 128}
}

// NewWithAck creates a MessageFrame that requests acknowledgment.
func NewWithAck(t Type) *MessageFrame {
	f := New(t)
	f.RequireAck = true
	return f
}

// Encode serializes a MessageFrame to its deterministic binary form. Equal
// inputs always produce equal bytes.
func Encode(f *MessageFrame) []byte {
	w := newWriter()
	w.bytes(f.ID[:])
	w.u8(uint8(f.Type))
	w.u8(f.Priority)
	w.bool(f.RequireAck)

	switch f.Type {
	case TypeHandshake:
		w.optionalString(f.HasClientName, f.ClientName)
		w.string(f.ProtocolVersion)
	case TypeHandshakeResponse:
		w.bytes(f.ClientID[:])
		w.string(f.ServerName)
		w.bool(f.Accepted)
		w.optionalString(f.HasReason, f.Reason)
	case TypeText:
		w.string(f.Content)
		w.u64(f.Timestamp)
	case TypeBinary:
		w.blob(f.Data)
		w.u64(f.Timestamp)
	case TypeBroadcast:
		w.bytes(f.From[:])
		w.string(f.Content)
		w.u64(f.Timestamp)
	case TypeDirectMessage:
		w.bytes(f.From[:])
		w.bytes(f.To[:])
		w.string(f.Content)
		w.u64(f.Timestamp)
	case TypePing, TypePong:
		w.u64(f.Timestamp)
	case TypeListClients:
		// no payload
	case TypeClientList:
		w.u32(uint32(len(f.Clients)))
		for _, c := range f.Clients {
			w.bytes(c.ID[:])
			w.optionalString(c.HasName, c.Name)
			w.u64(c.ConnectedAt)
			w.u64(c.LastSeen)
		}
	case TypeClose:
		w.u16(f.Code)
		w.string(f.Reason)
	case TypeError:
		w.u16(f.Code)
		w.string(f.Message)
	case TypeSubscribe, TypeUnsubscribe:
		w.u32(uint32(len(f.Topics)))
		for _, topic := range f.Topics {
			w.string(topic)
		}
	case TypeServerPush:
		w.string(f.Topic)
		w.string(f.Content)
		w.u64(f.Timestamp)
	}

	return w.bytesOut()
}

// Decode parses a MessageFrame from its binary form.
func Decode(data []byte) (*MessageFrame, error) {
	r := newReader(data)

	var idBytes [16]byte
	if err := r.bytes(idBytes[:]); err != nil {
		return nil, fmt.Errorf("message: reading id: %w", err)
	}
	typeTag, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("message: reading type: %w", err)
	}
	priority, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("message: reading priority: %w", err)
	}
	requireAck, err := r.bool()
	if err != nil {
		return nil, fmt.Errorf("message: reading require_ack: %w", err)
	}

	f := &MessageFrame{
		ID:         idBytes,
		Type:       Type(typeTag),
		Priority:   priority,
		RequireAck: requireAck,
	}

	switch f.Type {
	case TypeHandshake:
		if f.HasClientName, f.ClientName, err = r.optionalString(); err != nil {
			return nil, err
		}
		if f.ProtocolVersion, err = r.string(); err != nil {
			return nil, err
		}
	case TypeHandshakeResponse:
		var clientID [16]byte
		if err = r.bytes(clientID[:]); err != nil {
			return nil, err
		}
		f.ClientID = clientID
		if f.ServerName, err = r.string(); err != nil {
			return nil, err
		}
		if f.Accepted, err = r.bool(); err != nil {
			return nil, err
		}
		if f.HasReason, f.Reason, err = r.optionalString(); err != nil {
			return nil, err
		}
	case TypeText:
		if f.Content, err = r.string(); err != nil {
			return nil, err
		}
		if f.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
	case TypeBinary:
		if f.Data, err = r.blob(); err != nil {
			return nil, err
		}
		if f.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
	case TypeBroadcast:
		var from [16]byte
		if err = r.bytes(from[:]); err != nil {
			return nil, err
		}
		f.From = from
		if f.Content, err = r.string(); err != nil {
			return nil, err
		}
		if f.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
	case TypeDirectMessage:
		var from, to [16]byte
		if err = r.bytes(from[:]); err != nil {
			return nil, err
		}
		if err = r.bytes(to[:]); err != nil {
			return nil, err
		}
		f.From, f.To = from, to
		if f.Content, err = r.string(); err != nil {
			return nil, err
		}
		if f.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
	case TypePing, TypePong:
		if f.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
	case TypeListClients:
		// no payload
	case TypeClientList:
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		f.Clients = make([]ClientInfo, 0, count)
		for i := uint32(0); i < count; i++ {
			var id [16]byte
			if err = r.bytes(id[:]); err != nil {
				return nil, err
			}
			hasName, name, err := r.optionalString()
			if err != nil {
				return nil, err
			}
			connectedAt, err := r.u64()
			if err != nil {
				return nil, err
			}
			lastSeen, err := r.u64()
			if err != nil {
				return nil, err
			}
			f.Clients = append(f.Clients, ClientInfo{
				ID: id, HasName: hasName, Name: name,
				ConnectedAt: connectedAt, LastSeen: lastSeen,
			})
		}
	case TypeClose:
		if f.Code, err = r.u16(); err != nil {
			return nil, err
		}
		if f.Reason, err = r.string(); err != nil {
			return nil, err
		}
	case TypeError:
		if f.Code, err = r.u16(); err != nil {
			return nil, err
		}
		if f.Message, err = r.string(); err != nil {
			return nil, err
		}
	case TypeSubscribe, TypeUnsubscribe:
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		f.Topics = make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			topic, err := r.string()
			if err != nil {
				return nil, err
			}
			f.Topics = append(f.Topics, topic)
		}
	case TypeServerPush:
		if f.Topic, err = r.string(); err != nil {
			return nil, err
		}
		if f.Content, err = r.string(); err != nil {
			return nil, err
		}
		if f.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("message: unknown type tag %d", typeTag)
	}

	if !r.exhausted() {
		return nil, fmt.Errorf("message: %d trailing bytes after decoding %s", r.remaining(), f.Type)
	}

	return f, nil
}

type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{} }

func (w *writer) bytesOut() []byte { return w.buf }

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) string(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) optionalString(present bool, s string) {
	w.bool(present)
	if present {
		w.string(s)
	}
}

func (w *writer) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) exhausted() bool { return r.pos == len(r.buf) }

func (r *reader) need(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("message: unexpected end of buffer, need %d bytes, have %d", n, r.remaining())
	}
	return nil
}

func (r *reader) bytes(dst []byte) error {
	if err := r.need(len(dst)); err != nil {
		return err
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *reader) string() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) optionalString() (bool, string, error) {
	present, err := r.bool()
	if err != nil {
		return false, "", err
	}
	if !present {
		return false, "", nil
	}
	s, err := r.string()
	if err != nil {
		return false, "", err
	}
	return true, s, nil
}

func (r *reader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}
