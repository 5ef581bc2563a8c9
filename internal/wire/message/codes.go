package message

// Error codes carried in TypeError frames.
const (
	ErrProtocolError   uint16 = 1000
	ErrInvalidMessage  uint16 = 1001
	ErrClientNotFound  uint16 = 1002
	ErrPermissionDenied uint16 = 1003
	ErrServerError     uint16 = 1004
	ErrRateLimited     uint16 = 1005
)

// Close codes carried in TypeClose frames, matching RFC 6455 numbering.
const (
	CloseNormalClosure           uint16 = 1000
	CloseGoingAway               uint16 = 1001
	CloseProtocolError           uint16 = 1002
	CloseUnsupportedData         uint16 = 1003
	CloseInvalidFramePayloadData uint16 = 1007
	ClosePolicyViolation         uint16 = 1008
	CloseMessageTooBig           uint16 = 1009
	CloseInternalError           uint16 = 1011
)

// MaxFrameSize is the maximum serialized MessageFrame payload accepted on
// the wire; larger frames are dropped at read time.
const MaxFrameSize = 1 << 20 // 1 MiB
