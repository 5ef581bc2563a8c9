package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned by ReadFrame when a stream announces a
// payload larger than MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("message: frame exceeds %d bytes", MaxFrameSize)

// WriteFrame writes one native-mode message to w as u32_be length followed
// by the encoded MessageFrame, matching the one-message-per-stream wire
// format.
func WriteFrame(w io.Writer, f *MessageFrame) error {
	payload := Encode(f)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("message: writing length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("message: writing payload: %w", err)
	}
	return nil
}

// ReadFrame reads one u32_be-length-prefixed MessageFrame from r. It returns
// ErrFrameTooLarge without consuming the payload if the declared length
// exceeds MaxFrameSize.
func ReadFrame(r io.Reader) (*MessageFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("message: reading payload: %w", err)
	}

	return Decode(payload)
}
