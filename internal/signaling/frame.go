package signaling

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"unicode/utf8"

	errors "golang.org/x/xerrors"
)

// Every message on the wire is [length:u32 big-endian][type:u8][payload].
// The length field excludes itself: length = 1 + len(payload). A frame
// whose length exceeds MaxFrameLength is rejected before any payload
// allocation happens.
const MaxFrameLength = 1 << 20

var (
	ErrFrameTooLarge = errors.New("signaling: frame exceeds 1 MiB limit")
	ErrEmptyFrame    = errors.New("signaling: frame length below minimum")
	ErrInvalidUTF8   = errors.New("signaling: payload is not valid UTF-8")
)

// Frame is one decoded wire frame; Payload is the raw JSON bytes so a relay
// can forward signaling payloads verbatim without reserializing.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Decode unmarshals the frame's JSON payload into v. Unknown fields are
// ignored, per the protocol's forward-compatibility rule.
func (f Frame) Decode(v interface{}) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return errors.Errorf("signaling: decode %s: %w", f.Type, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, enforcing the size and
// UTF-8 validity rules before handing the payload to any JSON parser.
func ReadFrame(r io.Reader) (Frame, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFrameLength {
		return Frame{}, ErrFrameTooLarge
	}
	if length < 1 {
		return Frame{}, ErrEmptyFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	payload := body[1:]
	if !utf8.Valid(payload) {
		return Frame{}, ErrInvalidUTF8
	}
	return Frame{Type: MessageType(body[0]), Payload: payload}, nil
}

// WriteFrame marshals v to JSON and writes it as one frame of the given
// type. The frame is assembled into a single buffer so the write is one
// syscall and never interleaves with a concurrent writer's frame boundary.
func WriteFrame(w io.Writer, t MessageType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Errorf("signaling: encode %s: %w", t, err)
	}
	return WriteRawFrame(w, t, payload)
}

// WriteRawFrame writes an already-serialized payload as one frame. The
// relay's verbatim forwarding path uses this to avoid reserializing SDP and
// ICE payloads it treats as opaque.
func WriteRawFrame(w io.Writer, t MessageType, payload []byte) error {
	length := 1 + len(payload)
	if length > MaxFrameLength {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], uint32(length))
	buf[4] = byte(t)
	copy(buf[5:], payload)

	_, err := w.Write(buf)
	return err
}
