package signaling

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeLoginRequest, LoginRequest{
		Username:     "alice",
		PasswordHash: "h1",
	}))

	// The length field excludes itself and counts the type byte plus the
	// payload: length = 1 + len(payload).
	raw := buf.Bytes()
	length := binary.BigEndian.Uint32(raw[:4])
	assert.Equal(t, int(length), 1+len(raw[5:]))
	assert.Equal(t, byte(TypeLoginRequest), raw[4])

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeLoginRequest, frame.Type)

	var req LoginRequest
	require.NoError(t, frame.Decode(&req))
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, "h1", req.PasswordHash)
}

func TestFrameSizeLimit(t *testing.T) {
	// A frame of length exactly 1 MiB is accepted; one byte more is
	// rejected before the payload is read.
	writeRaw := func(length uint32) *bytes.Buffer {
		var buf bytes.Buffer
		var lengthBuf [4]byte
		binary.BigEndian.PutUint32(lengthBuf[:], length)
		buf.Write(lengthBuf[:])
		buf.WriteByte(byte(TypeHeartbeat))
		buf.Write(bytes.Repeat([]byte{' '}, int(length)-1))
		return &buf
	}

	frame, err := ReadFrame(writeRaw(MaxFrameLength))
	require.NoError(t, err)
	assert.Len(t, frame.Payload, MaxFrameLength-1)

	_, err = ReadFrame(writeRaw(MaxFrameLength + 1))
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := ReadFrame(&buf)
	assert.Equal(t, ErrEmptyFrame, err)
}

func TestFrameRejectsBadUTF8(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 3})
	buf.WriteByte(byte(TypeError))
	buf.Write([]byte{0xff, 0xfe})
	_, err := ReadFrame(&buf)
	assert.Equal(t, ErrInvalidUTF8, err)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	frame := Frame{
		Type:    TypeCallRequest,
		Payload: []byte(`{"to_user_id":"u2","future_field":42}`),
	}
	var req CallRequest
	require.NoError(t, frame.Decode(&req))
	assert.Equal(t, "u2", req.ToUserID)
}
