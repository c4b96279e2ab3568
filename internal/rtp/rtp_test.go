package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Marker:      true,
		PayloadType: 96,
		Sequence:    0xBEEF,
		Timestamp:   0x12345678,
		SSRC:        0xDEADBEEF,
	}
	payload := []byte{1, 2, 3, 4}

	buf, err := h.Marshal(payload)
	require.NoError(t, err)

	parsed, gotPayload, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.Equal(t, payload, gotPayload)
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x40 // V=1
	_, _, err := Unmarshal(buf)
	assert.Error(t, err)
}

// Sequence wrap 0xFFFF -> 0x0000 must advance the extended index by exactly
// one, i.e. the rollover counter increments exactly once.
func TestReaderIndexAcrossSequenceWrap(t *testing.T) {
	r := NewReader(1)

	mkPacket := func(seq uint16) []byte {
		h := Header{PayloadType: 96, Sequence: seq, SSRC: 1}
		buf, err := h.Marshal(nil)
		require.NoError(t, err)
		return buf
	}

	_, _, index, err := r.ReadPacket(mkPacket(0xFFFE))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFE), index)

	_, _, index, err = r.ReadPacket(mkPacket(0xFFFF))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFF), index)

	_, _, index, err = r.ReadPacket(mkPacket(0x0000))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), index)

	// A late pre-wrap packet still maps below the wrap boundary.
	_, _, index, err = r.ReadPacket(mkPacket(0xFFFF))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFF), index)
}
