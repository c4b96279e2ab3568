package rtp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	packets [][]byte
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.packets = append(c.packets, append([]byte(nil), p...))
	return len(p), nil
}

func parseAll(t *testing.T, packets [][]byte) (hdrs []Header, payloads [][]byte) {
	t.Helper()
	for _, pkt := range packets {
		hdr, payload, err := Unmarshal(pkt)
		require.NoError(t, err)
		hdrs = append(hdrs, hdr)
		payloads = append(payloads, payload)
	}
	return
}

func TestFragmentLargeNALU(t *testing.T) {
	// A 5000-byte NALU at MTU 1200 fragments into 5 FU-A packets.
	const mtu = 1200
	nalu := make([]byte, 5000)
	nalu[0] = 0x65 // F=0, NRI=3, Type=5 (IDR slice)
	for i := 1; i < len(nalu); i++ {
		nalu[i] = byte(i)
	}

	out := &captureWriter{}
	w := NewH264Writer(NewWriter(out, 0x1234), 96)
	w.MaxPayloadSize = mtu - 12

	require.NoError(t, w.WriteAccessUnit([][]byte{nalu}))
	require.Len(t, out.packets, 5)

	hdrs, payloads := parseAll(t, out.packets)

	var body bytes.Buffer
	for i, payload := range payloads {
		require.GreaterOrEqual(t, len(payload), 2)

		// FU indicator carries the NALU's F/NRI bits with Type=28.
		assert.Equal(t, byte(0x60|NALUTypeFUA), payload[0])

		start := payload[1]&0x80 != 0
		end := payload[1]&0x40 != 0
		assert.Equal(t, i == 0, start, "S bit on packet %d", i)
		assert.Equal(t, i == len(payloads)-1, end, "E bit on packet %d", i)
		assert.Zero(t, payload[1]&0x20, "R bit must be 0")
		assert.Equal(t, byte(5), payload[1]&0x1f, "original type")

		assert.Equal(t, i == len(payloads)-1, hdrs[i].Marker)
		assert.Equal(t, hdrs[0].Timestamp, hdrs[i].Timestamp)
		assert.Equal(t, hdrs[0].Sequence+uint16(i), hdrs[i].Sequence)

		body.Write(payload[2:])
	}

	// Invariant: reassembled header+body equals the original NALU.
	assert.Equal(t, nalu[1:], body.Bytes())
}

func TestNALUAtThresholdNotFragmented(t *testing.T) {
	const maxSize = 1188
	nalu := make([]byte, maxSize)
	nalu[0] = 0x41

	out := &captureWriter{}
	w := NewH264Writer(NewWriter(out, 1), 96)
	w.MaxPayloadSize = maxSize

	require.NoError(t, w.WriteAccessUnit([][]byte{nalu}))
	require.Len(t, out.packets, 1)

	hdrs, payloads := parseAll(t, out.packets)
	assert.Equal(t, nalu, payloads[0])
	assert.True(t, hdrs[0].Marker)
}

func TestAccessUnitSharesTimestampWithSingleMarker(t *testing.T) {
	slice1 := make([]byte, 300)
	slice1[0] = 0x41
	slice2 := make([]byte, 300)
	slice2[0] = 0x65

	out := &captureWriter{}
	w := NewH264Writer(NewWriter(out, 1), 96)

	require.NoError(t, w.WriteAccessUnit([][]byte{slice1, slice2}))
	require.Len(t, out.packets, 2)

	hdrs, _ := parseAll(t, out.packets)
	assert.Equal(t, hdrs[0].Timestamp, hdrs[1].Timestamp)
	assert.False(t, hdrs[0].Marker)
	assert.True(t, hdrs[1].Marker)

	// The next access unit advances the timestamp.
	require.NoError(t, w.WriteAccessUnit([][]byte{slice1}))
	hdrs2, _ := parseAll(t, out.packets[2:])
	assert.NotEqual(t, hdrs[0].Timestamp, hdrs2[0].Timestamp)
}

func TestParameterSetsRideAheadOfPicture(t *testing.T) {
	sps := []byte{0x67, 1, 2, 3}
	pps := []byte{0x68, 4, 5}
	idr := make([]byte, 200)
	idr[0] = 0x65

	out := &captureWriter{}
	w := NewH264Writer(NewWriter(out, 1), 96)

	// Parameter sets alone emit nothing; they wait for a picture.
	require.NoError(t, w.WriteAccessUnit([][]byte{sps, pps}))
	require.Empty(t, out.packets)

	require.NoError(t, w.WriteAccessUnit([][]byte{idr}))
	require.Len(t, out.packets, 2)

	hdrs, payloads := parseAll(t, out.packets)
	assert.Equal(t, byte(NALUTypeSTAPA), payloads[0][0]&0x1f)
	nalus, err := SplitSTAP(payloads[0])
	require.NoError(t, err)
	require.Len(t, nalus, 2)
	assert.Equal(t, sps, nalus[0])
	assert.Equal(t, pps, nalus[1])

	assert.False(t, hdrs[0].Marker)
	assert.True(t, hdrs[1].Marker)
	assert.Equal(t, hdrs[0].Timestamp, hdrs[1].Timestamp)
}
