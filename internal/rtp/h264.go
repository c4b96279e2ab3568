package rtp

import (
	"github.com/lanikai/duocall/internal/packet"
)

// RTP packetization of H.264 video streams.
// See [RFC 6184](https://tools.ietf.org/html/rfc6184).

const (
	// NAL unit types. See https://tools.ietf.org/html/rfc6184#section-5.2
	NALUTypeSEI    = 6
	NALUTypeSPS    = 7
	NALUTypePPS    = 8
	NALUTypeSTAPA  = 24
	NALUTypeFUA    = 28
)

// H264Writer packetizes H.264 NAL units into RTP packets and sends them
// through an underlying Writer, per RFC 6184: single-NALU packets when they
// fit the MTU, FU-A fragmentation otherwise, and STAP-A aggregation for
// SPS/PPS/SEI so parameter sets accompany the next coded picture.
type H264Writer struct {
	*Writer

	PayloadType byte
	timestamp   uint32

	// Maximum RTP payload size before FU-A fragmentation kicks in.
	MaxPayloadSize int

	// Accumulated STAP-A packet. This is initialized when a SPS or PPS is
	// encountered, and saved until the next coded picture needs to be sent.
	stap []byte
}

func NewH264Writer(w *Writer, payloadType byte) *H264Writer {
	return &H264Writer{
		Writer:         w,
		PayloadType:    payloadType,
		MaxPayloadSize: 1280,
	}
}

// Consume feeds one NAL unit (Annex-B start code already stripped) through
// the packetizer, treating it as a complete access unit.
func (w *H264Writer) Consume(nalu []byte) error {
	return w.WriteAccessUnit([][]byte{nalu})
}

// WriteAccessUnit packetizes one encoded access unit. Every emitted packet
// shares the unit's timestamp; the marker bit is set only on the last
// packet of the last coded NAL unit. SEI/SPS/PPS are aggregated into a
// STAP-A that rides ahead of the next coded picture.
func (w *H264Writer) WriteAccessUnit(nalus [][]byte) error {
	var coded [][]byte
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case NALUTypeSEI, NALUTypeSPS, NALUTypePPS:
			w.stap = AppendSTAP(w.stap, nalu)
		default:
			coded = append(coded, nalu)
		}
	}
	if len(coded) == 0 {
		// Parameter sets only; hold them for the next picture.
		return nil
	}

	defer w.advanceTimestamp()

	// First send the accumulated STAP-A packet, if present.
	if len(w.stap) > 0 {
		if err := w.WritePacket(w.PayloadType, false, w.timestamp, w.stap); err != nil {
			return err
		}
		w.stap = w.stap[:0]
	}

	for i, nalu := range coded {
		if err := w.packetize(nalu, i == len(coded)-1); err != nil {
			return err
		}
	}
	return nil
}

func (w *H264Writer) advanceTimestamp() {
	// TODO: Use framerate from video source instead of a fixed 90kHz/30fps
	// assumption.
	w.timestamp += 3000
}

// packetize emits one coded NAL unit; marker indicates it ends the access
// unit.
func (w *H264Writer) packetize(nalu []byte, marker bool) error {
	maxSize := w.MaxPayloadSize

	// If it fits, send the NALU as a single RTP packet. A NALU exactly at
	// the threshold is not fragmented.
	// See https://tools.ietf.org/html/rfc6184#section-5.6
	if len(nalu) <= maxSize {
		return w.WritePacket(w.PayloadType, marker, w.timestamp, nalu)
	}

	// Otherwise, fragment the NALU into multiple FU-A packets.
	// See https://tools.ietf.org/html/rfc6184#section-5.8
	indicator := nalu[0]&0xe0 | NALUTypeFUA
	start := byte(0x80)
	end := byte(0)
	naluType := nalu[0] & 0x1f
	p := packet.NewWriterSize(maxSize) // TODO: sync.Pool
	for i := 1; i < len(nalu); i += maxSize - 2 {
		tail := i + maxSize - 2
		if tail >= len(nalu) {
			tail = len(nalu)
			end = 0x40
		}

		p.Reset()
		p.WriteByte(indicator)              // FU indicator
		p.WriteByte(start | end | naluType) // FU header
		p.WriteSlice(nalu[i:tail])

		if err := w.WritePacket(w.PayloadType, marker && end != 0, w.timestamp, p.Bytes()); err != nil {
			return err
		}

		start = 0
	}
	return nil
}

// AppendSTAP aggregates nalu into stap, a growing STAP-A packet, per
// https://tools.ietf.org/html/rfc6184#section-5.7.1. Pass a nil/empty stap
// to start a new aggregate.
func AppendSTAP(stap, nalu []byte) []byte {
	if len(stap) == 0 {
		// Initialize NALU of type STAP-A, with F and NRI set to 0.
		stap = append(stap, NALUTypeSTAPA)
	}

	n := len(nalu)
	stap = append(stap, byte(n>>8), byte(n))
	stap = append(stap, nalu...)

	// STAP-A forbidden bit is bitwise-OR of all forbidden bits.
	stap[0] |= nalu[0] & 0x80

	// STAP-A NRI value is maximum of all NRI values.
	nri := nalu[0] & 0x60
	stapNRI := stap[0] & 0x60
	if nri > stapNRI {
		stap[0] = (stap[0] &^ 0x60) | nri
	}

	return stap
}

// SplitSTAP splits a STAP-A packet into its individual NAL units.
func SplitSTAP(buf []byte) ([][]byte, error) {
	var nalus [][]byte
	p := packet.NewReader(buf)
	p.Skip(1)
	for p.Remaining() > 0 {
		if err := p.CheckRemaining(2); err != nil {
			return nil, err
		}
		n := p.ReadUint16()
		if err := p.CheckRemaining(int(n)); err != nil {
			return nil, err
		}
		nalus = append(nalus, p.ReadSlice(int(n)))
	}
	return nalus, nil
}
