package jitter

import (
	"bytes"

	"github.com/lanikai/duocall/internal/rtp"
)

// Reassembler turns a sequence of in-order RTP payloads (as released by
// Buffer.Pop) into complete H.264 NAL units, per RFC 6184 §5.7/§5.8.
// Grounded on the teacher's internal/rtp/h264.go h264Reader.handlePacket,
// which did this same reassembly immediately on receipt; here it runs only
// on the jitter buffer's already-reordered output.
type Reassembler struct {
	buf         *bytes.Buffer
	assembling  bool
	expectedSeq uint64

	stats *Buffer
}

func NewReassembler(stats *Buffer) *Reassembler {
	return &Reassembler{stats: stats}
}

// Push processes one in-order packet, invoking onNAL once per complete NAL
// unit it yields (zero or more times per call, for STAP-A aggregates).
func (r *Reassembler) Push(pkt Packet, onNAL func([]byte)) {
	if len(pkt.Payload) == 0 {
		return
	}

	naluType := pkt.Payload[0] & 0x1f
	switch naluType {
	case rtp.NALUTypeSTAPA:
		nalus, err := rtp.SplitSTAP(pkt.Payload)
		if err != nil {
			r.stats.addReassemblyFailure()
			return
		}
		for _, nalu := range nalus {
			onNAL(nalu)
		}

	case rtp.NALUTypeFUA:
		if len(pkt.Payload) < 2 {
			r.stats.addReassemblyFailure()
			return
		}
		indicator := pkt.Payload[0]
		header := pkt.Payload[1]
		start := header&0x80 != 0
		end := header&0x40 != 0

		if start {
			r.buf = new(bytes.Buffer)
			r.buf.WriteByte((indicator & 0xe0) | (header & 0x1f))
			r.assembling = true
			r.expectedSeq = pkt.Sequence
		} else if !r.assembling {
			// Waiting for the start of the next NALU.
			return
		} else if pkt.Sequence != r.expectedSeq+1 {
			// Gap within the fragment run: abort the in-progress assembly.
			r.assembling = false
			r.stats.addReassemblyFailure()
			return
		}

		r.buf.Write(pkt.Payload[2:])
		r.expectedSeq = pkt.Sequence

		if end && r.assembling {
			onNAL(r.buf.Bytes())
			r.assembling = false
		}

	default:
		// Single NALU packet.
		onNAL(pkt.Payload)
	}
}
