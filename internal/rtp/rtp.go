package rtp

import (
	"io"
	"math/rand"
	"sync"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/duocall/internal/packet"
)

// RTP Data Transfer Protocol, as defined in RFC 3550 Section 5.

// An RTP packet consists of a fixed 12-byte header, zero or more 32-bit CSRC
// identifiers, followed by the payload itself.
// See https://tools.ietf.org/html/rfc3550#section-5.1
//    0                   1                   2                   3
//    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |V=2|P|X|  CC   |M|     PT      |       sequence number         |
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |                           timestamp                           |
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |           synchronization source (SSRC) identifier            |
//   +=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
//   |            contributing source (CSRC) identifiers             |
//   |                             ....                              |
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Header struct {
	Padding     bool // unused
	Extension   bool // unused
	Marker      bool
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32 // unused
}

func (h *Header) length() int {
	return rtpHeaderSize + 4*len(h.CSRC)
}

const (
	rtpHeaderSize = 12
)

func (h *Header) writeTo(w *packet.Writer) {
	w.WriteByte(joinByte2114(rtpVersion, h.Padding, h.Extension, byte(len(h.CSRC))))
	w.WriteByte(joinByte17(h.Marker, h.PayloadType))
	w.WriteUint16(h.Sequence)
	w.WriteUint32(h.Timestamp)
	w.WriteUint32(h.SSRC)
	for i := range h.CSRC {
		w.WriteUint32(h.CSRC[i])
	}
}

func (h *Header) readFrom(r *packet.Reader) error {
	if err := r.CheckRemaining(rtpHeaderSize); err != nil {
		return errors.Errorf("short buffer: %v", err)
	}

	var version, csrcCount byte
	version, h.Padding, h.Extension, csrcCount = splitByte2114(r.ReadByte())
	if version != rtpVersion {
		return errBadVersion(version)
	}
	if err := r.CheckRemaining(4 * int(csrcCount)); err != nil {
		return errors.Errorf("short buffer: %v", err)
	}
	h.Marker, h.PayloadType = splitByte17(r.ReadByte())
	h.Sequence = r.ReadUint16()
	h.Timestamp = r.ReadUint32()
	h.SSRC = r.ReadUint32()
	h.CSRC = nil
	for i := 0; i < int(csrcCount); i++ {
		h.CSRC = append(h.CSRC, r.ReadUint32())
	}

	return nil
}

// Marshal serializes the header and payload into a single RTP packet. It
// does not encrypt; SRTP protection is applied by the caller (see the root
// package's P2P session, which composes Writer with internal/srtp).
func (h *Header) Marshal(payload []byte) ([]byte, error) {
	buf := make([]byte, h.length()+len(payload))
	w := packet.NewWriter(buf)
	h.writeTo(w)
	if err := w.WriteSlice(payload); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Unmarshal parses buf into a header and the remaining payload bytes
// (payload aliases buf; copy it if retained past the caller's use).
func Unmarshal(buf []byte) (Header, []byte, error) {
	var h Header
	r := packet.NewReader(buf)
	if err := h.readFrom(r); err != nil {
		return h, nil, err
	}
	return h, r.ReadRemaining(), nil
}

// Writer maintains state necessary for sending a stream of RTP data
// packets for a single SSRC: sequence numbering, packet/byte counters, and
// serialization. It is a pure framer — it has no notion of encryption or of
// any particular codec's payload structure.
type Writer struct {
	out  io.Writer
	SSRC uint32

	// Initial sequence number. The current sequence number is computed from
	// sequenceStart and count.
	sequenceStart uint16

	// Number of RTP packets sent.
	count uint64

	// Total number of payload bytes sent.
	totalBytes uint64

	// Buffer used for serializing packets.
	buf []byte

	// Prevent simultaneous writes from multiple goroutines.
	sync.Mutex
}

// NewWriter creates a Writer that frames packets for ssrc and writes the
// serialized bytes to out. out is typically an SRTP-protecting wrapper
// around the ICE data connection.
func NewWriter(out io.Writer, ssrc uint32) *Writer {
	w := new(Writer)
	w.out = out
	w.SSRC = ssrc
	w.sequenceStart = uint16(rand.Uint32())
	w.buf = make([]byte, 1500) // TODO: Determine from MTU
	return w
}

// WritePacket sends a single RTP packet to the remote peer.
func (w *Writer) WritePacket(payloadType byte, marker bool, timestamp uint32, payload []byte) error {
	w.Lock()
	defer w.Unlock()

	index := w.Index()
	hdr := Header{
		Marker:      marker,
		PayloadType: payloadType,
		Sequence:    uint16(index),
		Timestamp:   timestamp,
		SSRC:        w.SSRC,
	}

	p := packet.NewWriter(w.buf)
	hdr.writeTo(p)

	if err := p.WriteSlice(payload); err != nil {
		return err
	}

	w.count += 1
	w.totalBytes += uint64(len(payload))

	_, err := w.out.Write(p.Bytes())
	return err
}

// Index computes the RTP packet index, also known as the extended
// sequence number. Equivalent to rolloverCounter*2^16 + sequenceNumber
// (i.e. ROC || SEQ).
func (w *Writer) Index() uint64 {
	return w.count + uint64(w.sequenceStart)
}

// SequenceNumber computes the current sequence number.
func (w *Writer) SequenceNumber() uint16 {
	return uint16(w.Index())
}

// RolloverCounter computes the rollover counter, which starts at 0 and
// increases by 1 every time the 16-bit sequence number rolls over.
func (w *Writer) RolloverCounter() uint32 {
	return uint32(w.Index() >> 16)
}

// Reader maintains state necessary for receiving a stream of RTP data
// packets from a single SSRC: sequence tracking and a decode index
// estimate. It is a pure framer; reordering and reassembly belong to
// internal/jitter.
type Reader struct {
	SSRC uint32

	// Most recent observed sequence number.
	lastSequence uint16

	// Estimate of the sender's RTP packet index, based on the most recent
	// observed sequence number and the number of times it has rolled over.
	lastIndex uint64

	// Number of RTP packets received.
	count uint64

	// Total number of payload bytes received.
	totalBytes uint64
}

func NewReader(ssrc uint32) *Reader {
	return &Reader{SSRC: ssrc}
}

// ReadPacket parses a single (already SRTP-unprotected) RTP packet and
// returns its header, the payload, and the 48-bit extended sequence index
// used for jitter-buffer ordering.
func (r *Reader) ReadPacket(buf []byte) (hdr Header, payload []byte, index uint64, err error) {
	p := packet.NewReader(buf)
	if err = hdr.readFrom(p); err != nil {
		return
	}

	index = r.updateIndex(hdr.Sequence)
	payload = p.ReadRemaining()

	r.count += 1
	r.totalBytes += uint64(len(payload))
	return
}

// Update the rollover counter (ROC) and sequence number (SEQ), which we combine
// into a single 48-bit index variable. Return the index corresponding to the
// provided sequence number.
// See https://tools.ietf.org/html/rfc3711#section-3.3.1
func (r *Reader) updateIndex(sequence uint16) uint64 {
	if r.lastIndex == 0 {
		// Initialize ROC to 0, so index = SEQ.
		r.lastSequence = sequence
		r.lastIndex = uint64(sequence)
		return r.lastIndex
	}

	// If either sequence or lastSequence is close to 2^16, and the other is
	// close to 0, then correct for rollover.
	delta := int64(sequence) - int64(r.lastSequence)
	if delta > 32768 {
		delta -= 65536
	} else if delta <= -32768 {
		delta += 65536
	}
	if delta > 4096 {
		log.Debug("large RTP sequence number delta: %d -> %d", r.lastSequence, sequence)
	}

	index := uint64(int64(r.lastIndex) + delta)
	if index > r.lastIndex {
		r.lastIndex = index
		r.lastSequence = sequence
	}
	return index
}
