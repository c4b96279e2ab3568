package duocall

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/duocall/internal/jitter"
	"github.com/lanikai/duocall/internal/media"
	"github.com/lanikai/duocall/internal/rtp"
	"github.com/lanikai/duocall/internal/srtp"
)

// payloadTypeH264 and payloadTypeControl are the two RTP payload types this
// system ever sends: 96 for H.264 video (negotiated via SDP rtpmap) and 127,
// reserved for the in-band control channel.
const (
	payloadTypeH264    = 96
	payloadTypeControl = 127
)

// ControlMessage is the in-band, best-effort, unordered-tolerant message
// carried on payloadTypeControl. Exactly one of its fields is meaningful per
// message, selected by Type.
type ControlMessage struct {
	Type            ControlMessageType `json:"type"`
	ParticipantName string             `json:"participantName,omitempty"`
	Role            string             `json:"role,omitempty"`
}

type ControlMessageType string

const (
	ControlCameraOn         ControlMessageType = "CameraOn"
	ControlCameraOff        ControlMessageType = "CameraOff"
	ControlParticipantName  ControlMessageType = "ParticipantName"
	ControlDisconnect       ControlMessageType = "Disconnect"
)

// Session composes the sender, receiver, and control-channel activities of
// C8: it runs once ICE and DTLS have completed and the SRTP context is
// established, and closes itself on any unrecoverable I/O error.
type Session struct {
	conn     net.Conn
	writeCtx *srtp.Context
	readCtx  *srtp.Context

	writer *rtp.H264Writer
	reader *rtp.Reader

	jitterBuf    *jitter.Buffer
	reassembler  *jitter.Reassembler

	codec media.Codec
	sink  media.FrameSink

	// encoded holds the single pending access unit awaiting transmission.
	// Capacity 1 with newest-wins semantics bounds sender latency.
	encoded chan media.AccessUnit

	control chan ControlMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	// onFatal is invoked (at most once) when the session hits an
	// unrecoverable error, so the Peer Controller can transition to
	// Terminated and notify the Signaling Relay with Hangup.
	onFatal func(error)

	// OnControl, when set, receives in-band control-channel messages.
	// Best-effort: the UI uses these only for decoration.
	OnControl func(ControlMessage)
}

// NewSession builds a P2P Session over an already-established SRTP-capable
// connection. writeCtx/readCtx are keyed from the two halves of the
// DTLS-SRTP exported keying material (RFC 5764 §4.2: client-write and
// server-write are distinct). writeSSRC identifies this peer's outgoing
// stream.
func NewSession(ctx context.Context, conn net.Conn, writeCtx, readCtx *srtp.Context, writeSSRC uint32, sink media.FrameSink, codec media.Codec, onFatal func(error)) *Session {
	sctx, cancel := context.WithCancel(ctx)

	rtpWriter := rtp.NewWriter(&srtpWriteCloser{conn: conn, srtp: writeCtx}, writeSSRC)

	s := &Session{
		conn:        conn,
		writeCtx:    writeCtx,
		readCtx:     readCtx,
		writer:      rtp.NewH264Writer(rtpWriter, payloadTypeH264),
		reader:      rtp.NewReader(0),
		jitterBuf:   jitter.NewBuffer(),
		codec:       codec,
		sink:        sink,
		encoded:     make(chan media.AccessUnit, 1),
		control:     make(chan ControlMessage, 8),
		ctx:         sctx,
		cancel:      cancel,
		onFatal:     onFatal,
	}
	s.reassembler = jitter.NewReassembler(s.jitterBuf)

	s.wg.Add(2)
	go s.senderLoop()
	go s.receiverLoop()

	return s
}

// srtpWriteCloser adapts a net.Conn + srtp.Context pair into the io.Writer
// that rtp.Writer sends serialized packets through.
type srtpWriteCloser struct {
	conn net.Conn
	srtp *srtp.Context
}

func (w *srtpWriteCloser) Write(pkt []byte) (int, error) {
	protected, err := w.srtp.Protect(pkt)
	if err != nil {
		return 0, errors.Errorf("session: protect: %w", err)
	}
	if _, err := w.conn.Write(protected); err != nil {
		return 0, err
	}
	return len(pkt), nil
}

// SubmitAccessUnit enqueues an encoded access unit for transmission, dropping
// the previously-pending one (if any) to honor the newest-wins backpressure
// policy.
func (s *Session) SubmitAccessUnit(au media.AccessUnit) {
	select {
	case s.encoded <- au:
	default:
		select {
		case <-s.encoded:
		default:
		}
		select {
		case s.encoded <- au:
		default:
		}
	}
}

// SendControl enqueues a best-effort control-channel message.
func (s *Session) SendControl(msg ControlMessage) {
	select {
	case s.control <- msg:
	default:
		log.Warn("control channel full, dropping %v", msg.Type)
	}
}

func (s *Session) senderLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case au := <-s.encoded:
			if err := s.writer.WriteAccessUnit(au.NALUs); err != nil {
				s.fail(errors.Errorf("session: send: %w", err))
				return
			}

		case msg := <-s.control:
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Warn("control channel: marshal: %v", err)
				continue
			}
			if err := s.writer.WritePacket(payloadTypeControl, false, 0, payload); err != nil {
				// The control channel is best-effort; don't tear down media
				// on its account.
				log.Warn("control channel: send: %v", err)
			}
		}
	}
}

func (s *Session) receiverLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle link: flush anything whose playout delay elapsed.
				s.drainJitterBuffer()
				continue
			}
			s.fail(errors.Errorf("session: receive: %w", err))
			return
		}

		plain, err := s.readCtx.Unprotect(buf[:n])
		if err != nil {
			// Authentication/replay failures are silently discarded, never
			// surfaced as a user-facing error.
			continue
		}

		hdr, payload, index, err := s.reader.ReadPacket(plain)
		if err != nil {
			continue
		}

		if hdr.PayloadType == payloadTypeControl {
			var msg ControlMessage
			if err := json.Unmarshal(payload, &msg); err == nil {
				s.handleControl(msg)
			}
			continue
		}

		s.jitterBuf.Push(jitter.Packet{
			Sequence:  index,
			Timestamp: hdr.Timestamp,
			Marker:    hdr.Marker,
			Payload:   payload,
			Arrival:   time.Now(),
		})
		s.drainJitterBuffer()
	}
}

func (s *Session) drainJitterBuffer() {
	now := time.Now()
	for {
		pkt, ok := s.jitterBuf.Pop(now)
		if !ok {
			return
		}
		s.reassembler.Push(pkt, s.onCompleteNALU)
	}
}

func (s *Session) onCompleteNALU(nalu []byte) {
	if s.codec == nil || s.sink == nil {
		return
	}
	frame, err := s.codec.Decode([][]byte{nalu})
	if err != nil {
		log.Warn("decode: %v", err)
		return
	}
	if frame == nil {
		return
	}
	if err := s.sink.WriteFrame(frame, time.Now()); err != nil {
		log.Warn("frame sink: %v", err)
	}
}

func (s *Session) handleControl(msg ControlMessage) {
	log.Debug("control: %s", msg.Type)
	if s.OnControl != nil {
		s.OnControl(msg)
	}
}

// fail reports an unrecoverable error and tears down the connection, but
// never blocks on the session's own goroutines (it may be called from
// within one of them).
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.closeErr = err
		log.Error("session failed: %v", err)
		if s.onFatal != nil {
			s.onFatal(err)
		}
	})
	s.teardown()
}

func (s *Session) teardown() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

// Close tears down the session's goroutines and underlying connection, and
// waits for them to exit. Safe to call multiple times.
func (s *Session) Close() error {
	err := s.teardown()
	s.wg.Wait()
	return err
}
