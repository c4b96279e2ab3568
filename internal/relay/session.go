package relay

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/lanikai/duocall/internal/signaling"
)

const (
	// outboundQueueDepth bounds each session's delivery queue. The relay
	// never blocks on a slow consumer: a full queue drops the message.
	outboundQueueDepth = 64

	// readPollInterval is the short inbound read timeout; each expiry
	// gives the worker a chance to drain the outbound queue, bounding
	// delivery latency.
	readPollInterval = 100 * time.Millisecond

	// frameReadTimeout bounds how long a peer may take to deliver the
	// remainder of a frame once its first bytes have arrived.
	frameReadTimeout = 10 * time.Second
)

type outboundMsg struct {
	frameType signaling.MessageType
	payload   []byte
}

// session is one connected client's worker state. The worker loop services
// two sources: inbound frames from the peer and outbound messages posted by
// other workers. Outbound drain precedes each inbound read attempt.
type session struct {
	server *Server
	conn   net.Conn

	// user is non-nil once logged in. Guarded by server.mu.
	user *User

	outbound chan outboundMsg
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server:   server,
		conn:     conn,
		outbound: make(chan outboundMsg, outboundQueueDepth),
	}
}

// post enqueues a typed message for delivery by this session's worker.
// Best-effort: on a full queue the message is dropped and logged.
func (s *session) post(t signaling.MessageType, v interface{}) {
	payload, err := marshalPayload(t, v)
	if err != nil {
		log.Error("marshal %s: %v", t, err)
		return
	}
	s.postRaw(t, payload)
}

func (s *session) postRaw(t signaling.MessageType, payload []byte) {
	select {
	case s.outbound <- outboundMsg{frameType: t, payload: payload}:
	default:
		log.Warn("outbound queue full, dropping %s for %s", t, s.conn.RemoteAddr())
	}
}

func (s *session) remoteName() string {
	if s.user != nil {
		return s.user.Username
	}
	return s.conn.RemoteAddr().String()
}

// run is the worker loop. Cleanup is guaranteed on every exit path: normal
// logout, I/O error, protocol violation, and server shutdown all funnel
// through the deferred release.
func (s *session) run() {
	defer func() {
		s.server.releaseUser(s)
		s.conn.Close()
	}()

	log.Debug("session from %s", s.conn.RemoteAddr())

	for {
		if !s.drainOutbound() {
			return
		}

		frame, timedOut, err := s.readFrame()
		if timedOut {
			continue
		}
		if err != nil {
			if err != io.EOF {
				log.Info("session %s read: %v", s.remoteName(), err)
			}
			return
		}

		if err := s.handle(frame); err != nil {
			log.Warn("session %s: %v", s.remoteName(), err)
			return
		}
	}
}

// drainOutbound flushes every queued outbound message to the socket.
// Returns false on a write error, which ends the session.
func (s *session) drainOutbound() bool {
	for {
		select {
		case msg := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(frameReadTimeout))
			if err := signaling.WriteRawFrame(s.conn, msg.frameType, msg.payload); err != nil {
				log.Info("session %s write: %v", s.remoteName(), err)
				return false
			}
		default:
			return true
		}
	}
}

// readFrame reads one frame with a two-stage deadline: a short poll while
// idle (so outbound delivery latency stays bounded), then a longer deadline
// once the frame's first bytes have arrived, so a frame split across the
// poll boundary doesn't desynchronize the stream.
func (s *session) readFrame() (frame signaling.Frame, timedOut bool, err error) {
	var lengthBuf [4]byte

	s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
	n, err := io.ReadFull(s.conn, lengthBuf[:])
	if err != nil {
		if !isTimeout(err) {
			return signaling.Frame{}, false, err
		}
		if n == 0 {
			return signaling.Frame{}, true, nil
		}
		// Mid-length timeout: the frame has started, finish it.
		s.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
		if _, err := io.ReadFull(s.conn, lengthBuf[n:]); err != nil {
			return signaling.Frame{}, false, err
		}
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > signaling.MaxFrameLength {
		return signaling.Frame{}, false, protocolViolation("frame length %d exceeds limit", length)
	}
	if length < 1 {
		return signaling.Frame{}, false, protocolViolation("zero-length frame")
	}

	body := make([]byte, length)
	s.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return signaling.Frame{}, false, err
	}

	payload := body[1:]
	if !utf8.Valid(payload) {
		return signaling.Frame{}, false, protocolViolation("payload is not valid UTF-8")
	}
	return signaling.Frame{Type: signaling.MessageType(body[0]), Payload: payload}, false, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// handle dispatches one inbound frame. A returned error is a protocol
// violation and terminates the session; peer semantic failures are conveyed
// back as typed Error messages instead.
func (s *session) handle(frame signaling.Frame) error {
	switch frame.Type {
	case signaling.TypeRegisterRequest:
		var req signaling.RegisterRequest
		if err := frame.Decode(&req); err != nil {
			return protocolViolation("bad register payload: %v", err)
		}
		if req.Username == "" || req.PasswordHash == "" {
			return protocolViolation("register missing required fields")
		}
		return s.reply(signaling.TypeRegisterResponse, s.server.register(req))

	case signaling.TypeLoginRequest:
		var req signaling.LoginRequest
		if err := frame.Decode(&req); err != nil {
			return protocolViolation("bad login payload: %v", err)
		}
		if req.Username == "" || req.PasswordHash == "" {
			return protocolViolation("login missing required fields")
		}
		// Logging in over an authenticated session implicitly releases
		// the previous identity.
		if s.user != nil {
			s.server.releaseUser(s)
		}
		return s.reply(signaling.TypeLoginResponse, s.server.login(s, req))

	case signaling.TypeHeartbeat:
		var hb signaling.Heartbeat
		if err := frame.Decode(&hb); err != nil {
			return protocolViolation("bad heartbeat payload: %v", err)
		}
		// Optional keep-alive; nothing is enforced.
		log.Debug("heartbeat from %s (ts=%d)", s.remoteName(), hb.Timestamp)
		return nil
	}

	// Everything below requires an authenticated session. An unknown type
	// byte is a protocol violation regardless of authentication state.
	switch frame.Type {
	case signaling.TypeUserListRequest, signaling.TypeCallRequest,
		signaling.TypeCallResponse, signaling.TypeSdpOffer,
		signaling.TypeSdpAnswer, signaling.TypeIceCandidate,
		signaling.TypeHangup, signaling.TypeLogoutRequest:
	default:
		return protocolViolation("unknown message type 0x%02x", byte(frame.Type))
	}
	if s.user == nil {
		return s.replyError(CodeUnauthenticated, "login required")
	}

	switch frame.Type {
	case signaling.TypeUserListRequest:
		return s.reply(signaling.TypeUserListResponse, s.server.listUsers())

	case signaling.TypeCallRequest:
		var req signaling.CallRequest
		if err := frame.Decode(&req); err != nil {
			return protocolViolation("bad call request payload: %v", err)
		}
		if req.ToUserID == "" {
			return protocolViolation("call request missing to_user_id")
		}
		if code, msg := s.server.requestCall(s, req); code != "" {
			return s.replyError(code, msg)
		}
		return nil

	case signaling.TypeCallResponse:
		var req signaling.CallResponse
		if err := frame.Decode(&req); err != nil {
			return protocolViolation("bad call response payload: %v", err)
		}
		if req.CallID == "" {
			return protocolViolation("call response missing call_id")
		}
		if code, msg := s.server.respondCall(s, req); code != "" {
			return s.replyError(code, msg)
		}
		return nil

	case signaling.TypeSdpOffer, signaling.TypeSdpAnswer, signaling.TypeIceCandidate:
		// The relay routes these by call id and forwards the payload
		// verbatim; sdp/candidate contents stay opaque.
		var envelope struct {
			CallID string `json:"call_id"`
		}
		if err := frame.Decode(&envelope); err != nil {
			return protocolViolation("bad %s payload: %v", frame.Type, err)
		}
		if envelope.CallID == "" {
			return protocolViolation("%s missing call_id", frame.Type)
		}
		if code, msg := s.server.forwardSignaling(s, frame.Type, envelope.CallID, frame.Payload); code != "" {
			return s.replyError(code, msg)
		}
		return nil

	case signaling.TypeHangup:
		var req signaling.Hangup
		if err := frame.Decode(&req); err != nil {
			return protocolViolation("bad hangup payload: %v", err)
		}
		if req.CallID == "" {
			return protocolViolation("hangup missing call_id")
		}
		s.server.hangup(s, req)
		return nil

	case signaling.TypeLogoutRequest:
		if err := s.reply(signaling.TypeLogoutResponse, signaling.LogoutResponse{Success: true}); err != nil {
			return err
		}
		s.server.releaseUser(s)
		return nil
	}
	return nil
}

// reply writes a response frame directly on this session's own socket; the
// outbound queue is only for messages posted by other workers.
func (s *session) reply(t signaling.MessageType, v interface{}) error {
	s.conn.SetWriteDeadline(time.Now().Add(frameReadTimeout))
	return signaling.WriteFrame(s.conn, t, v)
}

func (s *session) replyError(code, message string) error {
	return s.reply(signaling.TypeError, signaling.ErrorMessage{Code: code, Message: message})
}

func marshalPayload(t signaling.MessageType, v interface{}) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
