// Package relay implements the signaling relay (C10): it accepts
// authenticated persistent connections, maintains the online directory,
// routes call and signaling messages between peers, broadcasts state
// changes, and guarantees cleanup on every disconnect path.
//
// Concurrency model: one acceptor goroutine plus one worker per connected
// session. The directory, session map, and call map share a single coarse
// lock; the lock is never held across socket I/O. Delivery to a session
// goes through its bounded outbound queue, so a slow consumer can never
// block the relay.
package relay

import (
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lanikai/duocall/internal/signaling"
)

// Server is the signaling relay.
type Server struct {
	dir *Directory

	// mu guards dir, sessions, and calls together. One coarse lock: no
	// relay operation is hot enough to justify finer granularity.
	mu       sync.Mutex
	sessions map[string]*session // by user id; at most one per user
	conns    map[*session]struct{}
	calls    map[string]*call // by call id

	ln        net.Listener
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	audit zerolog.Logger
}

// NewServer builds a relay around an opened user directory.
func NewServer(dir *Directory) *Server {
	return &Server{
		dir:      dir,
		sessions: make(map[string]*session),
		conns:    make(map[*session]struct{}),
		calls:    make(map[string]*call),
		closed:   make(chan struct{}),
		audit:    zerolog.New(os.Stderr).With().Timestamp().Str("component", "relay").Logger(),
	}
}

// SetAuditLogger replaces the structured event log destination.
func (s *Server) SetAuditLogger(logger zerolog.Logger) {
	s.audit = logger
}

// Serve runs the accept loop until the listener is closed. Each accepted
// connection gets a dedicated worker; there is no pool.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		sess := newSession(s, conn)
		s.mu.Lock()
		s.conns[sess] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
			s.mu.Lock()
			delete(s.conns, sess)
			s.mu.Unlock()
		}()
	}
}

// Shutdown closes the listener and all live sessions, then waits for their
// workers to finish cleanup.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ln != nil {
			s.ln.Close()
		}
	})

	s.mu.Lock()
	open := make([]*session, 0, len(s.conns))
	for sess := range s.conns {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.conn.Close()
	}

	s.wg.Wait()
}

// login authenticates a session's user, superseding any previous session
// bound to the same user.
func (s *Server) login(sess *session, req signaling.LoginRequest) signaling.LoginResponse {
	s.mu.Lock()
	user, err := s.dir.Authenticate(req.Username, req.PasswordHash)
	if err != nil {
		s.mu.Unlock()
		s.audit.Warn().Str("username", req.Username).Err(err).Msg("login rejected")
		msg := "unknown user"
		if err == ErrBadCredentials {
			msg = "bad credentials"
		}
		return signaling.LoginResponse{Success: false, Error: msg}
	}

	// A new session supersedes any old one for the same user. The old
	// worker's own cleanup sees it no longer owns the user and skips the
	// state transition.
	var superseded *session
	if old, ok := s.sessions[user.UserID]; ok && old != sess {
		superseded = old
		delete(s.sessions, user.UserID)
	}

	s.sessions[user.UserID] = sess
	sess.user = user
	user.State = signaling.StateAvailable
	s.broadcastStateLocked(user)
	s.mu.Unlock()

	if superseded != nil {
		log.Info("session for %s superseded by new login", user.Username)
		superseded.conn.Close()
	}

	s.audit.Info().Str("user_id", user.UserID).Str("username", user.Username).Msg("login")
	return signaling.LoginResponse{
		Success:  true,
		UserID:   user.UserID,
		Username: user.Username,
	}
}

// register creates a new user account.
func (s *Server) register(req signaling.RegisterRequest) signaling.RegisterResponse {
	s.mu.Lock()
	user, err := s.dir.Register(req.Username, req.PasswordHash)
	s.mu.Unlock()
	if err != nil {
		s.audit.Warn().Str("username", req.Username).Err(err).Msg("register rejected")
		msg := "registration failed"
		if err == ErrUsernameTaken {
			msg = "username taken"
		}
		return signaling.RegisterResponse{Success: false, Error: msg}
	}
	s.audit.Info().Str("user_id", user.UserID).Str("username", user.Username).Msg("register")
	return signaling.RegisterResponse{Success: true, UserID: user.UserID}
}

// listUsers snapshots the directory.
func (s *Server) listUsers() signaling.UserListResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return signaling.UserListResponse{Users: s.dir.List()}
}

// requestCall creates a Pending call and rings the target. On a semantic
// failure the typed error code is returned for the session to surface.
func (s *Server) requestCall(sess *session, req signaling.CallRequest) (errCode, errMsg string) {
	caller := sess.user

	s.mu.Lock()
	if req.ToUserID == caller.UserID {
		s.mu.Unlock()
		return CodeSelfCall, "cannot call yourself"
	}
	target := s.dir.Get(req.ToUserID)
	if target == nil {
		s.mu.Unlock()
		return CodeUnknownUser, "no such user"
	}
	targetSess, online := s.sessions[target.UserID]
	if !online || target.State == signaling.StateDisconnected {
		s.mu.Unlock()
		return CodeUserOffline, target.Username + " is not connected"
	}
	if target.State == signaling.StateBusy {
		s.mu.Unlock()
		return CodeUserBusy, target.Username + " is in another call"
	}

	c := &call{
		id:     uuid.NewString(),
		caller: caller.UserID,
		callee: target.UserID,
		state:  callPending,
	}
	s.calls[c.id] = c

	targetSess.post(signaling.TypeCallNotification, signaling.CallNotification{
		CallID:       c.id,
		FromUserID:   caller.UserID,
		FromUsername: caller.Username,
	})
	s.mu.Unlock()

	s.audit.Info().Str("call_id", c.id).Str("caller", caller.UserID).Str("callee", target.UserID).Msg("call requested")
	return "", ""
}

// respondCall resolves a Pending call: accept transitions it to Active and
// both participants to Busy; decline terminates it.
func (s *Server) respondCall(sess *session, req signaling.CallResponse) (errCode, errMsg string) {
	callee := sess.user

	s.mu.Lock()
	c, ok := s.calls[req.CallID]
	if !ok {
		s.mu.Unlock()
		return CodeUnknownCall, "no such call"
	}
	if c.state != callPending || c.callee != callee.UserID {
		s.mu.Unlock()
		return CodeInvalidCallState, "call is not pending for this user"
	}

	callerSess, callerOnline := s.sessions[c.caller]
	caller := s.dir.Get(c.caller)
	if !callerOnline || caller == nil {
		delete(s.calls, c.id)
		s.mu.Unlock()
		return CodeUserOffline, "caller is gone"
	}

	if !req.Accepted {
		c.state = callTerminated
		delete(s.calls, c.id)
		callerSess.post(signaling.TypeCallDeclined, signaling.CallDeclined{
			CallID:       c.id,
			PeerUserID:   callee.UserID,
			PeerUsername: callee.Username,
		})
		s.mu.Unlock()
		s.audit.Info().Str("call_id", c.id).Msg("call declined")
		return "", ""
	}

	c.state = callActive
	caller.State = signaling.StateBusy
	callee.State = signaling.StateBusy
	callerSess.post(signaling.TypeCallAccepted, signaling.CallAccepted{
		CallID:       c.id,
		PeerUserID:   callee.UserID,
		PeerUsername: callee.Username,
	})
	s.broadcastStateLocked(caller)
	s.broadcastStateLocked(callee)
	s.mu.Unlock()

	s.audit.Info().Str("call_id", c.id).Str("caller", c.caller).Str("callee", c.callee).Msg("call accepted")
	return "", ""
}

// forwardSignaling routes an opaque SDP/ICE payload to the sender's call
// peer, verbatim. The relay never parses the sdp/candidate contents.
func (s *Server) forwardSignaling(sess *session, frameType signaling.MessageType, callID string, raw []byte) (errCode, errMsg string) {
	from := sess.user

	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return CodeUnknownCall, "no such call"
	}
	peerID := c.peerOf(from.UserID)
	if peerID == "" {
		s.mu.Unlock()
		return CodeNotParticipant, "not a participant of this call"
	}
	if c.state != callActive {
		s.mu.Unlock()
		return CodeInvalidCallState, "call does not permit signaling messages"
	}
	peerSess, online := s.sessions[peerID]
	if !online {
		s.mu.Unlock()
		return CodeUserOffline, "peer is gone"
	}
	peerSess.postRaw(frameType, raw)
	s.mu.Unlock()
	return "", ""
}

// hangup terminates a call from one participant, notifying the other and
// returning both users to Available.
func (s *Server) hangup(sess *session, req signaling.Hangup) {
	from := sess.user

	s.mu.Lock()
	c, ok := s.calls[req.CallID]
	if !ok || c.peerOf(from.UserID) == "" {
		// Hangup is idempotent; a stale or foreign call id is ignored.
		s.mu.Unlock()
		return
	}
	c.state = callTerminated
	delete(s.calls, c.id)

	if peerSess, online := s.sessions[c.peerOf(from.UserID)]; online {
		peerSess.post(signaling.TypeHangup, signaling.Hangup{CallID: c.id})
	}
	for _, id := range []string{c.caller, c.callee} {
		if u := s.dir.Get(id); u != nil && u.State == signaling.StateBusy {
			u.State = signaling.StateAvailable
			s.broadcastStateLocked(u)
		}
	}
	s.mu.Unlock()

	s.audit.Info().Str("call_id", c.id).Str("by", from.UserID).Msg("hangup")
}

// releaseUser performs the disconnect obligations for a session's
// user: remove from the connected set, synthesize Hangup toward any active
// call peer, return the peer to Available, and broadcast Disconnected.
// Idempotent: safe on every exit path, and a no-op for superseded sessions.
func (s *Server) releaseUser(sess *session) {
	s.mu.Lock()
	user := sess.user
	if user == nil {
		s.mu.Unlock()
		return
	}
	sess.user = nil
	if s.sessions[user.UserID] != sess {
		// A newer session owns this user now; nothing to clean up.
		s.mu.Unlock()
		return
	}
	delete(s.sessions, user.UserID)

	// Terminate any call this user participates in, Pending or Active.
	for id, c := range s.calls {
		peerID := c.peerOf(user.UserID)
		if peerID == "" {
			continue
		}
		wasActive := c.state == callActive
		c.state = callTerminated
		delete(s.calls, id)

		if peerSess, online := s.sessions[peerID]; online {
			peerSess.post(signaling.TypeHangup, signaling.Hangup{CallID: id})
		}
		if wasActive {
			if peer := s.dir.Get(peerID); peer != nil && peer.State == signaling.StateBusy {
				peer.State = signaling.StateAvailable
				s.broadcastStateLocked(peer)
			}
		}
	}

	user.State = signaling.StateDisconnected
	s.broadcastStateLocked(user)
	s.mu.Unlock()

	s.audit.Info().Str("user_id", user.UserID).Str("username", user.Username).Msg("disconnected")
}

// broadcastStateLocked enqueues a UserStateUpdate for user to every
// connected session except the one owned by user itself. Caller holds mu.
// Delivery is best-effort per session: a full queue drops the update for
// that session only.
func (s *Server) broadcastStateLocked(user *User) {
	update := signaling.UserStateUpdate{
		UserID:   user.UserID,
		Username: user.Username,
		State:    user.State,
	}
	for id, sess := range s.sessions {
		if id == user.UserID {
			continue
		}
		sess.post(signaling.TypeUserStateUpdate, update)
	}
}
