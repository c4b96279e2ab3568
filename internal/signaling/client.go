package signaling

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	errors "golang.org/x/xerrors"
)

const responseTimeout = 5 * time.Second

var (
	ErrClientClosed    = errors.New("signaling: client closed")
	ErrResponseTimeout = errors.New("signaling: timed out waiting for response")
	ErrRequestPending  = errors.New("signaling: request of this type already in flight")
)

// Client is the client half of the relay protocol (C11). It owns one
// persistent connection to the relay; request/response pairs (login,
// register, user list, logout) are exposed as synchronous calls, while
// push messages (call notifications, SDP, ICE, state updates) are surfaced
// on the Events channel in arrival order.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[MessageType]chan Frame

	events chan Frame

	done      chan struct{}
	closeOnce sync.Once

	// Identity established by a successful Login.
	UserID   string
	Username string
}

// Dial connects to the relay per config and starts the client's read loop.
func Dial(config *Config) (*Client, error) {
	var conn net.Conn
	var err error
	if config.EnableTLS {
		conn, err = tls.Dial("tcp", config.ServerAddress, &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify,
		})
	} else {
		conn, err = net.Dial("tcp", config.ServerAddress)
	}
	if err != nil {
		return nil, errors.Errorf("signaling: dial %s: %w", config.ServerAddress, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[MessageType]chan Frame),
		events:  make(chan Frame, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if config.HeartbeatSeconds > 0 {
		go c.heartbeatLoop(time.Duration(config.HeartbeatSeconds) * time.Second)
	}

	return c, nil
}

// Events delivers push messages from the relay in arrival order. The
// channel is closed when the connection drops or Shutdown is called.
func (c *Client) Events() <-chan Frame {
	return c.events
}

// Shutdown closes the connection; the read loop exits and Events closes.
func (c *Client) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn("connection to relay lost: %v", err)
				c.Shutdown()
			}
			return
		}

		c.mu.Lock()
		waiter, ok := c.pending[frame.Type]
		if ok {
			delete(c.pending, frame.Type)
		}
		c.mu.Unlock()

		if ok {
			waiter <- frame
			continue
		}

		select {
		case c.events <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(TypeHeartbeat, Heartbeat{Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(t MessageType, v interface{}) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, t, v)
}

// call sends a request and blocks until the response frame of the given
// type arrives. One outstanding request per response type at a time; the
// protocol carries no correlation ids.
func (c *Client) call(reqType MessageType, req interface{}, respType MessageType) (Frame, error) {
	waiter := make(chan Frame, 1)

	c.mu.Lock()
	if _, exists := c.pending[respType]; exists {
		c.mu.Unlock()
		return Frame{}, ErrRequestPending
	}
	c.pending[respType] = waiter
	c.mu.Unlock()

	if err := c.send(reqType, req); err != nil {
		c.mu.Lock()
		delete(c.pending, respType)
		c.mu.Unlock()
		return Frame{}, err
	}

	select {
	case frame := <-waiter:
		return frame, nil
	case <-time.After(responseTimeout):
		c.mu.Lock()
		delete(c.pending, respType)
		c.mu.Unlock()
		return Frame{}, ErrResponseTimeout
	case <-c.done:
		return Frame{}, ErrClientClosed
	}
}

// Register creates a new user account on the relay.
func (c *Client) Register(username, passwordHash string) (RegisterResponse, error) {
	frame, err := c.call(TypeRegisterRequest, RegisterRequest{
		Username:     username,
		PasswordHash: passwordHash,
	}, TypeRegisterResponse)
	if err != nil {
		return RegisterResponse{}, err
	}
	var resp RegisterResponse
	err = frame.Decode(&resp)
	return resp, err
}

// Login authenticates this connection. On success the client records its
// identity for use in outgoing call messages.
func (c *Client) Login(username, passwordHash string) (LoginResponse, error) {
	frame, err := c.call(TypeLoginRequest, LoginRequest{
		Username:     username,
		PasswordHash: passwordHash,
	}, TypeLoginResponse)
	if err != nil {
		return LoginResponse{}, err
	}
	var resp LoginResponse
	if err := frame.Decode(&resp); err != nil {
		return LoginResponse{}, err
	}
	if resp.Success {
		c.UserID = resp.UserID
		c.Username = resp.Username
	}
	return resp, nil
}

// ListUsers fetches the directory with each user's current state.
func (c *Client) ListUsers() ([]UserInfo, error) {
	frame, err := c.call(TypeUserListRequest, UserListRequest{}, TypeUserListResponse)
	if err != nil {
		return nil, err
	}
	var resp UserListResponse
	if err := frame.Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// Logout releases this user's session. The relay broadcasts the state
// change; the connection stays usable for a subsequent Login.
func (c *Client) Logout() (LogoutResponse, error) {
	frame, err := c.call(TypeLogoutRequest, LogoutRequest{}, TypeLogoutResponse)
	if err != nil {
		return LogoutResponse{}, err
	}
	var resp LogoutResponse
	err = frame.Decode(&resp)
	return resp, err
}

// RequestCall asks the relay to ring the target user. The outcome arrives
// asynchronously as CallAccepted, CallDeclined, or Error on Events.
func (c *Client) RequestCall(toUserID string) error {
	return c.send(TypeCallRequest, CallRequest{ToUserID: toUserID})
}

// RespondCall accepts or declines a pending incoming call.
func (c *Client) RespondCall(callID string, accepted bool) error {
	return c.send(TypeCallResponse, CallResponse{CallID: callID, Accepted: accepted})
}

// SendOffer forwards a local SDP offer to the call peer.
func (c *Client) SendOffer(callID, toUserID, sdp string) error {
	return c.send(TypeSdpOffer, SdpOffer{
		CallID:     callID,
		FromUserID: c.UserID,
		ToUserID:   toUserID,
		SDP:        sdp,
	})
}

// SendAnswer forwards a local SDP answer to the call peer.
func (c *Client) SendAnswer(callID, toUserID, sdp string) error {
	return c.send(TypeSdpAnswer, SdpAnswer{
		CallID:     callID,
		FromUserID: c.UserID,
		ToUserID:   toUserID,
		SDP:        sdp,
	})
}

// SendCandidate forwards a trickled local ICE candidate to the call peer.
func (c *Client) SendCandidate(callID, toUserID, candidate, sdpMid string, sdpMlineIndex int) error {
	return c.send(TypeIceCandidate, IceCandidate{
		CallID:        callID,
		FromUserID:    c.UserID,
		ToUserID:      toUserID,
		Candidate:     candidate,
		SdpMid:        sdpMid,
		SdpMlineIndex: sdpMlineIndex,
	})
}

// SendHangup terminates a call.
func (c *Client) SendHangup(callID string) error {
	return c.send(TypeHangup, Hangup{CallID: callID})
}
