package relay

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/duocall/internal/signaling"
)

func startServer(t *testing.T) string {
	t.Helper()

	dir, err := OpenDirectory("")
	require.NoError(t, err)

	srv := NewServer(dir)
	srv.SetAuditLogger(zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(srv.Shutdown)

	return ln.Addr().String()
}

func dialClient(t *testing.T, addr string) *signaling.Client {
	t.Helper()
	c, err := signaling.Dial(&signaling.Config{ServerAddress: addr})
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// registerAndLogin provisions a fresh user and authenticates the client.
func registerAndLogin(t *testing.T, c *signaling.Client, username, hash string) string {
	t.Helper()
	reg, err := c.Register(username, hash)
	require.NoError(t, err)
	require.True(t, reg.Success, "register %s: %s", username, reg.Error)

	login, err := c.Login(username, hash)
	require.NoError(t, err)
	require.True(t, login.Success, "login %s: %s", username, login.Error)
	return login.UserID
}

// waitFor discards events until one of the wanted type arrives.
func waitFor(t *testing.T, c *signaling.Client, want signaling.MessageType) signaling.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame, ok := <-c.Events():
			require.True(t, ok, "connection closed while waiting for %s", want)
			if frame.Type == want {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRegisterLoginList(t *testing.T) {
	addr := startServer(t)
	a := dialClient(t, addr)

	reg, err := a.Register("alice", "h1")
	require.NoError(t, err)
	require.True(t, reg.Success)
	require.NotEmpty(t, reg.UserID)

	login, err := a.Login("alice", "h1")
	require.NoError(t, err)
	require.True(t, login.Success)
	assert.Equal(t, reg.UserID, login.UserID)
	assert.Equal(t, "alice", login.Username)

	users, err := a.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, signaling.UserInfo{
		UserID:   reg.UserID,
		Username: "alice",
		State:    signaling.StateAvailable,
	}, users[0])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	addr := startServer(t)
	a := dialClient(t, addr)
	registerAndLogin(t, a, "alice", "h1")

	b := dialClient(t, addr)
	login, err := b.Login("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, login.Success)

	login, err = b.Login("nobody", "h")
	require.NoError(t, err)
	assert.False(t, login.Success)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	addr := startServer(t)
	a := dialClient(t, addr)
	registerAndLogin(t, a, "alice", "h1")

	b := dialClient(t, addr)
	reg, err := b.Register("alice", "h2")
	require.NoError(t, err)
	assert.False(t, reg.Success)
	assert.Equal(t, "username taken", reg.Error)
}

func TestStateBroadcastOnLogin(t *testing.T) {
	addr := startServer(t)

	b := dialClient(t, addr)
	registerAndLogin(t, b, "bob", "h2")

	a := dialClient(t, addr)
	aliceID := registerAndLogin(t, a, "alice", "h1")

	frame := waitFor(t, b, signaling.TypeUserStateUpdate)
	var update signaling.UserStateUpdate
	require.NoError(t, frame.Decode(&update))
	assert.Equal(t, aliceID, update.UserID)
	assert.Equal(t, "alice", update.Username)
	assert.Equal(t, signaling.StateAvailable, update.State)

	// Exactly once: no further update for alice arrives.
	select {
	case frame, ok := <-b.Events():
		if ok && frame.Type == signaling.TypeUserStateUpdate {
			var dup signaling.UserStateUpdate
			require.NoError(t, frame.Decode(&dup))
			assert.NotEqual(t, aliceID, dup.UserID, "duplicate state update for alice")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCallAcceptPath(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	aliceID := registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	bobID := registerAndLogin(t, b, "bob", "h2")
	c := dialClient(t, addr)
	registerAndLogin(t, c, "carol", "h3")

	require.NoError(t, a.RequestCall(bobID))

	frame := waitFor(t, b, signaling.TypeCallNotification)
	var notif signaling.CallNotification
	require.NoError(t, frame.Decode(&notif))
	assert.Equal(t, aliceID, notif.FromUserID)
	assert.Equal(t, "alice", notif.FromUsername)
	require.NotEmpty(t, notif.CallID)

	require.NoError(t, b.RespondCall(notif.CallID, true))

	frame = waitFor(t, a, signaling.TypeCallAccepted)
	var accepted signaling.CallAccepted
	require.NoError(t, frame.Decode(&accepted))
	assert.Equal(t, notif.CallID, accepted.CallID)
	assert.Equal(t, bobID, accepted.PeerUserID)
	assert.Equal(t, "bob", accepted.PeerUsername)

	// Other online clients see both participants go Busy, in some order.
	busy := map[string]signaling.UserState{}
	for i := 0; i < 2; i++ {
		frame := waitFor(t, c, signaling.TypeUserStateUpdate)
		var update signaling.UserStateUpdate
		require.NoError(t, frame.Decode(&update))
		busy[update.UserID] = update.State
	}
	assert.Equal(t, signaling.StateBusy, busy[aliceID])
	assert.Equal(t, signaling.StateBusy, busy[bobID])
}

func TestCallDecline(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	bobID := registerAndLogin(t, b, "bob", "h2")

	require.NoError(t, a.RequestCall(bobID))
	frame := waitFor(t, b, signaling.TypeCallNotification)
	var notif signaling.CallNotification
	require.NoError(t, frame.Decode(&notif))

	require.NoError(t, b.RespondCall(notif.CallID, false))

	frame = waitFor(t, a, signaling.TypeCallDeclined)
	var declined signaling.CallDeclined
	require.NoError(t, frame.Decode(&declined))
	assert.Equal(t, notif.CallID, declined.CallID)

	// Neither party went Busy.
	users, err := a.ListUsers()
	require.NoError(t, err)
	for _, u := range users {
		assert.Equal(t, signaling.StateAvailable, u.State)
	}
}

func TestCallSemanticErrors(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	aliceID := registerAndLogin(t, a, "alice", "h1")

	// Self-call.
	require.NoError(t, a.RequestCall(aliceID))
	frame := waitFor(t, a, signaling.TypeError)
	var e signaling.ErrorMessage
	require.NoError(t, frame.Decode(&e))
	assert.Equal(t, CodeSelfCall, e.Code)

	// Target not connected.
	b := dialClient(t, addr)
	reg, err := b.Register("bob", "h2")
	require.NoError(t, err)
	require.NoError(t, a.RequestCall(reg.UserID))
	frame = waitFor(t, a, signaling.TypeError)
	require.NoError(t, frame.Decode(&e))
	assert.Equal(t, CodeUserOffline, e.Code)
}

func TestCallBusyTarget(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	bobID := registerAndLogin(t, b, "bob", "h2")
	c := dialClient(t, addr)
	registerAndLogin(t, c, "carol", "h3")

	require.NoError(t, a.RequestCall(bobID))
	frame := waitFor(t, b, signaling.TypeCallNotification)
	var notif signaling.CallNotification
	require.NoError(t, frame.Decode(&notif))
	require.NoError(t, b.RespondCall(notif.CallID, true))
	waitFor(t, a, signaling.TypeCallAccepted)

	// Carol now rings busy bob.
	require.NoError(t, c.RequestCall(bobID))
	frame = waitFor(t, c, signaling.TypeError)
	var e signaling.ErrorMessage
	require.NoError(t, frame.Decode(&e))
	assert.Equal(t, CodeUserBusy, e.Code)
}

func TestSignalingForwardedVerbatim(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	bobID := registerAndLogin(t, b, "bob", "h2")

	require.NoError(t, a.RequestCall(bobID))
	frame := waitFor(t, b, signaling.TypeCallNotification)
	var notif signaling.CallNotification
	require.NoError(t, frame.Decode(&notif))
	require.NoError(t, b.RespondCall(notif.CallID, true))
	waitFor(t, a, signaling.TypeCallAccepted)

	const sdp = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	require.NoError(t, a.SendOffer(notif.CallID, bobID, sdp))

	frame = waitFor(t, b, signaling.TypeSdpOffer)
	var offer signaling.SdpOffer
	require.NoError(t, frame.Decode(&offer))
	assert.Equal(t, sdp, offer.SDP)
	assert.Equal(t, notif.CallID, offer.CallID)

	require.NoError(t, b.SendCandidate(notif.CallID, offer.FromUserID,
		"candidate:842163049 1 udp 1677729535 10.0.0.2 40674 typ srflx", "0", 0))
	frame = waitFor(t, a, signaling.TypeIceCandidate)
	var cand signaling.IceCandidate
	require.NoError(t, frame.Decode(&cand))
	assert.Contains(t, cand.Candidate, "typ srflx")
}

func TestHangupReturnsBothToAvailable(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	aliceID := registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	bobID := registerAndLogin(t, b, "bob", "h2")
	c := dialClient(t, addr)
	registerAndLogin(t, c, "carol", "h3")

	require.NoError(t, a.RequestCall(bobID))
	frame := waitFor(t, b, signaling.TypeCallNotification)
	var notif signaling.CallNotification
	require.NoError(t, frame.Decode(&notif))
	require.NoError(t, b.RespondCall(notif.CallID, true))
	waitFor(t, a, signaling.TypeCallAccepted)

	require.NoError(t, a.SendHangup(notif.CallID))

	frame = waitFor(t, b, signaling.TypeHangup)
	var hangup signaling.Hangup
	require.NoError(t, frame.Decode(&hangup))
	assert.Equal(t, notif.CallID, hangup.CallID)

	available := map[string]signaling.UserState{}
	for len(available) < 2 {
		frame := waitFor(t, c, signaling.TypeUserStateUpdate)
		var update signaling.UserStateUpdate
		require.NoError(t, frame.Decode(&update))
		available[update.UserID] = update.State
	}
	assert.Equal(t, signaling.StateAvailable, available[aliceID])
	assert.Equal(t, signaling.StateAvailable, available[bobID])
}

func TestDisconnectCleanupWithActiveCall(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	aliceID := registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	bobID := registerAndLogin(t, b, "bob", "h2")
	c := dialClient(t, addr)
	registerAndLogin(t, c, "carol", "h3")

	require.NoError(t, a.RequestCall(bobID))
	frame := waitFor(t, b, signaling.TypeCallNotification)
	var notif signaling.CallNotification
	require.NoError(t, frame.Decode(&notif))
	require.NoError(t, b.RespondCall(notif.CallID, true))
	waitFor(t, a, signaling.TypeCallAccepted)

	// Alice's connection drops mid-call.
	a.Shutdown()

	frame = waitFor(t, b, signaling.TypeHangup)
	var hangup signaling.Hangup
	require.NoError(t, frame.Decode(&hangup))
	assert.Equal(t, notif.CallID, hangup.CallID)

	frame = waitFor(t, b, signaling.TypeUserStateUpdate)
	var update signaling.UserStateUpdate
	require.NoError(t, frame.Decode(&update))
	assert.Equal(t, aliceID, update.UserID)
	assert.Equal(t, signaling.StateDisconnected, update.State)

	// Another online client sees bob return to Available and alice drop.
	seen := map[string]signaling.UserState{}
	for len(seen) < 2 {
		frame := waitFor(t, c, signaling.TypeUserStateUpdate)
		var u signaling.UserStateUpdate
		require.NoError(t, frame.Decode(&u))
		seen[u.UserID] = u.State
	}
	assert.Equal(t, signaling.StateAvailable, seen[bobID])
	assert.Equal(t, signaling.StateDisconnected, seen[aliceID])

	users, err := c.ListUsers()
	require.NoError(t, err)
	for _, u := range users {
		if u.UserID == bobID {
			assert.Equal(t, signaling.StateAvailable, u.State)
		}
	}
}

func TestSecondLoginSupersedes(t *testing.T) {
	addr := startServer(t)

	first := dialClient(t, addr)
	registerAndLogin(t, first, "alice", "h1")

	second := dialClient(t, addr)
	login, err := second.Login("alice", "h1")
	require.NoError(t, err)
	require.True(t, login.Success)

	// The first session's connection is closed by the relay; its event
	// channel drains and closes.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-first.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("superseded session was not closed")
		}
	}
}

func TestLogout(t *testing.T) {
	addr := startServer(t)

	a := dialClient(t, addr)
	aliceID := registerAndLogin(t, a, "alice", "h1")
	b := dialClient(t, addr)
	registerAndLogin(t, b, "bob", "h2")

	resp, err := a.Logout()
	require.NoError(t, err)
	assert.True(t, resp.Success)

	frame := waitFor(t, b, signaling.TypeUserStateUpdate)
	var update signaling.UserStateUpdate
	require.NoError(t, frame.Decode(&update))
	assert.Equal(t, aliceID, update.UserID)
	assert.Equal(t, signaling.StateDisconnected, update.State)
}

func TestUnauthenticatedListRejected(t *testing.T) {
	addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, signaling.WriteFrame(conn, signaling.TypeUserListRequest, signaling.UserListRequest{}))
	frame, err := signaling.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, signaling.TypeError, frame.Type)

	var e signaling.ErrorMessage
	require.NoError(t, frame.Decode(&e))
	assert.Equal(t, CodeUnauthenticated, e.Code)
}

func TestProtocolViolationClosesOnlyOffender(t *testing.T) {
	addr := startServer(t)

	healthy := dialClient(t, addr)
	registerAndLogin(t, healthy, "alice", "h1")

	// An oversize length field must close the offending connection.
	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer bad.Close()
	_, err = bad.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	buf := make([]byte, 1)
	bad.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = bad.Read(buf)
	assert.Error(t, err, "offending connection should be closed")

	// The healthy session is unaffected.
	users, err := healthy.ListUsers()
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
