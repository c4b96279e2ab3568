package duocall

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/duocall/internal/media"
	"github.com/lanikai/duocall/internal/srtp"
)

// passthroughCodec returns the reassembled NALU bytes as the "decoded"
// frame, which is enough to observe the media path end to end.
type passthroughCodec struct{}

func (passthroughCodec) Decode(nalus [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, nalu := range nalus {
		buf.Write(nalu)
	}
	return buf.Bytes(), nil
}

type chanSink struct {
	frames chan []byte
}

func (s *chanSink) WriteFrame(frame []byte, _ time.Time) error {
	s.frames <- append([]byte(nil), frame...)
	return nil
}

func newTestContexts(t *testing.T) (*srtp.Context, *srtp.Context) {
	t.Helper()
	key := bytes.Repeat([]byte{0xAB}, 16)
	salt := bytes.Repeat([]byte{0xCD}, 14)
	a, err := srtp.CreateContext(key, salt)
	require.NoError(t, err)
	b, err := srtp.CreateContext(key, salt)
	require.NoError(t, err)
	return a, b
}

// Two sessions over an in-memory pipe: an access unit submitted on one side
// comes out of the other side's frame sink intact, SRTP and FU-A included.
func TestSessionMediaPath(t *testing.T) {
	connA, connB := net.Pipe()

	sendCtx, recvCtx := newTestContexts(t)
	// The reverse direction needs its own key pair so B's sender doesn't
	// share a context with A's sender.
	sendCtxB, recvCtxB := newTestContexts(t)

	sink := &chanSink{frames: make(chan []byte, 8)}

	a := NewSession(context.Background(), connA, sendCtx, recvCtxB, 0x1111, nil, nil, nil)
	defer a.Close()
	b := NewSession(context.Background(), connB, sendCtxB, recvCtx, 0x2222, sink, passthroughCodec{}, nil)
	defer b.Close()

	small := make([]byte, 100)
	small[0] = 0x41
	large := make([]byte, 5000)
	large[0] = 0x65
	for i := 1; i < len(large); i++ {
		large[i] = byte(i * 7)
	}

	a.SubmitAccessUnit(media.AccessUnit{
		NALUs:     [][]byte{small, large},
		Timestamp: time.Now(),
	})

	var got [][]byte
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case frame := <-sink.frames:
			got = append(got, frame)
		case <-deadline:
			t.Fatalf("timed out; received %d of 2 frames", len(got))
		}
	}

	assert.Equal(t, small, got[0])
	assert.Equal(t, large, got[1])
}

func TestSessionControlChannel(t *testing.T) {
	connA, connB := net.Pipe()

	sendCtx, recvCtx := newTestContexts(t)
	sendCtxB, recvCtxB := newTestContexts(t)

	a := NewSession(context.Background(), connA, sendCtx, recvCtxB, 0x1111, nil, nil, nil)
	defer a.Close()

	received := make(chan ControlMessage, 1)
	b := NewSession(context.Background(), connB, sendCtxB, recvCtx, 0x2222, nil, nil, nil)
	defer b.Close()
	b.OnControl = func(msg ControlMessage) {
		select {
		case received <- msg:
		default:
		}
	}

	a.SendControl(ControlMessage{Type: ControlParticipantName, ParticipantName: "alice"})

	select {
	case msg := <-received:
		assert.Equal(t, ControlParticipantName, msg.Type)
		assert.Equal(t, "alice", msg.ParticipantName)
	case <-time.After(5 * time.Second):
		t.Fatal("control message not delivered")
	}
}

// Newest-wins backpressure: submitting while a frame is already pending
// replaces it rather than blocking.
func TestSubmitAccessUnitNewestWins(t *testing.T) {
	s := &Session{encoded: make(chan media.AccessUnit, 1)}

	first := media.AccessUnit{NALUs: [][]byte{{0x41, 1}}}
	second := media.AccessUnit{NALUs: [][]byte{{0x41, 2}}}
	third := media.AccessUnit{NALUs: [][]byte{{0x41, 3}}}

	s.SubmitAccessUnit(first)
	s.SubmitAccessUnit(second)
	s.SubmitAccessUnit(third)

	pending := <-s.encoded
	assert.Equal(t, third.NALUs, pending.NALUs)
}
