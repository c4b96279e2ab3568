package srtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtectUnprotectRoundTrip(t *testing.T) {
	masterKey := []byte("0123456789012345")
	masterSalt := []byte("01234567890123")

	sender, err := CreateContext(masterKey, masterSalt)
	assert.NoError(t, err)
	receiver, err := CreateContext(masterKey, masterSalt)
	assert.NoError(t, err)

	m := rtpMsg{
		marker:         true,
		payloadType:    96,
		sequenceNumber: 1234,
		timestamp:      0x20180709,
		ssrc:           0x20180709,
		csrc:           []uint32{},
		payload:        []byte("hello, video"),
	}

	protected, err := sender.Protect(m.marshal())
	assert.NoError(t, err)

	plaintextPkt, err := receiver.Unprotect(protected)
	assert.NoError(t, err)

	var got rtpMsg
	assert.NoError(t, got.unmarshal(plaintextPkt))
	assert.Equal(t, "hello, video", string(got.payload))
	assert.Equal(t, m.sequenceNumber, got.sequenceNumber)
	assert.Equal(t, m.ssrc, got.ssrc)
}

func TestUnprotectRejectsTamperedAuthTag(t *testing.T) {
	masterKey := []byte("0123456789012345")
	masterSalt := []byte("01234567890123")

	ctx, err := CreateContext(masterKey, masterSalt)
	assert.NoError(t, err)

	m := rtpMsg{payloadType: 96, sequenceNumber: 1, ssrc: 42, csrc: []uint32{}, payload: []byte("x")}
	protected, err := ctx.Protect(m.marshal())
	assert.NoError(t, err)

	protected[len(protected)-1] ^= 0xff

	_, err = ctx.Unprotect(protected)
	assert.Error(t, err)
}

func TestUnprotectRejectsReplay(t *testing.T) {
	masterKey := []byte("0123456789012345")
	masterSalt := []byte("01234567890123")

	sender, _ := CreateContext(masterKey, masterSalt)
	receiver, _ := CreateContext(masterKey, masterSalt)

	m := rtpMsg{payloadType: 96, sequenceNumber: 7, ssrc: 42, csrc: []uint32{}, payload: []byte("x")}
	protected, _ := sender.Protect(m.marshal())

	_, err := receiver.Unprotect(append([]byte{}, protected...))
	assert.NoError(t, err)

	_, err = receiver.Unprotect(append([]byte{}, protected...))
	assert.Error(t, err)
}
