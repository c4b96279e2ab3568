package duocall

import (
	"crypto/rand"
	"encoding/binary"
)

const iceCredentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomIceCredential generates an n-character ICE ufrag/pwd value from the
// RFC 5245 §15.1 ice-char alphabet.
func randomIceCredential(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = iceCredentialAlphabet[int(b)%len(iceCredentialAlphabet)]
	}
	return string(out)
}

// randomSSRC generates a random, non-zero synchronization source identifier
// for this peer's outgoing RTP stream.
func randomSSRC() uint32 {
	buf := make([]byte, 4)
	rand.Read(buf)
	ssrc := binary.BigEndian.Uint32(buf)
	if ssrc == 0 {
		ssrc = 1
	}
	return ssrc
}
