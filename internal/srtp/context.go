// Copyright 2019 Lanikai Labs. All rights reserved.

package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"

	errors "golang.org/x/xerrors"
)

// RFC 3711 session key labels (§4.3.2).
const (
	labelSRTPEncryption  = 0x00
	labelSRTPAuth        = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPAuth       = 0x04
	labelSRTCPSalt       = 0x05
)

const (
	srtpSessionKeyLen  = 16 // AES-128
	srtpSessionSaltLen = 14 // 112-bit salt, RFC 3711 §4.3
	srtpAuthKeyLen     = 20 // HMAC-SHA1 key length
	authTagLen         = 10 // HMAC-SHA1-80

	// maxROCDisorder bounds how far a sequence number may appear to have
	// gone backwards before we conclude the rollover counter, not just
	// packet order, needs adjusting. RFC 3550 Appendix A.1 style guard.
	maxROCDisorder    = 100
	maxSequenceNumber = 65535

	// replayWindowSize is the number of recent sequence numbers (relative
	// to the highest seen) tracked to reject duplicate/replayed packets.
	replayWindowSize = 64
)

// Context holds SRTP session keys derived from a DTLS-SRTP master
// key/salt, plus per-SSRC rollover and replay state. It implements RFC 3711
// AES-128-CTR confidentiality with HMAC-SHA1-80 authentication.
type Context struct {
	srtpBlock          cipher.Block
	srtpSessionSalt    []byte
	srtpSessionAuthKey []byte

	ssrcStates map[uint32]*ssrcState
}

type ssrcState struct {
	ssrc                  uint32
	rolloverCounter       uint32
	rolloverHasProcessed  bool
	lastSequenceNumber    uint16
	replayHighestSequence uint16
	replayHasProcessed    bool
	replayWindow          uint64
}

// CreateContext derives SRTP session keys from the given DTLS-exported
// master key and master salt, per RFC 3711 §4.3.1.
func CreateContext(masterKey, masterSalt []byte) (*Context, error) {
	if len(masterSalt) != srtpSessionSaltLen {
		return nil, errors.Errorf("srtp: master salt must be %d bytes, got %d", srtpSessionSaltLen, len(masterSalt))
	}

	sessionKey, err := deriveSessionKey(labelSRTPEncryption, masterKey, masterSalt, srtpSessionKeyLen)
	if err != nil {
		return nil, errors.Errorf("srtp: deriving session key: %w", err)
	}
	sessionSalt, err := deriveSessionKey(labelSRTPSalt, masterKey, masterSalt, srtpSessionSaltLen)
	if err != nil {
		return nil, errors.Errorf("srtp: deriving session salt: %w", err)
	}
	sessionAuthKey, err := deriveSessionKey(labelSRTPAuth, masterKey, masterSalt, srtpAuthKeyLen)
	if err != nil {
		return nil, errors.Errorf("srtp: deriving auth key: %w", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, errors.Errorf("srtp: %w", err)
	}

	return &Context{
		srtpBlock:          block,
		srtpSessionSalt:    sessionSalt,
		srtpSessionAuthKey: sessionAuthKey,
		ssrcStates:         make(map[uint32]*ssrcState),
	}, nil
}

// deriveSessionKey implements the RFC 3711 §4.3.1 key derivation function
// with key_derivation_rate = 0 (derive once, r always 0): the label is
// XORed into the master salt (zero-extended to the cipher block size), and
// the result is used as the IV for an AES-CTR keystream keyed by the master
// key. The first outLen bytes of that keystream are the derived key.
func deriveSessionKey(label byte, masterKey, masterSalt []byte, outLen int) ([]byte, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, block.BlockSize())
	copy(iv, masterSalt)
	iv[7] ^= label

	out := make([]byte, ((outLen+block.BlockSize()-1)/block.BlockSize())*block.BlockSize())
	cipher.NewCTR(block, iv).XORKeyStream(out, out)
	return out[:outLen], nil
}

// generateCounter builds the 16-byte AES-CTR IV for a given packet, per
// RFC 3711 §4.1.1: the SSRC, rollover counter, and sequence number are
// packed into a zero IV, which is then XORed with the session salt.
func (c *Context) generateCounter(sequenceNumber uint16, rolloverCounter, ssrc uint32, sessionSalt []byte) []byte {
	counter := make([]byte, 16)

	binary.BigEndian.PutUint32(counter[4:], ssrc)
	binary.BigEndian.PutUint32(counter[8:], rolloverCounter)
	binary.BigEndian.PutUint16(counter[12:], sequenceNumber)

	for i := range sessionSalt {
		counter[i] ^= sessionSalt[i]
	}

	return counter
}

// generateAuthTag computes the HMAC-SHA1-80 authentication tag over buf.
func (c *Context) generateAuthTag(buf, authKey []byte) ([]byte, error) {
	mac := hmac.New(sha1.New, authKey)
	if _, err := mac.Write(buf); err != nil {
		return nil, err
	}
	return mac.Sum(nil)[:authTagLen], nil
}

// xorKeyStream applies the AES-CTR keystream for this SSRC/ROC/sequence to
// m.payload in place. Used symmetrically by both encrypt and decrypt.
func (c *Context) xorKeyStream(m *rtpMsg, rolloverCounter uint32) {
	stream := cipher.NewCTR(c.srtpBlock, c.generateCounter(m.sequenceNumber, rolloverCounter, m.ssrc, c.srtpSessionSalt))
	stream.XORKeyStream(m.payload, m.payload)
}

// encrypt a SRTP packet in place, appending the auth tag to m.payload.
func (c *Context) encrypt(m *rtpMsg) bool {
	s := c.getSSRCState(m.ssrc)

	c.updateRolloverCount(m.sequenceNumber, s)
	c.xorKeyStream(m, s.rolloverCounter)

	fullPkt := m.marshal()
	fullPkt = append(fullPkt, make([]byte, 4)...)
	binary.BigEndian.PutUint32(fullPkt[len(fullPkt)-4:], s.rolloverCounter)

	authTag, err := c.generateAuthTag(fullPkt, c.srtpSessionAuthKey)
	if err != nil {
		return false
	}

	m.payload = append(m.payload, authTag...)
	return true
}

// decrypt a SRTP packet's payload in place. The caller must have already
// stripped and verified the authentication tag, and rolled back any
// rollover-counter state it doesn't want advanced by an unauthenticated call.
func (c *Context) decrypt(m *rtpMsg) bool {
	s := c.getSSRCState(m.ssrc)

	c.updateRolloverCount(m.sequenceNumber, s)
	c.xorKeyStream(m, s.rolloverCounter)

	return true
}

// https://tools.ietf.org/html/rfc3550#appendix-A.1
func (c *Context) updateRolloverCount(sequenceNumber uint16, s *ssrcState) {
	if !s.rolloverHasProcessed {
		s.rolloverHasProcessed = true
	} else if sequenceNumber == 0 { // We exactly hit the rollover count

		// Only update rolloverCounter if lastSequenceNumber is greater then maxROCDisorder
		// otherwise we already incremented for disorder
		if s.lastSequenceNumber > maxROCDisorder {
			s.rolloverCounter++
		}
	} else if s.lastSequenceNumber < maxROCDisorder && sequenceNumber > (maxSequenceNumber-maxROCDisorder) {
		// Our last sequence number incremented because we crossed 0, but then our current number was within maxROCDisorder of the max
		// So we fell behind, drop to account for jitter
		s.rolloverCounter--
	} else if sequenceNumber < maxROCDisorder && s.lastSequenceNumber > (maxSequenceNumber-maxROCDisorder) {
		// our current is within a maxROCDisorder of 0
		// and our last sequence number was a high sequence number, increment to account for jitter
		s.rolloverCounter++
	}
	s.lastSequenceNumber = sequenceNumber
}

func (c *Context) getSSRCState(ssrc uint32) *ssrcState {
	s, ok := c.ssrcStates[ssrc]
	if ok {
		return s
	}

	s = &ssrcState{ssrc: ssrc}
	c.ssrcStates[ssrc] = s
	return s
}

// checkReplay reports whether sequenceNumber has already been seen (or
// falls too far behind the highest seen sequence number), per RFC 3711
// RFC 3711 §3.3.2's sliding replay-window protection. It does not mutate state; call
// markSeen after the packet authenticates successfully.
func (c *Context) checkReplay(s *ssrcState, sequenceNumber uint16) bool {
	if !s.replayHasProcessed {
		return true
	}

	diff := int32(s.replayHighestSequence) - int32(sequenceNumber)
	if diff < 0 {
		return true // strictly newer than anything seen
	}
	if diff >= replayWindowSize {
		return false // too old
	}
	// In-window, including diff == 0: the highest seen sequence itself is
	// bit 0 and an exact repeat of it must be rejected.
	return s.replayWindow&(1<<uint(diff)) == 0
}

func (c *Context) markSeen(s *ssrcState, sequenceNumber uint16) {
	if !s.replayHasProcessed {
		s.replayHasProcessed = true
		s.replayHighestSequence = sequenceNumber
		s.replayWindow = 1
		return
	}

	diff := int32(sequenceNumber) - int32(s.replayHighestSequence)
	switch {
	case diff > 0:
		if diff < replayWindowSize {
			s.replayWindow <<= uint(diff)
		} else {
			s.replayWindow = 0
		}
		s.replayWindow |= 1
		s.replayHighestSequence = sequenceNumber
	case diff == 0:
		s.replayWindow |= 1
	default:
		d := -diff
		if d < replayWindowSize {
			s.replayWindow |= 1 << uint(d)
		}
	}
}

// Protect encrypts and authenticates an RTP packet for transmission. pkt
// must be a complete, marshaled RTP packet (header + payload); the
// returned slice is pkt with its payload encrypted and an auth tag
// appended.
func (c *Context) Protect(pkt []byte) ([]byte, error) {
	var m rtpMsg
	if err := m.unmarshal(pkt); err != nil {
		return nil, errors.Errorf("srtp: protect: %w", err)
	}

	if !c.encrypt(&m) {
		return nil, errors.New("srtp: protect: failed to generate auth tag")
	}

	return m.marshal(), nil
}

// Unprotect authenticates and decrypts a received SRTP packet, verifying
// the auth tag before touching ciphertext (authenticate-then-decrypt) and
// rejecting replayed sequence numbers.
func (c *Context) Unprotect(pkt []byte) ([]byte, error) {
	if len(pkt) < authTagLen {
		return nil, errMalformedPacket
	}

	cipherPart := pkt[:len(pkt)-authTagLen]
	tag := pkt[len(pkt)-authTagLen:]

	var m rtpMsg
	if err := m.unmarshal(cipherPart); err != nil {
		return nil, errors.Errorf("srtp: unprotect: %w", err)
	}

	s := c.getSSRCState(m.ssrc)

	if !c.checkReplay(s, m.sequenceNumber) {
		return nil, errReplayed
	}

	// Authenticate against the ROC implied by the current state, without
	// yet committing any rollover-counter advance.
	roc := s.rolloverCounter
	if s.rolloverHasProcessed && m.sequenceNumber == 0 && s.lastSequenceNumber > maxROCDisorder {
		roc++
	}

	authInput := append(append([]byte{}, cipherPart...), make([]byte, 4)...)
	binary.BigEndian.PutUint32(authInput[len(authInput)-4:], roc)
	expected, err := c.generateAuthTag(authInput, c.srtpSessionAuthKey)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, tag) {
		return nil, errAuthenticationFailed
	}

	if !c.decrypt(&m) {
		return nil, errors.New("srtp: unprotect: decrypt failed")
	}
	c.markSeen(s, m.sequenceNumber)

	return m.marshal(), nil
}
