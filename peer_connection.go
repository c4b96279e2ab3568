// Copyright (c) 2019 Lanikai Labs. All rights reserved.

// Package duocall implements the peer-to-peer side of a two-party video
// call: ICE connectivity establishment, a DTLS-SRTP handshake, and the
// resulting media session, driven by a state machine whose
// transitions are triggered by the signaling client.
package duocall

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/duocall/internal/dtls"
	"github.com/lanikai/duocall/internal/ice"
	"github.com/lanikai/duocall/internal/media"
	"github.com/lanikai/duocall/internal/mux"
	"github.com/lanikai/duocall/internal/sdp"
	"github.com/lanikai/duocall/internal/srtp"
)

const (
	sdpUsername = "lanikai"

	keyLen  = 16
	saltLen = 14

	// callSetupBudget bounds offer-to-Active latency.
	callSetupBudget = 30 * time.Second
)

// State is a peer connection lifecycle state.
type State int

const (
	Idle State = iota
	Offering
	Answering
	IceChecking
	DtlsHandshake
	Active
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Offering:
		return "Offering"
	case Answering:
		return "Answering"
	case IceChecking:
		return "IceChecking"
	case DtlsHandshake:
		return "DtlsHandshake"
	case Active:
		return "Active"
	case Failed:
		return "Failed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// pendingCandidate buffers a remote ICE candidate that arrived before the
// remote SDP was applied; it is replayed once ufrag/pwd are known.
type pendingCandidate struct {
	desc string
	mid  string
}

// PeerConnection drives one call's ICE + DTLS establishment and owns the
// resulting media Session.
type PeerConnection struct {
	mu    sync.Mutex
	state State

	localContext context.Context
	teardown     context.CancelFunc

	localDescription  sdp.Session
	remoteDescription sdp.Session

	dynamicType uint8

	iceAgent       *ice.Agent
	iceConfigured  bool
	pendingRemoteCandidates []pendingCandidate

	mux *mux.Mux

	certificate *x509.Certificate
	privateKey  crypto.PrivateKey
	fingerprint string

	localSetupRole string

	session *Session

	// onStateChange is invoked on every transition; the signaling client
	// uses it to notify the relay (CallFailed, Hangup) and to drive UI.
	onStateChange func(State)

	// OnIceCandidate, when set, receives each local candidate as it is
	// gathered, in SDP attribute form, for trickling to the peer.
	OnIceCandidate func(desc, mid string)
}

// NewPeerConnection creates a PeerConnection in the Idle state, generating a
// fresh self-signed DTLS certificate for this call.
func NewPeerConnection(ctx context.Context, onStateChange func(State)) (*PeerConnection, error) {
	pc := &PeerConnection{
		state:         Idle,
		onStateChange: onStateChange,
	}
	pc.localContext, pc.teardown = context.WithCancel(ctx)
	pc.iceAgent = ice.NewAgent(pc.localContext)

	var err error
	pc.certificate, pc.privateKey, err = dtls.GenerateSelfSigned()
	if err != nil {
		return nil, errors.Errorf("peer_connection: generate certificate: %w", err)
	}
	pc.fingerprint, err = dtls.Fingerprint(pc.certificate, dtls.HashAlgorithmSHA256)
	if err != nil {
		return nil, errors.Errorf("peer_connection: fingerprint: %w", err)
	}
	return pc, nil
}

func (pc *PeerConnection) setState(s State) {
	pc.mu.Lock()
	pc.state = s
	pc.mu.Unlock()
	log.Info("peer connection: %s", s)
	if pc.onStateChange != nil {
		pc.onStateChange(s)
	}
}

// State returns the controller's current state.
func (pc *PeerConnection) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// CreateOffer transitions Idle -> Offering and returns the local SDP offer.
func (pc *PeerConnection) CreateOffer() (string, error) {
	pc.localSetupRole = "actpass"
	offer := pc.buildSession("actpass", pc.defaultDynamicType())
	pc.localDescription = offer
	pc.setState(Offering)
	return offer.String(), nil
}

func (pc *PeerConnection) defaultDynamicType() uint8 {
	if pc.dynamicType == 0 {
		return 96
	}
	return pc.dynamicType
}

// SetRemoteOffer validates and applies a remote offer (Idle -> Answering),
// returning the local SDP answer to send back.
func (pc *PeerConnection) SetRemoteOffer(sdpOffer string) (sdpAnswer string, err error) {
	offer, err := sdp.ParseSession(sdpOffer)
	if err != nil {
		return "", errors.Errorf("peer_connection: parse offer: %w", err)
	}
	if err := offer.Validate(); err != nil {
		return "", errors.Errorf("peer_connection: invalid offer: %w", err)
	}
	pc.remoteDescription = offer

	offererRole := offer.Media[0].GetAttr("setup")
	answerRole, err := sdp.AnswerSetupRole(offererRole)
	if err != nil {
		return "", err
	}
	pc.localSetupRole = answerRole

	answer := pc.buildSession(answerRole, pc.negotiatedDynamicType(offer))
	pc.localDescription = answer

	pc.configureIce(offer, answer, false)
	pc.setState(Answering)

	return answer.String(), nil
}

// SetRemoteAnswer applies a remote answer to an offer we created
// (Offering -> IceChecking).
func (pc *PeerConnection) SetRemoteAnswer(sdpAnswer string) error {
	answer, err := sdp.ParseSession(sdpAnswer)
	if err != nil {
		return errors.Errorf("peer_connection: parse answer: %w", err)
	}
	if err := answer.Validate(); err != nil {
		return errors.Errorf("peer_connection: invalid answer: %w", err)
	}
	pc.remoteDescription = answer

	// We offered actpass; the answerer resolved it to active or passive, and
	// we take the complementary role (RFC 5763 §5).
	switch answer.Media[0].GetAttr("setup") {
	case "active":
		pc.localSetupRole = "passive"
	case "passive":
		pc.localSetupRole = "active"
	default:
		return errors.Errorf("peer_connection: answer has invalid setup role %q", answer.Media[0].GetAttr("setup"))
	}

	pc.configureIce(answer, pc.localDescription, true)
	pc.setState(IceChecking)
	go pc.runConnectionEstablishment()
	return nil
}

// LocalAnswerSent signals that the answer returned by SetRemoteOffer has
// been delivered to the peer (Answering -> IceChecking).
func (pc *PeerConnection) LocalAnswerSent() {
	pc.setState(IceChecking)
	go pc.runConnectionEstablishment()
}

func (pc *PeerConnection) negotiatedDynamicType(offer sdp.Session) uint8 {
	best := uint8(0)
	for _, attr := range offer.Media[0].Attributes {
		if attr.Key != "rtpmap" || !strings.Contains(attr.Value, "H264/90000") {
			continue
		}
		n, err := strconv.Atoi(strings.Fields(attr.Value)[0])
		if err == nil && (best == 0 || uint8(n) < best) {
			best = uint8(n)
		}
	}
	if best == 0 {
		best = 96
	}
	pc.dynamicType = best
	return best
}

func (pc *PeerConnection) buildSession(setupRole string, payloadType uint8) sdp.Session {
	return sdp.Session{
		Version: 0,
		Origin: sdp.Origin{
			Username:       sdpUsername,
			SessionId:      strconv.FormatInt(time.Now().UnixNano(), 10),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			Address:        "127.0.0.1",
		},
		Name: "-",
		Time: []sdp.Time{{}},
		Media: []sdp.Media{{
			Type:   "video",
			Port:   9,
			Proto:  "UDP/TLS/RTP/SAVPF",
			Format: []string{strconv.Itoa(int(payloadType))},
			Connection: &sdp.Connection{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     "0.0.0.0",
			},
			Attributes: []sdp.Attribute{
				{Key: "mid", Value: "0"},
				{Key: "rtcp", Value: "9 IN IP4 0.0.0.0"},
				{Key: "ice-ufrag", Value: randomIceCredential(4)},
				{Key: "ice-pwd", Value: randomIceCredential(22)},
				{Key: "ice-options", Value: "trickle"},
				{Key: "fingerprint", Value: "sha-256 " + strings.ToUpper(pc.fingerprint)},
				{Key: "setup", Value: setupRole},
				{Key: "sendrecv"},
				{Key: "rtcp-mux"},
				{Key: "rtpmap", Value: fmt.Sprintf("%d H264/90000", payloadType)},
				{Key: "fmtp", Value: fmt.Sprintf("%d level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", payloadType)},
			},
		}},
	}
}

// configureIce wires the negotiated ufrag/pwd and agent role into the ICE
// Agent and replays any remote candidates that arrived before this point.
// The offerer is the controlling agent.
func (pc *PeerConnection) configureIce(remote, local sdp.Session, controlling bool) {
	mid := remote.Media[0].GetAttr("mid")
	remoteUfrag := remote.Media[0].GetAttr("ice-ufrag")
	localUfrag := local.Media[0].GetAttr("ice-ufrag")
	username := remoteUfrag + ":" + localUfrag
	localPassword := local.Media[0].GetAttr("ice-pwd")
	remotePassword := remote.Media[0].GetAttr("ice-pwd")

	pc.iceAgent.Configure(mid, username, localPassword, remotePassword, controlling)

	pc.mu.Lock()
	pc.iceConfigured = true
	pending := pc.pendingRemoteCandidates
	pc.pendingRemoteCandidates = nil
	pc.mu.Unlock()

	for _, p := range pending {
		if err := pc.iceAgent.AddRemoteCandidate(p.desc, p.mid); err != nil {
			log.Warn("replaying buffered candidate: %v", err)
		}
	}
}

// AddIceCandidate adds a remote ICE candidate, buffering it if the remote
// SDP hasn't been applied yet.
func (pc *PeerConnection) AddIceCandidate(desc, mid string) error {
	pc.mu.Lock()
	if !pc.iceConfigured {
		pc.pendingRemoteCandidates = append(pc.pendingRemoteCandidates, pendingCandidate{desc, mid})
		pc.mu.Unlock()
		return nil
	}
	pc.mu.Unlock()
	return pc.iceAgent.AddRemoteCandidate(desc, mid)
}

// runConnectionEstablishment drives ICE -> DTLS -> Active, enforcing the
// overall 30-second call-setup budget.
func (pc *PeerConnection) runConnectionEstablishment(opts ...func(*Session)) {
	ctx, cancel := context.WithTimeout(pc.localContext, callSetupBudget)
	defer cancel()

	lcand := make(chan ice.Candidate, 8)
	go func() {
		for c := range lcand {
			if pc.OnIceCandidate != nil {
				pc.OnIceCandidate(c.String(), c.Mid())
			}
		}
	}()

	iceConn, err := pc.iceAgent.EstablishConnection(lcand)
	if err != nil {
		log.Error("ICE failed: %v", err)
		pc.setState(Failed)
		return
	}

	select {
	case <-ctx.Done():
		pc.setState(Failed)
		return
	default:
	}

	pc.setState(DtlsHandshake)

	pc.mux = mux.NewMux(iceConn, 8192)
	dtlsEndpoint := pc.mux.NewEndpoint(mux.MatchDTLS)
	srtpEndpoint := pc.mux.NewEndpoint(mux.MatchSRTP)

	// The peer's certificate is accepted iff it matches the fingerprint
	// from its SDP; a mismatch aborts the handshake with no fallback.
	config := &dtls.Config{
		Certificate:         pc.certificate,
		PrivateKey:          pc.privateKey,
		ExpectedFingerprint: pc.remoteDescription.Media[0].GetAttr("fingerprint"),
	}

	var dtlsConn *dtls.Conn
	if pc.localSetupRole == "active" || pc.localSetupRole == "actpass" {
		dtlsConn, err = dtls.Client(dtlsEndpoint, config)
	} else {
		dtlsConn, err = dtls.Server(dtlsEndpoint, config)
	}
	if err != nil {
		log.Error("DTLS handshake failed: %v", err)
		pc.setState(Failed)
		return
	}

	material, err := dtlsConn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*keyLen+2*saltLen)
	if err != nil {
		log.Error("DTLS keying material export failed: %v", err)
		pc.setState(Failed)
		return
	}

	// RFC 5764 §4.2: the 60 exported bytes are client-write key, server-write
	// key, client-write salt, server-write salt, in that order. Which half
	// this side writes with depends on the negotiated DTLS role.
	offset := 0
	clientWriteKey := append([]byte{}, material[offset:offset+keyLen]...)
	offset += keyLen
	serverWriteKey := append([]byte{}, material[offset:offset+keyLen]...)
	offset += keyLen
	clientWriteSalt := append([]byte{}, material[offset:offset+saltLen]...)
	offset += saltLen
	serverWriteSalt := append([]byte{}, material[offset:offset+saltLen]...)

	var writeKey, writeSalt, readKey, readSalt []byte
	if pc.localSetupRole == "active" || pc.localSetupRole == "actpass" {
		writeKey, writeSalt = clientWriteKey, clientWriteSalt
		readKey, readSalt = serverWriteKey, serverWriteSalt
	} else {
		writeKey, writeSalt = serverWriteKey, serverWriteSalt
		readKey, readSalt = clientWriteKey, clientWriteSalt
	}

	writeCtx, err := srtp.CreateContext(writeKey, writeSalt)
	if err != nil {
		log.Error("SRTP write context creation failed: %v", err)
		pc.setState(Failed)
		return
	}
	readCtx, err := srtp.CreateContext(readKey, readSalt)
	if err != nil {
		log.Error("SRTP read context creation failed: %v", err)
		pc.setState(Failed)
		return
	}

	var sink media.FrameSink
	var codec media.Codec
	pc.session = NewSession(pc.localContext, srtpEndpoint, writeCtx, readCtx, randomSSRC(), sink, codec, func(err error) {
		pc.setState(Closed)
	})
	for _, opt := range opts {
		opt(pc.session)
	}

	pc.setState(Active)
}

// Close tears down the peer connection's session, multiplexer, and ICE
// resources.
func (pc *PeerConnection) Close() {
	log.Info("closing peer connection")
	pc.teardown()
	if pc.session != nil {
		pc.session.Close()
	}
	if pc.mux != nil {
		pc.mux.Close()
	}
	pc.setState(Closed)
}
