package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// RFC 8445: https://tools.ietf.org/html/rfc8445

// Agent is a Full implementation of an ICE agent, supporting a single
// component of a single data stream. It runs in either role: the offerer
// acts as the controlling agent and nominates the selected pair, the
// answerer as the controlled agent.
type Agent struct {
	mid            string
	username       string
	localPassword  string
	remotePassword string
	controlling    bool

	mu               sync.Mutex
	localCandidates  []Candidate
	remoteCandidates []Candidate

	checklist *Checklist

	ctx context.Context
}

// NewAgent creates a new ICE agent. It must be configured with Configure
// before EstablishConnection is called.
func NewAgent(ctx context.Context) *Agent {
	return &Agent{
		checklist: &Checklist{},
		ctx:       ctx,
	}
}

// Configure sets the negotiated credentials and this agent's role;
// controlling is true for the side that created the offer.
func (a *Agent) Configure(mid, username, localPassword, remotePassword string, controlling bool) {
	a.mid = mid
	a.username = username
	a.localPassword = localPassword
	a.remotePassword = remotePassword
	a.controlling = controlling

	a.checklist.mid = mid
	a.checklist.username = username
	a.checklist.localPassword = localPassword
	a.checklist.remotePassword = remotePassword
	a.checklist.controlling = controlling
}

// EstablishConnection gathers local candidates (trickling them to lcand),
// runs connectivity checks against any remote candidates added via
// AddRemoteCandidate, and returns a net.Conn over the nominated pair.
func (a *Agent) EstablishConnection(lcand chan<- Candidate) (net.Conn, error) {
	if a.username == "" {
		return nil, errors.New("ice: agent not configured")
	}

	// TODO: Support multiple components.
	component := 1

	bases, err := initializeBases(component, a.mid)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		return nil, errors.New("ice: no usable network interfaces found")
	}

	dataIn := make(chan []byte, 64)
	for _, base := range bases {
		go base.demuxStun(a.handleStun, dataIn)
	}

	go a.gatherLocalCandidates(bases, lcand)

	a.checklist.run(a.ctx)

	ctx, cancel := context.WithTimeout(a.ctx, iceFailureTimeout)
	defer cancel()
	selected, err := a.checklist.getSelected(ctx)
	if err != nil {
		return nil, fmt.Errorf("ice: failed to establish connection: %w", err)
	}

	remoteAddr := selected.remote.address.netAddr()
	return NewChannelConn(selected.local.base, dataIn, remoteAddr), nil
}

// AddRemoteCandidate parses and adds a remote candidate, pairing it with all
// known local candidates. An empty desc signals end-of-candidates and is a
// no-op.
func (a *Agent) AddRemoteCandidate(desc, mid string) error {
	if desc == "" {
		return nil
	}

	c, err := ParseCandidate(desc, mid)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.remoteCandidates = append(a.remoteCandidates, c)
	locals := append([]Candidate(nil), a.localCandidates...)
	a.mu.Unlock()

	a.checklist.addCandidatePairs(locals, []Candidate{c})
	return nil
}

func (a *Agent) addLocalCandidate(c Candidate) {
	a.mu.Lock()
	a.localCandidates = append(a.localCandidates, c)
	remotes := append([]Candidate(nil), a.remoteCandidates...)
	a.mu.Unlock()

	a.checklist.addCandidatePairs([]Candidate{c}, remotes)
}

// gatherLocalCandidates gathers host and server-reflexive candidates for
// each base, passing candidates to lcand as they become known. lcand is
// closed once gathering is complete, signalling end-of-candidates to the
// remote peer.
func (a *Agent) gatherLocalCandidates(bases []*Base, lcand chan<- Candidate) {
	defer close(lcand)

	var wg sync.WaitGroup
	wg.Add(len(bases))
	for _, base := range bases {
		go func(base *Base) {
			defer wg.Done()

			log.Debug("Gathering local candidates for base %s\n", base.address)
			hc := makeHostCandidate(a.mid, base)
			a.addLocalCandidate(hc)
			lcand <- hc

			if base.address.protocol == UDP && !base.address.linkLocal {
				mappedAddress, err := base.queryStunServer(flagStunServer)
				if err != nil {
					log.Debug("Failed to create STUN server candidate for base %s: %s\n", base.address, err)
				} else if mappedAddress.Equal(base.address) {
					log.Debug("Server-reflexive address for %s is same as base\n", base.address)
				} else {
					sc := makeServerReflexiveCandidate(a.mid, mappedAddress, base, flagStunServer)
					a.addLocalCandidate(sc)
					lcand <- sc
				}

				if flagTurnServer != "" {
					relayed, err := base.allocateRelay(flagTurnServer, flagTurnUsername, flagTurnPassword)
					if err != nil {
						log.Debug("Failed to create relay candidate for base %s: %s\n", base.address, err)
					} else {
						rc := makeRelayCandidate(a.mid, relayed, base, flagTurnServer)
						a.addLocalCandidate(rc)
						lcand <- rc
					}
				}
			}
		}(base)
	}

	wg.Wait()
}

func (a *Agent) handleStun(msg *stunMessage, raddr net.Addr, base *Base) {
	if msg.method != stunBindingMethod {
		log.Warn("Unexpected STUN message: %s", msg)
		return
	}

	switch msg.class {
	case stunRequest:
		a.checklist.handleStunRequest(msg, raddr, base)
	case stunIndication:
		// No-op: keepalive.
	case stunSuccessResponse, stunErrorResponse:
		log.Debug("Received unsolicited STUN response: %s\n", msg)
	}
}
