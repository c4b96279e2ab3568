package ice

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Checklist implements the RFC8445 connectivity-check state machine for a
// single data stream/component. It pairs local and remote candidates,
// schedules periodic checks, and tracks the nominated pair once selected.
type Checklist struct {
	mid string

	state checklistState

	// Agent role for this data stream: the controlling agent nominates the
	// selected pair by sending a USE-CANDIDATE check; the controlled agent
	// waits for one.
	controlling bool

	// Checklist state listeners, each with a unique id.
	listeners      map[int]chan checklistState
	nextListenerID int

	// ICE credentials
	username       string
	localPassword  string
	remotePassword string

	// ID for next candidate pair to be added
	nextPairID int

	pairs []*CandidatePair

	triggeredQueue []*CandidatePair

	// Valid list
	valid []*CandidatePair

	// Selected candidate pair
	selected *CandidatePair

	// Mutex to prevent reading from pairs while they're being modified.
	mutex sync.Mutex

	// Index of the next candidate pair to be checked
	nextToCheck int

	// limiter bounds how often this checklist issues connectivity-check
	// retransmissions, so a burst of triggered checks (e.g. many peer
	// reflexive candidates discovered at once) can't flood the wire.
	limiter *rate.Limiter
}

type checklistState int

const (
	checklistRunning   checklistState = 0
	checklistCompleted checklistState = 1
	checklistFailed    checklistState = 2
)

// Pair up local candidates with remote candidates, and add them to the checklist. Then re-sort and
// re-prune, and unfreeze top candidate pairs.
func (cl *Checklist) addCandidatePairs(locals, remotes []Candidate) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	for _, local := range locals {
		for _, remote := range remotes {
			if canBePaired(local, remote) {
				p := newCandidatePair(cl.nextPairID, local, remote)
				p.controlling = cl.controlling
				cl.nextPairID++
				log.Debug("Adding candidate pair %s", p)
				cl.pairs = append(cl.pairs, p)
			}
		}
	}

	cl.pairs = sortAndPrune(cl.pairs)

	// TODO: Only change the top candidate per foundation.
	for _, p := range cl.pairs {
		if p.state == Frozen {
			p.state = Waiting
		}
	}
}

// Only pair candidates for the same component. Their transport addresses must be compatible.
func canBePaired(local, remote Candidate) bool {
	return local.component == remote.component &&
		local.address.protocol == remote.address.protocol &&
		local.address.family == remote.address.family &&
		local.address.linkLocal == remote.address.linkLocal
}

// sortAndPrune sorts the candidate pairs from highest to lowest priority, then
// prunes any redundant pairs.
func sortAndPrune(pairs []*CandidatePair) []*CandidatePair {
	// [RFC8445 §6.1.2.3] Sort pairs from highest to lowest priority.
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Priority() > pairs[j].Priority()
	})

	// [RFC8445 §6.1.2.4] Prune redundant pairs.
	for i := 0; i < len(pairs); i++ {
		p := pairs[i]
		// [draft-ietf-ice-trickle-21 §10] Preserve pairs for which checks are in flight.
		switch p.state {
		case InProgress, Succeeded, Failed:
			continue
		}
		// Compare this pair against higher priority pairs, and remove if redundant.
		for j := 0; j < i; j++ {
			if isRedundant(p, pairs[j]) {
				log.Debug("Pruning %s in favor of %s", p.id, pairs[j].id)
				pairs = append(pairs[:i], pairs[i+1:]...)
				i--
				break
			}
		}
	}

	return pairs
}

// [RFC8445 §6.1.2.4] Two candidate pairs are redundant if they have the same
// remote candidate and same local base.
func isRedundant(p1, p2 *CandidatePair) bool {
	return p1.remote.address.Equal(p2.remote.address) && p1.local.base.address.Equal(p2.local.base.address)
}

// run starts the self-driving checklist loop: periodic connectivity checks,
// keepalives on the nominated pair, and state-change bookkeeping. It returns
// immediately; the loop runs until ctx is cancelled.
func (cl *Checklist) run(ctx context.Context) {
	lid, stateCh := cl.addListener()

	go func() {
		defer cl.removeListener(lid)

		// Timer for periodic connectivity checks. This is stopped once a
		// candidate pair has been selected.
		Ta := time.NewTicker(checkInterval)
		defer Ta.Stop()

		// Timer for keepalives.
		Tr := time.NewTicker(keepaliveInterval)
		defer Tr.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case newState := <-stateCh:
				log.Debug("Checklist state: %d", newState)
				switch newState {
				case checklistCompleted:
					Ta.Stop()
				case checklistFailed:
					log.Warn("ice: checklist failed to find a usable candidate pair")
					return
				}

			case <-Ta.C:
				// [RFC8445 §6.1.4.2] Periodic connectivity check.
				if p := cl.nextPair(); p != nil {
					log.Debug("Next candidate pair to check: %s\n", p)
					if err := cl.sendCheck(p); err != nil {
						log.Warn("Failed to send connectivity check: %s", err)
					}
				}

			case <-Tr.C:
				// [RFC8445 §11] Send STUN binding indication to selected pair.
				if p := cl.selected; p != nil {
					p.sendStun(newStunBindingIndication(), nil)
				}
			}
		}
	}()
}

// getSelected blocks until a candidate pair has been nominated and selected,
// or ctx is done.
func (cl *Checklist) getSelected(ctx context.Context) (*CandidatePair, error) {
	lid, stateCh := cl.addListener()
	defer cl.removeListener(lid)

	for {
		cl.mutex.Lock()
		selected := cl.selected
		cl.mutex.Unlock()
		if selected != nil {
			return selected, nil
		}

		select {
		case <-stateCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// [RFC8445 §7.3] Respond to STUN binding request by sending a success response.
func (cl *Checklist) handleStunRequest(req *stunMessage, raddr net.Addr, base *Base) {
	p := cl.findPair(base, raddr)
	if p == nil {
		p = cl.adoptPeerReflexiveCandidate(base, raddr, req.getPriority())
	}
	// [RFC8445 §7.3.1.5] On the controlled side, a USE-CANDIDATE-bearing
	// check is the nomination signal.
	if !cl.controlling && req.hasUseCandidate() && !p.nominated {
		log.Debug("Nominating %s\n", p.id)
		cl.nominate(p)
	}

	resp := newStunBindingResponse(req.transactionID, raddr, cl.localPassword)
	log.Debug("Sending response %s -> %s: %s\n", base.LocalAddr(), raddr, resp)
	if err := base.sendStun(resp, raddr, nil); err != nil {
		log.Warn("Failed to send STUN response: %s", err)
	}

	cl.triggerCheck(p)
}

// [RFC8445 §7.3.1.3-4] Create a peer reflexive candidate and pair with the base.
func (cl *Checklist) adoptPeerReflexiveCandidate(base *Base, raddr net.Addr, priority uint32) *CandidatePair {
	local := makeHostCandidate(cl.mid, base)
	remote := makePeerReflexiveCandidate(cl.mid, raddr, base, priority)
	log.Debug("New peer-reflexive %s", remote)

	cl.mutex.Lock()
	p := newCandidatePair(cl.nextPairID, local, remote)
	p.controlling = cl.controlling
	p.state = Waiting
	cl.pairs = append(cl.pairs, p)
	cl.nextPairID++
	cl.pairs = sortAndPrune(cl.pairs)
	cl.mutex.Unlock()

	return p
}

// Return the next candidate pair to check for connectivity.
func (cl *Checklist) nextPair() *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if len(cl.triggeredQueue) > 0 {
		p := cl.triggeredQueue[0]
		cl.triggeredQueue = cl.triggeredQueue[1:]
		return p
	}

	// Find the next pair in the Waiting state.
	n := len(cl.pairs)
	for i := 0; i < n; i++ {
		k := (cl.nextToCheck + i) % n
		p := cl.pairs[k]
		if p.state == Waiting {
			cl.nextToCheck = (k + 1) % n
			return p
		}
	}

	// Nothing to do.
	return nil
}

func (cl *Checklist) sendCheck(p *CandidatePair) error {
	cl.mutex.Lock()
	if cl.limiter == nil {
		cl.limiter = rate.NewLimiter(rate.Every(checkInterval), 5)
	}
	limiter := cl.limiter
	nominating := p.nominating
	cl.mutex.Unlock()
	if !limiter.Allow() {
		// Rate limited: the next Ta tick will retry.
		return nil
	}

	req := newStunBindingRequest("")
	req.addAttribute(stunAttrUsername, []byte(cl.username))
	if cl.controlling {
		req.addAttribute(stunAttrIceControlling, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		if nominating {
			// [RFC8445 §8.1.1] Nominate the pair.
			req.addAttribute(stunAttrUseCandidate, nil)
		}
	} else {
		req.addAttribute(stunAttrIceControlled, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	}
	req.addPriority(p.local.peerPriority())
	req.addMessageIntegrity(cl.remotePassword)
	req.addFingerprint()
	p.state = InProgress
	retransmit := time.AfterFunc(cl.rto(), func() {
		// If we don't get a response within the RTO, then move the pair back to Waiting.
		if p.state == InProgress {
			p.state = Waiting
		}
	})

	log.Debug("%s: Sending to %s from %s: %s\n", p.id, p.remote.address, p.local.address, req)
	return p.sendStun(req, func(resp *stunMessage, raddr net.Addr, base *Base) {
		retransmit.Stop()
		cl.processResponse(p, resp, raddr)
	})
}

// Compute retransmission time.
// https://tools.ietf.org/html/rfc8445#section-14.3
func (cl *Checklist) rto() time.Duration {
	n := 0
	for _, p := range cl.pairs {
		if p.state == Waiting || p.state == InProgress {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return time.Duration(n) * checkInterval
}

func (cl *Checklist) processResponse(p *CandidatePair, resp *stunMessage, raddr net.Addr) {
	if p.state != InProgress {
		log.Debug("Received unexpected STUN response for %s:\n%s\n", p, resp)
		return
	}

	switch resp.class {
	case stunSuccessResponse:
		log.Debug("%s: Successful connectivity check", p.id)
		p.state = Succeeded
		cl.mutex.Lock()
		cl.valid = append(cl.valid, p)
		// A successful check that carried USE-CANDIDATE settles the
		// nomination on the controlling side.
		if cl.controlling && p.nominating {
			p.nominated = true
		}
		cl.mutex.Unlock()
	case stunErrorResponse:
		p.state = Failed
	default:
		log.Warn("ice: unexpected STUN response class %d for %s", resp.class, p.id)
		return
	}

	cl.maybeNominate()
	cl.updateState()
}

// maybeNominate, on the controlling side, picks the highest-priority valid
// pair and schedules a repeat check bearing USE-CANDIDATE. The controlled
// side instead learns of the nomination in handleStunRequest.
func (cl *Checklist) maybeNominate() {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if !cl.controlling || cl.state != checklistRunning {
		return
	}
	for _, p := range cl.valid {
		if p.nominated || p.nominating {
			return
		}
	}

	var best *CandidatePair
	for _, p := range cl.valid {
		if best == nil || p.Priority() > best.Priority() {
			best = p
		}
	}
	if best == nil {
		return
	}
	log.Debug("Nominating %s\n", best.id)
	best.nominating = true
	cl.triggeredQueue = append(cl.triggeredQueue, best)
}

func (cl *Checklist) nominate(p *CandidatePair) {
	if p.state == Frozen {
		p.state = Waiting
	}
	p.nominated = true
	cl.updateState()
}

func (cl *Checklist) updateState() {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if cl.state != checklistRunning {
		return
	}

	for _, p := range cl.valid {
		if p.nominated {
			log.Info("Selected %s", p)
			cl.selected = p
			cl.state = checklistCompleted
			break
		}
	}

	// Notify listeners that the state has changed.
	for _, ch := range cl.listeners {
		select {
		case ch <- cl.state:
		default:
		}
	}
}

func (cl *Checklist) addListener() (int, <-chan checklistState) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	id := cl.nextListenerID
	ch := make(chan checklistState, 1)
	if cl.listeners == nil {
		cl.listeners = make(map[int]chan checklistState)
	}
	cl.listeners[id] = ch
	cl.nextListenerID++
	return id, ch
}

func (cl *Checklist) removeListener(id int) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	delete(cl.listeners, id)
}

// findPair returns first candidate pair matching the base and remote address
func (cl *Checklist) findPair(base *Base, raddr net.Addr) *CandidatePair {
	remoteAddress := makeTransportAddress(raddr)

	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	for _, p := range cl.pairs {
		if p.local.address.Equal(base.address) && p.remote.address.Equal(remoteAddress) {
			return p
		}
	}

	return nil
}

func (cl *Checklist) triggerCheck(p *CandidatePair) {
	if p.state == Frozen || p.state == Waiting {
		cl.mutex.Lock()
		cl.triggeredQueue = append(cl.triggeredQueue, p)
		cl.mutex.Unlock()
	}
}
