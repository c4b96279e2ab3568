package ice

import (
	"fmt"
)

type CandidatePair struct {
	id         string
	local      Candidate
	remote     Candidate
	foundation string
	component  int

	// Role of the local agent for this pair; set by the owning Checklist.
	// Determines which side's candidate priority is G vs. D.
	controlling bool

	state CandidatePairState

	// nominating marks a pair whose USE-CANDIDATE check is pending
	// (controlling side only); nominated marks the nomination as settled.
	nominating bool
	nominated  bool
}

// Candidate pair states
type CandidatePairState int

const (
	Frozen     CandidatePairState = 0
	Waiting                       = 1
	InProgress                    = 2
	Succeeded                     = 3
	Failed                        = 4
)

func newCandidatePair(seq int, local, remote Candidate) *CandidatePair {
	if local.component != remote.component {
		// canBePaired guarantees matching components.
		panic(fmt.Sprintf("candidates in pair have different components: %d != %d", local.component, remote.component))
	}
	id := fmt.Sprintf("Pair#%d", seq)
	foundation := fmt.Sprintf("%s/%s", local.foundation, remote.foundation)
	return &CandidatePair{id: id, local: local, remote: remote, foundation: foundation, component: local.component}
}

func (p *CandidatePair) String() string {
	var state string
	switch p.state {
	case Frozen:
		state = "Frozen"
	case Waiting:
		state = "Waiting"
	case InProgress:
		state = "In Progress"
	case Succeeded:
		state = "Succedeed"
	case Failed:
		state = "Failed"
	}
	return fmt.Sprintf("%s: %s -> %s [%s]", p.id, p.local.address, p.remote.address, state)
}

// Priority implements the RFC8445 §6.1.2.3 pair priority formula, where G
// is the controlling agent's candidate priority and D the controlled one's.
func (p *CandidatePair) Priority() uint64 {
	G := uint64(p.remote.priority)
	D := uint64(p.local.priority)
	if p.controlling {
		G, D = D, G
	}
	var B uint64 = 0
	if G > D {
		B = 1
	}
	return min(G, D)<<32 + max(G, D)<<1 + B
}

// sendStun sends a STUN message from this pair's local base to its remote
// address, registering handler (if non-nil) for the matching response.
func (p *CandidatePair) sendStun(msg *stunMessage, handler stunHandler) error {
	return p.local.base.sendStun(msg, p.remote.address.netAddr(), handler)
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
