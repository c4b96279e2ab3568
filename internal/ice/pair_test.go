package ice

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Pair priority must match the RFC 8445 §6.1.2.3 formula exactly:
// 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0), where G is the controlling
// agent's candidate priority.
func TestPairPriorityFormula(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	formula := func(g, d uint64) uint64 {
		want := uint64(1)<<32*min(g, d) + 2*max(g, d)
		if g > d {
			want++
		}
		return want
	}

	for i := 0; i < 20; i++ {
		localPrio := uint32(rng.Uint64())
		remotePrio := uint32(rng.Uint64())

		// Controlled agent: the remote (controlling) candidate is G.
		controlled := &CandidatePair{
			local:  Candidate{priority: localPrio},
			remote: Candidate{priority: remotePrio},
		}
		assert.Equal(t, formula(uint64(remotePrio), uint64(localPrio)),
			controlled.Priority(), "controlled: local=%d remote=%d", localPrio, remotePrio)

		// Controlling agent: the local candidate is G.
		controlling := &CandidatePair{
			local:       Candidate{priority: localPrio},
			remote:      Candidate{priority: remotePrio},
			controlling: true,
		}
		assert.Equal(t, formula(uint64(localPrio), uint64(remotePrio)),
			controlling.Priority(), "controlling: local=%d remote=%d", localPrio, remotePrio)
	}
}
