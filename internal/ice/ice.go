package ice

import (
	"flag"
	"time"
)

const defaultStunServer = "stun2.l.google.com:19302"

var (
	// Whether or not to allow IPv6 ICE candidates
	flagEnableIPv6 bool

	// Host:port of STUN server
	flagStunServer string
)

func init() {
	flag.BoolVar(&flagEnableIPv6, "6", false, "Allow use of IPv6")
	flag.StringVar(&flagStunServer, "stunServer", defaultStunServer, "STUN server address")
}

// Timing constants for the connectivity-check state machine, per RFC8445 §14.
const (
	// candidateGatheringTimeout bounds how long host/srflx gathering may run
	// before EstablishConnection gives up waiting on new local candidates.
	candidateGatheringTimeout = 5 * time.Second

	// checkInterval (Ta) is the pacing interval between ordinary connectivity
	// checks.
	checkInterval = 50 * time.Millisecond

	// keepaliveInterval (Tr) is the interval between STUN binding indications
	// sent on the nominated pair to keep NAT bindings alive.
	keepaliveInterval = 30 * time.Second

	// iceFailureTimeout bounds the overall time EstablishConnection will wait
	// for a nominated candidate pair before declaring ICE failed.
	iceFailureTimeout = 15 * time.Second
)
