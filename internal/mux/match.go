package mux

// MatchFunc reports whether a packet belongs to the Endpoint it's registered
// with. Per RFC 7983, ICE/DTLS/(S)RTP traffic sharing one UDP socket can be
// demultiplexed from the value of the leading byte(s) alone.
type MatchFunc func([]byte) bool

// MatchRange returns a MatchFunc that accepts any packet whose first byte
// falls within [lo, hi].
func MatchRange(lo, hi byte) MatchFunc {
	return func(data []byte) bool {
		return len(data) > 0 && data[0] >= lo && data[0] <= hi
	}
}

// MatchDTLS reports whether data looks like a DTLS record.
func MatchDTLS(data []byte) bool {
	return len(data) > 0 && data[0] >= 20 && data[0] <= 63
}

// MatchSRTP reports whether data looks like an SRTP (RTP) packet.
func MatchSRTP(data []byte) bool {
	return len(data) > 1 && data[0] >= 128 && data[0] <= 191 && !isRTCPPayloadType(data[1])
}

// MatchSRTCP reports whether data looks like an SRTCP (RTCP) packet.
func MatchSRTCP(data []byte) bool {
	return len(data) > 1 && data[0] >= 128 && data[0] <= 191 && isRTCPPayloadType(data[1])
}

func isRTCPPayloadType(b byte) bool {
	return b >= 192 && b <= 223
}
