package ice

import (
	"bytes"
	"fmt"
	"net"
	"strings"
)

// Protocol identifies the transport protocol carrying a candidate, per the
// SDP "candidate" attribute's <transport> token (RFC 5245 §15.1).
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

func (p Protocol) String() string {
	return strings.ToLower(string(p))
}

// Family distinguishes IPv4, IPv6, and not-yet-resolved (DNS name)
// addresses. The zero value is Unresolved, so a TransportAddress built
// without calling makeTransportAddress (e.g. from a hostname) reports
// Unresolved by default.
type Family int

const (
	Unresolved Family = iota
	IPv4
	IPv6
)

// IPAddress holds raw address bytes (4 for IPv4, 16 for IPv6) when
// resolved, or the literal hostname bytes when not.
type IPAddress []byte

// TransportAddress is a (protocol, address, port) triple: either a resolved
// IPv4/IPv6 socket address, or an unresolved hostname awaiting DNS
// resolution (used for candidates learned from an SDP description before
// any socket I/O has touched them).
type TransportAddress struct {
	protocol  Protocol
	ip        IPAddress
	family    Family
	port      int
	linkLocal bool
}

func makeTransportAddress(addr net.Addr) TransportAddress {
	var proto Protocol
	var ip net.IP
	var port int

	switch a := addr.(type) {
	case *net.TCPAddr:
		proto, ip, port = TCP, a.IP, a.Port
	case *net.UDPAddr:
		proto, ip, port = UDP, a.IP, a.Port
	default:
		panic("ice: unsupported net.Addr type: " + addr.String())
	}

	ta := TransportAddress{protocol: proto, port: port}
	if v4 := ip.To4(); v4 != nil {
		ta.family = IPv4
		ta.ip = IPAddress(v4)
	} else if v6 := ip.To16(); v6 != nil {
		ta.family = IPv6
		ta.ip = IPAddress(v6)
	}
	ta.linkLocal = ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
	return ta
}

// resolved reports whether ip holds an actual IPv4/IPv6 address rather than
// an unresolved hostname.
func (ta TransportAddress) resolved() bool {
	return ta.family != Unresolved
}

// displayIP renders the address for SDP/STUN text contexts: dotted-quad or
// colon-hex for resolved addresses, the literal hostname otherwise.
func (ta TransportAddress) displayIP() string {
	if !ta.resolved() {
		return string(ta.ip)
	}
	return net.IP(ta.ip).String()
}

func (ta *TransportAddress) netAddr() (addr net.Addr) {
	hostport := net.JoinHostPort(ta.displayIP(), fmt.Sprintf("%d", ta.port))
	switch ta.protocol {
	case TCP:
		addr, _ = net.ResolveTCPAddr("tcp", hostport)
	case UDP:
		addr, _ = net.ResolveUDPAddr("udp", hostport)
	}
	return
}

func (ta *TransportAddress) normalize() {
	ta.protocol = Protocol(strings.ToLower(string(ta.protocol)))
}

// Equal reports whether ta and other denote the same transport address.
// TransportAddress holds a slice field (ip), so it is not comparable with ==.
func (ta TransportAddress) Equal(other TransportAddress) bool {
	return ta.protocol == other.protocol && ta.port == other.port && bytes.Equal(ta.ip, other.ip)
}

func (ta TransportAddress) String() string {
	ip := ta.displayIP()
	if ta.family == IPv6 {
		ip = "[" + ip + "]"
	}
	return fmt.Sprintf("%s/%s:%d", ta.protocol, ip, ta.port)
}
