package ice

import (
	"crypto/md5"
	"errors"
	"flag"
	"fmt"
	"net"
	"time"
)

// TURN client (RFC 5766), restricted to candidate acquisition: an Allocate
// transaction obtains a relayed transport address, which is advertised as a
// relay candidate. Relayed data transfer (Send/Data indications, channel
// binding) and allocation refresh are not implemented.

const stunAllocateMethod = 0x3

const (
	stunAttrLifetime           = 0x000D
	stunAttrXorRelayedAddress  = 0x0016
	stunAttrRequestedTransport = 0x0019
	stunAttrRealm              = 0x0014
	stunAttrNonce              = 0x0015
)

const protocolUDP = 17

var (
	// Host:port of TURN server, plus long-term credentials. Empty server
	// disables relay candidate gathering.
	flagTurnServer   string
	flagTurnUsername string
	flagTurnPassword string
)

func init() {
	flag.StringVar(&flagTurnServer, "turnServer", "", "TURN server address (optional)")
	flag.StringVar(&flagTurnUsername, "turnUsername", "", "TURN long-term username")
	flag.StringVar(&flagTurnPassword, "turnPassword", "", "TURN long-term password")
}

// allocateRelay obtains a relayed transport address from the TURN server.
// The first Allocate is sent unauthenticated; the expected 401 response
// supplies the realm and nonce for the authenticated retry, per the RFC
// 5389 long-term credential mechanism.
func (base *Base) allocateRelay(turnServer, username, password string) (relayed TransportAddress, err error) {
	network := "udp4"
	if base.address.family == IPv6 {
		network = "udp6"
	}
	turnAddr, err := net.ResolveUDPAddr(network, turnServer)
	if err != nil {
		return
	}

	realm, nonce, err := base.allocateProbe(turnAddr)
	if err != nil {
		return
	}

	// key = MD5(username ":" realm ":" password)
	key := md5.Sum([]byte(username + ":" + realm + ":" + password))

	req := newStunMessage(stunRequest, stunAllocateMethod, "")
	req.addAttribute(stunAttrRequestedTransport, []byte{protocolUDP, 0, 0, 0})
	req.addAttribute(stunAttrUsername, []byte(username))
	req.addAttribute(stunAttrRealm, []byte(realm))
	req.addAttribute(stunAttrNonce, []byte(nonce))
	req.addMessageIntegrity(string(key[:]))

	errCh := make(chan error, 1)
	err = base.sendStun(req, turnAddr, func(resp *stunMessage, raddr net.Addr, base *Base) {
		if resp.class != stunSuccessResponse {
			errCh <- fmt.Errorf("TURN allocate failed: %s", resp)
			return
		}
		addr := resp.getRelayedAddress()
		if addr == nil {
			errCh <- errors.New("TURN allocate response lacks XOR-RELAYED-ADDRESS")
			return
		}
		relayed = makeTransportAddress(addr)
		errCh <- nil
	})
	if err != nil {
		return
	}

	select {
	case err = <-errCh:
	case <-time.After(timeoutQuerySTUNServer):
		err = errors.New("timeout")
	}

	base.handlers.remove(req.transactionID)
	return
}

// allocateProbe sends the unauthenticated Allocate and extracts realm and
// nonce from the 401 challenge.
func (base *Base) allocateProbe(turnAddr net.Addr) (realm, nonce string, err error) {
	req := newStunMessage(stunRequest, stunAllocateMethod, "")
	req.addAttribute(stunAttrRequestedTransport, []byte{protocolUDP, 0, 0, 0})

	errCh := make(chan error, 1)
	err = base.sendStun(req, turnAddr, func(resp *stunMessage, raddr net.Addr, base *Base) {
		if resp.class != stunErrorResponse {
			errCh <- fmt.Errorf("unexpected TURN allocate probe response: %s", resp)
			return
		}
		if code := resp.getErrorCode(); code != 401 {
			errCh <- fmt.Errorf("TURN allocate probe: error %d", code)
			return
		}
		realm = string(resp.getAttrValue(stunAttrRealm))
		nonce = string(resp.getAttrValue(stunAttrNonce))
		if realm == "" || nonce == "" {
			errCh <- errors.New("TURN challenge lacks realm or nonce")
			return
		}
		errCh <- nil
	})
	if err != nil {
		return
	}

	select {
	case err = <-errCh:
	case <-time.After(timeoutQuerySTUNServer):
		err = errors.New("timeout")
	}

	base.handlers.remove(req.transactionID)
	return
}

func (msg *stunMessage) getAttrValue(t uint16) []byte {
	for _, attr := range msg.attributes {
		if attr.Type == t {
			return attr.Value
		}
	}
	return nil
}

func (msg *stunMessage) getRelayedAddress() *net.UDPAddr {
	for _, attr := range msg.attributes {
		if attr.Type == stunAttrXorRelayedAddress {
			return extractAddr(attr, msg.transactionID, true)
		}
	}
	return nil
}

// getErrorCode extracts the numeric code of an ERROR-CODE attribute, or 0.
func (msg *stunMessage) getErrorCode() int {
	v := msg.getAttrValue(stunAttrErrorCode)
	if len(v) < 4 {
		return 0
	}
	return int(v[2]&0x7)*100 + int(v[3])
}
