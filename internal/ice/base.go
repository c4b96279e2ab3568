package ice

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// Packets larger than the maximum transmission unit (MTU) of a path are
	// fragmented into smaller packets, or dropped. The MTU should be
	// discovered, but 1500 is typically a safe value.
	sizeMaximumTransmissionUnit = 1500

	// Timeout for querying STUN server.
	timeoutQuerySTUNServer = 5 * time.Second

	// Timeout for reads from base (i.e. its UDPConn).
	// STUN re-bindings sent every 2500ms on Safari
	timeoutReadFromBase = 5 * time.Second
)

// [RFC8445] defines a base to be "The transport address that an ICE agent sends from for a
// particular candidate." It is represented here by a UDP connection, listening on a single port.
type Base struct {
	*net.UDPConn

	address   TransportAddress
	component int
	mid       string

	// STUN response handlers for transactions sent from this base, keyed by transaction ID.
	handlers transactionHandlers
}

type stunHandler func(msg *stunMessage, addr net.Addr, base *Base)

// initializeBases creates a base for each usable local IP address.
func initializeBases(component int, mid string) (bases []*Base, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			// Skip loopback interfaces to reduce the number of candidates.
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		var addrs []net.Addr
		addrs, err = iface.Addrs()
		if err != nil {
			return
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				log.Debug("Unexpected address type: %T", addr)
				continue
			}

			ip := ipnet.IP
			if !flagEnableIPv6 {
				if ip4 := ip.To4(); ip4 == nil {
					continue
				}
			}

			base, err := createBase(ip, component, mid)
			if err != nil {
				// This can happen for link-local IPv6 addresses. Just skip it.
				log.Debug("Failed to create base for %s: %s\n", ip, err)
				continue
			}
			bases = append(bases, base)
		}
	}
	return
}

func createBase(ip net.IP, component int, mid string) (*Base, error) {
	listenAddr := &net.UDPAddr{IP: ip, Port: 0}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	address := makeTransportAddress(conn.LocalAddr())
	log.Debug("Listening on %s\n", address)

	return &Base{
		UDPConn:   conn,
		address:   address,
		component: component,
		mid:       mid,
	}, nil
}

// queryStunServer returns the server-reflexive address of this base, as
// observed by the given STUN server.
func (base *Base) queryStunServer(stunServer string) (mapped TransportAddress, err error) {
	network := "udp4"
	if base.address.family == IPv6 {
		network = "udp6"
	}
	stunServerAddr, err := net.ResolveUDPAddr(network, stunServer)
	if err != nil {
		return
	}

	req := newStunBindingRequest("")
	log.Debug("Sending to %s: %s\n", stunServer, req)

	errCh := make(chan error, 1)
	err = base.sendStun(req, stunServerAddr, func(resp *stunMessage, raddr net.Addr, base *Base) {
		if resp.class == stunSuccessResponse {
			mapped = makeTransportAddress(resp.getMappedAddress())
			errCh <- nil
		} else {
			errCh <- fmt.Errorf("STUN server query failed: %s", resp)
		}
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

// sendStun sends a STUN message to the given remote address. If a handler is
// supplied, it is used to process the STUN response, matched by transaction ID.
func (base *Base) sendStun(msg *stunMessage, raddr net.Addr, responseHandler stunHandler) error {
	_, err := base.WriteTo(msg.Bytes(), raddr)
	if err == nil && responseHandler != nil {
		base.handlers.put(msg.transactionID, responseHandler)
	}
	return err
}

// demuxStun reads incoming packets from the underlying UDP socket until an
// error occurs. STUN messages are routed to the appropriate handler; all
// other (SRTP) packets are forwarded to dataIn.
func (base *Base) demuxStun(defaultHandler stunHandler, dataIn chan []byte) {
	buf := make([]byte, sizeMaximumTransmissionUnit)

	var logOnce sync.Once
	for {
		base.SetReadDeadline(time.Now().Add(timeoutReadFromBase))

		n, raddr, err := base.ReadFrom(buf)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				// Normal for bases that weren't selected, or while idle.
				continue
			}
			if operr, ok := err.(*net.OpError); ok && operr.Op == "read" {
				log.Debug("Connection closed while reading: %s\n", base.address)
				return
			}
			log.Warn("Read error in %s: %v\n", base.address, err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[0:n])

		if parseStunHeader(data) != nil {
			msg, err := parseStunMessage(data)
			if err != nil {
				log.Warn("Malformed STUN message from %s: %s\n", raddr, err)
				continue
			}
			if msg != nil {
				log.Debug("Received from %s: %s\n", raddr, msg)
				handler := base.handlers.get(msg.transactionID, defaultHandler)
				handler(msg, raddr, base)
			}
		} else {
			select {
			case dataIn <- data:
			default:
				logOnce.Do(func() {
					log.Warn("Dropping data packet (first byte %x) because reader cannot keep up", data[0])
				})
			}
		}
	}
}

// transactionHandlers manages a map of STUN transaction ID -> stunHandler. When an
// outgoing STUN request is made, a handler can be registered for processing the
// remote peer's STUN response.
type transactionHandlers struct {
	sync.Mutex
	m map[string]stunHandler
}

func (t *transactionHandlers) get(transactionID string, def stunHandler) stunHandler {
	t.lockAndInitialize()
	handler, found := t.m[transactionID]
	if found {
		delete(t.m, transactionID)
	} else {
		handler = def
	}
	t.Unlock()
	return handler
}

func (t *transactionHandlers) put(transactionID string, handler stunHandler) {
	t.lockAndInitialize()
	t.m[transactionID] = handler
	t.Unlock()
}

func (t *transactionHandlers) remove(transactionID string) {
	t.lockAndInitialize()
	delete(t.m, transactionID)
	t.Unlock()
}

func (t *transactionHandlers) lockAndInitialize() {
	t.Lock()
	if t.m == nil {
		t.m = make(map[string]stunHandler)
	}
}
