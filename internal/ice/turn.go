package ice

import (
	"net"
	"time"

	"golang.org/x/xerrors"
)

// allocationLifetime is the TURN allocation lifetime requested in each
// Allocate/refresh (RFC 5766 Section 2.2 suggests 10 minutes as a default).
const allocationLifetime = 10 * 60

// refreshMargin is how long before expiry a relay allocation is refreshed.
const refreshMargin = 60 * time.Second

// queryTimeout bounds a single STUN/TURN request-response round trip.
const queryTimeout = 5 * time.Second

// Allocation is an active TURN relay allocation (RFC 5766 Section 5).
type Allocation struct {
	conn    net.PacketConn
	server  *net.UDPAddr
	relayed *net.UDPAddr

	expiresAt time.Time
	stop      chan struct{}
}

// Allocate performs a TURN Allocate request against server using conn,
// requesting a UDP relay, and starts a background refresh loop. The caller
// owns conn and must close it; Close stops the refresh loop.
func Allocate(conn net.PacketConn, server *net.UDPAddr) (*Allocation, error) {
	resp, err := roundTrip(conn, server, NewAllocateRequest(allocationLifetime))
	if err != nil {
		return nil, xerrors.Errorf("ice: TURN allocate to %s: %w", server, err)
	}
	if resp.IsError() {
		code, reason, _ := resp.ErrorCode()
		return nil, xerrors.Errorf("ice: TURN allocate to %s failed: %d %s", server, code, reason)
	}

	relayed, err := resp.RelayedAddress()
	if err != nil {
		return nil, xerrors.Errorf("ice: TURN allocate to %s: %w", server, err)
	}

	a := &Allocation{
		conn:      conn,
		server:    server,
		relayed:   relayed,
		expiresAt: time.Now().Add(allocationLifetime * time.Second),
		stop:      make(chan struct{}),
	}
	go a.refreshLoop()
	return a, nil
}

// RelayedAddress is the public address peers can send to in order to reach
// this allocation.
func (a *Allocation) RelayedAddress() *net.UDPAddr {
	return a.relayed
}

func (a *Allocation) refreshLoop() {
	for {
		wait := time.Until(a.expiresAt) - refreshMargin
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-a.stop:
			return
		}

		resp, err := roundTrip(a.conn, a.server, NewAllocateRequest(allocationLifetime))
		if err != nil || resp.IsError() {
			// The next refresh attempt will retry; the allocation simply
			// expires on the TURN server if refreshes keep failing.
			continue
		}
		a.expiresAt = time.Now().Add(allocationLifetime * time.Second)
	}
}

// Close stops the refresh loop. It does not close the underlying conn.
func (a *Allocation) Close() {
	close(a.stop)
}

// roundTrip sends req to addr over conn and waits for a correlated
// response, identified by transaction ID, discarding unrelated reads.
func roundTrip(conn net.PacketConn, addr *net.UDPAddr, req *Message) (*Message, error) {
	if _, err := conn.WriteTo(req.Encode(), addr); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(queryTimeout)
	buf := make([]byte, 1500)
	for {
		conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		resp, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		if resp.TransactionID == req.TransactionID {
			return resp, nil
		}
	}
}

// queryBindingServer issues a STUN Binding request to server over conn and
// returns the server-reflexive mapped address.
func queryBindingServer(conn net.PacketConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	resp, err := roundTrip(conn, server, NewBindingRequest())
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		code, reason, _ := resp.ErrorCode()
		return nil, xerrors.Errorf("ice: STUN binding to %s failed: %d %s", server, code, reason)
	}
	return resp.MappedAddress()
}
