package ice

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

// ConnState is the Agent's connection state.
type ConnState int

const (
	New ConnState = iota
	Checking
	Connected
	Failed
	Closed
)

func (s ConnState) String() string {
	switch s {
	case New:
		return "new"
	case Checking:
		return "checking"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Agent gathers local candidates, exchanges them with a remote peer via
// SDP, forms candidate pairs, and selects the best one. It does not run
// RFC 8445 connectivity checks: pair formation against a matching remote
// candidate is treated as sufficient validation (spec.md Section 4.3).
type Agent struct {
	Ufrag string // 8 hex characters
	Pwd   string // 24 hex characters

	Local  []Candidate
	Remote []Candidate
	Pairs  []Pair

	State ConnState

	conn *net.UDPConn
}

var ErrNoCandidates = xerrors.New("ice: no candidates available")
var ErrStunQueryFailed = xerrors.New("ice: STUN query failed")

// NewAgent creates an agent with freshly generated ufrag/pwd.
func NewAgent() *Agent {
	return &Agent{
		Ufrag: randomHex(4),  // 8 hex chars
		Pwd:   randomHex(12), // 24 hex chars
		State: New,
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// GatherHost determines the primary local IPv4 address by opening an
// unused UDP socket and dialing an arbitrary external address, then adds
// one host candidate with type preference 126.
func (a *Agent) GatherHost(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return xerrors.Errorf("ice: listen: %w", err)
	}
	a.conn = conn

	local, err := primaryLocalAddr()
	if err != nil {
		return err
	}

	laddr := conn.LocalAddr().(*net.UDPAddr)
	a.Local = append(a.Local, newHostCandidate(1, "udp", local, laddr.Port))
	a.State = Checking
	return nil
}

// primaryLocalAddr determines the primary local IPv4 by dialing (without
// sending) a UDP socket to an arbitrary external address and reading the
// chosen local endpoint's IP.
func primaryLocalAddr() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", xerrors.Errorf("ice: determine local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// GatherSrflx issues a STUN Binding request to each configured server in
// turn until one succeeds, adding one server-reflexive candidate.
func (a *Agent) GatherSrflx(stunServers []string) error {
	if a.conn == nil {
		return xerrors.New("ice: GatherHost must run before GatherSrflx")
	}
	base := a.localBase()

	var lastErr error
	for _, server := range stunServers {
		addr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			lastErr = err
			continue
		}
		mapped, err := queryBindingServer(a.conn, addr)
		if err != nil {
			log.Warn("STUN query to %s failed: %v", server, err)
			lastErr = err
			continue
		}
		a.Local = append(a.Local, newServerReflexiveCandidate(
			1, "udp", base.IP, base.Port, mapped.IP.String(), mapped.Port, server))
		return nil
	}
	if lastErr != nil {
		return xerrors.Errorf("%w: %v", ErrStunQueryFailed, lastErr)
	}
	return ErrStunQueryFailed
}

// GatherRelay performs a TURN Allocate on each configured server; every
// success adds one relay candidate.
func (a *Agent) GatherRelay(turnServers []string) error {
	if a.conn == nil {
		return xerrors.New("ice: GatherHost must run before GatherRelay")
	}
	base := a.localBase()

	var lastErr error
	for _, server := range turnServers {
		addr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			lastErr = err
			continue
		}
		alloc, err := Allocate(a.conn, addr)
		if err != nil {
			log.Warn("TURN allocate on %s failed: %v", server, err)
			lastErr = err
			continue
		}
		relayed := alloc.RelayedAddress()
		a.Local = append(a.Local, newRelayCandidate(
			1, "udp", base.IP, base.Port, relayed.IP.String(), relayed.Port, server))
	}
	if len(a.Local) == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (a *Agent) localBase() Candidate {
	for _, c := range a.Local {
		if c.Type == TypeHost {
			return c
		}
	}
	return Candidate{}
}

// AddRemoteCandidate parses and appends one remote candidate line.
func (a *Agent) AddRemoteCandidate(line string) error {
	c, err := ParseCandidateSDP(line)
	if err != nil {
		return err
	}
	a.Remote = append(a.Remote, c)
	return nil
}

// FormPairs builds the local x remote candidate pairs and reports
// Connected if at least one viable pair exists.
func (a *Agent) FormPairs() error {
	a.Pairs = FormPairs(a.Local, a.Remote)
	if len(a.Pairs) == 0 {
		a.State = Failed
		log.Warn("no candidate pairs formed from %d local, %d remote candidates", len(a.Local), len(a.Remote))
		return ErrNoCandidates
	}
	a.State = Connected
	if best, ok := a.BestPair(); ok {
		log.Info("selected candidate pair %s", best)
	}
	return nil
}

// BestPair returns the preferred candidate pair for media, per the order
// documented on the package-level BestPair function.
func (a *Agent) BestPair() (Pair, bool) {
	return BestPair(a.Pairs)
}

// ToSDPLines renders every local candidate as an "a=candidate:" line.
func (a *Agent) ToSDPLines() []string {
	lines := make([]string, len(a.Local))
	for i, c := range a.Local {
		lines[i] = "a=candidate:" + c.SDPLine()
	}
	return lines
}

// FromSDPLines parses "a=candidate:" lines (other lines are ignored) and
// adds each as a remote candidate.
func (a *Agent) FromSDPLines(lines []string) error {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "a=candidate:") && !strings.HasPrefix(trimmed, "candidate:") {
			continue
		}
		if err := a.AddRemoteCandidate(line); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying UDP socket.
func (a *Agent) Close() error {
	a.State = Closed
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Conn returns the UDP socket candidates were gathered on, for use by the
// session runtime once a pair has been selected.
func (a *Agent) Conn() *net.UDPConn {
	return a.conn
}

func (a *Agent) String() string {
	return fmt.Sprintf("ice.Agent{ufrag=%s state=%s local=%d remote=%d}", a.Ufrag, a.State, len(a.Local), len(a.Remote))
}
