package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Candidate types, per RFC 8445 Section 5.1.1.
const (
	TypeHost  = "host"
	TypeSrflx = "srflx"
	TypeRelay = "relay"
)

// Candidate is a transport address an agent is, or might be, willing to
// use for this session.
type Candidate struct {
	Foundation  string
	Component   int // 1 (RTP) or 2 (RTCP)
	Protocol    string // "udp" or "tcp"
	Priority    uint32
	IP          string
	Port        int
	Type        string
	RelatedIP   string // set for srflx/relay, the base/local address
	RelatedPort int
}

var (
	ErrInvalidCandidateFormat   = xerrors.New("ice: invalid candidate format")
	ErrInvalidComponentID       = xerrors.New("ice: invalid component id")
	ErrInvalidTransportProtocol = xerrors.New("ice: invalid transport protocol")
	ErrInvalidPriority          = xerrors.New("ice: invalid priority")
	ErrInvalidIP                = xerrors.New("ice: invalid IP address")
	ErrInvalidPort              = xerrors.New("ice: invalid port")
)

// typePreference returns the candidate-type preference used by
// computePriority: 126 for host, 110 for server-reflexive, and 0 for relay
// and any other type.
func typePreference(typ string) int {
	switch typ {
	case TypeHost:
		return 126
	case TypeSrflx:
		return 110
	case TypeRelay:
		return 0
	default:
		return 0
	}
}

// computePriority implements RFC 8445 Section 5.1.2.1:
//
//	priority = (2^24)*type_pref + (2^8)*local_pref + (256 - component_id)
func computePriority(typ string, component int) uint32 {
	const localPref = 65535
	return uint32(typePreference(typ))<<24 | uint32(localPref)<<8 | uint32(256-component)
}

// computeFoundation implements RFC 8445 Section 5.1.1.3: unique per (type,
// base IP, protocol, STUN/TURN server).
func computeFoundation(typ, baseIP, protocol, server string) string {
	fingerprint := fmt.Sprintf("%s/%s/%s", typ, protocol, baseIP)
	if server != "" {
		fingerprint += "/" + server
	}
	h := fnv.New64()
	h.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(h.Sum(nil))[:8]
}

func newHostCandidate(component int, protocol, ip string, port int) Candidate {
	return Candidate{
		Foundation: computeFoundation(TypeHost, ip, protocol, ""),
		Component:  component,
		Protocol:   protocol,
		Priority:   computePriority(TypeHost, component),
		IP:         ip,
		Port:       port,
		Type:       TypeHost,
	}
}

func newServerReflexiveCandidate(component int, protocol, baseIP string, basePort int, mappedIP string, mappedPort int, stunServer string) Candidate {
	return Candidate{
		Foundation:  computeFoundation(TypeSrflx, baseIP, protocol, stunServer),
		Component:   component,
		Protocol:    protocol,
		Priority:    computePriority(TypeSrflx, component),
		IP:          mappedIP,
		Port:        mappedPort,
		Type:        TypeSrflx,
		RelatedIP:   baseIP,
		RelatedPort: basePort,
	}
}

func newRelayCandidate(component int, protocol, baseIP string, basePort int, relayedIP string, relayedPort int, turnServer string) Candidate {
	return Candidate{
		Foundation:  computeFoundation(TypeRelay, baseIP, protocol, turnServer),
		Component:   component,
		Protocol:    protocol,
		Priority:    computePriority(TypeRelay, component),
		IP:          relayedIP,
		Port:        relayedPort,
		Type:        TypeRelay,
		RelatedIP:   baseIP,
		RelatedPort: basePort,
	}
}

// SDPLine formats the candidate as an "a=candidate:" attribute line per
// draft-ietf-mmusic-ice-sip-sdp (omitting the leading "a=").
func (c Candidate) SDPLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelatedIP != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedIP, c.RelatedPort)
	}
	return b.String()
}

// ParseCandidateSDP parses an "a=candidate:" line body (without the leading
// "candidate:" is also accepted) into a Candidate.
func ParseCandidateSDP(line string) (Candidate, error) {
	line = strings.TrimPrefix(line, "a=")
	line = strings.TrimPrefix(line, "candidate:")

	fields := strings.Fields(line)
	if len(fields) < 8 || fields[6] != "typ" {
		return Candidate{}, ErrInvalidCandidateFormat
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil || component < 1 || component > 2 {
		return Candidate{}, ErrInvalidComponentID
	}

	protocol := strings.ToLower(fields[2])
	if protocol != "udp" && protocol != "tcp" {
		return Candidate{}, ErrInvalidTransportProtocol
	}

	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, ErrInvalidPriority
	}

	ip := fields[4]
	if !validIP(ip) {
		return Candidate{}, ErrInvalidIP
	}

	return parseCandidateFields(fields, component, protocol, uint32(priority), ip)
}

func parseCandidateFields(fields []string, component int, protocol string, priority uint32, ip string) (Candidate, error) {
	port, err := strconv.Atoi(fields[5])
	if err != nil || port < 0 || port > 65535 {
		return Candidate{}, ErrInvalidPort
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  component,
		Protocol:   protocol,
		Priority:   priority,
		IP:         ip,
		Port:       port,
		Type:       fields[7],
	}

	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelatedIP = fields[i+1]
		case "rport":
			if p, err := strconv.Atoi(fields[i+1]); err == nil {
				c.RelatedPort = p
			}
		}
	}
	return c, nil
}

func validIP(ip string) bool {
	return strings.Count(ip, ".") == 3 || strings.Contains(ip, ":")
}
