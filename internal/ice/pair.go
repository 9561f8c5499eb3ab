package ice

import (
	"fmt"
	"sort"
)

// Pair is a candidate pair formed from one local and one remote candidate.
type Pair struct {
	Local, Remote Candidate

	// priority is the RFC 8445 Section 6.1.2.3 pairing formula, used only
	// to order pairs of otherwise equal preference (relay/srflx/host).
	priority uint64
}

func (p Pair) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", p.Local.IP, p.Local.Port, p.Remote.IP, p.Remote.Port)
}

// pairPriority implements the RFC 8445 Section 6.1.2.3 formula, with the
// controlling agent's priority (G) taken as the local candidate's.
func pairPriority(local, remote Candidate) uint64 {
	g := uint64(local.Priority)
	d := uint64(remote.Priority)
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	var b uint64
	if g > d {
		b = 1
	}
	return min<<32 | max<<1 | b
}

// FormPairs builds the cartesian product of local x remote candidates,
// keeping only pairs whose transport protocol and address family match,
// sorted by descending aggregate priority.
func FormPairs(local, remote []Candidate) []Pair {
	var pairs []Pair
	for _, l := range local {
		for _, r := range remote {
			if l.Protocol != r.Protocol {
				continue
			}
			if addressFamily(l.IP) != addressFamily(r.IP) {
				continue
			}
			pairs = append(pairs, Pair{Local: l, Remote: r, priority: pairPriority(l, r)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].priority > pairs[j].priority })
	return pairs
}

func addressFamily(ip string) int {
	if containsChar(ip, ':') {
		return 6
	}
	return 4
}

func containsChar(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}

// BestPair selects, in order of preference: any pair involving a relay
// candidate, then any pair involving a server-reflexive candidate, then any
// host-to-host pair, then simply the highest-priority remaining pair. pairs
// must already be sorted by descending priority (as FormPairs returns).
func BestPair(pairs []Pair) (Pair, bool) {
	if len(pairs) == 0 {
		return Pair{}, false
	}
	if p, ok := firstMatching(pairs, involvesType(TypeRelay)); ok {
		return p, true
	}
	if p, ok := firstMatching(pairs, involvesType(TypeSrflx)); ok {
		return p, true
	}
	if p, ok := firstMatching(pairs, bothHost); ok {
		return p, true
	}
	return pairs[0], true
}

func firstMatching(pairs []Pair, match func(Pair) bool) (Pair, bool) {
	for _, p := range pairs {
		if match(p) {
			return p, true
		}
	}
	return Pair{}, false
}

func involvesType(typ string) func(Pair) bool {
	return func(p Pair) bool {
		return p.Local.Type == typ || p.Remote.Type == typ
	}
}

func bothHost(p Pair) bool {
	return p.Local.Type == TypeHost && p.Remote.Type == TypeHost
}
