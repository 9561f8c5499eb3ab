package ice

import "testing"

func TestFormPairsFiltersProtocolAndAddressFamily(t *testing.T) {
	local := []Candidate{
		newHostCandidate(1, "udp", "192.168.1.2", 1000),
		newHostCandidate(1, "tcp", "192.168.1.2", 1001),
	}
	remote := []Candidate{
		newHostCandidate(1, "udp", "192.168.1.9", 2000),
		newHostCandidate(1, "udp", "fe80::1", 2001),
	}

	pairs := FormPairs(local, remote)
	if len(pairs) != 1 {
		t.Fatalf("FormPairs returned %d pairs, want 1", len(pairs))
	}
	if pairs[0].Local.Protocol != "udp" || pairs[0].Remote.IP != "192.168.1.9" {
		t.Errorf("unexpected pair: %+v", pairs[0])
	}
}

func TestFormPairsSortedByDescendingPriority(t *testing.T) {
	local := []Candidate{
		newHostCandidate(1, "udp", "192.168.1.2", 1000),
		newRelayCandidate(1, "udp", "192.168.1.2", 1000, "9.9.9.9", 3000, "turn.example.com:3478"),
	}
	remote := []Candidate{
		newHostCandidate(1, "udp", "192.168.1.9", 2000),
	}

	pairs := FormPairs(local, remote)
	if len(pairs) != 2 {
		t.Fatalf("FormPairs returned %d pairs, want 2", len(pairs))
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i-1].priority < pairs[i].priority {
			t.Errorf("pairs not sorted by descending priority: %v", pairs)
		}
	}
}

func TestBestPairPrefersRelayThenSrflxThenHost(t *testing.T) {
	hostLocal := newHostCandidate(1, "udp", "192.168.1.2", 1000)
	srflxLocal := newServerReflexiveCandidate(1, "udp", "192.168.1.2", 1000, "203.0.113.1", 4000, "s")
	relayLocal := newRelayCandidate(1, "udp", "192.168.1.2", 1000, "203.0.113.9", 5000, "t")
	remote := newHostCandidate(1, "udp", "192.168.1.9", 2000)

	pairs := []Pair{
		{Local: hostLocal, Remote: remote, priority: pairPriority(hostLocal, remote)},
		{Local: srflxLocal, Remote: remote, priority: pairPriority(srflxLocal, remote)},
		{Local: relayLocal, Remote: remote, priority: pairPriority(relayLocal, remote)},
	}

	best, ok := BestPair(pairs)
	if !ok {
		t.Fatal("BestPair reported no pairs")
	}
	if best.Local.Type != TypeRelay {
		t.Errorf("BestPair chose %s, want relay", best.Local.Type)
	}
}

func TestBestPairFallsBackToHostToHost(t *testing.T) {
	localA := newHostCandidate(1, "udp", "192.168.1.2", 1000)
	localB := newHostCandidate(1, "udp", "192.168.1.3", 1001)
	remote := newHostCandidate(1, "udp", "192.168.1.9", 2000)

	pairs := []Pair{
		{Local: localA, Remote: remote, priority: pairPriority(localA, remote)},
		{Local: localB, Remote: remote, priority: pairPriority(localB, remote)},
	}

	best, ok := BestPair(pairs)
	if !ok {
		t.Fatal("BestPair reported no pairs")
	}
	if best.Local.Type != TypeHost || best.Remote.Type != TypeHost {
		t.Errorf("BestPair = %+v, want host-to-host", best)
	}
}

func TestBestPairOnEmptyReturnsFalse(t *testing.T) {
	if _, ok := BestPair(nil); ok {
		t.Error("BestPair(nil) reported ok=true")
	}
}
