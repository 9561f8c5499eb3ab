package ice

import "testing"

func TestHostCandidateSDPRoundTrip(t *testing.T) {
	c := newHostCandidate(1, "udp", "192.168.1.5", 54321)
	line := c.SDPLine()

	got, err := ParseCandidateSDP(line)
	if err != nil {
		t.Fatalf("ParseCandidateSDP(%q): %v", line, err)
	}
	if got != c {
		t.Errorf("ParseCandidateSDP(%q) = %+v, want %+v", line, got, c)
	}
}

func TestServerReflexiveCandidateCarriesRelatedAddress(t *testing.T) {
	c := newServerReflexiveCandidate(1, "udp", "192.168.1.5", 54321, "203.0.113.9", 60000, "stun.example.com:3478")
	line := c.SDPLine()

	got, err := ParseCandidateSDP(line)
	if err != nil {
		t.Fatalf("ParseCandidateSDP(%q): %v", line, err)
	}
	if got.RelatedIP != "192.168.1.5" || got.RelatedPort != 54321 {
		t.Errorf("related addr = %s:%d, want 192.168.1.5:54321", got.RelatedIP, got.RelatedPort)
	}
	if got.Type != TypeSrflx {
		t.Errorf("Type = %s, want srflx", got.Type)
	}
}

func TestParseCandidateSDPAcceptsLeadingAEquals(t *testing.T) {
	c := newHostCandidate(1, "udp", "10.0.0.1", 1000)
	if _, err := ParseCandidateSDP("a=" + c.SDPLine()); err != nil {
		t.Errorf("ParseCandidateSDP with a= prefix: %v", err)
	}
}

func TestParseCandidateSDPRejectsMalformedLines(t *testing.T) {
	cases := []string{
		"",
		"candidate:foo 1 udp 12345",
		"candidate:foo 9 udp 12345 10.0.0.1 1000 typ host",
		"candidate:foo 1 sctp 12345 10.0.0.1 1000 typ host",
		"candidate:foo 1 udp notanumber 10.0.0.1 1000 typ host",
		"candidate:foo 1 udp 12345 not.an.ip 1000 typ host",
		"candidate:foo 1 udp 12345 10.0.0.1 notaport typ host",
		"candidate:foo 1 udp 12345 10.0.0.1 1000 nottyp host",
	}
	for _, line := range cases {
		if _, err := ParseCandidateSDP(line); err == nil {
			t.Errorf("ParseCandidateSDP(%q) succeeded, want error", line)
		}
	}
}

func TestHostCandidatePriorityOrdering(t *testing.T) {
	host := newHostCandidate(1, "udp", "10.0.0.1", 1)
	srflx := newServerReflexiveCandidate(1, "udp", "10.0.0.1", 1, "1.2.3.4", 2, "s")
	relay := newRelayCandidate(1, "udp", "10.0.0.1", 1, "1.2.3.4", 2, "s")

	if !(host.Priority > srflx.Priority && srflx.Priority > relay.Priority) {
		t.Errorf("priority ordering host=%d srflx=%d relay=%d, want host > srflx > relay",
			host.Priority, srflx.Priority, relay.Priority)
	}
}

func TestComputeFoundationStableForSameInputs(t *testing.T) {
	a := computeFoundation(TypeHost, "10.0.0.1", "udp", "")
	b := computeFoundation(TypeHost, "10.0.0.1", "udp", "")
	if a != b {
		t.Errorf("computeFoundation not stable: %s != %s", a, b)
	}

	c := computeFoundation(TypeSrflx, "10.0.0.1", "udp", "stun.example.com:3478")
	if a == c {
		t.Error("computeFoundation collided across different candidate types")
	}
}
