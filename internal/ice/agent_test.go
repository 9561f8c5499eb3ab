package ice

import "testing"

func TestNewAgentGeneratesUfragAndPwdOfSpecLength(t *testing.T) {
	a := NewAgent()
	if len(a.Ufrag) != 8 {
		t.Errorf("len(Ufrag) = %d, want 8", len(a.Ufrag))
	}
	if len(a.Pwd) != 24 {
		t.Errorf("len(Pwd) = %d, want 24", len(a.Pwd))
	}
	if a.State != New {
		t.Errorf("State = %s, want new", a.State)
	}
}

func TestNewAgentGeneratesDistinctCredentials(t *testing.T) {
	a, b := NewAgent(), NewAgent()
	if a.Ufrag == b.Ufrag && a.Pwd == b.Pwd {
		t.Error("two agents produced identical ufrag/pwd")
	}
}

func TestAgentFormPairsFailsWithoutRemoteCandidates(t *testing.T) {
	a := &Agent{Local: []Candidate{newHostCandidate(1, "udp", "192.168.1.2", 1000)}}
	if err := a.FormPairs(); err != ErrNoCandidates {
		t.Errorf("FormPairs() err = %v, want ErrNoCandidates", err)
	}
	if a.State != Failed {
		t.Errorf("State = %s, want failed", a.State)
	}
}

func TestAgentFormPairsSucceedsWithMatchingCandidates(t *testing.T) {
	a := &Agent{Local: []Candidate{newHostCandidate(1, "udp", "192.168.1.2", 1000)}}
	if err := a.AddRemoteCandidate(newHostCandidate(1, "udp", "192.168.1.9", 2000).SDPLine()); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if err := a.FormPairs(); err != nil {
		t.Fatalf("FormPairs: %v", err)
	}
	if a.State != Connected {
		t.Errorf("State = %s, want connected", a.State)
	}
	if _, ok := a.BestPair(); !ok {
		t.Error("BestPair reported no pair after successful FormPairs")
	}
}

func TestAgentFromSDPLinesIgnoresNonCandidateLines(t *testing.T) {
	a := &Agent{}
	lines := []string{
		"v=0",
		"a=" + newHostCandidate(1, "udp", "192.168.1.9", 2000).SDPLine(),
		"a=mid:0",
	}
	if err := a.FromSDPLines(lines); err != nil {
		t.Fatalf("FromSDPLines: %v", err)
	}
	if len(a.Remote) != 1 {
		t.Errorf("len(Remote) = %d, want 1", len(a.Remote))
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		New: "new", Checking: "checking", Connected: "connected", Failed: "failed", Closed: "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
