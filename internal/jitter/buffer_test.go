package jitter

import (
	"testing"
	"time"
)

func testConfig() Config {
	c := DefaultConfig(30)
	c.MinDelayFrames = 1
	c.MaxDelayFrames = 4
	c.TargetJitter = 0
	return c
}

func TestPushPopInOrder(t *testing.T) {
	b := New(testConfig())
	start := time.Now()
	frame := testConfig().frameInterval()

	for i := uint64(0); i < 3; i++ {
		b.Push(Packet{Sequence: uint16(i), Timestamp: uint32(i) * 3000, Index: i}, start.Add(time.Duration(i)*frame))
	}

	got, ok := b.PopNext(start.Add(10 * frame))
	if !ok {
		t.Fatal("PopNext() = false, want true")
	}
	if got.Index != 0 {
		t.Errorf("Index = %d, want 0", got.Index)
	}
}

func TestPopNextWithholdsUntilDelayElapses(t *testing.T) {
	b := New(testConfig())
	start := time.Now()
	b.Push(Packet{Sequence: 0, Index: 0}, start)

	if _, ok := b.PopNext(start); ok {
		t.Fatal("PopNext() = true immediately after push, want false (delay not yet elapsed)")
	}

	later := start.Add(time.Hour)
	if _, ok := b.PopNext(later); !ok {
		t.Fatal("PopNext() = false after delay elapsed, want true")
	}
}

func TestPushDropsDuplicate(t *testing.T) {
	b := New(testConfig())
	now := time.Now()

	b.Push(Packet{Sequence: 5, Index: 5}, now)
	b.Push(Packet{Sequence: 5, Index: 5}, now)

	stats := b.Stats()
	if stats.Duplicate != 1 {
		t.Errorf("Duplicate = %d, want 1", stats.Duplicate)
	}
	if stats.Received != 1 {
		t.Errorf("Received = %d, want 1", stats.Received)
	}
}

func TestPushEnforcesCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	b := New(cfg)
	now := time.Now()

	b.Push(Packet{Index: 1}, now)
	b.Push(Packet{Index: 2}, now)
	b.Push(Packet{Index: 3}, now)

	if len(b.packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2", len(b.packets))
	}
	if _, present := b.packets[1]; present {
		t.Error("oldest packet (index 1) should have been dropped")
	}
}

func TestPopNextWaitsForGapThenGivesUp(t *testing.T) {
	b := New(testConfig())
	start := time.Now()
	frame := testConfig().frameInterval()

	// Deliver index 0, then skip 1, deliver 2.
	b.Push(Packet{Index: 0}, start)
	if _, ok := b.PopNext(start.Add(time.Hour)); !ok {
		t.Fatal("expected to pop index 0")
	}

	b.Push(Packet{Index: 2}, start.Add(time.Hour))

	// Immediately after the gap is noticed, PopNext should withhold.
	if _, ok := b.PopNext(start.Add(time.Hour)); ok {
		t.Fatal("PopNext() = true right after gap detected, want false")
	}

	maxWait := time.Duration(testConfig().MaxDelayFrames) * frame
	got, ok := b.PopNext(start.Add(time.Hour).Add(maxWait + time.Millisecond))
	if !ok {
		t.Fatal("PopNext() = false after max wait elapsed, want true")
	}
	if got.Index != 2 {
		t.Errorf("Index = %d, want 2", got.Index)
	}

	stats := b.Stats()
	if stats.Lost != 1 {
		t.Errorf("Lost = %d, want 1 (index 1 never arrived)", stats.Lost)
	}
}

func TestClearResetsStateAndStats(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	b.Push(Packet{Index: 1}, now)
	b.Push(Packet{Index: 1}, now) // duplicate, bumps stats

	b.Clear()

	if len(b.packets) != 0 {
		t.Errorf("len(packets) = %d, want 0 after Clear", len(b.packets))
	}
	stats := b.Stats()
	if stats.Received != 0 || stats.Duplicate != 0 {
		t.Errorf("stats = %+v, want zero value after Clear", stats)
	}
	if b.haveExpected {
		t.Error("haveExpected should be false after Clear")
	}
}

func TestLossRate(t *testing.T) {
	s := Stats{Received: 9, Lost: 1}
	if got, want := s.LossRate(), 0.1; got != want {
		t.Errorf("LossRate() = %v, want %v", got, want)
	}
	if got := (Stats{}).LossRate(); got != 0 {
		t.Errorf("LossRate() on zero value = %v, want 0", got)
	}
}
