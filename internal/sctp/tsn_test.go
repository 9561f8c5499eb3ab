package sctp

import "testing"

func TestTSNGreaterHandlesWraparound(t *testing.T) {
	if !tsnGreater(1, 0) {
		t.Error("1 should be greater than 0")
	}
	if tsnGreater(0, 1) {
		t.Error("0 should not be greater than 1")
	}
	if tsnGreater(5, 5) {
		t.Error("a value is not greater than itself")
	}
	// Wraparound: 0 comes after 0xFFFFFFFF.
	if !tsnGreater(0, 0xFFFFFFFF) {
		t.Error("0 should be greater than 0xFFFFFFFF across the wrap")
	}
	if tsnGreater(0xFFFFFFFF, 0) {
		t.Error("0xFFFFFFFF should not be greater than 0 across the wrap")
	}
}

func TestTSNGreaterOrEqual(t *testing.T) {
	if !tsnGreaterOrEqual(5, 5) {
		t.Error("a value is greater-or-equal to itself")
	}
	if !tsnGreaterOrEqual(6, 5) {
		t.Error("6 should be greater-or-equal to 5")
	}
	if tsnGreaterOrEqual(4, 5) {
		t.Error("4 should not be greater-or-equal to 5")
	}
}

// TestGapAckBlocksAdvanceAsSpecified pins down spec.md's scenario #4
// literal walkthrough: receiving TSNs 100, 102, 101 in that order against
// an initial peer TSN of 100 (cumulative starts at 99).
func TestGapAckBlocksAdvanceAsSpecified(t *testing.T) {
	// After packet 1 (TSN 100): cumulative advances to 100, no gaps.
	if blocks := gapAckBlocks(100, nil); blocks != nil {
		t.Errorf("expected no gap blocks once nothing is pending, got %v", blocks)
	}

	// After packet 2 (TSN 102): cumulative stays 100, one gap block (2,2).
	blocks := gapAckBlocks(100, []uint32{102})
	if len(blocks) != 1 || blocks[0] != (GapAckBlock{Start: 2, End: 2}) {
		t.Fatalf("expected a single (2,2) gap block, got %v", blocks)
	}

	// After packet 3 (TSN 101 arrives, cumulative jumps to 102): no gaps.
	if blocks := gapAckBlocks(102, nil); blocks != nil {
		t.Errorf("expected no gap blocks after the gap closes, got %v", blocks)
	}
}

func TestGapAckBlocksCoalescesContiguousRuns(t *testing.T) {
	blocks := gapAckBlocks(100, []uint32{102, 103, 104, 107})
	want := []GapAckBlock{{Start: 2, End: 4}, {Start: 7, End: 7}}
	if len(blocks) != len(want) {
		t.Fatalf("got %v, want %v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d: got %v, want %v", i, blocks[i], want[i])
		}
	}
}
