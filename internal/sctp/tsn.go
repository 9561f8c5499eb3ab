package sctp

// tsnGreater reports whether a is considered "after" b using serial-number
// arithmetic (RFC 1982, as RFC 4960 Section 1.6 requires): a > b iff
// (a - b) mod 2^32 is in (0, 2^31).
func tsnGreater(a, b uint32) bool {
	d := a - b
	return d != 0 && d < 1<<31
}

// tsnGreaterOrEqual reports whether a is b or after it.
func tsnGreaterOrEqual(a, b uint32) bool {
	return a == b || tsnGreater(a, b)
}

// gapAckBlocks computes the contiguous received-but-beyond-cumulative TSN
// ranges for a SACK, expressed as (start, end) offsets from cumulativeTSN,
// given the sorted set of received TSNs strictly after it.
func gapAckBlocks(cumulativeTSN uint32, received []uint32) []GapAckBlock {
	if len(received) == 0 {
		return nil
	}
	var blocks []GapAckBlock
	start := received[0]
	prev := received[0]
	flush := func(end uint32) {
		blocks = append(blocks, GapAckBlock{
			Start: uint16(start - cumulativeTSN),
			End:   uint16(end - cumulativeTSN),
		})
	}
	for _, tsn := range received[1:] {
		if tsn == prev+1 {
			prev = tsn
			continue
		}
		flush(prev)
		start = tsn
		prev = tsn
	}
	flush(prev)
	return blocks
}
