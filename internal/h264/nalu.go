// Package h264 implements Annex-B NAL unit scanning and the NAL unit helpers
// that internal/rtp's RFC 6184 FU-A / STAP-A packetizer builds on.
package h264

// NAL unit types relevant to packetization. See RFC 6184 Section 5.2 and
// ITU-T H.264 Table 7-1.
const (
	TypeSEI    = 6
	TypeSPS    = 7
	TypePPS    = 8
	TypeIDR    = 5
	TypeSTAPA  = 24
	TypeFUA    = 28
)

// StartCode is the 4-byte Annex-B start code prepended to every NAL unit the
// depacketizer reconstructs.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Type returns the NAL unit type (low 5 bits of the header byte).
func Type(nalu []byte) byte {
	return nalu[0] & 0x1f
}

// IsParameterSet reports whether nalu is an SPS, PPS, or SEI unit — the
// units that must precede the first IDR on a fresh stream.
func IsParameterSet(nalu []byte) bool {
	switch Type(nalu) {
	case TypeSPS, TypePPS, TypeSEI:
		return true
	default:
		return false
	}
}

// SplitAnnexB scans an Annex-B byte stream (using 3- or 4-byte start codes)
// and returns the individual NAL units, each without its start code. A
// stream with zero start codes is treated as a single NAL unit.
func SplitAnnexB(stream []byte) [][]byte {
	starts := findStartCodes(stream)
	if len(starts) == 0 {
		if len(stream) == 0 {
			return nil
		}
		return [][]byte{stream}
	}

	var nalus [][]byte
	for i, start := range starts {
		end := len(stream)
		if i+1 < len(starts) {
			end = starts[i+1].codeStart
		}
		nalu := stream[start.naluStart:end]
		if len(nalu) > 0 {
			nalus = append(nalus, nalu)
		}
	}
	return nalus
}

type startCodePos struct {
	codeStart int // offset of the first 0x00 of the start code
	naluStart int // offset of the first byte after the start code
}

// findStartCodes locates every 3-byte (00 00 01) or 4-byte (00 00 00 01)
// start code in stream.
func findStartCodes(stream []byte) []startCodePos {
	var starts []startCodePos
	i := 0
	for i+2 < len(stream) {
		if stream[i] == 0 && stream[i+1] == 0 {
			if stream[i+2] == 1 {
				starts = append(starts, startCodePos{i, i + 3})
				i += 3
				continue
			}
			if i+3 < len(stream) && stream[i+2] == 0 && stream[i+3] == 1 {
				starts = append(starts, startCodePos{i, i + 4})
				i += 4
				continue
			}
		}
		i++
	}
	return starts
}

// AppendStartCode prepends the Annex-B start code to nalu and appends it to
// dst, as the depacketizer does for every unit it reconstructs.
func AppendStartCode(dst, nalu []byte) []byte {
	dst = append(dst, StartCode...)
	return append(dst, nalu...)
}
