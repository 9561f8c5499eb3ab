package rtp

import (
	"math/rand"

	"github.com/lanikai/p2pcall/internal/logging"
)

var log = logging.DefaultLogger.WithTag("rtp")

// Writer tracks the sequence number and SSRC needed to emit a stream of RTP
// packets. One Writer exists per outbound SSRC (video, audio, and the
// control pseudo-stream at video_ssrc+1).
type Writer struct {
	SSRC uint32

	sequence   uint16
	roc        uint32 // rollover counter, incremented each time sequence wraps
	count      uint64
	totalBytes uint64
}

// NewWriter creates a Writer with a randomized initial sequence number. If
// ssrc is zero, a random SSRC is generated.
func NewWriter(ssrc uint32) *Writer {
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	return &Writer{
		SSRC:     ssrc,
		sequence: uint16(rand.Uint32()),
	}
}

// Next returns the header for the next packet in the stream, along with
// its 48-bit extended packet index (ROC*2^16 + SEQ, per RFC 3711 Section
// 3.3.1) for use as the SRTP keystream index, and advances the sequence
// number.
func (w *Writer) Next(payloadType byte, marker bool, timestamp uint32) (Header, uint64) {
	h := Header{
		Marker:      marker,
		PayloadType: payloadType,
		Sequence:    w.sequence,
		Timestamp:   timestamp,
		SSRC:        w.SSRC,
	}
	index := uint64(w.roc)<<16 | uint64(w.sequence)

	w.sequence++
	if w.sequence == 0 {
		w.roc++
	}
	w.count++
	return h, index
}

// Reader maintains the extended sequence number (rollover counter || 16-bit
// sequence) needed to index into an SRTP replay window and to present
// packets to the jitter buffer in wrap-aware order.
type Reader struct {
	SSRC uint32

	initialized  bool
	lastSequence uint16
	lastIndex    uint64

	count      uint64
	totalBytes uint64
}

func NewReader(ssrc uint32) *Reader {
	return &Reader{SSRC: ssrc}
}

// Index computes the 48-bit extended packet index (ROC*2^16 + SEQ)
// corresponding to sequence, per RFC 3711 Section 3.3.1, and records it as
// the most recently observed index if it is newer.
func (r *Reader) Index(sequence uint16) uint64 {
	if !r.initialized {
		r.initialized = true
		r.lastSequence = sequence
		r.lastIndex = uint64(sequence)
		return r.lastIndex
	}

	delta := int64(sequence) - int64(r.lastSequence)
	if delta > 32768 {
		delta -= 65536
	} else if delta <= -32768 {
		delta += 65536
	}
	if delta > 1000 || delta < -1000 {
		log.Debug("large RTP sequence number delta on ssrc %d: %d -> %d", r.SSRC, r.lastSequence, sequence)
	}

	index := uint64(int64(r.lastIndex) + delta)
	if index > r.lastIndex {
		r.lastIndex = index
		r.lastSequence = sequence
	}
	return index
}

// replayWindowSize is the span, in packets, behind the current watermark
// within which a sequence number is still accepted.
const replayWindowSize = 1 << 15

// Accept computes the extended packet index for sequence and reports
// whether it falls inside the replay window: not more than 2^15 indices
// behind the highest index observed so far. A rejected packet's index is
// still returned, but the caller must not advance any state on it.
func (r *Reader) Accept(sequence uint16) (index uint64, ok bool) {
	if !r.initialized {
		return r.Index(sequence), true
	}
	watermark := r.lastIndex
	index = r.Index(sequence)
	ok = index+replayWindowSize > watermark
	if !ok {
		log.Warn("rejecting replayed or too-old RTP packet on ssrc %d: index %d behind watermark %d", r.SSRC, index, watermark)
	}
	return index, ok
}

// Observe records bookkeeping for a successfully received packet.
func (r *Reader) Observe(payloadLen int) {
	r.count++
	r.totalBytes += uint64(payloadLen)
}

func (r *Reader) PacketCount() uint64 { return r.count }
func (r *Reader) OctetCount() uint64  { return r.totalBytes }

// ResetReplayWindow is invoked by the control handler when a CameraOff
// message indicates the sender is about to restart its sequence numbering
// from a low value. It clears the extended-index tracking so the next
// observed sequence establishes a fresh baseline instead of being rejected
// as a replay.
func (r *Reader) ResetReplayWindow() {
	r.initialized = false
	r.lastSequence = 0
	r.lastIndex = 0
}
