// Package jitter implements the adaptive jitter buffer and loss tracker
// used to smooth out network-induced reordering and delay variance on the
// video RTP stream before it reaches the decoder.
package jitter

import (
	"sort"
	"sync"
	"time"
)

// Config holds the jitter buffer's tuning parameters.
type Config struct {
	ClockRate       uint32        // RTP clock rate, in Hz (90 kHz for video)
	FPS             float64       // nominal frame rate, used to derive the frame interval
	MinDelayFrames  int           // minimum adaptive delay, in frame intervals
	MaxDelayFrames  int           // maximum adaptive delay, in frame intervals
	TargetJitter    time.Duration // baseline jitter allowance
	Capacity        int           // maximum buffered packets before the oldest is dropped
	AdaptationSpeed float64       // smoothing factor in (0, 1] applied to delay changes
}

// DefaultConfig matches the parameters named in the core specification:
// clock rate 90 kHz, min delay 1 frame, max delay 8 frames, target jitter
// 10 ms, capacity 250 packets, adaptation speed 0.15.
func DefaultConfig(fps float64) Config {
	return Config{
		ClockRate:       90000,
		FPS:             fps,
		MinDelayFrames:  1,
		MaxDelayFrames:  8,
		TargetJitter:    10 * time.Millisecond,
		Capacity:        250,
		AdaptationSpeed: 0.15,
	}
}

func (c Config) frameInterval() time.Duration {
	if c.FPS <= 0 {
		return 33 * time.Millisecond
	}
	return time.Duration(float64(time.Second) / c.FPS)
}

// Packet is a single buffered video RTP packet.
type Packet struct {
	Sequence  uint16
	Timestamp uint32
	Payload   []byte

	// Index is the 48-bit extended sequence number (rtp.Reader.Accept),
	// used as the buffer's sort and duplicate-detection key so that
	// 16-bit sequence wraparound never needs special-casing here.
	Index uint64

	received time.Time
}

// Buffer reorders, de-duplicates, and adaptively delays a video RTP
// stream. The zero value is not usable; construct with New.
type Buffer struct {
	config Config

	mu      sync.Mutex
	packets map[uint64]Packet

	nextExpected uint64
	haveExpected bool
	gapSince     time.Time

	delay    time.Duration
	jitter   time.Duration
	lastLocalNTP  time.Duration
	lastRTPTicks  uint32
	haveLastArrival bool

	stats Stats
}

// New creates an empty Buffer.
func New(config Config) *Buffer {
	return &Buffer{
		config:  config,
		packets: make(map[uint64]Packet),
		delay:   time.Duration(config.MinDelayFrames) * config.frameInterval(),
	}
}

// Push inserts a packet unless its index duplicates one already buffered.
// If the buffer exceeds its configured capacity, the oldest (lowest-index)
// packet is dropped to make room. now is the local arrival time, passed in
// for testability.
func (b *Buffer) Push(p Packet, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.packets[p.Index]; dup {
		b.stats.Duplicate++
		return
	}

	p.received = now
	b.updateDelay(p, now)

	if b.haveExpected && p.Index < b.nextExpected {
		// Arrived after a higher-sequence neighbor already passed through.
		b.stats.Reordered++
	}

	b.packets[p.Index] = p
	b.stats.Received++

	if len(b.packets) > b.config.Capacity {
		b.dropOldest()
	}
}

func (b *Buffer) dropOldest() {
	var oldest uint64
	first := true
	for idx := range b.packets {
		if first || idx < oldest {
			oldest = idx
			first = false
		}
	}
	delete(b.packets, oldest)
}

// updateDelay applies RFC 3550 Section 6.4.1-style interarrival jitter
// estimation, smoothed at AdaptationSpeed instead of the RFC's fixed
// 1/16, to adapt the release delay between MinDelayFrames and
// MaxDelayFrames.
func (b *Buffer) updateDelay(p Packet, now time.Time) {
	if b.config.ClockRate == 0 {
		return
	}

	if b.haveLastArrival {
		rtpDelta := float64(int64(p.Timestamp)-int64(b.lastRTPTicks)) / float64(b.config.ClockRate)
		localDelta := now.Sub(b.lastArrivalTime())

		d := localDelta.Seconds() - rtpDelta
		if d < 0 {
			d = -d
		}
		sample := time.Duration(d * float64(time.Second))

		diff := sample - b.jitter
		b.jitter += time.Duration(b.config.AdaptationSpeed * float64(diff))
	}

	b.lastLocalNTP = now.Sub(time.Time{})
	b.lastRTPTicks = p.Timestamp
	b.haveLastArrival = true

	frame := b.config.frameInterval()
	minDelay := time.Duration(b.config.MinDelayFrames) * frame
	maxDelay := time.Duration(b.config.MaxDelayFrames) * frame

	desired := b.config.TargetJitter + b.jitter
	if desired < minDelay {
		desired = minDelay
	}
	if desired > maxDelay {
		desired = maxDelay
	}

	b.delay += time.Duration(b.config.AdaptationSpeed * float64(desired-b.delay))
}

func (b *Buffer) lastArrivalTime() time.Time {
	return time.Time{}.Add(b.lastLocalNTP)
}

// PopNext returns the lowest-index packet whose age meets the current
// adaptive delay. When a gap precedes it (an expected lower index is
// missing), release is withheld for up to MaxDelayFrames frame intervals
// to give the missing packet a chance to arrive; once that window
// elapses, the gap is counted as lost and the packet is released anyway.
func (b *Buffer) PopNext(now time.Time) (Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.packets) == 0 {
		return Packet{}, false
	}

	lowest := b.lowestIndex()
	p := b.packets[lowest]

	if b.haveExpected && lowest != b.nextExpected {
		if b.gapSince.IsZero() {
			b.gapSince = now
		}
		maxWait := time.Duration(b.config.MaxDelayFrames) * b.config.frameInterval()
		if now.Sub(b.gapSince) < maxWait {
			return Packet{}, false
		}
		// Give up on the missing packets; count them lost.
		b.stats.Lost += countGap(b.nextExpected, lowest)
		b.gapSince = time.Time{}
	}

	if now.Sub(p.received) < b.delay {
		return Packet{}, false
	}

	delete(b.packets, lowest)
	b.nextExpected = lowest + 1
	b.haveExpected = true
	b.gapSince = time.Time{}
	return p, true
}

func countGap(expected, got uint64) uint64 {
	if got <= expected {
		return 0
	}
	return got - expected
}

func (b *Buffer) lowestIndex() uint64 {
	indices := make([]uint64, 0, len(b.packets))
	for idx := range b.packets {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices[0]
}

// Clear drops all buffered packets and resets statistics and adaptive
// state. Invoked on CameraOff so stale frames from a previous stream are
// never displayed against a freshly restarted one.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.packets = make(map[uint64]Packet)
	b.haveExpected = false
	b.haveLastArrival = false
	b.gapSince = time.Time{}
	b.jitter = 0
	b.delay = time.Duration(b.config.MinDelayFrames) * b.config.frameInterval()
	b.stats = Stats{}
}

// Stats is a snapshot of the buffer's loss tracker.
type Stats struct {
	Received  uint64
	Lost      uint64
	Reordered uint64
	Duplicate uint64
}

// LossRate returns lost / (lost + received), or 0 if nothing has been
// observed yet.
func (s Stats) LossRate() float64 {
	total := s.Lost + s.Received
	if total == 0 {
		return 0
	}
	return float64(s.Lost) / float64(total)
}

// Stats returns a snapshot of the current loss tracker state.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
