package sctp

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/packet"
)

// DCEP (RFC 8832) message PPID; the control-plane OPEN/ACK pair for
// negotiating a channel travels on this PPID before any user data.
const dcepPPID = 50

const (
	dcepMessageOpen byte = 0x03
	dcepMessageAck  byte = 0x02
)

// channelTypeReliable is the only DCEP channel type this implementation
// produces or expects: reliable, ordered.
const channelTypeReliable = 0x00

// ChannelState is the data channel's lifecycle, tracked explicitly rather
// than inferred from whether any particular event has been drained yet.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

// DataChannel is one negotiated SCTP stream carrying a labeled data
// channel (RFC 8831/8832), layered on an Association's raw stream
// multiplexing.
type DataChannel struct {
	StreamID uint16
	Label    string
	state    ChannelState

	bufferedAmount uint64
	chunkSize      int
}

const (
	maxBufferedAmount  = 1 << 20 // 1 MiB, per spec
	minChunkSize       = 4 << 10
	maxChunkSize       = 256 << 10
	initialChunkSize   = 16 << 10
	backpressureFactor = 2 // chunk size halves under back-pressure, doubles otherwise
)

// State reports the channel's current lifecycle state.
func (c *DataChannel) State() ChannelState { return c.state }

// BufferedAmount reports bytes handed to the association but not yet sent
// on the wire.
func (c *DataChannel) BufferedAmount() uint64 { return c.bufferedAmount }

// ChunkSize returns the adaptive chunk size currently in effect for large
// message splitting (e.g. file transfer Data messages).
func (c *DataChannel) ChunkSize() int { return c.chunkSize }

// Event is one of the data-channel-layer events the application polls for.
type Event struct {
	Kind     EventKind
	StreamID uint16
	Label    string
	Payload  []byte
}

type EventKind int

const (
	EventChannelOpened EventKind = iota
	EventDataReceived
	EventChannelClosed
)

// Manager owns the Association plus every negotiated DataChannel,
// interpreting DCEP control messages and surfacing channel-level events.
type Manager struct {
	assoc    *Association
	channels map[uint16]*DataChannel
	events   []Event
}

// NewManager wraps an existing Association.
func NewManager(assoc *Association) *Manager {
	return &Manager{assoc: assoc, channels: make(map[uint16]*DataChannel)}
}

// Association returns the underlying SCTP association.
func (m *Manager) Association() *Association { return m.assoc }

// Channel looks up a previously opened or negotiated DataChannel by stream
// ID, for callers that need the live channel object (e.g. to pass to
// Send) after observing its EventChannelOpened.
func (m *Manager) Channel(streamID uint16) (*DataChannel, bool) {
	ch, ok := m.channels[streamID]
	return ch, ok
}

// OpenChannel begins negotiating a new data channel on streamID by sending
// a DCEP OPEN message. The channel is Connecting until the peer's ACK (for
// the initiator) or until OPEN itself is processed (for the acceptor).
func (m *Manager) OpenChannel(streamID uint16, label string) (*DataChannel, error) {
	ch := &DataChannel{StreamID: streamID, Label: label, state: ChannelConnecting, chunkSize: initialChunkSize}
	m.channels[streamID] = ch

	msg := encodeDCEPOpen(label)
	if err := m.assoc.Send(streamID, dcepPPID, msg); err != nil {
		return nil, err
	}
	return ch, nil
}

// Send queues payload on ch, splitting it into chunkSize pieces. If the
// buffered amount is already at maxBufferedAmount, it queues nothing and
// returns ErrBackpressure until PumpSendCallback brings the amount back
// down; a call that starts below the threshold queues all of payload.
func (m *Manager) Send(ch *DataChannel, ppid uint32, payload []byte) error {
	if ch.state != ChannelOpen {
		return xerrors.New("sctp: data channel is not open")
	}
	if ch.bufferedAmount >= maxBufferedAmount {
		return ErrBackpressure
	}
	for len(payload) > 0 {
		n := ch.chunkSize
		if n > len(payload) {
			n = len(payload)
		}
		chunk := payload[:n]
		payload = payload[n:]
		if err := m.assoc.Send(ch.StreamID, ppid, chunk); err != nil {
			return err
		}
		ch.bufferedAmount += uint64(len(chunk))
	}
	return nil
}

// ErrBackpressure is returned by Send when the channel's buffered amount
// is at or above the flow-control threshold; the caller should wait for
// PumpSendCallback to report room again.
var ErrBackpressure = xerrors.New("sctp: data channel buffered amount at threshold")

// PumpSendCallback is invoked by the session runtime once sent bytes have
// actually left the local send buffer (i.e. after a PollSend call that
// dequeued them), decrementing bufferedAmount and adapting chunkSize.
func (ch *DataChannel) PumpSendCallback(sentBytes int) {
	if ch.bufferedAmount >= uint64(sentBytes) {
		ch.bufferedAmount -= uint64(sentBytes)
	} else {
		ch.bufferedAmount = 0
	}
	if ch.bufferedAmount >= maxBufferedAmount/2 {
		ch.chunkSize /= backpressureFactor
		if ch.chunkSize < minChunkSize {
			ch.chunkSize = minChunkSize
		}
		return
	}
	ch.chunkSize *= backpressureFactor
	if ch.chunkSize > maxChunkSize {
		ch.chunkSize = maxChunkSize
	}
}

// PollEvents drains channel-layer events produced since the last call.
func (m *Manager) PollEvents() []Event {
	e := m.events
	m.events = nil
	return e
}

// Pump interprets every message TakeReceivedData has newly delivered,
// handling DCEP control messages itself and surfacing everything else as
// DataReceived events. Call this after draining the association.
func (m *Manager) Pump() {
	for _, rd := range m.assoc.TakeReceivedData() {
		if rd.PPID == dcepPPID {
			m.handleDCEP(rd)
			continue
		}
		ch := m.channels[rd.StreamID]
		label := ""
		if ch != nil {
			label = ch.Label
		}
		m.events = append(m.events, Event{Kind: EventDataReceived, StreamID: rd.StreamID, Label: label, Payload: rd.Payload})
	}
}

func (m *Manager) handleDCEP(rd ReceivedData) {
	if len(rd.Payload) == 0 {
		return
	}
	switch rd.Payload[0] {
	case dcepMessageOpen:
		label, err := decodeDCEPOpenLabel(rd.Payload)
		if err != nil {
			return
		}
		ch, present := m.channels[rd.StreamID]
		if !present {
			ch = &DataChannel{StreamID: rd.StreamID, Label: label, chunkSize: initialChunkSize}
			m.channels[rd.StreamID] = ch
		}
		ch.state = ChannelOpen
		_ = m.assoc.Send(rd.StreamID, dcepPPID, []byte{dcepMessageAck})
		m.events = append(m.events, Event{Kind: EventChannelOpened, StreamID: rd.StreamID, Label: ch.Label})
	case dcepMessageAck:
		ch, present := m.channels[rd.StreamID]
		if !present {
			return
		}
		ch.state = ChannelOpen
		m.events = append(m.events, Event{Kind: EventChannelOpened, StreamID: rd.StreamID, Label: ch.Label})
	}
}

// CloseChannel marks ch closed and surfaces a ChannelClosed event. SCTP
// itself has no per-stream close message in this simplified
// implementation; closing is a data-channel-layer concept only.
func (m *Manager) CloseChannel(ch *DataChannel) {
	ch.state = ChannelClosed
	m.events = append(m.events, Event{Kind: EventChannelClosed, StreamID: ch.StreamID, Label: ch.Label})
}

func encodeDCEPOpen(label string) []byte {
	w := packet.NewWriterSize(1 + 3 + 4 + 2 + 2 + len(label))
	w.WriteByte(dcepMessageOpen)
	w.WriteByte(channelTypeReliable)
	w.WriteUint16(0) // priority, unused
	w.WriteUint32(0) // reliability parameter, unused (reliable channel)
	w.WriteUint16(uint16(len(label)))
	w.WriteUint16(0) // protocol string length, always empty here
	w.WriteSlice([]byte(label))
	return w.Bytes()
}

func decodeDCEPOpenLabel(b []byte) (string, error) {
	r := packet.NewReader(b)
	if err := r.CheckRemaining(1 + 3 + 4 + 2 + 2); err != nil {
		return "", xerrors.Errorf("sctp: DCEP OPEN: %w", err)
	}
	r.Skip(1 + 1 + 2 + 4) // message type, channel type, priority, reliability param
	labelLen := int(r.ReadUint16())
	r.Skip(2) // protocol string length
	if err := r.CheckRemaining(labelLen); err != nil {
		return "", xerrors.Errorf("sctp: DCEP OPEN label: %w", err)
	}
	return string(r.ReadSlice(labelLen)), nil
}
