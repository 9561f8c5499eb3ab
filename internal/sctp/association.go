package sctp

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/logging"
	"github.com/lanikai/p2pcall/internal/packet"
)

var log = logging.DefaultLogger.WithTag("sctp")

// Role determines which side of the four-way handshake an Association
// drives. The DTLS client always opens the SCTP association as the SCTP
// client too.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the association's handshake/lifecycle state.
type State int

const (
	StateClosed State = iota
	StateInitSent
	StateWaitCookieEcho
	StateCookieEchoSent
	StateEstablished
)

var (
	ErrNotEstablished = xerrors.New("sctp: association is not established")
	ErrInvalidPacket  = xerrors.New("sctp: invalid packet")
)

// ReceivedData is one in-order, reassembled user message delivered to the
// application.
type ReceivedData struct {
	StreamID uint16
	PPID     uint32
	Payload  []byte
}

// Association is a sans-IO SCTP association: HandlePacket consumes
// received datagrams (already decrypted by DTLS), PollSend/
// TakeControlPackets produce datagrams to send, and TakeReceivedData
// drains newly in-order-delivered user messages.
type Association struct {
	role  Role
	state State

	localTag uint32
	peerTag  uint32

	localInitialTSN uint32
	peerInitialTSN  uint32
	haveInitialTSN  bool

	nextTSN          uint32
	nextStreamSeq    map[uint16]uint16
	cumulativeTSNAck uint32

	advertisedWindow uint32
	peerWindow       uint32

	cookieSecret []byte

	outQueue        []DataChunk
	retransmitQueue []uint32
	inFlight        map[uint32]DataChunk

	receiveBuffer map[uint32]ReceivedData
	incoming      []ReceivedData

	controlOut [][]byte
}

// defaultAdvertisedWindow is the receive window this association offers,
// generous enough for a single file-transfer stream to stay saturated.
const defaultAdvertisedWindow = 1 << 20

// NewAssociation creates an Association in the Closed state. Call Start
// for the client side; the server side waits passively for an INIT.
func NewAssociation(role Role) (*Association, error) {
	tag, err := randomUint32()
	if err != nil {
		return nil, err
	}
	initialTSN, err := randomUint32()
	if err != nil {
		return nil, err
	}
	a := &Association{
		role:             role,
		state:            StateClosed,
		localTag:         tag,
		localInitialTSN:  initialTSN,
		nextTSN:          initialTSN,
		nextStreamSeq:    make(map[uint16]uint16),
		advertisedWindow: defaultAdvertisedWindow,
		inFlight:         make(map[uint32]DataChunk),
		receiveBuffer:    make(map[uint32]ReceivedData),
	}
	if role == RoleServer {
		secret, err := newServerCookieSecret()
		if err != nil {
			return nil, err
		}
		a.cookieSecret = secret
		a.state = StateWaitCookieEcho
	}
	return a, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, xerrors.Errorf("sctp: generate random tag: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Start begins the handshake for the client side by sending INIT.
func (a *Association) Start() error {
	if a.role != RoleClient || a.state != StateClosed {
		return nil
	}
	init := InitChunk{
		InitiateTag:      a.localTag,
		AdvertisedWindow: a.advertisedWindow,
		OutboundStreams:  1,
		InboundStreams:   1,
		InitialTSN:       a.localInitialTSN,
	}
	a.controlOut = append(a.controlOut, buildPacket(0, init.encode()))
	a.state = StateInitSent
	return nil
}

// State returns the association's current lifecycle state.
func (a *Association) State() State { return a.state }

// Established reports whether the four-way handshake has completed.
func (a *Association) Established() bool { return a.state == StateEstablished }

// TakeControlPackets drains handshake and SACK packets queued since the
// last call.
func (a *Association) TakeControlPackets() [][]byte {
	p := a.controlOut
	a.controlOut = nil
	return p
}

// TakeReceivedData drains newly in-order-delivered user messages.
func (a *Association) TakeReceivedData() []ReceivedData {
	p := a.incoming
	a.incoming = nil
	return p
}

// Send assigns the next TSN and stream sequence number to payload and
// enqueues it as a DATA chunk. It does not block on the peer's receive
// window; the caller's data-channel layer is responsible for flow
// control.
func (a *Association) Send(streamID uint16, ppid uint32, payload []byte) error {
	if a.state != StateEstablished {
		return ErrNotEstablished
	}
	seq := a.nextStreamSeq[streamID]
	a.nextStreamSeq[streamID] = seq + 1

	chunk := DataChunk{
		TSN:               a.nextTSN,
		StreamID:          streamID,
		StreamSequence:    seq,
		PayloadProtocolID: ppid,
		BeginFragment:     true,
		EndFragment:       true,
		Payload:           append([]byte(nil), payload...),
	}
	a.nextTSN++
	a.outQueue = append(a.outQueue, chunk)
	return nil
}

// PollSend dequeues one DATA chunk to transmit, preferring a pending
// retransmission over new data, and wraps it in an SCTP packet addressed
// to the peer's verification tag. It returns ok=false when there is
// nothing to send.
func (a *Association) PollSend() (pkt []byte, ok bool) {
	if len(a.retransmitQueue) > 0 {
		tsn := a.retransmitQueue[0]
		a.retransmitQueue = a.retransmitQueue[1:]
		chunk, present := a.inFlight[tsn]
		if !present {
			return a.PollSend() // already acked since it was queued; try the next one
		}
		return buildPacket(a.peerTag, chunk.encode()), true
	}
	if len(a.outQueue) == 0 {
		return nil, false
	}
	chunk := a.outQueue[0]
	a.outQueue = a.outQueue[1:]
	a.inFlight[chunk.TSN] = chunk
	return buildPacket(a.peerTag, chunk.encode()), true
}

// HandlePacket processes one received SCTP packet.
func (a *Association) HandlePacket(data []byte, now time.Time) error {
	if len(data) < commonHeaderSize {
		return ErrInvalidPacket
	}
	var hdr CommonHeader
	if err := (&hdr).readFrom(packet.NewReader(data)); err != nil {
		return err
	}
	chunks, err := parseChunks(data[commonHeaderSize:])
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := a.handleChunk(c, now); err != nil {
			return err
		}
	}
	return nil
}

func (a *Association) handleChunk(c packetChunk, now time.Time) error {
	switch c.chunkType {
	case ChunkInit:
		return a.onInit(c.body, now)
	case ChunkInitAck:
		return a.onInitAck(c.body)
	case ChunkCookieEcho:
		return a.onCookieEcho(c.body, now)
	case ChunkCookieAck:
		return a.onCookieAck()
	case ChunkData:
		return a.onData(c.flags, c.body)
	case ChunkSack:
		return a.onSack(c.body)
	case ChunkShutdown, ChunkShutdownAck, ChunkShutdownComplete:
		a.state = StateClosed
		return nil
	default:
		return nil // unrecognized chunk types are ignored, not fatal
	}
}

func (a *Association) onInit(body []byte, now time.Time) error {
	if a.role != RoleServer {
		return nil
	}
	init, err := decodeInitChunk(body)
	if err != nil {
		return err
	}
	a.peerTag = init.InitiateTag
	a.peerInitialTSN = init.InitialTSN
	a.cumulativeTSNAck = init.InitialTSN - 1
	a.peerWindow = init.AdvertisedWindow

	cookie := makeCookie(a.cookieSecret, init.InitiateTag, init.InitialTSN, now)
	ack := InitAckChunk{
		InitiateTag:      a.localTag,
		AdvertisedWindow: a.advertisedWindow,
		OutboundStreams:  1,
		InboundStreams:   1,
		InitialTSN:       a.localInitialTSN,
		Cookie:           cookie,
	}
	a.controlOut = append(a.controlOut, buildPacket(a.peerTag, ack.encode()))
	return nil
}

func (a *Association) onInitAck(body []byte) error {
	if a.role != RoleClient || a.state != StateInitSent {
		return nil
	}
	ack, err := decodeInitAckChunk(body)
	if err != nil {
		return err
	}
	a.peerTag = ack.InitiateTag
	a.peerInitialTSN = ack.InitialTSN
	a.cumulativeTSNAck = ack.InitialTSN - 1
	a.peerWindow = ack.AdvertisedWindow

	echo := CookieEchoChunk{Cookie: ack.Cookie}
	a.controlOut = append(a.controlOut, buildPacket(a.peerTag, echo.encode()))
	a.state = StateCookieEchoSent
	return nil
}

func (a *Association) onCookieEcho(body []byte, now time.Time) error {
	if a.role != RoleServer || a.state != StateWaitCookieEcho {
		return nil
	}
	echo := decodeCookieEchoChunk(body)
	if _, _, err := verifyCookie(a.cookieSecret, echo.Cookie, now); err != nil {
		return err
	}
	a.controlOut = append(a.controlOut, buildPacket(a.peerTag, encodeEmptyChunk(ChunkCookieAck)))
	a.state = StateEstablished
	log.Info("association established (server)")
	return nil
}

func (a *Association) onCookieAck() error {
	if a.role != RoleClient || a.state != StateCookieEchoSent {
		return nil
	}
	a.state = StateEstablished
	log.Info("association established (client)")
	return nil
}

func (a *Association) onData(flags byte, body []byte) error {
	chunk, err := decodeDataChunk(flags, body)
	if err != nil {
		return err
	}

	if !a.haveInitialTSN {
		a.haveInitialTSN = true
	}
	if !tsnGreater(chunk.TSN, a.cumulativeTSNAck) {
		// Already delivered; still counts toward the SACK below.
	} else {
		a.receiveBuffer[chunk.TSN] = ReceivedData{StreamID: chunk.StreamID, PPID: chunk.PayloadProtocolID, Payload: chunk.Payload}
		for {
			next := a.cumulativeTSNAck + 1
			rd, present := a.receiveBuffer[next]
			if !present {
				break
			}
			delete(a.receiveBuffer, next)
			a.incoming = append(a.incoming, rd)
			a.cumulativeTSNAck = next
		}
	}

	a.controlOut = append(a.controlOut, buildPacket(a.peerTag, a.buildSack().encode()))
	return nil
}

func (a *Association) buildSack() SackChunk {
	var pending []uint32
	for tsn := range a.receiveBuffer {
		pending = append(pending, tsn)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return SackChunk{
		CumulativeTSNAck: a.cumulativeTSNAck,
		AdvertisedWindow: a.advertisedWindow,
		GapAckBlocks:     gapAckBlocks(a.cumulativeTSNAck, pending),
	}
}

func (a *Association) onSack(body []byte) error {
	sack, err := decodeSackChunk(body)
	if err != nil {
		return err
	}
	for tsn := range a.inFlight {
		if !tsnGreater(tsn, sack.CumulativeTSNAck) {
			delete(a.inFlight, tsn)
		}
	}
	for _, g := range sack.GapAckBlocks {
		for tsn := sack.CumulativeTSNAck + uint32(g.Start); tsn <= sack.CumulativeTSNAck+uint32(g.End); tsn++ {
			delete(a.inFlight, tsn)
		}
	}
	if len(a.inFlight) == 0 {
		return nil
	}
	lowest := lowestTSN(a.inFlight)
	log.Debug("retransmitting TSN %d after SACK (cumulative ack %d, %d chunks still in flight)", lowest, sack.CumulativeTSNAck, len(a.inFlight))
	a.retransmitQueue = append(a.retransmitQueue, lowest)
	return nil
}

func lowestTSN(inFlight map[uint32]DataChunk) uint32 {
	var lowest uint32
	first := true
	for tsn := range inFlight {
		if first || tsnGreater(lowest, tsn) {
			lowest = tsn
			first = false
		}
	}
	return lowest
}
