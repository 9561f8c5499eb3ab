package sctp

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/packet"
)

// filePPID is the PPID carried by every message on the file-transfer data
// channel, distinguishing it from DCEP control traffic (PPID 50) and plain
// UTF-8/binary messages (PPID 51/52).
const filePPID = 53

type fileMessageType byte

const (
	fileMessageOffer    fileMessageType = 1
	fileMessageAccept   fileMessageType = 2
	fileMessageReject   fileMessageType = 3
	fileMessageData     fileMessageType = 4
	fileMessageComplete fileMessageType = 5
	fileMessageCancel   fileMessageType = 6
)

const checksumSize = sha256.Size

// TransferState is the lifecycle of one file transfer, kept per spec as an
// explicit state field rather than inferred from which events have fired.
type TransferState int

const (
	TransferPending TransferState = iota
	TransferTransferring
	TransferCompleted
	TransferRejected
	TransferCancelled
	TransferFailed
)

// Transfer tracks one offered file, in either direction.
type Transfer struct {
	ID       uint64
	Filename string
	Size     int64
	MimeType string

	state           TransferState
	bytesSent       int64
	bytesReceived   int64
	sendHash        hash.Hash
	initiatedByUs   bool
	channel         *DataChannel
}

// State reports the transfer's current lifecycle state.
func (t *Transfer) State() TransferState { return t.state }

// BytesTransferred reports progress in the direction this side is acting:
// bytes sent if we are the sender, bytes received if we are the receiver.
func (t *Transfer) BytesTransferred() int64 {
	if t.initiatedByUs {
		return t.bytesSent
	}
	return t.bytesReceived
}

// TransferEvent is one file-transfer-layer event the application polls for.
type TransferEvent struct {
	Kind     TransferEventKind
	ID       uint64
	Filename string
	Size     int64
	MimeType string
	Offset   int64
	Payload  []byte
	Reason   string
}

type TransferEventKind int

const (
	TransferEventIncomingOffer TransferEventKind = iota
	TransferEventAccepted
	TransferEventRejected
	TransferEventDataChunk
	TransferEventCompleted
	TransferEventCancelled
	TransferEventFailed
)

// FileTransferManager drives the file-transfer protocol (spec §4.6/§6) over
// one open "file-transfer" DataChannel, keeping one Transfer per transfer-id
// in either direction.
type FileTransferManager struct {
	dc        *DataChannel
	manager   *Manager
	transfers map[uint64]*Transfer
	nextID    uint64
	events    []TransferEvent
}

// NewFileTransferManager binds the protocol to an already-open data channel.
func NewFileTransferManager(m *Manager, dc *DataChannel) *FileTransferManager {
	return &FileTransferManager{dc: dc, manager: m, transfers: make(map[uint64]*Transfer)}
}

// Offer begins sending filename (size bytes, of mimetype mime), returning
// the transfer-id the caller uses with WriteChunk/Cancel. The caller is
// responsible for reading the file's bytes and driving WriteChunk itself;
// this package only frames and paces the protocol.
func (f *FileTransferManager) Offer(filename string, size int64, mime string) (uint64, error) {
	f.nextID++
	id := f.nextID
	t := &Transfer{ID: id, Filename: filename, Size: size, MimeType: mime, state: TransferPending, initiatedByUs: true, sendHash: sha256.New(), channel: f.dc}
	f.transfers[id] = t

	w := packet.NewWriterSize(1 + 8 + 2 + len(filename) + 8 + 2 + len(mime))
	w.WriteByte(byte(fileMessageOffer))
	w.WriteUint64(id)
	w.WriteString16(filename)
	w.WriteUint64(uint64(size))
	w.WriteString16(mime)
	if err := f.manager.Send(f.dc, filePPID, w.Bytes()); err != nil {
		return 0, err
	}
	return id, nil
}

// Accept acknowledges a received Offer and begins expecting Data chunks.
func (f *FileTransferManager) Accept(id uint64) error {
	t, err := f.pendingIncoming(id)
	if err != nil {
		return err
	}
	t.state = TransferTransferring
	return f.send(fileMessageAccept, id, nil)
}

// Reject declines a received Offer.
func (f *FileTransferManager) Reject(id uint64, reason string) error {
	t, err := f.pendingIncoming(id)
	if err != nil {
		return err
	}
	t.state = TransferRejected
	delete(f.transfers, id)
	return f.sendReason(fileMessageReject, id, reason)
}

// Cancel aborts an in-progress transfer from either side.
func (f *FileTransferManager) Cancel(id uint64, reason string) error {
	t, present := f.transfers[id]
	if !present {
		return xerrors.New("sctp: unknown transfer id")
	}
	t.state = TransferCancelled
	delete(f.transfers, id)
	return f.sendReason(fileMessageCancel, id, reason)
}

// WriteChunk sends data as the next chunk of the file for an accepted,
// sender-side transfer, advancing its offset and updating the running
// checksum. No final empty call is needed: Complete is sent automatically
// once bytesSent reaches Size.
func (f *FileTransferManager) WriteChunk(id uint64, data []byte) error {
	t, present := f.transfers[id]
	if !present || !t.initiatedByUs || t.state != TransferTransferring {
		return xerrors.New("sctp: transfer not ready to send data")
	}
	w := packet.NewWriterSize(1 + 8 + 8 + len(data))
	w.WriteByte(byte(fileMessageData))
	w.WriteUint64(id)
	w.WriteUint64(uint64(t.bytesSent))
	w.WriteSlice(data)
	if err := f.manager.Send(f.dc, filePPID, w.Bytes()); err != nil {
		return err
	}
	t.sendHash.Write(data)
	t.bytesSent += int64(len(data))
	if t.bytesSent < t.Size {
		return nil
	}
	sum := t.sendHash.Sum(nil)
	if err := f.send(fileMessageComplete, id, sum); err != nil {
		return err
	}
	t.state = TransferCompleted
	delete(f.transfers, id)
	return nil
}

func (f *FileTransferManager) pendingIncoming(id uint64) (*Transfer, error) {
	t, present := f.transfers[id]
	if !present || t.initiatedByUs || t.state != TransferPending {
		return nil, xerrors.New("sctp: no pending incoming transfer with that id")
	}
	return t, nil
}

func (f *FileTransferManager) send(t fileMessageType, id uint64, tail []byte) error {
	w := packet.NewWriterSize(1 + 8 + len(tail))
	w.WriteByte(byte(t))
	w.WriteUint64(id)
	w.WriteSlice(tail)
	return f.manager.Send(f.dc, filePPID, w.Bytes())
}

func (f *FileTransferManager) sendReason(t fileMessageType, id uint64, reason string) error {
	w := packet.NewWriterSize(1 + 8 + 2 + len(reason))
	w.WriteByte(byte(t))
	w.WriteUint64(id)
	w.WriteString16(reason)
	return f.manager.Send(f.dc, filePPID, w.Bytes())
}

// PollEvents drains file-transfer events produced since the last call.
func (f *FileTransferManager) PollEvents() []TransferEvent {
	e := f.events
	f.events = nil
	return e
}

// Pump interprets every DataReceived event surfaced by the Manager's own
// Pump as a file-transfer protocol message. Events carry no PPID, so
// messages of other PPIDs on the channel are not filtered out here. Call
// after manager.Pump().
func (f *FileTransferManager) Pump(evs []Event) {
	for _, ev := range evs {
		if ev.Kind != EventDataReceived || len(ev.Payload) == 0 {
			continue
		}
		if err := f.handleMessage(ev.Payload); err != nil {
			continue
		}
	}
}

func (f *FileTransferManager) handleMessage(payload []byte) error {
	r := packet.NewReader(payload)
	if err := r.CheckRemaining(1 + 8); err != nil {
		return xerrors.Errorf("sctp: file transfer message: %w", err)
	}
	msgType := fileMessageType(r.ReadByte())
	id := r.ReadUint64()

	switch msgType {
	case fileMessageOffer:
		filename, err := r.ReadString16()
		if err != nil {
			return err
		}
		if err := r.CheckRemaining(8); err != nil {
			return err
		}
		size := int64(r.ReadUint64())
		mime, err := r.ReadString16()
		if err != nil {
			return err
		}
		t := &Transfer{ID: id, Filename: filename, Size: size, MimeType: mime, state: TransferPending}
		f.transfers[id] = t
		f.events = append(f.events, TransferEvent{Kind: TransferEventIncomingOffer, ID: id, Filename: filename, Size: size, MimeType: mime})

	case fileMessageAccept:
		t, present := f.transfers[id]
		if !present {
			return nil
		}
		t.state = TransferTransferring
		f.events = append(f.events, TransferEvent{Kind: TransferEventAccepted, ID: id})

	case fileMessageReject:
		reason, _ := r.ReadString16()
		t, present := f.transfers[id]
		if present {
			t.state = TransferRejected
			delete(f.transfers, id)
		}
		f.events = append(f.events, TransferEvent{Kind: TransferEventRejected, ID: id, Reason: reason})

	case fileMessageData:
		if err := r.CheckRemaining(8); err != nil {
			return err
		}
		offset := int64(r.ReadUint64())
		data := append([]byte(nil), r.ReadRemaining()...)
		t, present := f.transfers[id]
		if present {
			t.bytesReceived += int64(len(data))
		}
		f.events = append(f.events, TransferEvent{Kind: TransferEventDataChunk, ID: id, Offset: offset, Payload: data})

	case fileMessageComplete:
		t, present := f.transfers[id]
		if present {
			t.state = TransferCompleted
			delete(f.transfers, id)
		}
		f.events = append(f.events, TransferEvent{Kind: TransferEventCompleted, ID: id})

	case fileMessageCancel:
		reason, _ := r.ReadString16()
		t, present := f.transfers[id]
		if present {
			t.state = TransferCancelled
			delete(f.transfers, id)
		}
		f.events = append(f.events, TransferEvent{Kind: TransferEventCancelled, ID: id, Reason: reason})
	}
	return nil
}
