package session

import (
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/sctp"
)

// FileEventKind identifies one of the file-transfer-layer events the
// application polls for via Session.PollFileEvent.
type FileEventKind int

const (
	FileEventIncomingOffer FileEventKind = iota
	FileEventAccepted
	FileEventRejected
	FileEventCompleted
	FileEventCancelled
	FileEventFailed
)

// FileEvent is one file-transfer-layer event.
type FileEvent struct {
	Kind     FileEventKind
	ID       uint64
	Filename string
	Size     int64
	MimeType string
	Reason   string
}

// outgoingFile tracks an in-progress disk-backed send.
type outgoingFile struct {
	f    *os.File
	done bool
}

// incomingFile tracks an in-progress disk-backed receive.
type incomingFile struct {
	f *os.File
}

// FileTransferManager is the filesystem-backed glue around
// internal/sctp.FileTransferManager: that package frames and paces the
// wire protocol but deliberately never touches a filesystem, so this type
// adds the os.Open/os.Create calls a real send/receive needs.
type FileTransferManager struct {
	mgr *sctp.FileTransferManager
	dc  *sctp.DataChannel

	mu       sync.Mutex
	outgoing map[uint64]*outgoingFile
	incoming map[uint64]*incomingFile
	events   []FileEvent
}

func newFileTransferManager(m *sctp.Manager, dc *sctp.DataChannel) *FileTransferManager {
	return &FileTransferManager{
		mgr:      sctp.NewFileTransferManager(m, dc),
		dc:       dc,
		outgoing: make(map[uint64]*outgoingFile),
		incoming: make(map[uint64]*incomingFile),
	}
}

// sendFromDisk opens filePath, offers it over the data channel, and
// registers it so pumpOutgoing streams its contents once the offer is
// accepted.
func (f *FileTransferManager) sendFromDisk(filePath string) (uint64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, xerrors.Errorf("session: open %s: %w", filePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, xerrors.Errorf("session: stat %s: %w", filePath, err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(filePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id, err := f.mgr.Offer(filepath.Base(filePath), info.Size(), mimeType)
	if err != nil {
		file.Close()
		return 0, err
	}
	f.mu.Lock()
	f.outgoing[id] = &outgoingFile{f: file}
	f.mu.Unlock()
	return id, nil
}

// receiveToDisk opens destPath for writing and registers id so incoming
// data chunks land there as they arrive.
func (f *FileTransferManager) receiveToDisk(id uint64, destPath string) error {
	file, err := os.Create(destPath)
	if err != nil {
		return xerrors.Errorf("session: create %s: %w", destPath, err)
	}
	f.mu.Lock()
	f.incoming[id] = &incomingFile{f: file}
	f.mu.Unlock()
	return nil
}

// pump interprets Manager events produced since the last Pump call as
// file-transfer protocol messages, writing incoming data chunks to their
// registered destination file and surfacing application-level events.
func (f *FileTransferManager) pump(evs []sctp.Event) {
	f.mgr.Pump(evs)
	for _, ev := range f.mgr.PollEvents() {
		switch ev.Kind {
		case sctp.TransferEventIncomingOffer:
			f.pushEvent(FileEvent{Kind: FileEventIncomingOffer, ID: ev.ID, Filename: ev.Filename, Size: ev.Size, MimeType: ev.MimeType})
		case sctp.TransferEventAccepted:
			f.pushEvent(FileEvent{Kind: FileEventAccepted, ID: ev.ID})
		case sctp.TransferEventRejected:
			f.pushEvent(FileEvent{Kind: FileEventRejected, ID: ev.ID, Reason: ev.Reason})
		case sctp.TransferEventDataChunk:
			f.writeIncomingChunk(ev.ID, ev.Payload)
		case sctp.TransferEventCompleted:
			f.closeIncoming(ev.ID)
			f.mu.Lock()
			delete(f.outgoing, ev.ID)
			f.mu.Unlock()
			f.pushEvent(FileEvent{Kind: FileEventCompleted, ID: ev.ID})
		case sctp.TransferEventCancelled:
			f.closeIncoming(ev.ID)
			f.pushEvent(FileEvent{Kind: FileEventCancelled, ID: ev.ID, Reason: ev.Reason})
		}
	}
}

func (f *FileTransferManager) writeIncomingChunk(id uint64, data []byte) {
	f.mu.Lock()
	inc, present := f.incoming[id]
	f.mu.Unlock()
	if !present {
		return
	}
	if _, err := inc.f.Write(data); err != nil {
		log.Warn("file transfer %d: write: %v", id, err)
		f.pushEvent(FileEvent{Kind: FileEventFailed, ID: id, Reason: err.Error()})
	}
}

func (f *FileTransferManager) closeIncoming(id uint64) {
	f.mu.Lock()
	inc, present := f.incoming[id]
	delete(f.incoming, id)
	f.mu.Unlock()
	if present {
		inc.f.Close()
	}
}

// pumpOutgoing pushes the next chunk for every active disk-backed send,
// stopping at the channel's current flow-control threshold. Called
// periodically from sendTask.
func (f *FileTransferManager) pumpOutgoing() {
	f.mu.Lock()
	ids := make([]uint64, 0, len(f.outgoing))
	for id := range f.outgoing {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.mu.Lock()
		out, present := f.outgoing[id]
		f.mu.Unlock()
		if !present || out.done {
			continue
		}
		buf := make([]byte, f.dc.ChunkSize())
		n, err := out.f.Read(buf)
		if n > 0 {
			if werr := f.mgr.WriteChunk(id, buf[:n]); werr != nil {
				if werr == sctp.ErrBackpressure {
					out.f.Seek(-int64(n), io.SeekCurrent)
					continue
				}
				log.Warn("file transfer %d: write chunk: %v", id, werr)
				out.done = true
				out.f.Close()
				continue
			}
		}
		if err != nil {
			out.done = true
			out.f.Close()
		}
	}
}

func (f *FileTransferManager) pollEvent() (FileEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return FileEvent{}, false
	}
	e := f.events[0]
	f.events = f.events[1:]
	return e, true
}

func (f *FileTransferManager) pushEvent(e FileEvent) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}
