package session

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/rtp"
)

var errSessionClosed = xerrors.New("session: closed")

// requireConnected reports whether media may currently be sent: a
// closing or closed session fails distinctly from one that simply hasn't
// reached StateConnected yet.
func (s *Session) requireConnected() error {
	switch state := s.State(); {
	case state == StateClosing || state == StateClosed:
		return errSessionClosed
	case state < StateConnected:
		return ErrWrongState
	default:
		return nil
	}
}

// SendFrame queues one or more NAL units, sharing a single RTP timestamp,
// for H.264 packetization and transmission. It does not block; if the
// outbound video queue is full the oldest queued frame is dropped to make
// room, favoring freshness over completeness per spec.md Section 4.3.
func (s *Session) SendFrame(nalus [][]byte) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	select {
	case s.outgoingVideo <- nalus:
	default:
		select {
		case <-s.outgoingVideo:
		default:
		}
		s.outgoingVideo <- nalus
	}
	return nil
}

// SendAudioFrame queues one encoded Opus frame for transmission. Frames
// are assumed to be 20ms each, per spec.md Section 4.7.
func (s *Session) SendAudioFrame(frame []byte) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	select {
	case s.outgoingAudio <- frame:
	default:
		select {
		case <-s.outgoingAudio:
		default:
		}
		s.outgoingAudio <- frame
	}
	return nil
}

// PollVideoFrame returns the next decoded, in-order video frame, if any
// has been delivered by the jitter buffer since the last call.
func (s *Session) PollVideoFrame() (VideoFrame, bool) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if len(s.video) == 0 {
		return VideoFrame{}, false
	}
	f := s.video[0]
	s.video = s.video[1:]
	return f, true
}

// PollAudioFrame returns the next decoded Opus frame, if any.
func (s *Session) PollAudioFrame() ([]byte, bool) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if len(s.audio) == 0 {
		return nil, false
	}
	f := s.audio[0]
	s.audio = s.audio[1:]
	return f, true
}

// PollControl returns the next received in-band control message, if any.
func (s *Session) PollControl() (ControlMessage, bool) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if len(s.controls) == 0 {
		return ControlMessage{}, false
	}
	m := s.controls[0]
	s.controls = s.controls[1:]
	return m, true
}

// SendControl encodes and transmits one in-band control message on RTP
// payload type 127, per spec.md Section 4.7.
func (s *Session) SendControl(msg ControlMessage) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	payload, err := encodeControl(msg)
	if err != nil {
		return err
	}
	hdr, index := s.controlWriter.Next(rtp.PayloadTypeControl, false, uint32(time.Now().UnixNano()))
	s.writeRTP(hdr, payload, index)
	return nil
}

func (s *Session) pushVideoFrame(nalus [][]byte, ts uint32) {
	if len(nalus) == 0 {
		return
	}
	s.eventsMu.Lock()
	s.video = append(s.video, VideoFrame{NALUs: nalus, Timestamp: ts})
	if len(s.video) > maxQueuedFrames {
		s.video = s.video[len(s.video)-maxQueuedFrames:]
	}
	s.eventsMu.Unlock()
}

func (s *Session) pushAudioFrame(frame []byte) {
	s.eventsMu.Lock()
	s.audio = append(s.audio, frame)
	if len(s.audio) > maxQueuedFrames {
		s.audio = s.audio[len(s.audio)-maxQueuedFrames:]
	}
	s.eventsMu.Unlock()
}

func (s *Session) pushControl(msg ControlMessage) {
	s.eventsMu.Lock()
	s.controls = append(s.controls, msg)
	if len(s.controls) > maxQueuedControls {
		s.controls = s.controls[len(s.controls)-maxQueuedControls:]
	}
	s.eventsMu.Unlock()
}

// OfferFile begins sending a file over the data channel, returning the
// transfer id used with WriteFileChunk/CancelFile. Requires the data
// channel to be open.
func (s *Session) OfferFile(filename string, size int64, mime string) (uint64, error) {
	if s.fileXfer == nil {
		return 0, ErrDataChannelNotOpen
	}
	return s.fileXfer.mgr.Offer(filename, size, mime)
}

// AcceptFile acknowledges an incoming file offer previously surfaced via
// PollFileEvent, and begins expecting data chunks.
func (s *Session) AcceptFile(id uint64) error {
	if s.fileXfer == nil {
		return ErrDataChannelNotOpen
	}
	return s.fileXfer.mgr.Accept(id)
}

// RejectFile declines an incoming file offer.
func (s *Session) RejectFile(id uint64, reason string) error {
	if s.fileXfer == nil {
		return ErrDataChannelNotOpen
	}
	return s.fileXfer.mgr.Reject(id, reason)
}

// CancelFile aborts an in-progress transfer from either side.
func (s *Session) CancelFile(id uint64, reason string) error {
	if s.fileXfer == nil {
		return ErrDataChannelNotOpen
	}
	return s.fileXfer.mgr.Cancel(id, reason)
}

// WriteFileChunk pushes the next chunk of bytes for an accepted,
// sender-side transfer.
func (s *Session) WriteFileChunk(id uint64, data []byte) error {
	if s.fileXfer == nil {
		return ErrDataChannelNotOpen
	}
	return s.fileXfer.mgr.WriteChunk(id, data)
}

// SendFileFromDisk opens filePath and offers it over the data channel; its
// contents are streamed in the background, chunked to the channel's
// adaptive chunk size, once the remote side accepts. Progress and
// completion surface through PollFileEvent.
func (s *Session) SendFileFromDisk(filePath string) (uint64, error) {
	if s.fileXfer == nil {
		return 0, ErrDataChannelNotOpen
	}
	return s.fileXfer.sendFromDisk(filePath)
}

// PollFileEvent returns the next file-transfer-layer event, if any.
// Incoming data chunks are written to disk as the receive task pumps them,
// not here.
func (s *Session) PollFileEvent() (FileEvent, bool) {
	if s.fileXfer == nil {
		return FileEvent{}, false
	}
	return s.fileXfer.pollEvent()
}

// ReceiveFileToDisk arranges for transfer id, once it completes, to have
// been written to destPath. Call after observing a FileEventIncomingOffer
// and calling AcceptFile.
func (s *Session) ReceiveFileToDisk(id uint64, destPath string) error {
	if s.fileXfer == nil {
		return ErrDataChannelNotOpen
	}
	return s.fileXfer.receiveToDisk(id, destPath)
}

// Close tears down the session: background tasks are stopped, the UDP
// socket and ICE agent are released, and the state becomes Closed. Close
// is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closeCh)
		s.wg.Wait()
		if s.iceAgent != nil {
			s.iceAgent.Close()
		}
		s.setState(StateClosed)
	})
	return nil
}
