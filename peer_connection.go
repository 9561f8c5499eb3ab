// Copyright 2019 Lanikai Labs. All rights reserved.

package alohartc

import (
	"context"

	"github.com/lanikai/p2pcall/internal/logging"
	"github.com/lanikai/p2pcall/session"
)

var log = logging.DefaultLogger.WithTag("alohartc")

// Re-exported session types, so callers of this package never need to
// import the session subpackage directly.
type (
	State          = session.State
	Role           = session.Role
	VideoFrame     = session.VideoFrame
	ControlType    = session.ControlType
	ControlMessage = session.ControlMessage
	FileEvent      = session.FileEvent
	FileEventKind  = session.FileEventKind
)

const (
	RoleOfferer  = session.RoleOfferer
	RoleAnswerer = session.RoleAnswerer
)

const (
	CameraOn                = session.CameraOn
	CameraOff               = session.CameraOff
	AudioOn                 = session.AudioOn
	AudioOff                = session.AudioOff
	AudioMuted              = session.AudioMuted
	AudioUnmuted            = session.AudioUnmuted
	ParticipantName         = session.ParticipantName
	ParticipantDisconnected = session.ParticipantDisconnected
	OwnerDisconnected       = session.OwnerDisconnected
)

const (
	FileEventIncomingOffer = session.FileEventIncomingOffer
	FileEventAccepted      = session.FileEventAccepted
	FileEventRejected      = session.FileEventRejected
	FileEventCompleted     = session.FileEventCompleted
	FileEventCancelled     = session.FileEventCancelled
	FileEventFailed        = session.FileEventFailed
)

// PeerConnection is one end-to-end call: SDP offer/answer, ICE
// connectivity, a DTLS-secured SRTP media path carrying H.264 video and
// Opus audio, in-band control signals, and a reliable data channel for
// file transfer. It is a thin, friendlier facade over the session package,
// which does the actual work.
type PeerConnection struct {
	sess *session.Session
}

// NewPeerConnection creates a connection in its initial state. role
// determines whether this side will produce CreateOffer (RoleOfferer) or
// CreateAnswer (RoleAnswerer).
func NewPeerConnection(cfg Config, role Role) (*PeerConnection, error) {
	sess, err := session.New(cfg, role)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{sess: sess}, nil
}

// State returns the connection's current position in its lifecycle.
func (pc *PeerConnection) State() State {
	return pc.sess.State()
}

// CreateOffer gathers local ICE candidates and returns an SDP offer.
func (pc *PeerConnection) CreateOffer() (string, error) {
	return pc.sess.CreateOffer()
}

// CreateAnswer parses a remote SDP offer, gathers local candidates, and
// returns an SDP answer.
func (pc *PeerConnection) CreateAnswer(offerSDP string) (string, error) {
	return pc.sess.CreateAnswer(offerSDP)
}

// SetRemoteDescription applies a remote SDP answer to an offer this
// connection previously created.
func (pc *PeerConnection) SetRemoteDescription(answerSDP string) error {
	return pc.sess.SetRemoteDescription(answerSDP)
}

// AddIceCandidate adds one trickled remote ICE candidate. An empty
// candidate string marks the end of trickling.
func (pc *PeerConnection) AddIceCandidate(candidate, mid string, mlineIndex int) error {
	return pc.sess.AddICECandidate(candidate, mid, mlineIndex)
}

// Connect runs ICE connectivity checks, the DTLS handshake, and SCTP/data
// channel setup, then starts the background send/receive/decode tasks. It
// blocks until the data channel is open, ctx is done, or a fatal error
// occurs.
func (pc *PeerConnection) Connect(ctx context.Context) error {
	return pc.sess.Establish(ctx)
}

// SendFrame queues one or more NAL units, sharing a single RTP timestamp,
// for H.264 packetization and transmission.
func (pc *PeerConnection) SendFrame(nalus [][]byte) error {
	return pc.sess.SendFrame(nalus)
}

// SendAudioFrame queues one encoded 20ms Opus frame for transmission.
func (pc *PeerConnection) SendAudioFrame(frame []byte) error {
	return pc.sess.SendAudioFrame(frame)
}

// PollVideoFrame returns the next decoded, in-order video frame, if any.
func (pc *PeerConnection) PollVideoFrame() (VideoFrame, bool) {
	return pc.sess.PollVideoFrame()
}

// PollAudioFrame returns the next decoded Opus frame, if any.
func (pc *PeerConnection) PollAudioFrame() ([]byte, bool) {
	return pc.sess.PollAudioFrame()
}

// SendControl transmits one in-band control signal (camera/audio state,
// participant identity, disconnect).
func (pc *PeerConnection) SendControl(msg ControlMessage) error {
	return pc.sess.SendControl(msg)
}

// PollControl returns the next received in-band control message, if any.
func (pc *PeerConnection) PollControl() (ControlMessage, bool) {
	return pc.sess.PollControl()
}

// OfferFile begins sending a file over the data channel, returning the
// transfer id used with WriteFileChunk/CancelFile.
func (pc *PeerConnection) OfferFile(filename string, size int64, mime string) (uint64, error) {
	return pc.sess.OfferFile(filename, size, mime)
}

// AcceptFile acknowledges an incoming file offer previously surfaced via
// PollFileEvent.
func (pc *PeerConnection) AcceptFile(id uint64) error {
	return pc.sess.AcceptFile(id)
}

// RejectFile declines an incoming file offer.
func (pc *PeerConnection) RejectFile(id uint64, reason string) error {
	return pc.sess.RejectFile(id, reason)
}

// CancelFile aborts an in-progress transfer from either side.
func (pc *PeerConnection) CancelFile(id uint64, reason string) error {
	return pc.sess.CancelFile(id, reason)
}

// WriteFileChunk pushes the next chunk of bytes for an accepted,
// sender-side transfer.
func (pc *PeerConnection) WriteFileChunk(id uint64, data []byte) error {
	return pc.sess.WriteFileChunk(id, data)
}

// SendFileFromDisk opens filePath and offers it over the data channel,
// streaming its contents in the background once accepted.
func (pc *PeerConnection) SendFileFromDisk(filePath string) (uint64, error) {
	return pc.sess.SendFileFromDisk(filePath)
}

// ReceiveFileToDisk arranges for transfer id to be written to destPath as
// its chunks arrive. Call after observing a FileEventIncomingOffer and
// calling AcceptFile.
func (pc *PeerConnection) ReceiveFileToDisk(id uint64, destPath string) error {
	return pc.sess.ReceiveFileToDisk(id, destPath)
}

// PollFileEvent returns the next file-transfer-layer event, if any.
func (pc *PeerConnection) PollFileEvent() (FileEvent, bool) {
	return pc.sess.PollFileEvent()
}

// Close tears down the connection: background tasks are stopped and the
// UDP socket and ICE agent are released. Close is idempotent.
func (pc *PeerConnection) Close() error {
	log.Info("closing peer connection")
	return pc.sess.Close()
}
