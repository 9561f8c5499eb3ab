// Package session wires together the packet codec, jitter buffer, ICE
// agent, SDP, DTLS, and SCTP layers into the single end-to-end media
// session runtime described by spec.md Section 4.7: given only a signaled
// SDP exchange, it discovers reachable transport addresses, performs a
// DTLS handshake deriving SRTP keys, exchanges packetized H.264/Opus media
// and a reliable file-transfer channel, and delivers in-band control
// signals.
package session

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/config"
	"github.com/lanikai/p2pcall/internal/dtls"
	"github.com/lanikai/p2pcall/internal/ice"
	"github.com/lanikai/p2pcall/internal/jitter"
	"github.com/lanikai/p2pcall/internal/logging"
	"github.com/lanikai/p2pcall/internal/rtp"
	"github.com/lanikai/p2pcall/internal/sctp"
	"github.com/lanikai/p2pcall/internal/sdp"
	"github.com/lanikai/p2pcall/internal/srtp"
)

var log = logging.DefaultLogger.WithTag("session")

// State is the session's position in the lifecycle spec.md Section 4.7
// describes. Transitions are monotonic: a session that reaches Closed (or
// Failed, reported alongside a Closed event) never re-offers.
type State int

const (
	StateNew State = iota
	StateLocalDescribed
	StateRemoteDescribed
	StateConnecting
	StateConnected
	StateDataChannelOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalDescribed:
		return "local-described"
	case StateRemoteDescribed:
		return "remote-described"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDataChannelOpen:
		return "data-channel-open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role mirrors dtls.Role: whichever side sends the SDP offer plays the
// DTLS and SCTP client; the answerer plays server. No ICE
// controlling/controlled role is assigned.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

var (
	ErrWrongState         = xerrors.New("session: operation not valid in current state")
	ErrNoCompatiblePairs  = xerrors.New("session: no compatible candidate pairs")
	ErrRemoteFingerprint  = xerrors.New("session: remote SDP has no fingerprint")
	ErrDataChannelNotOpen = xerrors.New("session: data channel is not open")
)

const (
	dataChannelStreamID = 1
	dataChannelLabel    = "file-transfer"

	maxQueuedFrames   = 64
	maxQueuedControls = 64
	sctpPumpInterval  = 20 * time.Millisecond
	rtcpSRInterval    = 5 * time.Second
)

// Session is one end-to-end peer connection. All exported methods are
// safe to call concurrently; the three background tasks (send, receive,
// decode) run for the lifetime between Establish and Close.
type Session struct {
	cfg  config.Config
	role Role

	mu    sync.Mutex
	state State
	err   error

	cert              *dtls.Certificate
	remoteFingerprint string

	iceAgent *ice.Agent
	conn     *net.UDPConn
	remote   *net.UDPAddr

	localSDP    sdp.Session
	remoteSDP   sdp.Session
	localMid    string
	dynamicType uint8

	// remoteH264Params is the remote side's negotiated H.264 fmtp, parsed
	// from its offer/answer if present.
	remoteH264Params sdp.H264FormatParameters

	engine *dtls.Engine

	videoSSRC, audioSSRC, controlSSRC uint32

	videoWriter   *rtp.Writer
	audioWriter   *rtp.Writer
	controlWriter *rtp.Writer

	videoReader   *rtp.Reader
	audioReader   *rtp.Reader
	controlReader *rtp.Reader

	h264Enc  *rtp.H264Packetizer
	h264Dec  rtp.H264Depacketizer
	opusEnc  *rtp.OpusPacketizer
	opusDec  rtp.OpusDepacketizer
	audioTSN uint32 // running audio timestamp, 960 samples (20ms @ 48kHz) per frame

	localSRTP  *srtp.Context // encrypts our outbound packets
	remoteSRTP *srtp.Context // decrypts inbound packets

	jitterBuf *jitter.Buffer
	rtcpIndex uint64

	assoc      *sctp.Association
	dcManager  *sctp.Manager
	dataChan   *sctp.DataChannel
	fileXfer   *FileTransferManager

	outgoingVideo chan [][]byte
	outgoingAudio chan []byte

	eventsMu  sync.Mutex
	video     []VideoFrame
	audio     [][]byte
	controls  []ControlMessage

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// VideoFrame is one or more reassembled NAL units sharing an RTP
// timestamp, delivered to the application via PollVideoFrame.
type VideoFrame struct {
	NALUs     [][]byte
	Timestamp uint32
}

// New creates a session in StateNew. role determines whether this side
// will produce create_offer (RoleOfferer) or create_answer (RoleAnswerer).
func New(cfg config.Config, role Role) (*Session, error) {
	cert, err := dtls.GenerateCertificate()
	if err != nil {
		return nil, xerrors.Errorf("session: generate certificate: %w", err)
	}
	videoSSRC := uint32(time.Now().UnixNano())
	s := &Session{
		cfg:           cfg,
		role:          role,
		state:         StateNew,
		cert:          cert,
		iceAgent:      ice.NewAgent(),
		videoSSRC:     videoSSRC,
		audioSSRC:     videoSSRC + 1000,
		controlSSRC:   videoSSRC + 1,
		videoWriter:   rtp.NewWriter(videoSSRC),
		audioWriter:   rtp.NewWriter(videoSSRC + 1000),
		controlWriter: rtp.NewWriter(videoSSRC + 1),
		videoReader:   rtp.NewReader(0), // remote SSRCs are not tracked; readers are chosen by payload type
		audioReader:   rtp.NewReader(0),
		controlReader: rtp.NewReader(0),
		outgoingVideo: make(chan [][]byte, maxQueuedFrames),
		outgoingAudio: make(chan []byte, maxQueuedFrames),
		closeCh:       make(chan struct{}),
	}
	s.h264Enc = rtp.NewH264Packetizer(s.videoWriter, 1200, cfg.VideoFPS)
	s.opusEnc = rtp.NewOpusPacketizer(s.audioWriter)
	s.jitterBuf = jitter.New(jitter.Config{
		ClockRate:       rtp.VideoClockRate,
		FPS:             cfg.VideoFPS,
		MinDelayFrames:  cfg.JitterMinDelayFrames,
		MaxDelayFrames:  cfg.JitterMaxDelayFrames,
		TargetJitter:    cfg.JitterTargetJitter,
		Capacity:        cfg.JitterCapacity,
		AdaptationSpeed: cfg.JitterAdaptationRate,
	})
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// CreateOffer gathers local ICE candidates and returns an SDP offer
// advertising H.264/Opus media sections and a data channel section.
func (s *Session) CreateOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return "", ErrWrongState
	}
	if err := s.gatherLocked(); err != nil {
		return "", err
	}
	s.localSDP = s.buildSessionLocked(true)
	s.state = StateLocalDescribed
	return s.localSDP.String(), nil
}

// CreateAnswer parses a remote SDP offer, gathers local candidates, and
// returns an SDP answer. This session becomes the DTLS server / answerer.
func (s *Session) CreateAnswer(offerSDP string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return "", ErrWrongState
	}
	offer, err := sdp.ParseSession(offerSDP)
	if err != nil {
		return "", xerrors.Errorf("session: parse offer: %w", err)
	}
	s.remoteSDP = offer
	if err := s.applyRemoteLocked(offer); err != nil {
		return "", err
	}
	if err := s.gatherLocked(); err != nil {
		return "", err
	}
	s.localSDP = s.buildSessionLocked(false)
	s.state = StateRemoteDescribed
	return s.localSDP.String(), nil
}

// SetRemoteDescription applies a remote SDP answer to an offer this
// session previously created.
func (s *Session) SetRemoteDescription(remote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLocalDescribed {
		return ErrWrongState
	}
	answer, err := sdp.ParseSession(remote)
	if err != nil {
		return xerrors.Errorf("session: parse answer: %w", err)
	}
	s.remoteSDP = answer
	if err := s.applyRemoteLocked(answer); err != nil {
		return err
	}
	s.state = StateRemoteDescribed
	return nil
}

// AddICECandidate adds one trickled remote candidate. An empty candidate
// marks the end of trickling; it is accepted but otherwise ignored, since
// FormPairs is re-run against whatever candidates have arrived by Establish.
func (s *Session) AddICECandidate(candidate, mid string, mlineIndex int) error {
	if candidate == "" {
		return nil
	}
	return s.iceAgent.AddRemoteCandidate(candidate)
}

func (s *Session) applyRemoteLocked(remote sdp.Session) error {
	if len(remote.Media) == 0 {
		return xerrors.New("session: remote description has no media sections")
	}
	m := remote.Media[0]
	fp, err := m.Fingerprint()
	if err != nil {
		return ErrRemoteFingerprint
	}
	s.remoteFingerprint = fp
	for _, line := range m.Attributes {
		if line.Key == "candidate" {
			s.iceAgent.AddRemoteCandidate(line.Value)
		}
	}
	for _, rm := range remote.Media {
		for _, a := range rm.Attributes {
			if a.Key == "rtpmap" && strings.Contains(a.Value, "H264/90000") {
				n, _ := strconv.Atoi(strings.Fields(a.Value)[0])
				if s.dynamicType == 0 || uint8(n) < s.dynamicType {
					s.dynamicType = uint8(n)
				}
			}
		}
	}
	if s.dynamicType == 0 {
		s.dynamicType = rtp.PayloadTypeH264
	}
	for _, rm := range remote.Media {
		for _, a := range rm.Attributes {
			if a.Key != "fmtp" {
				continue
			}
			fields := strings.SplitN(a.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			if n, err := strconv.Atoi(fields[0]); err != nil || uint8(n) != s.dynamicType {
				continue
			}
			var params sdp.H264FormatParameters
			if err := params.Unmarshal(fields[1]); err != nil {
				log.Warn("remote fmtp: %v", err)
				continue
			}
			s.remoteH264Params = params
			if params.PacketizationMode != 0 && params.PacketizationMode != 1 {
				log.Warn("remote H.264 packetization-mode %d unsupported, continuing in mode 1", params.PacketizationMode)
			}
		}
	}
	return nil
}

func (s *Session) gatherLocked() error {
	if err := s.iceAgent.GatherHost(s.cfg.LocalPort); err != nil {
		return xerrors.Errorf("session: %w", err)
	}
	if len(s.cfg.StunServers) > 0 {
		if err := s.iceAgent.GatherSrflx(s.cfg.StunServers); err != nil {
			log.Warn("srflx gathering failed: %v", err)
		}
	}
	if len(s.cfg.TurnServers) > 0 {
		var addrs []string
		for _, t := range s.cfg.TurnServers {
			addrs = append(addrs, t.Address)
		}
		if err := s.iceAgent.GatherRelay(addrs); err != nil {
			log.Warn("relay gathering failed: %v", err)
		}
	}
	return nil
}

// buildSessionLocked renders this side's SDP, following the attribute set
// spec.md Section 6 fixes: ice-ufrag/pwd, candidate lines, fingerprint,
// setup, sendrecv, plus one m=application section for the data channel.
func (s *Session) buildSessionLocked(offerer bool) sdp.Session {
	if s.dynamicType == 0 {
		s.dynamicType = rtp.PayloadTypeH264
	}
	sess := sdp.Session{
		Version: 0,
		Origin: sdp.Origin{
			Username: "p2pcall", SessionId: strconv.FormatInt(time.Now().UnixNano(), 10),
			SessionVersion: 1, NetworkType: "IN", AddressType: "IP4", Address: "127.0.0.1",
		},
		Name: "-",
		Time: []sdp.Time{{}},
	}

	video := sdp.Media{
		Type: "video", Port: 9, Proto: "UDP/TLS/RTP/SAVPF",
		Format: []string{strconv.Itoa(int(s.dynamicType))},
		Connection: &sdp.Connection{NetworkType: "IN", AddressType: "IP4", Address: "0.0.0.0"},
	}
	video.AddAttribute("mid", "0")
	video.SetICECredentials(s.iceAgent.Ufrag, s.iceAgent.Pwd)
	for _, c := range s.iceAgent.Local {
		video.AddCandidate(c.SDPLine())
	}
	video.SetFingerprint(s.cert.FingerprintHex())
	video.SetSetup(offerer)
	video.AddAttribute("sendrecv", "")
	video.AddAttribute("rtpmap", strconv.Itoa(int(s.dynamicType))+" H264/90000")
	fmtp := sdp.H264FormatParameters{
		LevelAsymmetryAllowed: true,
		PacketizationMode:     1,
		ProfileLevelID:        0x42e01f, // constrained baseline, per RFC 6184 Table 5
	}
	video.AddAttribute("fmtp", strconv.Itoa(int(s.dynamicType))+" "+fmtp.Marshal())

	audio := sdp.Media{
		Type: "audio", Port: 9, Proto: "UDP/TLS/RTP/SAVPF",
		Format: []string{strconv.Itoa(int(rtp.PayloadTypeOpus))},
		Connection: &sdp.Connection{NetworkType: "IN", AddressType: "IP4", Address: "0.0.0.0"},
	}
	audio.AddAttribute("mid", "1")
	audio.SetFingerprint(s.cert.FingerprintHex())
	audio.SetSetup(offerer)
	audio.AddAttribute("sendrecv", "")
	audio.AddAttribute("rtpmap", strconv.Itoa(int(rtp.PayloadTypeOpus))+" opus/48000/2")

	app := sdp.Media{
		Type: "application", Port: 9, Proto: "UDP/DTLS/SCTP",
		Format: []string{"webrtc-datachannel"},
		Connection: &sdp.Connection{NetworkType: "IN", AddressType: "IP4", Address: "0.0.0.0"},
	}
	app.AddAttribute("mid", "2")
	app.SetFingerprint(s.cert.FingerprintHex())
	app.SetSetup(offerer)

	sess.Media = []sdp.Media{video, audio, app}
	s.localMid = "0"
	return sess
}
