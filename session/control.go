package session

import "golang.org/x/xerrors"

// ControlType identifies one of the in-band control signals carried on
// RTP payload type 127, per spec.md Section 4.7. Encoding is a 1-byte type
// followed by an optional payload (only ParticipantName carries one).
type ControlType byte

const (
	CameraOn ControlType = iota + 1
	CameraOff
	AudioOn
	AudioOff
	AudioMuted
	AudioUnmuted
	ParticipantName
	ParticipantDisconnected
	OwnerDisconnected
)

func (t ControlType) String() string {
	switch t {
	case CameraOn:
		return "CameraOn"
	case CameraOff:
		return "CameraOff"
	case AudioOn:
		return "AudioOn"
	case AudioOff:
		return "AudioOff"
	case AudioMuted:
		return "AudioMuted"
	case AudioUnmuted:
		return "AudioUnmuted"
	case ParticipantName:
		return "ParticipantName"
	case ParticipantDisconnected:
		return "ParticipantDisconnected"
	case OwnerDisconnected:
		return "OwnerDisconnected"
	default:
		return "Unknown"
	}
}

// ControlMessage is one decoded (or to-be-encoded) control signal.
type ControlMessage struct {
	Type ControlType
	// Name is populated only for ParticipantName.
	Name string
}

var errInvalidControlMessage = xerrors.New("session: invalid control message")

// encodeControl serializes msg as the RTP payload type 127 wire form.
func encodeControl(msg ControlMessage) ([]byte, error) {
	switch msg.Type {
	case CameraOn, CameraOff, AudioOn, AudioOff, AudioMuted, AudioUnmuted,
		ParticipantDisconnected, OwnerDisconnected:
		return []byte{byte(msg.Type)}, nil
	case ParticipantName:
		return append([]byte{byte(msg.Type)}, msg.Name...), nil
	default:
		return nil, xerrors.Errorf("session: unknown control type %d", msg.Type)
	}
}

// decodeControl parses the RTP payload type 127 wire form.
func decodeControl(payload []byte) (ControlMessage, error) {
	if len(payload) == 0 {
		return ControlMessage{}, errInvalidControlMessage
	}
	t := ControlType(payload[0])
	switch t {
	case CameraOn, CameraOff, AudioOn, AudioOff, AudioMuted, AudioUnmuted,
		ParticipantDisconnected, OwnerDisconnected:
		return ControlMessage{Type: t}, nil
	case ParticipantName:
		return ControlMessage{Type: t, Name: string(payload[1:])}, nil
	default:
		return ControlMessage{}, xerrors.Errorf("session: unknown control type %d", t)
	}
}
