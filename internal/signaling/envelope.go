// Package signaling is the client side of the external signaling broker
// spec.md Section 6 describes: a relay, opaque to the media session core,
// that carries SDP offers/answers, trickled ICE candidates, and hangup
// notices between two peers identified by call_id/from/to. This package
// only implements the core's half of that conversation; routing, presence,
// and the user directory belong to the broker itself.
package signaling

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// Kind identifies which of the four message shapes an Envelope carries.
type Kind string

const (
	KindSdpOffer     Kind = "sdpOffer"
	KindSdpAnswer    Kind = "sdpAnswer"
	KindIceCandidate Kind = "iceCandidate"
	KindHangup       Kind = "hangup"
)

// Envelope is the tagged union spec.md Section 6 describes, framed as one
// JSON text message per envelope (see Client). Exactly one of Sdp,
// Candidate is populated, depending on Kind; Hangup carries neither.
type Envelope struct {
	Kind Kind `json:"kind"`

	CallID string `json:"callId"`
	From   string `json:"from"`
	To     string `json:"to"`

	// Populated for KindSdpOffer / KindSdpAnswer.
	Sdp string `json:"sdp,omitempty"`

	// Populated for KindIceCandidate. An empty CandidateStr with
	// EndOfCandidates set marks the end of trickled candidates.
	CandidateStr    string `json:"candidate,omitempty"`
	SdpMid          string `json:"sdpMid,omitempty"`
	SdpMLineIndex   int    `json:"sdpMLineIndex,omitempty"`
	EndOfCandidates bool   `json:"endOfCandidates,omitempty"`
}

// SdpOffer builds an Envelope carrying an SDP offer.
func SdpOffer(callID, from, to, sdp string) Envelope {
	return Envelope{Kind: KindSdpOffer, CallID: callID, From: from, To: to, Sdp: sdp}
}

// SdpAnswer builds an Envelope carrying an SDP answer.
func SdpAnswer(callID, from, to, sdp string) Envelope {
	return Envelope{Kind: KindSdpAnswer, CallID: callID, From: from, To: to, Sdp: sdp}
}

// IceCandidate builds an Envelope carrying one trickled ICE candidate line.
func IceCandidate(callID, from, to, candidateStr, sdpMid string, sdpMLineIndex int) Envelope {
	return Envelope{
		Kind: KindIceCandidate, CallID: callID, From: from, To: to,
		CandidateStr: candidateStr, SdpMid: sdpMid, SdpMLineIndex: sdpMLineIndex,
	}
}

// EndOfCandidatesEnvelope builds the Envelope that marks the end of ICE trickling.
func EndOfCandidatesEnvelope(callID, from, to string) Envelope {
	return Envelope{Kind: KindIceCandidate, CallID: callID, From: from, To: to, EndOfCandidates: true}
}

// Hangup builds an Envelope that tears down a call.
func Hangup(callID, from, to string) Envelope {
	return Envelope{Kind: KindHangup, CallID: callID, From: from, To: to}
}

func (e Envelope) marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Errorf("signaling: encode envelope: %w", err)
	}
	return b, nil
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, xerrors.Errorf("signaling: decode envelope: %w", err)
	}
	switch e.Kind {
	case KindSdpOffer, KindSdpAnswer, KindIceCandidate, KindHangup:
	default:
		return Envelope{}, xerrors.Errorf("signaling: unrecognized envelope kind %q", e.Kind)
	}
	return e, nil
}
