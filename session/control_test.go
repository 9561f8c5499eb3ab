package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	cases := []ControlMessage{
		{Type: CameraOn},
		{Type: CameraOff},
		{Type: AudioOn},
		{Type: AudioOff},
		{Type: AudioMuted},
		{Type: AudioUnmuted},
		{Type: ParticipantDisconnected},
		{Type: OwnerDisconnected},
		{Type: ParticipantName, Name: "grace hopper"},
	}
	for _, c := range cases {
		payload, err := encodeControl(c)
		require.NoError(t, err)
		got, err := decodeControl(payload)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestDecodeControlRejectsEmptyPayload(t *testing.T) {
	_, err := decodeControl(nil)
	assert.Error(t, err)
}

func TestDecodeControlRejectsUnknownType(t *testing.T) {
	_, err := decodeControl([]byte{0xff})
	assert.Error(t, err)
}

func TestEncodeControlRejectsUnknownType(t *testing.T) {
	_, err := encodeControl(ControlMessage{Type: 0xff})
	assert.Error(t, err)
}

func TestControlTypeString(t *testing.T) {
	assert.Equal(t, "CameraOn", CameraOn.String())
	assert.Equal(t, "Unknown", ControlType(0xff).String())
}
