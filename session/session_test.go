package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/p2pcall/internal/config"
)

func localConfig() config.Config {
	cfg := config.Default()
	cfg.StunServers = nil // avoid a real network query against a public STUN server
	return cfg
}

func TestOfferAnswerExchange(t *testing.T) {
	offerer, err := New(localConfig(), RoleOfferer)
	require.NoError(t, err)
	t.Cleanup(func() { offerer.iceAgent.Close() })

	answerer, err := New(localConfig(), RoleAnswerer)
	require.NoError(t, err)
	t.Cleanup(func() { answerer.iceAgent.Close() })

	offerSDP, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, StateLocalDescribed, offerer.State())
	assert.Contains(t, offerSDP, "a=fingerprint:sha-256")
	assert.Contains(t, offerSDP, "a=candidate:")
	assert.Contains(t, offerSDP, "m=application")
	assert.Contains(t, offerSDP, "a=setup:active")

	answerSDP, err := answerer.CreateAnswer(offerSDP)
	require.NoError(t, err)
	assert.Equal(t, StateRemoteDescribed, answerer.State())
	assert.Contains(t, answerSDP, "a=setup:passive")

	require.NoError(t, offerer.SetRemoteDescription(answerSDP))
	assert.Equal(t, StateRemoteDescribed, offerer.State())
}

func TestCreateOfferWrongState(t *testing.T) {
	s, err := New(localConfig(), RoleOfferer)
	require.NoError(t, err)
	t.Cleanup(func() { s.iceAgent.Close() })

	_, err = s.CreateOffer()
	require.NoError(t, err)

	_, err = s.CreateOffer()
	assert.Equal(t, ErrWrongState, err)
}

func TestCreateAnswerRejectsMissingFingerprint(t *testing.T) {
	s, err := New(localConfig(), RoleAnswerer)
	require.NoError(t, err)
	t.Cleanup(func() { s.iceAgent.Close() })

	badOffer := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n"
	_, err = s.CreateAnswer(badOffer)
	assert.Error(t, err)
}

func TestAddICECandidateIgnoresEndOfCandidates(t *testing.T) {
	s, err := New(localConfig(), RoleOfferer)
	require.NoError(t, err)
	t.Cleanup(func() { s.iceAgent.Close() })

	assert.NoError(t, s.AddICECandidate("", "0", 0))
}

func TestBuildSessionPicksNegotiatedPayloadType(t *testing.T) {
	s, err := New(localConfig(), RoleAnswerer)
	require.NoError(t, err)
	t.Cleanup(func() { s.iceAgent.Close() })

	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 100\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=fingerprint:sha-256 00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF\r\n" +
		"a=rtpmap:100 H264/90000\r\n"

	answerSDP, err := s.CreateAnswer(offer)
	require.NoError(t, err)
	assert.True(t, strings.Contains(answerSDP, "100 H264/90000"))
}
