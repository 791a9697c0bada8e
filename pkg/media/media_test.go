package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/sdpbody"
)

func packet(ssrc uint32, seq uint16, payload int) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: ssrc, SequenceNumber: seq, PayloadType: 111},
		Payload: make([]byte, payload),
	}
}

func TestTrackStats(t *testing.T) {
	s := &TrackStats{}
	s.Observe(packet(1, 100, 10))
	s.Observe(packet(1, 101, 10))
	s.Observe(packet(1, 104, 10))
	s.Observe(packet(1, 103, 10))

	assert.Equal(t, uint64(4), s.Packets)
	assert.Equal(t, uint64(40), s.Bytes)
	assert.Equal(t, uint64(2), s.Lost)
	assert.Equal(t, uint64(1), s.Reordered)
	assert.Equal(t, uint32(1), s.SSRC)
	assert.Equal(t, uint8(111), s.PayloadType)
}

func TestTrackStatsSequenceWrap(t *testing.T) {
	s := &TrackStats{}
	s.Observe(packet(7, 65534, 1))
	s.Observe(packet(7, 65535, 1))
	s.Observe(packet(7, 0, 1))
	s.Observe(packet(7, 2, 1))

	assert.Equal(t, uint64(1), s.Lost)
	assert.Zero(t, s.Reordered)

	// Новый SSRC начинает отсчёт заново
	s.Observe(packet(8, 500, 1))
	assert.Equal(t, uint64(1), s.Lost)
	assert.Equal(t, uint32(8), s.SSRC)
	s.Observe(nil)
	assert.Equal(t, uint64(5), s.Packets)
}

func TestValidateCandidate(t *testing.T) {
	good := sdpbody.NewCandidate("candidate:1 1 udp 2130706431 192.0.2.10 50000 typ host", "0", 0)
	assert.NoError(t, ValidateCandidate(good))

	srflx := sdpbody.NewCandidate("2 1 udp 1694498815 203.0.113.5 50001 typ srflx raddr 192.0.2.10 rport 50000", "0", 0)
	assert.NoError(t, ValidateCandidate(srflx))

	assert.ErrorIs(t, ValidateCandidate(sdpbody.Candidate{}), ErrInvalidCandidate)
	assert.ErrorIs(t, ValidateCandidate(sdpbody.NewCandidate("candidate:garbage", "0", 0)), ErrInvalidCandidate)
}

func TestConnectionStateMapping(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]ConnectionState{
		webrtc.PeerConnectionStateConnecting:   StateConnecting,
		webrtc.PeerConnectionStateConnected:    StateConnected,
		webrtc.PeerConnectionStateDisconnected: StateDisconnected,
		webrtc.PeerConnectionStateFailed:       StateFailed,
		webrtc.PeerConnectionStateClosed:       StateClosed,
	}
	for in, want := range cases {
		got, ok := connectionState(in)
		require.True(t, ok, in.String())
		assert.Equal(t, want, got)
	}
	_, ok := connectionState(webrtc.PeerConnectionStateNew)
	assert.False(t, ok)
}

func TestICEServers(t *testing.T) {
	servers := iceServers([]config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		{},
	})
	require.Len(t, servers, 2)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "u", servers[1].Username)
}

func TestDescriptionType(t *testing.T) {
	offer := description(sdpbody.New(sdpbody.KindOffer, []byte("v=0\r\n")))
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	answer := description(sdpbody.New(sdpbody.KindAnswer, []byte("v=0\r\n")))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
}

// TestLoopbackNegotiation согласует две сессии через локальные описания
// без сети: offer/answer применяются, сбор кандидатов завершается.
func TestLoopbackNegotiation(t *testing.T) {
	cfg := config.Default().Media
	cfg.ICEServers = nil
	engine, err := NewWebRTCEngine(cfg, zerolog.Nop())
	require.NoError(t, err)

	gathered := make(chan sdpbody.Body, 2)
	sink := func(e Event) {
		if g, ok := e.(GatheringCompleteEvent); ok {
			gathered <- g.Body
		}
	}

	caller, err := engine.NewSession("a", Preferences{}, sink)
	require.NoError(t, err)
	defer caller.Close()
	callee, err := engine.NewSession("b", Preferences{}, func(Event) {})
	require.NoError(t, err)
	defer callee.Close()

	require.NoError(t, caller.CreateLocalMedia(Constraints{Audio: true}))
	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, sdpbody.KindOffer, offer.Kind)
	require.NoError(t, caller.SetLocalDescription(offer))

	require.NoError(t, callee.SetRemoteDescription(offer))
	require.NoError(t, callee.CreateLocalMedia(Constraints{Audio: true}))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(callee.LocalDescription()))

	assert.Equal(t, sdpbody.KindAnswer, callee.LocalDescription().Kind)

	require.NoError(t, caller.Close())
	require.NoError(t, caller.Close())
	_, err = caller.CreateOffer()
	assert.ErrorIs(t, err, ErrClosed)
}
