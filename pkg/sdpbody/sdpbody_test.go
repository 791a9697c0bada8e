package sdpbody

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offerSDP = "v=0\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\n" +
	"s=-\n" +
	"t=0 0\n" +
	"a=group:BUNDLE 0 1\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\n" +
	"c=IN IP4 0.0.0.0\n" +
	"a=ice-ufrag:abcd\n" +
	"a=ice-pwd:0123456789abcdef01234567\n" +
	"a=fingerprint:sha-256 AA:BB:CC\n" +
	"a=setup:actpass\n" +
	"a=mid:0\n" +
	"a=rtpmap:111 opus/48000/2\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host\n" +
	"a=candidate:2 1 udp 1694498815 203.0.113.5 50001 typ srflx raddr 192.168.1.10 rport 50000\n" +
	"a=end-of-candidates\n" +
	"a=sendrecv\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\n" +
	"c=IN IP4 0.0.0.0\n" +
	"a=mid:1\n" +
	"a=rtpmap:96 VP8/90000\n" +
	"a=candidate:3 1 udp 2130706431 192.168.1.10 50002 typ host\n" +
	"a=recvonly\n"

func TestBodyNormalizesLineEndings(t *testing.T) {
	b := New(KindOffer, []byte(offerSDP))
	assert.False(t, b.Empty())
	assert.NotContains(t, strings.ReplaceAll(b.SDP, "\r\n", ""), "\n")
	assert.True(t, strings.HasSuffix(b.SDP, "\r\n"))

	_, err := b.Parse()
	require.NoError(t, err)
}

func TestBodyRoundTrip(t *testing.T) {
	// Тело, прошедшее через SIP контейнер, должно совпасть с исходным
	orig := New(KindAnswer, []byte(offerSDP))
	again := New(KindAnswer, orig.Bytes())
	assert.Equal(t, orig, again)
}

func TestBodyParseErrors(t *testing.T) {
	_, err := Body{}.Parse()
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = New(KindOffer, []byte("это не sdp")).Parse()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestICECredentials(t *testing.T) {
	ufrag, pwd, err := New(KindOffer, []byte(offerSDP)).ICECredentials()
	require.NoError(t, err)
	assert.Equal(t, "abcd", ufrag)
	assert.Equal(t, "0123456789abcdef01234567", pwd)
}

func TestExtractCandidates(t *testing.T) {
	cands, err := ExtractCandidates(New(KindOffer, []byte(offerSDP)))
	require.NoError(t, err)
	require.Len(t, cands, 3)

	assert.Equal(t, "candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host", cands[0].Value)
	assert.Equal(t, "0", cands[0].MID)
	assert.Equal(t, uint16(0), cands[0].MLineIndex)
	assert.Equal(t, "1", cands[2].MID)
	assert.Equal(t, uint16(1), cands[2].MLineIndex)
}

func TestStripCandidates(t *testing.T) {
	full := New(KindOffer, []byte(offerSDP))
	require.True(t, HasCandidates(full))

	provisional, err := StripCandidates(full)
	require.NoError(t, err)
	assert.Equal(t, KindOffer, provisional.Kind)
	assert.False(t, HasCandidates(provisional))
	assert.NotContains(t, provisional.SDP, "a=candidate")
	assert.NotContains(t, provisional.SDP, "end-of-candidates")

	// Остальное содержимое сохраняется
	ufrag, _, err := provisional.ICECredentials()
	require.NoError(t, err)
	assert.Equal(t, "abcd", ufrag)
	assert.Contains(t, provisional.SDP, "a=rtpmap:111 opus/48000/2")
	assert.Contains(t, provisional.SDP, "a=mid:1")
}

func TestNewCandidatePrefix(t *testing.T) {
	a := NewCandidate("a=candidate:1 1 udp 1 10.0.0.1 9 typ host", "0", 0)
	b := NewCandidate("1 1 udp 1 10.0.0.1 9 typ host", "0", 0)
	assert.Equal(t, a, b)
	assert.Equal(t, "1 1 udp 1 10.0.0.1 9 typ host", a.Attribute())
}

func TestFragmentRoundTrip(t *testing.T) {
	frag := Fragment{
		Ufrag: "abcd",
		Pwd:   "0123456789abcdef01234567",
		Candidates: []Candidate{
			NewCandidate("1 1 udp 2130706431 192.168.1.10 50000 typ host", "0", 0),
			NewCandidate("2 1 udp 1694498815 203.0.113.5 50001 typ srflx raddr 192.168.1.10 rport 50000", "0", 0),
			NewCandidate("3 1 udp 2130706431 192.168.1.10 50002 typ host", "1", 1),
		},
	}

	raw := frag.Encode()
	assert.Equal(t, 2, strings.Count(string(raw), "m=audio"))

	decoded, err := DecodeFragment(raw)
	require.NoError(t, err)
	assert.Equal(t, frag, decoded)
}

func TestFragmentEndOfCandidates(t *testing.T) {
	frag := Fragment{Ufrag: "u", Pwd: "p", End: true}
	assert.False(t, frag.Empty())

	decoded, err := DecodeFragment(frag.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.End)
	assert.Empty(t, decoded.Candidates)
}

func TestDecodeFragmentEmpty(t *testing.T) {
	_, err := DecodeFragment(nil)
	assert.ErrorIs(t, err, ErrEmptyBody)
	assert.True(t, Fragment{}.Empty())
}
