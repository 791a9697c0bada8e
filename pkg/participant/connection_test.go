package participant

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/sdpbody"
	"github.com/arzzra/rtcall/pkg/testkit"
)

func newConnection(t *testing.T) (*Connection, *testkit.Call, *testkit.Session) {
	t.Helper()
	engine := &testkit.Engine{}
	m, err := engine.NewSession("c1", media.Preferences{}, func(media.Event) {})
	require.NoError(t, err)

	conn := New("c1", zerolog.Nop())
	call := &testkit.Call{CallID: "c1"}
	require.NoError(t, conn.AttachMedia(m))
	require.NoError(t, conn.AttachCall(call))
	return conn, call, m.(*testkit.Session)
}

func TestCandidateBufferOrder(t *testing.T) {
	var b CandidateBuffer
	b.Add(testkit.LocalCandidates[1])
	b.Add(testkit.LocalCandidates[0])
	assert.Equal(t, 2, b.Len())

	out := b.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, testkit.LocalCandidates[1], out[0])
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Drain())
}

func TestRemoteQueueDedupe(t *testing.T) {
	var q RemoteQueue
	c := sdpbody.NewCandidate("candidate:9 1 udp 1 203.0.113.7 50000 typ host", "0", 0)
	same := sdpbody.NewCandidate("9 1 udp 1 203.0.113.7 50000 typ host", "0", 0)

	assert.True(t, q.Push(c))
	assert.False(t, q.Push(same))
	assert.Equal(t, 1, q.Len())

	require.Len(t, q.Drain(), 1)
	assert.False(t, q.Mark(c), "известный кандидат остаётся известным после Drain")

	q.Reset()
	assert.True(t, q.Mark(c))
}

func TestAttachTwice(t *testing.T) {
	conn, call, _ := newConnection(t)
	assert.ErrorIs(t, conn.AttachCall(call), ErrAlreadyAttached)
	assert.ErrorIs(t, conn.AttachMedia(&testkit.Session{}), ErrAlreadyAttached)
	assert.Equal(t, "c1", conn.ID())
}

func TestFlushCandidates(t *testing.T) {
	conn, call, m := newConnection(t)
	require.NoError(t, m.SetLocalDescription(sdpbody.New(sdpbody.KindOffer, []byte(testkit.OfferSDP))))

	n, err := conn.FlushCandidates(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, n, "пустой буфер ничего не отправляет")
	assert.Empty(t, call.Fragments())

	conn.BufferCandidate(testkit.LocalCandidates[0])
	conn.BufferCandidate(testkit.LocalCandidates[1])
	n, err = conn.FlushCandidates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, conn.Buffered())

	frags := call.Fragments()
	require.Len(t, frags, 1)
	assert.Equal(t, testkit.LocalCandidates, frags[0].Candidates)
	assert.Equal(t, "locl", frags[0].Ufrag)
	assert.False(t, frags[0].End)

	_, err = conn.FlushCandidates(context.Background(), true)
	require.NoError(t, err)
	frags = call.Fragments()
	require.Len(t, frags, 2)
	assert.True(t, frags[1].End)
}

func TestFlushWithoutCall(t *testing.T) {
	conn := New("c2", zerolog.Nop())
	conn.BufferCandidate(testkit.LocalCandidates[0])
	_, err := conn.FlushCandidates(context.Background(), false)
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.Equal(t, 1, conn.Buffered())
}

func TestRemoteCandidatesQueuedUntilDescription(t *testing.T) {
	conn, _, m := newConnection(t)
	early := sdpbody.NewCandidate("candidate:5 1 udp 1 203.0.113.8 50005 typ host", "0", 0)
	embedded := sdpbody.NewCandidate("candidate:9 1 udp 2130706431 203.0.113.7 50000 typ host", "0", 0)

	added, queued := conn.AddRemoteCandidates([]sdpbody.Candidate{early, early, embedded})
	assert.Zero(t, added)
	assert.Equal(t, 2, queued)
	assert.Empty(t, m.RemoteCandidates())

	require.NoError(t, conn.ApplyRemote(sdpbody.New(sdpbody.KindAnswer, []byte(testkit.RemoteSDP))))
	assert.True(t, conn.RemoteApplied())
	assert.Len(t, m.Remote(), 1)
	// Кандидат из очереди, совпавший с кандидатом описания, второй раз не добавляется
	assert.Equal(t, []sdpbody.Candidate{early}, m.RemoteCandidates())

	// Кандидат из описания и уже добавленные не дублируются
	added, _ = conn.AddRemoteCandidates([]sdpbody.Candidate{embedded, early})
	assert.Zero(t, added)

	fresh := sdpbody.NewCandidate("candidate:6 1 udp 1 203.0.113.9 50006 typ host", "0", 0)
	added, _ = conn.AddRemoteCandidates([]sdpbody.Candidate{fresh})
	assert.Equal(t, 1, added)
}

func TestApplyRemoteOnce(t *testing.T) {
	conn, _, m := newConnection(t)
	body := sdpbody.New(sdpbody.KindAnswer, []byte(testkit.RemoteSDP))

	require.NoError(t, conn.ApplyRemote(body))
	assert.ErrorIs(t, conn.ApplyRemote(body), ErrRemoteApplied)
	assert.Len(t, m.Remote(), 1)
}

func TestApplyRemoteFailure(t *testing.T) {
	conn, _, m := newConnection(t)
	m.SetRemoteErr = errors.New("bad sdp")

	assert.Error(t, conn.ApplyRemote(sdpbody.New(sdpbody.KindAnswer, []byte(testkit.RemoteSDP))))
	assert.False(t, conn.RemoteApplied())
}

func TestSendFinalBody(t *testing.T) {
	conn, call, m := newConnection(t)

	_, err := conn.SendFinalBody(context.Background())
	assert.ErrorIs(t, err, sdpbody.ErrEmptyBody)

	require.NoError(t, m.SetLocalDescription(sdpbody.New(sdpbody.KindOffer, []byte(testkit.OfferSDP))))
	m.Complete()
	body, err := conn.SendFinalBody(context.Background())
	require.NoError(t, err)
	assert.True(t, sdpbody.HasCandidates(body))
	require.Len(t, call.Renegotiations(), 1)
}

func TestCloseOnce(t *testing.T) {
	conn, call, m := newConnection(t)
	conn.BufferCandidate(testkit.LocalCandidates[0])

	require.NoError(t, conn.Close(context.Background(), 0))
	require.NoError(t, conn.Close(context.Background(), 486))

	assert.True(t, conn.Closed())
	assert.Equal(t, 1, m.Closes())
	assert.Equal(t, 1, call.Hangups())
	assert.Empty(t, call.Rejects())
	assert.Zero(t, conn.Buffered())

	_, err := conn.FlushCandidates(context.Background(), true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseRejectWithoutMedia(t *testing.T) {
	conn := New("c3", zerolog.Nop())
	call := &testkit.Call{CallID: "c3"}
	require.NoError(t, conn.AttachCall(call))

	require.NoError(t, conn.Close(context.Background(), 486))
	assert.Equal(t, []int{486}, call.Rejects())
	assert.Zero(t, call.Hangups())
}

func TestCloseJoinsErrors(t *testing.T) {
	conn, call, _ := newConnection(t)
	call.Err = errors.New("transport down")

	err := conn.Close(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, call.Err)
}
