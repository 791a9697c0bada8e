// Package testkit содержит поддельные реализации транспорта сигнализации
// и медиа движка для тестов оркестратора и соединений.
package testkit

import (
	"context"
	"sync"

	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/sdpbody"
	"github.com/arzzra/rtcall/pkg/signaling"
)

// OfferSDP локальное описание без кандидатов (до окончания сбора)
const OfferSDP = "v=0\r\n" +
	"o=- 100 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:locl\r\n" +
	"a=ice-pwd:localpassword0123456789\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

// GatheredSDP то же описание после окончания сбора кандидатов
const GatheredSDP = OfferSDP +
	"a=candidate:1 1 udp 2130706431 192.0.2.1 40000 typ host\r\n" +
	"a=candidate:2 1 udp 1694498815 198.51.100.1 40001 typ srflx raddr 192.0.2.1 rport 40000\r\n" +
	"a=end-of-candidates\r\n"

// RemoteSDP описание удалённой стороны с одним кандидатом
const RemoteSDP = "v=0\r\n" +
	"o=- 200 1 IN IP4 203.0.113.7\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:remt\r\n" +
	"a=ice-pwd:remotepassword012345678\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=candidate:9 1 udp 2130706431 203.0.113.7 50000 typ host\r\n" +
	"a=sendrecv\r\n"

// LocalCandidates кандидаты, которые содержит GatheredSDP
var LocalCandidates = []sdpbody.Candidate{
	sdpbody.NewCandidate("candidate:1 1 udp 2130706431 192.0.2.1 40000 typ host", "0", 0),
	sdpbody.NewCandidate("candidate:2 1 udp 1694498815 198.51.100.1 40001 typ srflx raddr 192.0.2.1 rport 40000", "0", 0),
}

// Answer ответ на входящий INVITE, записанный Call
type Answer struct {
	Status int
	Body   sdpbody.Body
}

// Call поддельный сигнальный вызов
type Call struct {
	mu             sync.Mutex
	CallID         string
	answers        []Answer
	rejects        []int
	hangups        int
	fragments      []sdpbody.Fragment
	renegotiations []sdpbody.Body

	// Err возвращается всеми операциями, если задан
	Err error
}

var _ signaling.Call = (*Call)(nil)

func (c *Call) ID() string { return c.CallID }

func (c *Call) Answer(_ context.Context, status int, body sdpbody.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, Answer{Status: status, Body: body})
	return c.Err
}

func (c *Call) Reject(_ context.Context, status int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, status)
	return c.Err
}

func (c *Call) Hangup(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
	return c.Err
}

func (c *Call) SendSideChannel(_ context.Context, frag sdpbody.Fragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments = append(c.fragments, frag)
	return c.Err
}

func (c *Call) Renegotiate(_ context.Context, body sdpbody.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renegotiations = append(c.renegotiations, body)
	return c.Err
}

func (c *Call) Answers() []Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Answer(nil), c.answers...)
}

func (c *Call) Rejects() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.rejects...)
}

func (c *Call) Hangups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *Call) Fragments() []sdpbody.Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sdpbody.Fragment(nil), c.fragments...)
}

func (c *Call) Renegotiations() []sdpbody.Body {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sdpbody.Body(nil), c.renegotiations...)
}

// Terminations суммарное число Reject и Hangup
func (c *Call) Terminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rejects) + c.hangups
}

// Placed исходящий вызов, записанный Transport
type Placed struct {
	CallID  string
	Remote  string
	Body    sdpbody.Body
	Trickle bool
}

// Transport поддельный транспорт сигнализации. События подаются тестом
// напрямую в оркестратор.
type Transport struct {
	mu          sync.Mutex
	registers   int
	unregisters int
	probes      []string
	placed      []Placed
	calls       map[string]*Call

	CallErr     error
	RegisterErr error
	ProbeErr    error
}

var _ signaling.Transport = (*Transport)(nil)

func (t *Transport) Register(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registers++
	return t.RegisterErr
}

func (t *Transport) Unregister(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisters++
	return t.RegisterErr
}

func (t *Transport) ProbeTrickle(_ context.Context, callID, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes = append(t.probes, callID)
	return t.ProbeErr
}

func (t *Transport) Call(_ context.Context, callID, remote string, body sdpbody.Body, trickle bool) (signaling.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CallErr != nil {
		return nil, t.CallErr
	}
	t.placed = append(t.placed, Placed{CallID: callID, Remote: remote, Body: body, Trickle: trickle})
	c := &Call{CallID: callID}
	if t.calls == nil {
		t.calls = make(map[string]*Call)
	}
	t.calls[callID] = c
	return c, nil
}

func (t *Transport) Registers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registers
}

func (t *Transport) Unregisters() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unregisters
}

func (t *Transport) Probes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.probes...)
}

func (t *Transport) Placed() []Placed {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Placed(nil), t.placed...)
}

// CallFor возвращает вызов, созданный для callID, или nil
func (t *Transport) CallFor(callID string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callID]
}

// Engine поддельный медиа движок
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []*Session

	NewErr error
	// Configure вызывается для каждой новой сессии до возврата
	Configure func(*Session)
}

var _ media.Engine = (*Engine)(nil)

func (e *Engine) NewSession(id string, prefs media.Preferences, sink media.EventSink) (media.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewErr != nil {
		return nil, e.NewErr
	}
	s := &Session{ID: id, Prefs: prefs, sink: sink}
	if e.Configure != nil {
		e.Configure(s)
	}
	if e.sessions == nil {
		e.sessions = make(map[string]*Session)
	}
	e.sessions[id] = s
	e.order = append(e.order, s)
	return s, nil
}

// SessionFor возвращает сессию вызова callID или nil
func (e *Engine) SessionFor(id string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// Count число созданных сессий
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Session поддельная медиа сессия. Сбор кандидатов и состояние соединения
// управляются тестом через Discover, Complete и SetState.
type Session struct {
	mu    sync.Mutex
	ID    string
	Prefs media.Preferences
	sink  media.EventSink

	constraints []media.Constraints
	local       sdpbody.Body
	remote      []sdpbody.Body
	candidates  []sdpbody.Candidate
	gathered    bool
	closes      int

	OfferErr     error
	AnswerErr    error
	SetLocalErr  error
	SetRemoteErr error
}

var _ media.Session = (*Session)(nil)

func (s *Session) CreateLocalMedia(c media.Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraints = append(s.constraints, c)
	return nil
}

func (s *Session) CreateOffer() (sdpbody.Body, error) {
	if s.OfferErr != nil {
		return sdpbody.Body{}, s.OfferErr
	}
	return sdpbody.New(sdpbody.KindOffer, []byte(OfferSDP)), nil
}

func (s *Session) CreateAnswer() (sdpbody.Body, error) {
	if s.AnswerErr != nil {
		return sdpbody.Body{}, s.AnswerErr
	}
	return sdpbody.New(sdpbody.KindAnswer, []byte(OfferSDP)), nil
}

func (s *Session) SetLocalDescription(b sdpbody.Body) error {
	if s.SetLocalErr != nil {
		return s.SetLocalErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = b
	return nil
}

func (s *Session) SetRemoteDescription(b sdpbody.Body) error {
	if s.SetRemoteErr != nil {
		return s.SetRemoteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = append(s.remote, b)
	return nil
}

func (s *Session) AddRemoteCandidate(c sdpbody.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

// LocalDescription до окончания сбора возвращает описание без кандидатов,
// после него GatheredSDP того же вида
func (s *Session) LocalDescription() sdpbody.Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gathered && !s.local.Empty() {
		return sdpbody.New(s.local.Kind, []byte(GatheredSDP))
	}
	return s.local
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Discover сообщает о найденном локальном кандидате
func (s *Session) Discover(c sdpbody.Candidate) {
	s.sink(media.CandidateEvent{SessionID: s.ID, Candidate: c})
}

// Complete завершает сбор кандидатов
func (s *Session) Complete() {
	s.mu.Lock()
	s.gathered = true
	s.mu.Unlock()
	s.sink(media.GatheringCompleteEvent{SessionID: s.ID, Body: s.LocalDescription()})
}

// SetState сообщает о смене состояния соединения
func (s *Session) SetState(state media.ConnectionState) {
	s.sink(media.ConnectionStateEvent{SessionID: s.ID, State: state})
}

// Track сообщает о добавлении или удалении удалённого трека
func (s *Session) Track(added bool, sourceID, kind string) {
	s.sink(media.TrackEvent{SessionID: s.ID, Added: added, SourceID: sourceID, Kind: kind})
}

func (s *Session) Constraints() []media.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Constraints(nil), s.constraints...)
}

func (s *Session) Remote() []sdpbody.Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sdpbody.Body(nil), s.remote...)
}

func (s *Session) RemoteCandidates() []sdpbody.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sdpbody.Candidate(nil), s.candidates...)
}

func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
