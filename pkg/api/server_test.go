package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/history"
	"github.com/arzzra/rtcall/pkg/session"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeController struct {
	mu       sync.Mutex
	commands []string
	err      error
	snap     session.Snapshot
}

func (f *fakeController) record(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.err
}

func (f *fakeController) Call(_ context.Context, remote string) (session.CallID, error) {
	if err := f.record("call " + remote); err != nil {
		return "", err
	}
	return "call-1", nil
}

func (f *fakeController) Answer(_ context.Context, id session.CallID) error {
	return f.record("answer " + id.String())
}

func (f *fakeController) Reject(_ context.Context, id session.CallID) error {
	return f.record("reject " + id.String())
}

func (f *fakeController) Terminate(_ context.Context, id session.CallID) error {
	return f.record("terminate " + id.String())
}

func (f *fakeController) Register(context.Context) error   { return f.record("register") }
func (f *fakeController) Unregister(context.Context) error { return f.record("unregister") }

func (f *fakeController) Snapshot(context.Context) (session.Snapshot, error) {
	if err := f.record("snapshot"); err != nil {
		return session.Snapshot{}, err
	}
	return f.snap, nil
}

func (f *fakeController) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return ""
	}
	return f.commands[len(f.commands)-1]
}

type fakeHistory struct {
	records []history.Record
	limit   int
}

func (h *fakeHistory) Save(context.Context, history.Record) error { return nil }
func (h *fakeHistory) Close() error                               { return nil }

func (h *fakeHistory) List(_ context.Context, limit int) ([]history.Record, error) {
	h.limit = limit
	return h.records, nil
}

type harness struct {
	srv   *Server
	ctrl  *fakeController
	hist  *fakeHistory
	hub   *Hub
	reg   *prometheus.Registry
	token string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctrl: &fakeController{},
		hist: &fakeHistory{},
		hub:  NewHub(zerolog.Nop()),
		reg:  prometheus.NewRegistry(),
	}
	srv, err := New(Options{
		Config:     config.APIConfig{Enabled: true, Listen: "127.0.0.1:0", JWTSecret: testSecret},
		Controller: h.ctrl,
		History:    h.hist,
		Hub:        h.hub,
		Gatherer:   h.reg,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	h.srv = srv

	h.token, err = IssueToken(testSecret, "tester", time.Hour)
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Options{Controller: &fakeController{}})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(Options{Config: config.APIConfig{JWTSecret: "x"}})
	assert.Error(t, err)
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", "tester", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"нет заголовка", "", http.StatusUnauthorized},
		{"не bearer", "Basic abc", http.StatusUnauthorized},
		{"мусор", "Bearer not-a-token", http.StatusUnauthorized},
		{"чужой секрет", "Bearer " + foreign, http.StatusUnauthorized},
		{"истёк", "Bearer " + expired, http.StatusUnauthorized},
		{"валидный", "Bearer " + h.token, http.StatusOK},
		{"регистр схемы", "bearer " + h.token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestIssueTokenEmptySecret(t *testing.T) {
	_, err := IssueToken("", "x", 0)
	assert.Error(t, err)
}

func TestPublicEndpoints(t *testing.T) {
	h := newHarness(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rtcall_test_total", Help: "test"})
	h.reg.MustRegister(counter)
	counter.Inc()

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
		if path == "/metrics" {
			assert.Contains(t, w.Body.String(), "rtcall_test_total 1")
		}
	}
}

func TestCall(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/calls", `{"remote":"sip:bob@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp callResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, session.CallID("call-1"), resp.CallID)
	assert.Equal(t, "call sip:bob@example.com", h.ctrl.last())

	w = h.do(t, http.MethodPost, "/v1/calls", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.ctrl.err = session.ErrBusy
	w = h.do(t, http.MethodPost, "/v1/calls", `{"remote":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), session.ErrBusy.Error())
}

func TestCallCommands(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/v1/calls/c7/answer", "answer c7"},
		{http.MethodPost, "/v1/calls/c7/reject", "reject c7"},
		{http.MethodDelete, "/v1/calls/c7", "terminate c7"},
	}
	for _, tt := range tests {
		w := h.do(t, tt.method, tt.path, "")
		assert.Equal(t, http.StatusNoContent, w.Code, tt.path)
		assert.Equal(t, tt.want, h.ctrl.last())
	}

	h.ctrl.err = session.ErrUnknownCall
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/v1/calls/zz", "").Code)
	h.ctrl.err = fmt.Errorf("обёртка: %w", session.ErrInvalidState)
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/calls/c7/answer", "").Code)
}

func TestRegisterEndpoints(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/register", "").Code)
	assert.Equal(t, "register", h.ctrl.last())
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodDelete, "/v1/register", "").Code)
	assert.Equal(t, "unregister", h.ctrl.last())

	h.ctrl.err = &config.ValidationError{Missing: []string{"password"}}
	w := h.do(t, http.MethodPost, "/v1/register", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "password")

	h.ctrl.err = session.ErrRegistrationFailed
	assert.Equal(t, http.StatusBadGateway, h.do(t, http.MethodPost, "/v1/register", "").Code)
}

func TestInternalErrorHidesDetails(t *testing.T) {
	h := newHarness(t)
	h.ctrl.err = errors.New("dial udp 10.0.0.1:5060: connection refused")

	w := h.do(t, http.MethodPost, "/v1/calls/c7/answer", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
	assert.Contains(t, w.Body.String(), http.StatusText(http.StatusInternalServerError))
}

func TestCallsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.ctrl.snap = session.Snapshot{
		Init:  session.InitRegistered,
		Calls: []session.CallInfo{{ID: "c1", Role: session.RoleInitiator, State: session.CallConnected}},
	}

	w := h.do(t, http.MethodGet, "/v1/calls", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"init_state":"registered"`)

	w = h.do(t, http.MethodGet, "/v1/calls/c1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "connected", info["state"])

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/calls/c2", "").Code)
}

func TestCallHistory(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/v1/calls/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
	assert.Equal(t, defaultHistoryLimit, h.hist.limit)

	h.hist.records = []history.Record{{CallID: "c1", Reason: "busy"}}
	w = h.do(t, http.MethodGet, "/v1/calls/history?limit=5000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, h.hist.limit)
	var records []history.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "busy", records[0].Reason)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/calls/history?limit=abc", "").Code)
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err, "без токена подключение запрещено")
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.hub.OnCallStateChanged("c1", session.CallTerminated, session.ReasonBusy)
	h.hub.OnInitStateChanged(session.InitRegistrationFailed, errors.New("401"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, EventCallState, e.Type)
	assert.Equal(t, "c1", e.CallID)
	assert.Equal(t, "terminated", e.State)
	assert.Equal(t, "busy", e.Reason)
	assert.False(t, e.Time.IsZero())

	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, EventInitState, e.Type)
	assert.Equal(t, "registration_failed", e.State)
	assert.Equal(t, "401", e.Error)

	h.hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "ожидалось закрытие, получено %v", err)
	require.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &client{id: "slow", send: make(chan []byte, 1)}
	hub.add(slow)

	hub.OnCaptureAdded("cam")
	assert.Equal(t, 1, hub.Clients())
	hub.OnCaptureFeedback(640, 480, 30)
	assert.Equal(t, 0, hub.Clients(), "переполненный клиент отключён")

	data, ok := <-slow.send
	require.True(t, ok)
	assert.Contains(t, string(data), `"device_id":"cam"`)
	_, ok = <-slow.send
	assert.False(t, ok, "очередь закрыта")

	assert.NotPanics(t, func() { hub.remove(slow) })
}

func TestHubEventShapes(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	c := &client{id: "c", send: make(chan []byte, 8)}
	hub.add(c)

	hub.OnCallStateChanged("c1", session.CallRinging, session.ReasonNone)
	hub.OnSourceAdded("c1", "s1", "audio")
	hub.OnSourceRemoved("c1", "s1", "audio")
	hub.OnCaptureRemoved("cam")

	assert.JSONEq(t, `{"type":"call_state","time":"2026-01-01T00:00:00Z","call_id":"c1","state":"ringing"}`, string(<-c.send))
	assert.JSONEq(t, `{"type":"source_added","time":"2026-01-01T00:00:00Z","call_id":"c1","source_id":"s1","kind":"audio"}`, string(<-c.send))
	assert.JSONEq(t, `{"type":"source_removed","time":"2026-01-01T00:00:00Z","call_id":"c1","source_id":"s1","kind":"audio"}`, string(<-c.send))
	assert.JSONEq(t, `{"type":"capture_removed","time":"2026-01-01T00:00:00Z","device_id":"cam"}`, string(<-c.send))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(session.ErrClosed))
	assert.Equal(t, http.StatusBadRequest, statusFor(session.ErrInvalidRemote))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, statusFor(session.ErrRegistrationFailed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}
