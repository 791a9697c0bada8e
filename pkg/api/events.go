package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/session"
)

const (
	clientQueueSize = 256
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
)

// Типы событий потока /v1/events
const (
	EventInitState       = "init_state"
	EventCallState       = "call_state"
	EventSourceAdded     = "source_added"
	EventSourceRemoved   = "source_removed"
	EventCaptureAdded    = "capture_added"
	EventCaptureRemoved  = "capture_removed"
	EventCaptureFeedback = "capture_feedback"
)

// Event уведомление оркестратора в виде JSON
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	CallID   string    `json:"call_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
	SourceID string    `json:"source_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	FPS      float64   `json:"fps,omitempty"`
}

// Hub рассылает уведомления оркестратора подключённым WebSocket клиентам.
// Реализует session.Observer: кодирует событие один раз и кладёт его
// в очередь каждого клиента без блокировки. Клиент с переполненной
// очередью отключается.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	now     func() time.Time
	log     zerolog.Logger
}

var _ session.Observer = (*Hub)(nil)

// NewHub создаёт пустой Hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		now:     time.Now,
		log:     logging.Component(log, "api.events"),
	}
}

// Clients количество подключённых клиентов
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) OnInitStateChanged(state session.InitState, err error) {
	e := Event{Type: EventInitState, State: state.String()}
	if err != nil {
		e.Error = err.Error()
	}
	h.broadcast(e)
}

func (h *Hub) OnCallStateChanged(id session.CallID, state session.CallState, reason session.Reason) {
	e := Event{Type: EventCallState, CallID: id.String(), State: state.String()}
	if reason != session.ReasonNone {
		e.Reason = reason.String()
	}
	h.broadcast(e)
}

func (h *Hub) OnSourceAdded(id session.CallID, sourceID, kind string) {
	h.broadcast(Event{Type: EventSourceAdded, CallID: id.String(), SourceID: sourceID, Kind: kind})
}

func (h *Hub) OnSourceRemoved(id session.CallID, sourceID, kind string) {
	h.broadcast(Event{Type: EventSourceRemoved, CallID: id.String(), SourceID: sourceID, Kind: kind})
}

func (h *Hub) OnCaptureAdded(deviceID string) {
	h.broadcast(Event{Type: EventCaptureAdded, DeviceID: deviceID})
}

func (h *Hub) OnCaptureRemoved(deviceID string) {
	h.broadcast(Event{Type: EventCaptureRemoved, DeviceID: deviceID})
}

func (h *Hub) OnCaptureFeedback(width, height int, fps float64) {
	h.broadcast(Event{Type: EventCaptureFeedback, Width: width, Height: height, FPS: fps})
}

func (h *Hub) broadcast(e Event) {
	e.Time = h.now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Str("type", e.Type).Msg("Не удалось закодировать событие")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("client", c.id).Msg("Клиент не успевает читать события, отключаем")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("client", c.id).Msg("Клиент событий подключён")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
		h.log.Debug().Str("client", c.id).Msg("Клиент событий отключён")
	}
}

func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
}

// Close отключает всех клиентов
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// client один подписчик потока событий
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// serve пишет события в соединение, пока очередь не закрыта или клиент
// не отключился. Входящие сообщения клиента игнорируются.
func (h *Hub) serve(ctx context.Context, c *client) {
	h.add(c)
	defer h.remove(c)
	defer c.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
