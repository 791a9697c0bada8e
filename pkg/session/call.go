package session

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/participant"
	"github.com/arzzra/rtcall/pkg/sdpbody"
)

// Узлы графа состояний вызова
const (
	stIdle       = "idle"
	stInitiating = "initiating"
	stIncoming   = "incoming"
	stAccepting  = "accepting"
	stConnecting = "connecting"
	stRinging    = "ringing"
	stConnected  = "connected"
	stTerminated = "terminated"
)

// События графа
const (
	evInitiate   = "initiate"
	evIncoming   = "incoming"
	evAccept     = "accept"
	evConnecting = "connecting"
	evRing       = "ring"
	evConnected  = "connected"
	evTerminate  = "terminate"
)

// newCallFSM граф вызова. Переходы идут только вперёд, terminate разрешён
// из любого незавершённого состояния.
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		stIdle,
		fsm.Events{
			{Name: evInitiate, Src: []string{stIdle}, Dst: stInitiating},
			{Name: evIncoming, Src: []string{stIdle}, Dst: stIncoming},
			{Name: evAccept, Src: []string{stIncoming}, Dst: stAccepting},
			{Name: evConnecting, Src: []string{stInitiating, stAccepting}, Dst: stConnecting},
			{Name: evRing, Src: []string{stConnecting}, Dst: stRinging},
			{Name: evConnected, Src: []string{stConnecting, stRinging}, Dst: stConnected},
			{Name: evTerminate, Src: []string{
				stIdle, stInitiating, stIncoming, stAccepting, stConnecting, stRinging, stConnected,
			}, Dst: stTerminated},
		},
		fsm.Callbacks{},
	)
}

var nodeStates = map[string]CallState{
	stIdle:       CallInitiating,
	stInitiating: CallInitiating,
	stIncoming:   CallIncoming,
	stAccepting:  CallAccepting,
	stConnecting: CallConnecting,
	stRinging:    CallRinging,
	stConnected:  CallConnected,
	stTerminated: CallTerminated,
}

// Call один вызов. Принадлежит горутине оркестратора, наружу выдаётся
// только снимок CallInfo.
type Call struct {
	id     CallID
	role   Role
	remote string
	log    zerolog.Logger
	fsm    *fsm.FSM
	conn   *participant.Connection

	// trickle решается один раз и больше не меняется
	trickle        bool
	trickleDecided bool

	localBody     sdpbody.Body
	remoteBody    sdpbody.Body
	pendingRemote *sdpbody.Body

	reason      Reason
	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	signalingConfirmed bool
	mediaConnected     bool
	gathered           bool
	placed             bool
	answered           bool
	finalSent          bool
	renegotiated       bool
	reconnecting       bool
}

func newCall(id CallID, role Role, remote string, now time.Time, log zerolog.Logger) *Call {
	return &Call{
		id:        id,
		role:      role,
		remote:    remote,
		log:       log.With().Str(logging.FieldCallID, string(id)).Str("role", role.String()).Logger(),
		fsm:       newCallFSM(),
		conn:      participant.New(string(id), log),
		createdAt: now,
	}
}

func (c *Call) ID() CallID {
	return c.id
}

// State состояние для наблюдателя. Reconnecting накладывается на Connected.
func (c *Call) State() CallState {
	st := nodeStates[c.fsm.Current()]
	if st == CallConnected && c.reconnecting {
		return CallReconnecting
	}
	return st
}

func (c *Call) terminated() bool {
	return c.fsm.Current() == stTerminated
}

// in true, если текущий узел графа совпадает с одним из states
func (c *Call) in(states ...string) bool {
	cur := c.fsm.Current()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// fire выполняет переход, если он допустим в текущем состоянии
func (c *Call) fire(event string) bool {
	if !c.fsm.Can(event) {
		return false
	}
	return c.fsm.Event(context.Background(), event) == nil
}

// sent true, если первое тело согласования уже отправлено удалённой стороне
func (c *Call) sent() bool {
	if c.role == RoleInitiator {
		return c.placed
	}
	return c.answered
}

// decideTrickle фиксирует режим trickle. Повторное решение игнорируется.
func (c *Call) decideTrickle(v bool) bool {
	if c.trickleDecided {
		return false
	}
	c.trickleDecided = true
	c.trickle = v
	return true
}

// Info снимок вызова для приложения
func (c *Call) Info() CallInfo {
	return CallInfo{
		ID:          c.id,
		Role:        c.role,
		Remote:      c.remote,
		State:       c.State(),
		Reason:      c.reason,
		Trickle:     c.trickle,
		CreatedAt:   c.createdAt,
		ConnectedAt: c.connectedAt,
		EndedAt:     c.endedAt,
	}
}

// CallInfo снимок состояния вызова
type CallInfo struct {
	ID          CallID    `json:"id"`
	Role        Role      `json:"role"`
	Remote      string    `json:"remote"`
	State       CallState `json:"state"`
	Reason      Reason    `json:"reason"`
	Trickle     bool      `json:"trickle"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// SetupDuration время от создания вызова до соединения, 0 если соединения не было
func (i CallInfo) SetupDuration() time.Duration {
	if i.ConnectedAt.IsZero() {
		return 0
	}
	return i.ConnectedAt.Sub(i.CreatedAt)
}
