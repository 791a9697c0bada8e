// Package session содержит оркестратор вызовов: конечный автомат, который
// сводит события SIP сигнализации и медиа движка в один жизненный цикл вызова.
//
// Все команды приложения и события подсистем превращаются в сообщения одного
// почтового ящика. Ящик разбирает одна горутина (Run), и только она читает и
// меняет состояние вызовов, поэтому порядок входящих событий полный.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/signaling"
)

const (
	defaultMailboxSize    = 256
	defaultCommandTimeout = 5 * time.Second
)

// Recorder получает снимок каждого завершённого вызова
type Recorder interface {
	RecordCall(CallInfo)
}

// Config параметры оркестратора
type Config struct {
	Transport signaling.Transport
	Engine    media.Engine
	Observer  Observer
	Recorders []Recorder

	// Trickle разрешает trickle ICE. Без него все вызовы идут по обычной схеме.
	Trickle bool
	// Constraints медиа по умолчанию для новых сессий
	Constraints media.Constraints

	Logger     zerolog.Logger
	Registerer prometheus.Registerer

	MailboxSize int
	// CommandTimeout ограничивает каждую команду сигнализации
	CommandTimeout time.Duration
	// Now источник времени, для тестов
	Now func() time.Time
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return errors.New("session: не задан транспорт сигнализации")
	}
	if c.Engine == nil {
		return errors.New("session: не задан медиа движок")
	}
	return nil
}

// Orchestrator оркестратор вызовов
type Orchestrator struct {
	transport signaling.Transport
	engine    media.Engine
	observer  Observer
	recorders []Recorder
	trickle   bool
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
	metrics   *metrics

	mailbox chan message
	done    chan struct{}

	lifeMu   sync.Mutex
	running  bool
	stopped  bool
	doneOnce sync.Once

	// Состояние ниже трогает только горутина Run
	calls     map[CallID]*Call
	active    *Call
	prefs     media.Preferences
	initState InitState
}

// New создаёт оркестратор. Обработка начинается после запуска Run.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observer := cfg.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}

	return &Orchestrator{
		transport: cfg.Transport,
		engine:    cfg.Engine,
		observer:  observer,
		recorders: cfg.Recorders,
		trickle:   cfg.Trickle,
		timeout:   cfg.CommandTimeout,
		now:       cfg.Now,
		log:       logging.Component(cfg.Logger, "session"),
		metrics:   newMetrics(cfg.Registerer),
		mailbox:   make(chan message, cfg.MailboxSize),
		done:      make(chan struct{}),
		calls:     make(map[CallID]*Call),
		prefs:     media.Preferences{Constraints: cfg.Constraints, Volume: 1},
	}, nil
}

// Run разбирает почтовый ящик до Close или отмены ctx. При остановке
// активный вызов завершается с причиной LocalHangup.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.lifeMu.Lock()
	if o.running || o.stopped {
		o.lifeMu.Unlock()
		return errors.New("session: оркестратор уже запущен или остановлен")
	}
	o.running = true
	o.lifeMu.Unlock()

	o.log.Info().Msg("Оркестратор запущен")
	defer o.stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case msg := <-o.mailbox:
			if _, ok := msg.(closeMsg); ok {
				o.shutdown()
				return nil
			}
			o.dispatch(msg)
		}
	}
}

// Close останавливает оркестратор и ждёт завершения Run
func (o *Orchestrator) Close() error {
	o.lifeMu.Lock()
	if !o.running {
		o.stopped = true
		o.lifeMu.Unlock()
		o.doneOnce.Do(func() { close(o.done) })
		return nil
	}
	o.lifeMu.Unlock()

	if err := o.enqueue(closeMsg{}); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	<-o.done
	return nil
}

// Done закрывается после остановки оркестратора
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) stop() {
	o.lifeMu.Lock()
	o.stopped = true
	o.lifeMu.Unlock()
	o.doneOnce.Do(func() { close(o.done) })
	o.log.Info().Msg("Оркестратор остановлен")
}

func (o *Orchestrator) shutdown() {
	if o.active != nil {
		o.terminate(o.active, ReasonLocalHangup, nil)
	}
}

// enqueue кладёт сообщение в ящик. Ящик никогда не закрывается, после
// остановки отправка завершается ErrClosed.
func (o *Orchestrator) enqueue(msg message) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.mailbox <- msg:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// request отправляет команду и ждёт ответа из горутины оркестратора
func request[T any](ctx context.Context, o *Orchestrator, build func(chan<- T) message) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := o.enqueue(build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-o.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// commandContext контекст одной команды сигнализации или медиа
func (o *Orchestrator) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

// HandleSignaling принимает события транспорта сигнализации.
// Подходит как signaling.EventSink.
func (o *Orchestrator) HandleSignaling(e signaling.Event) {
	if err := o.enqueue(signalingMsg{ev: e}); err != nil {
		o.log.Debug().Err(err).Type("event", e).Msg("Событие сигнализации после остановки")
	}
}

func (o *Orchestrator) mediaSink(id CallID) media.EventSink {
	return func(e media.Event) {
		if err := o.enqueue(mediaMsg{id: id, ev: e}); err != nil {
			o.log.Debug().Err(err).Str(logging.FieldCallID, string(id)).Type("event", e).Msg("Медиа событие после остановки")
		}
	}
}

// Call начинает исходящий вызов и возвращает его идентификатор.
// Дальнейший ход вызова сообщается наблюдателю.
func (o *Orchestrator) Call(ctx context.Context, remote string) (CallID, error) {
	r, err := request(ctx, o, func(reply chan<- idReply) message {
		return callCmd{remote: remote, reply: reply}
	})
	if err != nil {
		return "", err
	}
	return r.id, r.err
}

// Answer принимает входящий вызов
func (o *Orchestrator) Answer(ctx context.Context, id CallID) error {
	return o.command(ctx, func(reply chan<- error) message {
		return answerCmd{id: id, reply: reply}
	})
}

// Reject отклоняет входящий вызов до ответа
func (o *Orchestrator) Reject(ctx context.Context, id CallID) error {
	return o.command(ctx, func(reply chan<- error) message {
		return rejectCmd{id: id, reply: reply}
	})
}

// Terminate завершает вызов. Для завершённого вызова ничего не делает.
func (o *Orchestrator) Terminate(ctx context.Context, id CallID) error {
	return o.command(ctx, func(reply chan<- error) message {
		return terminateCmd{id: id, reply: reply}
	})
}

// Dispose удаляет завершённый вызов из реестра
func (o *Orchestrator) Dispose(ctx context.Context, id CallID) error {
	return o.command(ctx, func(reply chan<- error) message {
		return disposeCmd{id: id, reply: reply}
	})
}

// Register начинает регистрацию клиента. Результат приходит в OnInitStateChanged.
func (o *Orchestrator) Register(ctx context.Context) error {
	return o.command(ctx, func(reply chan<- error) message {
		return registerCmd{reply: reply}
	})
}

// Unregister снимает регистрацию клиента
func (o *Orchestrator) Unregister(ctx context.Context) error {
	return o.command(ctx, func(reply chan<- error) message {
		return registerCmd{unregister: true, reply: reply}
	})
}

func (o *Orchestrator) command(ctx context.Context, build func(chan<- error) message) error {
	err, rerr := request(ctx, o, build)
	if rerr != nil {
		return rerr
	}
	return err
}

// Snapshot состояние регистрации и всех вызовов реестра
type Snapshot struct {
	Init  InitState  `json:"init_state"`
	Calls []CallInfo `json:"calls"`
}

// Snapshot возвращает согласованный снимок состояния оркестратора
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	return request(ctx, o, func(reply chan<- Snapshot) message {
		return snapshotCmd{reply: reply}
	})
}

// CallInfo возвращает снимок одного вызова
func (o *Orchestrator) CallInfo(ctx context.Context, id CallID) (CallInfo, error) {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return CallInfo{}, err
	}
	for _, info := range snap.Calls {
		if info.ID == id {
			return info, nil
		}
	}
	return CallInfo{}, ErrUnknownCall
}

// SetInputDevice выбирает устройство захвата для новых медиа сессий
func (o *Orchestrator) SetInputDevice(deviceID string) error {
	return o.enqueue(prefsMsg{apply: func(p *media.Preferences) { p.InputDevice = deviceID }})
}

// SetOutputDevice выбирает устройство воспроизведения
func (o *Orchestrator) SetOutputDevice(deviceID string) error {
	return o.enqueue(prefsMsg{apply: func(p *media.Preferences) { p.OutputDevice = deviceID }})
}

// SetVolume задаёт громкость воспроизведения, значение ограничивается [0, 1]
func (o *Orchestrator) SetVolume(volume float64) error {
	volume = min(max(volume, 0), 1)
	return o.enqueue(prefsMsg{apply: func(p *media.Preferences) { p.Volume = volume }})
}

// SetConstraints задаёт медиа ограничения для новых сессий
func (o *Orchestrator) SetConstraints(c media.Constraints) error {
	return o.enqueue(prefsMsg{apply: func(p *media.Preferences) { p.Constraints = c }})
}

// Preferences возвращает текущие медиа настройки
func (o *Orchestrator) Preferences(ctx context.Context) (media.Preferences, error) {
	return request(ctx, o, func(reply chan<- media.Preferences) message {
		return prefsMsg{reply: reply}
	})
}

// ReportCaptureAdded сообщает наблюдателю о новом устройстве захвата
func (o *Orchestrator) ReportCaptureAdded(deviceID string) error {
	return o.enqueue(captureMsg{kind: captureAdded, deviceID: deviceID})
}

// ReportCaptureRemoved сообщает наблюдателю об отключённом устройстве захвата
func (o *Orchestrator) ReportCaptureRemoved(deviceID string) error {
	return o.enqueue(captureMsg{kind: captureRemoved, deviceID: deviceID})
}

// ReportCaptureFeedback сообщает наблюдателю фактические параметры захвата
func (o *Orchestrator) ReportCaptureFeedback(width, height int, fps float64) error {
	return o.enqueue(captureMsg{kind: captureFeedback, width: width, height: height, fps: fps})
}
