// Package media определяет движок согласования медиа (WebRTC/ICE/DTLS-SRTP)
// и его реализацию поверх pion/webrtc.
//
// Engine создаёт по одной Session на каждую попытку вызова. Операции создания
// и установки описаний синхронны, асинхронные результаты (кандидаты, окончание
// сбора, состояние соединения, треки) доставляются через EventSink.
package media

import (
	"errors"

	"github.com/arzzra/rtcall/pkg/sdpbody"
)

var (
	// ErrNegotiation ошибка создания или применения описания сессии
	ErrNegotiation = errors.New("ошибка согласования медиа")
	// ErrInvalidCandidate некорректный удалённый кандидат
	ErrInvalidCandidate = errors.New("некорректный ICE кандидат")
	// ErrClosed сессия закрыта
	ErrClosed = errors.New("медиа сессия закрыта")
)

// Constraints локальные ограничения медиа
type Constraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Preferences настройки устройств, передаваемые движку без изменений
type Preferences struct {
	Constraints  Constraints
	InputDevice  string
	OutputDevice string
	Volume       float64
}

// Engine фабрика медиа сессий
type Engine interface {
	// NewSession создаёт сессию для вызова id. События сессии уходят в sink.
	NewSession(id string, prefs Preferences, sink EventSink) (Session, error)
}

// Session медиа сессия одной попытки вызова
type Session interface {
	// CreateLocalMedia создаёт локальные треки по ограничениям
	CreateLocalMedia(c Constraints) error
	CreateOffer() (sdpbody.Body, error)
	CreateAnswer() (sdpbody.Body, error)
	// SetLocalDescription применяет локальное описание и запускает сбор кандидатов
	SetLocalDescription(b sdpbody.Body) error
	SetRemoteDescription(b sdpbody.Body) error
	AddRemoteCandidate(c sdpbody.Candidate) error
	// LocalDescription возвращает текущее локальное описание с собранными кандидатами
	LocalDescription() sdpbody.Body
	Close() error
}

// EventSink получатель событий медиа сессии. Не должен блокироваться.
type EventSink func(Event)

// Event событие медиа сессии
type Event interface {
	media()
}

// ConnectionState состояние медиа соединения
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CandidateEvent найден локальный кандидат
type CandidateEvent struct {
	SessionID string
	Candidate sdpbody.Candidate
}

// GatheringCompleteEvent сбор кандидатов завершён. Body содержит все кандидаты.
type GatheringCompleteEvent struct {
	SessionID string
	Body      sdpbody.Body
}

// ConnectionStateEvent изменилось состояние медиа соединения
type ConnectionStateEvent struct {
	SessionID string
	State     ConnectionState
}

// TrackEvent удалённый трек добавлен или удалён
type TrackEvent struct {
	SessionID string
	Added     bool
	SourceID  string
	Kind      string
}

func (CandidateEvent) media()         {}
func (GatheringCompleteEvent) media() {}
func (ConnectionStateEvent) media()   {}
func (TrackEvent) media()             {}
