package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/signaling"
)

var (
	// ErrClosed оркестратор остановлен
	ErrClosed = errors.New("оркестратор остановлен")
	// ErrBusy уже есть активный вызов
	ErrBusy = errors.New("уже есть активный вызов")
	// ErrUnknownCall вызов не найден
	ErrUnknownCall = errors.New("вызов не найден")
	// ErrInvalidState команда недопустима в текущем состоянии вызова
	ErrInvalidState = errors.New("недопустимое состояние вызова")
	// ErrInvalidRemote пустой адрес вызываемой стороны
	ErrInvalidRemote = errors.New("не указан адрес вызываемой стороны")
	// ErrRegistrationFailed запрос регистрации не отправлен. Причина
	// передаётся в OnInitStateChanged и в журнал.
	ErrRegistrationFailed = errors.New("регистрация не удалась")
)

// CallID идентификатор вызова (совпадает с SIP Call-ID)
type CallID string

// NewCallID создаёт новый идентификатор вызова
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

func (id CallID) String() string {
	return string(id)
}

// Role роль стороны в вызове
type Role int

const (
	RoleInitiator Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "initiator"
}

// CallState состояние вызова, сообщаемое наблюдателю
type CallState int

const (
	CallInitiating CallState = iota
	CallIncoming
	CallAccepting
	CallConnecting
	CallRinging
	CallConnected
	// CallReconnecting медиа соединение временно потеряно
	CallReconnecting
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallInitiating:
		return "initiating_call"
	case CallIncoming:
		return "incoming_call"
	case CallAccepting:
		return "accepting"
	case CallConnecting:
		return "connecting"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	case CallReconnecting:
		return "reconnecting"
	case CallTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason причина завершения вызова
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLocalHangup
	ReasonLocalReject
	ReasonRemoteHangup
	ReasonRejected
	ReasonBusy
	ReasonIgnored
	ReasonUserNotAvailable
	ReasonOfferFailed
	ReasonAnswerFailed
	ReasonDescriptionFailed
	ReasonMediaFailed
	ReasonSignalingFailed
	ReasonRegistrationFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalHangup:
		return "local_hangup"
	case ReasonLocalReject:
		return "local_reject"
	case ReasonRemoteHangup:
		return "remote_hangup"
	case ReasonRejected:
		return "rejected"
	case ReasonBusy:
		return "busy"
	case ReasonIgnored:
		return "ignored"
	case ReasonUserNotAvailable:
		return "user_not_available"
	case ReasonOfferFailed:
		return "offer_failed"
	case ReasonAnswerFailed:
		return "answer_failed"
	case ReasonDescriptionFailed:
		return "description_failed"
	case ReasonMediaFailed:
		return "media_failed"
	case ReasonSignalingFailed:
		return "signaling_failed"
	case ReasonRegistrationFailed:
		return "registration_failed"
	default:
		return "unknown"
	}
}

// reasonFromSignaling переводит финальное состояние сигнального вызова в причину
func reasonFromSignaling(e signaling.CallStateEvent) Reason {
	switch e.State {
	case signaling.CallRejected:
		if e.StatusCode == signaling.StatusBusyHere || e.StatusCode == 600 {
			return ReasonBusy
		}
		return ReasonRejected
	case signaling.CallIgnored:
		return ReasonIgnored
	case signaling.CallUserNotAvailable:
		return ReasonUserNotAvailable
	case signaling.CallTerminated:
		return ReasonRemoteHangup
	default:
		return ReasonSignalingFailed
	}
}

// InitState состояние регистрации клиента
type InitState int

const (
	InitIdle InitState = iota
	InitRegistering
	InitRegistered
	InitUnregistered
	InitRegistrationFailed
)

func (s InitState) String() string {
	switch s {
	case InitIdle:
		return "idle"
	case InitRegistering:
		return "registering"
	case InitRegistered:
		return "registered"
	case InitUnregistered:
		return "unregistered"
	case InitRegistrationFailed:
		return "registration_failed"
	default:
		return "unknown"
	}
}

// Class класс ошибки с точки зрения оркестратора
type Class int

const (
	// ClassTerminal вызов не может продолжаться
	ClassTerminal Class = iota
	// ClassRetryable операцию можно повторить командой приложения
	ClassRetryable
	// ClassTransient состояние может восстановиться само
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassTransient:
		return "transient"
	default:
		return "terminal"
	}
}

// Classify относит ошибку подсистемы к классу. Ошибки конфигурации и
// регистрации повторяемы, сетевые ошибки и таймауты временные, остальные
// (в том числе ошибки согласования медиа) терминальны.
func Classify(err error) Class {
	switch {
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, signaling.ErrRegistration),
		errors.Is(err, ErrRegistrationFailed),
		errors.Is(err, ErrBusy):
		return ClassRetryable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, signaling.ErrTransport):
		return ClassTransient
	default:
		return ClassTerminal
	}
}

func (r Role) MarshalText() ([]byte, error)      { return []byte(r.String()), nil }
func (s CallState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (r Reason) MarshalText() ([]byte, error)    { return []byte(r.String()), nil }
func (s InitState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
