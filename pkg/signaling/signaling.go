// Package signaling описывает транспорт сигнализации вызовов и его SIP реализацию.
//
// Transport создаёт исходящие вызовы, регистрирует клиента и проверяет поддержку
// trickle ICE у удалённой стороны. Все асинхронные результаты (ответы, входящие
// вызовы, тела согласования, фрагменты кандидатов) доставляются через EventSink.
// Sink вызывается из горутин транспорта и не должен блокироваться.
package signaling

import (
	"context"
	"errors"

	"github.com/arzzra/rtcall/pkg/sdpbody"
)

var (
	// ErrTransport ошибка отправки или приёма SIP сообщения
	ErrTransport = errors.New("ошибка SIP транспорта")
	// ErrClosed транспорт закрыт
	ErrClosed = errors.New("транспорт закрыт")
	// ErrDialogState операция недопустима в текущем состоянии диалога
	ErrDialogState = errors.New("недопустимое состояние диалога")
	// ErrInvalidTarget некорректный адрес вызываемой стороны
	ErrInvalidTarget = errors.New("некорректный адрес вызываемой стороны")
	// ErrRegistration регистратор отклонил REGISTER
	ErrRegistration = errors.New("регистрация отклонена")
)

// SIP коды ответов, которыми оперирует оркестратор
const (
	StatusRinging                = 180
	StatusSessionProgress        = 183
	StatusOK                     = 200
	StatusTemporarilyUnavailable = 480
	StatusBusyHere               = 486
	StatusRequestTerminated      = 487
	StatusDecline                = 603
)

// Transport транспорт сигнализации
type Transport interface {
	// Register асинхронно регистрирует клиента, результат - RegistrationEvent
	Register(ctx context.Context) error
	// Unregister асинхронно снимает регистрацию, результат - RegistrationEvent
	Unregister(ctx context.Context) error
	// ProbeTrickle асинхронно проверяет поддержку trickle ICE у remote,
	// результат - TrickleCapabilityEvent с тем же callID
	ProbeTrickle(ctx context.Context, callID, remote string) error
	// Call отправляет INVITE с телом body. trickle добавляет Supported: trickle-ice.
	Call(ctx context.Context, callID, remote string, body sdpbody.Body, trickle bool) (Call, error)
}

// Call дескриптор одного SIP вызова (диалога)
type Call interface {
	// ID возвращает идентификатор вызова (SIP Call-ID)
	ID() string
	// Answer отправляет ответ на входящий INVITE: 180, 183 или 200 с телом
	Answer(ctx context.Context, status int, body sdpbody.Body) error
	// Reject отклоняет входящий INVITE с кодом status
	Reject(ctx context.Context, status int) error
	// Hangup завершает вызов: CANCEL до ответа, BYE после
	Hangup(ctx context.Context) error
	// SendSideChannel отправляет фрагмент кандидатов в SIP INFO
	SendSideChannel(ctx context.Context, frag sdpbody.Fragment) error
	// Renegotiate отправляет итоговое тело: UPDATE в раннем диалоге,
	// re-INVITE в подтверждённом. До появления to-tag отправка откладывается.
	Renegotiate(ctx context.Context, body sdpbody.Body) error
}

// EventSink получатель событий транспорта
type EventSink func(Event)

// Event событие транспорта сигнализации
type Event interface {
	event()
}

// CallState состояние вызова с точки зрения сигнализации
type CallState int

const (
	CallConnecting CallState = iota
	CallRinging
	CallConnected
	CallRejected
	CallIgnored
	CallUserNotAvailable
	CallTerminated
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "connecting"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	case CallRejected:
		return "rejected"
	case CallIgnored:
		return "ignored"
	case CallUserNotAvailable:
		return "user_not_available"
	case CallTerminated:
		return "terminated"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Final true для состояний, после которых вызов не продолжается
func (s CallState) Final() bool {
	return s >= CallRejected
}

// CallStateEvent изменение состояния вызова
type CallStateEvent struct {
	CallID     string
	State      CallState
	StatusCode int
}

// RemoteBodyEvent получено тело согласования удалённой стороны
type RemoteBodyEvent struct {
	CallID string
	Body   sdpbody.Body
}

// SideChannelEvent получен фрагмент кандидатов
type SideChannelEvent struct {
	CallID   string
	Fragment sdpbody.Fragment
}

// TrickleCapabilityEvent результат проверки поддержки trickle ICE
type TrickleCapabilityEvent struct {
	CallID    string
	Supported bool
}

// IncomingCallEvent входящий INVITE
type IncomingCallEvent struct {
	CallID  string
	Remote  string
	Body    sdpbody.Body
	Trickle bool
	Call    Call
}

// RenegotiatedEvent удалённая сторона ответила на итоговое тело
type RenegotiatedEvent struct {
	CallID     string
	Body       sdpbody.Body
	StatusCode int
}

// RegistrationEvent результат регистрации или её снятия
type RegistrationEvent struct {
	Registered bool
	Err        error
}

func (CallStateEvent) event()         {}
func (RemoteBodyEvent) event()        {}
func (SideChannelEvent) event()       {}
func (TrickleCapabilityEvent) event() {}
func (IncomingCallEvent) event()      {}
func (RenegotiatedEvent) event()      {}
func (RegistrationEvent) event()      {}

// StateFromStatus переводит финальный код ответа на INVITE в состояние вызова
func StateFromStatus(code int) CallState {
	switch {
	case code >= 200 && code < 300:
		return CallConnected
	case code == 404, code == 410, code == 480, code == 484:
		return CallUserNotAvailable
	case code == 486, code == 600, code == 603:
		return CallRejected
	case code == 408, code == 487:
		return CallIgnored
	case code >= 300:
		return CallFailed
	case code == 180, code == 183:
		return CallRinging
	default:
		return CallConnecting
	}
}
