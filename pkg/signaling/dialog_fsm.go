package signaling

import (
	"context"

	"github.com/looplab/fsm"
)

// Состояния SIP диалога
const (
	dialogNone       = "none"
	dialogEarly      = "early"
	dialogConfirmed  = "confirmed"
	dialogTerminated = "terminated"
)

// События автомата диалога
const (
	evEarly     = "early"
	evConfirm   = "confirm"
	evTerminate = "terminate"
)

// newDialogFSM создаёт автомат none -> early -> confirmed -> terminated.
// Подтверждение возможно сразу из none (2xx без предварительных ответов).
func newDialogFSM(onChange func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		dialogNone,
		fsm.Events{
			{Name: evEarly, Src: []string{dialogNone}, Dst: dialogEarly},
			{Name: evConfirm, Src: []string{dialogNone, dialogEarly}, Dst: dialogConfirmed},
			{Name: evTerminate, Src: []string{dialogNone, dialogEarly, dialogConfirmed}, Dst: dialogTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(e.Src, e.Dst)
				}
			},
		},
	)
}

// fire выполняет переход, если он допустим. Возвращает true, если состояние изменилось.
func fire(f *fsm.FSM, event string) bool {
	if !f.Can(event) {
		return false
	}
	return f.Event(context.Background(), event) == nil
}
