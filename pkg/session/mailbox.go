package session

import (
	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/signaling"
)

// message сообщение почтового ящика оркестратора
type message interface {
	mailbox()
}

type signalingMsg struct {
	ev signaling.Event
}

type mediaMsg struct {
	id CallID
	ev media.Event
}

type idReply struct {
	id  CallID
	err error
}

type callCmd struct {
	remote string
	reply  chan<- idReply
}

type answerCmd struct {
	id    CallID
	reply chan<- error
}

type rejectCmd struct {
	id    CallID
	reply chan<- error
}

type terminateCmd struct {
	id    CallID
	reply chan<- error
}

type disposeCmd struct {
	id    CallID
	reply chan<- error
}

type registerCmd struct {
	unregister bool
	reply      chan<- error
}

type snapshotCmd struct {
	reply chan<- Snapshot
}

// prefsMsg меняет медиа настройки (apply) или читает их (reply)
type prefsMsg struct {
	apply func(*media.Preferences)
	reply chan<- media.Preferences
}

type captureKind int

const (
	captureAdded captureKind = iota
	captureRemoved
	captureFeedback
)

type captureMsg struct {
	kind     captureKind
	deviceID string
	width    int
	height   int
	fps      float64
}

type closeMsg struct{}

func (signalingMsg) mailbox() {}
func (mediaMsg) mailbox()     {}
func (callCmd) mailbox()      {}
func (answerCmd) mailbox()    {}
func (rejectCmd) mailbox()    {}
func (terminateCmd) mailbox() {}
func (disposeCmd) mailbox()   {}
func (registerCmd) mailbox()  {}
func (snapshotCmd) mailbox()  {}
func (prefsMsg) mailbox()     {}
func (captureMsg) mailbox()   {}
func (closeMsg) mailbox()     {}
