package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/arzzra/rtcall/pkg/session"
)

func TestObserversReleaseDetachesHub(t *testing.T) {
	var calls int
	hub := session.ObserverFuncs{
		CallStateChanged: func(session.CallID, session.CallState, session.Reason) { calls++ },
	}
	var buf bytes.Buffer
	observer, guard := observers(hub, zerolog.New(&buf))

	observer.OnCallStateChanged("c1", session.CallConnecting, session.ReasonNone)
	assert.Equal(t, 1, calls)
	assert.True(t, guard.Alive())

	guard.Release()
	buf.Reset()
	observer.OnCallStateChanged("c1", session.CallTerminated, session.ReasonLocalHangup)
	assert.Equal(t, 1, calls)
	assert.False(t, guard.Alive())
	assert.Contains(t, buf.String(), "c1")
}
