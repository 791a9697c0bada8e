package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestObserverFuncsNilSafe(t *testing.T) {
	var obs Observer = ObserverFuncs{}
	assert.NotPanics(t, func() {
		obs.OnInitStateChanged(InitRegistered, nil)
		obs.OnCallStateChanged("c1", CallConnected, ReasonNone)
		obs.OnSourceAdded("c1", "s", "audio")
		obs.OnSourceRemoved("c1", "s", "audio")
		obs.OnCaptureAdded("cam")
		obs.OnCaptureRemoved("cam")
		obs.OnCaptureFeedback(640, 480, 30)
	})
}

func TestObserversFanOut(t *testing.T) {
	var a, b []CallState
	obs := Observers{
		ObserverFuncs{CallStateChanged: func(_ CallID, s CallState, _ Reason) { a = append(a, s) }},
		ObserverFuncs{CallStateChanged: func(_ CallID, s CallState, _ Reason) { b = append(b, s) }},
	}
	obs.OnCallStateChanged("c1", CallRinging, ReasonNone)
	assert.Equal(t, []CallState{CallRinging}, a)
	assert.Equal(t, a, b)
}

func TestGuardedObserverRelease(t *testing.T) {
	var calls atomic.Int32
	g := NewGuardedObserver(ObserverFuncs{
		CallStateChanged: func(CallID, CallState, Reason) { calls.Add(1) },
	})
	assert.True(t, g.Alive())

	g.OnCallStateChanged("c1", CallConnecting, ReasonNone)
	g.Release()
	g.Release()
	g.OnCallStateChanged("c1", CallTerminated, ReasonLocalHangup)

	assert.False(t, g.Alive())
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuardedObserverNoCallbackAfterRelease(t *testing.T) {
	var released atomic.Bool
	var late atomic.Int32
	g := NewGuardedObserver(ObserverFuncs{
		CaptureFeedback: func(int, int, float64) {
			if released.Load() {
				late.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g.OnCaptureFeedback(1, 1, 1)
			}
		}()
	}
	g.Release()
	released.Store(true)
	wg.Wait()

	assert.Zero(t, late.Load(), "после возврата Release колбэки не выполняются")
}

func TestGuardedObserverNil(t *testing.T) {
	g := NewGuardedObserver(nil)
	assert.False(t, g.Alive())
	assert.NotPanics(t, func() { g.OnInitStateChanged(InitIdle, nil) })
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "initiating_call", CallInitiating.String())
	assert.Equal(t, "reconnecting", CallReconnecting.String())
	assert.Equal(t, "user_not_available", ReasonUserNotAvailable.String())
	assert.Equal(t, "registration_failed", InitRegistrationFailed.String())
	assert.Equal(t, "receiver", RoleReceiver.String())

	text, err := ReasonBusy.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "busy", string(text))
}

func TestCallGraph(t *testing.T) {
	c := newCall("c1", RoleInitiator, "bob", time.Time{}, zerolog.Nop())
	assert.False(t, c.fire(evConnected), "переход назад или через состояние запрещён")
	assert.True(t, c.fire(evInitiate))
	assert.False(t, c.fire(evAccept))
	assert.True(t, c.fire(evConnecting))
	assert.True(t, c.fire(evRing))
	assert.True(t, c.fire(evConnected))
	assert.False(t, c.fire(evRing))

	c.reconnecting = true
	assert.Equal(t, CallReconnecting, c.State())

	assert.True(t, c.fire(evTerminate))
	assert.False(t, c.fire(evTerminate))
	assert.True(t, c.terminated())
}

func TestDecideTrickleOnce(t *testing.T) {
	c := newCall("c1", RoleReceiver, "bob", time.Time{}, zerolog.Nop())
	assert.True(t, c.decideTrickle(true))
	assert.False(t, c.decideTrickle(false))
	assert.True(t, c.trickle)
}
