package session

import "sync"

// Observer получатель уведомлений оркестратора. Методы вызываются из горутины
// оркестратора и не должны блокироваться. Синхронные команды оркестратора
// (Call, Answer, Snapshot...) из них вызывать нельзя, только из другой горутины.
type Observer interface {
	OnInitStateChanged(state InitState, err error)
	OnCallStateChanged(id CallID, state CallState, reason Reason)
	OnSourceAdded(id CallID, sourceID, kind string)
	OnSourceRemoved(id CallID, sourceID, kind string)
	OnCaptureAdded(deviceID string)
	OnCaptureRemoved(deviceID string)
	OnCaptureFeedback(width, height int, fps float64)
}

// ObserverFuncs адаптер Observer из замыканий. Незаданные поля игнорируются.
type ObserverFuncs struct {
	InitStateChanged func(InitState, error)
	CallStateChanged func(CallID, CallState, Reason)
	SourceAdded      func(CallID, string, string)
	SourceRemoved    func(CallID, string, string)
	CaptureAdded     func(string)
	CaptureRemoved   func(string)
	CaptureFeedback  func(int, int, float64)
}

var _ Observer = ObserverFuncs{}

func (f ObserverFuncs) OnInitStateChanged(state InitState, err error) {
	if f.InitStateChanged != nil {
		f.InitStateChanged(state, err)
	}
}

func (f ObserverFuncs) OnCallStateChanged(id CallID, state CallState, reason Reason) {
	if f.CallStateChanged != nil {
		f.CallStateChanged(id, state, reason)
	}
}

func (f ObserverFuncs) OnSourceAdded(id CallID, sourceID, kind string) {
	if f.SourceAdded != nil {
		f.SourceAdded(id, sourceID, kind)
	}
}

func (f ObserverFuncs) OnSourceRemoved(id CallID, sourceID, kind string) {
	if f.SourceRemoved != nil {
		f.SourceRemoved(id, sourceID, kind)
	}
}

func (f ObserverFuncs) OnCaptureAdded(deviceID string) {
	if f.CaptureAdded != nil {
		f.CaptureAdded(deviceID)
	}
}

func (f ObserverFuncs) OnCaptureRemoved(deviceID string) {
	if f.CaptureRemoved != nil {
		f.CaptureRemoved(deviceID)
	}
}

func (f ObserverFuncs) OnCaptureFeedback(width, height int, fps float64) {
	if f.CaptureFeedback != nil {
		f.CaptureFeedback(width, height, fps)
	}
}

// Observers рассылает уведомления нескольким наблюдателям по порядку
type Observers []Observer

var _ Observer = Observers(nil)

func (o Observers) OnInitStateChanged(state InitState, err error) {
	for _, obs := range o {
		obs.OnInitStateChanged(state, err)
	}
}

func (o Observers) OnCallStateChanged(id CallID, state CallState, reason Reason) {
	for _, obs := range o {
		obs.OnCallStateChanged(id, state, reason)
	}
}

func (o Observers) OnSourceAdded(id CallID, sourceID, kind string) {
	for _, obs := range o {
		obs.OnSourceAdded(id, sourceID, kind)
	}
}

func (o Observers) OnSourceRemoved(id CallID, sourceID, kind string) {
	for _, obs := range o {
		obs.OnSourceRemoved(id, sourceID, kind)
	}
}

func (o Observers) OnCaptureAdded(deviceID string) {
	for _, obs := range o {
		obs.OnCaptureAdded(deviceID)
	}
}

func (o Observers) OnCaptureRemoved(deviceID string) {
	for _, obs := range o {
		obs.OnCaptureRemoved(deviceID)
	}
}

func (o Observers) OnCaptureFeedback(width, height int, fps float64) {
	for _, obs := range o {
		obs.OnCaptureFeedback(width, height, fps)
	}
}

// GuardedObserver защищает наблюдателя приложения от вызовов после Release.
// Флаг жизни проверяется под мьютексом непосредственно перед каждым вызовом,
// мьютекс удерживается на время вызова, поэтому после возврата из Release
// ни один колбэк уже не выполняется и не начнётся.
type GuardedObserver struct {
	mu    sync.Mutex
	inner Observer
	alive bool
}

// NewGuardedObserver оборачивает наблюдателя
func NewGuardedObserver(inner Observer) *GuardedObserver {
	return &GuardedObserver{inner: inner, alive: inner != nil}
}

// Release отключает наблюдателя. Повторный вызов безопасен.
func (g *GuardedObserver) Release() {
	g.mu.Lock()
	g.alive = false
	g.inner = nil
	g.mu.Unlock()
}

// Alive true до вызова Release
func (g *GuardedObserver) Alive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alive
}

func (g *GuardedObserver) with(fn func(Observer)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.alive {
		return
	}
	fn(g.inner)
}

func (g *GuardedObserver) OnInitStateChanged(state InitState, err error) {
	g.with(func(o Observer) { o.OnInitStateChanged(state, err) })
}

func (g *GuardedObserver) OnCallStateChanged(id CallID, state CallState, reason Reason) {
	g.with(func(o Observer) { o.OnCallStateChanged(id, state, reason) })
}

func (g *GuardedObserver) OnSourceAdded(id CallID, sourceID, kind string) {
	g.with(func(o Observer) { o.OnSourceAdded(id, sourceID, kind) })
}

func (g *GuardedObserver) OnSourceRemoved(id CallID, sourceID, kind string) {
	g.with(func(o Observer) { o.OnSourceRemoved(id, sourceID, kind) })
}

func (g *GuardedObserver) OnCaptureAdded(deviceID string) {
	g.with(func(o Observer) { o.OnCaptureAdded(deviceID) })
}

func (g *GuardedObserver) OnCaptureRemoved(deviceID string) {
	g.with(func(o Observer) { o.OnCaptureRemoved(deviceID) })
}

func (g *GuardedObserver) OnCaptureFeedback(width, height int, fps float64) {
	g.with(func(o Observer) { o.OnCaptureFeedback(width, height, fps) })
}
