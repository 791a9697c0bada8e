package session

import (
	"errors"
	"fmt"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/sdpbody"
	"github.com/arzzra/rtcall/pkg/signaling"
)

// dispatch обрабатывает одно сообщение ящика. Выполняется только в горутине Run.
func (o *Orchestrator) dispatch(msg message) {
	switch m := msg.(type) {
	case signalingMsg:
		o.onSignaling(m.ev)
	case mediaMsg:
		o.onMedia(m.id, m.ev)
	case callCmd:
		c, err := o.newOutgoing(m.remote)
		if err != nil {
			m.reply <- idReply{err: err}
			return
		}
		m.reply <- idReply{id: c.id}
		o.setupOutgoing(c)
	case answerCmd:
		c, err := o.lookupFor(m.id, func(c *Call) bool {
			return c.role == RoleReceiver && c.in(stIncoming)
		})
		m.reply <- err
		if err == nil {
			o.accept(c)
		}
	case rejectCmd:
		c, err := o.lookupFor(m.id, func(c *Call) bool {
			return c.role == RoleReceiver && c.in(stIncoming)
		})
		m.reply <- err
		if err == nil {
			o.terminate(c, ReasonLocalReject, nil)
		}
	case terminateCmd:
		c, ok := o.calls[m.id]
		if !ok {
			m.reply <- ErrUnknownCall
			return
		}
		m.reply <- nil
		o.terminate(c, ReasonLocalHangup, nil)
	case disposeCmd:
		m.reply <- o.dispose(m.id)
	case registerCmd:
		m.reply <- o.register(m.unregister)
	case snapshotCmd:
		m.reply <- o.snapshot()
	case prefsMsg:
		if m.apply != nil {
			m.apply(&o.prefs)
			o.log.Debug().Interface("prefs", o.prefs).Msg("Медиа настройки изменены")
		}
		if m.reply != nil {
			m.reply <- o.prefs
		}
	case captureMsg:
		o.onCapture(m)
	default:
		o.log.Warn().Type("message", msg).Msg("Неизвестное сообщение")
	}
}

// lookupFor находит вызов и проверяет, что команда допустима
func (o *Orchestrator) lookupFor(id CallID, allowed func(*Call) bool) (*Call, error) {
	c, ok := o.calls[id]
	if !ok {
		return nil, ErrUnknownCall
	}
	if !allowed(c) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, c.State())
	}
	return c, nil
}

// advance выполняет переход графа и уведомляет наблюдателя
func (o *Orchestrator) advance(c *Call, event string) bool {
	from := c.State()
	created := c.in(stIdle)
	if !c.fire(event) {
		return false
	}
	if created {
		// Первое состояние вызова, перехода для метрик нет
		o.observer.OnCallStateChanged(c.id, c.State(), c.reason)
		return true
	}
	o.notify(c, from)
	return true
}

func (o *Orchestrator) notify(c *Call, from CallState) {
	to := c.State()
	if from != to {
		o.metrics.transition(from, to)
	}
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Состояние вызова")
	o.observer.OnCallStateChanged(c.id, to, c.reason)
}

func (o *Orchestrator) notifyInit(state InitState, err error) {
	o.initState = state
	o.observer.OnInitStateChanged(state, err)
}

// terminate единственный переход в Terminated. Закрывает медиа, завершает
// или отклоняет сигнальный вызов и очищает буферы. Повторный вызов ничего не делает.
func (o *Orchestrator) terminate(c *Call, reason Reason, cause error) {
	if c.terminated() {
		return
	}
	from := c.State()
	c.reason = reason
	c.endedAt = o.now()
	c.pendingRemote = nil
	c.fire(evTerminate)

	status := 0
	if reason == ReasonLocalReject {
		status = signaling.StatusDecline
	}
	ctx, cancel := o.commandContext()
	closeErr := c.conn.Close(ctx, status)
	cancel()

	if o.active == c {
		o.active = nil
	}

	ev := c.log.Info()
	if cause != nil || closeErr != nil {
		ev = c.log.Warn().
			AnErr("cause", cause).
			AnErr("close_error", closeErr)
		if cause != nil {
			ev = ev.Str("class", Classify(cause).String())
		}
	}
	ev.Str("reason", reason.String()).
		Str("from", from.String()).
		Dur("duration", c.endedAt.Sub(c.createdAt)).
		Msg("Вызов завершён")

	o.notify(c, from)
	o.metrics.callTerminated(reason)

	info := c.Info()
	for _, r := range o.recorders {
		r.RecordCall(info)
	}
}

// checkCompletion сообщает Connected, когда и сигнализация, и медиа
// подтвердили соединение, в любом порядке
func (o *Orchestrator) checkCompletion(c *Call) {
	if !c.signalingConfirmed || !c.mediaConnected {
		return
	}
	if !c.fsm.Can(evConnected) {
		return
	}
	c.connectedAt = o.now()
	if o.advance(c, evConnected) {
		o.metrics.connected(c.connectedAt.Sub(c.createdAt))
		c.log.Info().Dur("setup", c.connectedAt.Sub(c.createdAt)).Bool("trickle", c.trickle).Msg("Вызов установлен")
	}
}

// openMedia создаёт медиа сессию вызова и привязывает её к соединению
func (o *Orchestrator) openMedia(c *Call) (media.Session, error) {
	sess, err := o.engine.NewSession(string(c.id), o.prefs, o.mediaSink(c.id))
	if err != nil {
		return nil, fmt.Errorf("создание медиа сессии: %w", err)
	}
	if err := c.conn.AttachMedia(sess); err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.CreateLocalMedia(o.prefs.Constraints); err != nil {
		return nil, fmt.Errorf("локальные медиа: %w", err)
	}
	return sess, nil
}

func (o *Orchestrator) newOutgoing(remote string) (*Call, error) {
	if remote == "" {
		return nil, ErrInvalidRemote
	}
	if o.active != nil {
		return nil, ErrBusy
	}
	c := newCall(NewCallID(), RoleInitiator, remote, o.now(), o.log)
	o.calls[c.id] = c
	o.active = c
	o.metrics.callStarted(c.role)
	c.log.Info().Str("remote", remote).Msg("Исходящий вызов")
	o.advance(c, evInitiate)
	return c, nil
}

// setupOutgoing создаёт offer и определяет режим trickle. Вызов отправляется
// сразу (trickle) или после окончания сбора кандидатов.
func (o *Orchestrator) setupOutgoing(c *Call) {
	sess, err := o.openMedia(c)
	if err != nil {
		o.terminate(c, ReasonOfferFailed, err)
		return
	}
	offer, err := sess.CreateOffer()
	if err != nil {
		o.terminate(c, ReasonOfferFailed, err)
		return
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		o.terminate(c, ReasonDescriptionFailed, err)
		return
	}
	c.localBody = offer

	if !o.trickle {
		o.decideTrickle(c, false)
		return
	}
	ctx, cancel := o.commandContext()
	defer cancel()
	if err := o.transport.ProbeTrickle(ctx, string(c.id), c.remote); err != nil {
		c.log.Warn().Err(err).Msg("Проверка trickle ICE не отправлена, вызов без trickle")
		o.decideTrickle(c, false)
	}
}

func (o *Orchestrator) decideTrickle(c *Call, supported bool) {
	if !c.decideTrickle(supported && o.trickle) {
		c.log.Debug().Bool("supported", supported).Msg("Режим trickle уже выбран")
		return
	}
	c.log.Debug().Bool("trickle", c.trickle).Msg("Режим trickle выбран")
	if c.role == RoleInitiator {
		o.place(c)
	}
}

// place отправляет INVITE, когда режим trickle выбран, а для обычного
// режима ещё и закончен сбор кандидатов
func (o *Orchestrator) place(c *Call) {
	if c.placed || !c.trickleDecided || c.terminated() {
		return
	}
	if !c.trickle && !c.gathered {
		return
	}

	body, err := o.firstBody(c)
	if err != nil {
		o.terminate(c, ReasonOfferFailed, err)
		return
	}

	ctx, cancel := o.commandContext()
	call, err := o.transport.Call(ctx, string(c.id), c.remote, body, c.trickle)
	cancel()
	if err != nil {
		o.terminate(c, ReasonSignalingFailed, fmt.Errorf("отправка INVITE: %w", err))
		return
	}
	if err := c.conn.AttachCall(call); err != nil {
		o.terminate(c, ReasonSignalingFailed, err)
		return
	}
	c.placed = true
	c.localBody = body
	o.advance(c, evConnecting)
	o.afterFirstBody(c)
}

// accept применяет удалённый offer и создаёт answer
func (o *Orchestrator) accept(c *Call) {
	o.advance(c, evAccept)

	sess, err := o.openMedia(c)
	if err != nil {
		o.terminate(c, ReasonAnswerFailed, err)
		return
	}
	if err := c.conn.ApplyRemote(c.remoteBody); err != nil {
		o.terminate(c, ReasonDescriptionFailed, err)
		return
	}
	answer, err := sess.CreateAnswer()
	if err != nil {
		o.terminate(c, ReasonAnswerFailed, err)
		return
	}
	if err := sess.SetLocalDescription(answer); err != nil {
		o.terminate(c, ReasonDescriptionFailed, err)
		return
	}
	c.localBody = answer
	o.respond(c)
}

// respond отправляет 200 OK: сразу (trickle) или после окончания сбора кандидатов
func (o *Orchestrator) respond(c *Call) {
	if c.answered || c.terminated() {
		return
	}
	if !c.trickle && !c.gathered {
		return
	}

	body, err := o.firstBody(c)
	if err != nil {
		o.terminate(c, ReasonAnswerFailed, err)
		return
	}

	ctx, cancel := o.commandContext()
	err = c.conn.Call().Answer(ctx, signaling.StatusOK, body)
	cancel()
	if err != nil {
		o.terminate(c, ReasonSignalingFailed, fmt.Errorf("отправка 200 OK: %w", err))
		return
	}
	c.answered = true
	c.localBody = body
	o.advance(c, evConnecting)
	o.afterFirstBody(c)
}

// firstBody первое тело согласования: без кандидатов для trickle,
// с полным набором кандидатов иначе
func (o *Orchestrator) firstBody(c *Call) (sdpbody.Body, error) {
	local := c.conn.Media().LocalDescription()
	if local.Empty() {
		local = c.localBody
	}
	if !c.trickle {
		return local, nil
	}
	return sdpbody.StripCandidates(local)
}

// afterFirstBody отправляет или отбрасывает накопленные кандидаты
func (o *Orchestrator) afterFirstBody(c *Call) {
	if !c.trickle {
		if n := c.conn.DropBuffered(); n > 0 {
			c.log.Debug().Int("candidates", n).Msg("Кандидаты уже в теле, буфер очищен")
		}
		return
	}
	if c.gathered {
		o.finishTrickle(c)
		return
	}
	o.flush(c, false)
}

func (o *Orchestrator) flush(c *Call, end bool) bool {
	ctx, cancel := o.commandContext()
	n, err := c.conn.FlushCandidates(ctx, end)
	cancel()
	if err != nil {
		o.terminate(c, ReasonSignalingFailed, err)
		return false
	}
	o.metrics.candidatesSent(n)
	return true
}

// finishTrickle отправляет оставшиеся кандидаты с признаком окончания
// и итоговое тело согласования
func (o *Orchestrator) finishTrickle(c *Call) {
	if c.finalSent || c.terminated() {
		return
	}
	if !o.flush(c, true) {
		return
	}
	ctx, cancel := o.commandContext()
	_, err := c.conn.SendFinalBody(ctx)
	cancel()
	if err != nil {
		o.terminate(c, ReasonSignalingFailed, err)
		return
	}
	c.finalSent = true
	c.log.Debug().Msg("Итоговое тело отправлено")
}

func (o *Orchestrator) onMedia(id CallID, e media.Event) {
	c, ok := o.calls[id]
	if !ok || c.terminated() {
		return
	}

	switch ev := e.(type) {
	case media.CandidateEvent:
		if c.trickleDecided && !c.trickle {
			return
		}
		c.conn.BufferCandidate(ev.Candidate)
		if c.trickleDecided && c.sent() {
			o.flush(c, false)
		}
	case media.GatheringCompleteEvent:
		c.gathered = true
		c.log.Debug().Msg("Сбор кандидатов завершён")
		switch {
		case !c.trickleDecided:
		case c.trickle && c.sent():
			o.finishTrickle(c)
		case c.trickle:
		case c.role == RoleInitiator:
			o.place(c)
		case c.in(stAccepting):
			o.respond(c)
		}
	case media.ConnectionStateEvent:
		o.onMediaState(c, ev.State)
	case media.TrackEvent:
		if ev.Added {
			o.observer.OnSourceAdded(c.id, ev.SourceID, ev.Kind)
		} else {
			o.observer.OnSourceRemoved(c.id, ev.SourceID, ev.Kind)
		}
	}
}

func (o *Orchestrator) onMediaState(c *Call, state media.ConnectionState) {
	c.log.Debug().Str("media", state.String()).Msg("Состояние медиа соединения")
	switch state {
	case media.StateConnected:
		if c.reconnecting {
			from := c.State()
			c.reconnecting = false
			o.notify(c, from)
			return
		}
		c.mediaConnected = true
		o.checkCompletion(c)
	case media.StateDisconnected:
		if c.in(stConnected) && !c.reconnecting {
			from := c.State()
			c.reconnecting = true
			o.notify(c, from)
		}
	case media.StateFailed:
		o.terminate(c, ReasonMediaFailed, media.ErrNegotiation)
	case media.StateClosed:
		o.terminate(c, ReasonMediaFailed, media.ErrClosed)
	}
}

func (o *Orchestrator) onSignaling(e signaling.Event) {
	switch ev := e.(type) {
	case signaling.IncomingCallEvent:
		o.onIncoming(ev)
		return
	case signaling.RegistrationEvent:
		o.onRegistration(ev)
		return
	}

	id, ok := signalingCallID(e)
	if !ok {
		o.log.Warn().Type("event", e).Msg("Неизвестное событие сигнализации")
		return
	}
	c, ok := o.calls[id]
	if !ok || c.terminated() {
		o.log.Debug().Str(logging.FieldCallID, string(id)).Type("event", e).Msg("Событие для неизвестного или завершённого вызова")
		return
	}

	switch ev := e.(type) {
	case signaling.CallStateEvent:
		o.onCallState(c, ev)
	case signaling.RemoteBodyEvent:
		o.onRemoteBody(c, ev.Body)
	case signaling.SideChannelEvent:
		added, queued := c.conn.AddRemoteCandidates(ev.Fragment.Candidates)
		c.log.Debug().Int("added", added).Int("queued", queued).Bool("end", ev.Fragment.End).Msg("Удалённые кандидаты")
	case signaling.TrickleCapabilityEvent:
		if c.role == RoleInitiator {
			o.decideTrickle(c, ev.Supported)
		}
	case signaling.RenegotiatedEvent:
		o.onRenegotiated(c, ev)
	}
}

func signalingCallID(e signaling.Event) (CallID, bool) {
	switch ev := e.(type) {
	case signaling.CallStateEvent:
		return CallID(ev.CallID), true
	case signaling.RemoteBodyEvent:
		return CallID(ev.CallID), true
	case signaling.SideChannelEvent:
		return CallID(ev.CallID), true
	case signaling.TrickleCapabilityEvent:
		return CallID(ev.CallID), true
	case signaling.RenegotiatedEvent:
		return CallID(ev.CallID), true
	default:
		return "", false
	}
}

func (o *Orchestrator) onCallState(c *Call, ev signaling.CallStateEvent) {
	switch {
	case ev.State == signaling.CallRinging:
		o.advance(c, evRing)
	case ev.State == signaling.CallConnected:
		c.signalingConfirmed = true
		o.checkCompletion(c)
	case ev.State.Final():
		o.terminate(c, reasonFromSignaling(ev), fmt.Errorf("%w: %s (%d)", signaling.ErrTransport, ev.State, ev.StatusCode))
	}
}

// onRemoteBody применяет удалённое описание ровно один раз. В режиме trickle
// answer, пришедший до подтверждения итогового тела, откладывается. Тела,
// пришедшие после отложенного или применённого answer, дают только кандидаты.
func (o *Orchestrator) onRemoteBody(c *Call, body sdpbody.Body) {
	if body.Empty() {
		return
	}
	switch {
	case c.conn.RemoteApplied():
		o.remoteBodyCandidates(c, body, "Повторное удалённое тело проигнорировано, кандидаты учтены")
	case c.role == RoleReceiver:
		// Offer применяется при Answer, берётся самое свежее тело вызывающей стороны
		body.Kind = sdpbody.KindOffer
		c.remoteBody = body
		c.log.Debug().Msg("Удалённый offer обновлён до ответа")
	case c.pendingRemote != nil:
		o.remoteBodyCandidates(c, body, "Answer уже отложен, из нового тела взяты кандидаты")
	case c.trickle && !c.renegotiated:
		// Для вызывающей стороны любое удалённое тело отвечает на её offer
		body.Kind = sdpbody.KindAnswer
		c.pendingRemote = &body
		c.log.Debug().Msg("Удалённый answer отложен до подтверждения итогового тела")
	default:
		body.Kind = sdpbody.KindAnswer
		o.applyRemote(c, body)
	}
}

// remoteBodyCandidates передаёт кандидаты тела в очередь удалённых кандидатов
func (o *Orchestrator) remoteBodyCandidates(c *Call, body sdpbody.Body, msg string) {
	cands, err := sdpbody.ExtractCandidates(body)
	if err != nil {
		c.log.Debug().Err(err).Msg("Кандидаты удалённого тела не разобраны")
		return
	}
	added, queued := c.conn.AddRemoteCandidates(cands)
	c.log.Debug().Int("added", added).Int("queued", queued).Msg(msg)
}

func (o *Orchestrator) applyRemote(c *Call, body sdpbody.Body) {
	if err := c.conn.ApplyRemote(body); err != nil {
		o.terminate(c, ReasonDescriptionFailed, err)
		return
	}
	c.remoteBody = body
	c.log.Debug().Msg("Удалённое описание применено")
}

func (o *Orchestrator) onRenegotiated(c *Call, ev signaling.RenegotiatedEvent) {
	c.renegotiated = true
	if ev.StatusCode >= 300 {
		c.log.Warn().Int("status", ev.StatusCode).Msg("Итоговое тело отклонено, применяется полученный answer")
	}
	if c.conn.RemoteApplied() {
		return
	}
	if c.pendingRemote != nil {
		body := *c.pendingRemote
		c.pendingRemote = nil
		o.applyRemote(c, body)
		return
	}
	if !ev.Body.Empty() {
		o.applyRemote(c, ev.Body)
	}
}

// onIncoming регистрирует входящий вызов. При активном вызове отвечает 486.
func (o *Orchestrator) onIncoming(ev signaling.IncomingCallEvent) {
	id := CallID(ev.CallID)
	if _, exists := o.calls[id]; exists {
		o.log.Debug().Str(logging.FieldCallID, ev.CallID).Msg("Повтор входящего вызова")
		return
	}
	if o.active != nil {
		o.log.Info().Str(logging.FieldCallID, ev.CallID).Str("remote", ev.Remote).Msg("Входящий вызов отклонён: занято")
		ctx, cancel := o.commandContext()
		if err := ev.Call.Reject(ctx, signaling.StatusBusyHere); err != nil {
			o.log.Warn().Err(err).Str(logging.FieldCallID, ev.CallID).Msg("Не удалось отклонить вызов")
		}
		cancel()
		return
	}

	c := newCall(id, RoleReceiver, ev.Remote, o.now(), o.log)
	c.remoteBody = ev.Body
	c.decideTrickle(ev.Trickle && o.trickle)
	if err := c.conn.AttachCall(ev.Call); err != nil {
		o.log.Error().Err(err).Str(logging.FieldCallID, ev.CallID).Msg("Входящий вызов не привязан")
		return
	}
	o.calls[id] = c
	o.active = c
	o.metrics.callStarted(c.role)
	c.log.Info().Str("remote", ev.Remote).Bool("trickle", c.trickle).Msg("Входящий вызов")
	o.advance(c, evIncoming)

	ctx, cancel := o.commandContext()
	defer cancel()
	if err := ev.Call.Answer(ctx, signaling.StatusRinging, sdpbody.Body{}); err != nil {
		c.log.Warn().Err(err).Msg("Не удалось отправить 180 Ringing")
	}
}

func (o *Orchestrator) register(unregister bool) error {
	ctx, cancel := o.commandContext()
	defer cancel()
	if unregister {
		if err := o.transport.Unregister(ctx); err != nil {
			o.log.Warn().Err(err).Msg("Снятие регистрации не отправлено")
			return registrationError(err)
		}
		return nil
	}
	o.notifyInit(InitRegistering, nil)
	if err := o.transport.Register(ctx); err != nil {
		o.log.Warn().Err(err).Str("class", Classify(err).String()).Msg("Регистрация не отправлена")
		o.registrationFailed(err)
		return registrationError(err)
	}
	return nil
}

// registrationError переводит ошибку транспорта в ошибку оркестратора.
// Ошибки конфигурации возвращаются как есть, они перечисляют поля.
func registrationError(err error) error {
	if errors.Is(err, config.ErrInvalidConfig) {
		return err
	}
	return ErrRegistrationFailed
}

func (o *Orchestrator) onRegistration(ev signaling.RegistrationEvent) {
	switch {
	case ev.Err != nil:
		o.log.Warn().Err(ev.Err).Msg("Регистрация не удалась")
		o.registrationFailed(ev.Err)
	case ev.Registered:
		o.log.Info().Msg("Клиент зарегистрирован")
		o.notifyInit(InitRegistered, nil)
	default:
		o.log.Info().Msg("Регистрация снята")
		o.notifyInit(InitUnregistered, nil)
	}
}

// registrationFailed сообщает о неудачной регистрации и завершает активный вызов
func (o *Orchestrator) registrationFailed(err error) {
	o.notifyInit(InitRegistrationFailed, err)
	if o.active != nil {
		o.terminate(o.active, ReasonRegistrationFailed, err)
	}
}

func (o *Orchestrator) dispose(id CallID) error {
	c, ok := o.calls[id]
	if !ok {
		return ErrUnknownCall
	}
	if !c.terminated() {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.State())
	}
	delete(o.calls, id)
	return nil
}

func (o *Orchestrator) snapshot() Snapshot {
	snap := Snapshot{Init: o.initState, Calls: make([]CallInfo, 0, len(o.calls))}
	for _, c := range o.calls {
		snap.Calls = append(snap.Calls, c.Info())
	}
	return snap
}

func (o *Orchestrator) onCapture(m captureMsg) {
	switch m.kind {
	case captureAdded:
		o.observer.OnCaptureAdded(m.deviceID)
	case captureRemoved:
		o.observer.OnCaptureRemoved(m.deviceID)
	case captureFeedback:
		o.observer.OnCaptureFeedback(m.width, m.height, m.fps)
	}
}
