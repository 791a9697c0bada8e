package signaling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/sdpbody"
)

const (
	jobQueueSize = 128
	// retryAfterSeconds задержка повтора UPDATE, пришедшего до ответа на INVITE
	retryAfterSeconds = 1
)

// sipCall SIP диалог одного вызова. Реализует Call.
//
// Запросы внутри диалога (INFO, UPDATE, re-INVITE, BYE, CANCEL) выполняются
// по очереди в горутине диалога, поэтому методы Call не блокируются на сети
// и фрагменты кандидатов уходят в порядке поступления.
type sipCall struct {
	t   *SIPTransport
	id  string
	uac bool
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func()

	mu           sync.Mutex
	state        *fsm.FSM
	localTag     string
	remoteTag    string
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	localSeq     uint32
	invite       *sip.Request
	inviteTx     responder
	trickle      bool

	// finalSent - UAS отправил финальный ответ на INVITE
	finalSent bool
	// accepted - финальный ответ UAS был 2xx
	accepted bool
	// finalRecv - UAC получил финальный ответ на INVITE
	finalRecv bool
	// remoteBodySeen - первое тело удалённой стороны уже доставлено
	remoteBodySeen bool
	connected      bool
	// hungup - вызов завершён локально, события больше не доставляются
	hungup bool
	// ended - терминальное событие уже доставлено
	ended bool

	localBody    sdpbody.Body
	pendingBody  *sdpbody.Body
	pendingFrags []sdpbody.Fragment
}

var _ Call = (*sipCall)(nil)

func newSIPCall(t *SIPTransport, id string, uac bool) *sipCall {
	ctx, cancel := context.WithCancel(context.Background())
	c := &sipCall{
		t:      t,
		id:     id,
		uac:    uac,
		log:    t.log.With().Str(logging.FieldCallID, id).Bool("uac", uac).Logger(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan func(), jobQueueSize),
	}
	c.state = newDialogFSM(func(from, to string) {
		c.log.Debug().Str("from", from).Str("to", to).Msg("Изменение состояния диалога")
	})
	return c
}

// start запускает горутину запросов диалога. Вызывается после регистрации
// диалога в транспорте.
func (c *sipCall) start() {
	go c.loop()
}

// newIncomingCall создаёт UAS диалог по входящему INVITE
func newIncomingCall(t *SIPTransport, req *sip.Request, tx responder) (*sipCall, error) {
	from, to := req.From(), req.To()
	if from == nil || to == nil {
		return nil, fmt.Errorf("нет заголовков From/To")
	}
	remoteTag, _ := from.Params.Get("tag")
	if remoteTag == "" {
		return nil, fmt.Errorf("нет тега From")
	}

	c := newSIPCall(t, req.CallID().Value(), false)
	c.invite = req
	c.inviteTx = tx
	c.remoteURI = from.Address
	c.remoteTag = remoteTag
	c.localURI = to.Address
	c.localTag = newTag()
	c.remoteTarget = from.Address
	if uri, ok := headerURI(req.GetHeader("Contact")); ok {
		c.remoteTarget = uri
	}
	for _, rr := range req.GetHeaders("Record-Route") {
		if uri, ok := headerURI(rr); ok {
			c.routeSet = append(c.routeSet, uri)
		}
	}
	c.trickle = t.trickle && hasOption(req, "Supported", optionTrickle)
	return c, nil
}

func (c *sipCall) ID() string {
	return c.id
}

// State возвращает состояние диалога (none, early, confirmed, terminated)
func (c *sipCall) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current()
}

func (c *sipCall) loop() {
	for {
		select {
		case job := <-c.jobs:
			job()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *sipCall) enqueue(job func()) {
	if c.ctx.Err() != nil {
		c.log.Debug().Msg("Диалог завершён, запрос не отправлен")
		return
	}
	select {
	case c.jobs <- job:
	default:
		c.log.Warn().Msg("Очередь запросов диалога переполнена")
		go job()
	}
}

// stop прерывает все запросы диалога без отправки сообщений
func (c *sipCall) stop() {
	c.cancel()
}

// finish переводит диалог в terminated и удаляет его из транспорта
func (c *sipCall) finish() {
	c.mu.Lock()
	fire(c.state, evTerminate)
	c.mu.Unlock()
	c.t.remove(c.id)
	c.cancel()
}

func (c *sipCall) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.t.cfg.RequestTimeout)
}

// dialogReady true, когда теги обеих сторон известны и запросы в диалоге возможны
func (c *sipCall) dialogReady() bool {
	switch c.state.Current() {
	case dialogEarly, dialogConfirmed:
		return true
	}
	return false
}

// --- UAC ---

func (c *sipCall) buildInvite(body sdpbody.Body) *sip.Request {
	c.localSeq = 1
	req := c.t.newOutOfDialogRequest(sip.INVITE, c.remoteTarget, c.id, c.localSeq, c.localTag)
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	if c.trickle {
		req.AppendHeader(sip.NewHeader("Supported", optionTrickle))
	}
	req.AppendHeader(sip.NewHeader("Content-Type", sdpbody.ContentType))
	req.SetBody(body.Bytes())
	c.invite = req
	return req
}

// runInvite отправляет INVITE и обрабатывает ответы до финального
func (c *sipCall) runInvite(req *sip.Request) {
	c.t.emit(CallStateEvent{CallID: c.id, State: CallConnecting})

	res, err := c.t.send.Request(c.ctx, req, c.onProvisional)
	if err != nil {
		c.log.Warn().Err(err).Msg("INVITE завершился без финального ответа")
		c.endWith(CallFailed, 0)
		return
	}
	c.onFinal(res)
}

func (c *sipCall) onProvisional(res *sip.Response) {
	c.mu.Lock()
	if c.hungup || c.ended {
		c.mu.Unlock()
		return
	}
	c.learnRemote(res)
	if c.remoteTag != "" {
		fire(c.state, evEarly)
	}

	var events []Event
	if res.StatusCode == StatusRinging || res.StatusCode == StatusSessionProgress {
		events = append(events, CallStateEvent{CallID: c.id, State: CallRinging, StatusCode: res.StatusCode})
	}
	if body := sdpbody.New(sdpbody.KindAnswer, res.Body()); !body.Empty() && !c.remoteBodySeen {
		c.remoteBodySeen = true
		events = append(events, RemoteBodyEvent{CallID: c.id, Body: body})
	}
	c.mu.Unlock()

	c.log.Debug().Int("status", res.StatusCode).Msg("Предварительный ответ на INVITE")
	for _, e := range events {
		c.t.emit(e)
	}
	c.flushPending()
}

func (c *sipCall) onFinal(res *sip.Response) {
	if res.StatusCode >= 300 {
		c.log.Info().Int("status", res.StatusCode).Str("reason", res.Reason).Msg("INVITE отклонён")
		c.endWith(StateFromStatus(res.StatusCode), res.StatusCode)
		return
	}

	c.mu.Lock()
	c.finalRecv = true
	c.learnRemote(res)
	c.routeSet = c.routeSet[:0]
	rr := res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		if uri, ok := headerURI(rr[i]); ok {
			c.routeSet = append(c.routeSet, uri)
		}
	}
	ack := c.buildAck(c.invite, res)
	hungup := c.hungup
	c.mu.Unlock()

	if err := c.t.send.Write(ack); err != nil {
		c.log.Error().Err(err).Msg("Не удалось отправить ACK")
	}

	if hungup {
		// 2xx пришёл после CANCEL: диалог установлен, его нужно закрыть BYE
		c.sendBye()
		c.finish()
		return
	}

	c.mu.Lock()
	fire(c.state, evConfirm)
	c.connected = true
	body := sdpbody.New(sdpbody.KindAnswer, res.Body())
	first := !body.Empty() && !c.remoteBodySeen
	if first {
		c.remoteBodySeen = true
	}
	c.mu.Unlock()

	c.log.Info().Int("status", res.StatusCode).Msg("Вызов принят")
	if first {
		c.t.emit(RemoteBodyEvent{CallID: c.id, Body: body})
	}
	c.t.emit(CallStateEvent{CallID: c.id, State: CallConnected, StatusCode: res.StatusCode})
	c.flushPending()
}

// learnRemote запоминает to-tag и Contact из ответа. Вызывается под c.mu.
func (c *sipCall) learnRemote(res *sip.Response) {
	if tag := toTag(res); tag != "" && c.remoteTag == "" {
		c.remoteTag = tag
	}
	if uri, ok := headerURI(res.GetHeader("Contact")); ok {
		c.remoteTarget = uri
	}
}

// endWith завершает диалог и доставляет терминальное событие, если вызов
// не был завершён локально
func (c *sipCall) endWith(state CallState, code int) {
	c.mu.Lock()
	suppress := c.hungup || c.ended
	c.ended = true
	c.mu.Unlock()

	c.finish()
	if !suppress {
		c.t.emit(CallStateEvent{CallID: c.id, State: state, StatusCode: code})
	}
}

// --- UAS ---

// Answer отправляет ответ на входящий INVITE
func (c *sipCall) Answer(_ context.Context, status int, body sdpbody.Body) error {
	if c.uac {
		return fmt.Errorf("%w: ответ возможен только на входящий вызов", ErrDialogState)
	}
	if status < 101 || status >= 300 {
		return fmt.Errorf("%w: недопустимый код ответа %d", ErrDialogState, status)
	}

	c.mu.Lock()
	if c.finalSent || c.ended || c.hungup {
		c.mu.Unlock()
		return fmt.Errorf("%w: финальный ответ уже отправлен", ErrDialogState)
	}
	res := c.buildResponse(status, body)
	if status >= 200 {
		c.finalSent = true
		c.accepted = true
		c.localBody = body
	}
	fire(c.state, evEarly)
	tx := c.inviteTx
	c.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("%w: ответ %d: %v", ErrTransport, status, err)
	}
	c.log.Debug().Int("status", status).Bool("body", !body.Empty()).Msg("Ответ на INVITE отправлен")
	c.flushPending()
	return nil
}

// Reject отклоняет входящий INVITE
func (c *sipCall) Reject(_ context.Context, status int) error {
	if c.uac {
		return fmt.Errorf("%w: отклонить можно только входящий вызов", ErrDialogState)
	}
	if status < 300 {
		return fmt.Errorf("%w: недопустимый код отказа %d", ErrDialogState, status)
	}

	c.mu.Lock()
	if c.ended || c.hungup {
		c.mu.Unlock()
		return nil
	}
	if c.finalSent {
		c.mu.Unlock()
		return fmt.Errorf("%w: финальный ответ уже отправлен", ErrDialogState)
	}
	c.finalSent = true
	c.hungup = true
	res := c.buildResponse(status, sdpbody.Body{})
	tx := c.inviteTx
	c.mu.Unlock()

	defer c.finish()
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("%w: отказ %d: %v", ErrTransport, status, err)
	}
	c.log.Info().Int("status", status).Msg("Входящий вызов отклонён")
	return nil
}

// buildResponse создаёт ответ на исходный INVITE с локальным тегом. Вызывается под c.mu.
func (c *sipCall) buildResponse(status int, body sdpbody.Body) *sip.Response {
	var raw []byte
	if !body.Empty() {
		raw = body.Bytes()
	}
	res := sip.NewResponseFromRequest(c.invite, status, reasonPhrase(status), raw)
	if to := res.To(); to != nil {
		to.Params = to.Params.Add("tag", c.localTag)
	}
	if status < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: c.t.contact, Params: sip.NewParams()})
		if c.trickle {
			res.AppendHeader(sip.NewHeader("Supported", optionTrickle))
		}
	}
	if status >= 200 && status < 300 {
		for _, rr := range c.invite.GetHeaders("Record-Route") {
			res.AppendHeader(rr)
		}
	}
	if raw != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", sdpbody.ContentType))
	}
	return res
}

func (c *sipCall) onAck(_ *sip.Request) {
	c.mu.Lock()
	if c.uac || !c.accepted || c.connected || c.ended || c.hungup {
		c.mu.Unlock()
		return
	}
	fire(c.state, evConfirm)
	c.connected = true
	c.mu.Unlock()

	c.log.Info().Msg("ACK получен, диалог подтверждён")
	c.t.emit(CallStateEvent{CallID: c.id, State: CallConnected, StatusCode: StatusOK})
}

// onCancel обрабатывает CANCEL входящего вызова до финального ответа
func (c *sipCall) onCancel() {
	c.mu.Lock()
	if c.uac || c.finalSent {
		c.mu.Unlock()
		return
	}
	c.finalSent = true
	res := sip.NewResponseFromRequest(c.invite, StatusRequestTerminated, "Request Terminated", nil)
	tx := c.inviteTx
	c.mu.Unlock()

	respond(c.log, tx, res)
	c.log.Info().Msg("Входящий вызов отменён")
	c.onRemoteEnd(StatusRequestTerminated)
}

// onInviteTxDone вызывается, когда серверная транзакция INVITE завершилась
func (c *sipCall) onInviteTxDone() {
	c.mu.Lock()
	if c.finalSent || c.ended {
		c.mu.Unlock()
		return
	}
	c.finalSent = true
	c.mu.Unlock()
	c.onRemoteEnd(StatusRequestTerminated)
}

// onRemoteEnd обрабатывает завершение вызова удалённой стороной
func (c *sipCall) onRemoteEnd(code int) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	suppress := c.hungup
	c.mu.Unlock()

	c.finish()
	if !suppress {
		c.log.Info().Msg("Вызов завершён удалённой стороной")
		c.t.emit(CallStateEvent{CallID: c.id, State: CallTerminated, StatusCode: code})
	}
}

// --- оба направления ---

// Hangup завершает вызов. Повторный вызов ничего не делает.
func (c *sipCall) Hangup(_ context.Context) error {
	c.mu.Lock()
	if c.hungup || c.ended {
		c.mu.Unlock()
		return nil
	}
	c.hungup = true

	switch {
	case c.uac && !c.finalRecv:
		c.mu.Unlock()
		c.enqueue(c.sendCancel)
	case !c.uac && !c.finalSent:
		c.finalSent = true
		res := c.buildResponse(StatusTemporarilyUnavailable, sdpbody.Body{})
		tx := c.inviteTx
		c.mu.Unlock()
		respond(c.log, tx, res)
		c.finish()
	default:
		c.mu.Unlock()
		c.enqueue(func() {
			c.sendBye()
			c.finish()
		})
	}
	return nil
}

// SendSideChannel отправляет фрагмент кандидатов в SIP INFO
func (c *sipCall) SendSideChannel(_ context.Context, frag sdpbody.Fragment) error {
	c.mu.Lock()
	if c.hungup || c.ended {
		c.mu.Unlock()
		return fmt.Errorf("%w: вызов завершён", ErrDialogState)
	}
	if !c.dialogReady() {
		c.pendingFrags = append(c.pendingFrags, frag)
		c.mu.Unlock()
		c.log.Debug().Int("candidates", len(frag.Candidates)).Msg("Диалог не установлен, фрагмент отложен")
		return nil
	}
	c.mu.Unlock()

	c.enqueue(func() { c.sendInfo(frag) })
	return nil
}

// Renegotiate отправляет итоговое тело удалённой стороне
func (c *sipCall) Renegotiate(_ context.Context, body sdpbody.Body) error {
	c.mu.Lock()
	if c.hungup || c.ended {
		c.mu.Unlock()
		return fmt.Errorf("%w: вызов завершён", ErrDialogState)
	}
	c.localBody = body
	if !c.dialogReady() {
		c.pendingBody = &body
		c.mu.Unlock()
		c.log.Debug().Msg("Диалог не установлен, итоговое тело отложено")
		return nil
	}
	c.mu.Unlock()

	c.enqueue(func() { c.sendRenegotiation(body) })
	return nil
}

// flushPending отправляет отложенные фрагменты и итоговое тело, если диалог готов
func (c *sipCall) flushPending() {
	c.mu.Lock()
	if !c.dialogReady() || c.hungup || c.ended {
		c.mu.Unlock()
		return
	}
	frags := c.pendingFrags
	body := c.pendingBody
	c.pendingFrags = nil
	c.pendingBody = nil
	c.mu.Unlock()

	for _, f := range frags {
		c.enqueue(func() { c.sendInfo(f) })
	}
	if body != nil {
		b := *body
		c.enqueue(func() { c.sendRenegotiation(b) })
	}
}

func (c *sipCall) sendInfo(frag sdpbody.Fragment) {
	c.mu.Lock()
	req := c.newRequest(sip.INFO)
	c.mu.Unlock()

	req.AppendHeader(sip.NewHeader("Info-Package", sdpbody.InfoPackage))
	req.AppendHeader(sip.NewHeader("Content-Type", sdpbody.FragmentContentType))
	req.SetBody(frag.Encode())

	ctx, cancel := c.requestContext()
	defer cancel()
	res, err := c.t.send.Request(ctx, req, nil)
	switch {
	case err != nil:
		c.log.Warn().Err(err).Msg("INFO с кандидатами не доставлен")
	case res.StatusCode >= 300:
		c.log.Warn().Int("status", res.StatusCode).Msg("INFO с кандидатами отклонён")
	default:
		c.log.Debug().Int("candidates", len(frag.Candidates)).Bool("end", frag.End).Msg("Кандидаты отправлены")
	}
}

func (c *sipCall) sendRenegotiation(body sdpbody.Body) {
	c.mu.Lock()
	method := sip.UPDATE
	if c.state.Current() == dialogConfirmed {
		method = sip.INVITE
	}
	req := c.newRequest(method)
	c.mu.Unlock()

	req.AppendHeader(sip.NewHeader("Content-Type", sdpbody.ContentType))
	req.SetBody(body.Bytes())

	ctx, cancel := c.requestContext()
	defer cancel()
	res, err := c.t.send.Request(ctx, req, nil)
	if err != nil {
		c.log.Warn().Err(err).Str(logging.FieldMethod, method.String()).Msg("Итоговое тело не доставлено")
		c.emitRenegotiated(RenegotiatedEvent{CallID: c.id})
		return
	}

	if method == sip.INVITE && res.StatusCode >= 200 && res.StatusCode < 300 {
		c.mu.Lock()
		ack := c.buildAck(req, res)
		c.mu.Unlock()
		if err := c.t.send.Write(ack); err != nil {
			c.log.Error().Err(err).Msg("Не удалось отправить ACK на re-INVITE")
		}
	}

	c.log.Debug().Int("status", res.StatusCode).Str(logging.FieldMethod, method.String()).Msg("Итоговое тело доставлено")
	c.emitRenegotiated(RenegotiatedEvent{
		CallID:     c.id,
		Body:       sdpbody.New(sdpbody.KindAnswer, res.Body()),
		StatusCode: res.StatusCode,
	})
}

func (c *sipCall) emitRenegotiated(e RenegotiatedEvent) {
	c.mu.Lock()
	suppress := c.hungup || c.ended
	c.mu.Unlock()
	if !suppress {
		c.t.emit(e)
	}
}

func (c *sipCall) sendBye() {
	c.mu.Lock()
	req := c.newRequest(sip.BYE)
	c.mu.Unlock()

	ctx, cancel := c.requestContext()
	defer cancel()
	res, err := c.t.send.Request(ctx, req, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("BYE не доставлен")
		return
	}
	c.log.Info().Int("status", res.StatusCode).Msg("BYE отправлен")
}

// sendCancel отменяет исходящий INVITE. Диалог закрывается по финальному
// ответу на INVITE в runInvite.
func (c *sipCall) sendCancel() {
	c.mu.Lock()
	req := c.buildCancel()
	c.mu.Unlock()

	if req == nil {
		// INVITE ещё не ушёл в сеть
		c.cancel()
		return
	}

	ctx, cancel := c.requestContext()
	defer cancel()
	if _, err := c.t.send.Request(ctx, req, nil); err != nil {
		c.log.Warn().Err(err).Msg("CANCEL не доставлен")
		c.cancel()
		return
	}
	c.log.Info().Msg("INVITE отменён")
}

// onRenegotiation отвечает на UPDATE или re-INVITE удалённой стороны текущим
// локальным телом
func (c *sipCall) onRenegotiation(req *sip.Request, tx responder) {
	c.mu.Lock()
	if c.ended || c.hungup {
		c.mu.Unlock()
		respond(c.log, tx, sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	body := sdpbody.New(sdpbody.KindOffer, req.Body())
	if !c.uac && !c.accepted && !body.Empty() {
		// Offer на INVITE ещё без ответа: новое предложение отклоняется 500
		// с Retry-After, тело передаётся оркестратору как обновлённый offer
		c.mu.Unlock()
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
		res.AppendHeader(sip.NewHeader("Retry-After", strconv.Itoa(retryAfterSeconds)))
		respond(c.log, tx, res)
		c.log.Debug().Str(logging.FieldMethod, req.Method.String()).Msg("Обновление сессии до ответа на INVITE отклонено")
		c.t.emit(RemoteBodyEvent{CallID: c.id, Body: body})
		return
	}
	var raw []byte
	if !c.localBody.Empty() {
		raw = c.localBody.Bytes()
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", raw)
	res.AppendHeader(&sip.ContactHeader{Address: c.t.contact, Params: sip.NewParams()})
	if raw != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", sdpbody.ContentType))
	}
	c.mu.Unlock()

	respond(c.log, tx, res)

	c.log.Debug().Str(logging.FieldMethod, req.Method.String()).Bool("body", !body.Empty()).Msg("Получено обновление сессии")
	if !body.Empty() {
		c.t.emit(RemoteBodyEvent{CallID: c.id, Body: body})
	}
}

// onInfo принимает фрагмент кандидатов удалённой стороны
func (c *sipCall) onInfo(req *sip.Request, tx responder) {
	ct := req.GetHeader("Content-Type")
	if ct == nil || !strings.HasPrefix(strings.ToLower(ct.Value()), sdpbody.FragmentContentType) {
		respond(c.log, tx, sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil))
		return
	}

	frag, err := sdpbody.DecodeFragment(req.Body())
	if err != nil {
		c.log.Warn().Err(err).Msg("Некорректный фрагмент кандидатов")
		respond(c.log, tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	respond(c.log, tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	c.mu.Lock()
	suppress := c.hungup || c.ended
	c.mu.Unlock()
	if !suppress {
		c.t.emit(SideChannelEvent{CallID: c.id, Fragment: frag})
	}
}

// --- построение запросов ---

// newRequest создаёт запрос внутри диалога. Вызывается под c.mu.
func (c *sipCall) newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, c.remoteTarget)

	from := &sip.FromHeader{Address: c.localURI, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", c.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: c.remoteURI, Params: sip.NewParams()}
	if c.remoteTag != "" {
		to.Params = to.Params.Add("tag", c.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)

	c.localSeq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.localSeq, MethodName: method})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: c.t.contact, Params: sip.NewParams()})

	for _, r := range c.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	req.AppendHeader(sip.NewHeader("User-Agent", c.t.creds.UserAgent()))

	c.t.route(req)
	return req
}

// buildAck создаёт ACK на 2xx ответ для INVITE inv. Вызывается под c.mu.
func (c *sipCall) buildAck(inv *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, c.remoteTarget)

	ack.AppendHeader(sip.HeaderClone(inv.From()))
	ack.AppendHeader(sip.HeaderClone(res.To()))

	callID := sip.CallIDHeader(c.id)
	ack.AppendHeader(&callID)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.ACK})

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	for _, r := range c.routeSet {
		ack.AppendHeader(&sip.RouteHeader{Address: r})
	}

	c.t.route(ack)
	return ack
}

// buildCancel создаёт CANCEL для исходящего INVITE. Возвращает nil, если
// INVITE ещё не получил Via. Вызывается под c.mu.
func (c *sipCall) buildCancel() *sip.Request {
	inv := c.invite
	via := inv.Via()
	if via == nil {
		return nil
	}

	req := sip.NewRequest(sip.CANCEL, inv.Recipient)
	req.AppendHeader(via.Clone())
	sip.CopyHeaders("Route", inv, req)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	req.AppendHeader(sip.HeaderClone(inv.From()))
	req.AppendHeader(sip.HeaderClone(inv.To()))
	req.AppendHeader(sip.HeaderClone(inv.CallID()))
	cseq := sip.HeaderClone(inv.CSeq()).(*sip.CSeqHeader)
	cseq.MethodName = sip.CANCEL
	req.AppendHeader(cseq)

	req.SetTransport(inv.Transport())
	req.SetDestination(inv.Destination())
	return req
}

func reasonPhrase(status int) string {
	switch status {
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	default:
		return ""
	}
}
