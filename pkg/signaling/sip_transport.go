package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/sdpbody"
)

const (
	optionTrickle = "trickle-ice"
	allowMethods  = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, UPDATE"
)

// responder отвечает на входящий запрос. Реализуется sip.ServerTransaction.
type responder interface {
	Respond(res *sip.Response) error
}

// SIPTransport реализует Transport поверх sipgo: один User Agent, клиент
// для исходящих запросов и сервер для входящих.
type SIPTransport struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	send   sender

	creds   config.Credentials
	cfg     config.SIPConfig
	trickle bool
	contact sip.Uri
	sink    EventSink
	log     zerolog.Logger

	mu        sync.Mutex
	dialogs   map[string]*sipCall
	regCallID string
	regSeq    uint32
	closed    bool
}

var _ Transport = (*SIPTransport)(nil)

// NewSIPTransport создаёт SIP транспорт. Учетные данные проверяются до создания
// сетевых объектов.
func NewSIPTransport(cfg *config.Config, sink EventSink, log zerolog.Logger) (*SIPTransport, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.Credentials.UserAgent()),
		sipgo.WithUserAgentHostname(cfg.SIP.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.SIP.Hostname))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	t, err := newTransport(cfg.Credentials, cfg.SIP, cfg.Media.Trickle, &sipgoSender{client: client}, sink, log)
	if err != nil {
		return nil, err
	}
	t.ua, t.client, t.server = ua, client, server
	t.registerHandlers()

	return t, nil
}

// newTransport собирает транспорт без сетевых объектов sipgo
func newTransport(creds config.Credentials, cfg config.SIPConfig, trickle bool, s sender, sink EventSink, log zerolog.Logger) (*SIPTransport, error) {
	t := &SIPTransport{
		send:      s,
		creds:     creds,
		cfg:       cfg,
		trickle:   trickle,
		sink:      sink,
		log:       logging.Component(log, "signaling"),
		dialogs:   make(map[string]*sipCall),
		regCallID: uuid.NewString(),
	}

	port := cfg.ListenPort
	if port == 0 {
		port = creds.TransportType.DefaultPort()
	}
	contact := fmt.Sprintf("sip:%s@%s:%d", creds.User, cfg.Hostname, port)
	if creds.TransportType.Normalize() != config.TransportUDP {
		contact += ";transport=" + creds.TransportType.Network()
	}
	if err := sip.ParseUri(contact, &t.contact); err != nil {
		return nil, fmt.Errorf("некорректный Contact %s: %w", contact, err)
	}

	return t, nil
}

// registerHandlers регистрирует обработчики входящих запросов
func (t *SIPTransport) registerHandlers() {
	t.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		inDialog := toTag(req) != ""
		t.onInvite(req, tx)
		// Транзакция живёт до финального ответа или CANCEL
		<-tx.Done()
		if !inDialog {
			t.onInviteDone(req)
		}
	})
	t.server.OnAck(func(req *sip.Request, _ sip.ServerTransaction) {
		t.onAck(req)
	})
	t.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		t.onBye(req, tx)
	})
	t.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		t.onCancel(req, tx)
	})
	t.server.OnInfo(func(req *sip.Request, tx sip.ServerTransaction) {
		t.onInfo(req, tx)
	})
	t.server.OnUpdate(func(req *sip.Request, tx sip.ServerTransaction) {
		t.onUpdate(req, tx)
	})
	t.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		t.onOptions(req, tx)
	})
}

// Listen запускает прослушивание входящих запросов до отмены ctx
func (t *SIPTransport) Listen(ctx context.Context) error {
	if t.server == nil {
		return fmt.Errorf("%w: сервер не создан", ErrClosed)
	}

	network := t.creds.TransportType.Network()
	addr := fmt.Sprintf("%s:%d", t.cfg.ListenHost, t.contact.Port)

	switch t.creds.TransportType.Normalize() {
	case config.TransportTLS, config.TransportWSS:
		// Входящие запросы приходят по исходящему соединению к регистратору
		t.log.Info().Str("transport", network).Msg("Прослушивание не требуется, используется исходящее соединение")
		<-ctx.Done()
		return nil
	}

	t.log.Info().
		Str("transport", network).
		Str("address", addr).
		Msg("Запуск SIP сервера")
	return t.server.ListenAndServe(ctx, network, addr)
}

// Close закрывает клиент, сервер и User Agent
func (t *SIPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	calls := make([]*sipCall, 0, len(t.dialogs))
	for _, c := range t.dialogs {
		calls = append(calls, c)
	}
	t.mu.Unlock()

	for _, c := range calls {
		c.stop()
	}

	if t.client != nil {
		if err := t.client.Close(); err != nil {
			return fmt.Errorf("ошибка закрытия клиента: %w", err)
		}
	}
	if t.server != nil {
		if err := t.server.Close(); err != nil {
			return fmt.Errorf("ошибка закрытия сервера: %w", err)
		}
	}
	if t.ua != nil {
		if err := t.ua.Close(); err != nil {
			return fmt.Errorf("ошибка закрытия User Agent: %w", err)
		}
	}
	return nil
}

// Call отправляет INVITE и возвращает дескриптор вызова. Ответы обрабатываются
// в отдельной горутине и доставляются событиями.
func (t *SIPTransport) Call(ctx context.Context, callID, remote string, body sdpbody.Body, trickle bool) (Call, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	if body.Empty() {
		return nil, fmt.Errorf("%w: INVITE без тела", sdpbody.ErrEmptyBody)
	}

	target, err := t.resolveTarget(remote)
	if err != nil {
		return nil, err
	}

	c := newSIPCall(t, callID, true)
	c.localURI = t.aor()
	c.remoteURI = target
	c.remoteTarget = target
	c.localTag = newTag()
	c.localBody = body
	c.trickle = trickle

	req := c.buildInvite(body)

	t.mu.Lock()
	if _, exists := t.dialogs[callID]; exists {
		t.mu.Unlock()
		c.stop()
		return nil, fmt.Errorf("%w: вызов %s уже существует", ErrDialogState, callID)
	}
	t.dialogs[callID] = c
	t.mu.Unlock()
	c.start()

	c.log.Info().Str("remote", target.String()).Bool("trickle", trickle).Msg("Отправка INVITE")
	go c.runInvite(req)

	return c, nil
}

// ProbeTrickle отправляет OPTIONS удалённой стороне и проверяет Supported: trickle-ice
func (t *SIPTransport) ProbeTrickle(ctx context.Context, callID, remote string) error {
	if t.isClosed() {
		return ErrClosed
	}
	target, err := t.resolveTarget(remote)
	if err != nil {
		return err
	}

	req := t.newOutOfDialogRequest(sip.OPTIONS, target, uuid.NewString(), 1, newTag())
	req.AppendHeader(sip.NewHeader("Accept", sdpbody.ContentType))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.RequestTimeout)
	go func() {
		defer cancel()
		supported := false
		res, err := t.send.Request(ctx, req, nil)
		switch {
		case err != nil:
			t.log.Warn().Err(err).Str(logging.FieldCallID, callID).Msg("OPTIONS не доставлен, trickle ICE отключён")
		case res.StatusCode >= 200 && res.StatusCode < 300:
			supported = hasOption(res, "Supported", optionTrickle)
		default:
			t.log.Debug().Int("status", res.StatusCode).Str(logging.FieldCallID, callID).Msg("OPTIONS отклонён")
		}
		t.emit(TrickleCapabilityEvent{CallID: callID, Supported: supported})
	}()
	return nil
}

// resolveTarget приводит адрес вызываемой стороны к SIP URI.
// "bob" -> sip:bob@domain, "bob@host" -> sip:bob@host.
func (t *SIPTransport) resolveTarget(remote string) (sip.Uri, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return sip.Uri{}, fmt.Errorf("%w: пустой адрес", ErrInvalidTarget)
	}

	s := remote
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		if !strings.Contains(s, "@") {
			s += "@" + t.creds.Domain
		}
		s = "sip:" + s
	}

	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("%w: %s: %v", ErrInvalidTarget, remote, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("%w: %s: нет хоста", ErrInvalidTarget, remote)
	}
	return uri, nil
}

// aor возвращает URI клиента (sip:user@domain)
func (t *SIPTransport) aor() sip.Uri {
	var uri sip.Uri
	_ = sip.ParseUri(fmt.Sprintf("sip:%s@%s", t.creds.User, t.creds.Domain), &uri)
	return uri
}

// newOutOfDialogRequest создаёт запрос вне диалога, отправляемый через регистратор
func (t *SIPTransport) newOutOfDialogRequest(method sip.RequestMethod, target sip.Uri, callID string, seq uint32, fromTag string) *sip.Request {
	req := sip.NewRequest(method, target)

	from := &sip.FromHeader{Address: t.aor(), Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: t.contact, Params: sip.NewParams()})
	req.AppendHeader(sip.NewHeader("User-Agent", t.creds.UserAgent()))

	t.route(req)
	return req
}

// route направляет запрос через регистратор выбранным транспортом
func (t *SIPTransport) route(req *sip.Request) {
	req.SetTransport(string(t.creds.TransportType.Normalize()))
	req.SetDestination(t.creds.RegistrarAddr())
}

func (t *SIPTransport) lookup(callID string) (*sipCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.dialogs[callID]
	return c, ok
}

func (t *SIPTransport) remove(callID string) {
	t.mu.Lock()
	delete(t.dialogs, callID)
	t.mu.Unlock()
}

func (t *SIPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *SIPTransport) emit(e Event) {
	if t.sink != nil {
		t.sink(e)
	}
}

// onInvite обрабатывает входящий INVITE: новый вызов или re-INVITE в диалоге
func (t *SIPTransport) onInvite(req *sip.Request, tx responder) {
	callID := req.CallID()
	if callID == nil {
		respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil))
		return
	}

	if toTag(req) != "" {
		c, ok := t.lookup(callID.Value())
		if !ok {
			respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
			return
		}
		c.onRenegotiation(req, tx)
		return
	}

	if t.isClosed() {
		respond(t.log, tx, sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		return
	}

	if _, exists := t.lookup(callID.Value()); exists {
		respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusLoopDetected, "Loop Detected", nil))
		return
	}

	body := sdpbody.New(sdpbody.KindOffer, req.Body())
	if body.Empty() {
		// Вызовы без offer не поддерживаются
		respond(t.log, tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	c, err := newIncomingCall(t, req, tx)
	if err != nil {
		t.log.Warn().Err(err).Str(logging.FieldCallID, callID.Value()).Msg("Некорректный INVITE")
		respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	t.mu.Lock()
	if _, exists := t.dialogs[c.id]; exists {
		t.mu.Unlock()
		c.stop()
		respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusLoopDetected, "Loop Detected", nil))
		return
	}
	t.dialogs[c.id] = c
	t.mu.Unlock()
	c.start()

	c.log.Info().
		Str("remote", req.From().Address.String()).
		Bool("trickle", c.trickle).
		Msg("Входящий вызов")

	t.emit(IncomingCallEvent{
		CallID:  c.id,
		Remote:  req.From().Address.String(),
		Body:    body,
		Trickle: c.trickle,
		Call:    c,
	})
}

// onInviteDone вызывается после завершения серверной транзакции INVITE.
// Без финального ответа это означает CANCEL или таймаут.
func (t *SIPTransport) onInviteDone(req *sip.Request) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	c, ok := t.lookup(callID.Value())
	if !ok || c.uac {
		return
	}
	c.onInviteTxDone()
}

func (t *SIPTransport) onAck(req *sip.Request) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	if c, ok := t.lookup(callID.Value()); ok {
		c.onAck(req)
	}
}

func (t *SIPTransport) onBye(req *sip.Request, tx responder) {
	c, ok := t.dialogFor(req, tx)
	if !ok {
		return
	}
	respond(c.log, tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	c.onRemoteEnd(0)
}

func (t *SIPTransport) onCancel(req *sip.Request, tx responder) {
	c, ok := t.dialogFor(req, tx)
	if !ok {
		return
	}
	respond(c.log, tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	c.onCancel()
}

func (t *SIPTransport) onInfo(req *sip.Request, tx responder) {
	c, ok := t.dialogFor(req, tx)
	if !ok {
		return
	}
	c.onInfo(req, tx)
}

func (t *SIPTransport) onUpdate(req *sip.Request, tx responder) {
	c, ok := t.dialogFor(req, tx)
	if !ok {
		return
	}
	c.onRenegotiation(req, tx)
}

// onOptions отвечает на запрос возможностей, анонсируя trickle ICE
func (t *SIPTransport) onOptions(req *sip.Request, tx responder) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowMethods))
	res.AppendHeader(sip.NewHeader("Accept", sdpbody.ContentType+", "+sdpbody.FragmentContentType))
	if t.trickle {
		res.AppendHeader(sip.NewHeader("Supported", optionTrickle))
	}
	respond(t.log, tx, res)
}

// dialogFor находит диалог запроса или отвечает 481
func (t *SIPTransport) dialogFor(req *sip.Request, tx responder) (*sipCall, bool) {
	callID := req.CallID()
	if callID == nil {
		respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil))
		return nil, false
	}
	c, ok := t.lookup(callID.Value())
	if !ok {
		respond(t.log, tx, sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return nil, false
	}
	return c, true
}

func respond(log zerolog.Logger, tx responder, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		log.Error().Err(err).Int("status", res.StatusCode).Msg("Не удалось отправить ответ")
	}
}

// hasOption проверяет наличие опции в заголовках вида "Supported: a, b"
func hasOption(msg interface{ GetHeaders(string) []sip.Header }, name, option string) bool {
	for _, h := range msg.GetHeaders(name) {
		for _, v := range strings.Split(h.Value(), ",") {
			if strings.EqualFold(strings.TrimSpace(v), option) {
				return true
			}
		}
	}
	return false
}

// toTag возвращает tag заголовка To или пустую строку
func toTag(msg interface{ To() *sip.ToHeader }) string {
	to := msg.To()
	if to == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// headerURI извлекает URI из значения заголовка вида "Name" <uri>;params
func headerURI(h sip.Header) (sip.Uri, bool) {
	var uri sip.Uri
	if h == nil {
		return uri, false
	}
	value := strings.TrimSpace(h.Value())
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value[start:], '>'); end > 0 {
			value = value[start+1 : start+end]
		}
	}
	if err := sip.ParseUri(value, &uri); err != nil {
		return uri, false
	}
	return uri, true
}

func newTag() string {
	return sip.RandString(10)
}
