package signaling

import (
	"context"
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// Register регистрирует клиента у регистратора. Учетные данные проверяются
// синхронно, сам REGISTER выполняется асинхронно.
func (t *SIPTransport) Register(ctx context.Context) error {
	return t.register(ctx, int(t.cfg.RegisterExpires.Seconds()))
}

// Unregister снимает регистрацию (REGISTER с Expires: 0)
func (t *SIPTransport) Unregister(ctx context.Context) error {
	return t.register(ctx, 0)
}

func (t *SIPTransport) register(ctx context.Context, expires int) error {
	if err := t.creds.Validate(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}

	req, err := t.newRegisterRequest(expires)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.RequestTimeout)
	go func() {
		defer cancel()
		err := t.doRegister(ctx, req)
		registered := err == nil && expires > 0
		if err != nil {
			t.log.Warn().Err(err).Int("expires", expires).Msg("Регистрация не выполнена")
		} else {
			t.log.Info().Bool("registered", registered).Int("expires", expires).Msg("Регистрация обновлена")
		}
		t.emit(RegistrationEvent{Registered: registered, Err: err})
	}()
	return nil
}

func (t *SIPTransport) doRegister(ctx context.Context, req *sip.Request) error {
	res, err := t.send.Request(ctx, req, nil)
	if err != nil {
		return err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = t.send.Authorize(ctx, req, res, t.creds.User, t.creds.Password)
		if err != nil {
			return err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: %d %s", ErrRegistration, res.StatusCode, res.Reason)
	}
	return nil
}

func (t *SIPTransport) newRegisterRequest(expires int) (*sip.Request, error) {
	var registrar sip.Uri
	if err := sip.ParseUri("sip:"+t.creds.Domain, &registrar); err != nil {
		return nil, fmt.Errorf("%w: домен %s: %v", ErrInvalidTarget, t.creds.Domain, err)
	}

	t.mu.Lock()
	t.regSeq++
	seq := t.regSeq
	t.mu.Unlock()

	aor := t.aor()
	req := sip.NewRequest(sip.REGISTER, registrar)

	from := &sip.FromHeader{Address: aor, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(t.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: t.contact, Params: sip.NewParams()})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.AppendHeader(sip.NewHeader("User-Agent", t.creds.UserAgent()))
	req.AppendHeader(sip.NewHeader("X-Account-ID", t.creds.AccountID))
	req.AppendHeader(sip.NewHeader("X-Capability-Token", t.creds.CapabilityToken))
	if t.trickle {
		req.AppendHeader(sip.NewHeader("Supported", optionTrickle))
	}

	t.route(req)
	return req, nil
}
