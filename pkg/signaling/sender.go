package signaling

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// sender отправляет клиентские запросы. Отделён от sipgo.Client,
// чтобы логику диалогов можно было проверять без сети.
type sender interface {
	// Request отправляет запрос в транзакции и ждёт финальный ответ.
	// Предварительные ответы передаются в onProvisional.
	Request(ctx context.Context, req *sip.Request, onProvisional func(*sip.Response)) (*sip.Response, error)
	// Write отправляет запрос вне транзакции (ACK на 2xx)
	Write(req *sip.Request) error
	// Authorize повторяет запрос с digest авторизацией по ответу 401/407
	Authorize(ctx context.Context, req *sip.Request, res *sip.Response, user, password string) (*sip.Response, error)
}

type sipgoSender struct {
	client *sipgo.Client
}

func (s *sipgoSender) Request(ctx context.Context, req *sip.Request, onProvisional func(*sip.Response)) (*sip.Response, error) {
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: отправка %s: %v", ErrTransport, req.Method, err)
	}
	defer tx.Terminate()

	handle := func(res *sip.Response) (*sip.Response, bool) {
		if res.StatusCode < 200 {
			if onProvisional != nil {
				onProvisional(res)
			}
			return nil, false
		}
		return res, true
	}

	for {
		select {
		case res, open := <-tx.Responses():
			if !open || res == nil {
				return nil, fmt.Errorf("%w: транзакция %s закрыта: %v", ErrTransport, req.Method, tx.Err())
			}
			if final, ok := handle(res); ok {
				return final, nil
			}
		case <-tx.Done():
			// Ответ мог прийти одновременно с завершением транзакции
			select {
			case res, open := <-tx.Responses():
				if open && res != nil {
					if final, ok := handle(res); ok {
						return final, nil
					}
				}
			default:
			}
			return nil, fmt.Errorf("%w: транзакция %s завершена: %v", ErrTransport, req.Method, tx.Err())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *sipgoSender) Write(req *sip.Request) error {
	if err := s.client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		return fmt.Errorf("%w: отправка %s: %v", ErrTransport, req.Method, err)
	}
	return nil
}

func (s *sipgoSender) Authorize(ctx context.Context, req *sip.Request, res *sip.Response, user, password string) (*sip.Response, error) {
	out, err := s.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
		Username: user,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: digest авторизация %s: %v", ErrTransport, req.Method, err)
	}
	return out, nil
}
