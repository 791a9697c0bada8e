// Package participant связывает сигнальный вызов и медиа сессию одной
// попытки вызова и следит за порядком операций между ними.
//
// Connection не потокобезопасен: им владеет оркестратор и обращается к нему
// только из своей горутины обработки событий.
package participant

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/sdpbody"
	"github.com/arzzra/rtcall/pkg/signaling"
)

var (
	// ErrAlreadyAttached дескриптор уже привязан
	ErrAlreadyAttached = errors.New("дескриптор уже привязан")
	// ErrNotAttached дескриптор ещё не привязан
	ErrNotAttached = errors.New("дескриптор не привязан")
	// ErrRemoteApplied удалённое описание уже применено
	ErrRemoteApplied = errors.New("удалённое описание уже применено")
	// ErrClosed соединение закрыто
	ErrClosed = errors.New("соединение закрыто")
)

// Connection сигнальный вызов и медиа сессия одной попытки вызова.
// Не переиспользуется между попытками.
type Connection struct {
	id    string
	call  signaling.Call
	media media.Session
	log   zerolog.Logger

	local         CandidateBuffer
	remote        RemoteQueue
	remoteApplied bool
	closed        bool
}

// New создаёт соединение без дескрипторов
func New(id string, log zerolog.Logger) *Connection {
	return &Connection{
		id:  id,
		log: log.With().Str(logging.FieldCallID, id).Logger(),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Call возвращает сигнальный дескриптор или nil
func (c *Connection) Call() signaling.Call {
	return c.call
}

// Media возвращает медиа сессию или nil
func (c *Connection) Media() media.Session {
	return c.media
}

// AttachCall привязывает сигнальный дескриптор. Повторная привязка запрещена.
func (c *Connection) AttachCall(call signaling.Call) error {
	if c.closed {
		return ErrClosed
	}
	if c.call != nil {
		return fmt.Errorf("%w: сигнальный вызов", ErrAlreadyAttached)
	}
	c.call = call
	return nil
}

// AttachMedia привязывает медиа сессию. Повторная привязка запрещена.
func (c *Connection) AttachMedia(m media.Session) error {
	if c.closed {
		return ErrClosed
	}
	if c.media != nil {
		return fmt.Errorf("%w: медиа сессия", ErrAlreadyAttached)
	}
	c.media = m
	return nil
}

// BufferCandidate сохраняет локальный кандидат до следующей отправки
func (c *Connection) BufferCandidate(cand sdpbody.Candidate) int {
	c.local.Add(cand)
	return c.local.Len()
}

// Buffered количество локальных кандидатов, ожидающих отправки
func (c *Connection) Buffered() int {
	return c.local.Len()
}

// DropBuffered очищает буфер локальных кандидатов без отправки
func (c *Connection) DropBuffered() int {
	return len(c.local.Drain())
}

// FlushCandidates отправляет накопленные кандидаты одним фрагментом по
// побочному каналу. end добавляет признак окончания кандидатов.
// Пустой буфер без end ничего не отправляет.
func (c *Connection) FlushCandidates(ctx context.Context, end bool) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if c.call == nil {
		return 0, fmt.Errorf("%w: сигнальный вызов", ErrNotAttached)
	}
	if c.local.Len() == 0 && !end {
		return 0, nil
	}

	cands := c.local.Drain()
	frag := sdpbody.Fragment{Candidates: cands, End: end}
	if c.media != nil {
		if ufrag, pwd, err := c.media.LocalDescription().ICECredentials(); err == nil {
			frag.Ufrag, frag.Pwd = ufrag, pwd
		}
	}

	if err := c.call.SendSideChannel(ctx, frag); err != nil {
		return 0, fmt.Errorf("отправка кандидатов: %w", err)
	}
	c.log.Debug().Int("candidates", len(cands)).Bool("end", end).Msg("Кандидаты отправлены")
	return len(cands), nil
}

// SendFinalBody отправляет итоговое локальное описание со всеми кандидатами
func (c *Connection) SendFinalBody(ctx context.Context) (sdpbody.Body, error) {
	if c.closed {
		return sdpbody.Body{}, ErrClosed
	}
	if c.call == nil || c.media == nil {
		return sdpbody.Body{}, ErrNotAttached
	}
	body := c.media.LocalDescription()
	if body.Empty() {
		return sdpbody.Body{}, fmt.Errorf("итоговое тело: %w", sdpbody.ErrEmptyBody)
	}
	if err := c.call.Renegotiate(ctx, body); err != nil {
		return sdpbody.Body{}, fmt.Errorf("отправка итогового тела: %w", err)
	}
	return body, nil
}

// RemoteApplied true, если удалённое описание уже применено
func (c *Connection) RemoteApplied() bool {
	return c.remoteApplied
}

// ApplyRemote применяет удалённое описание ровно один раз и добавляет
// кандидаты, полученные до него по побочному каналу
func (c *Connection) ApplyRemote(body sdpbody.Body) error {
	if c.closed {
		return ErrClosed
	}
	if c.media == nil {
		return fmt.Errorf("%w: медиа сессия", ErrNotAttached)
	}
	if c.remoteApplied {
		return ErrRemoteApplied
	}
	if err := c.media.SetRemoteDescription(body); err != nil {
		return err
	}
	c.remoteApplied = true

	// Кандидаты из самого описания уже известны медиа движку
	embedded := make(map[string]struct{})
	if cands, err := sdpbody.ExtractCandidates(body); err == nil {
		for _, cand := range cands {
			c.remote.Mark(cand)
			embedded[candidateKey(cand)] = struct{}{}
		}
	}

	queued := c.remote.Drain()
	if len(embedded) > 0 {
		fresh := queued[:0]
		for _, cand := range queued {
			if _, ok := embedded[candidateKey(cand)]; !ok {
				fresh = append(fresh, cand)
			}
		}
		queued = fresh
	}
	added := c.addToMedia(queued)
	if len(queued) > 0 {
		c.log.Debug().Int("queued", len(queued)).Int("added", added).Msg("Отложенные удалённые кандидаты добавлены")
	}
	return nil
}

// AddRemoteCandidates добавляет удалённые кандидаты, отсеивая повторы.
// До применения удалённого описания кандидаты ставятся в очередь.
func (c *Connection) AddRemoteCandidates(cands []sdpbody.Candidate) (added, queued int) {
	if c.closed {
		return 0, 0
	}
	if !c.remoteApplied {
		for _, cand := range cands {
			if c.remote.Push(cand) {
				queued++
			}
		}
		return 0, queued
	}

	fresh := make([]sdpbody.Candidate, 0, len(cands))
	for _, cand := range cands {
		if c.remote.Mark(cand) {
			fresh = append(fresh, cand)
		}
	}
	return c.addToMedia(fresh), 0
}

func (c *Connection) addToMedia(cands []sdpbody.Candidate) int {
	added := 0
	for _, cand := range cands {
		if err := c.media.AddRemoteCandidate(cand); err != nil {
			c.log.Warn().Err(err).Str("candidate", cand.Value).Msg("Удалённый кандидат отклонён")
			continue
		}
		added++
	}
	return added
}

// Closed true после Close
func (c *Connection) Closed() bool {
	return c.closed
}

// Close закрывает медиа сессию и завершает сигнальный вызов: Reject с кодом
// rejectStatus, если он больше нуля, иначе Hangup. Повторный вызов ничего не делает.
func (c *Connection) Close(ctx context.Context, rejectStatus int) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.local.Drain()
	c.remote.Reset()

	var errs []error
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			errs = append(errs, fmt.Errorf("закрытие медиа: %w", err))
		}
	}
	if c.call != nil {
		if rejectStatus > 0 {
			if err := c.call.Reject(ctx, rejectStatus); err != nil {
				errs = append(errs, fmt.Errorf("отклонение вызова: %w", err))
			}
		} else if err := c.call.Hangup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("завершение вызова: %w", err))
		}
	}

	c.log.Debug().Int("reject", rejectStatus).Msg("Соединение закрыто")
	return errors.Join(errs...)
}
