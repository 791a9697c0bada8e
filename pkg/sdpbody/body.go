// Package sdpbody содержит тело согласования (SDP offer/answer), ICE кандидатов
// и операции над ними: извлечение и удаление кандидатов, фрагменты
// application/trickle-ice-sdpfrag для trickle ICE.
package sdpbody

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// ContentType тип содержимого полного тела
const ContentType = "application/sdp"

var (
	// ErrEmptyBody тело не содержит SDP
	ErrEmptyBody = errors.New("пустое SDP тело")
	// ErrMalformed SDP не удалось разобрать
	ErrMalformed = errors.New("некорректное SDP")
)

// Kind роль тела в обмене offer/answer
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// Body непрозрачное тело согласования. Передаётся сигнализацией без изменений.
type Body struct {
	Kind Kind
	SDP  string
}

// New создаёт тело с нормализованными переводами строк
func New(kind Kind, raw []byte) Body {
	return Body{Kind: kind, SDP: normalizeLines(string(raw))}
}

// Empty true если тело не содержит SDP
func (b Body) Empty() bool {
	return strings.TrimSpace(b.SDP) == ""
}

// Bytes возвращает тело для передачи в SIP сообщении
func (b Body) Bytes() []byte {
	return []byte(b.SDP)
}

// Parse разбирает тело в pion/sdp представление
func (b Body) Parse() (*sdp.SessionDescription, error) {
	if b.Empty() {
		return nil, ErrEmptyBody
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(normalizeLines(b.SDP))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return desc, nil
}

// ICECredentials возвращает ice-ufrag и ice-pwd из тела. Значения уровня
// медиа имеют приоритет над значениями уровня сессии.
func (b Body) ICECredentials() (ufrag, pwd string, err error) {
	desc, err := b.Parse()
	if err != nil {
		return "", "", err
	}
	ufrag, _ = desc.Attribute("ice-ufrag")
	pwd, _ = desc.Attribute("ice-pwd")
	if len(desc.MediaDescriptions) > 0 {
		m := desc.MediaDescriptions[0]
		if v, ok := m.Attribute("ice-ufrag"); ok {
			ufrag = v
		}
		if v, ok := m.Attribute("ice-pwd"); ok {
			pwd = v
		}
	}
	return ufrag, pwd, nil
}

// normalizeLines приводит переводы строк к CRLF и гарантирует завершающий CRLF
func normalizeLines(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}
