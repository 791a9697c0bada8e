package sdpbody

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	attrCandidate       = "candidate"
	attrEndOfCandidates = "end-of-candidates"
	attrMID             = "mid"

	candidatePrefix = "candidate:"
)

// Candidate один ICE кандидат, привязанный к медиа секции
type Candidate struct {
	// Value - строка вида "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"
	Value string `json:"candidate"`
	// MID - идентификатор медиа секции (a=mid)
	MID string `json:"sdpMid"`
	// MLineIndex - порядковый номер m= секции
	MLineIndex uint16 `json:"sdpMLineIndex"`
}

// NewCandidate создаёт кандидата, добавляя префикс "candidate:" при необходимости
func NewCandidate(value, mid string, mline uint16) Candidate {
	value = strings.TrimPrefix(strings.TrimSpace(value), "a=")
	if !strings.HasPrefix(value, candidatePrefix) {
		value = candidatePrefix + value
	}
	return Candidate{Value: value, MID: mid, MLineIndex: mline}
}

// Attribute возвращает значение для атрибута a=candidate (без префикса)
func (c Candidate) Attribute() string {
	return strings.TrimPrefix(c.Value, candidatePrefix)
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s [mid=%s idx=%d]", c.Value, c.MID, c.MLineIndex)
}

// ExtractCandidates возвращает все кандидаты тела в порядке их появления
func ExtractCandidates(b Body) ([]Candidate, error) {
	desc, err := b.Parse()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for i, m := range desc.MediaDescriptions {
		mid, _ := m.Attribute(attrMID)
		for _, a := range m.Attributes {
			if a.Key == attrCandidate {
				out = append(out, NewCandidate(a.Value, mid, uint16(i)))
			}
		}
	}
	return out, nil
}

// HasCandidates true если тело содержит хотя бы одного кандидата
func HasCandidates(b Body) bool {
	c, err := ExtractCandidates(b)
	return err == nil && len(c) > 0
}

// StripCandidates возвращает предварительное тело: копию без a=candidate
// и a=end-of-candidates. Остальные строки не меняются.
func StripCandidates(b Body) (Body, error) {
	desc, err := b.Parse()
	if err != nil {
		return Body{}, err
	}

	desc.Attributes = dropCandidateAttrs(desc.Attributes)
	for _, m := range desc.MediaDescriptions {
		m.Attributes = dropCandidateAttrs(m.Attributes)
	}

	raw, err := desc.Marshal()
	if err != nil {
		return Body{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return New(b.Kind, raw), nil
}

func dropCandidateAttrs(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0:0]
	for _, a := range attrs {
		if a.Key == attrCandidate || a.Key == attrEndOfCandidates {
			continue
		}
		out = append(out, a)
	}
	return out
}
