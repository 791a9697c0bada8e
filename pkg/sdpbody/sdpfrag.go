package sdpbody

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	// FragmentContentType тип содержимого фрагмента trickle ICE (RFC 8840)
	FragmentContentType = "application/trickle-ice-sdpfrag"
	// InfoPackage имя Info-Package для SIP INFO с фрагментами
	InfoPackage = "trickle-ice"
)

// fragmentHeader дописывается перед фрагментом, чтобы разобрать его как SDP
const fragmentHeader = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"

// Fragment набор кандидатов, отправляемый по побочному каналу
type Fragment struct {
	Ufrag      string
	Pwd        string
	Candidates []Candidate
	// End - признак a=end-of-candidates
	End bool
}

// Empty true если фрагмент не несёт ни кандидатов, ни признака завершения
func (f Fragment) Empty() bool {
	return len(f.Candidates) == 0 && !f.End
}

// Encode сериализует фрагмент. Кандидаты группируются по m= секциям
// с сохранением порядка.
func (f Fragment) Encode() []byte {
	var sb strings.Builder
	if f.Ufrag != "" {
		sb.WriteString("a=ice-ufrag:" + f.Ufrag + "\r\n")
	}
	if f.Pwd != "" {
		sb.WriteString("a=ice-pwd:" + f.Pwd + "\r\n")
	}
	if f.End {
		sb.WriteString("a=" + attrEndOfCandidates + "\r\n")
	}

	var (
		open   bool
		curIdx uint16
		curMID string
	)
	for _, c := range f.Candidates {
		if !open || c.MLineIndex != curIdx || c.MID != curMID {
			sb.WriteString("m=audio 9 RTP/AVP 0\r\n")
			if c.MID != "" {
				sb.WriteString("a=mid:" + c.MID + "\r\n")
			}
			open, curIdx, curMID = true, c.MLineIndex, c.MID
		}
		sb.WriteString("a=" + candidatePrefix + c.Attribute() + "\r\n")
	}
	return []byte(sb.String())
}

// DecodeFragment разбирает application/trickle-ice-sdpfrag. Индекс m= строки
// берётся из a=mid, если он числовой, иначе из позиции секции во фрагменте.
func DecodeFragment(raw []byte) (Fragment, error) {
	text := normalizeLines(string(raw))
	if strings.TrimSpace(text) == "" {
		return Fragment{}, ErrEmptyBody
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(fragmentHeader + text)); err != nil {
		return Fragment{}, fmt.Errorf("%w: фрагмент: %v", ErrMalformed, err)
	}

	var f Fragment
	f.Ufrag, _ = desc.Attribute("ice-ufrag")
	f.Pwd, _ = desc.Attribute("ice-pwd")
	_, f.End = desc.Attribute(attrEndOfCandidates)

	for i, m := range desc.MediaDescriptions {
		mid, _ := m.Attribute(attrMID)
		idx := uint16(i)
		if n, ok := numericMID(mid); ok {
			idx = n
		}
		for _, a := range m.Attributes {
			switch a.Key {
			case attrCandidate:
				f.Candidates = append(f.Candidates, NewCandidate(a.Value, mid, idx))
			case attrEndOfCandidates:
				f.End = true
			case "ice-ufrag":
				f.Ufrag = a.Value
			case "ice-pwd":
				f.Pwd = a.Value
			}
		}
	}
	return f, nil
}

func numericMID(mid string) (uint16, bool) {
	if mid == "" || len(mid) > 4 {
		return 0, false
	}
	var n uint16
	for _, r := range mid {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + uint16(r-'0')
	}
	return n, true
}
