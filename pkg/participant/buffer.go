package participant

import (
	"strings"

	"github.com/arzzra/rtcall/pkg/sdpbody"
)

// CandidateBuffer упорядоченный буфер локальных кандидатов между их
// обнаружением и отправкой. Очищается сразу после каждой отправки.
type CandidateBuffer struct {
	items []sdpbody.Candidate
}

// Add добавляет кандидат в конец буфера
func (b *CandidateBuffer) Add(c sdpbody.Candidate) {
	b.items = append(b.items, c)
}

func (b *CandidateBuffer) Len() int {
	return len(b.items)
}

// Drain возвращает накопленные кандидаты в порядке добавления и очищает буфер
func (b *CandidateBuffer) Drain() []sdpbody.Candidate {
	out := b.items
	b.items = nil
	return out
}

// RemoteQueue удалённые кандидаты, полученные до применения удалённого
// описания, и множество уже известных кандидатов для отсева повторов
type RemoteQueue struct {
	pending []sdpbody.Candidate
	seen    map[string]struct{}
}

func candidateKey(c sdpbody.Candidate) string {
	return strings.TrimSpace(strings.TrimPrefix(c.Value, "candidate:"))
}

// Mark помечает кандидат известным. Возвращает false для повтора.
func (q *RemoteQueue) Mark(c sdpbody.Candidate) bool {
	if q.seen == nil {
		q.seen = make(map[string]struct{})
	}
	key := candidateKey(c)
	if _, ok := q.seen[key]; ok {
		return false
	}
	q.seen[key] = struct{}{}
	return true
}

// Push ставит новый кандидат в очередь. Повторы отбрасываются.
func (q *RemoteQueue) Push(c sdpbody.Candidate) bool {
	if !q.Mark(c) {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

func (q *RemoteQueue) Len() int {
	return len(q.pending)
}

// Drain возвращает отложенные кандидаты и очищает очередь.
// Множество известных кандидатов сохраняется.
func (q *RemoteQueue) Drain() []sdpbody.Candidate {
	out := q.pending
	q.pending = nil
	return out
}

// Reset очищает очередь и множество известных кандидатов
func (q *RemoteQueue) Reset() {
	q.pending = nil
	q.seen = nil
}
