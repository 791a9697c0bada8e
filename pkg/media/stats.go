package media

import (
	"github.com/pion/rtp"
)

// TrackStats статистика приёма удалённого трека
type TrackStats struct {
	Packets uint64
	Bytes   uint64
	// Lost - пакеты, пропущенные по номерам последовательности
	Lost uint64
	// Reordered - пакеты, пришедшие с номером меньше ожидаемого
	Reordered uint64

	SSRC        uint32
	PayloadType uint8

	started bool
	lastSeq uint16
}

// Observe учитывает принятый RTP пакет. Номер последовательности
// сравнивается с учётом переполнения uint16.
func (s *TrackStats) Observe(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))

	if !s.started || pkt.SSRC != s.SSRC {
		s.started = true
		s.SSRC = pkt.SSRC
		s.PayloadType = pkt.PayloadType
		s.lastSeq = pkt.SequenceNumber
		return
	}

	diff := int16(pkt.SequenceNumber - s.lastSeq)
	switch {
	case diff > 1:
		s.Lost += uint64(diff - 1)
		s.lastSeq = pkt.SequenceNumber
	case diff == 1:
		s.lastSeq = pkt.SequenceNumber
	case diff <= 0:
		s.Reordered++
	}
}
