package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/sdpbody"
)

const streamID = "rtcall"

// WebRTCEngine реализует Engine поверх pion/webrtc.
// Один webrtc.API (кодеки, интерсепторы, настройки ICE) на все сессии.
type WebRTCEngine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    zerolog.Logger
}

var _ Engine = (*WebRTCEngine)(nil)

// NewWebRTCEngine создаёт движок по конфигурации медиа
func NewWebRTCEngine(cfg config.MediaConfig, log zerolog.Logger) (*WebRTCEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("ошибка регистрации кодеков: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("ошибка регистрации интерсепторов: %w", err)
	}

	log = logging.Component(log, "media")

	se := webrtc.SettingEngine{}
	se.LoggerFactory = logging.NewPionFactory(log.Level(maxLevel(log.GetLevel(), zerolog.InfoLevel)))
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &WebRTCEngine{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers(cfg.ICEServers)},
		log:    log,
	}, nil
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// maxLevel ограничивает подробность логов pion: trace/debug ice и dtls слишком шумные
func maxLevel(a, b zerolog.Level) zerolog.Level {
	if a > b {
		return a
	}
	return b
}

// NewSession создаёт PeerConnection для вызова id
func (e *WebRTCEngine) NewSession(id string, prefs Preferences, sink EventSink) (Session, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("%w: создание PeerConnection: %v", ErrNegotiation, err)
	}

	s := &webrtcSession{
		id:    id,
		pc:    pc,
		prefs: prefs,
		sink:  sink,
		log:   e.log.With().Str(logging.FieldCallID, id).Logger(),
	}
	s.setupHandlers()

	s.log.Debug().
		Str("input", prefs.InputDevice).
		Str("output", prefs.OutputDevice).
		Float64("volume", prefs.Volume).
		Msg("Медиа сессия создана")
	return s, nil
}

type webrtcSession struct {
	id    string
	pc    *webrtc.PeerConnection
	prefs Preferences
	sink  EventSink
	log   zerolog.Logger

	mu           sync.Mutex
	localCreated bool
	gathered     bool
	closed       bool
}

func (s *webrtcSession) emit(e Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed && s.sink != nil {
		s.sink(e)
	}
}

func (s *webrtcSession) setupHandlers() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.onGatheringComplete()
			return
		}
		ci := c.ToJSON()
		var mid string
		var mline uint16
		if ci.SDPMid != nil {
			mid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			mline = *ci.SDPMLineIndex
		}
		cand := sdpbody.NewCandidate(ci.Candidate, mid, mline)
		s.log.Debug().
			Str("type", c.Typ.String()).
			Str("address", c.Address).
			Uint16("port", c.Port).
			Msg("Найден локальный кандидат")
		s.emit(CandidateEvent{SessionID: s.id, Candidate: cand})
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info().Str(logging.FieldState, state.String()).Msg("Состояние медиа соединения")
		if mapped, ok := connectionState(state); ok {
			s.emit(ConnectionStateEvent{SessionID: s.id, State: mapped})
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		s.log.Info().
			Str("track", track.ID()).
			Str("kind", kind).
			Str("codec", track.Codec().MimeType).
			Msg("Получен удалённый трек")
		s.emit(TrackEvent{SessionID: s.id, Added: true, SourceID: track.ID(), Kind: kind})
		go s.readTrack(track)
	})
}

// readTrack вычитывает RTP трека до его завершения, ведя статистику
func (s *webrtcSession) readTrack(track *webrtc.TrackRemote) {
	stats := &TrackStats{}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Str("track", track.ID()).Msg("Чтение трека прервано")
			}
			break
		}
		stats.Observe(pkt)
	}
	s.log.Info().
		Str("track", track.ID()).
		Uint64("packets", stats.Packets).
		Uint64("bytes", stats.Bytes).
		Uint64("lost", stats.Lost).
		Msg("Удалённый трек завершён")
	s.emit(TrackEvent{SessionID: s.id, Added: false, SourceID: track.ID(), Kind: track.Kind().String()})
}

func (s *webrtcSession) onGatheringComplete() {
	s.mu.Lock()
	if s.gathered {
		s.mu.Unlock()
		return
	}
	s.gathered = true
	s.mu.Unlock()

	body := s.LocalDescription()
	s.log.Debug().Int("candidates", len(mustExtract(body))).Msg("Сбор кандидатов завершён")
	s.emit(GatheringCompleteEvent{SessionID: s.id, Body: body})
}

func mustExtract(b sdpbody.Body) []sdpbody.Candidate {
	c, _ := sdpbody.ExtractCandidates(b)
	return c
}

func connectionState(state webrtc.PeerConnectionState) (ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	default:
		return 0, false
	}
}

func (s *webrtcSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateLocalMedia добавляет трансиверы: sendrecv для разрешённых видов медиа,
// recvonly для остальных, чтобы в описании всегда были обе m-строки
func (s *webrtcSession) CreateLocalMedia(c Constraints) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.localCreated {
		s.mu.Unlock()
		return nil
	}
	s.localCreated = true
	s.mu.Unlock()

	if err := s.addMedia(webrtc.RTPCodecTypeAudio, c.Audio, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}); err != nil {
		return err
	}
	if err := s.addMedia(webrtc.RTPCodecTypeVideo, c.Video, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}); err != nil {
		return err
	}

	s.log.Debug().Bool("audio", c.Audio).Bool("video", c.Video).Msg("Локальные медиа созданы")
	return nil
}

func (s *webrtcSession) addMedia(kind webrtc.RTPCodecType, send bool, capability webrtc.RTPCodecCapability) error {
	if !send {
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("%w: трансивер %s: %v", ErrNegotiation, kind, err)
		}
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, kind.String(), streamID)
	if err != nil {
		return fmt.Errorf("%w: локальный трек %s: %v", ErrNegotiation, kind, err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("%w: добавление трека %s: %v", ErrNegotiation, kind, err)
	}

	// RTCP нужно вычитывать, иначе интерсепторы не получат отчёты
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *webrtcSession) CreateOffer() (sdpbody.Body, error) {
	if err := s.checkOpen(); err != nil {
		return sdpbody.Body{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return sdpbody.Body{}, fmt.Errorf("%w: создание offer: %v", ErrNegotiation, err)
	}
	return sdpbody.New(sdpbody.KindOffer, []byte(offer.SDP)), nil
}

func (s *webrtcSession) CreateAnswer() (sdpbody.Body, error) {
	if err := s.checkOpen(); err != nil {
		return sdpbody.Body{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return sdpbody.Body{}, fmt.Errorf("%w: создание answer: %v", ErrNegotiation, err)
	}
	return sdpbody.New(sdpbody.KindAnswer, []byte(answer.SDP)), nil
}

func (s *webrtcSession) SetLocalDescription(b sdpbody.Body) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(description(b)); err != nil {
		return fmt.Errorf("%w: локальное описание: %v", ErrNegotiation, err)
	}
	return nil
}

func (s *webrtcSession) SetRemoteDescription(b sdpbody.Body) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if b.Empty() {
		return fmt.Errorf("%w: %v", ErrNegotiation, sdpbody.ErrEmptyBody)
	}
	if err := s.pc.SetRemoteDescription(description(b)); err != nil {
		return fmt.Errorf("%w: удалённое описание: %v", ErrNegotiation, err)
	}
	return nil
}

// AddRemoteCandidate проверяет кандидат парсером ICE и добавляет его в соединение
func (s *webrtcSession) AddRemoteCandidate(c sdpbody.Candidate) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateCandidate(c); err != nil {
		return err
	}

	ci := webrtc.ICECandidateInit{Candidate: c.Value}
	if c.MID != "" {
		mid := c.MID
		ci.SDPMid = &mid
	}
	mline := c.MLineIndex
	ci.SDPMLineIndex = &mline

	if err := s.pc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return nil
}

// ValidateCandidate разбирает значение кандидата парсером pion/ice
func ValidateCandidate(c sdpbody.Candidate) error {
	raw := strings.TrimPrefix(c.Value, "candidate:")
	if raw == "" {
		return fmt.Errorf("%w: пустое значение", ErrInvalidCandidate)
	}
	if _, err := ice.UnmarshalCandidate(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return nil
}

func (s *webrtcSession) LocalDescription() sdpbody.Body {
	desc := s.pc.LocalDescription()
	if desc == nil {
		return sdpbody.Body{}
	}
	kind := sdpbody.KindOffer
	if desc.Type == webrtc.SDPTypeAnswer || desc.Type == webrtc.SDPTypePranswer {
		kind = sdpbody.KindAnswer
	}
	return sdpbody.New(kind, []byte(desc.SDP))
}

func (s *webrtcSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия PeerConnection: %w", err)
	}
	s.log.Debug().Msg("Медиа сессия закрыта")
	return nil
}

func description(b sdpbody.Body) webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if b.Kind == sdpbody.KindAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: b.SDP}
}
