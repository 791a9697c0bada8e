// Package api HTTP/WebSocket мост к оркестратору для приложений, работающих
// в отдельном процессе. Команды вызовов идут через REST под /v1, уведомления
// оркестратора приходят потоком /v1/events. Все пути /v1 требуют JWT.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/history"
	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/session"
)

const (
	shutdownTimeout     = 5 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Controller команды оркестратора, доступные через API
type Controller interface {
	Call(ctx context.Context, remote string) (session.CallID, error)
	Answer(ctx context.Context, id session.CallID) error
	Reject(ctx context.Context, id session.CallID) error
	Terminate(ctx context.Context, id session.CallID) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

var _ Controller = (*session.Orchestrator)(nil)

// Options параметры сервера
type Options struct {
	Config     config.APIConfig
	Controller Controller
	History    history.Store
	Hub        *Hub
	// Gatherer источник метрик для /metrics, nil - prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server HTTP сервер моста
type Server struct {
	cfg      config.APIConfig
	ctrl     Controller
	history  history.Store
	hub      *Hub
	upgrader websocket.Upgrader
	router   *gin.Engine
	log      zerolog.Logger
}

// New собирает сервер и маршруты
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("api: не задан оркестратор")
	}
	if opts.Config.JWTSecret == "" {
		return nil, &config.ValidationError{Missing: []string{"api.jwt_secret"}}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	log := logging.Component(opts.Logger, "api")
	if opts.Hub == nil {
		opts.Hub = NewHub(log)
	}

	s := &Server{
		cfg:     opts.Config,
		ctrl:    opts.Controller,
		history: opts.History,
		hub:     opts.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Доступ ограничен токеном, Origin не проверяется
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
	s.router = s.routes(opts.Gatherer)
	return s, nil
}

// Handler корневой http.Handler сервера
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1", JWTAuth(s.cfg.JWTSecret))
	{
		v1.POST("/register", s.register)
		v1.DELETE("/register", s.unregister)

		v1.GET("/calls", s.listCalls)
		v1.POST("/calls", s.call)
		v1.GET("/calls/history", s.callHistory)
		v1.GET("/calls/:id", s.getCall)
		v1.POST("/calls/:id/answer", s.answer)
		v1.POST("/calls/:id/reject", s.reject)
		v1.DELETE("/calls/:id", s.terminate)

		v1.GET("/events", s.events)
	}
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str(logging.FieldMethod, c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP запрос")
	}
}

// Run обслуживает запросы на cfg.Listen до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.cfg.Listen).Msg("Запуск HTTP сервера")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("HTTP сервер остановлен")
	return nil
}

type callRequest struct {
	Remote string `json:"remote" binding:"required"`
}

type callResponse struct {
	CallID session.CallID `json:"call_id"`
}

func (s *Server) call(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "missing or invalid remote")
		return
	}
	id, err := s.ctrl.Call(c.Request.Context(), req.Remote)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, callResponse{CallID: id})
}

func (s *Server) answer(c *gin.Context) {
	s.callCommand(c, s.ctrl.Answer)
}

func (s *Server) reject(c *gin.Context) {
	s.callCommand(c, s.ctrl.Reject)
}

func (s *Server) terminate(c *gin.Context) {
	s.callCommand(c, s.ctrl.Terminate)
}

func (s *Server) callCommand(c *gin.Context, cmd func(context.Context, session.CallID) error) {
	if err := cmd(c.Request.Context(), session.CallID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) register(c *gin.Context) {
	if err := s.ctrl.Register(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) unregister(c *gin.Context) {
	if err := s.ctrl.Unregister(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listCalls(c *gin.Context) {
	snap, err := s.ctrl.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getCall(c *gin.Context) {
	snap, err := s.ctrl.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	id := session.CallID(c.Param("id"))
	for _, info := range snap.Calls {
		if info.ID == id {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	s.fail(c, session.ErrUnknownCall)
}

func (s *Server) callHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, []history.Record{})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		s.log.Warn().Err(err).Msg("Не удалось открыть WebSocket")
		return
	}
	s.hub.serve(c.Request.Context(), &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientQueueSize),
	})
}

// fail переводит ошибку оркестратора в HTTP статус. Текст неизвестных
// ошибок клиенту не отдаётся, только в журнал.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("Ошибка обработки запроса")
	}
	abort(c, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidRemote):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, config.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrRegistrationFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
