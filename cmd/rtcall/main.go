// Команда rtcall запускает клиент вызовов SIP + WebRTC: SIP транспорт,
// медиа движок, оркестратор, историю вызовов и HTTP/WebSocket мост.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rtcall/pkg/api"
	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/history"
	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/media"
	"github.com/arzzra/rtcall/pkg/session"
	"github.com/arzzra/rtcall/pkg/signaling"
)

func main() {
	var (
		configPath = flag.String("config", "", "Путь к yaml конфигурации")
		register   = flag.Bool("register", true, "Регистрироваться при старте")
		dial       = flag.String("call", "", "Позвонить на адрес после старта")
		issueToken = flag.String("issue-token", "", "Выпустить JWT для API с указанным subject и выйти")
		tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "Срок жизни токена для -issue-token")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}

	if *issueToken != "" {
		token, err := api.IssueToken(cfg.API.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Не удалось выпустить токен: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := logging.New(cfg.Log, os.Stderr)
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Некорректная конфигурация")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *register, *dial); err != nil {
		log.Error().Err(err).Msg("Клиент остановлен с ошибкой")
		os.Exit(1)
	}
	log.Info().Msg("Клиент остановлен")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, register bool, dial string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return fmt.Errorf("история вызовов: %w", err)
	}
	defer store.Close()
	recorder := history.NewRecorder(store, log)

	// События транспорта идут только после Listen, к этому моменту orch задан
	var orch *session.Orchestrator
	transport, err := signaling.NewSIPTransport(cfg, func(e signaling.Event) {
		orch.HandleSignaling(e)
	}, log)
	if err != nil {
		return fmt.Errorf("SIP транспорт: %w", err)
	}
	defer transport.Close()

	engine, err := media.NewWebRTCEngine(cfg.Media, log)
	if err != nil {
		return fmt.Errorf("медиа движок: %w", err)
	}

	hub := api.NewHub(log)
	observer, hubGuard := observers(hub, log)
	orch, err = session.New(session.Config{
		Transport:   transport,
		Engine:      engine,
		Observer:    observer,
		Recorders:   []session.Recorder{recorder},
		Trickle:     cfg.Media.Trickle,
		Constraints: media.Constraints{Audio: cfg.Media.Audio, Video: cfg.Media.Video},
		Logger:      log,
		Registerer:  reg,
	})
	if err != nil {
		return fmt.Errorf("оркестратор: %w", err)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server, err = api.New(api.Options{
			Config:     cfg.API,
			Controller: orch,
			History:    store,
			Hub:        hub,
			Gatherer:   reg,
			Logger:     log,
		})
		if err != nil {
			return fmt.Errorf("HTTP мост: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Listen(gctx)
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	// История пишется до остановки оркестратора, чтобы не потерять
	// вызовы, завершённые при выключении
	rctx, rcancel := context.WithCancel(context.Background())
	g.Go(func() error {
		<-orch.Done()
		rcancel()
		return nil
	})
	g.Go(func() error {
		return recorder.Run(rctx)
	})

	if server != nil {
		g.Go(func() error {
			// После остановки сервера уведомления в Hub больше не идут
			defer hubGuard.Release()
			return server.Run(gctx)
		})
	}

	g.Go(func() error {
		return startup(gctx, orch, log, register, dial)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// observers собирает наблюдателя оркестратора: Hub под защитой
// GuardedObserver и запись состояний в журнал. Hub отключается через Release.
func observers(hub session.Observer, log zerolog.Logger) (session.Observer, *session.GuardedObserver) {
	guard := session.NewGuardedObserver(hub)
	return session.Observers{
		guard,
		session.ObserverFuncs{
			CallStateChanged: func(id session.CallID, state session.CallState, reason session.Reason) {
				log.Info().
					Str(logging.FieldCallID, id.String()).
					Stringer(logging.FieldState, state).
					Stringer("reason", reason).
					Msg("Состояние вызова")
			},
			InitStateChanged: func(state session.InitState, err error) {
				log.Info().Err(err).Stringer(logging.FieldState, state).Msg("Состояние регистрации")
			},
		},
	}, guard
}

// startup выполняет действия после запуска: регистрацию и исходящий вызов
func startup(ctx context.Context, orch *session.Orchestrator, log zerolog.Logger, register bool, dial string) error {
	if register {
		if err := orch.Register(ctx); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Stringer("class", session.Classify(err)).Msg("Регистрация не удалась")
		}
	}
	if dial != "" {
		id, err := orch.Call(ctx, dial)
		if err != nil {
			log.Warn().Err(err).Str("remote", dial).Msg("Не удалось начать вызов")
			return nil
		}
		log.Info().Str(logging.FieldCallID, id.String()).Str("remote", dial).Msg("Исходящий вызов")
	}
	return nil
}
