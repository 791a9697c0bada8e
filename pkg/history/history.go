// Package history хранит историю завершённых вызовов: одна запись на каждую
// попытку вызова. Записи поступают от оркестратора через Recorder.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/config"
	"github.com/arzzra/rtcall/pkg/logging"
	"github.com/arzzra/rtcall/pkg/session"
)

// ErrUnknownDriver неизвестный тип хранилища
var ErrUnknownDriver = errors.New("неизвестный драйвер истории")

// Record завершённый вызов
type Record struct {
	CallID      string    `json:"call_id"`
	Remote      string    `json:"remote"`
	Role        string    `json:"role"`
	Trickle     bool      `json:"trickle"`
	Reason      string    `json:"reason"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
}

// FromCall строит запись по снимку вызова
func FromCall(info session.CallInfo) Record {
	return Record{
		CallID:      string(info.ID),
		Remote:      info.Remote,
		Role:        info.Role.String(),
		Trickle:     info.Trickle,
		Reason:      info.Reason.String(),
		StartedAt:   info.CreatedAt,
		ConnectedAt: info.ConnectedAt,
		EndedAt:     info.EndedAt,
	}
}

// Duration длительность разговора, 0 если вызов не был установлен
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// Store хранилище истории
type Store interface {
	// Save сохраняет запись. Повторная запись того же вызова заменяет прежнюю.
	Save(ctx context.Context, r Record) error
	// List возвращает последние записи, новые первыми
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open создаёт хранилище по конфигурации. Driver "none" отключает историю.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nopStore{}, nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("подключение к Redis: %w", err)
		}
		return NewRedisStore(client, 0), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

type nopStore struct{}

func (nopStore) Save(context.Context, Record) error          { return nil }
func (nopStore) List(context.Context, int) ([]Record, error) { return nil, nil }
func (nopStore) Close() error                                { return nil }

const (
	defaultQueueSize = 64
	saveTimeout      = 5 * time.Second
)

// Recorder принимает снимки завершённых вызовов от оркестратора и пишет
// их в хранилище в своей горутине, не задерживая оркестратор
type Recorder struct {
	store Store
	queue chan Record
	log   zerolog.Logger
}

var _ session.Recorder = (*Recorder)(nil)

// NewRecorder создаёт Recorder. Запись начинается после запуска Run.
func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{
		store: store,
		queue: make(chan Record, defaultQueueSize),
		log:   logging.Component(log, "history"),
	}
}

// RecordCall ставит вызов в очередь записи. При переполненной очереди запись
// отбрасывается с предупреждением.
func (r *Recorder) RecordCall(info session.CallInfo) {
	rec := FromCall(info)
	select {
	case r.queue <- rec:
	default:
		r.log.Warn().Str(logging.FieldCallID, rec.CallID).Msg("Очередь истории переполнена, запись пропущена")
	}
}

// Run пишет записи до отмены ctx, затем дописывает оставшиеся в очереди
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.save(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.save(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) save(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, rec); err != nil {
		r.log.Error().Err(err).Str(logging.FieldCallID, rec.CallID).Msg("Не удалось сохранить вызов")
		return
	}
	r.log.Debug().Str(logging.FieldCallID, rec.CallID).Str("reason", rec.Reason).Msg("Вызов сохранён в истории")
}
