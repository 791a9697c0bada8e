// Package logging строит zerolog логгер клиента и адаптирует его
// к интерфейсам логирования pion.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/rtcall/pkg/config"
)

// Стандартные имена полей, которыми компоненты дополняют логгер
const (
	FieldComponent = "component"
	FieldCallID    = "call_id"
	FieldState     = "state"
	FieldMethod    = "method"
)

// New создаёт логгер по конфигурации. Вывод в out (nil = os.Stderr).
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel разбирает уровень логирования. Неизвестный уровень = info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component возвращает дочерний логгер с полем component
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// Nop логгер, отбрасывающий все записи
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
