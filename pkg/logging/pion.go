package logging

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory реализует logging.LoggerFactory поверх zerolog.
// Каждый scope pion (ice, dtls, pc, ...) получает поле scope.
type PionFactory struct {
	Logger zerolog.Logger
}

// NewPionFactory создаёт фабрику логгеров для pion
func NewPionFactory(l zerolog.Logger) *PionFactory {
	return &PionFactory{Logger: l}
}

// NewLogger реализует logging.LoggerFactory
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.Logger.With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	log zerolog.Logger
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string) { p.log.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Debug(msg string) { p.log.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.log.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Info(msg string) { p.log.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.log.Info().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.log.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.log.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.log.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.log.Error().Msg(fmt.Sprintf(format, args...))
}
