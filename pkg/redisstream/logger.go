package redisstream

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter bridges watermill's LoggerAdapter onto zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

// NewWatermillLogger wraps a zerolog logger for use with watermill transports.
func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &zerologAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (a *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error().Err(err), msg, fields)
}

func (a *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.logger.Info(), msg, fields)
}

func (a *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), msg, fields)
}

func (a *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), msg, fields)
}

func (a *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zerologAdapter{logger: ctx.Logger()}
}

func (a *zerologAdapter) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
