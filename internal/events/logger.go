package events

import (
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/charmbracelet/log"
)

// loggerAdapter routes watermill's logs through a charm logger.
// Trace is mapped to Debug since charm has no lower level.
type loggerAdapter struct {
	logger *log.Logger
}

// NewLoggerAdapter wraps l as a [watermill.LoggerAdapter].
func NewLoggerAdapter(l *log.Logger) watermill.LoggerAdapter {
	return &loggerAdapter{logger: l}
}

func (a *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(keyvals(fields), "err", err)...)
}

func (a *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, keyvals(fields)...)
}

func (a *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, keyvals(fields)...)
}

func (a *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, keyvals(fields)...)
}

func (a *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{logger: a.logger.With(keyvals(fields)...)}
}

// keyvals flattens fields in key order so log lines are stable.
func keyvals(fields watermill.LogFields) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	return out
}
