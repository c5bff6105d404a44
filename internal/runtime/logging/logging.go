package logging

import (
	"log/slog"
	"maps"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// Field keys shared by the bus, the transports and the diagnostics layer.
const (
	FieldComponent     = "component"
	FieldMessageType   = "message_type"
	FieldCorrelationID = "correlation_id"
	FieldAddress       = "address"
)

// ServiceLogger is the logging contract used across the bus. It mirrors
// watermill.LoggerAdapter so an existing watermill logger plugs in as is.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// slogTrace is the level watermill's slog bridge logs Trace entries at.
const slogTrace = slog.LevelDebug - 4

// NewSlogServiceLogger wraps a slog.Logger. Trace entries are written at
// debug level so message-level tracing shows up with -debug handlers.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("servicebus: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, map[slog.Level]slog.Level{
		slogTrace: slog.LevelDebug,
	}))
}

// NewWatermillServiceLogger wraps an existing watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("servicebus: watermill logger cannot be nil")
	}
	return adapterLogger{inner: logger}
}

// NopLogger returns a ServiceLogger that discards everything.
func NopLogger() ServiceLogger {
	return adapterLogger{inner: watermill.NopLogger{}}
}

// OrNop returns log, or a discarding logger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NopLogger()
	}
	return log
}

// ForComponent scopes log to one part of the bus. A nil log yields a
// discarding logger.
func ForComponent(log ServiceLogger, component string) ServiceLogger {
	return OrNop(log).With(LogFields{FieldComponent: component})
}

// MessageFields returns the fields identifying one message, merged with extra.
// Empty values are left out.
func MessageFields(messageType, correlationID string, extra LogFields) LogFields {
	fields := make(LogFields, len(extra)+2)
	maps.Copy(fields, extra)
	if messageType != "" {
		fields[FieldMessageType] = messageType
	}
	if correlationID != "" {
		fields[FieldCorrelationID] = correlationID
	}
	return fields
}

type adapterLogger struct {
	inner watermill.LoggerAdapter
}

func (l adapterLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return adapterLogger{inner: l.inner.With(watermill.LogFields(fields))}
}

func (l adapterLogger) Debug(msg string, fields LogFields) {
	l.inner.Debug(msg, toWatermill(fields))
}

func (l adapterLogger) Info(msg string, fields LogFields) {
	l.inner.Info(msg, toWatermill(fields))
}

func (l adapterLogger) Trace(msg string, fields LogFields) {
	l.inner.Trace(msg, toWatermill(fields))
}

func (l adapterLogger) Error(msg string, err error, fields LogFields) {
	l.inner.Error(msg, err, toWatermill(fields))
}

// NewWatermillAdapter turns a ServiceLogger into a watermill LoggerAdapter so
// the transports log through the same sink as the bus.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("servicebus: ServiceLogger cannot be nil")
	}
	if wrapped, ok := log.(adapterLogger); ok {
		return wrapped.inner
	}
	return bridge{log: log}
}

// bridge exposes a foreign ServiceLogger through watermill.LoggerAdapter.
type bridge struct {
	log ServiceLogger
}

func (b bridge) Debug(msg string, fields watermill.LogFields) {
	b.log.Debug(msg, fromWatermill(fields))
}

func (b bridge) Info(msg string, fields watermill.LogFields) {
	b.log.Info(msg, fromWatermill(fields))
}

func (b bridge) Trace(msg string, fields watermill.LogFields) {
	b.log.Trace(msg, fromWatermill(fields))
}

func (b bridge) Error(msg string, err error, fields watermill.LogFields) {
	b.log.Error(msg, err, fromWatermill(fields))
}

func (b bridge) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return bridge{log: b.log.With(fromWatermill(fields))}
}

func toWatermill(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermill(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
