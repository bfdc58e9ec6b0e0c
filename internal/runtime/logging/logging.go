// Package logging defines the logger livewire components write to and the
// bridges between it, Watermill, slog and entry-style loggers such as logrus.
package logging

import (
	"log/slog"
	"slices"

	"github.com/ThreeDotsLabs/watermill"
)

// ServiceLogger is what the outbox, inbox, relayer, storage adapters and the
// Service log through. Its shape mirrors watermill.LoggerAdapter so the
// router can share it.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// EntryLoggerAdapter is the subset of an entry-style logger livewire needs.
// T is the logger's own type so chained WithField calls keep it.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewSlogServiceLogger logs through log. Trace lines use Watermill's trace
// level, below slog.LevelDebug.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("livewire: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("livewire: watermill logger cannot be nil")
	}
	return &wmLogger{out: logger}
}

// NewEntryServiceLogger logs through an entry-style logger. Fields are
// attached in key order right before each line is written.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("livewire: entry logger cannot be nil")
	}
	return &entryLogger[T]{entry: entry}
}

// NewNopServiceLogger discards everything.
func NewNopServiceLogger() ServiceLogger {
	return &wmLogger{out: watermill.NopLogger{}}
}

// OrNop returns log, or a nop logger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NewNopServiceLogger()
	}
	return log
}

// NewWatermillAdapter lets the Watermill router log through log.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("livewire: ServiceLogger cannot be nil")
	}
	return &routerLogger{log: log}
}

type wmLogger struct {
	out watermill.LoggerAdapter
}

func (l *wmLogger) With(fields LogFields) ServiceLogger {
	return &wmLogger{out: l.out.With(toWatermill(fields))}
}

func (l *wmLogger) Debug(msg string, fields LogFields) { l.out.Debug(msg, toWatermill(fields)) }
func (l *wmLogger) Info(msg string, fields LogFields)  { l.out.Info(msg, toWatermill(fields)) }
func (l *wmLogger) Trace(msg string, fields LogFields) { l.out.Trace(msg, toWatermill(fields)) }

func (l *wmLogger) Error(msg string, err error, fields LogFields) {
	l.out.Error(msg, err, toWatermill(fields))
}

// entryLogger keeps its own fields and only touches the entry when a line is
// written.
type entryLogger[T EntryLoggerAdapter[T]] struct {
	entry  T
	fields LogFields
}

func (l *entryLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return &entryLogger[T]{entry: l.entry, fields: l.fields.With(fields)}
}

func (l *entryLogger[T]) Debug(msg string, fields LogFields) { l.at(fields).Debug(msg) }
func (l *entryLogger[T]) Info(msg string, fields LogFields)  { l.at(fields).Info(msg) }
func (l *entryLogger[T]) Trace(msg string, fields LogFields) { l.at(fields).Trace(msg) }

func (l *entryLogger[T]) Error(msg string, err error, fields LogFields) {
	entry := l.at(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (l *entryLogger[T]) at(fields LogFields) T {
	merged := l.fields
	if len(fields) > 0 {
		merged = merged.With(fields)
	}
	return withEntryFields(l.entry, merged)
}

func withEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	if len(fields) == 0 {
		return entry
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		entry = entry.WithField(k, fields[k])
	}
	return entry
}

type routerLogger struct {
	log ServiceLogger
}

func (r *routerLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.log.Error(msg, err, fromWatermill(fields))
}

func (r *routerLogger) Info(msg string, fields watermill.LogFields)  { r.log.Info(msg, fromWatermill(fields)) }
func (r *routerLogger) Debug(msg string, fields watermill.LogFields) { r.log.Debug(msg, fromWatermill(fields)) }
func (r *routerLogger) Trace(msg string, fields watermill.LogFields) { r.log.Trace(msg, fromWatermill(fields)) }

func (r *routerLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &routerLogger{log: r.log.With(fromWatermill(fields))}
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
