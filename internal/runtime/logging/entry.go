package logging

import (
	"maps"
	"slices"
)

// EntryLoggerAdapter is satisfied by entry-style loggers such as
// *logrus.Entry whose With* methods return their own type.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewEntryServiceLogger wraps an entry-style logger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("heapflow: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: withEntryFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	withEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	withEntryFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	entry := withEntryFields(e.entry, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) {
	withEntryFields(e.entry, fields).Trace(msg)
}

// withEntryFields applies fields in key order so output is stable.
func withEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		entry = entry.WithField(key, fields[key])
	}
	return entry
}
