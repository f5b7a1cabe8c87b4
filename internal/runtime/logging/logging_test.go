package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "uploader"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	typedChild, ok := child.(*watermillServiceLogger)
	if !ok {
		t.Fatal("expected watermill service logger")
	}
	typedChild.Info("child_info", nil)

	if len(base.entries) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "debug" || base.entries[0].fields["component"] != "uploader" {
		t.Fatalf("unexpected first entry: %#v", base.entries[0])
	}
	if base.entries[4].fields["child"] != "yes" {
		t.Fatalf("expected With to propagate fields, got %#v", base.entries[4].fields)
	}
}

func TestWatermillServiceLoggerWithoutFieldsReturnsSelf(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the same logger")
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	cases := map[string]func(){
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Fatalf("expected panic for %s", name)
				}
			}()
			fn()
		})
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := NewRecorder()
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": "yes"}).Info("child_info", nil)

	entries := base.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 delegated entries, got %d", len(entries))
	}
	if entries[4].Fields["child"] != "yes" {
		t.Fatalf("expected child fields to be preserved, got %#v", entries[4].Fields)
	}
	if entries[3].Err == nil || entries[3].Level != "error" {
		t.Fatalf("expected error entry, got %#v", entries[3])
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger for nil input")
	}
	rec := NewRecorder()
	if OrNop(rec) != rec {
		t.Fatal("expected the supplied logger to be returned")
	}
	NewNopServiceLogger().Error("ignored", errors.New("boom"), nil)
}

func TestRecorderMergesFields(t *testing.T) {
	rec := NewRecorder()
	child := rec.With(LogFields{"env": "1"})
	child.Info("hello", LogFields{"user": "u"})
	child.Debug("quiet", nil)

	if got := rec.Messages("info"); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected info messages: %v", got)
	}
	entry := rec.Entries()[0]
	if entry.Fields["env"] != "1" || entry.Fields["user"] != "u" {
		t.Fatalf("expected merged fields, got %#v", entry.Fields)
	}
}

func TestNewSlogServiceLoggerWritesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("hello", LogFields{"k": "v"})
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected slog output to contain message, got %q", buf.String())
	}
}

func TestWatermillFieldConversions(t *testing.T) {
	if toWatermillFields(nil) != nil {
		t.Fatal("expected nil conversion to return nil")
	}
	if fromWatermillFields(nil) != nil {
		t.Fatal("expected nil conversion to return nil")
	}
	wm := toWatermillFields(LogFields{"a": 1})
	if lf := fromWatermillFields(wm); lf["a"].(int) != 1 {
		t.Fatalf("unexpected log fields: %#v", lf)
	}
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}
