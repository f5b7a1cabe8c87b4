package logging

import (
	"errors"
	"strings"
	"testing"
)

type fakeEntry struct {
	fields []string
	err    error
	sink   *[]string
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{sink: &[]string{}}
}

func (f *fakeEntry) log(level string, args ...any) {
	line := level + ":" + args[0].(string)
	if len(f.fields) > 0 {
		line += " " + strings.Join(f.fields, ",")
	}
	if f.err != nil {
		line += " err=" + f.err.Error()
	}
	*f.sink = append(*f.sink, line)
}

func (f *fakeEntry) Error(args ...any) { f.log("error", args...) }
func (f *fakeEntry) Info(args ...any)  { f.log("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.log("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.log("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	clone := *f
	clone.err = err
	return &clone
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	clone := *f
	clone.fields = append(append([]string(nil), f.fields...), key+"="+value.(string))
	return &clone
}

func TestEntryServiceLoggerDelegates(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)

	logger.Debug("dbg", LogFields{"b": "2", "a": "1"})
	logger.Info("info", nil)
	logger.Trace("trace", nil)
	logger.Error("oops", errors.New("boom"), LogFields{"op": "upload"})
	logger.With(LogFields{"component": "upload"}).Info("child", LogFields{"user": "u"})

	want := []string{
		"debug:dbg a=1,b=2",
		"info:info",
		"trace:trace",
		"error:oops op=upload err=boom",
		"info:child component=upload,user=u",
	}
	got := *entry.sink
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if len(entry.fields) != 0 {
		t.Fatalf("base entry must not be mutated, got %v", entry.fields)
	}
}

func TestEntryServiceLoggerWithoutFieldsReturnsSelf(t *testing.T) {
	logger := NewEntryServiceLogger(newFakeEntry())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the same logger")
	}
}

type anyEntry interface {
	EntryLoggerAdapter[anyEntry]
}

func TestEntryServiceLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil entry")
		}
	}()
	NewEntryServiceLogger[anyEntry](nil)
}
