package logging

import "sync"

// Entry is a single log line captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields LogFields
}

// Recorder is a ServiceLogger that keeps every entry in memory. Tests use it
// to assert on diagnostics that never surface as returned errors.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Recorder{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.record("debug", msg, nil, fields) }

func (r *Recorder) Info(msg string, fields LogFields) { r.record("info", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.record("error", msg, err, fields)
}

func (r *Recorder) Trace(msg string, fields LogFields) { r.record("trace", msg, nil, fields) }

// Entries returns a copy of everything recorded so far, including entries
// written through children created with With.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Messages returns the recorded messages at the given level.
func (r *Recorder) Messages(level string) []string {
	var msgs []string
	for _, e := range r.Entries() {
		if e.Level == level {
			msgs = append(msgs, e.Msg)
		}
	}
	return msgs
}

func (r *Recorder) record(level, msg string, err error, fields LogFields) {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merged})
	r.mu.Unlock()
}
