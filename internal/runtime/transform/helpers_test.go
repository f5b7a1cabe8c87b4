package transform

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drblury/heapflow/datastore"
	"github.com/drblury/heapflow/internal/runtime/models"
)

type write struct {
	op      string
	message models.Message
	args    []string
}

// recordingStore captures the writes that reach the data store, in order.
type recordingStore struct {
	datastore.DataStore

	mu     sync.Mutex
	writes []write
}

func (s *recordingStore) record(w write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, w)
}

func (s *recordingStore) Writes() []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]write, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *recordingStore) CreateSessionIfNeeded(m models.Message) {
	s.record(write{op: "create_session", message: m})
}

func (s *recordingStore) InsertPendingMessage(m models.Message) {
	s.record(write{op: "insert_message", message: m})
}

func (s *recordingStore) CreateNewUserIfNeeded(env, user string, identity *string, _ time.Time) {
	args := []string{env, user}
	if identity != nil {
		args = append(args, *identity)
	}
	s.record(write{op: "create_user", args: args})
}

func (s *recordingStore) SetIdentityIfNull(env, user, identity string) {
	s.record(write{op: "set_identity", args: []string{env, user, identity}})
}

func (s *recordingStore) InsertOrUpdateUserProperty(env, user, name, value string) {
	s.record(write{op: "user_property", args: []string{env, user, name, value}})
}

func (s *recordingStore) CreateSessionWithoutMessageIfNeeded(env, user, session string, _ time.Time) {
	s.record(write{op: "create_session_without_message", args: []string{env, user, session}})
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage(index int) models.Message {
	return models.Message{
		ID:            fmt.Sprintf("msg-%02d", index),
		EnvironmentID: "env",
		UserID:        "user",
		Time:          baseTime.Add(time.Duration(index) * time.Second),
		Session:       models.SessionInfo{ID: "session", Time: baseTime},
		Kind:          models.KindEvent,
		Event:         &models.EventInfo{Name: "tap"},
		Properties:    map[string]string{"index": strconv.Itoa(index)},
	}
}

// phaseTransformer reports an arbitrary phase.
type phaseTransformer struct {
	Func
	phase Phase
}

func (p phaseTransformer) Phase() Phase { return p.phase }

// fixedTimeout reports timeout verbatim, bypassing the Func default.
type fixedTimeout struct {
	Func
	timeout time.Duration
}

func (f fixedTimeout) Timeout() time.Duration { return f.timeout }

func tagging(name, marker string) Func {
	return Func{
		TransformerName:    name,
		TransformerTimeout: time.Second,
		Fn: func(event models.Transformable, complete func(models.Transformable)) {
			complete(event.WithSessionReplay(marker))
		},
	}
}

func hanging(name string, timeout time.Duration) Func {
	return Func{
		TransformerName:    name,
		TransformerTimeout: timeout,
		Fn:                 func(models.Transformable, func(models.Transformable)) {},
	}
}

// recordingTracer remembers the names of the spans it starts.
type recordingTracer struct {
	noop.Tracer

	mu    sync.Mutex
	names []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func (r *recordingTracer) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}
