package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/heapflow/datastore"
	"github.com/drblury/heapflow/datastore/memory"
	configpkg "github.com/drblury/heapflow/internal/runtime/config"
	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	"github.com/drblury/heapflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/transform"
	"github.com/drblury/heapflow/internal/runtime/upload"
	"github.com/drblury/heapflow/internal/runtime/wire"
)

const (
	testEnv     = "env"
	testUser    = "user"
	testSession = "session"
)

var activeSession = upload.ActiveSessionFunc(func() (upload.ActiveSession, bool) {
	return upload.ActiveSession{EnvironmentID: testEnv, UserID: testUser, SessionID: testSession}, true
})

type collectedRequest struct {
	endpoint string
	user     string
	messages []models.Message
}

// collector is a fake capture endpoint that accepts everything.
type collector struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	requests []collectedRequest
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{t: t}
	c.srv = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	req := collectedRequest{
		endpoint: strings.TrimPrefix(r.URL.Path, "/api/capture/v2/"),
		user:     r.URL.Query().Get("u"),
	}
	if req.endpoint == string(upload.EndpointTrack) {
		items, err := wire.DecodeMessageBatch(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, item := range items {
			m, err := wire.DecodeMessage(item)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			req.messages = append(req.messages, m)
		}
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) Requests() []collectedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]collectedRequest(nil), c.requests...)
}

func newTestService(t *testing.T, cfg configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.ActiveSession == nil {
		deps.ActiveSession = activeSession
	}
	svc, err := TryNewService(context.Background(), &cfg, loggingpkg.NewNopServiceLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func sessionStart(at time.Time) models.Message {
	return models.Message{
		ID: "session-start", EnvironmentID: testEnv, UserID: testUser, Time: at,
		Session: models.SessionInfo{ID: testSession, Time: at}, Kind: models.KindSession,
	}
}

func event(i int, at time.Time) models.Message {
	m := sessionStart(at)
	m.ID = fmt.Sprintf("event-%d", i)
	m.Time = at.Add(time.Duration(i) * time.Millisecond)
	m.Kind = models.KindEvent
	m.Event = &models.EventInfo{Name: "tap"}
	return m
}

// slowFirst completes earlier messages later so commits resolve in reverse.
func slowFirst(start time.Time) transform.Func {
	return transform.Func{
		TransformerName:    "replay",
		TransformerTimeout: time.Second,
		Fn: func(event models.Transformable, complete func(models.Transformable)) {
			delay := 20*time.Millisecond - event.Timestamp.Sub(start)
			time.Sleep(max(delay, 0))
			complete(event.WithSessionReplay("replay-1"))
		},
	}
}

func TestTryNewServiceValidation(t *testing.T) {
	ctx := context.Background()
	fake := upload.ClientFunc(func(context.Context, upload.Request) upload.Result { return upload.Success() })

	_, err := TryNewService(ctx, nil, nil, ServiceDependencies{ActiveSession: activeSession})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = TryNewService(ctx, &configpkg.Config{BaseURL: "https://collector.example.com"}, nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrActiveSessionRequired)

	_, err = TryNewService(ctx, &configpkg.Config{DataStore: "memory"}, nil, ServiceDependencies{ActiveSession: activeSession})
	assert.ErrorIs(t, err, errspkg.ErrBaseURLRequired)
	var validation errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = TryNewService(ctx, &configpkg.Config{DataStore: "cassandra"}, nil, ServiceDependencies{
		ActiveSession: activeSession, Client: fake,
	})
	assert.ErrorIs(t, err, errspkg.ErrUnknownDataStore)

	_, err = TryNewService(ctx, &configpkg.Config{DataStore: "memory"}, nil, ServiceDependencies{
		ActiveSession: activeSession, Client: fake,
		Transformers: []transform.Transformer{nil},
	})
	assert.ErrorIs(t, err, errspkg.ErrTransformerRequired)

	assert.Panics(t, func() {
		NewService(ctx, nil, nil, ServiceDependencies{ActiveSession: activeSession})
	})
}

func TestServiceUploadsCommittedWritesInOrder(t *testing.T) {
	for _, engine := range []string{"memory", "sqlite"} {
		t.Run(engine, func(t *testing.T) {
			coll := newCollector(t)
			start := time.Now().UTC().Truncate(time.Millisecond)
			svc := newTestService(t, configpkg.Config{
				BaseURL:    coll.srv.URL,
				DataStore:  engine,
				SQLiteFile: ":memory:",
			}, ServiceDependencies{Transformers: []transform.Transformer{slowFirst(start)}})

			svc.CreateNewUserIfNeeded(testEnv, testUser, nil, start)
			svc.InsertOrUpdateUserProperty(testEnv, testUser, "plan", "pro")
			svc.CreateSessionIfNeeded(sessionStart(start))
			for i := 1; i <= 5; i++ {
				svc.InsertPendingMessage(event(i, start))
			}
			require.NoError(t, svc.Flush(context.Background()))

			report, err := svc.Upload(context.Background())
			require.NoError(t, err)
			assert.True(t, report.Result.IsSuccess())

			reqs := coll.Requests()
			require.Len(t, reqs, 2)
			assert.Equal(t, string(upload.EndpointUserProperties), reqs[0].endpoint)
			assert.Equal(t, testUser, reqs[0].user)
			assert.Equal(t, string(upload.EndpointTrack), reqs[1].endpoint)

			var ids []string
			for _, m := range reqs[1].messages {
				ids = append(ids, m.ID)
				assert.Equal(t, "replay-1", m.SessionReplay)
			}
			assert.Equal(t, []string{"session-start", "event-1", "event-2", "event-3", "event-4", "event-5"}, ids)

			users, err := svc.DataStore().UsersToUpload(context.Background())
			require.NoError(t, err)
			assert.Empty(t, users)
		})
	}
}

func TestServiceStatus(t *testing.T) {
	coll := newCollector(t)
	start := time.Now().UTC().Truncate(time.Millisecond)
	svc := newTestService(t, configpkg.Config{BaseURL: coll.srv.URL, DataStore: "memory"}, ServiceDependencies{})
	require.NoError(t, svc.AddTransformer(slowFirst(start)))

	svc.CreateNewUserIfNeeded(testEnv, testUser, nil, start)
	svc.CreateSessionIfNeeded(sessionStart(start))
	svc.InsertPendingMessage(event(1, start))
	require.NoError(t, svc.Flush(context.Background()))
	_, err := svc.Upload(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "memory", status.DataStore)
	assert.Equal(t, []string{"replay"}, status.Transformers)
	assert.Equal(t, uint64(1), status.Cycles.Total)
	assert.Equal(t, "success", status.Cycles.LastOutcome)
	require.Contains(t, status.Operations, string(upload.OperationMessages))
	messages := status.Operations[string(upload.OperationMessages)]
	assert.Equal(t, uint64(1), messages.Succeeded)
	assert.Equal(t, uint64(2), messages.Messages)
	assert.Equal(t, 1, messages.Latency.SampleSize)
	assert.False(t, status.NextScheduledUpload.IsZero())

	rec = httptest.NewRecorder()
	svc.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServiceMountsMetricsAndStatus(t *testing.T) {
	svc := newTestService(t, configpkg.Config{
		BaseURL:        "https://collector.example.com",
		DataStore:      "memory",
		MetricsEnabled: true,
		MetricsPort:    9464,
	}, ServiceDependencies{})

	svc.httpServersMu.Lock()
	mux, ok := svc.httpServers[9464]
	svc.httpServersMu.Unlock()
	require.True(t, ok)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "heapflow_upload_messages_total")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceWithoutMetricsMountsNothing(t *testing.T) {
	svc := newTestService(t, configpkg.Config{
		BaseURL:   "https://collector.example.com",
		DataStore: "memory",
	}, ServiceDependencies{})

	svc.httpServersMu.Lock()
	defer svc.httpServersMu.Unlock()
	assert.Empty(t, svc.httpServers)
}

func TestServiceStartRunsScheduledUploads(t *testing.T) {
	coll := newCollector(t)
	cycles := make(chan upload.CycleReport, 4)
	svc := newTestService(t, configpkg.Config{
		BaseURL:       coll.srv.URL,
		DataStore:     "memory",
		SchedulerTick: 5 * time.Millisecond,
	}, ServiceDependencies{Hooks: upload.Hooks{
		OnCycleDone: func(r upload.CycleReport) { cycles <- r },
	}})

	start := time.Now().UTC()
	svc.CreateNewUserIfNeeded(testEnv, testUser, nil, start)
	svc.CreateSessionIfNeeded(sessionStart(start))
	require.NoError(t, svc.Flush(context.Background()))

	svc.Start(context.Background())

	select {
	case report := <-cycles:
		assert.True(t, report.Result.IsSuccess())
	case <-time.After(5 * time.Second):
		t.Fatal("no scheduled cycle ran")
	}
	require.NoError(t, svc.Close())
	assert.NotEmpty(t, coll.Requests())
}

// closeCountingStore records Close calls on a store the service does not own.
type closeCountingStore struct {
	datastore.DataStore

	mu     sync.Mutex
	closed int
}

func (s *closeCountingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func TestServiceCloseLeavesInjectedStoreOpen(t *testing.T) {
	store := &closeCountingStore{DataStore: memory.New(memory.Config{}, nil, nil)}
	rec := loggingpkg.NewRecorder()
	cfg := configpkg.Config{BaseURL: "https://collector.example.com"}
	svc, err := TryNewService(context.Background(), &cfg, rec, ServiceDependencies{
		ActiveSession: activeSession,
		DataStore:     store,
	})
	require.NoError(t, err)
	assert.Same(t, store, svc.DataStore())

	svc.CreateNewUserIfNeeded(testEnv, testUser, nil, time.Now())
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	store.mu.Lock()
	assert.Zero(t, store.closed)
	store.mu.Unlock()

	users, err := store.UsersToUpload(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 1, "writes submitted before Close are committed")

	svc.InsertPendingMessage(event(1, time.Now()))
	assert.Contains(t, rec.Messages("error"), "Dropping write submitted after shutdown")
}
