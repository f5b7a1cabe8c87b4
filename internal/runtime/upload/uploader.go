// Package upload drains the data store to the collector.
//
// A cycle snapshots every user with outstanding work, then issues requests
// in a fixed order per user (initial user record, identity, user
// properties, message batches) until the work runs out or a request fails
// in a way that makes further requests pointless. Bad requests are final
// for their payload and never stop the cycle.
package upload

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/heapflow/datastore"
	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/wire"
)

// BackoffMultiplier stretches the interval after a failed cycle.
const BackoffMultiplier = 4

// ActiveSession is the session currently recording events.
type ActiveSession struct {
	EnvironmentID string
	UserID        string
	SessionID     string
}

// ActiveSessionProvider reports the active session, if any.
type ActiveSessionProvider interface {
	ActiveSession() (ActiveSession, bool)
}

// ActiveSessionFunc adapts a function to ActiveSessionProvider.
type ActiveSessionFunc func() (ActiveSession, bool)

func (f ActiveSessionFunc) ActiveSession() (ActiveSession, bool) { return f() }

// Config holds the uploader settings.
type Config struct {
	Interval time.Duration
	// Tick is how often Start checks whether a cycle is due.
	Tick time.Duration

	MessageBatchByteLimit    int
	MessageBatchMessageLimit int

	PruneMessageAge time.Duration
	PruneUserAge    time.Duration

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	// Library is attached to user property and identity payloads.
	Library *models.LibraryInfo
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.MessageBatchByteLimit <= 0 {
		c.MessageBatchByteLimit = 3_000_000
	}
	if c.MessageBatchMessageLimit <= 0 {
		c.MessageBatchMessageLimit = 200
	}
	if c.PruneMessageAge <= 0 {
		c.PruneMessageAge = 6 * 24 * time.Hour
	}
	if c.PruneUserAge <= 0 {
		c.PruneUserAge = 6 * 24 * time.Hour
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Option configures an Uploader.
type Option func(*Uploader)

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(u *Uploader) { u.logger = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Uploader) { u.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(u *Uploader) { u.tracer = tracer }
}

// WithHooks merges hooks into any already configured.
func WithHooks(hooks Hooks) Option {
	return func(u *Uploader) { u.hooks = u.hooks.Merge(hooks) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// Uploader runs upload cycles, at most one at a time.
type Uploader struct {
	store   datastore.DataStore
	client  Client
	active  ActiveSessionProvider
	config  Config
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	hooks   Hooks
	limiter *rate.Limiter
	now     func() time.Time

	mu            sync.Mutex
	inFlight      bool
	nextScheduled time.Time
	// Rejections last for the life of the process; a restart retries them.
	rejectedUsers    map[models.UserKey]struct{}
	rejectedSessions map[models.SessionKey]struct{}

	lifecycleMu sync.Mutex
	stop        context.CancelFunc
	stopped     chan struct{}
}

// New creates an Uploader. Nothing runs until Start, UploadIfNeeded or
// Upload is called.
func New(store datastore.DataStore, client Client, active ActiveSessionProvider, cfg Config, opts ...Option) (*Uploader, error) {
	if store == nil {
		return nil, errspkg.ErrDataStoreRequired
	}
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if active == nil {
		return nil, errspkg.ErrActiveSessionRequired
	}
	cfg = cfg.withDefaults()
	u := &Uploader{
		store:            store,
		client:           client,
		active:           active,
		config:           cfg,
		now:              time.Now,
		rejectedUsers:    make(map[models.UserKey]struct{}),
		rejectedSessions: make(map[models.SessionKey]struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = loggingpkg.OrNop(u.logger)
	if u.tracer == nil {
		u.tracer = otel.Tracer("heapflow/upload")
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	u.limiter = rate.NewLimiter(limit, cfg.Burst)
	return u, nil
}

// NextScheduledUploadDate is when UploadIfNeeded will next run a cycle.
func (u *Uploader) NextScheduledUploadDate() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nextScheduled
}

// Start checks every Tick whether a cycle is due. Calling Start twice is a
// no-op.
func (u *Uploader) Start(ctx context.Context) {
	u.lifecycleMu.Lock()
	defer u.lifecycleMu.Unlock()
	if u.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	u.stop = cancel
	u.stopped = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(u.config.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A cycle that has started always runs to completion.
				u.UploadIfNeeded(context.WithoutCancel(ctx))
			}
		}
	}()
}

// Stop ends scheduling. A cycle already running is not cancelled; Stop
// returns once it has finished.
func (u *Uploader) Stop() {
	u.lifecycleMu.Lock()
	cancel, done := u.stop, u.stopped
	u.stop, u.stopped = nil, nil
	u.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// UploadIfNeeded runs a cycle when one is due, none is running and a
// session is active. It reports whether a cycle ran.
func (u *Uploader) UploadIfNeeded(ctx context.Context) (CycleReport, bool) {
	active, ok := u.active.ActiveSession()
	if !ok {
		return CycleReport{}, false
	}
	if !u.begin(true) {
		return CycleReport{}, false
	}
	defer u.end()
	return u.cycle(ctx, active), true
}

// Upload runs a cycle now regardless of the schedule.
func (u *Uploader) Upload(ctx context.Context) (CycleReport, error) {
	active, ok := u.active.ActiveSession()
	if !ok {
		return CycleReport{}, errspkg.ErrNoActiveSession
	}
	if !u.begin(false) {
		return CycleReport{}, errspkg.ErrUploadInProgress
	}
	defer u.end()
	return u.cycle(ctx, active), nil
}

func (u *Uploader) begin(respectSchedule bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inFlight {
		return false
	}
	if respectSchedule && u.now().Before(u.nextScheduled) {
		return false
	}
	u.inFlight = true
	return true
}

func (u *Uploader) end() {
	u.mu.Lock()
	u.inFlight = false
	u.mu.Unlock()
}

// IsUserRejected reports whether uploads for the user stopped after a bad
// request.
func (u *Uploader) IsUserRejected(environmentID, userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.rejectedUsers[models.UserKey{EnvironmentID: environmentID, UserID: userID}]
	return ok
}

// IsSessionRejected reports whether uploads for the session stopped after a
// bad request.
func (u *Uploader) IsSessionRejected(environmentID, userID, sessionID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.rejectedSessions[models.SessionKey{EnvironmentID: environmentID, UserID: userID, SessionID: sessionID}]
	return ok
}

func (u *Uploader) cycle(ctx context.Context, active ActiveSession) CycleReport {
	started := u.now()
	ctx, span := u.tracer.Start(ctx, "heapflow.upload.cycle")
	defer span.End()

	u.store.PruneOldData(active.EnvironmentID, active.UserID, active.SessionID,
		started.Add(-u.config.PruneMessageAge), started.Add(-u.config.PruneUserAge))

	report := CycleReport{StartedAt: started}
	users, err := u.store.UsersToUpload(ctx)
	if err != nil {
		report.Result = Failure(NetworkFailure, 0, err)
	} else {
		users = u.prepare(users, active)
		u.hooks.cycleStart(CycleInfo{StartedAt: started, Users: len(users), Active: active})
		report.Result, report.Operations = u.drain(ctx, users, active)
	}

	finished := u.now()
	next := finished.Add(u.config.Interval)
	if !report.Result.CanContinue() {
		next = finished.Add(u.config.Interval * BackoffMultiplier)
	}
	u.mu.Lock()
	u.nextScheduled = next
	u.mu.Unlock()

	report.Duration = finished.Sub(started)
	report.NextScheduledUploadDate = next

	span.SetAttributes(
		attribute.String("heapflow.upload.outcome", report.Result.Outcome()),
		attribute.Int("heapflow.upload.operations", len(report.Operations)),
	)
	if !report.Result.CanContinue() {
		span.SetStatus(codes.Error, report.Result.Err.Error())
	}
	u.metrics.RecordCycle(report.Result.Outcome(), report.Duration.Seconds())
	u.hooks.cycleDone(report)
	return report
}

// prepare drops rejected users and sessions and moves the active user and
// session to the front.
func (u *Uploader) prepare(users []*models.UserToUpload, active ActiveSession) []*models.UserToUpload {
	u.mu.Lock()
	defer u.mu.Unlock()

	activeKey := models.UserKey{EnvironmentID: active.EnvironmentID, UserID: active.UserID}
	out := make([]*models.UserToUpload, 0, len(users))
	for _, user := range users {
		if _, rejected := u.rejectedUsers[user.Key()]; rejected {
			continue
		}
		sessions := user.SessionIDs[:0]
		for _, id := range user.SessionIDs {
			if _, rejected := u.rejectedSessions[user.SessionKey(id)]; !rejected {
				sessions = append(sessions, id)
			}
		}
		user.SessionIDs = sessions

		if user.Key() == activeKey {
			user.MoveSessionToFront(active.SessionID)
			out = append([]*models.UserToUpload{user}, out...)
			continue
		}
		out = append(out, user)
	}
	return out
}

type operation struct {
	kind       OperationKind
	request    Request
	sessionID  string
	messageIDs []models.MessageIdentifier
	properties map[string]string
}

func (u *Uploader) drain(ctx context.Context, users []*models.UserToUpload, active ActiveSession) (Result, []OperationReport) {
	result := Success()
	var reports []OperationReport
	uploaded := make(map[models.MessageIdentifier]struct{})

	for len(users) > 0 {
		user := users[0]
		op, ok, err := u.nextOperation(ctx, user, uploaded)
		if err != nil {
			return Failure(NetworkFailure, 0, err), reports
		}
		if !ok {
			users = users[1:]
			continue
		}

		report := u.send(ctx, op)
		reports = append(reports, report)
		result = report.Result
		if !result.CanContinue() {
			break
		}
		if drop := u.complete(op, user, result, active); drop {
			users = users[1:]
		}
		for _, id := range op.messageIDs {
			uploaded[id] = struct{}{}
		}
	}
	return result, reports
}

// nextOperation picks the next request for user. Sessions whose queue turns
// out to be empty, or still starts with a message already uploaded in this
// cycle, are dropped along the way.
func (u *Uploader) nextOperation(ctx context.Context, user *models.UserToUpload, uploaded map[models.MessageIdentifier]struct{}) (operation, bool, error) {
	base := Request{
		EnvironmentID: user.EnvironmentID,
		UserID:        user.UserID,
		Identity:      user.Identity,
	}

	if user.NeedsInitialUpload {
		props := maps.Clone(user.PendingUserProperties)
		base.Endpoint = EndpointUserProperties
		base.Payload = wire.EncodeUserProperties(user.EnvironmentID, user.UserID, props, u.config.Library)
		return operation{kind: OperationInitialUser, request: base, properties: props}, true, nil
	}
	if user.NeedsIdentityUpload && user.Identity != nil {
		base.Endpoint = EndpointIdentify
		base.Payload = wire.EncodeUserIdentification(user.EnvironmentID, user.UserID, *user.Identity, u.config.Library)
		return operation{kind: OperationIdentity, request: base}, true, nil
	}
	if len(user.PendingUserProperties) > 0 {
		props := maps.Clone(user.PendingUserProperties)
		base.Endpoint = EndpointUserProperties
		base.Payload = wire.EncodeUserProperties(user.EnvironmentID, user.UserID, props, u.config.Library)
		return operation{kind: OperationUserProperties, request: base, properties: props}, true, nil
	}

	for len(user.SessionIDs) > 0 {
		sessionID := user.SessionIDs[0]
		messages, err := u.store.GetPendingEncodedMessages(ctx, user.EnvironmentID, user.UserID, sessionID,
			u.config.MessageBatchMessageLimit, u.config.MessageBatchByteLimit)
		if err != nil {
			return operation{}, false, err
		}
		if len(messages) == 0 {
			user.RemoveSession(sessionID)
			continue
		}
		if _, seen := uploaded[messages[0].ID]; seen {
			u.logger.Error("Uploaded messages are still pending, skipping session", nil, loggingpkg.LogFields{
				"environment_id": user.EnvironmentID, "user_id": user.UserID, "session_id": sessionID,
			})
			user.RemoveSession(sessionID)
			continue
		}
		payloads := make([][]byte, len(messages))
		ids := make([]models.MessageIdentifier, len(messages))
		for i, m := range messages {
			payloads[i] = m.Payload
			ids[i] = m.ID
		}
		base.Endpoint = EndpointTrack
		base.Payload = wire.EncodeMessageBatch(payloads)
		return operation{kind: OperationMessages, request: base, sessionID: sessionID, messageIDs: ids}, true, nil
	}
	return operation{}, false, nil
}

func (u *Uploader) send(ctx context.Context, op operation) OperationReport {
	ctx, span := u.tracer.Start(ctx, "heapflow.upload."+string(op.kind), trace.WithAttributes(
		attribute.String("heapflow.upload.endpoint", string(op.request.Endpoint)),
		attribute.Int("heapflow.upload.bytes", len(op.request.Payload)),
	))
	defer span.End()

	started := u.now()
	var result Result
	if err := u.limiter.Wait(ctx); err != nil {
		result = Failure(NetworkFailure, 0, err)
	} else {
		result = u.client.Send(ctx, op.request)
	}

	report := OperationReport{
		Kind:          op.kind,
		EnvironmentID: op.request.EnvironmentID,
		UserID:        op.request.UserID,
		SessionID:     op.sessionID,
		Messages:      len(op.messageIDs),
		Result:        result,
		Duration:      u.now().Sub(started),
	}
	span.SetAttributes(attribute.String("heapflow.upload.outcome", result.Outcome()))
	if !result.IsSuccess() {
		span.RecordError(result.Err)
	}
	u.metrics.RecordOperation(string(op.request.Endpoint), result.Outcome())
	u.hooks.operationDone(report)
	return report
}

// complete applies a continuable result to the store and the working user.
// It reports whether the user should leave the working list.
func (u *Uploader) complete(op operation, user *models.UserToUpload, result Result, active ActiveSession) bool {
	env, id := user.EnvironmentID, user.UserID

	switch op.kind {
	case OperationInitialUser:
		if result.IsBadRequest() {
			if env == active.EnvironmentID && id == active.UserID {
				u.rejectUser(user.Key())
				u.metrics.RecordRejection("user", "rejected")
				u.logger.Info("Collector rejected the active user, pausing its uploads", loggingpkg.LogFields{
					"environment_id": env, "user_id": id,
				})
			} else {
				u.store.DeleteUser(env, id)
				u.metrics.RecordRejection("user", "deleted")
				u.logger.Info("Collector rejected an inactive user, deleting it", loggingpkg.LogFields{
					"environment_id": env, "user_id": id,
				})
			}
			return true
		}
		u.store.SetHasSentInitialUser(env, id)
		u.markPropertiesSent(user, op.properties)
		user.NeedsInitialUpload = false

	case OperationIdentity:
		u.store.SetHasSentIdentity(env, id)
		user.NeedsIdentityUpload = false

	case OperationUserProperties:
		u.markPropertiesSent(user, op.properties)

	case OperationMessages:
		if result.IsBadRequest() {
			if env == active.EnvironmentID && id == active.UserID && op.sessionID == active.SessionID {
				u.rejectSession(user.SessionKey(op.sessionID))
				u.metrics.RecordRejection("session", "rejected")
			} else {
				u.store.DeleteSession(env, id, op.sessionID)
				u.metrics.RecordRejection("session", "deleted")
			}
			user.RemoveSession(op.sessionID)
			return false
		}
		u.store.DeleteSentMessages(op.messageIDs)
		u.metrics.AddMessagesUploaded(len(op.messageIDs))
	}
	return false
}

// markPropertiesSent marks the uploaded values. A value changed since the
// snapshot stays pending in the store.
func (u *Uploader) markPropertiesSent(user *models.UserToUpload, sent map[string]string) {
	for name, value := range sent {
		u.store.SetHasSentUserProperty(user.EnvironmentID, user.UserID, name, value)
		delete(user.PendingUserProperties, name)
	}
}

func (u *Uploader) rejectUser(key models.UserKey) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rejectedUsers[key] = struct{}{}
}

func (u *Uploader) rejectSession(key models.SessionKey) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rejectedSessions[key] = struct{}{}
}
