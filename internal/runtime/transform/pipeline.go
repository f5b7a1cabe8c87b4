package transform

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/heapflow/datastore"
	"github.com/drblury/heapflow/internal/runtime/callbacks"
	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/queue"
)

// Pipeline transforms messages concurrently but commits them to the data
// store strictly in the order they were submitted.
//
// Every write, transformed or not, goes through one serial commit queue. A
// commit task blocks on its own processor before the next task starts, so
// completion order of transformers never leaks into storage order.
type Pipeline struct {
	store     datastore.DataStore
	callbacks *callbacks.Store[models.Transformable]
	// ownsCallbacks is set when the store was created by NewPipeline.
	ownsCallbacks bool
	commits       *queue.Serial
	logger        loggingpkg.ServiceLogger
	metrics       *metrics.Metrics
	tracer        trace.Tracer

	// submitMu orders submissions against Close: once closing is set, every
	// earlier submission has armed its first step and can be cancelled.
	submitMu sync.RWMutex
	closing  bool

	mu           sync.RWMutex
	transformers []Transformer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log loggingpkg.ServiceLogger) PipelineOption {
	return func(p *Pipeline) { p.logger = log }
}

// WithMetrics records transform timeouts and in-flight steps.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer replaces the tracer used for commit and transform spans.
func WithTracer(tracer trace.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = tracer }
}

// WithCallbackStore shares an existing callback store instead of creating
// one. The pipeline then does not close it.
func WithCallbackStore(store *callbacks.Store[models.Transformable]) PipelineOption {
	return func(p *Pipeline) { p.callbacks = store }
}

// NewPipeline creates a pipeline committing into store.
func NewPipeline(store datastore.DataStore, opts ...PipelineOption) (*Pipeline, error) {
	if store == nil {
		return nil, errspkg.ErrDataStoreRequired
	}
	p := &Pipeline{
		store:   store,
		commits: queue.NewSerial("transform-commits"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = loggingpkg.OrNop(p.logger)
	if p.tracer == nil {
		p.tracer = otel.Tracer("heapflow/transform")
	}
	if p.callbacks == nil {
		p.callbacks = callbacks.NewStore(callbacks.WithLogger[models.Transformable](p.logger))
		p.ownsCallbacks = true
	}
	return p, nil
}

// Callbacks exposes the callback store, mainly so shutdown can cancel
// outstanding steps.
func (p *Pipeline) Callbacks() *callbacks.Store[models.Transformable] {
	return p.callbacks
}

// AddTransformer appends t to the chain applied to subsequent messages.
func (p *Pipeline) AddTransformer(t Transformer) error {
	if t == nil {
		return errspkg.ErrTransformerRequired
	}
	if t.Phase() != PhaseEarly {
		return fmt.Errorf("%w: %s", errspkg.ErrUnsupportedPhase, t.Phase())
	}
	if t.Timeout() <= 0 {
		return fmt.Errorf("%w: %s has %s", errspkg.ErrTransformerTimeout, t.Name(), t.Timeout())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transformers = append(p.transformers, t)
	return nil
}

// RemoveTransformer removes every transformer registered under name and
// reports whether any was found.
func (p *Pipeline) RemoveTransformer(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.transformers)
	p.transformers = slices.DeleteFunc(p.transformers, func(t Transformer) bool { return t.Name() == name })
	return len(p.transformers) != before
}

// Transformers returns the registered transformers in execution order.
func (p *Pipeline) Transformers() []Transformer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.transformers)
}

// CreateSessionIfNeeded transforms message and then creates its session.
func (p *Pipeline) CreateSessionIfNeeded(message models.Message) {
	p.submit("create_session", message, p.store.CreateSessionIfNeeded)
}

// InsertPendingMessage transforms message and then appends it to its
// session's queue.
func (p *Pipeline) InsertPendingMessage(message models.Message) {
	p.submit("insert_message", message, p.store.InsertPendingMessage)
}

// CreateNewUserIfNeeded is committed in order with message writes.
func (p *Pipeline) CreateNewUserIfNeeded(environmentID, userID string, identity *string, creationDate time.Time) {
	if identity != nil {
		identity = models.StringPtr(*identity)
	}
	p.enqueue("create_user", func() {
		p.store.CreateNewUserIfNeeded(environmentID, userID, identity, creationDate)
	})
}

// SetIdentityIfNull is committed in order with message writes.
func (p *Pipeline) SetIdentityIfNull(environmentID, userID, identity string) {
	p.enqueue("set_identity", func() {
		p.store.SetIdentityIfNull(environmentID, userID, identity)
	})
}

// InsertOrUpdateUserProperty is committed in order with message writes.
func (p *Pipeline) InsertOrUpdateUserProperty(environmentID, userID, name, value string) {
	p.enqueue("user_property", func() {
		p.store.InsertOrUpdateUserProperty(environmentID, userID, name, value)
	})
}

// CreateSessionWithoutMessageIfNeeded is committed in order with message
// writes.
func (p *Pipeline) CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID string, lastEventDate time.Time) {
	p.enqueue("create_session_without_message", func() {
		p.store.CreateSessionWithoutMessageIfNeeded(environmentID, userID, sessionID, lastEventDate)
	})
}

// Flush blocks until every commit submitted before the call has reached the
// data store.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.commits.SyncContext(ctx, func() {})
}

// Close waits for queued commits and stops the commit queue. Outstanding
// transformer chains are cancelled first so no commit waits on a timeout;
// messages submitted while closing skip transformation.
func (p *Pipeline) Close() {
	p.submitMu.Lock()
	p.closing = true
	p.submitMu.Unlock()

	p.callbacks.CancelAllSync()
	p.commits.Close()
	if p.ownsCallbacks {
		p.callbacks.Close()
	}
}

func (p *Pipeline) submit(operation string, message models.Message, commit func(models.Message)) {
	message = message.Clone()

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	var transformers []Transformer
	if !p.closing {
		transformers = p.Transformers()
	}
	processor := NewProcessor(message.Transformable(), transformers, p.callbacks, p.logger, p.metrics)
	processor.tracer = p.tracer
	processor.Execute()

	p.enqueue(operation, func() {
		result, _ := processor.Wait(context.Background())
		commit(result.ApplyTo(message))
	})
}

func (p *Pipeline) enqueue(operation string, task func()) {
	err := p.commits.Async(func() {
		_, span := p.tracer.Start(context.Background(), "heapflow.commit",
			trace.WithAttributes(attribute.String("heapflow.operation", operation)))
		defer span.End()
		task()
	})
	if err != nil {
		p.logger.Error("Dropping write submitted after shutdown", err, loggingpkg.LogFields{"operation": operation})
	}
}
