package transform

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/heapflow/internal/runtime/callbacks"
	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
)

// Processor drives one message through an ordered chain of transformers.
// Steps run one after another; a finished Processor behaves like a completed
// future for AddCallback.
type Processor struct {
	store   *callbacks.Store[models.Transformable]
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu            sync.Mutex
	transformable models.Transformable
	remaining     []Transformer
	phase         Phase
	executing     bool
	done          bool
	pending       []func(models.Transformable)
}

// NewProcessor prepares a Processor. Nothing runs until Execute.
func NewProcessor(
	event models.Transformable,
	transformers []Transformer,
	store *callbacks.Store[models.Transformable],
	logger loggingpkg.ServiceLogger,
	m *metrics.Metrics,
) *Processor {
	remaining := make([]Transformer, len(transformers))
	copy(remaining, transformers)
	return &Processor{
		store:         store,
		logger:        loggingpkg.OrNop(logger),
		metrics:       m,
		tracer:        otel.Tracer("heapflow/transform"),
		transformable: event,
		remaining:     remaining,
		phase:         PhaseEarly,
	}
}

// Execute starts or continues processing. Calling it while a step is in
// flight is a no-op.
func (p *Processor) Execute() {
	p.mu.Lock()
	if p.executing || p.done {
		p.mu.Unlock()
		return
	}
	if len(p.remaining) == 0 {
		p.done = true
		final := p.transformable
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, cb := range pending {
			cb(final)
		}
		return
	}

	next := p.remaining[0]
	p.remaining = p.remaining[1:]
	p.executing = true
	current := p.transformable
	p.mu.Unlock()

	_, span := p.tracer.Start(context.Background(), "heapflow.transform",
		trace.WithAttributes(
			attribute.String("heapflow.transformer", next.Name()),
			attribute.String("heapflow.phase", p.phase.String()),
			attribute.String("heapflow.session_id", current.SessionID),
		))
	started := time.Now()

	p.metrics.PendingTransformsInc()
	token := p.store.Add(next.Timeout(), func(result models.Transformable, err error) {
		span.SetAttributes(attribute.Int64("heapflow.duration_ms", time.Since(started).Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.finishStep(next, current, result, err)
	})

	go next.Transform(current.Clone(), func(result models.Transformable) {
		p.store.Success(token, result)
	})
}

func (p *Processor) finishStep(t Transformer, current, result models.Transformable, err error) {
	p.metrics.PendingTransformsDec()
	cancelled := errors.Is(err, errspkg.ErrCancelled)
	if err != nil {
		// Any failure keeps the value the step started from.
		result = current
		switch {
		case errors.Is(err, errspkg.ErrTimeout):
			p.metrics.RecordTransformTimeout(t.Name())
			p.logger.Info("Transformer timed out, continuing without it", loggingpkg.LogFields{
				"transformer": t.Name(),
				"timeout":     t.Timeout().String(),
				"session_id":  current.SessionID,
			})
		case cancelled:
			p.logger.Debug("Transformer chain cancelled", loggingpkg.LogFields{
				"transformer": t.Name(),
				"skipped":     p.remainingCount(),
			})
		default:
			p.logger.Debug("Transformer step abandoned", loggingpkg.LogFields{
				"transformer": t.Name(),
				"reason":      err.Error(),
			})
		}
	}

	p.mu.Lock()
	p.transformable = result
	p.executing = false
	if cancelled {
		// Teardown: later steps would arm fresh watchdogs.
		p.remaining = nil
	}
	p.mu.Unlock()

	p.Execute()
}

func (p *Processor) remainingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remaining)
}

// AddCallback registers cb for the final value. If processing already
// finished, cb runs immediately on the caller's goroutine.
func (p *Processor) AddCallback(cb func(models.Transformable)) {
	p.mu.Lock()
	if p.done {
		final := p.transformable
		p.mu.Unlock()
		cb(final)
		return
	}
	p.pending = append(p.pending, cb)
	p.mu.Unlock()
}

// Wait blocks until the processor finishes or ctx ends.
func (p *Processor) Wait(ctx context.Context) (models.Transformable, error) {
	result := make(chan models.Transformable, 1)
	p.AddCallback(func(t models.Transformable) { result <- t })
	select {
	case t := <-result:
		return t, nil
	case <-ctx.Done():
		return models.Transformable{}, ctx.Err()
	}
}

// Done reports whether every transformer has run.
func (p *Processor) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Phase returns the phase being processed.
func (p *Processor) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}
