// Package callbacks implements a token-keyed completion registry with a
// watchdog timeout per callback.
//
// Every callback fires exactly once: whichever of an explicit resolution or
// its timeout reaches the store first removes the token, and the loser is a
// no-op. Registration and resolution run on one serial queue so two
// resolutions never race on the registry.
package callbacks

import (
	"time"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	"github.com/drblury/heapflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/queue"
)

// Callback receives either a value or an error. A timeout arrives as
// errors.ErrTimeout and teardown as errors.ErrCancelled.
type Callback[T any] func(value T, err error)

type entry[T any] struct {
	callback Callback[T]
	timer    *time.Timer
}

// Store is the registry. The zero value is not usable; call NewStore.
type Store[T any] struct {
	queue   *queue.Serial
	logger  loggingpkg.ServiceLogger
	entries map[string]*entry[T]

	// onTimeout is invoked on the store queue for every watchdog expiry.
	onTimeout func(token string)
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithLogger sets the logger used for diagnostics.
func WithLogger[T any](log loggingpkg.ServiceLogger) Option[T] {
	return func(s *Store[T]) { s.logger = log }
}

// WithTimeoutObserver registers fn to be called whenever a watchdog fires.
func WithTimeoutObserver[T any](fn func(token string)) Option[T] {
	return func(s *Store[T]) { s.onTimeout = fn }
}

// NewStore creates a Store backed by its own serial queue.
func NewStore[T any](opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		queue:   queue.NewSerial("callbacks"),
		entries: make(map[string]*entry[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggingpkg.OrNop(s.logger)
	return s
}

// Add registers callback and arms a watchdog that fails it with ErrTimeout
// after timeout. The returned token is used to resolve it.
func (s *Store[T]) Add(timeout time.Duration, callback Callback[T]) string {
	token := ids.CreateULID()
	err := s.queue.Async(func() {
		e := &entry[T]{callback: callback}
		s.entries[token] = e
		e.timer = time.AfterFunc(timeout, func() {
			_ = s.queue.Async(func() {
				if _, ok := s.entries[token]; ok && s.onTimeout != nil {
					s.onTimeout(token)
				}
				s.resolve(token, zero[T](), errspkg.ErrTimeout)
			})
		})
	})
	if err != nil {
		var empty T
		callback(empty, errspkg.ErrCancelled)
	}
	return token
}

// Success resolves token with value.
func (s *Store[T]) Success(token string, value T) {
	_ = s.queue.Async(func() { s.resolve(token, value, nil) })
}

// Failure resolves token with err.
func (s *Store[T]) Failure(token string, err error) {
	_ = s.queue.Async(func() { s.resolve(token, zero[T](), err) })
}

// CancelAll fails every outstanding callback with ErrCancelled without
// waiting.
func (s *Store[T]) CancelAll() {
	_ = s.queue.Async(s.cancelAll)
}

// CancelAllSync fails every outstanding callback with ErrCancelled and
// returns once they have all been invoked.
func (s *Store[T]) CancelAllSync() {
	_ = s.queue.Sync(s.cancelAll)
}

// Len reports how many callbacks are still outstanding.
func (s *Store[T]) Len() int {
	n := 0
	_ = s.queue.Sync(func() { n = len(s.entries) })
	return n
}

// Close cancels everything outstanding and stops the store queue.
func (s *Store[T]) Close() {
	s.CancelAllSync()
	s.queue.Close()
}

func (s *Store[T]) cancelAll() {
	for token := range s.entries {
		s.resolve(token, zero[T](), errspkg.ErrCancelled)
	}
}

// resolve must run on the store queue.
func (s *Store[T]) resolve(token string, value T, err error) {
	e, ok := s.entries[token]
	if !ok {
		s.logger.Trace("Callback already resolved", loggingpkg.LogFields{"token": token})
		return
	}
	delete(s.entries, token)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.callback(value, err)
}

func zero[T any]() T {
	var v T
	return v
}
