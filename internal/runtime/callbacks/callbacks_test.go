package callbacks

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
)

type outcome struct {
	value string
	err   error
}

func recordInto(ch chan outcome) Callback[string] {
	return func(value string, err error) {
		ch <- outcome{value: value, err: err}
	}
}

func waitOutcome(t *testing.T, ch chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
		return outcome{}
	}
}

func assertNoMore(t *testing.T, ch chan outcome) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("callback fired twice: %#v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSuccessResolvesOnce(t *testing.T) {
	store := NewStore[string]()
	defer store.Close()

	ch := make(chan outcome, 2)
	token := store.Add(time.Minute, recordInto(ch))
	store.Success(token, "done")
	store.Success(token, "again")

	got := waitOutcome(t, ch)
	assert.Equal(t, "done", got.value)
	assert.NoError(t, got.err)
	assertNoMore(t, ch)
	assert.Equal(t, 0, store.Len())
}

func TestFailureResolves(t *testing.T) {
	store := NewStore[string]()
	defer store.Close()

	ch := make(chan outcome, 2)
	boom := errors.New("boom")
	token := store.Add(time.Minute, recordInto(ch))
	store.Failure(token, boom)

	got := waitOutcome(t, ch)
	assert.ErrorIs(t, got.err, boom)
	assertNoMore(t, ch)
}

func TestTimeoutWinsOverLateResolution(t *testing.T) {
	var timeouts atomic.Int32
	store := NewStore[string](WithTimeoutObserver[string](func(string) { timeouts.Add(1) }))
	defer store.Close()

	ch := make(chan outcome, 2)
	token := store.Add(10*time.Millisecond, recordInto(ch))

	got := waitOutcome(t, ch)
	assert.ErrorIs(t, got.err, errspkg.ErrTimeout)

	store.Success(token, "too late")
	assertNoMore(t, ch)
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestResolutionWinsOverTimeout(t *testing.T) {
	store := NewStore[string]()
	defer store.Close()

	ch := make(chan outcome, 2)
	token := store.Add(20*time.Millisecond, recordInto(ch))
	store.Success(token, "first")

	got := waitOutcome(t, ch)
	assert.Equal(t, "first", got.value)

	time.Sleep(40 * time.Millisecond)
	assertNoMore(t, ch)
}

func TestConcurrentResolutionFiresExactlyOnce(t *testing.T) {
	store := NewStore[int]()
	defer store.Close()

	var calls atomic.Int32
	token := store.Add(5*time.Millisecond, func(int, error) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				store.Success(token, i)
			} else {
				store.Failure(token, errors.New("nope"))
			}
		}(i)
	}
	wg.Wait()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelAllSync(t *testing.T) {
	store := NewStore[string]()
	defer store.Close()

	ch := make(chan outcome, 10)
	tokens := []string{
		store.Add(time.Minute, recordInto(ch)),
		store.Add(time.Minute, recordInto(ch)),
		store.Add(time.Minute, recordInto(ch)),
	}
	require.Equal(t, 3, store.Len())

	store.CancelAllSync()
	require.Len(t, ch, 3)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, (<-ch).err, errspkg.ErrCancelled)
	}

	for _, token := range tokens {
		store.Success(token, "late")
	}
	assertNoMore(t, ch)
}

func TestCancelAllAsync(t *testing.T) {
	store := NewStore[string]()
	defer store.Close()

	ch := make(chan outcome, 1)
	store.Add(time.Minute, recordInto(ch))
	store.CancelAll()

	assert.ErrorIs(t, waitOutcome(t, ch).err, errspkg.ErrCancelled)
}

func TestAddAfterCloseFailsImmediately(t *testing.T) {
	store := NewStore[string]()
	store.Close()

	ch := make(chan outcome, 1)
	store.Add(time.Minute, recordInto(ch))
	assert.ErrorIs(t, waitOutcome(t, ch).err, errspkg.ErrCancelled)
}

func TestTokensAreUnique(t *testing.T) {
	store := NewStore[string]()
	defer store.Close()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token := store.Add(time.Minute, func(string, error) {})
		_, dup := seen[token]
		require.False(t, dup)
		seen[token] = struct{}{}
	}
}
