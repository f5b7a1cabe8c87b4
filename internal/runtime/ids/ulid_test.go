package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		require.Len(t, ids[i], 26)
		_, err := ulid.Parse(ids[i])
		require.NoError(t, err)
	}

	for i := 1; i < total; i++ {
		assert.Less(t, ids[i-1], ids[i], "expected ULIDs to be strictly increasing")
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestCreateULIDAtEncodesTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := CreateULIDAt(at)

	got, err := Time(id)
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "expected %v, got %v", at, got)
}

func TestTimeRejectsGarbage(t *testing.T) {
	_, err := Time("not-a-ulid")
	assert.Error(t, err)
}
