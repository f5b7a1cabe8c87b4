package upload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
)

func TestHooksMerge(t *testing.T) {
	var order []string

	first := Hooks{
		OnCycleStart: func(CycleInfo) { order = append(order, "first-start") },
		OnCycleDone:  func(CycleReport) { order = append(order, "first-done") },
	}
	second := Hooks{
		OnCycleStart:    func(CycleInfo) { order = append(order, "second-start") },
		OnOperationDone: func(OperationReport) { order = append(order, "second-op") },
	}

	merged := first.Merge(second)
	merged.cycleStart(CycleInfo{})
	merged.operationDone(OperationReport{})
	merged.cycleDone(CycleReport{})

	assert.Equal(t, []string{"first-start", "second-start", "second-op", "first-done"}, order)
}

func TestHooksZeroValueIsSafe(t *testing.T) {
	var h Hooks
	assert.NotPanics(t, func() {
		h.cycleStart(CycleInfo{})
		h.operationDone(OperationReport{})
		h.cycleDone(CycleReport{})
	})
	assert.Nil(t, h.Merge(Hooks{}).OnCycleDone)
}

func TestLoggingHooks(t *testing.T) {
	rec := loggingpkg.NewRecorder()
	hooks := LoggingHooks(rec)

	hooks.OnOperationDone(OperationReport{Kind: OperationMessages, SessionID: "s1", Messages: 3, Result: Success()})
	hooks.OnOperationDone(OperationReport{Kind: OperationIdentity, Result: Failure(NetworkFailure, 0, errors.New("down"))})
	hooks.OnCycleDone(CycleReport{Result: Success()})

	entries := rec.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Upload operation completed", entries[0].Msg)
	assert.Equal(t, 3, entries[0].Fields["messages"])
	assert.Equal(t, "Upload operation failed", entries[1].Msg)
	assert.Equal(t, "network_failure", entries[1].Fields["outcome"])
	assert.Error(t, entries[1].Err)
	assert.Equal(t, "Upload cycle finished", entries[2].Msg)
}
