package datastore

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/wire"
)

func TestEncodePending(t *testing.T) {
	msg := models.Message{ID: "m1", EnvironmentID: "env", UserID: "u", Session: models.SessionInfo{ID: "s"}, Kind: models.KindSession}

	payload, ok := EncodePending(msg, 0, nil, nil)
	require.True(t, ok)
	decoded, err := wire.DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "m1", decoded.ID)

	rec := loggingpkg.NewRecorder()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NoError(t, m.Register())
	msg.Properties = map[string]string{"blob": strings.Repeat("x", 200)}
	_, ok = EncodePending(msg, 100, rec, m)
	assert.False(t, ok)
	assert.Equal(t, []string{"Dropping message over the byte limit"}, rec.Messages("error"))

	expected := `
# HELP heapflow_datastore_messages_dropped_total Messages dropped before they reached the queue
# TYPE heapflow_datastore_messages_dropped_total counter
heapflow_datastore_messages_dropped_total{reason="oversized"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "heapflow_datastore_messages_dropped_total"))
}

func TestPendingBatchFits(t *testing.T) {
	assert.True(t, PendingBatchFits(0, 0, 5000, 10, 100), "first message always fits")
	assert.False(t, PendingBatchFits(0, 0, 10, 0, 100))
	assert.True(t, PendingBatchFits(1, 50, 50, 10, 100))
	assert.False(t, PendingBatchFits(1, 50, 51, 10, 100))
	assert.False(t, PendingBatchFits(10, 10, 1, 10, 100))
}

func TestLatest(t *testing.T) {
	a := time.Unix(100, 0)
	b := time.Unix(200, 0)
	assert.Equal(t, b, Latest(a, b))
	assert.Equal(t, b, Latest(b, a))
}
