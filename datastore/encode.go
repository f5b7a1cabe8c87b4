package datastore

import (
	"time"

	errspkg "github.com/drblury/heapflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/metrics"
	"github.com/drblury/heapflow/internal/runtime/models"
	"github.com/drblury/heapflow/internal/runtime/wire"
)

// DefaultMessageByteLimit applies when an engine is given a non-positive
// limit.
const DefaultMessageByteLimit = 1_000_000

// EncodePending serialises message for the pending queue. Messages larger
// than limit can never be uploaded, so they are logged, counted and
// rejected here.
func EncodePending(message models.Message, limit int, logger loggingpkg.ServiceLogger, m *metrics.Metrics) ([]byte, bool) {
	if limit <= 0 {
		limit = DefaultMessageByteLimit
	}
	payload := wire.EncodeMessage(message)
	if len(payload) > limit {
		m.RecordDroppedMessage("oversized")
		loggingpkg.OrNop(logger).Error("Dropping message over the byte limit", errspkg.ErrMessageTooLarge, loggingpkg.LogFields{
			"message_id": message.ID,
			"session_id": message.Session.ID,
			"size":       len(payload),
			"limit":      limit,
		})
		return nil, false
	}
	return payload, true
}

// PendingBatchFits reports whether a message of size bytes may join a batch
// that already holds count messages totalling used bytes. The first message
// always fits so an oversized-but-accepted message cannot block its session.
func PendingBatchFits(count, used, size, messageLimit, byteLimit int) bool {
	if count == 0 {
		return messageLimit > 0
	}
	return count < messageLimit && used+size <= byteLimit
}

// Latest returns the later of a and b.
func Latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
