package upload

import (
	"time"

	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
)

// OperationKind is one of the request types the drain loop issues.
type OperationKind string

const (
	OperationInitialUser    OperationKind = "initial_user"
	OperationIdentity       OperationKind = "identity"
	OperationUserProperties OperationKind = "user_properties"
	OperationMessages       OperationKind = "messages"
)

// CycleInfo is passed to OnCycleStart.
type CycleInfo struct {
	StartedAt time.Time
	// Users is the number of users with work after rejected ones were
	// filtered out.
	Users  int
	Active ActiveSession
}

// OperationReport describes one finished request.
type OperationReport struct {
	Kind          OperationKind
	EnvironmentID string
	UserID        string
	// SessionID and Messages are only set for OperationMessages.
	SessionID string
	Messages  int
	Result    Result
	Duration  time.Duration
}

// CycleReport summarises a whole upload cycle.
type CycleReport struct {
	StartedAt               time.Time
	Duration                time.Duration
	Result                  Result
	Operations              []OperationReport
	NextScheduledUploadDate time.Time
}

// Hooks are optional callbacks for the upload lifecycle. Nil hooks are
// skipped. They run on the uploading goroutine and must not call back into
// the Uploader.
type Hooks struct {
	OnCycleStart    func(info CycleInfo)
	OnOperationDone func(op OperationReport)
	OnCycleDone     func(report CycleReport)
}

// Merge returns hooks calling h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnCycleStart:    chain(h.OnCycleStart, other.OnCycleStart),
		OnOperationDone: chain(h.OnOperationDone, other.OnOperationDone),
		OnCycleDone:     chain(h.OnCycleDone, other.OnCycleDone),
	}
}

func chain[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func (h Hooks) cycleStart(info CycleInfo) {
	if h.OnCycleStart != nil {
		h.OnCycleStart(info)
	}
}

func (h Hooks) operationDone(op OperationReport) {
	if h.OnOperationDone != nil {
		h.OnOperationDone(op)
	}
}

func (h Hooks) cycleDone(report CycleReport) {
	if h.OnCycleDone != nil {
		h.OnCycleDone(report)
	}
}

// LoggingHooks logs every operation and cycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	logger = loggingpkg.OrNop(logger)
	return Hooks{
		OnOperationDone: func(op OperationReport) {
			fields := loggingpkg.LogFields{
				"operation":      string(op.Kind),
				"environment_id": op.EnvironmentID,
				"user_id":        op.UserID,
				"outcome":        op.Result.Outcome(),
				"duration_ms":    op.Duration.Milliseconds(),
			}
			if op.Kind == OperationMessages {
				fields["session_id"] = op.SessionID
				fields["messages"] = op.Messages
			}
			if op.Result.IsSuccess() {
				logger.Debug("Upload operation completed", fields)
				return
			}
			logger.Error("Upload operation failed", op.Result.Err, fields)
		},
		OnCycleDone: func(report CycleReport) {
			logger.Info("Upload cycle finished", loggingpkg.LogFields{
				"outcome":     report.Result.Outcome(),
				"operations":  len(report.Operations),
				"duration_ms": report.Duration.Milliseconds(),
				"next_upload": report.NextScheduledUploadDate,
			})
		},
	}
}
