package runtime

import (
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/drblury/heapflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/heapflow/internal/runtime/logging"
	"github.com/drblury/heapflow/internal/runtime/upload"
)

const latencySampleSize = 256

// Status is a point-in-time view of the service, served on /status.
type Status struct {
	DataStore           string                     `json:"data_store"`
	Transformers        []string                   `json:"transformers"`
	PendingTransforms   int                        `json:"pending_transforms"`
	NextScheduledUpload time.Time                  `json:"next_scheduled_upload"`
	Cycles              CycleStats                 `json:"cycles"`
	Operations          map[string]*OperationStats `json:"operations"`
	CollectedAt         time.Time                  `json:"collected_at"`
}

type CycleStats struct {
	Total         uint64    `json:"total"`
	Failed        uint64    `json:"failed"`
	LastStartedAt time.Time `json:"last_started_at"`
	LastOutcome   string    `json:"last_outcome,omitempty"`
	LastDuration  int64     `json:"last_duration_ns"`
}

// OperationStats aggregates one operation kind across cycles.
type OperationStats struct {
	Succeeded   uint64         `json:"succeeded"`
	BadRequests uint64         `json:"bad_requests"`
	Failed      uint64         `json:"failed"`
	Messages    uint64         `json:"messages"`
	Latency     LatencyMetrics `json:"latency"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// statusTracker accumulates upload hook reports.
type statusTracker struct {
	mu         sync.Mutex
	cycles     CycleStats
	operations map[upload.OperationKind]*operationTracker
}

type operationTracker struct {
	stats   OperationStats
	latency *latencyWindow
}

func newStatusTracker() *statusTracker {
	return &statusTracker{operations: make(map[upload.OperationKind]*operationTracker)}
}

func (t *statusTracker) hooks() upload.Hooks {
	return upload.Hooks{
		OnOperationDone: t.recordOperation,
		OnCycleDone:     t.recordCycle,
	}
}

func (t *statusTracker) recordOperation(op upload.OperationReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.operations[op.Kind]
	if !ok {
		tr = &operationTracker{latency: newLatencyWindow(latencySampleSize)}
		t.operations[op.Kind] = tr
	}
	switch {
	case op.Result.IsSuccess():
		tr.stats.Succeeded++
		tr.stats.Messages += uint64(op.Messages)
	case op.Result.IsBadRequest():
		tr.stats.BadRequests++
	default:
		tr.stats.Failed++
	}
	tr.latency.Add(op.Duration)
}

func (t *statusTracker) recordCycle(report upload.CycleReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cycles.Total++
	if !report.Result.CanContinue() {
		t.cycles.Failed++
	}
	t.cycles.LastStartedAt = report.StartedAt
	t.cycles.LastOutcome = report.Result.Outcome()
	t.cycles.LastDuration = int64(report.Duration)
}

func (t *statusTracker) fill(status *Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status.Cycles = t.cycles
	status.Operations = make(map[string]*OperationStats, len(t.operations))
	for kind, tr := range t.operations {
		stats := tr.stats
		stats.Latency = tr.latency.Snapshot()
		status.Operations[string(kind)] = &stats
	}
}

// Status collects the current service status.
func (s *Service) Status() Status {
	status := Status{
		DataStore:           s.Conf.DataStore,
		PendingTransforms:   s.pipeline.Callbacks().Len(),
		NextScheduledUpload: s.uploader.NextScheduledUploadDate(),
		CollectedAt:         time.Now(),
	}
	for _, t := range s.pipeline.Transformers() {
		status.Transformers = append(status.Transformers, t.Name())
	}
	s.status.fill(&status)
	return status
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(s.Status())
	if err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		s.Logger.Debug("Failed to write status response", loggingpkg.LogFields{"error": err.Error()})
	}
}

// latencyWindow keeps the most recent samples in a ring.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := range samples {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(len(samples))
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted
// samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
