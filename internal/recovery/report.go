// Package recovery implements C10: the recovery engine. On an error
// report it extracts a feature vector, scores it with a linear+sigmoid
// failure-probability model, selects a strategy by rule (optionally
// overridden by the model), executes the strategy, and updates the model
// from the outcome. The breaker and backoff shapes are adapted from the
// teacher's internal/core/resilience retry policy and
// internal/infrastructure/publishing circuit breaker.
package recovery

import (
	"hash/fnv"
	"time"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// Category classifies an error report by the failure domain it came from,
// per spec.md §3's error-context category set. It is distinct from
// hmrerrors.Category, which classifies Go errors returned across package
// APIs per §7's separate taxonomy; the recovery rule table in spec.md
// §4.7 is keyed on this set, not on hmrerrors.Category.
type Category string

const (
	CategoryCompile  Category = "compile"
	CategoryRuntime  Category = "runtime"
	CategoryMemory   Category = "memory"
	CategoryIO       Category = "io"
	CategoryNetwork  Category = "network"
	CategoryResource Category = "resource"
	CategoryPerf     Category = "perf"
	CategorySecurity Category = "security"
	CategoryConfig   Category = "config"
)

// Report is one error observation handed to the engine.
type Report struct {
	Subsystem      string
	Category       Category
	Severity       hmrerrors.Severity
	Message        string
	FilePath       string
	ThreadID       int
	MemoryPressure float64 // 0..1
	CPUUsage       float64 // 0..1
	ErrorRate      float64 // recent errors/sec, already normalized by caller
	At             time.Time
}

func (r Report) isCriticalOrFatal() bool {
	return r.Severity == hmrerrors.SeverityCritical || r.Severity == hmrerrors.SeverityFatal
}

// historyBuffer is a fixed-capacity ring of recent reports, the error
// history spec.md §4.7 step 1 ("records the error in the history ring").
type historyBuffer struct {
	reports  []Report
	capacity int
	next     int
	filled   bool
}

func newHistoryBuffer(capacity int) *historyBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &historyBuffer{reports: make([]Report, capacity), capacity: capacity}
}

func (h *historyBuffer) push(r Report) {
	h.reports[h.next] = r
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.filled = true
	}
}

func (h *historyBuffer) countInWindow(subsystem string, since time.Time) int {
	n := h.capacity
	if !h.filled {
		n = h.next
	}
	count := 0
	for i := 0; i < n; i++ {
		r := h.reports[i]
		if r.Subsystem == subsystem && !r.At.Before(since) {
			count++
		}
	}
	return count
}

// filePathHashBucket buckets a file path into one of 16 buckets for the
// feature vector's one-hot file-path-hash feature.
func filePathHashBucket(path string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % 16)
}

// threadIDBucket buckets a thread id into one of 8 buckets.
func threadIDBucket(threadID int) int {
	if threadID < 0 {
		threadID = -threadID
	}
	return threadID % 8
}
