// Package scheduler implements C3: the build scheduler. It topologically
// drives a rebuild set through a pool of parallel job slots sized to a
// CPU/memory budget, the way the teacher's internal/core/resilience
// package drives a single operation through bounded retries — here
// generalized from one retried call to many concurrently scheduled jobs.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// Status is the terminal or in-flight state of one scheduled job.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusSkipped
)

// Job describes one module queued for rebuild.
type Job struct {
	ModuleID           string
	Deps               []string // dependency module ids also present in this batch; absent ids are assumed already satisfied (cache hit or external)
	EstimatedBuildTime time.Duration
	Critical           bool
}

// Result is the outcome of one job after Run returns.
type Result struct {
	ModuleID  string
	Status    Status
	Err       error
	BuildTime time.Duration
}

// BuildFunc performs the actual compile for one module (delegates to the
// compiler driver, package drivers). It must respect ctx cancellation.
type BuildFunc func(ctx context.Context, job Job) error

// Budget bounds the scheduler's parallelism, per spec.md §4.3.
type Budget struct {
	Cores          int
	MemoryGB       float64
	PerJobMemoryGB float64
	PerJobTimeout  time.Duration
}

// Parallelism computes min(cores, memory_gb / estimated_per_job_gb), clamped to at least 1.
func (b Budget) Parallelism() int {
	cores := b.Cores
	if cores < 1 {
		cores = 1
	}
	if b.PerJobMemoryGB <= 0 {
		return cores
	}
	byMemory := int(b.MemoryGB / b.PerJobMemoryGB)
	if byMemory < 1 {
		byMemory = 1
	}
	if byMemory < cores {
		return byMemory
	}
	return cores
}

// Scheduler runs a rebuild set under a resource budget.
type Scheduler struct {
	budget  Budget
	logger  *slog.Logger
	limiter *rate.Limiter
}

// New constructs a Scheduler. The limiter paces job *admission* (not
// completion) so a burst of thousands of ready leaves doesn't all launch
// in the same instant once slots free up; it is not the slot-count gate
// itself (that is budget.Parallelism()).
func New(budget Budget, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		budget:  budget,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(1000), budget.Parallelism()),
	}
}

type jobState struct {
	job    Job
	status Status
	err    error
	dur    time.Duration
}

// Run drives jobs (already topologically ordered leaves-first by the
// caller, typically hashgraph.Graph.ComputeRebuildSet) to completion,
// honoring dependencies, the parallelism budget, critical-priority
// preemption of slot assignment, and per-job timeouts. Dependents of a
// failed job are skipped and reported rather than attempted.
func (s *Scheduler) Run(ctx context.Context, jobs []Job, build BuildFunc) []Result {
	states := make(map[string]*jobState, len(jobs))
	order := make([]string, 0, len(jobs))
	for _, j := range jobs {
		states[j.ModuleID] = &jobState{job: j, status: StatusPending}
		order = append(order, j.ModuleID)
	}

	var mu sync.Mutex
	slots := s.budget.Parallelism()
	sem := make(chan struct{}, slots)
	done := make(chan struct{}, len(jobs))

	resolved := func(id string) (ok bool, failed bool) {
		st, present := states[id]
		if !present {
			return true, false // outside this batch: assumed already satisfied (cache hit)
		}
		switch st.status {
		case StatusDone:
			return true, false
		case StatusFailed, StatusSkipped:
			return true, true
		default:
			return false, false
		}
	}

	launch := func(id string) {
		sem <- struct{}{}
		mu.Lock()
		states[id].status = StatusRunning
		mu.Unlock()

		go func() {
			defer func() { <-sem }()
			defer func() { done <- struct{}{} }()

			jobCtx := ctx
			var cancel context.CancelFunc
			if s.budget.PerJobTimeout > 0 {
				jobCtx, cancel = context.WithTimeout(ctx, s.budget.PerJobTimeout)
				defer cancel()
			}

			start := time.Now()
			buildErr := build(jobCtx, states[id].job)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			states[id].dur = elapsed
			if buildErr != nil {
				if jobCtx.Err() != nil {
					states[id].err = hmrerrors.Wrap(hmrerrors.ErrTimeout, "build exceeded per-job timeout", jobCtx.Err())
				} else {
					states[id].err = buildErr
				}
				states[id].status = StatusFailed
				s.logger.Error("build failed", "module", id, "error", states[id].err)
				return
			}
			states[id].status = StatusDone
		}()
	}

	// cascadeSkips marks every pending job that depends (directly, and
	// transitively via repeated passes) on a failed/skipped job as
	// skipped, returning how many it newly resolved.
	cascadeSkips := func() int {
		resolvedNow := 0
		changed := true
		for changed {
			changed = false
			for _, id := range order {
				st := states[id]
				if st.status != StatusPending {
					continue
				}
				for _, dep := range st.job.Deps {
					if _, failed := resolved(dep); failed {
						st.status = StatusSkipped
						s.logger.Warn("build skipped: dependency failed", "module", id, "failed_dependency", dep)
						resolvedNow++
						changed = true
						break
					}
				}
			}
		}
		return resolvedNow
	}

	finished := 0
	total := len(jobs)
	for finished < total {
		mu.Lock()
		finished += cascadeSkips()

		var ready []string
		for _, id := range order {
			if states[id].status != StatusPending {
				continue
			}
			allOK := true
			for _, dep := range states[id].job.Deps {
				if ok, _ := resolved(dep); !ok {
					allOK = false
					break
				}
			}
			if allOK {
				ready = append(ready, id)
			}
		}
		sort.SliceStable(ready, func(i, j int) bool {
			return states[ready[i]].job.Critical && !states[ready[j]].job.Critical
		})

		anyRunning := false
		for _, id := range order {
			if states[id].status == StatusRunning {
				anyRunning = true
				break
			}
		}
		mu.Unlock()

		if len(ready) == 0 {
			if !anyRunning {
				// Nothing is ready and nothing is running, so the remaining
				// pending jobs wait on each other (a dependency cycle inside
				// this batch); stop rather than spinning forever.
				break
			}
			<-done
			finished++
			continue
		}

		launched := 0
		for _, id := range ready {
			if err := s.limiter.Wait(ctx); err != nil {
				mu.Lock()
				states[id].status = StatusSkipped
				mu.Unlock()
				finished++
				continue
			}
			launch(id)
			launched++
		}
		for i := 0; i < launched; i++ {
			<-done
			finished++
		}
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		st := states[id]
		results = append(results, Result{ModuleID: id, Status: st.status, Err: st.err, BuildTime: st.dur})
	}
	return results
}
