// Package runcontrol is the admission-control layer every run passes
// through before its pipeline stages execute: a global concurrency
// ceiling, a per-teacher fairness ceiling with round-robin admission so one
// teacher's large batch can't starve another's, a global cap on in-flight
// LLM calls shared across every active run, soft per-run budget tracking,
// and upload backpressure watermarks. Concurrency limiting follows a
// semaphore.Weighted pattern for a single global limit, generalized here to
// global-plus-per-teacher.
package runcontrol

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/praetorian-labs/gradeflow/pkg/config"
)

// Limits narrows config.RunConfig to the fields runcontrol enforces.
type Limits struct {
	MaxConcurrency        int
	TeacherMaxActiveRuns  int
	MaxParallelLLMCalls   int
	SoftBudgetUSDPerRun   float64
	UploadQueueWatermark  int
	UploadActiveWatermark int
}

// LimitsFromConfig extracts a Limits from a full RunConfig.
func LimitsFromConfig(cfg config.RunConfig) Limits {
	return Limits{
		MaxConcurrency:        cfg.MaxConcurrency,
		TeacherMaxActiveRuns:  cfg.TeacherMaxActiveRuns,
		MaxParallelLLMCalls:   cfg.MaxParallelLLMCalls,
		SoftBudgetUSDPerRun:   cfg.SoftBudgetUSDPerRun,
		UploadQueueWatermark:  cfg.UploadQueueWatermark,
		UploadActiveWatermark: cfg.UploadActiveWatermark,
	}
}

// ReleaseFunc releases resources an Acquire call reserved.
type ReleaseFunc func()

// runEntry tracks the admission-time state of one active run.
type runEntry struct {
	teacherID    string
	cancel       context.CancelCauseFunc
	mu           sync.Mutex
	spentUSD     float64
	uploadQueued int
	uploadActive int
}

// Controller is the admission-control gate for every run and LLM call in
// the process. A single Controller is shared across the orchestrator.
type Controller struct {
	limits Limits

	globalRuns *semaphore.Weighted
	llmCalls   *semaphore.Weighted

	queue *fairQueue

	mu   sync.Mutex
	runs map[string]*runEntry
}

// New builds a Controller. A zero-valued limit field means "unlimited" for
// that dimension.
func New(limits Limits) *Controller {
	c := &Controller{
		limits: limits,
		runs:   make(map[string]*runEntry),
	}
	c.globalRuns = semaphore.NewWeighted(weightOrMax(limits.MaxConcurrency))
	c.llmCalls = semaphore.NewWeighted(weightOrMax(limits.MaxParallelLLMCalls))
	c.queue = newFairQueue(c.globalRuns, weightOrMax(limits.TeacherMaxActiveRuns))
	return c
}

func weightOrMax(n int) int64 {
	if n <= 0 {
		return 1 << 30 // effectively unlimited without special-casing every acquire
	}
	return int64(n)
}

// AcquireRun blocks until runID is admitted to run, respecting the global
// concurrency ceiling and round-robin fairness across teachers. The
// returned context is cancelled if the caller's ctx is cancelled, the
// controller's capacity can't be granted, or Cancel(runID, ...) is called.
// The caller must invoke the returned ReleaseFunc exactly once when the run
// finishes, whether it succeeds, fails, or is cancelled.
func (c *Controller) AcquireRun(ctx context.Context, teacherID, runID string) (context.Context, ReleaseFunc, error) {
	if err := c.queue.admit(ctx, teacherID); err != nil {
		return nil, nil, fmt.Errorf("runcontrol: admission for run %s: %w", runID, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	entry := &runEntry{teacherID: teacherID, cancel: cancel}

	c.mu.Lock()
	c.runs[runID] = entry
	c.mu.Unlock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		cancel(nil)
		c.mu.Lock()
		delete(c.runs, runID)
		c.mu.Unlock()
		c.queue.release(teacherID)
	}

	return runCtx, release, nil
}

// Cancel cancels an in-flight run's context with cause, if it is currently
// admitted. Reports whether a run was found.
func (c *Controller) Cancel(runID string, cause error) bool {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel(cause)
	return true
}

// AcquireLLMCall blocks until a slot opens under the global LLM-call
// ceiling. The returned ReleaseFunc must be called exactly once.
func (c *Controller) AcquireLLMCall(ctx context.Context) (ReleaseFunc, error) {
	if err := c.llmCalls.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("runcontrol: acquire LLM call slot: %w", err)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		c.llmCalls.Release(1)
	}, nil
}

// RecordSpend adds usd to runID's running spend total and reports whether
// the run has now crossed its soft budget. Crossing the budget is
// informational only, it never blocks or cancels the run, see spec's
// budget_warning error kind for how callers should surface this.
func (c *Controller) RecordSpend(runID string, usd float64) (total float64, overBudget bool) {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return usd, false
	}

	entry.mu.Lock()
	entry.spentUSD += usd
	total = entry.spentUSD
	entry.mu.Unlock()

	overBudget = c.limits.SoftBudgetUSDPerRun > 0 && total >= c.limits.SoftBudgetUSDPerRun
	return total, overBudget
}

// IncrUploadQueued and DecrUploadQueued track how many page uploads are
// waiting to be processed for runID, for upload-queue-watermark
// backpressure.
func (c *Controller) IncrUploadQueued(runID string) { c.adjustUpload(runID, 1, 0) }
func (c *Controller) DecrUploadQueued(runID string) { c.adjustUpload(runID, -1, 0) }
func (c *Controller) IncrUploadActive(runID string) { c.adjustUpload(runID, 0, 1) }
func (c *Controller) DecrUploadActive(runID string) { c.adjustUpload(runID, 0, -1) }

func (c *Controller) adjustUpload(runID string, queuedDelta, activeDelta int) {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.uploadQueued += queuedDelta
	entry.uploadActive += activeDelta
	entry.mu.Unlock()
}

// ShouldThrottleUploads reports whether runID's upload queue or active
// count has reached its configured watermark, signalling the intake stage
// to pause accepting new pages until the backlog drains.
func (c *Controller) ShouldThrottleUploads(runID string) bool {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if c.limits.UploadQueueWatermark > 0 && entry.uploadQueued >= c.limits.UploadQueueWatermark {
		return true
	}
	if c.limits.UploadActiveWatermark > 0 && entry.uploadActive >= c.limits.UploadActiveWatermark {
		return true
	}
	return false
}
