package runcontrol

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// fairQueue admits run requests under a global semaphore while cycling
// round-robin across teachers, so a teacher submitting a hundred runs can't
// starve a teacher who submitted one. Each teacher additionally gets its
// own per-teacher semaphore bounding how many of its runs can be admitted
// at once, enforced before the shared global slot is taken.
type fairQueue struct {
	global       *semaphore.Weighted
	teacherLimit int64

	mu         sync.Mutex
	teacherSem map[string]*semaphore.Weighted
	order      []string // teachers with a pending or admitted waiter, round-robin order
	waiters    map[string][]*admission
	cursor     int
}

type admission struct {
	ready chan struct{}
	err   error
}

func newFairQueue(global *semaphore.Weighted, teacherLimit int64) *fairQueue {
	return &fairQueue{
		global:       global,
		teacherLimit: teacherLimit,
		teacherSem:   make(map[string]*semaphore.Weighted),
		waiters:      make(map[string][]*admission),
	}
}

// admit blocks until teacherID is granted a global run slot and a
// per-teacher run slot, or ctx is cancelled.
func (q *fairQueue) admit(ctx context.Context, teacherID string) error {
	a := &admission{ready: make(chan struct{})}

	q.mu.Lock()
	if _, seen := q.waiters[teacherID]; !seen {
		q.order = append(q.order, teacherID)
	}
	q.waiters[teacherID] = append(q.waiters[teacherID], a)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case <-a.ready:
		return a.err
	case <-ctx.Done():
		q.mu.Lock()
		q.removeWaiterLocked(teacherID, a)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// release frees the per-teacher slot and the global slot taken by a prior
// admit for teacherID and re-attempts dispatch, since a slot just opened up.
func (q *fairQueue) release(teacherID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sem, ok := q.teacherSem[teacherID]; ok {
		sem.Release(1)
	}
	q.global.Release(1)
	q.dispatchLocked()
}

// dispatchLocked admits as many waiters as current capacity allows,
// cycling round-robin across q.order starting at q.cursor. Must be called
// with q.mu held.
func (q *fairQueue) dispatchLocked() {
	q.pruneEmptyLocked()

	for len(q.order) > 0 {
		admittedThisLap := false

		for i := 0; i < len(q.order); i++ {
			if q.cursor >= len(q.order) {
				q.cursor = 0
			}
			teacherID := q.order[q.cursor]
			q.cursor++

			pending := q.waiters[teacherID]
			if len(pending) == 0 {
				continue
			}

			sem := q.teacherSemFor(teacherID)
			if !sem.TryAcquire(1) {
				continue
			}
			if !q.global.TryAcquire(1) {
				sem.Release(1)
				return // no global capacity at all, stop trying entirely
			}

			a := pending[0]
			q.waiters[teacherID] = pending[1:]
			close(a.ready)
			admittedThisLap = true
		}

		q.pruneEmptyLocked()
		if !admittedThisLap {
			return
		}
	}
}

// pruneEmptyLocked drops teachers with no pending waiters from the
// round-robin order. Must be called with q.mu held.
func (q *fairQueue) pruneEmptyLocked() {
	kept := q.order[:0]
	for _, teacherID := range q.order {
		if len(q.waiters[teacherID]) == 0 {
			delete(q.waiters, teacherID)
			continue
		}
		kept = append(kept, teacherID)
	}
	q.order = kept
	if q.cursor > len(q.order) {
		q.cursor = 0
	}
}

func (q *fairQueue) teacherSemFor(teacherID string) *semaphore.Weighted {
	sem, ok := q.teacherSem[teacherID]
	if !ok {
		sem = semaphore.NewWeighted(q.teacherLimit)
		q.teacherSem[teacherID] = sem
	}
	return sem
}

func (q *fairQueue) removeWaiterLocked(teacherID string, target *admission) {
	pending := q.waiters[teacherID]
	for i, a := range pending {
		if a == target {
			q.waiters[teacherID] = append(pending[:i], pending[i+1:]...)
			return
		}
	}
}
