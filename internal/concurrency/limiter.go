// Package concurrency implements the per-operation-class concurrency
// limiter (C4): one counting semaphore per models.OperationClass, run
// with optional per-task timeout and rolling duration/outcome stats.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/relaydocs/spacesync/models"
)

// ErrTimeout is returned by Run when a task misses its deadline. The
// sibling task that did not time out is unaffected.
var ErrTimeout = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "concurrency: task timed out" }

const durationHistorySize = 100

// ClassStats is a copy-on-read snapshot for one operation class.
type ClassStats struct {
	Active        int
	Queued        int
	Completed     int64
	Failed        int64
	AvgDurationMs float64
	LastExecuted  time.Time
}

// waiter is a single FIFO-queued admission request. It is granted by
// having its ready channel closed while classState.mu is held, so a
// waiter and the admitter never race over who holds the slot.
type waiter struct {
	ready chan struct{}
}

// classState tracks one operation class's admission state, entirely
// behind mu: limit, active count, and the FIFO queue of blocked
// acquires. There is no separate semaphore channel to keep in sync
// with limit changes, so SetLimit cannot race with Run's acquire and
// release.
type classState struct {
	mu    sync.Mutex
	limit int

	active int
	queue  []*waiter

	completed int64
	failed    int64
	durations []time.Duration
	durHead   int
	durFilled int

	lastExecAt time.Time
}

func newClassState(limit int) *classState {
	return &classState{
		limit:     limit,
		durations: make([]time.Duration, durationHistorySize),
	}
}

func (cs *classState) recordDuration(d time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.durations[cs.durHead] = d
	cs.durHead = (cs.durHead + 1) % durationHistorySize
	if cs.durFilled < durationHistorySize {
		cs.durFilled++
	}
}

func (cs *classState) avgDurationMs() float64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.durFilled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < cs.durFilled; i++ {
		sum += cs.durations[i]
	}
	return float64(sum.Milliseconds()) / float64(cs.durFilled)
}

// acquire admits the caller once active < limit, honoring FIFO order
// among concurrent waiters and ctx cancellation. active and limit are
// only ever read/written under cs.mu, so a concurrent SetLimit can
// never leave an acquire/release pair observing two different
// generations of admission state.
func (cs *classState) acquire(ctx context.Context) error {
	cs.mu.Lock()
	if cs.active < cs.limit && len(cs.queue) == 0 {
		cs.active++
		cs.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	cs.queue = append(cs.queue, w)
	cs.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		cs.mu.Lock()
		for i, q := range cs.queue {
			if q == w {
				cs.queue = append(cs.queue[:i], cs.queue[i+1:]...)
				cs.mu.Unlock()
				return ctx.Err()
			}
		}
		// w was granted concurrently with the cancellation (it no
		// longer appears in the queue): release the slot we were just
		// handed instead of leaking it.
		cs.mu.Unlock()
		cs.release()
		return ctx.Err()
	}
}

// release frees one slot and admits queued waiters while capacity
// allows, in FIFO order.
func (cs *classState) release() {
	cs.mu.Lock()
	cs.active--
	cs.admitLocked()
	cs.mu.Unlock()
}

// admitLocked grants queued waiters while active < limit. Caller must
// hold cs.mu.
func (cs *classState) admitLocked() {
	for cs.active < cs.limit && len(cs.queue) > 0 {
		w := cs.queue[0]
		cs.queue = cs.queue[1:]
		cs.active++
		close(w.ready)
	}
}

// LimiterSet holds one semaphore per operation class. Unknown classes
// fall back to models.ClassDefault.
type LimiterSet struct {
	mu      sync.Mutex
	classes map[models.OperationClass]*classState
}

// NewLimiterSet builds a LimiterSet from a class->limit budget. Any
// class not present in budget is created lazily on first use with the
// Default class's limit (or 1 if Default itself is absent).
func NewLimiterSet(budget map[models.OperationClass]int) *LimiterSet {
	ls := &LimiterSet{classes: make(map[models.OperationClass]*classState)}
	for class, limit := range budget {
		if limit <= 0 {
			limit = 1
		}
		ls.classes[class] = newClassState(limit)
	}
	if _, ok := ls.classes[models.ClassDefault]; !ok {
		ls.classes[models.ClassDefault] = newClassState(1)
	}
	return ls
}

func (ls *LimiterSet) classFor(class models.OperationClass) *classState {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if cs, ok := ls.classes[class]; ok {
		return cs
	}
	def := ls.classes[models.ClassDefault]
	def.mu.Lock()
	defLimit := def.limit
	def.mu.Unlock()
	ls.classes[class] = newClassState(defLimit)
	return ls.classes[class]
}

// Run acquires one permit for class (FIFO among concurrent waiters),
// executes op, and releases the permit on every exit path. If
// timeout > 0, op races against it; a timeout does not cancel op's
// goroutine but reports ErrTimeout to the caller without affecting
// other in-flight tasks.
func (ls *LimiterSet) Run(ctx context.Context, class models.OperationClass, timeout time.Duration, op func(context.Context) error) error {
	cs := ls.classFor(class)

	if err := cs.acquire(ctx); err != nil {
		return err
	}
	defer cs.release()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	var runErr error
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case runErr = <-done:
		case <-timer.C:
			runErr = ErrTimeout
		case <-ctx.Done():
			runErr = ctx.Err()
		}
	} else {
		select {
		case runErr = <-done:
		case <-ctx.Done():
			runErr = ctx.Err()
		}
	}

	cs.recordDuration(time.Since(start))
	cs.mu.Lock()
	cs.lastExecAt = time.Now()
	if runErr != nil {
		cs.failed++
	} else {
		cs.completed++
	}
	cs.mu.Unlock()

	return runErr
}

// SetLimit resizes a class's admission capacity. Decreasing the limit
// only prevents new admissions; it never preempts running tasks.
// Increasing it immediately admits any FIFO-queued waiters that now
// fit. This is safe to call while tasks are in flight: limit, active,
// and the wait queue are all read and written under the same mutex
// Run's acquire/release use, so there is no window where a running
// task's release can observe a different generation of state than the
// one it acquired against.
func (ls *LimiterSet) SetLimit(class models.OperationClass, n int) {
	if n <= 0 {
		n = 1
	}
	cs := ls.classFor(class)
	cs.mu.Lock()
	cs.limit = n
	cs.admitLocked()
	cs.mu.Unlock()
}

// Stats returns a copy-on-read snapshot for one class.
func (ls *LimiterSet) Stats(class models.OperationClass) ClassStats {
	cs := ls.classFor(class)
	cs.mu.Lock()
	active := cs.active
	queued := len(cs.queue)
	completed := cs.completed
	failed := cs.failed
	lastExec := cs.lastExecAt
	cs.mu.Unlock()
	return ClassStats{
		Active:        active,
		Queued:        queued,
		Completed:     completed,
		Failed:        failed,
		AvgDurationMs: cs.avgDurationMs(),
		LastExecuted:  lastExec,
	}
}
