package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkerlin/groupclaw/internal/metrics"
)

// ErrShuttingDown is returned by the enqueue methods once Shutdown started.
var ErrShuttingDown = errors.New("group queue is shutting down")

// ErrAlreadyPending is returned by EnqueueTask when the task is already
// waiting in its group's queue; the request was merged into that job.
var ErrAlreadyPending = errors.New("job already pending")

// ErrShutdownTimeout is returned by Shutdown when jobs outlived the grace
// period and their processes were killed.
var ErrShutdownTimeout = errors.New("shutdown grace period exceeded")

// ProcessMessagesFunc handles pending input of one group and reports
// whether it succeeded.
type ProcessMessagesFunc func(ctx context.Context, jid string) bool

type jobKind string

const (
	kindMessages jobKind = "messages"
	kindTask     jobKind = "task"
)

type job struct {
	kind   jobKind
	taskID string
	fn     func(ctx context.Context)
}

type groupState struct {
	active  bool
	waiting bool // listed in GroupQueue.waiting
	pending []job
}

func (s *groupState) hasPending(j job) bool {
	for _, p := range s.pending {
		if p.kind == j.kind && p.taskID == j.taskID {
			return true
		}
	}
	return false
}

// GroupQueue runs jobs one at a time per group, in FIFO order. Duplicate
// requests for a job that is already pending collapse into it. Different
// groups run concurrently, optionally capped by maxConcurrent.
type GroupQueue struct {
	mu            sync.Mutex
	groups        map[string]*groupState
	waiting       []string
	activeCount   int
	maxConcurrent int
	shuttingDown  bool
	processFn     ProcessMessagesFunc

	// TerminateWait is how long Shutdown waits after cancelling jobs
	// before it kills their processes, and again after the kill.
	TerminateWait time.Duration

	procs   *Registry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a queue. maxConcurrent <= 0 means no global limit.
func New(maxConcurrent int, m *metrics.Metrics) *GroupQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		groups:        make(map[string]*groupState),
		maxConcurrent: maxConcurrent,
		TerminateWait: 2 * time.Second,
		procs:         NewRegistry(),
		ctx:           ctx,
		cancel:        cancel,
		metrics:       m,
		log:           slog.Default().With("component", "queue"),
	}
}

// SetProcessMessagesFn installs the callback run by message-check jobs.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processFn = fn
}

// EnqueueMessageCheck schedules a check for new input of jid unless one is
// already pending.
func (q *GroupQueue) EnqueueMessageCheck(jid string) error {
	if err := q.enqueue(jid, job{kind: kindMessages}); !errors.Is(err, ErrAlreadyPending) {
		return err
	}
	return nil
}

// EnqueueTask schedules fn as the run of taskID for jid. A request for a
// task that is already pending is dropped with ErrAlreadyPending.
func (q *GroupQueue) EnqueueTask(jid, taskID string, fn func(ctx context.Context)) error {
	return q.enqueue(jid, job{kind: kindTask, taskID: taskID, fn: fn})
}

// RegisterProcess records the process currently serving jid.
func (q *GroupQueue) RegisterProcess(jid string, proc Process, name string) {
	q.procs.Register(jid, proc, name)
}

// ReleaseProcess forgets proc once it has exited.
func (q *GroupQueue) ReleaseProcess(jid string, proc Process) {
	q.procs.Release(jid, proc)
}

// Processes exposes the handle registry.
func (q *GroupQueue) Processes() *Registry {
	return q.procs
}

// IsActive reports whether a job of jid is executing.
func (q *GroupQueue) IsActive(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[jid]
	return ok && st.active
}

// PendingCount returns the number of deferred jobs of jid.
func (q *GroupQueue) PendingCount(jid string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.groups[jid]; ok {
		return len(st.pending)
	}
	return 0
}

// ActiveCount returns the number of groups with an executing job.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

func (q *GroupQueue) enqueue(jid string, j job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return ErrShuttingDown
	}
	st := q.state(jid)
	if st.hasPending(j) {
		return ErrAlreadyPending
	}
	if st.active || len(st.pending) > 0 || q.atCapacityLocked() {
		st.pending = append(st.pending, j)
		if !st.active && !st.waiting {
			st.waiting = true
			q.waiting = append(q.waiting, jid)
		}
		q.log.Debug("job deferred", "group", jid, "kind", j.kind, "task", j.taskID, "pending", len(st.pending))
		return nil
	}
	q.startLocked(jid, st, j)
	return nil
}

func (q *GroupQueue) state(jid string) *groupState {
	st, ok := q.groups[jid]
	if !ok {
		st = &groupState{}
		q.groups[jid] = st
	}
	return st
}

func (q *GroupQueue) atCapacityLocked() bool {
	return q.maxConcurrent > 0 && q.activeCount >= q.maxConcurrent
}

func (q *GroupQueue) startLocked(jid string, st *groupState, j job) {
	st.active = true
	q.activeCount++
	q.metrics.ActiveGroups.Set(float64(q.activeCount))
	q.wg.Add(1)
	go q.run(jid, j)
}

func (q *GroupQueue) run(jid string, j job) {
	defer q.wg.Done()
	ok := q.execute(jid, j)

	outcome := "ok"
	if !ok {
		outcome = "failed"
		q.log.Warn("job failed", "group", jid, "kind", j.kind, "task", j.taskID)
	}
	q.metrics.Jobs.WithLabelValues(string(j.kind), outcome).Inc()
	q.finish(jid)
}

func (q *GroupQueue) execute(jid string, j job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panicked", "group", jid, "kind", j.kind, "panic", r)
			ok = false
		}
	}()

	switch j.kind {
	case kindTask:
		j.fn(q.ctx)
		return true
	default:
		q.mu.Lock()
		fn := q.processFn
		q.mu.Unlock()
		if fn == nil {
			q.log.Warn("no message processor installed", "group", jid)
			return true
		}
		return fn(q.ctx, jid)
	}
}

func (q *GroupQueue) finish(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(jid)
	st.active = false
	q.activeCount--

	if !q.shuttingDown {
		if len(st.pending) > 0 {
			next := st.pending[0]
			st.pending = st.pending[1:]
			q.startLocked(jid, st, next)
		}
		q.drainWaitingLocked()
	}
	q.metrics.ActiveGroups.Set(float64(q.activeCount))
}

// drainWaitingLocked starts deferred groups while capacity allows.
func (q *GroupQueue) drainWaitingLocked() {
	for len(q.waiting) > 0 && !q.atCapacityLocked() {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]
		st := q.state(jid)
		st.waiting = false
		if st.active || len(st.pending) == 0 {
			continue
		}
		next := st.pending[0]
		st.pending = st.pending[1:]
		q.startLocked(jid, st, next)
	}
}

// Shutdown stops admitting jobs and waits up to grace for running ones.
// After grace the jobs' context is cancelled, which asks their processes to
// terminate; processes still alive TerminateWait later are killed. Both
// cases return ErrShutdownTimeout. Deferred jobs are discarded.
func (q *GroupQueue) Shutdown(grace time.Duration) error {
	q.mu.Lock()
	q.shuttingDown = true
	dropped := 0
	for _, st := range q.groups {
		dropped += len(st.pending)
		st.pending = nil
		st.waiting = false
	}
	q.waiting = nil
	active := q.activeCount
	q.mu.Unlock()

	q.log.Info("shutting down", "active", active, "dropped_pending", dropped, "grace", grace)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-timer.C:
	}

	q.cancel()
	if waitFor(done, q.TerminateWait) {
		q.log.Warn("grace period exceeded, jobs cancelled")
		return fmt.Errorf("jobs cancelled: %w", ErrShutdownTimeout)
	}

	killed := q.procs.KillAll()
	q.log.Warn("grace period exceeded, killed agent processes", "processes", killed)
	if !waitFor(done, q.TerminateWait) {
		q.log.Error("jobs still running after kill")
	}
	return fmt.Errorf("killed %d processes: %w", len(killed), ErrShutdownTimeout)
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
