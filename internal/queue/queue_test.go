package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/linkerlin/groupclaw/internal/metrics"
)

type fakeProc struct {
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) Terminate() error {
	p.terminated.Store(true)
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) exit() { p.once.Do(func() { close(p.done) }) }

func waitIdle(t *testing.T, q *GroupQueue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestGroupQueue_SameGroupSerializedFIFO(t *testing.T) {
	q := New(0, metrics.New())

	var (
		mu      sync.Mutex
		order   []string
		running int32
		overlap atomic.Bool
	)
	for _, id := range []string{"A", "B", "C"} {
		id := id
		err := q.EnqueueTask("g1@test", id, func(ctx context.Context) {
			if atomic.AddInt32(&running, 1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, overlap.Load(), "jobs of one group overlapped")
	assert.Equal(t, []string{"A", "B", "C"}, order)
	waitIdle(t, q)
}

func TestGroupQueue_CoalescesMessageChecks(t *testing.T) {
	q := New(0, metrics.New())

	var checks int32
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		atomic.AddInt32(&checks, 1)
		return true
	})

	release := make(chan struct{})
	require.NoError(t, q.EnqueueTask("g1@test", "blocker", func(ctx context.Context) { <-release }))
	require.Eventually(t, func() bool { return q.IsActive("g1@test") }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.EnqueueMessageCheck("g1@test"))
	}
	assert.Equal(t, 1, q.PendingCount("g1@test"))

	close(release)
	waitIdle(t, q)
	assert.EqualValues(t, 1, atomic.LoadInt32(&checks))
}

func TestGroupQueue_CoalescesPendingTaskByID(t *testing.T) {
	q := New(0, metrics.New())

	release := make(chan struct{})
	require.NoError(t, q.EnqueueTask("g1@test", "blocker", func(ctx context.Context) { <-release }))
	require.Eventually(t, func() bool { return q.IsActive("g1@test") }, time.Second, time.Millisecond)

	var runs int32
	require.NoError(t, q.EnqueueTask("g1@test", "task-1", func(ctx context.Context) { atomic.AddInt32(&runs, 1) }))
	for i := 0; i < 2; i++ {
		err := q.EnqueueTask("g1@test", "task-1", func(ctx context.Context) { atomic.AddInt32(&runs, 1) })
		assert.ErrorIs(t, err, ErrAlreadyPending)
	}
	require.NoError(t, q.EnqueueTask("g1@test", "task-2", func(ctx context.Context) { atomic.AddInt32(&runs, 1) }))
	assert.Equal(t, 2, q.PendingCount("g1@test"))

	close(release)
	waitIdle(t, q)
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestGroupQueue_MessageCheckDuringRunIsNotLost(t *testing.T) {
	q := New(0, metrics.New())

	var checks int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		if atomic.AddInt32(&checks, 1) == 1 {
			started <- struct{}{}
			<-release
		}
		return true
	})

	require.NoError(t, q.EnqueueMessageCheck("g1@test"))
	<-started
	// a message arriving while the first check runs needs a second pass
	require.NoError(t, q.EnqueueMessageCheck("g1@test"))
	close(release)

	waitIdle(t, q)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&checks) == 2 }, time.Second, time.Millisecond)
}

func TestGroupQueue_GroupsRunConcurrently(t *testing.T) {
	q := New(0, metrics.New())

	var wg sync.WaitGroup
	wg.Add(2)
	bothRunning := make(chan struct{})
	go func() {
		wg.Wait()
		close(bothRunning)
	}()

	for _, jid := range []string{"g1@test", "g2@test"} {
		require.NoError(t, q.EnqueueTask(jid, "t", func(ctx context.Context) {
			wg.Done()
			<-bothRunning
		}))
	}

	select {
	case <-bothRunning:
	case <-time.After(2 * time.Second):
		t.Fatal("groups did not run concurrently")
	}
	waitIdle(t, q)
}

func TestGroupQueue_MaxConcurrent(t *testing.T) {
	q := New(1, metrics.New())

	var (
		running int32
		peak    int32
		done    int32
	)
	for _, jid := range []string{"g1@test", "g2@test", "g3@test"} {
		require.NoError(t, q.EnqueueTask(jid, "t", func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
		}))
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
	waitIdle(t, q)
}

func TestGroupQueue_PanicDoesNotWedgeGroup(t *testing.T) {
	q := New(0, metrics.New())

	require.NoError(t, q.EnqueueTask("g1@test", "boom", func(ctx context.Context) { panic("boom") }))
	var ran atomic.Bool
	require.NoError(t, q.EnqueueTask("g1@test", "after", func(ctx context.Context) { ran.Store(true) }))

	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
	waitIdle(t, q)
}

func TestGroupQueue_ShutdownGraceful(t *testing.T) {
	q := New(0, metrics.New())

	var finished atomic.Bool
	require.NoError(t, q.EnqueueTask("g1@test", "t", func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}))
	require.Eventually(t, func() bool { return q.IsActive("g1@test") }, time.Second, time.Millisecond)

	require.NoError(t, q.Shutdown(time.Second))
	assert.True(t, finished.Load())

	err := q.EnqueueMessageCheck("g1@test")
	assert.ErrorIs(t, err, ErrShuttingDown)
	err = q.EnqueueTask("g2@test", "t", func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestGroupQueue_ShutdownTerminatesBeforeKilling(t *testing.T) {
	q := New(0, metrics.New())
	q.TerminateWait = time.Second

	proc := newFakeProc()
	var returned atomic.Bool
	require.NoError(t, q.EnqueueTask("g1@test", "t", func(ctx context.Context) {
		q.RegisterProcess("g1@test", proc, "nanoclaw-g1")
		defer q.ReleaseProcess("g1@test", proc)
		<-ctx.Done()
		_ = proc.Terminate()
		proc.exit()
		returned.Store(true)
	}))
	require.Eventually(t, func() bool { return q.Processes().Len() == 1 }, time.Second, time.Millisecond)

	err := q.Shutdown(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.True(t, proc.terminated.Load())
	assert.False(t, proc.killed.Load())
	assert.True(t, returned.Load(), "Shutdown returns after the job")
}

func TestGroupQueue_ShutdownKillsStragglers(t *testing.T) {
	q := New(0, metrics.New())
	q.TerminateWait = 50 * time.Millisecond

	proc := newFakeProc()
	require.NoError(t, q.EnqueueTask("g1@test", "t", func(ctx context.Context) {
		q.RegisterProcess("g1@test", proc, "nanoclaw-g1")
		defer q.ReleaseProcess("g1@test", proc)
		<-proc.Done()
	}))
	require.Eventually(t, func() bool { return q.Processes().Len() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	err := q.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShutdownTimeout))
	assert.True(t, proc.killed.Load())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, q.ActiveCount(), "killed jobs have returned")
}

func TestGroupQueue_ShutdownDropsPending(t *testing.T) {
	q := New(0, metrics.New())

	release := make(chan struct{})
	require.NoError(t, q.EnqueueTask("g1@test", "blocker", func(ctx context.Context) { <-release }))
	var ranPending atomic.Bool
	require.NoError(t, q.EnqueueTask("g1@test", "later", func(ctx context.Context) { ranPending.Store(true) }))
	require.Eventually(t, func() bool { return q.IsActive("g1@test") }, time.Second, time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, q.Shutdown(time.Second))
	assert.False(t, ranPending.Load())
	assert.Equal(t, 0, q.PendingCount("g1@test"))
}

func TestRegistry_ReleaseIgnoresNewerHandle(t *testing.T) {
	r := NewRegistry()
	old, cur := newFakeProc(), newFakeProc()

	r.Register("g1@test", old, "old")
	r.Register("g1@test", cur, "cur")
	r.Release("g1@test", old)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"cur"}, r.KillAll())
	assert.True(t, cur.killed.Load())
	assert.False(t, old.killed.Load())

	r.Release("g1@test", cur)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_KillAllSkipsExited(t *testing.T) {
	r := NewRegistry()
	alive, exited := newFakeProc(), newFakeProc()
	exited.exit()

	r.Register("g1@test", alive, "alive")
	r.Register("g2@test", exited, "exited")

	assert.Equal(t, []string{"alive"}, r.KillAll())
	assert.True(t, alive.killed.Load())
	assert.False(t, exited.killed.Load())
}

// Random interleavings of enqueues never run two jobs of one group at once
// and never exceed the global cap.
func TestGroupQueue_ExclusionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxConc := rapid.IntRange(0, 3).Draw(rt, "max")
		q := New(maxConc, metrics.New())

		var (
			mu        sync.Mutex
			perGroup  = map[string]int{}
			total     int
			violation string
		)
		enter := func(jid string) {
			mu.Lock()
			defer mu.Unlock()
			perGroup[jid]++
			total++
			if perGroup[jid] > 1 {
				violation = fmt.Sprintf("group %s ran %d jobs at once", jid, perGroup[jid])
			}
			if maxConc > 0 && total > maxConc {
				violation = fmt.Sprintf("%d groups active with cap %d", total, maxConc)
			}
		}
		leave := func(jid string) {
			mu.Lock()
			defer mu.Unlock()
			perGroup[jid]--
			total--
		}

		q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
			enter(jid)
			time.Sleep(time.Millisecond)
			leave(jid)
			return true
		})

		ops := rapid.IntRange(1, 30).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			jid := fmt.Sprintf("g%d@test", rapid.IntRange(0, 3).Draw(rt, "group"))
			if rapid.Bool().Draw(rt, "isTask") {
				taskID := fmt.Sprintf("task-%d", rapid.IntRange(0, 2).Draw(rt, "task"))
				_ = q.EnqueueTask(jid, taskID, func(ctx context.Context) {
					enter(jid)
					time.Sleep(time.Millisecond)
					leave(jid)
				})
			} else {
				_ = q.EnqueueMessageCheck(jid)
			}
		}

		deadline := time.Now().Add(5 * time.Second)
		for q.ActiveCount() > 0 {
			if time.Now().After(deadline) {
				rt.Fatalf("queue did not drain")
			}
			time.Sleep(time.Millisecond)
		}

		mu.Lock()
		defer mu.Unlock()
		if violation != "" {
			rt.Fatalf("%s", violation)
		}
	})
}
