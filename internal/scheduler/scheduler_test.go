package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/groupclaw/internal/bridge"
	"github.com/linkerlin/groupclaw/internal/db"
	"github.com/linkerlin/groupclaw/internal/metrics"
	"github.com/linkerlin/groupclaw/internal/queue"
	"github.com/linkerlin/groupclaw/internal/registry"
	"github.com/linkerlin/groupclaw/internal/schedule"
	"github.com/linkerlin/groupclaw/internal/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []bridge.Request
	calls atomic.Int32
	run   func(ctx context.Context, req bridge.Request) bridge.Result
}

func (f *fakeRunner) Run(ctx context.Context, req bridge.Request) bridge.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, req)
	}
	return bridge.Result{Status: bridge.StatusSuccess}
}

type sentMessage struct{ jid, text string }

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) Send(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{jid, text})
	return nil
}

type harness struct {
	sched    *Scheduler
	db       *db.DB
	queue    *queue.GroupQueue
	runner   *fakeRunner
	sender   *fakeSender
	sessions *registry.Sessions
	clock    *clock
}

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "nanoclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	groups := registry.NewGroups(database)
	require.NoError(t, groups.Set(types.Group{JID: "team@test", Name: "Team", Folder: "team", Trigger: "@Andy", AddedAt: t0}))
	sessions := registry.NewSessions(database)

	m := metrics.New()
	q := queue.New(0, m)
	t.Cleanup(func() { _ = q.Shutdown(time.Second) })

	h := &harness{
		db:       database,
		queue:    q,
		runner:   &fakeRunner{},
		sender:   &fakeSender{},
		sessions: sessions,
		clock:    &clock{now: t0},
	}
	h.sched = New(Deps{
		Store:         database,
		Queue:         q,
		Runner:        h.runner,
		Sender:        h.sender,
		Groups:        groups,
		Sessions:      sessions,
		Metrics:       m,
		Location:      time.UTC,
		Interval:      time.Minute,
		AssistantName: "Andy",
		Now:           h.clock.Now,
	})
	return h
}

func (h *harness) addTask(t *testing.T, task types.Task) {
	t.Helper()
	if task.GroupFolder == "" {
		task.GroupFolder = "team"
	}
	if task.ChatJID == "" {
		task.ChatJID = "team@test"
	}
	if task.ContextMode == "" {
		task.ContextMode = types.ContextIsolated
	}
	if task.Status == "" {
		task.Status = types.StatusActive
	}
	if task.Prompt == "" {
		task.Prompt = "report"
	}
	task.CreatedAt = t0
	require.NoError(t, h.db.CreateTask(task))
}

func (h *harness) task(t *testing.T, id string) types.Task {
	t.Helper()
	task, err := h.db.GetTaskByID(id)
	require.NoError(t, err)
	return task
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.queue.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func ptr(t time.Time) *time.Time { return &t }

func TestTick_IntervalAdvancesMonotonically(t *testing.T) {
	h := newHarness(t)
	first, err := schedule.InitialRun(types.ScheduleInterval, "60000", t0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(60*time.Second), first)
	h.addTask(t, types.Task{ID: "t1", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", NextRun: &first})

	h.clock.Set(first)
	assert.Equal(t, 1, h.sched.Tick(context.Background()))
	h.waitIdle(t)
	assert.Equal(t, t0.Add(120*time.Second), *h.task(t, "t1").NextRun)

	h.clock.Set(t0.Add(120 * time.Second))
	assert.Equal(t, 1, h.sched.Tick(context.Background()))
	h.waitIdle(t)
	assert.Equal(t, t0.Add(180*time.Second), *h.task(t, "t1").NextRun)
	assert.EqualValues(t, 2, h.runner.calls.Load())
}

func TestTick_NextRunPersistedBeforeJobRuns(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "t1", ScheduleType: types.ScheduleInterval, ScheduleValue: "3600000", NextRun: ptr(t0)})

	release := make(chan struct{})
	var seenNext atomic.Pointer[time.Time]
	h.runner.run = func(ctx context.Context, req bridge.Request) bridge.Result {
		task, err := h.db.GetTaskByID("t1")
		if err == nil && task.NextRun != nil {
			seenNext.Store(task.NextRun)
		}
		<-release
		return bridge.Result{Status: bridge.StatusSuccess}
	}

	assert.Equal(t, 1, h.sched.Tick(context.Background()))
	require.Eventually(t, func() bool { return seenNext.Load() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, t0.Add(time.Hour), *seenNext.Load())

	// More ticks while the job is in flight find nothing due.
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, h.sched.Tick(context.Background()))
	}
	close(release)
	h.waitIdle(t)
	assert.EqualValues(t, 1, h.runner.calls.Load())
}

func TestTick_OnceFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "once", ScheduleType: types.ScheduleOnce, ScheduleValue: "2026-05-04T12:00:00Z", NextRun: ptr(t0)})

	total := 0
	for i := 0; i < 5; i++ {
		h.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		total += h.sched.Tick(context.Background())
		h.waitIdle(t)
	}
	assert.Equal(t, 1, total)
	assert.EqualValues(t, 1, h.runner.calls.Load())

	task := h.task(t, "once")
	assert.Nil(t, task.NextRun)
	assert.Equal(t, types.StatusActive, task.Status)
	require.NotNil(t, task.LastRun)
}

func TestTick_PausedTasksAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "p", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", Status: types.StatusPaused, NextRun: ptr(t0.Add(-time.Hour))})

	assert.Equal(t, 0, h.sched.Tick(context.Background()))
	assert.Equal(t, t0.Add(-time.Hour), *h.task(t, "p").NextRun)
}

func TestTick_MisfireFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "late", ScheduleType: types.ScheduleInterval, ScheduleValue: "3600000", NextRun: ptr(t0.Add(-10 * 24 * time.Hour))})
	h.addTask(t, types.Task{ID: "late-cron", ScheduleType: types.ScheduleCron, ScheduleValue: "*/5 * * * *", NextRun: ptr(t0.Add(-48 * time.Hour))})

	assert.Equal(t, 2, h.sched.Tick(context.Background()))
	h.waitIdle(t)
	assert.Equal(t, 0, h.sched.Tick(context.Background()))

	assert.Equal(t, t0.Add(time.Hour), *h.task(t, "late").NextRun)
	assert.Equal(t, t0.Add(5*time.Minute), *h.task(t, "late-cron").NextRun)
	assert.EqualValues(t, 2, h.runner.calls.Load())
}

func TestTick_RelaysMessageAndRecordsRun(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "t1", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", NextRun: ptr(t0)})
	h.runner.run = func(ctx context.Context, req bridge.Request) bridge.Result {
		return bridge.Result{Status: bridge.StatusSuccess, Result: &bridge.Output{OutputType: bridge.OutputMessage, UserMessage: "daily summary"}}
	}

	h.sched.Tick(context.Background())
	h.waitIdle(t)

	h.sender.mu.Lock()
	assert.Equal(t, []sentMessage{{"team@test", "Andy: daily summary"}}, h.sender.sent)
	h.sender.mu.Unlock()

	task := h.task(t, "t1")
	assert.Equal(t, "daily summary", task.LastResult)
	logs, err := h.db.GetTaskRunLogs("t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
}

func TestTick_FailureIsRecordedWithoutOutput(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "t1", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", NextRun: ptr(t0)})
	h.runner.run = func(ctx context.Context, req bridge.Request) bridge.Result {
		return bridge.Result{Status: bridge.StatusError, Error: "agent exited with code 1"}
	}

	h.sched.Tick(context.Background())
	h.waitIdle(t)

	assert.Empty(t, h.sender.sent)
	task := h.task(t, "t1")
	assert.Equal(t, "Error: agent exited with code 1", task.LastResult)
	assert.Equal(t, t0.Add(time.Minute), *task.NextRun)
	logs, err := h.db.GetTaskRunLogs("t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Status)
}

func TestTick_ContextModeControlsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sessions.Set("team", "sess-1"))
	h.addTask(t, types.Task{ID: "iso", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", NextRun: ptr(t0)})
	h.addTask(t, types.Task{ID: "grp", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", ContextMode: types.ContextGroup, NextRun: ptr(t0.Add(-time.Second))})

	h.sched.Tick(context.Background())
	h.waitIdle(t)
	require.Eventually(t, func() bool { return h.runner.calls.Load() == 2 }, time.Second, time.Millisecond)

	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	byIsolation := map[bool]bridge.Request{}
	for _, r := range h.runner.reqs {
		byIsolation[r.Isolated] = r
	}
	assert.Equal(t, "", byIsolation[true].SessionID)
	assert.Equal(t, "sess-1", byIsolation[false].SessionID)
}

func TestTick_CancelledWhileQueuedDoesNotRun(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "t1", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", NextRun: ptr(t0)})

	release := make(chan struct{})
	require.NoError(t, h.queue.EnqueueTask("team@test", "blocker", func(ctx context.Context) { <-release }))

	assert.Equal(t, 1, h.sched.Tick(context.Background()))
	require.NoError(t, h.db.DeleteTask("t1"))
	close(release)
	h.waitIdle(t)

	assert.EqualValues(t, 0, h.runner.calls.Load())
}

func TestTick_TaskAlreadyQueuedIsNotDispatchedTwice(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, types.Task{ID: "t1", ScheduleType: types.ScheduleInterval, ScheduleValue: "60000", NextRun: ptr(t0)})

	release := make(chan struct{})
	require.NoError(t, h.queue.EnqueueTask("team@test", "blocker", func(ctx context.Context) { <-release }))

	assert.Equal(t, 1, h.sched.Tick(context.Background()))
	// Due again while the first occurrence still waits behind the blocker.
	require.NoError(t, h.db.UpdateTask("t1", db.TaskUpdate{NextRun: ptr(t0)}))
	assert.Equal(t, 0, h.sched.Tick(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.sched.Metrics.TasksDispatched))

	close(release)
	h.waitIdle(t)
	assert.EqualValues(t, 1, h.runner.calls.Load())
}
