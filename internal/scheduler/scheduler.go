package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/linkerlin/groupclaw/internal/bridge"
	"github.com/linkerlin/groupclaw/internal/channel"
	"github.com/linkerlin/groupclaw/internal/db"
	"github.com/linkerlin/groupclaw/internal/metrics"
	"github.com/linkerlin/groupclaw/internal/queue"
	"github.com/linkerlin/groupclaw/internal/registry"
	"github.com/linkerlin/groupclaw/internal/router"
	"github.com/linkerlin/groupclaw/internal/schedule"
	"github.com/linkerlin/groupclaw/internal/types"
)

const resultSummaryLen = 200

// Store is the task persistence used by the scheduler.
type Store interface {
	GetDueTasks(now time.Time) ([]types.Task, error)
	GetTaskByID(id string) (types.Task, error)
	UpdateTask(id string, u db.TaskUpdate) error
	LogTaskRun(l types.TaskRunLog) error
}

// Enqueuer submits task jobs to a group's queue.
type Enqueuer interface {
	EnqueueTask(jid, taskID string, fn func(ctx context.Context)) error
}

// Runner executes one agent invocation.
type Runner interface {
	Run(ctx context.Context, req bridge.Request) bridge.Result
}

// Deps wires a Scheduler.
type Deps struct {
	Store         Store
	Queue         Enqueuer
	Runner        Runner
	Sender        channel.Sender
	Groups        *registry.Groups
	Sessions      *registry.Sessions
	Metrics       *metrics.Metrics
	Location      *time.Location
	Interval      time.Duration
	AssistantName string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler dispatches due tasks into the group queue.
type Scheduler struct {
	Deps
	log *slog.Logger
}

// New creates a Scheduler.
func New(d Deps) *Scheduler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Scheduler{Deps: d, log: slog.Default().With("component", "scheduler")}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "interval", s.Interval, "timezone", s.Location.String())
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick dispatches every due task once and returns how many were queued.
// Each task's next run is persisted before its job is submitted, so a later
// tick cannot pick the same occurrence again.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.Now()
	due, err := s.Store.GetDueTasks(now)
	if err != nil {
		s.log.Error("fetch due tasks", "error", err)
		return 0
	}

	dispatched := 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		if !t.IsDue(now) {
			continue
		}
		if err := s.advance(t, now); err != nil {
			s.log.Error("advance task", "task", t.ID, "error", err)
			continue
		}

		task := t
		jid := task.ChatJID
		if grp, ok := s.Groups.ByFolder(task.GroupFolder); ok {
			jid = grp.JID
		}
		err := s.Queue.EnqueueTask(jid, task.ID, func(ctx context.Context) { s.runTask(ctx, task) })
		if errors.Is(err, queue.ErrAlreadyPending) {
			s.log.Debug("task already queued", "task", task.ID)
			continue
		}
		if err != nil {
			s.log.Warn("enqueue task", "task", task.ID, "error", err)
			continue
		}
		s.Metrics.TasksDispatched.Inc()
		dispatched++
		s.log.Info("task dispatched", "task", task.ID, "group", task.GroupFolder, "schedule", task.ScheduleType)
	}
	return dispatched
}

// advance persists the run after now. A stored schedule that no longer
// parses stops the task instead of firing on every tick.
func (s *Scheduler) advance(t types.Task, now time.Time) error {
	next, err := schedule.NextRun(t.ScheduleType, t.ScheduleValue, now, s.Location)
	if err != nil {
		s.log.Error("stored schedule is invalid, clearing next run", "task", t.ID, "error", err)
		return s.Store.UpdateTask(t.ID, db.TaskUpdate{ClearNextRun: true})
	}
	if next == nil {
		return s.Store.UpdateTask(t.ID, db.TaskUpdate{ClearNextRun: true})
	}
	return s.Store.UpdateTask(t.ID, db.TaskUpdate{NextRun: next})
}

func (s *Scheduler) runTask(ctx context.Context, t types.Task) {
	start := s.Now()
	log := s.log.With("task", t.ID, "group", t.GroupFolder)

	// The task may have been paused or cancelled while queued.
	current, err := s.Store.GetTaskByID(t.ID)
	if errors.Is(err, db.ErrNotFound) {
		log.Info("task removed before it ran")
		return
	}
	if err != nil {
		log.Error("reload task", "error", err)
		return
	}
	if current.Status != types.StatusActive {
		log.Info("task paused before it ran")
		return
	}

	grp, ok := s.Groups.ByFolder(t.GroupFolder)
	if !ok {
		log.Error("group not registered")
		s.record(t, start, bridge.Result{Status: bridge.StatusError, Error: "group not found: " + t.GroupFolder})
		return
	}

	req := bridge.Request{
		Group:    grp,
		Prompt:   t.Prompt,
		ChatJID:  t.ChatJID,
		Isolated: t.ContextMode != types.ContextGroup,
	}
	if !req.Isolated {
		req.SessionID = s.Sessions.Get(grp.Folder)
	}

	res := s.Runner.Run(ctx, req)
	if text := res.Message(); text != "" {
		if err := s.Sender.Send(ctx, t.ChatJID, router.FormatOutbound(s.AssistantName, text)); err != nil {
			log.Error("send task output", "error", err)
		}
	}
	s.record(t, start, res)
}

func (s *Scheduler) record(t types.Task, start time.Time, res bridge.Result) {
	end := s.Now()
	entry := types.TaskRunLog{
		TaskID:   t.ID,
		RunAt:    start,
		Duration: end.Sub(start),
		Status:   "success",
	}
	summary := ""
	if res.OK() {
		if res.Result != nil {
			summary = res.Result.UserMessage
			if summary == "" {
				summary = res.Result.InternalLog
			}
		}
		entry.Result = summary
	} else {
		entry.Status = "error"
		entry.Error = res.Error
		summary = "Error: " + res.Error
	}
	if r := []rune(summary); len(r) > resultSummaryLen {
		summary = string(r[:resultSummaryLen])
	}

	if err := s.Store.LogTaskRun(entry); err != nil {
		s.log.Error("log task run", "task", t.ID, "error", err)
	}
	err := s.Store.UpdateTask(t.ID, db.TaskUpdate{LastRun: &start, LastResult: &summary})
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.log.Error("record task result", "task", t.ID, "error", err)
	}
}
