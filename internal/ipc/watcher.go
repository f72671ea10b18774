// Package ipc is the filesystem mailbox through which agent processes ask
// the orchestrator for side effects. Each group folder has its own inboxes;
// the main group may act on any group, the others only on themselves.
package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/linkerlin/groupclaw/internal/channel"
	"github.com/linkerlin/groupclaw/internal/db"
	"github.com/linkerlin/groupclaw/internal/metrics"
	"github.com/linkerlin/groupclaw/internal/registry"
	"github.com/linkerlin/groupclaw/internal/router"
	"github.com/linkerlin/groupclaw/internal/schedule"
	"github.com/linkerlin/groupclaw/internal/types"
)

// Command types.
const (
	CmdMessage       = "message"
	CmdScheduleTask  = "schedule_task"
	CmdPauseTask     = "pause_task"
	CmdResumeTask    = "resume_task"
	CmdCancelTask    = "cancel_task"
	CmdRefreshGroups = "refresh_groups"
	CmdRegisterGroup = "register_group"
)

// ErrRejected marks commands that are well formed JSON but unauthorized or
// invalid. They are dropped, not quarantined.
var ErrRejected = errors.New("command rejected")

var folderPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Command is the union of every mailbox document.
type Command struct {
	Type string `json:"type"`

	// message
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	TargetJID     string `json:"targetJid,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`

	// pause_task, resume_task, cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	JID             string                 `json:"jid,omitempty"`
	Name            string                 `json:"name,omitempty"`
	Folder          string                 `json:"folder,omitempty"`
	Trigger         string                 `json:"trigger,omitempty"`
	RequiresTrigger *bool                  `json:"requiresTrigger,omitempty"`
	ContainerConfig *types.ContainerConfig `json:"containerConfig,omitempty"`
}

// Store is the task persistence used by mailbox commands.
type Store interface {
	CreateTask(t types.Task) error
	GetTaskByID(id string) (types.Task, error)
	UpdateTask(id string, u db.TaskUpdate) error
	DeleteTask(id string) error
}

// Registrar creates or overwrites a group registration and provisions its
// folder.
type Registrar interface {
	Register(g types.Group) error
}

// SnapshotRefresher rewrites a folder's chat visibility snapshot.
type SnapshotRefresher interface {
	RefreshGroups(folder string, isMain bool) error
}

// Deps wires a Watcher.
type Deps struct {
	Root          string
	MainFolder    string
	AssistantName string
	Location      *time.Location
	Interval      time.Duration

	Store     Store
	Groups    *registry.Groups
	Sender    channel.Sender
	Registrar Registrar
	Snapshots SnapshotRefresher
	Metrics   *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Watcher polls every mailbox and applies the commands it finds.
type Watcher struct {
	Deps
	log     *slog.Logger
	nudge   chan struct{}
	watched map[string]bool
}

// New creates a Watcher.
func New(d Deps) *Watcher {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Watcher{
		Deps:    d,
		log:     slog.Default().With("component", "ipc"),
		nudge:   make(chan struct{}, 1),
		watched: make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. File system notifications trigger an
// early poll; the ticker alone is enough for correctness.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.Root, ErrorsDir), 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer fsw.Close()
		go w.forward(ctx, fsw)
	}

	w.log.Info("mailbox watcher started", "root", w.Root, "interval", w.Interval)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		w.Poll(ctx)
		if fsw != nil {
			w.watchInboxes(fsw)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

func (w *Watcher) forward(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if base := filepath.Base(ev.Name); strings.HasPrefix(base, ".") {
				continue
			}
			select {
			case w.nudge <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "error", err)
		}
	}
}

// watchInboxes adds watches for mailbox directories created since the
// last call.
func (w *Watcher) watchInboxes(fsw *fsnotify.Watcher) {
	dirs := []string{w.Root}
	for _, folder := range w.folders() {
		dirs = append(dirs, filepath.Join(w.Root, folder))
		for _, sub := range []string{MessagesDir, TasksDir} {
			dirs = append(dirs, filepath.Join(w.Root, folder, sub))
		}
	}
	for _, dir := range dirs {
		if w.watched[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			continue
		}
		w.watched[dir] = true
	}
}

func (w *Watcher) folders() []string {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ErrorsDir && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out
}

// Poll processes every pending mailbox file once and returns how many
// files it handled.
func (w *Watcher) Poll(ctx context.Context) int {
	n := 0
	for _, folder := range w.folders() {
		isMain := folder == w.MainFolder
		for _, sub := range []string{MessagesDir, TasksDir} {
			for _, path := range pendingFiles(filepath.Join(w.Root, folder, sub)) {
				if ctx.Err() != nil {
					return n
				}
				w.processFile(ctx, folder, sub, isMain, path)
				n++
			}
		}
	}
	return n
}

func pendingFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) processFile(ctx context.Context, folder, inbox string, isMain bool, path string) {
	log := w.log.With("group", folder, "file", filepath.Base(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("read command", "error", err)
			w.quarantine(folder, path)
		}
		return
	}

	if !json.Valid(data) {
		log.Warn("malformed command")
		w.Metrics.Commands.WithLabelValues("unknown", "quarantined").Inc()
		w.quarantine(folder, path)
		return
	}

	cmd, err := decodeCommand(data)
	if err == nil {
		err = w.dispatch(ctx, folder, inbox, isMain, cmd)
	}
	label := cmd.Type
	if label == "" {
		label = "unknown"
	}
	switch {
	case err == nil:
		w.Metrics.Commands.WithLabelValues(label, "ok").Inc()
		log.Info("command applied", "type", cmd.Type)
	case errors.Is(err, ErrRejected):
		w.Metrics.Commands.WithLabelValues(label, "rejected").Inc()
		log.Warn("command dropped", "type", cmd.Type, "reason", err)
	default:
		w.Metrics.Commands.WithLabelValues(label, "failed").Inc()
		log.Error("command failed", "type", cmd.Type, "error", err)
		w.quarantine(folder, path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error("remove command", "error", err)
	}
}

// Fields that agents may send as a JSON number instead of a string.
var numericFields = []string{"schedule_value", "taskId"}

// decodeCommand reads a well formed mailbox document. Documents that are
// not an object or whose fields have the wrong type are rejected.
func decodeCommand(data []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Command{}, rejectf("not a command object: %v", err)
	}
	for _, k := range numericFields {
		raw := bytes.TrimSpace(fields[k])
		if len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
			quoted, _ := json.Marshal(string(raw))
			fields[k] = quoted
		}
	}
	normalized, err := json.Marshal(fields)
	if err != nil {
		return Command{}, rejectf("%v", err)
	}
	var cmd Command
	if err := json.Unmarshal(normalized, &cmd); err != nil {
		return Command{}, rejectf("%v", err)
	}
	return cmd, nil
}

// quarantine moves path to errors/<folder>-<name>. If that fails the file
// is deleted so it cannot be retried forever.
func (w *Watcher) quarantine(folder, path string) {
	w.Metrics.Quarantined.Inc()
	dir := filepath.Join(w.Root, ErrorsDir)
	dst := filepath.Join(dir, folder+"-"+filepath.Base(path))
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		err = os.Rename(path, dst)
	}
	if err != nil {
		w.log.Error("quarantine failed, discarding command", "file", path, "error", err)
		_ = os.Remove(path)
	}
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrRejected)...)
}

func (w *Watcher) dispatch(ctx context.Context, folder, inbox string, isMain bool, cmd Command) error {
	if inbox == MessagesDir {
		if cmd.Type != CmdMessage {
			return rejectf("%q is not a message command", cmd.Type)
		}
		return w.sendMessage(ctx, folder, isMain, cmd)
	}

	switch cmd.Type {
	case CmdScheduleTask:
		return w.scheduleTask(folder, isMain, cmd)
	case CmdPauseTask:
		return w.setTaskStatus(folder, isMain, cmd.TaskID, types.StatusPaused)
	case CmdResumeTask:
		return w.setTaskStatus(folder, isMain, cmd.TaskID, types.StatusActive)
	case CmdCancelTask:
		return w.cancelTask(folder, isMain, cmd.TaskID)
	case CmdRefreshGroups:
		if !isMain {
			return rejectf("refresh_groups from non-main group")
		}
		return w.Snapshots.RefreshGroups(folder, true)
	case CmdRegisterGroup:
		return w.registerGroup(isMain, cmd)
	default:
		return rejectf("unknown command type %q", cmd.Type)
	}
}

func (w *Watcher) sendMessage(ctx context.Context, folder string, isMain bool, cmd Command) error {
	if cmd.ChatJID == "" || cmd.Text == "" {
		return rejectf("message needs chatJid and text")
	}
	target, ok := w.Groups.Get(cmd.ChatJID)
	if !isMain && (!ok || target.Folder != folder) {
		return rejectf("%s may not message %s", folder, cmd.ChatJID)
	}
	return w.Sender.Send(ctx, cmd.ChatJID, router.FormatOutbound(w.AssistantName, cmd.Text))
}

func (w *Watcher) scheduleTask(folder string, isMain bool, cmd Command) error {
	if cmd.Prompt == "" || cmd.ScheduleType == "" || cmd.ScheduleValue == "" || cmd.TargetJID == "" {
		return rejectf("schedule_task needs prompt, schedule_type, schedule_value and targetJid")
	}
	target, ok := w.Groups.Get(cmd.TargetJID)
	if !ok {
		return rejectf("target %s is not registered", cmd.TargetJID)
	}
	if !isMain && target.Folder != folder {
		return rejectf("%s may not schedule for %s", folder, target.Folder)
	}

	now := w.Now()
	next, err := schedule.InitialRun(cmd.ScheduleType, cmd.ScheduleValue, now, w.Location)
	if err != nil {
		return rejectf("%v", err)
	}
	mode := types.ContextIsolated
	if cmd.ContextMode == types.ContextGroup {
		mode = types.ContextGroup
	}

	task := types.Task{
		ID:            fmt.Sprintf("task-%d-%s", now.UnixMilli(), uuid.NewString()[:6]),
		GroupFolder:   target.Folder,
		ChatJID:       cmd.TargetJID,
		Prompt:        cmd.Prompt,
		ScheduleType:  cmd.ScheduleType,
		ScheduleValue: cmd.ScheduleValue,
		ContextMode:   mode,
		Status:        types.StatusActive,
		NextRun:       &next,
		CreatedAt:     now,
	}
	if err := w.Store.CreateTask(task); err != nil {
		return err
	}
	w.log.Info("task scheduled", "task", task.ID, "group", task.GroupFolder, "next_run", next)
	return nil
}

// ownedTask loads id and checks that folder may act on it.
func (w *Watcher) ownedTask(folder string, isMain bool, id string) (types.Task, error) {
	if id == "" {
		return types.Task{}, rejectf("taskId is required")
	}
	t, err := w.Store.GetTaskByID(id)
	if errors.Is(err, db.ErrNotFound) {
		return types.Task{}, rejectf("task %s does not exist", id)
	}
	if err != nil {
		return types.Task{}, err
	}
	if !isMain && t.GroupFolder != folder {
		return types.Task{}, rejectf("%s may not modify task %s of %s", folder, id, t.GroupFolder)
	}
	return t, nil
}

func (w *Watcher) setTaskStatus(folder string, isMain bool, id, status string) error {
	if _, err := w.ownedTask(folder, isMain, id); err != nil {
		return err
	}
	return w.Store.UpdateTask(id, db.TaskUpdate{Status: &status})
}

func (w *Watcher) cancelTask(folder string, isMain bool, id string) error {
	if _, err := w.ownedTask(folder, isMain, id); err != nil {
		return err
	}
	return w.Store.DeleteTask(id)
}

func (w *Watcher) registerGroup(isMain bool, cmd Command) error {
	if !isMain {
		return rejectf("register_group from non-main group")
	}
	if cmd.JID == "" || cmd.Name == "" || cmd.Folder == "" || cmd.Trigger == "" {
		return rejectf("register_group needs jid, name, folder and trigger")
	}
	if !folderPattern.MatchString(cmd.Folder) || cmd.Folder == ErrorsDir {
		return rejectf("invalid folder %q", cmd.Folder)
	}
	err := w.Registrar.Register(types.Group{
		JID:             cmd.JID,
		Name:            cmd.Name,
		Folder:          cmd.Folder,
		Trigger:         cmd.Trigger,
		AddedAt:         w.Now(),
		ContainerConfig: cmd.ContainerConfig,
		RequiresTrigger: cmd.RequiresTrigger,
	})
	if errors.Is(err, registry.ErrFolderTaken) {
		return rejectf("%v", err)
	}
	return err
}
