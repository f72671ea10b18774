// Package bridge runs one agent invocation for a group: it writes the input
// snapshots, spawns the agent process, tracks its handle in the group queue
// and turns whatever comes back into a Result.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/linkerlin/groupclaw/internal/config"
	"github.com/linkerlin/groupclaw/internal/ipc"
	"github.com/linkerlin/groupclaw/internal/metrics"
	"github.com/linkerlin/groupclaw/internal/queue"
	"github.com/linkerlin/groupclaw/internal/registry"
	"github.com/linkerlin/groupclaw/internal/types"
)

// Output markers delimiting the result document on the agent's stdout.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// Result statuses and output types.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	OutputMessage = "message"
	OutputLog     = "log"
)

// Input is the document written to the agent's stdin.
type Input struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId,omitempty"`
	GroupFolder string `json:"groupFolder"`
	ChatJID     string `json:"chatJid"`
	IsMain      bool   `json:"isMain"`
}

// Output is the structured payload of a successful run.
type Output struct {
	OutputType  string `json:"outputType"`
	UserMessage string `json:"userMessage,omitempty"`
	InternalLog string `json:"internalLog,omitempty"`
}

// Result is what the agent reported, or a synthesized error.
type Result struct {
	Status       string  `json:"status"`
	Result       *Output `json:"result,omitempty"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// OK reports whether the run succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Message returns the user-visible text, if any.
func (r Result) Message() string {
	if r.OK() && r.Result != nil && r.Result.OutputType == OutputMessage {
		return r.Result.UserMessage
	}
	return ""
}

func errorResult(format string, args ...any) Result {
	return Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Request describes one invocation.
type Request struct {
	Group     types.Group
	Prompt    string
	ChatJID   string
	SessionID string
	// Isolated runs keep their session to themselves; the group's
	// conversation session is neither passed nor replaced.
	Isolated bool
}

// Store supplies the data behind the input snapshots.
type Store interface {
	GetAllTasks() ([]types.Task, error)
	GetAllChats() ([]types.Chat, error)
}

// ProcessTracker records running agent processes by group.
type ProcessTracker interface {
	RegisterProcess(jid string, proc queue.Process, name string)
	ReleaseProcess(jid string, proc queue.Process)
}

// Runner is the only component that spawns agent processes.
type Runner struct {
	cfg      *config.Config
	store    Store
	groups   *registry.Groups
	sessions *registry.Sessions
	procs    ProcessTracker
	metrics  *metrics.Metrics
	log      *slog.Logger

	// KillDelay is how long a cancelled run may take to exit after SIGTERM.
	KillDelay time.Duration
	now       func() time.Time
}

// New creates a Runner.
func New(cfg *config.Config, store Store, groups *registry.Groups, sessions *registry.Sessions, procs ProcessTracker, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     store,
		groups:    groups,
		sessions:  sessions,
		procs:     procs,
		metrics:   m,
		log:       slog.Default().With("component", "bridge"),
		KillDelay: 5 * time.Second,
		now:       time.Now,
	}
}

// Run executes the agent for req and never returns a Go error: every
// failure is mapped to a Result with StatusError.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	res := r.run(ctx, req)

	r.metrics.AgentRuns.WithLabelValues(res.Status).Inc()
	r.metrics.AgentDuration.Observe(time.Since(start).Seconds())

	folder := req.Group.Folder
	if res.NewSessionID != "" && !req.Isolated {
		if err := r.sessions.Set(folder, res.NewSessionID); err != nil {
			r.log.Error("persist session", "group", folder, "error", err)
		}
	}
	if !res.OK() {
		r.log.Error("agent run failed", "group", folder, "error", res.Error, "duration", time.Since(start))
	} else {
		r.log.Info("agent run finished", "group", folder, "duration", time.Since(start))
	}
	return res
}

func (r *Runner) run(ctx context.Context, req Request) Result {
	grp := req.Group
	isMain := grp.IsMain(r.cfg.App.MainGroupFolder)
	ipcRoot := r.cfg.IPCDir()

	if err := ipc.EnsureMailbox(ipcRoot, grp.Folder); err != nil {
		return errorResult("prepare mailbox: %v", err)
	}
	if err := r.writeSnapshots(grp.Folder, isMain); err != nil {
		return errorResult("write snapshots: %v", err)
	}

	groupDir := r.cfg.GroupDir(grp.Folder)
	logDir := filepath.Join(groupDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return errorResult("prepare group folder: %v", err)
	}

	input, err := json.Marshal(Input{
		Prompt:      req.Prompt,
		SessionID:   req.SessionID,
		GroupFolder: grp.Folder,
		ChatJID:     req.ChatJID,
		IsMain:      isMain,
	})
	if err != nil {
		return errorResult("encode input: %v", err)
	}

	name := fmt.Sprintf("nanoclaw-%s-%d", sanitizeName(grp.Folder), r.now().UnixMilli())
	cmd, stop := r.command(grp, name, ipcRoot)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	logPath := filepath.Join(logDir, fmt.Sprintf("agent-%s.log", r.now().UTC().Format("20060102-150405.000")))
	logFile, err := os.Create(logPath)
	if err != nil {
		return errorResult("create agent log: %v", err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "=== %s group=%s main=%t session=%q\n", name, grp.Folder, isMain, req.SessionID)
	cmd.Stderr = logFile

	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return errorResult("spawn agent: %v", err)
	}

	h := newHandle(cmd, stop)
	r.procs.RegisterProcess(grp.JID, h, name)
	defer r.procs.ReleaseProcess(grp.JID, h)

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(h.done)
		waitErr <- err
	}()
	go r.watchCancel(ctx, h)

	err = <-waitErr
	fmt.Fprintf(logFile, "=== exit: %v\n", err)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errorResult("agent exited with code %d, see %s", exitErr.ExitCode(), logPath)
		}
		return errorResult("agent: %v", err)
	}

	res, err := ParseOutput(stdout.Bytes())
	if err != nil {
		return errorResult("parse agent output: %v", err)
	}
	return res
}

// watchCancel terminates the process when ctx ends, escalating to a kill
// after KillDelay.
func (r *Runner) watchCancel(ctx context.Context, h *handle) {
	select {
	case <-h.done:
		return
	case <-ctx.Done():
	}
	_ = h.Terminate()
	timer := time.NewTimer(r.KillDelay)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		_ = h.Kill()
	}
}

func (r *Runner) writeSnapshots(folder string, isMain bool) error {
	tasks, err := r.store.GetAllTasks()
	if err != nil {
		return err
	}
	if err := writeTasksSnapshot(r.cfg.IPCDir(), folder, TaskSnapshots(tasks, folder, isMain)); err != nil {
		return err
	}
	return r.RefreshGroups(folder, isMain)
}

// RefreshGroups rewrites the chat visibility snapshot of folder.
func (r *Runner) RefreshGroups(folder string, isMain bool) error {
	chats, err := r.store.GetAllChats()
	if err != nil {
		return err
	}
	registered := r.groups.Map()
	visible := VisibleGroups(AvailableGroups(chats, registered), registered, folder, isMain)
	return writeGroupsSnapshot(r.cfg.IPCDir(), folder, visible, r.now())
}

// command builds the agent invocation for the configured runtime. stop is
// an extra hook run on Kill, or nil.
func (r *Runner) command(grp types.Group, name, ipcRoot string) (*exec.Cmd, func()) {
	groupDir := r.cfg.GroupDir(grp.Folder)
	ipcDir := ipc.GroupDir(ipcRoot, grp.Folder)

	env := map[string]string{
		"NANOCLAW_GROUP_DIR": groupDir,
		"NANOCLAW_IPC_DIR":   ipcDir,
		"NANOCLAW_NAME":      r.cfg.App.Name,
		"GEMINI_MODEL":       r.cfg.LLM.Model,
	}
	if r.cfg.LLM.APIKey != "" {
		env["GOOGLE_API_KEY"] = r.cfg.LLM.APIKey
	}
	var mounts []types.Mount
	if cc := grp.ContainerConfig; cc != nil {
		for k, v := range cc.Env {
			env[k] = v
		}
		mounts = cc.AdditionalMounts
	}

	if r.cfg.Agent.Runtime == config.RuntimeDocker {
		env["NANOCLAW_GROUP_DIR"] = "/workspace/group"
		env["NANOCLAW_IPC_DIR"] = "/workspace/ipc"
		args := dockerArgs(name, r.cfg.Agent.Image, groupDir, ipcDir, mounts, env, r.cfg.Agent.Command)
		cmd := exec.Command("docker", args...)
		stop := func() { _ = exec.Command("docker", "kill", name).Run() }
		return cmd, stop
	}

	cmd := exec.Command(r.cfg.Agent.Command[0], r.cfg.Agent.Command[1:]...)
	cmd.Dir = groupDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd, nil
}

func dockerArgs(name, image, groupDir, ipcDir string, mounts []types.Mount, env map[string]string, command []string) []string {
	args := []string{"run", "-i", "--rm", "--name", name,
		"-v", groupDir + ":/workspace/group",
		"-v", ipcDir + ":/workspace/ipc",
		"-w", "/workspace/group",
	}
	for _, m := range mounts {
		spec := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, image)
	return append(args, command...)
}

// ParseOutput extracts the result document from agent stdout. Without
// markers the last non-empty line is tried.
func ParseOutput(stdout []byte) (Result, error) {
	text := string(stdout)
	var payload string
	if start := strings.LastIndex(text, OutputStartMarker); start >= 0 {
		rest := text[start+len(OutputStartMarker):]
		end := strings.Index(rest, OutputEndMarker)
		if end < 0 {
			return Result{}, errors.New("unterminated output block")
		}
		payload = strings.TrimSpace(rest[:end])
	} else {
		lines := strings.Split(strings.TrimSpace(text), "\n")
		payload = strings.TrimSpace(lines[len(lines)-1])
	}
	if payload == "" {
		return Result{}, errors.New("no output")
	}

	var res Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return Result{}, err
	}
	// Only an explicit error fails the run; "ok" and other statuses succeed.
	if res.Status == StatusError {
		if res.Error == "" {
			res.Error = "agent reported an error"
		}
		return res, nil
	}
	res.Status = StatusSuccess
	return res, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}

// CleanupOrphans removes agent containers left over from a previous run of
// the orchestrator. It does nothing for the exec runtime.
func (r *Runner) CleanupOrphans(ctx context.Context) (int, error) {
	if r.cfg.Agent.Runtime != config.RuntimeDocker {
		return 0, nil
	}
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a", "--filter", "name=nanoclaw-", "--format", "{{.Names}}").Output()
	if err != nil {
		return 0, fmt.Errorf("list agent containers: %w", err)
	}
	removed := 0
	for _, name := range strings.Fields(string(out)) {
		if !strings.HasPrefix(name, "nanoclaw-") {
			continue
		}
		if err := exec.CommandContext(ctx, "docker", "rm", "-f", name).Run(); err != nil {
			r.log.Warn("remove stale container", "container", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.log.Info("removed stale agent containers", "count", removed)
	}
	return removed, nil
}
