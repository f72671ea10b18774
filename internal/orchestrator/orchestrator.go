package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkerlin/groupclaw/internal/bridge"
	"github.com/linkerlin/groupclaw/internal/channel"
	"github.com/linkerlin/groupclaw/internal/config"
	"github.com/linkerlin/groupclaw/internal/ipc"
	"github.com/linkerlin/groupclaw/internal/registry"
	"github.com/linkerlin/groupclaw/internal/router"
	"github.com/linkerlin/groupclaw/internal/types"
)

// Router state keys.
const (
	stateLastTimestamp      = "last_timestamp"
	stateLastAgentTimestamp = "last_agent_timestamp"
)

// Store is the persistence used by the orchestrator.
type Store interface {
	GetNewMessages(jids []string, since time.Time, botPrefix string) ([]types.Message, time.Time, error)
	GetMessagesSince(chatJID string, since time.Time, botPrefix string) ([]types.Message, error)
	StoreMessage(m types.Message) error
	StoreChatMetadata(jid, name string, ts time.Time) error
	GetAllChats() ([]types.Chat, error)
	GetAllTasks() ([]types.Task, error)
	GetRouterState(key string) (string, error)
	SetRouterState(key, value string) error
}

// Queue accepts message checks.
type Queue interface {
	EnqueueMessageCheck(jid string) error
}

// Runner executes one agent invocation.
type Runner interface {
	Run(ctx context.Context, req bridge.Request) bridge.Result
}

// Deps wires an Orchestrator.
type Deps struct {
	Config   *config.Config
	Store    Store
	Queue    Queue
	Runner   Runner
	Channel  channel.Channel
	Groups   *registry.Groups
	Sessions *registry.Sessions
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator ties inbound chat activity to the group queue and relays
// agent replies back to the channel.
type Orchestrator struct {
	Deps
	log *slog.Logger

	mu          sync.Mutex
	lastSeen    time.Time            // newest message picked up by the poll loop
	lastAgentTs map[string]time.Time // chat JID -> newest message handed to the agent
	retry       map[string]bool      // chats whose last agent run failed
}

// New creates an Orchestrator. Call LoadState before use.
func New(d Deps) *Orchestrator {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{
		Deps:        d,
		log:         slog.Default().With("component", "orchestrator"),
		lastAgentTs: make(map[string]time.Time),
		retry:       make(map[string]bool),
	}
}

func (o *Orchestrator) name() string { return o.Config.App.Name }

// LoadState restores registrations, sessions and watermarks.
func (o *Orchestrator) LoadState() error {
	if err := o.Groups.Load(); err != nil {
		return err
	}
	if err := o.Sessions.Load(); err != nil {
		return err
	}

	raw, err := o.Store.GetRouterState(stateLastTimestamp)
	if err != nil {
		return fmt.Errorf("load %s: %w", stateLastTimestamp, err)
	}
	lastSeen := parseWatermark(raw)

	raw, err = o.Store.GetRouterState(stateLastAgentTimestamp)
	if err != nil {
		return fmt.Errorf("load %s: %w", stateLastAgentTimestamp, err)
	}
	agentTs := make(map[string]time.Time)
	if raw != "" {
		var stored map[string]string
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			o.log.Warn("discarding unreadable agent watermarks", "error", err)
		}
		for jid, ts := range stored {
			agentTs[jid] = parseWatermark(ts)
		}
	}

	o.mu.Lock()
	o.lastSeen = lastSeen
	o.lastAgentTs = agentTs
	o.mu.Unlock()

	o.log.Info("state loaded", "groups", len(o.Groups.JIDs()), "sessions", o.Sessions.Len())
	return nil
}

func parseWatermark(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// saveAgentTs persists the per-group watermarks. Caller holds o.mu.
func (o *Orchestrator) saveAgentTs() error {
	out := make(map[string]string, len(o.lastAgentTs))
	for jid, ts := range o.lastAgentTs {
		out[jid] = ts.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return o.Store.SetRouterState(stateLastAgentTimestamp, string(data))
}

func (o *Orchestrator) agentSince(jid string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAgentTs[jid]
}

// Register creates or overwrites a group and provisions its folders.
func (o *Orchestrator) Register(g types.Group) error {
	if g.AddedAt.IsZero() {
		g.AddedAt = o.Now()
	}
	if err := o.Groups.Set(g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(o.Config.GroupDir(g.Folder), "logs"), 0o755); err != nil {
		return fmt.Errorf("provision group %s: %w", g.Folder, err)
	}
	if err := ipc.EnsureMailbox(o.Config.IPCDir(), g.Folder); err != nil {
		return err
	}
	o.log.Info("group registered", "jid", g.JID, "name", g.Name, "folder", g.Folder)
	return nil
}

// Available lists every known chat with its registration flag.
func (o *Orchestrator) Available() ([]types.AvailableGroup, error) {
	chats, err := o.Store.GetAllChats()
	if err != nil {
		return nil, err
	}
	return bridge.AvailableGroups(chats, o.Groups.Map()), nil
}

// ProcessGroupMessages hands a group's unprocessed messages to the agent.
// It reports false when the agent failed; the watermark then stays put and
// the chat is checked again on the next poll cycle.
func (o *Orchestrator) ProcessGroupMessages(ctx context.Context, jid string) bool {
	ok := o.processGroupMessages(ctx, jid)
	o.mu.Lock()
	if ok {
		delete(o.retry, jid)
	} else {
		o.retry[jid] = true
	}
	o.mu.Unlock()
	return ok
}

func (o *Orchestrator) processGroupMessages(ctx context.Context, jid string) bool {
	grp, ok := o.Groups.Get(jid)
	if !ok {
		return true
	}
	log := o.log.With("group", grp.Folder)
	isMain := grp.IsMain(o.Config.App.MainGroupFolder)

	msgs, err := o.Store.GetMessagesSince(jid, o.agentSince(jid), o.name())
	if err != nil {
		log.Error("load pending messages", "error", err)
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	if !isMain && grp.NeedsTrigger() && !router.HasTrigger(o.Config.App.TriggerPattern, msgs) {
		return true
	}

	log.Info("processing messages", "count", len(msgs))
	if err := o.Channel.Typing(ctx, jid); err != nil {
		log.Warn("typing indicator", "error", err)
	}
	res := o.Runner.Run(ctx, bridge.Request{
		Group:     grp,
		Prompt:    router.FormatMessages(msgs),
		ChatJID:   jid,
		SessionID: o.Sessions.Get(grp.Folder),
	})
	channel.StopTyping(ctx, o.Channel, jid)
	if !res.OK() {
		return false
	}

	o.mu.Lock()
	o.lastAgentTs[jid] = msgs[len(msgs)-1].Timestamp
	err = o.saveAgentTs()
	o.mu.Unlock()
	if err != nil {
		log.Error("save watermark", "error", err)
	}

	if text := res.Message(); text != "" {
		if err := o.Channel.Send(ctx, jid, router.FormatOutbound(o.name(), text)); err != nil {
			log.Error("send reply", "error", err)
		}
	}
	return true
}

// PollOnce finds new messages in registered chats and queues a check for
// each chat that has any, plus every chat whose last agent run failed.
func (o *Orchestrator) PollOnce() int {
	jids := o.Groups.JIDs()
	o.mu.Lock()
	since := o.lastSeen
	o.mu.Unlock()

	msgs, newest, err := o.Store.GetNewMessages(jids, since, o.name())
	if err != nil {
		o.log.Error("poll messages", "error", err)
		return 0
	}
	if len(msgs) > 0 {
		o.mu.Lock()
		o.lastSeen = newest
		o.mu.Unlock()
		if err := o.Store.SetRouterState(stateLastTimestamp, newest.UTC().Format(time.RFC3339Nano)); err != nil {
			o.log.Error("save poll watermark", "error", err)
		}
	}

	var chats []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.ChatJID] {
			seen[m.ChatJID] = true
			chats = append(chats, m.ChatJID)
		}
	}
	o.mu.Lock()
	retries := slices.Sorted(maps.Keys(o.retry))
	o.mu.Unlock()
	for _, jid := range retries {
		if !seen[jid] {
			seen[jid] = true
			chats = append(chats, jid)
		}
	}

	for _, jid := range chats {
		if err := o.Queue.EnqueueMessageCheck(jid); err != nil {
			o.log.Warn("enqueue message check", "chat", jid, "error", err)
		}
	}
	if len(chats) > 0 {
		o.log.Debug("message checks queued", "new", len(msgs), "chats", len(chats), "retries", len(retries))
	}
	return len(chats)
}

// Run polls for new messages until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("message loop started", "trigger", "@"+o.name(), "interval", o.Config.App.PollInterval)
	ticker := time.NewTicker(o.Config.App.PollInterval)
	defer ticker.Stop()
	for {
		o.PollOnce()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Recover queues a check for every group with messages the agent has not
// seen, covering input that arrived while the process was down.
func (o *Orchestrator) Recover() {
	for _, grp := range o.Groups.All() {
		pending, err := o.Store.GetMessagesSince(grp.JID, o.agentSince(grp.JID), o.name())
		if err != nil {
			o.log.Error("recover", "group", grp.Folder, "error", err)
			continue
		}
		if len(pending) == 0 {
			continue
		}
		o.log.Info("recovering pending messages", "group", grp.Folder, "count", len(pending))
		if err := o.Queue.EnqueueMessageCheck(grp.JID); err != nil {
			o.log.Warn("enqueue recovery", "group", grp.Folder, "error", err)
		}
	}
}

// StoreInbound records a message from the channel and queues a check when
// the chat is registered.
func (o *Orchestrator) StoreInbound(m types.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = o.Now()
	}
	name := m.ChatJID
	if grp, ok := o.Groups.Get(m.ChatJID); ok {
		name = grp.Name
	}
	if err := o.Store.StoreChatMetadata(m.ChatJID, name, m.Timestamp); err != nil {
		return err
	}
	if err := o.Store.StoreMessage(m); err != nil {
		return err
	}
	if o.Groups.Has(m.ChatJID) {
		return o.Queue.EnqueueMessageCheck(m.ChatJID)
	}
	return nil
}
