package types

import "time"

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Context modes. Isolated tasks run without the group's conversation session.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Mount is an extra host directory exposed to a group's agent container.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readonly,omitempty"`
}

// ContainerConfig carries per-group overrides for the agent sandbox.
type ContainerConfig struct {
	AdditionalMounts []Mount           `json:"additionalMounts,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// Group represents a chat registered with the bot. Each group owns an
// isolated folder under the groups directory.
type Group struct {
	JID             string           `json:"jid"`
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	AddedAt         time.Time        `json:"added_at"`
	ContainerConfig *ContainerConfig `json:"containerConfig,omitempty"`
	// RequiresTrigger nil means true.
	RequiresTrigger *bool `json:"requiresTrigger,omitempty"`
}

// IsMain reports whether g is the privileged group.
func (g Group) IsMain(mainFolder string) bool {
	return g.Folder == mainFolder
}

// NeedsTrigger reports whether free-form input must contain the trigger.
func (g Group) NeedsTrigger() bool {
	return g.RequiresTrigger == nil || *g.RequiresTrigger
}

// Message is an inbound or outbound chat message, already normalised by the
// transport adapter.
type Message struct {
	ID           string
	ChatJID      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    time.Time
	IsFromMe     bool
	IsBotMessage bool
}

// Chat is the metadata of any chat seen by the transport, registered or not.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime time.Time
}

// Task is a recurring or one-time scheduled prompt.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // cron | interval | once
	ScheduleValue string
	ContextMode   string // isolated | group
	Status        string // active | paused
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	CreatedAt     time.Time
}

// IsDue reports whether the task should be dispatched at now.
func (t *Task) IsDue(now time.Time) bool {
	if t.NextRun == nil || t.Status != StatusActive {
		return false
	}
	return !now.Before(*t.NextRun)
}

// TaskRunLog records one dispatch of a task.
type TaskRunLog struct {
	TaskID   string
	RunAt    time.Time
	Duration time.Duration
	Status   string // success | error
	Result   string
	Error    string
}

// TaskSnapshot is the task view handed to an agent process.
type TaskSnapshot struct {
	ID            string  `json:"id"`
	GroupFolder   string  `json:"groupFolder"`
	Prompt        string  `json:"prompt"`
	ScheduleType  string  `json:"schedule_type"`
	ScheduleValue string  `json:"schedule_value"`
	Status        string  `json:"status"`
	NextRun       *string `json:"next_run"`
}

// AvailableGroup is one row of the chat visibility snapshot.
type AvailableGroup struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}
