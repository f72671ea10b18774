package bridge

import (
	"path/filepath"
	"time"

	"github.com/linkerlin/groupclaw/internal/ipc"
	"github.com/linkerlin/groupclaw/internal/types"
)

// groupSyncJID is a bookkeeping row some transports keep in the chats table.
const groupSyncJID = "__group_sync__"

type groupsSnapshot struct {
	Groups   []types.AvailableGroup `json:"groups"`
	LastSync string                 `json:"lastSync"`
}

// TaskSnapshots shapes tasks for folder. The main group sees every task,
// other groups only their own.
func TaskSnapshots(tasks []types.Task, folder string, isMain bool) []types.TaskSnapshot {
	out := make([]types.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != folder {
			continue
		}
		s := types.TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
		}
		if t.NextRun != nil {
			next := t.NextRun.UTC().Format(time.RFC3339)
			s.NextRun = &next
		}
		out = append(out, s)
	}
	return out
}

// AvailableGroups lists every known chat with its registration flag.
func AvailableGroups(chats []types.Chat, registered map[string]types.Group) []types.AvailableGroup {
	out := make([]types.AvailableGroup, 0, len(chats))
	for _, c := range chats {
		if c.JID == groupSyncJID {
			continue
		}
		_, ok := registered[c.JID]
		row := types.AvailableGroup{JID: c.JID, Name: c.Name, IsRegistered: ok}
		if !c.LastMessageTime.IsZero() {
			row.LastActivity = c.LastMessageTime.UTC().Format(time.RFC3339)
		}
		out = append(out, row)
	}
	return out
}

// VisibleGroups filters the available groups for folder. The main group
// sees all chats; other groups see only chats registered to their folder.
func VisibleGroups(all []types.AvailableGroup, registered map[string]types.Group, folder string, isMain bool) []types.AvailableGroup {
	if isMain {
		return all
	}
	out := make([]types.AvailableGroup, 0, 1)
	for _, g := range all {
		if grp, ok := registered[g.JID]; ok && grp.Folder == folder {
			out = append(out, g)
		}
	}
	return out
}

func writeTasksSnapshot(ipcRoot, folder string, snaps []types.TaskSnapshot) error {
	return ipc.WriteFile(filepath.Join(ipc.GroupDir(ipcRoot, folder), ipc.TasksSnapshotFile), snaps)
}

func writeGroupsSnapshot(ipcRoot, folder string, groups []types.AvailableGroup, now time.Time) error {
	return ipc.WriteFile(filepath.Join(ipc.GroupDir(ipcRoot, folder), ipc.GroupsSnapshotFile), groupsSnapshot{
		Groups:   groups,
		LastSync: now.UTC().Format(time.RFC3339),
	})
}
