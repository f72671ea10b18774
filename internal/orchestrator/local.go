package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/linkerlin/groupclaw/internal/bridge"
	"github.com/linkerlin/groupclaw/internal/ipc"
	"github.com/linkerlin/groupclaw/internal/schedule"
	"github.com/linkerlin/groupclaw/internal/types"
)

const usage = "commands: /tasks, /pause ID, /resume ID, /cancel ID, /schedule KIND VALUE | PROMPT"

// HandleLocalInput takes a line typed by the local operator into chat jid.
// Slash commands become mailbox commands of the chat's group so they pass
// the same authorization as agent requests; anything else is stored as an
// inbound message.
func (o *Orchestrator) HandleLocalInput(ctx context.Context, jid, sender, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		return o.StoreInbound(types.Message{
			ChatJID:    jid,
			Sender:     sender,
			SenderName: sender,
			Content:    text,
			IsFromMe:   true,
		})
	}

	grp, ok := o.Groups.Get(jid)
	if !ok {
		return o.reply(ctx, jid, "this chat is not registered")
	}
	verb, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "/tasks":
		return o.listTasks(ctx, grp)
	case "/pause", "/resume", "/cancel":
		if rest == "" {
			return o.reply(ctx, jid, "usage: "+verb+" ID")
		}
		cmdType := map[string]string{
			"/pause":  ipc.CmdPauseTask,
			"/resume": ipc.CmdResumeTask,
			"/cancel": ipc.CmdCancelTask,
		}[verb]
		return o.submit(ctx, grp, ipc.Command{Type: cmdType, TaskID: rest})
	case "/schedule":
		cmd, err := parseSchedule(rest, jid, o.Config.App.Location)
		if err != nil {
			return o.reply(ctx, jid, err.Error())
		}
		return o.submit(ctx, grp, cmd)
	default:
		return o.reply(ctx, jid, usage)
	}
}

// parseSchedule reads "KIND VALUE | PROMPT". VALUE may contain spaces, as
// cron expressions do.
func parseSchedule(arg, jid string, loc *time.Location) (ipc.Command, error) {
	when, prompt, ok := strings.Cut(arg, "|")
	prompt = strings.TrimSpace(prompt)
	kind, value, _ := strings.Cut(strings.TrimSpace(when), " ")
	value = strings.TrimSpace(value)
	if !ok || prompt == "" || value == "" {
		return ipc.Command{}, fmt.Errorf("usage: /schedule cron|interval|once VALUE | PROMPT")
	}
	if loc == nil {
		loc = time.UTC
	}
	if err := schedule.Validate(kind, value, loc); err != nil {
		return ipc.Command{}, err
	}
	return ipc.Command{
		Type:          ipc.CmdScheduleTask,
		Prompt:        prompt,
		ScheduleType:  kind,
		ScheduleValue: value,
		TargetJID:     jid,
		ContextMode:   types.ContextGroup,
	}, nil
}

func (o *Orchestrator) submit(ctx context.Context, grp types.Group, cmd ipc.Command) error {
	dir := filepath.Join(ipc.GroupDir(o.Config.IPCDir(), grp.Folder), ipc.TasksDir)
	path, err := ipc.Write(dir, cmd)
	if err != nil {
		return fmt.Errorf("submit %s: %w", cmd.Type, err)
	}
	o.log.Info("local command submitted", "group", grp.Folder, "type", cmd.Type, "file", filepath.Base(path))
	return o.reply(ctx, grp.JID, "submitted "+cmd.Type)
}

func (o *Orchestrator) listTasks(ctx context.Context, grp types.Group) error {
	tasks, err := o.Store.GetAllTasks()
	if err != nil {
		return err
	}
	snaps := bridge.TaskSnapshots(tasks, grp.Folder, grp.IsMain(o.Config.App.MainGroupFolder))
	if len(snaps) == 0 {
		return o.reply(ctx, grp.JID, "no scheduled tasks")
	}
	var sb strings.Builder
	for _, t := range snaps {
		next := "-"
		if t.NextRun != nil {
			next = *t.NextRun
		}
		fmt.Fprintf(&sb, "%s [%s] %s %s next=%s: %s\n",
			t.ID, t.Status, t.ScheduleType, t.ScheduleValue, next, t.Prompt)
	}
	return o.reply(ctx, grp.JID, strings.TrimRight(sb.String(), "\n"))
}

func (o *Orchestrator) reply(ctx context.Context, jid, text string) error {
	return o.Channel.Send(ctx, jid, text)
}
