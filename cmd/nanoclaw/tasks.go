package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/linkerlin/groupclaw/internal/bridge"
	"github.com/linkerlin/groupclaw/internal/db"
	"github.com/linkerlin/groupclaw/internal/types"
)

var headerCell = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cell = lipgloss.NewStyle().Padding(0, 1)

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return cell
		})
	fmt.Fprintln(w, t.Render())
}

// openDB opens the configured database for a read-only subcommand.
func openDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := setupLogging(""); err != nil {
		return nil, err
	}
	return db.Open(cfg.DBPath())
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func newTasksCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			tasks, err := database.GetAllTasks()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				if folder != "" && t.GroupFolder != folder {
					continue
				}
				rows = append(rows, []string{
					t.ID, t.GroupFolder, t.Status, t.ScheduleType, t.ScheduleValue, t.ContextMode,
					formatOptTime(t.NextRun), formatOptTime(t.LastRun), truncate(t.Prompt, 40),
				})
			}
			renderTable(cmd.OutOrStdout(),
				[]string{"ID", "GROUP", "STATUS", "KIND", "VALUE", "CONTEXT", "NEXT RUN", "LAST RUN", "PROMPT"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&folder, "group", "g", "", "only tasks of this group folder")

	var limit int
	logsCmd := &cobra.Command{
		Use:   "logs TASK_ID",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			logs, err := database.GetTaskRunLogs(args[0], limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(logs))
			for _, l := range logs {
				detail := l.Result
				if l.Status != "success" {
					detail = l.Error
				}
				rows = append(rows, []string{
					formatOptTime(&l.RunAt), l.Duration.Round(time.Millisecond).String(), l.Status, truncate(detail, 60),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"RUN AT", "DURATION", "STATUS", "RESULT"}, rows)
			return nil
		},
	}
	logsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.AddCommand(logsCmd)
	return cmd
}

func newGroupsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List registered groups, or every known chat with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			registered, err := database.GetAllRegisteredGroups()
			if err != nil {
				return err
			}
			if all {
				chats, err := database.GetAllChats()
				if err != nil {
					return err
				}
				rows := [][]string{}
				for _, g := range bridge.AvailableGroups(chats, registered) {
					rows = append(rows, []string{g.JID, g.Name, g.LastActivity, strconv.FormatBool(g.IsRegistered)})
				}
				renderTable(cmd.OutOrStdout(), []string{"JID", "NAME", "LAST ACTIVITY", "REGISTERED"}, rows)
				return nil
			}

			list := make([]types.Group, 0, len(registered))
			for _, g := range registered {
				list = append(list, g)
			}
			sort.Slice(list, func(i, j int) bool { return list[i].Folder < list[j].Folder })
			rows := make([][]string, 0, len(list))
			for _, g := range list {
				rows = append(rows, []string{g.Folder, g.Name, g.JID, g.Trigger, strconv.FormatBool(g.NeedsTrigger())})
			}
			renderTable(cmd.OutOrStdout(), []string{"FOLDER", "NAME", "JID", "TRIGGER", "NEEDS TRIGGER"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include chats that are not registered")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
