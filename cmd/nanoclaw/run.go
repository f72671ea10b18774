package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/linkerlin/groupclaw/internal/bridge"
	"github.com/linkerlin/groupclaw/internal/config"
	"github.com/linkerlin/groupclaw/internal/db"
	"github.com/linkerlin/groupclaw/internal/ipc"
	"github.com/linkerlin/groupclaw/internal/metrics"
	"github.com/linkerlin/groupclaw/internal/orchestrator"
	"github.com/linkerlin/groupclaw/internal/queue"
	"github.com/linkerlin/groupclaw/internal/registry"
	"github.com/linkerlin/groupclaw/internal/scheduler"
	"github.com/linkerlin/groupclaw/internal/tui"
	"github.com/linkerlin/groupclaw/internal/types"
)

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The terminal UI owns the screen, so logs go to a file.
	logs, err := setupLogging(cfg.LogDir())
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logs.Close()

	for _, dir := range []string{cfg.App.DataDir, cfg.App.GroupsDir, cfg.IPCDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()
	groups := registry.NewGroups(database)
	sessions := registry.NewSessions(database)
	q := queue.New(cfg.App.MaxConcurrent, m)
	runner := bridge.New(cfg, database, groups, sessions, q, m)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := runner.CleanupOrphans(ctx); err != nil {
		slog.Warn("stale container cleanup", "error", err)
	}

	var orch *orchestrator.Orchestrator
	term := tui.NewTerminal(database, cfg.App.Name, groups.All,
		func(ctx context.Context, chatJID, text string) {
			if err := orch.HandleLocalInput(ctx, chatJID, "You", text); err != nil {
				slog.Error("local input", "chat", chatJID, "error", err)
			}
		},
		tea.WithAltScreen(),
	)
	orch = orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Store:    database,
		Queue:    q,
		Runner:   runner,
		Channel:  term,
		Groups:   groups,
		Sessions: sessions,
	})
	if err := orch.LoadState(); err != nil {
		return err
	}
	if err := initDefaultGroup(orch, groups, cfg); err != nil {
		return err
	}
	q.SetProcessMessagesFn(orch.ProcessGroupMessages)

	sched := scheduler.New(scheduler.Deps{
		Store:         database,
		Queue:         q,
		Runner:        runner,
		Sender:        term,
		Groups:        groups,
		Sessions:      sessions,
		Metrics:       m,
		Location:      cfg.App.Location,
		Interval:      cfg.Scheduler.PollInterval,
		AssistantName: cfg.App.Name,
	})
	watcher := ipc.New(ipc.Deps{
		Root:          cfg.IPCDir(),
		MainFolder:    cfg.App.MainGroupFolder,
		AssistantName: cfg.App.Name,
		Location:      cfg.App.Location,
		Interval:      cfg.IPC.PollInterval,
		Store:         database,
		Groups:        groups,
		Sender:        term,
		Registrar:     orch,
		Snapshots:     runner,
		Metrics:       m,
	})

	g, gctx := errgroup.WithContext(ctx)
	if err := term.Connect(gctx, orch.Recover); err != nil {
		return err
	}
	g.Go(func() error {
		<-term.Done()
		cancel()
		return term.Err()
	})
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Addr) })
	}

	slog.Info("nanoclaw started", "name", cfg.App.Name, "groups", len(groups.JIDs()), "runtime", cfg.Agent.Runtime)
	runErr := g.Wait()

	slog.Info("shutting down", "grace", cfg.App.ShutdownGrace)
	if err := q.Shutdown(cfg.App.ShutdownGrace); err != nil {
		if errors.Is(err, queue.ErrShutdownTimeout) {
			slog.Warn("agents killed after grace period")
		} else {
			slog.Error("queue shutdown", "error", err)
		}
	}
	return runErr
}

// initDefaultGroup registers the main group on first start.
func initDefaultGroup(orch *orchestrator.Orchestrator, groups *registry.Groups, cfg *config.Config) error {
	if _, ok := groups.ByFolder(cfg.App.MainGroupFolder); ok {
		return nil
	}
	return orch.Register(types.Group{
		JID:     cfg.App.MainGroupJID,
		Name:    "Main",
		Folder:  cfg.App.MainGroupFolder,
		Trigger: "@" + cfg.App.Name,
	})
}
