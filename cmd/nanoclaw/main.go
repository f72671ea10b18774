package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/linkerlin/groupclaw/internal/config"
)

func init() {
	// Query the terminal background before any program owns stdin.
	_ = lipgloss.HasDarkBackground()
}

var (
	version  = "dev"
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nanoclaw",
		Short:         "Multi-group AI assistant orchestrator",
		Long:          "nanoclaw routes chat messages and scheduled tasks to a sandboxed agent process per group.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runOrchestrator,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./nanoclaw.yaml if present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator with the terminal UI (default)",
		RunE:  runOrchestrator,
	}
	root.AddCommand(runCmd, newTasksCmd(), newGroupsCmd())
	return root
}

// loadConfig reads the optional config file, then defaults and environment.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("nanoclaw")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		// Without --config a missing file just means defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return config.Load(v)
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// setupLogging installs the JSON logger. With a non-empty dir the log goes
// to <dir>/nanoclaw.log; the returned closer releases it.
func setupLogging(dir string) (io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, "nanoclaw.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	})))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
