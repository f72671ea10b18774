package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig
	Agent     AgentConfig
	LLM       LLMConfig
	Scheduler SchedulerConfig
	IPC       IPCConfig
	Metrics   MetricsConfig
}

// AppConfig holds orchestrator-wide settings.
type AppConfig struct {
	Name            string
	DataDir         string
	GroupsDir       string
	MainGroupFolder string
	MainGroupJID    string
	Location        *time.Location
	TriggerPattern  *regexp.Regexp
	// MaxConcurrent caps simultaneously running groups; 0 means unlimited.
	MaxConcurrent int
	PollInterval  time.Duration
	ShutdownGrace time.Duration
}

// AgentConfig describes how the external agent process is launched.
type AgentConfig struct {
	Runtime string // exec | docker
	Command []string
	Image   string
}

// LLMConfig is forwarded to the agent process environment.
type LLMConfig struct {
	APIKey string // GOOGLE_API_KEY
	Model  string // GEMINI_MODEL
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	PollInterval time.Duration
}

// IPCConfig configures the mailbox watcher.
type IPCConfig struct {
	PollInterval time.Duration
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	root := workingDir()
	v.SetDefault("name", "Andy")
	v.SetDefault("data_dir", filepath.Join(root, "data"))
	v.SetDefault("groups_dir", filepath.Join(root, "groups"))
	v.SetDefault("main_folder", "main")
	v.SetDefault("main_jid", "main@nanoclaw")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("max_concurrent", 0)
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("shutdown_grace", "10s")
	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("ipc.interval", "1s")
	v.SetDefault("agent.runtime", RuntimeExec)
	v.SetDefault("agent.command", []string{"nanoclaw-agent"})
	v.SetDefault("agent.image", "nanoclaw-agent:latest")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("metrics.addr", "")
}

// Load builds a Config from v. Environment variables use the NANOCLAW_
// prefix with dots replaced by underscores (NANOCLAW_SCHEDULER_INTERVAL).
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("NANOCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("timezone", "NANOCLAW_TZ", "TZ")
	_ = v.BindEnv("llm.api_key", "GOOGLE_API_KEY")
	_ = v.BindEnv("llm.model", "GEMINI_MODEL")

	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", v.GetString("timezone"), err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:            v.GetString("name"),
			DataDir:         v.GetString("data_dir"),
			GroupsDir:       v.GetString("groups_dir"),
			MainGroupFolder: v.GetString("main_folder"),
			MainGroupJID:    v.GetString("main_jid"),
			Location:        loc,
			MaxConcurrent:   v.GetInt("max_concurrent"),
			PollInterval:    v.GetDuration("poll_interval"),
			ShutdownGrace:   v.GetDuration("shutdown_grace"),
		},
		Agent: AgentConfig{
			Runtime: v.GetString("agent.runtime"),
			Command: v.GetStringSlice("agent.command"),
			Image:   v.GetString("agent.image"),
		},
		LLM: LLMConfig{
			APIKey: v.GetString("llm.api_key"),
			Model:  v.GetString("llm.model"),
		},
		Scheduler: SchedulerConfig{PollInterval: v.GetDuration("scheduler.interval")},
		IPC:       IPCConfig{PollInterval: v.GetDuration("ipc.interval")},
		Metrics:   MetricsConfig{Addr: v.GetString("metrics.addr")},
	}

	if cfg.Agent.Runtime != RuntimeExec && cfg.Agent.Runtime != RuntimeDocker {
		return nil, fmt.Errorf("unknown agent runtime %q", cfg.Agent.Runtime)
	}
	if len(cfg.Agent.Command) == 0 {
		return nil, fmt.Errorf("agent.command must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":      cfg.App.PollInterval,
		"scheduler.interval": cfg.Scheduler.PollInterval,
		"ipc.interval":       cfg.IPC.PollInterval,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	// 编译触发词正则
	cfg.App.TriggerPattern = TriggerPattern(cfg.App.Name)
	return cfg, nil
}

// TriggerPattern matches "@Name" at the start of a message, case-insensitively.
func TriggerPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(name) + `\b`)
}

// DBPath 返回数据库路径
func (c *Config) DBPath() string {
	return filepath.Join(c.App.DataDir, "nanoclaw.db")
}

// IPCDir is the mailbox root shared with agent processes.
func (c *Config) IPCDir() string {
	return filepath.Join(c.App.DataDir, "ipc")
}

// LogDir holds the orchestrator log when the TUI owns the terminal.
func (c *Config) LogDir() string {
	return filepath.Join(c.App.DataDir, "logs")
}

// GroupDir is the isolated storage folder of one group.
func (c *Config) GroupDir(folder string) string {
	return filepath.Join(c.App.GroupsDir, folder)
}

func workingDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
