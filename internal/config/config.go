package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Projects ProjectsConfig `yaml:"projects"`
	Run      RunConfig      `yaml:"run"`
	Bus      BusConfig      `yaml:"bus"`
	Backends BackendsConfig `yaml:"backends"`
	Sync     SyncConfig     `yaml:"sync"`

	// Integrations lists external services already connected for the
	// deployment, consulted by directive detection.
	Integrations IntegrationsConfig `yaml:"integrations"`
}

type IntegrationsConfig struct {
	Connected []string `yaml:"connected"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	HistoryLimit  int    `yaml:"history_limit"`
}

type ProjectsConfig struct {
	Root  string         `yaml:"root"`
	Items []ProjectEntry `yaml:"items"`
}

// ProjectEntry seeds one project at startup. Path is relative to the
// projects root unless absolute.
type ProjectEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
}

type RunConfig struct {
	IdleTimeoutMs   int `yaml:"idle_timeout_ms"`
	KillGraceMs     int `yaml:"kill_grace_ms"`
	StderrRingLines int `yaml:"stderr_ring_lines"`
	QueueMax        int `yaml:"queue_max"`
}

type BusConfig struct {
	SubscriberQueue int `yaml:"subscriber_queue"`
}

type BackendsConfig struct {
	Claude   BackendConfig `yaml:"claude"`
	Codex    BackendConfig `yaml:"codex"`
	Qwen     BackendConfig `yaml:"qwen"`
	OpenCode BackendConfig `yaml:"opencode"`
}

type BackendConfig struct {
	Bin       string   `yaml:"bin"`
	ExtraArgs []string `yaml:"extra_args"`
}

type SyncConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with all defaults applied, for callers that
// run without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8787"
	}
	if cfg.Server.MetricsListen == "" {
		cfg.Server.MetricsListen = "127.0.0.1:9187"
	}
	if cfg.Server.HistoryLimit == 0 {
		cfg.Server.HistoryLimit = 50
	}
	if cfg.Projects.Root == "" {
		cfg.Projects.Root = filepath.Join(os.TempDir(), "agentd", "projects")
	}
	if cfg.Run.IdleTimeoutMs == 0 {
		cfg.Run.IdleTimeoutMs = 600000
	}
	if cfg.Run.KillGraceMs == 0 {
		cfg.Run.KillGraceMs = 5000
	}
	if cfg.Run.StderrRingLines == 0 {
		cfg.Run.StderrRingLines = 5
	}
	if cfg.Run.QueueMax == 0 {
		cfg.Run.QueueMax = 16
	}
	if cfg.Bus.SubscriberQueue == 0 {
		cfg.Bus.SubscriberQueue = 256
	}
	if cfg.Backends.Claude.Bin == "" {
		cfg.Backends.Claude.Bin = "claude"
	}
	if cfg.Backends.Codex.Bin == "" {
		cfg.Backends.Codex.Bin = "codex"
	}
	if cfg.Backends.Qwen.Bin == "" {
		cfg.Backends.Qwen.Bin = "qwen"
	}
	if cfg.Backends.OpenCode.Bin == "" {
		cfg.Backends.OpenCode.Bin = "opencode"
	}
	if cfg.Sync.Root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Sync.Root = filepath.Join(home, ".claude", "projects")
		}
	}

	// Optional environment overrides.
	if root := os.Getenv("AGENTD_PROJECTS_ROOT"); root != "" {
		cfg.Projects.Root = root
	}
	if listen := os.Getenv("AGENTD_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
}
