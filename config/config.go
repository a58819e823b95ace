package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTurnTimeout    = 95 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultStopGrace      = 3 * time.Second
	DefaultListen         = ":8080"
	DefaultMaxFrameSize   = 16 << 20
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// AgentConfig describes the backend ACP agent. Either Command (spawned over
// stdio) or Endpoint (HTTP relay) is set.
type AgentConfig struct {
	Command   string        `yaml:"command"`
	Args      []string      `yaml:"args"`
	Endpoint  string        `yaml:"endpoint"`
	Cwd       string        `yaml:"cwd"`
	Env       []string      `yaml:"env"`
	Framing   string        `yaml:"framing"`
	Restart   bool          `yaml:"restart"`
	StopGrace time.Duration `yaml:"stop_grace"`
}

type BridgeConfig struct {
	Listen         string        `yaml:"listen"`
	Token          string        `yaml:"token"`
	TurnTimeout    time.Duration `yaml:"turn_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxFrameSize   int           `yaml:"max_frame_size"`
}

type SafetyConfig struct {
	AutoApprove       *bool    `yaml:"auto_approve"`
	SensitiveCommands []string `yaml:"sensitive_commands"`
	AllowedCommands   []string `yaml:"allowed_commands"`
	ProtectedPaths    []string `yaml:"protected_paths"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	LogLevel             string           `yaml:"log_level"`
	Agent                AgentConfig      `yaml:"agent"`
	Bridge               BridgeConfig     `yaml:"bridge"`
	Safety               SafetyConfig     `yaml:"safety"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Audit                AuditConfig      `yaml:"audit"`
}

// LoadConfig loads configuration from the user's home directory, then the
// current working directory, then the explicit path if one is given. Later
// layers take precedence.
func LoadConfig(explicit string) (*Config, error) {
	home, _ := os.UserHomeDir()
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	return loadLayers(home, wd, explicit)
}

func loadLayers(home, wd, explicit string) (*Config, error) {
	cfg := &Config{}

	// The bridge's own directory is never exposed to the agent's workspace.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".acpbridge", ".acpbridge/**")

	if home != "" {
		userConfigPath := filepath.Join(home, ".acpbridge", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	projectConfigPath := filepath.Join(wd, ".acpbridge", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if explicit != "" {
		if err := loadFromFile(explicit, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", explicit)
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML replace earlier layers wholesale.
	return yaml.Unmarshal(data, cfg)
}

// ApplyDefaults fills zero values with the bridge defaults.
func (c *Config) ApplyDefaults() {
	if c.Bridge.TurnTimeout <= 0 {
		c.Bridge.TurnTimeout = DefaultTurnTimeout
	}
	if c.Bridge.RequestTimeout <= 0 {
		c.Bridge.RequestTimeout = DefaultRequestTimeout
	}
	if c.Bridge.MaxFrameSize <= 0 {
		c.Bridge.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Bridge.Listen == "" {
		c.Bridge.Listen = DefaultListen
	}
	if c.Agent.StopGrace <= 0 {
		c.Agent.StopGrace = DefaultStopGrace
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// AutoApprove reports whether non-high-risk tool calls skip the approver.
// It is on unless explicitly disabled.
func (c *Config) AutoApprove() bool {
	return c.Safety.AutoApprove == nil || *c.Safety.AutoApprove
}

// CommandAllowlist merges the top-level and safety allowlists.
func (c *Config) CommandAllowlist() []string {
	out := make([]string, 0, len(c.AllowedCommands)+len(c.Safety.AllowedCommands))
	out = append(out, c.AllowedCommands...)
	return append(out, c.Safety.AllowedCommands...)
}

// Validate checks that the configuration names a usable backend.
func (c *Config) Validate() error {
	if c.Agent.Command == "" && c.Agent.Endpoint == "" {
		return errors.New("no backend agent configured: set agent.command or agent.endpoint")
	}
	if c.Agent.Command != "" && c.Agent.Endpoint != "" {
		return errors.New("agent.command and agent.endpoint are mutually exclusive")
	}
	switch c.Agent.Framing {
	case "", "auto", "lines", "length":
	default:
		return errors.New("agent.framing must be one of auto, lines, length")
	}
	return nil
}
