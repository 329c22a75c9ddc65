package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/paths"
)

// Defaults applied when a key is absent.
const (
	DefaultBranchPrefix  = "swarm/"
	DefaultStartTimeout  = 60 * time.Second
	DefaultCancelGrace   = 5 * time.Second
	DefaultTailMaxWait   = 30 * time.Second
	DefaultContextWindow = 200000
	DefaultServerAddr    = "127.0.0.1:7433"
	DefaultAgent         = "claude"
)

// KnownEngines is the closed set of agent engines.
var KnownEngines = []string{"claude", "codex", "gemini"}

// Buckets a tool may be classified into.
var Buckets = []string{"read", "write", "execute", "other"}

// EngineConfig overrides how an engine CLI is launched.
type EngineConfig struct {
	Command string                 `yaml:"command" toml:"command"`
	Args    []string               `yaml:"args" toml:"args"`
	Env     map[string]string      `yaml:"env" toml:"env"`
	Model   string                 `yaml:"model" toml:"model"`
	Options map[string]interface{} `yaml:"options" toml:"options"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Config holds the application configuration
type Config struct {
	DataDir       string                  `yaml:"data_dir" toml:"data_dir"`
	LogLevel      string                  `yaml:"log_level" toml:"log_level"`
	WorktreeDir   string                  `yaml:"worktree_dir" toml:"worktree_dir"`
	BranchPrefix  string                  `yaml:"branch_prefix" toml:"branch_prefix"`
	KeepWorktrees bool                    `yaml:"keep_worktrees" toml:"keep_worktrees"`
	StartTimeout  Duration                `yaml:"start_timeout" toml:"start_timeout"`
	CancelGrace   Duration                `yaml:"cancel_grace" toml:"cancel_grace"`
	TailMaxWait   Duration                `yaml:"tail_max_wait" toml:"tail_max_wait"`
	ContextWindow int                     `yaml:"context_window" toml:"context_window"`
	DefaultAgent  string                  `yaml:"default_agent" toml:"default_agent"`
	Server        ServerConfig            `yaml:"server" toml:"server"`
	Engines       map[string]EngineConfig `yaml:"engines" toml:"engines"`
	ToolTaxonomy  map[string]string       `yaml:"tool_taxonomy" toml:"tool_taxonomy"`

	mu       sync.RWMutex
	filePath string
}

// Default returns a config with every default applied and no file behind it.
func Default() *Config {
	c := &Config{}
	c.ensureInitialized()
	return c
}

// Load reads the config at path. An empty path searches the data directory
// for config.yml, config.yaml or config.toml; if none exists the defaults are
// returned. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		dir, err := paths.DataDir()
		if err != nil {
			return nil, err
		}
		for _, candidate := range paths.ConfigCandidates(dir) {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.ConfigLoadFailed(path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, errors.ConfigLoadFailed(path, err)
		}
		cfg.filePath = path
	}

	cfg.ensureInitialized()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yml", ".yaml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ensureInitialized fills defaults. Only called before the Config is shared.
func (c *Config) ensureInitialized() {
	if c.DataDir == "" {
		if dir, err := paths.DataDir(); err == nil {
			c.DataDir = dir
		}
	}
	c.DataDir = expandHome(c.DataDir)
	c.WorktreeDir = expandHome(c.WorktreeDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = Duration(DefaultStartTimeout)
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = Duration(DefaultCancelGrace)
	}
	if c.TailMaxWait == 0 {
		c.TailMaxWait = Duration(DefaultTailMaxWait)
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = DefaultAgent
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Engines == nil {
		c.Engines = make(map[string]EngineConfig)
	}
	if c.ToolTaxonomy == nil {
		c.ToolTaxonomy = make(map[string]string)
	}
}

func (c *Config) applyEnv() {
	if dir := os.Getenv(paths.EnvDataDir); dir != "" {
		c.DataDir = dir
	}
	if lvl := os.Getenv("SWARM_LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !isKnownEngine(c.DefaultAgent) {
		return errors.ConfigInvalid(fmt.Sprintf("default_agent %q is not one of %s", c.DefaultAgent, strings.Join(KnownEngines, ", ")))
	}
	for name := range c.Engines {
		if !isKnownEngine(name) {
			return errors.ConfigInvalid(fmt.Sprintf("unknown engine %q", name))
		}
	}
	if err := validateTaxonomy(c.ToolTaxonomy); err != nil {
		return err
	}
	if c.StartTimeout < 0 || c.CancelGrace < 0 || c.TailMaxWait < 0 {
		return errors.ConfigInvalid("durations must not be negative")
	}
	if c.ContextWindow < 0 {
		return errors.ConfigInvalid("context_window must not be negative")
	}
	return nil
}

func validateTaxonomy(tax map[string]string) error {
	for tool, bucket := range tax {
		if !isBucket(bucket) {
			return errors.ConfigInvalid(fmt.Sprintf("tool_taxonomy: %s maps to unknown bucket %q", tool, bucket))
		}
	}
	return nil
}

func isKnownEngine(name string) bool {
	for _, e := range KnownEngines {
		if e == name {
			return true
		}
	}
	return false
}

func isBucket(name string) bool {
	for _, b := range Buckets {
		if b == name {
			return true
		}
	}
	return false
}

// Path returns the file the config was loaded from ("" for defaults).
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// GetTaxonomy returns a copy of the tool taxonomy overrides.
func (c *Config) GetTaxonomy() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.ToolTaxonomy))
	for k, v := range c.ToolTaxonomy {
		out[k] = v
	}
	return out
}

// GetEngine returns the launch overrides for an engine (zero value if none).
func (c *Config) GetEngine(name string) EngineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Engines[name]
}

// SetEngine replaces the launch overrides for an engine.
func (c *Config) SetEngine(name string, ec EngineConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Engines[name] = ec
}

// DecodeEngineOptions decodes engines.<name>.options into target.
// Missing options leave target untouched.
func (c *Config) DecodeEngineOptions(name string, target interface{}) error {
	c.mu.RLock()
	opts := c.Engines[name].Options
	c.mu.RUnlock()
	if len(opts) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create options decoder: %w", err)
	}
	if err := decoder.Decode(opts); err != nil {
		return fmt.Errorf("failed to decode options for engine %s: %w", name, err)
	}
	return nil
}

// Reload re-reads the backing file and swaps in the fields that are safe to
// change at runtime (tool taxonomy, engine overrides, log level).
func (c *Config) Reload() error {
	path := c.Path()
	if path == "" {
		return nil
	}
	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ToolTaxonomy = fresh.ToolTaxonomy
	c.Engines = fresh.Engines
	c.LogLevel = fresh.LogLevel
	return nil
}

// GetLogLevel returns the configured level name.
func (c *Config) GetLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevel
}
