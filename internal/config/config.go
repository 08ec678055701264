// Package config loads the memini configuration. Precedence is
// environment variables over the TOML file over built-in defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	Reasoner  ReasonerConfig  `toml:"reasoner"`
	Tools     ToolsConfig     `toml:"tools"`
	Memory    MemoryConfig    `toml:"memory"`
	Autopilot AutopilotConfig `toml:"autopilot"`
	Serve     ServeConfig     `toml:"serve"`
	History   HistoryConfig   `toml:"history"`
	Log       LogConfig       `toml:"log"`
}

// ReasonerConfig selects and authenticates the reasoning model.
type ReasonerConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// ToolsConfig points at the tool service.
type ToolsConfig struct {
	Enabled bool     `toml:"enabled"`
	URL     string   `toml:"url"`
	Servers []string `toml:"servers"` // tool servers sessions may use
}

// MemoryConfig points at the long-term memory service.
type MemoryConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// AutopilotConfig controls the recipe scheduler.
type AutopilotConfig struct {
	RecipesDir  string `toml:"recipes_dir"`
	Watch       bool   `toml:"watch"`        // reload recipes on file changes
	HistoryKeep int    `toml:"history_keep"` // runs retained per recipe
	Autostart   bool   `toml:"autostart"`    // start enabled recipes on boot
}

// ServeConfig controls the HTTP observer API.
type ServeConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// HistoryConfig controls durable run and session history.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // SQLite file, empty for the default
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// BaseDir returns the memini config directory.
func BaseDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			home = os.TempDir()
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "memini")
}

// DefaultPath returns the config file path.
func DefaultPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Reasoner: ReasonerConfig{
			Model: "gpt-4.1",
		},
		Tools: ToolsConfig{
			URL: "http://127.0.0.1:8765",
		},
		Memory: MemoryConfig{
			URL: "http://127.0.0.1:8776",
		},
		Autopilot: AutopilotConfig{
			RecipesDir:  filepath.Join(BaseDir(), "recipes"),
			Watch:       true,
			HistoryKeep: 20,
			Autostart:   true,
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:8799",
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config at path, layering file values over defaults and
// environment overrides over both. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if key := os.Getenv("MEMINI_API_KEY"); key != "" {
		cfg.Reasoner.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Reasoner.APIKey == "" {
		cfg.Reasoner.APIKey = key
	}
	if base := os.Getenv("MEMINI_BASE_URL"); base != "" {
		cfg.Reasoner.BaseURL = base
	}
	if model := os.Getenv("MEMINI_MODEL"); model != "" {
		cfg.Reasoner.Model = model
	}
	if dir := os.Getenv("MEMINI_RECIPES_DIR"); dir != "" {
		cfg.Autopilot.RecipesDir = dir
	}
	if addr := os.Getenv("MEMINI_SERVE_ADDR"); addr != "" {
		cfg.Serve.Addr = addr
		cfg.Serve.Enabled = true
	}
	if enabled := os.Getenv("MEMINI_TOOLS_ENABLED"); enabled != "" {
		cfg.Tools.Enabled = enabled == "1" || enabled == "true"
	}
	if enabled := os.Getenv("MEMINI_MEMORY_ENABLED"); enabled != "" {
		cfg.Memory.Enabled = enabled == "1" || enabled == "true"
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error; got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json; got %q", cfg.Log.Format)
	}
	if cfg.Autopilot.HistoryKeep < 1 {
		return fmt.Errorf("autopilot.history_keep must be at least 1, got %d", cfg.Autopilot.HistoryKeep)
	}
	if cfg.Serve.Enabled {
		_, portStr, err := net.SplitHostPort(cfg.Serve.Addr)
		if err != nil {
			return fmt.Errorf("serve.addr %q: %w", cfg.Serve.Addr, err)
		}
		if port, err := strconv.Atoi(portStr); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("serve.addr %q: bad port", cfg.Serve.Addr)
		}
	}
	if cfg.Tools.Enabled && cfg.Tools.URL == "" {
		return fmt.Errorf("tools.url required when tools.enabled")
	}
	if cfg.Memory.Enabled && cfg.Memory.URL == "" {
		return fmt.Errorf("memory.url required when memory.enabled")
	}
	return nil
}
