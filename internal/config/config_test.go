package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Autopilot.HistoryKeep != 20 || !cfg.Autopilot.Watch {
		t.Fatalf("autopilot defaults = %+v", cfg.Autopilot)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("log defaults = %+v", cfg.Log)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[reasoner]
model = "gpt-4o-mini"

[autopilot]
recipes_dir = "/srv/recipes"
history_keep = 5
watch = false
autostart = false

[serve]
enabled = true
addr = "127.0.0.1:9000"

[log]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reasoner.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", cfg.Reasoner.Model)
	}
	if cfg.Autopilot.RecipesDir != "/srv/recipes" || cfg.Autopilot.HistoryKeep != 5 || cfg.Autopilot.Watch {
		t.Fatalf("autopilot = %+v", cfg.Autopilot)
	}
	if !cfg.Serve.Enabled || cfg.Serve.Addr != "127.0.0.1:9000" {
		t.Fatalf("serve = %+v", cfg.Serve)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[reasoner]\nmodel = \"from-file\"\napi_key = \"file-key\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEMINI_MODEL", "from-env")
	t.Setenv("MEMINI_API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reasoner.Model != "from-env" || cfg.Reasoner.APIKey != "env-key" {
		t.Fatalf("reasoner = %+v", cfg.Reasoner)
	}
}

func TestLoad_OpenAIKeyFallback(t *testing.T) {
	t.Setenv("MEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reasoner.APIKey != "sk-fallback" {
		t.Fatalf("api key = %q", cfg.Reasoner.APIKey)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad history keep", func(c *Config) { c.Autopilot.HistoryKeep = 0 }, "history_keep"},
		{"bad serve addr", func(c *Config) { c.Serve.Enabled = true; c.Serve.Addr = "nope" }, "serve.addr"},
		{"tools without url", func(c *Config) { c.Tools.Enabled = true; c.Tools.URL = "" }, "tools.url"},
		{"memory without url", func(c *Config) { c.Memory.Enabled = true; c.Memory.URL = "" }, "memory.url"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want mention of %s", tc.name, err, tc.want)
		}
	}
}

func TestLoad_BrokenTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
