package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default service name", func(c *Config) bool { return c.ServiceName == "isa-mcp" }},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default mcp port is 8081", func(c *Config) bool { return c.MCPPort == 8081 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default per-capability concurrency", func(c *Config) bool { return c.PerCapConcurrency == 64 }},
		{"default selector min results", func(c *Config) bool { return c.SelectorMinResults == 1 }},
		{"lazy flags default off", func(c *Config) bool { return !c.LazyLoadAISelectors && !c.LazyLoadExternalServices }},
		{"default embedding dimensions", func(c *Config) bool { return c.EmbeddingDimensions == 1536 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("config default check failed: %+v", cfg)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9090")
	t.Setenv("SERVICE_HOST", "127.0.0.1")
	t.Setenv("LAZY_LOAD_AI_SELECTORS", "true")
	t.Setenv("SERVICE_TAGS", "a,b,c")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.ListenAddr() != "127.0.0.1:9090" {
		t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
	}
	if !cfg.LazyLoadAISelectors {
		t.Error("LazyLoadAISelectors should be true")
	}
	if len(cfg.ServiceTags) != 3 {
		t.Errorf("ServiceTags = %v, want 3 entries", cfg.ServiceTags)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"port out of range", map[string]string{"SERVICE_PORT": "70000"}},
		{"colliding ports", map[string]string{"SERVICE_PORT": "9000", "MCP_PORT": "9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should have failed")
			}
		})
	}
}

func TestLoadDiscovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discovery.yaml")
	content := `sources:
  - name: local
    module_scan:
      roots: ["./capabilities"]
      include_pattern: "*.json"
  - name: fleet
    remote_manifest:
      url: https://example.com/manifest
      auth_header: "Bearer x"
  - name: builtins
    explicit_list:
      - kind: tool
        name: echo
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	dc, err := LoadDiscovery(path)
	if err != nil {
		t.Fatalf("LoadDiscovery() error: %v", err)
	}
	if len(dc.Sources) != 3 {
		t.Fatalf("got %d sources, want 3", len(dc.Sources))
	}
	if dc.Sources[0].ModuleScan == nil || dc.Sources[0].ModuleScan.IncludePattern != "*.json" {
		t.Errorf("module_scan not parsed: %+v", dc.Sources[0])
	}
	if dc.Sources[1].RemoteManifest == nil || dc.Sources[1].RemoteManifest.URL != "https://example.com/manifest" {
		t.Errorf("remote_manifest not parsed: %+v", dc.Sources[1])
	}
	if len(dc.Sources[2].ExplicitList) != 1 {
		t.Errorf("explicit_list not parsed: %+v", dc.Sources[2])
	}
}

func TestLoadDiscoveryMissingFileIsEmpty(t *testing.T) {
	dc, err := LoadDiscovery(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadDiscovery() error: %v", err)
	}
	if len(dc.Sources) != 0 {
		t.Errorf("got %d sources, want 0", len(dc.Sources))
	}
}

func TestLoadDiscoveryRejectsAmbiguousSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discovery.yaml")
	content := `sources:
  - name: broken
    module_scan:
      roots: ["./a"]
    remote_manifest:
      url: https://example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDiscovery(path); err == nil {
		t.Error("LoadDiscovery() should reject a source with two member blocks")
	}
}
