package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Engine.DefaultLimit != 20 || cfg.Engine.MaxLimit != 100 || cfg.Engine.MaxBatchSize != 100 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.Timeout() != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %v", cfg.Engine.Timeout())
	}
	if cfg.Auth.Enabled {
		t.Fatal("auth should be disabled by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	body := `
server:
  port: 9090
database:
  driver: sqlite
  name: test
  path: /tmp/records
engine:
  max_limit: 50
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Engine.MaxLimit != 50 || cfg.Engine.DefaultLimit != 20 {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if got := cfg.Database.DSN(); got != "/tmp/records/test.db" {
		t.Fatalf("unexpected sqlite DSN %q", got)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
