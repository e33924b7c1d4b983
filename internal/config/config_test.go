package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DefaultDeny {
		t.Error("expected default-deny on out of the box")
	}
	if cfg.AllowRuleFile != filepath.Join(cfg.DataDir, "whitelist.rules") {
		t.Errorf("unexpected allow rule path: %s", cfg.AllowRuleFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FileOverridesAndDerivesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	body := `{
		"debug": true,
		"data_dir": "` + dir + `",
		"cache": {"keyboard_ttl_sec": 600},
		"scan": {"high_threshold": 2}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Debug {
		t.Error("debug should be true")
	}
	if cfg.Cache.KeyboardTTLSec != 600 {
		t.Errorf("keyboard TTL = %d, want 600", cfg.Cache.KeyboardTTLSec)
	}
	if cfg.Scan.HighThreshold != 2 {
		t.Errorf("high threshold = %d, want 2", cfg.Scan.HighThreshold)
	}
	// 未覆盖的字段保持缺省
	if cfg.Scan.MaxFiles != 20000 {
		t.Errorf("max files = %d, want default 20000", cfg.Scan.MaxFiles)
	}
	if cfg.AuditDBFile != filepath.Join(dir, "audit.db") {
		t.Errorf("audit db should derive from data_dir, got %s", cfg.AuditDBFile)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"challenge": {"attempts": -1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative attempts")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/agent.json"); err == nil {
		t.Fatal("expected read error")
	}
}
