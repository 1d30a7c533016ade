package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a large file (> 1MB)
	largeFile := filepath.Join(tmpDir, "large.yaml")
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	err := os.WriteFile(largeFile, []byte(data), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	_, err = LoadConfig(largeFile)
	if err == nil {
		t.Error("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	validConfig := `
upstream:
  provider: openai
  model: gpt-4o-mini
  api_key: test-key
  max_retries: 5
  base_delay: 250ms
session:
  backend: memory
  window_turns: 10
  ttl: 2h
assembler:
  budget_bytes: 8192
cache:
  backend: memory
  balances_fresh_for: 15m
`

	validFile := filepath.Join(tmpDir, "valid.yaml")
	err := os.WriteFile(validFile, []byte(validConfig), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cfg, err := LoadConfig(validFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.Model != "gpt-4o-mini" {
		t.Errorf("expected model 'gpt-4o-mini', got %s", cfg.Upstream.Model)
	}
	if cfg.Upstream.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.Upstream.MaxRetries)
	}
	if cfg.Upstream.BaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms base delay, got %v", cfg.Upstream.BaseDelay)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Errorf("expected 2h session ttl, got %v", cfg.Session.TTL)
	}
	if cfg.Cache.BalancesFreshFor != 15*time.Minute {
		t.Errorf("expected 15m freshness, got %v", cfg.Cache.BalancesFreshFor)
	}
	if cfg.Assembler.BudgetBytes != 8192 {
		t.Errorf("expected budget 8192, got %d", cfg.Assembler.BudgetBytes)
	}
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	tmpDir := t.TempDir()

	minimal := filepath.Join(tmpDir, "minimal.yaml")
	if err := os.WriteFile(minimal, []byte("{}\n"), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cfg, err := LoadConfig(minimal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upstream.Provider != "openai" {
		t.Errorf("expected default provider openai, got %s", cfg.Upstream.Provider)
	}
	if cfg.Session.WindowTurns != 30 {
		t.Errorf("expected default window 30, got %d", cfg.Session.WindowTurns)
	}
	if cfg.Cache.BalancesFreshFor != 30*time.Minute {
		t.Errorf("expected default freshness 30m, got %v", cfg.Cache.BalancesFreshFor)
	}
	if cfg.SystemPrompt == "" {
		t.Error("expected a default system prompt")
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()

	invalidYAML := `
upstream:
invalid yaml here: [[[
`

	invalidFile := filepath.Join(tmpDir, "invalid.yaml")
	err := os.WriteFile(invalidFile, []byte(invalidYAML), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	_, err = LoadConfig(invalidFile)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Upstream.Provider = "acme" },
			wantErr: "unknown upstream provider",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Upstream.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "zero budget",
			mutate:  func(c *Config) { c.Assembler.BudgetBytes = -5 },
			wantErr: "budget_bytes",
		},
		{
			name: "system ceiling below turn ceiling",
			mutate: func(c *Config) {
				c.Assembler.SystemCharCeiling = 100
				c.Assembler.TurnCharCeiling = 200
			},
			wantErr: "system_char_ceiling",
		},
		{
			name: "firestore without project",
			mutate: func(c *Config) {
				c.Providers.Backend = "firestore"
				c.Providers.GCPProject = ""
			},
			wantErr: "gcp_project",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
