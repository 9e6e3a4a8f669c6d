package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediator.yaml")
	if err := os.WriteFile(path, []byte("listen_address: \":9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEDIATOR_JWT_SIGNING_KEY", "test-signing-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("expected listen_address override, got %q", cfg.ListenAddress)
	}
	if cfg.Limits.HardReceive != 1000 {
		t.Fatalf("expected default hard_receive 1000, got %d", cfg.Limits.HardReceive)
	}
}

func TestLoadRejectsInvalidLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediator.yaml")
	if err := os.WriteFile(path, []byte("limits:\n  soft_receive: 100\n  hard_receive: 10\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEDIATOR_JWT_SIGNING_KEY", "test-signing-key")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for soft_receive > hard_receive")
	}
}
