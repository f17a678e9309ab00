package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signer.Network != NetworkTestnet {
		t.Errorf("expected default network %q, got %q", NetworkTestnet, cfg.Signer.Network)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be written: %v", err)
	}
}

func TestLoadRoundTripsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.yaml")

	cfg := DefaultConfig()
	cfg.Signer.Network = NetworkMainnet
	cfg.Signer.StacksFeesMaxUstx = 42
	cfg.Storage.Path = "custom.sqlite3"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Signer.Network != NetworkMainnet {
		t.Errorf("network: got %q, want %q", loaded.Signer.Network, NetworkMainnet)
	}
	if loaded.Signer.StacksFeesMaxUstx != 42 {
		t.Errorf("stacks_fees_max_ustx: got %d, want 42", loaded.Signer.StacksFeesMaxUstx)
	}
	if loaded.Storage.Path != "custom.sqlite3" {
		t.Errorf("storage.path: got %q, want custom.sqlite3", loaded.Storage.Path)
	}
}

func TestLoadAppliesPrivateKeyEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.yaml")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Setenv("SIGNER_PRIVATE_KEY", "deadbeef")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signer.PrivateKey != "deadbeef" {
		t.Errorf("expected env override to apply, got %q", cfg.Signer.PrivateKey)
	}
}
