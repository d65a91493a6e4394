package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default policy to validate: %v", err)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Fatalf("expected default iteration cap 10, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.LocalGate.MaxRounds != 3 {
		t.Fatalf("expected default local gate rounds 3, got %d", cfg.LocalGate.MaxRounds)
	}
	if cfg.Rewrite.SquashThreshold != 3 {
		t.Fatalf("expected default squash threshold 3, got %d", cfg.Rewrite.SquashThreshold)
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "policy.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default policy: %v", err)
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Branch.BaseRef != "main" {
		t.Fatalf("expected default base ref main, got %q", cfg.Branch.BaseRef)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing-policy.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected missing test policy file")
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default policy version 1, got %d", cfg.Version)
	}
}

func TestValidateRejectsBadDeadline(t *testing.T) {
	cfg := Default()
	cfg.Remote.PollIntervalSec = 60
	cfg.Remote.PollDeadlineSec = 30
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected deadline shorter than interval to be rejected")
	}
}

func TestPollDurations(t *testing.T) {
	cfg := Default()
	if cfg.PollInterval() != 15*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval())
	}
	if cfg.PollDeadline() != 600*time.Second {
		t.Fatalf("unexpected poll deadline %s", cfg.PollDeadline())
	}
}
