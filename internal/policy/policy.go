package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPolicyPath = ".revflow/policy.json"

type Config struct {
	Version int `json:"version"`
	Branch  struct {
		BaseRef string `json:"base_ref"`
	} `json:"branch"`
	LocalGate struct {
		ReviewerCommand string `json:"reviewer_command"`
		MaxRounds       int    `json:"max_rounds"`
	} `json:"local_gate"`
	Remote struct {
		TriggerCommand  string `json:"trigger_command"`
		ListCommand     string `json:"list_command"`
		PollIntervalSec int    `json:"poll_interval_seconds"`
		PollDeadlineSec int    `json:"poll_deadline_seconds"`
	} `json:"remote"`
	Loop struct {
		MaxIterations int `json:"max_iterations"`
	} `json:"loop"`
	Arbiter struct {
		JudgeCommand   string `json:"judge_command"`
		MaxEscalations int    `json:"max_escalations"`
	} `json:"arbiter"`
	Fix struct {
		ApplyCommand string `json:"apply_command"`
	} `json:"fix"`
	Rewrite struct {
		Enabled         bool `json:"enabled"`
		SquashThreshold int  `json:"squash_threshold"`
	} `json:"rewrite"`
	Bus struct {
		Redis struct {
			URL      string `json:"url"`
			Stream   string `json:"stream"`
			Group    string `json:"group"`
			Consumer string `json:"consumer"`
		} `json:"redis"`
	} `json:"bus"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Branch.BaseRef = "main"
	cfg.LocalGate.MaxRounds = 3
	cfg.Remote.PollIntervalSec = 15
	cfg.Remote.PollDeadlineSec = 600
	cfg.Loop.MaxIterations = 10
	cfg.Arbiter.MaxEscalations = 1
	cfg.Rewrite.Enabled = true
	cfg.Rewrite.SquashThreshold = 3
	cfg.Bus.Redis.Stream = "revflow-events"
	cfg.Bus.Redis.Group = "revflow"
	cfg.Bus.Redis.Consumer = "revflow-orchestrator"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

// Encode renders the config as it is persisted alongside a session.
func Encode(cfg Config) (string, error) {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return string(b), nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Branch.BaseRef) == "" {
		return fmt.Errorf("branch.base_ref cannot be empty")
	}
	if cfg.LocalGate.MaxRounds <= 0 {
		return fmt.Errorf("local_gate.max_rounds must be > 0")
	}
	if cfg.Remote.PollIntervalSec <= 0 {
		return fmt.Errorf("remote.poll_interval_seconds must be > 0")
	}
	if cfg.Remote.PollDeadlineSec < cfg.Remote.PollIntervalSec {
		return fmt.Errorf("remote.poll_deadline_seconds must be >= remote.poll_interval_seconds")
	}
	if cfg.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be > 0")
	}
	if cfg.Arbiter.MaxEscalations < 0 {
		return fmt.Errorf("arbiter.max_escalations must be >= 0")
	}
	if cfg.Rewrite.SquashThreshold <= 0 {
		return fmt.Errorf("rewrite.squash_threshold must be > 0")
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Remote.PollIntervalSec) * time.Second
}

func (c Config) PollDeadline() time.Duration {
	return time.Duration(c.Remote.PollDeadlineSec) * time.Second
}
