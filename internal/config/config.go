// Package config holds the patchloop configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

// Provider kinds.
const (
	ProviderOpenAI  = "openai"
	ProviderCommand = "command"
)

// Backend names accepted in actuator.backends.
const (
	BackendGit = "git"
	BackendFS  = "fs"
)

// Config holds the complete patchloop configuration.
type Config struct {
	Loop     Loop           `koanf:"loop"`
	Actuator Actuator       `koanf:"actuator"`
	Gates    Gates          `koanf:"gates"`
	Provider Provider       `koanf:"provider"`
	Graph    Graph          `koanf:"graph"`
	Lessons  Lessons        `koanf:"lessons"`
	Logging  logging.Config `koanf:"logging"`
	// Artifacts is the root for actuator artifacts; relative paths are
	// resolved against the target repository.
	Artifacts string `koanf:"artifacts"`
	// StateDir holds the propagation journal.
	StateDir string `koanf:"state_dir"`
}

// Loop bounds the retry orchestrator.
type Loop struct {
	MaxIterations  int      `koanf:"max_iterations"`
	TotalBudget    Duration `koanf:"total_budget"`
	PerStepBudget  Duration `koanf:"per_step_budget"`
	PreferThreeWay bool     `koanf:"prefer_three_way"`
	// RollbackFailed undoes the propagation of an iteration whose gates fail.
	RollbackFailed bool `koanf:"rollback_failed"`
}

// Actuator configures patch application.
type Actuator struct {
	RepairHunkHeaders bool `koanf:"repair_hunk_headers"`
	// Backends are tried in order.
	Backends []string `koanf:"backends"`
}

// Gates lists the verification commands. Test commands are templates:
// {ids} and {patterns} are replaced by the selection.
type Gates struct {
	Static        []string       `koanf:"static"`
	Runtime       []string       `koanf:"runtime"`
	TestFull      string         `koanf:"test_full"`
	TestByID      string         `koanf:"test_by_id"`
	TestByPattern string         `koanf:"test_by_pattern"`
	PatternJoin   string         `koanf:"pattern_join"`
	Limits        sandbox.Limits `koanf:",squash"`
}

// Provider selects and configures the diff provider.
type Provider struct {
	Kind        string   `koanf:"kind"`
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float32  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
	Command     []string `koanf:"command"`
}

// Graph points at the dependency graph file.
type Graph struct {
	Path string `koanf:"path"`
}

// Lessons configures the lesson store.
type Lessons struct {
	Path string `koanf:"path"`
	TopK int    `koanf:"top_k"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Loop: Loop{
			MaxIterations:  4,
			TotalBudget:    Duration(15 * time.Minute),
			PerStepBudget:  Duration(5 * time.Minute),
			PreferThreeWay: true,
			RollbackFailed: true,
		},
		Actuator: Actuator{
			Backends: []string{BackendGit, BackendFS},
		},
		Gates: Gates{
			TestFull:      "go test ./...",
			TestByID:      "go test {ids}",
			TestByPattern: "go test ./... -run {patterns}",
			PatternJoin:   "|",
		},
		Provider: Provider{
			Kind:        ProviderOpenAI,
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		Lessons: Lessons{
			Path: filepath.Join(".patchloop", "lessons.jsonl"),
			TopK: 3,
		},
		Logging:   *logging.NewDefaultConfig(),
		Artifacts: filepath.Join(".patchloop", "artifacts"),
		StateDir:  filepath.Join(".patchloop", "state"),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be at least 1, got %d", c.Loop.MaxIterations))
	}
	if c.Loop.TotalBudget < 0 {
		errs = append(errs, errors.New("loop.total_budget cannot be negative"))
	}
	if c.Loop.PerStepBudget <= 0 {
		errs = append(errs, errors.New("loop.per_step_budget must be positive"))
	}
	for _, b := range c.Actuator.Backends {
		switch strings.ToLower(b) {
		case BackendGit, BackendFS:
		default:
			errs = append(errs, fmt.Errorf("unknown actuator backend %q", b))
		}
	}
	commands := append(append([]string{}, c.Gates.Static...), c.Gates.Runtime...)
	commands = append(commands, c.Gates.TestFull, c.Gates.TestByID, c.Gates.TestByPattern)
	for _, cmd := range commands {
		if _, err := shlex.Split(cmd); err != nil {
			errs = append(errs, fmt.Errorf("gate command %q cannot be split: %w", cmd, err))
		}
	}
	switch c.Provider.Kind {
	case ProviderOpenAI:
	case ProviderCommand:
		if len(c.Provider.Command) == 0 {
			errs = append(errs, errors.New("provider.command is required for the command provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider kind %q", c.Provider.Kind))
	}
	if c.Lessons.TopK < 0 {
		errs = append(errs, errors.New("lessons.top_k cannot be negative"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Resolve returns path unchanged when absolute, otherwise joined to root.
func Resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
