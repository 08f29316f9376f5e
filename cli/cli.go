package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/sokinpui/patchloop/internal/config"
)

// Config holds all the command-line flag values.
type Config struct {
	Repo          string
	ConfigPath    string
	Budget        time.Duration
	StepTimeout   time.Duration
	MaxIterations int
	NoThreeWay    bool
	Artifacts     string
	LogLevel      string
	NoAnimation   bool
	PrintDiff     bool
	DryPlan       bool
	ApplyOnly     bool
	// Args are the positional arguments, joined into the objective.
	Args []string

	set map[string]bool
}

// ParseFlags parses os.Args.
func ParseFlags() (*Config, error) {
	return Parse(os.Args[1:], os.Stderr)
}

// Parse defines and parses command-line flags using pflag.
func Parse(args []string, usageOut io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("patchloop", pflag.ContinueOnError)
	fs.SetOutput(usageOut)

	fs.StringVarP(&cfg.Repo, "repo", "C", ".", "Repository to modify.")
	fs.StringVarP(&cfg.ConfigPath, "config", "c", "", "Configuration file (default <repo>/"+config.DefaultFileName+" when present).")
	fs.DurationVar(&cfg.Budget, "budget", 0, "Total wall-clock budget for the run.")
	fs.DurationVar(&cfg.StepTimeout, "step-timeout", 0, "Deadline for each provider, apply or gate step.")
	fs.IntVarP(&cfg.MaxIterations, "max-iterations", "n", 0, "Maximum number of patch attempts.")
	fs.BoolVar(&cfg.NoThreeWay, "no-three-way", false, "Skip the whole-diff three-way attempt and apply hunk by hunk.")
	fs.StringVar(&cfg.Artifacts, "artifacts", "", "Directory for actuator artifacts.")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: trace, debug, info, warn or error.")
	fs.BoolVar(&cfg.NoAnimation, "no-animation", false, "Disable the spinner and print plain progress lines.")
	fs.BoolVarP(&cfg.PrintDiff, "print-diff", "p", false, "Print the refined diff to stdout on success.")
	fs.BoolVar(&cfg.DryPlan, "dry-plan", false, "Print the plan for the objective and exit.")
	fs.BoolVarP(&cfg.ApplyOnly, "apply", "a", false, "Treat the input as a diff and only apply it.")

	fs.Usage = func() {
		fmt.Fprintln(usageOut, "Usage: patchloop [flags] [objective...]")
		fmt.Fprintln(usageOut, "\nPlan, patch and verify a change to a repository until every gate passes.")
		fmt.Fprintln(usageOut, "The objective is read from the arguments, stdin (pipe) or the clipboard.")
		fmt.Fprintln(usageOut, "\nExample: patchloop -n 3 --budget 10m \"add retry to client.network\"")
		fmt.Fprintln(usageOut, "\nFlags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.DryPlan && cfg.ApplyOnly {
		return nil, fmt.Errorf("error: --dry-plan and --apply are mutually exclusive")
	}
	if cfg.Budget < 0 || cfg.StepTimeout < 0 || cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("error: --budget, --step-timeout and --max-iterations cannot be negative")
	}

	cfg.Args = fs.Args()
	cfg.set = make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { cfg.set[f.Name] = true })
	return cfg, nil
}

// Changed reports whether a flag was given explicitly.
func (c *Config) Changed(name string) bool {
	return c.set[name]
}

// MarkChanged records name as explicitly given, for callers that fill Config
// without parsing a command line.
func (c *Config) MarkChanged(name string) {
	if c.set == nil {
		c.set = make(map[string]bool)
	}
	c.set[name] = true
}

// Override copies explicitly given flags over the loaded configuration.
func (c *Config) Override(cfg *config.Config) {
	if c.Changed("budget") {
		cfg.Loop.TotalBudget = config.Duration(c.Budget)
	}
	if c.Changed("step-timeout") {
		cfg.Loop.PerStepBudget = config.Duration(c.StepTimeout)
	}
	if c.Changed("max-iterations") {
		cfg.Loop.MaxIterations = c.MaxIterations
	}
	if c.NoThreeWay {
		cfg.Loop.PreferThreeWay = false
	}
	if c.Changed("artifacts") {
		cfg.Artifacts = c.Artifacts
	}
	if c.Changed("log-level") {
		cfg.Logging.Level = c.LogLevel
	}
}
