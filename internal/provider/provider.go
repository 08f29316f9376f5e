// Package provider obtains candidate diffs from a language model or from an
// external command. Whatever comes back is untrusted text; only the diff
// extracted from it is returned.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/logging"
	"github.com/sokinpui/patchloop/internal/parser"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

// Provider produces a unified diff for an objective.
type Provider interface {
	GenerateDiff(ctx context.Context, objective, planContext string) (string, error)
}

// ErrEmptyResponse is returned when the reply holds no text at all.
var ErrEmptyResponse = errors.New("provider returned an empty response")

const systemPrompt = `You are a code modification engine.
Reply with a single unified diff against the repository and nothing else.
Use "--- a/<path>" and "+++ b/<path>" headers and standard "@@" hunks.
Do not explain the change.`

// Prompt renders the user message sent to a provider.
func Prompt(objective, planContext string) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(strings.TrimSpace(objective))
	if c := strings.TrimSpace(planContext); c != "" {
		b.WriteString("\n\n")
		b.WriteString(c)
	}
	b.WriteString("\n")
	return b.String()
}

// New builds the provider cfg selects. Command providers run in repo.
func New(cfg config.Provider, runner sandbox.Runner, repo string, logger *logging.Logger) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg, logger)
	case config.ProviderCommand:
		return NewCommand(cfg.Command, runner, repo, logger)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

func extract(reply string) (string, error) {
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyResponse
	}
	return parser.ExtractDiff(reply), nil
}
