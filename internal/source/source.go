package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"

	"github.com/sokinpui/patchloop/internal/ui"
)

// ErrEmpty is returned when every source is empty.
var ErrEmpty = errors.New("no objective given")

// SourceProvider determines and retrieves the objective text.
type SourceProvider struct {
	stdin     *os.File
	clipboard func() (string, error)
	quiet     bool
}

// New creates a new SourceProvider reading os.Stdin and the system clipboard.
// A quiet provider does not announce which source it reads.
func New(quiet bool) *SourceProvider {
	return &SourceProvider{stdin: os.Stdin, clipboard: clipboard.ReadAll, quiet: quiet}
}

// GetContent returns args joined by spaces when given, otherwise stdin if
// piped, otherwise the clipboard.
func (sp *SourceProvider) GetContent(args []string) (string, error) {
	if content := strings.TrimSpace(strings.Join(args, " ")); content != "" {
		return content, nil
	}

	if sp.isPiped() {
		sp.announce("--- Reading from stdin ---")
		content, err := io.ReadAll(sp.stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		return nonEmpty(string(content))
	}

	sp.announce("--- Reading from clipboard ---")
	content, err := sp.clipboard()
	if err != nil {
		return "", fmt.Errorf("failed to read from clipboard: %w", err)
	}
	return nonEmpty(content)
}

func (sp *SourceProvider) isPiped() bool {
	if sp.stdin == nil {
		return false
	}
	stat, err := sp.stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (sp *SourceProvider) announce(msg string) {
	if !sp.quiet {
		ui.Header("%s", msg)
	}
}

func nonEmpty(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmpty
	}
	return content, nil
}
