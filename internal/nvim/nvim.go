package nvim

import (
	"context"
	"fmt"
	"os"

	"github.com/neovim/go-client/nvim"
	"go.uber.org/zap"

	"github.com/sokinpui/patchloop/internal/logging"
)

// Env names the variables that carry the address of a running Neovim.
var Env = []string{"NVIM_LISTEN_ADDRESS", "NVIM"}

type client interface {
	Command(cmd string) error
	Close() error
}

// Notifier asks a running Neovim to reload buffers whose files changed on
// disk.
type Notifier struct {
	addr   string
	dial   func(addr string) (client, error)
	logger *logging.Logger
}

// New creates a notifier for addr, or for the address found in the
// environment when addr is empty.
func New(addr string, logger *logging.Logger) *Notifier {
	if addr == "" {
		for _, name := range Env {
			if v := os.Getenv(name); v != "" {
				addr = v
				break
			}
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Notifier{
		addr:   addr,
		dial:   func(a string) (client, error) { return nvim.Dial(a) },
		logger: logger.Named("nvim"),
	}
}

// Enabled reports whether there is an instance to notify.
func (n *Notifier) Enabled() bool { return n.addr != "" }

// Reload runs :checktime in the connected instance so that buffers of changed
// files are reread. Without an instance it does nothing.
func (n *Notifier) Reload(ctx context.Context, files []string) error {
	if !n.Enabled() || len(files) == 0 {
		return nil
	}
	v, err := n.dial(n.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to nvim at %s: %w", n.addr, err)
	}
	defer v.Close()

	if err := v.Command("checktime"); err != nil {
		return fmt.Errorf("checktime failed: %w", err)
	}
	n.logger.Debug(ctx, "asked nvim to reload buffers", zap.Int("files", len(files)))
	return nil
}
