package nvim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	commands []string
	closed   bool
	err      error
}

func (c *fakeClient) Command(cmd string) error {
	c.commands = append(c.commands, cmd)
	return c.err
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func newTestNotifier(addr string, c *fakeClient, dialErr error) *Notifier {
	n := New(addr, nil)
	n.dial = func(string) (client, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return c, nil
	}
	return n
}

func TestReloadRunsChecktime(t *testing.T) {
	c := &fakeClient{}
	n := newTestNotifier("/tmp/nvim.sock", c, nil)

	require.NoError(t, n.Reload(context.Background(), []string{"a.go"}))
	assert.Equal(t, []string{"checktime"}, c.commands)
	assert.True(t, c.closed)
}

func TestReloadWithoutInstance(t *testing.T) {
	for _, name := range Env {
		t.Setenv(name, "")
	}
	c := &fakeClient{}
	n := newTestNotifier("", c, nil)

	assert.False(t, n.Enabled())
	require.NoError(t, n.Reload(context.Background(), []string{"a.go"}))
	assert.Empty(t, c.commands)
}

func TestReloadErrors(t *testing.T) {
	n := newTestNotifier("/tmp/nvim.sock", nil, errors.New("refused"))
	assert.Error(t, n.Reload(context.Background(), []string{"a.go"}))

	c := &fakeClient{err: errors.New("E492")}
	n = newTestNotifier("/tmp/nvim.sock", c, nil)
	assert.Error(t, n.Reload(context.Background(), []string{"a.go"}))
	assert.True(t, c.closed)
}

func TestNewReadsEnvironment(t *testing.T) {
	t.Setenv("NVIM_LISTEN_ADDRESS", "")
	t.Setenv("NVIM", "/run/nvim.sock")

	assert.True(t, New("", nil).Enabled())
}
