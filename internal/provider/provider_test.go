package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/patchloop/internal/config"
	"github.com/sokinpui/patchloop/internal/sandbox"
)

const replyDiff = "--- a/x.txt\n+++ b/x.txt\n@@ -1 +1 @@\n-a\n+b\n"

func TestOpenAIExtractsFencedDiff(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": "Here you go:\n\n```diff\n" + replyDiff + "```\n",
				},
			}},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAI(config.Provider{Model: "test-model", BaseURL: srv.URL, MaxTokens: 100}, nil)
	require.NoError(t, err)

	diff, err := p.GenerateDiff(context.Background(), "swap a for b", "Files: x.txt")
	require.NoError(t, err)
	assert.Equal(t, replyDiff, diff)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "Task: swap a for b\n\nFiles: x.txt\n", got.Messages[1].Content)
}

func TestOpenAIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewOpenAI(config.Provider{Model: "m", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = p.GenerateDiff(context.Background(), "x", "")
	assert.Error(t, err)
}

func TestOpenAIRequiresKeyForDefaultEndpoint(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	_, err := NewOpenAI(config.Provider{Model: "m"}, nil)
	assert.Error(t, err)
}

type stubRunner struct {
	res sandbox.Result
	got sandbox.Command
}

func (s *stubRunner) Run(_ context.Context, cmd sandbox.Command) sandbox.Result {
	s.got = cmd
	return s.res
}

func TestCommandProvider(t *testing.T) {
	r := &stubRunner{res: sandbox.Result{Stdout: replyDiff}}
	p, err := NewCommand([]string{"llm", "--diff"}, r, "/repo", nil)
	require.NoError(t, err)

	diff, err := p.GenerateDiff(context.Background(), "swap", "")
	require.NoError(t, err)
	assert.Equal(t, replyDiff, diff)
	assert.Equal(t, []string{"llm", "--diff"}, r.got.Argv)
	assert.Equal(t, "/repo", r.got.Dir)
	assert.Equal(t, "Task: swap\n", r.got.Stdin)
}

func TestCommandProviderFailures(t *testing.T) {
	tests := []struct {
		name string
		res  sandbox.Result
	}{
		{"not found", sandbox.Result{NotFound: true, ExitCode: -1}},
		{"timed out", sandbox.Result{TimedOut: true, ExitCode: -1}},
		{"non-zero exit", sandbox.Result{ExitCode: 2, Stderr: "bad"}},
		{"empty reply", sandbox.Result{Stdout: "  \n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewCommand([]string{"llm"}, &stubRunner{res: tt.res}, "", nil)
			require.NoError(t, err)
			_, err = p.GenerateDiff(context.Background(), "x", "")
			assert.Error(t, err)
		})
	}
}

func TestNewSelectsKind(t *testing.T) {
	p, err := New(config.Provider{Kind: config.ProviderCommand, Command: []string{"cat"}}, &stubRunner{}, "", nil)
	require.NoError(t, err)
	assert.IsType(t, &Command{}, p)

	_, err = New(config.Provider{Kind: "carrier-pigeon"}, nil, "", nil)
	assert.Error(t, err)
}
