package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/whatsrelay/commands"
	"github.com/relaycore/whatsrelay/lifecycle"
	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/llmtest"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/sessionstore"
)

func newTestPipeline(t *testing.T, completer *llmtest.FakeCompleter) (*Pipeline, *sessionstore.Store, *ltm.Store) {
	t.Helper()
	root := t.TempDir()
	budgets := map[model.Role]uint{model.RoleClient: 4000, model.RoleGodfather: 100000}
	store, err := sessionstore.Open(filepath.Join(root, "active"), filepath.Join(root, "archive"), budgets, "gpt-4o")
	require.NoError(t, err)
	memory, err := ltm.Open(":memory:", &llmtest.FakeEmbedder{}, "fake-embed")
	require.NoError(t, err)
	t.Cleanup(func() { memory.Close() })

	mgr := lifecycle.NewManager(store, memory, completer, lifecycle.Config{
		CleanupInterval: time.Minute,
		IdleTimeout:     time.Hour,
		SummaryModel:    "gpt-4o-mini",
		MaxTokens:       200,
	})
	cmds := commands.New(store, memory, mgr, commands.Config{Reset: "/reset", Remember: "/remember", Sessions: "/sessions"})

	p := New(store, memory, completer, cmds, Config{
		CompletionModel: "gpt-4o",
		MaxTokens:       200,
		Temperature:     0.5,
		TopK:            5,
		MinSimilarity:   0.0,
		MemoryEnabled:   true,
		SystemPreamble:  "You are a helpful assistant.",
	})
	return p, store, memory
}

func TestHandleAppendsUserAndAssistantMessages(t *testing.T) {
	completer := &llmtest.FakeCompleter{Reply: "Hello yourself!"}
	p, store, _ := newTestPipeline(t, completer)

	reply := p.Handle(context.Background(), Inbound{ChatID: "chat-1", Role: model.RoleClient, ContentText: "hello"})
	assert.Equal(t, "Hello yourself!", reply)

	sess, ok := store.GetActive("chat-1")
	require.True(t, ok, "expected an active session after Handle")
	require.Len(t, sess.Messages, 2, "expected 2 messages (user + assistant)")
	assert.Equal(t, model.MessageRoleUser, sess.Messages[0].Role)
	assert.Equal(t, model.MessageRoleAssistant, sess.Messages[1].Role)
}

func TestHandleDispatchesCommandsWithoutPollutingSession(t *testing.T) {
	completer := &llmtest.FakeCompleter{Reply: "unused"}
	p, store, _ := newTestPipeline(t, completer)

	reply := p.Handle(context.Background(), Inbound{ChatID: "chat-1", Role: model.RoleClient, ContentText: "/remember I like tea"})
	assert.NotEmpty(t, reply, "expected a non-empty command reply")
	assert.Equal(t, 0, completer.Calls, "commands must not invoke the completer")

	_, ok := store.GetActive("chat-1")
	assert.False(t, ok, "commands must not create or mutate a session")
}

func TestHandleTruncatesLongReplies(t *testing.T) {
	longReply := strings.Repeat("a", outboundCharLimit+500)
	completer := &llmtest.FakeCompleter{Reply: longReply}
	p, _, _ := newTestPipeline(t, completer)

	reply := p.Handle(context.Background(), Inbound{ChatID: "chat-1", Role: model.RoleClient, ContentText: "tell me a long story"})
	runes := []rune(reply)
	assert.Len(t, runes, outboundCharLimit+len([]rune(truncationMarker)))
	assert.True(t, strings.HasSuffix(reply, truncationMarker), "expected truncated reply to end with the truncation marker")
}

func TestHandleIncludesRecalledMemoriesInPrompt(t *testing.T) {
	var sawMemoryPreamble bool
	completer := &llmtest.FakeCompleter{
		OnCall: func(messages []llm.ChatMessage) (llm.CompletionResult, error) {
			for _, m := range messages {
				if strings.HasPrefix(m.Content, "Relevant memories:") {
					sawMemoryPreamble = true
				}
			}
			return llm.CompletionResult{Content: "ok"}, nil
		},
	}
	p, _, memory := newTestPipeline(t, completer)

	_, err := memory.Store(context.Background(), "the user prefers dark roast coffee", map[string]string{
		"owner": "chat-1", "scope": "chat", "source": "explicit",
	})
	require.NoError(t, err)

	p.Handle(context.Background(), Inbound{ChatID: "chat-1", Role: model.RoleClient, ContentText: "what do I like to drink?"})
	assert.True(t, sawMemoryPreamble, "expected the assembled prompt to include a recalled-memories preamble")
}

func TestHandleSurvivesCompletionFailure(t *testing.T) {
	completer := &llmtest.FakeCompleter{Err: llmtest.ErrForced}
	p, _, _ := newTestPipeline(t, completer)

	reply := p.Handle(context.Background(), Inbound{ChatID: "chat-1", Role: model.RoleClient, ContentText: "hello"})
	assert.NotEmpty(t, reply, "expected a friendly error reply on completion failure")
}
