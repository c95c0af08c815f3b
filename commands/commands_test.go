package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/whatsrelay/lifecycle"
	"github.com/relaycore/whatsrelay/llmtest"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/sessionstore"
)

func newTestHandler(t *testing.T, completer *llmtest.FakeCompleter) (*Handler, *sessionstore.Store) {
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

	handler := New(store, memory, mgr, Config{Reset: "/reset", Remember: "/remember", Sessions: "/sessions"})
	return handler, store
}

func TestIsCommandRecognisesRegisteredPrefixes(t *testing.T) {
	handler, _ := newTestHandler(t, &llmtest.FakeCompleter{Reply: "fact"})

	cases := map[string]bool{
		"/reset":             true,
		"/remember call mom": true,
		"/sessions":          true,
		"hello there":        false,
		"reset please":       false,
	}
	for text, want := range cases {
		assert.Equal(t, want, handler.IsCommand(text), "IsCommand(%q)", text)
	}
}

func TestHandleResetArchivesSession(t *testing.T) {
	handler, store := newTestHandler(t, &llmtest.FakeCompleter{Reply: "likes tea"})

	_, err := store.Append("chat-1", model.MessageRoleUser, "hi", model.RoleClient, nil)
	require.NoError(t, err)

	reply, err := handler.Dispatch(context.Background(), Request{ChatID: "chat-1", Role: model.RoleClient, ContentText: "/reset"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply, "expected a non-empty confirmation reply")

	_, ok := store.GetActive("chat-1")
	assert.False(t, ok, "expected session to be archived after /reset")
}

func TestHandleResetOnSummaryFailureLeavesSessionActive(t *testing.T) {
	handler, store := newTestHandler(t, &llmtest.FakeCompleter{Err: llmtest.ErrForced})

	_, err := store.Append("chat-1", model.MessageRoleUser, "hi", model.RoleClient, nil)
	require.NoError(t, err)

	reply, err := handler.Dispatch(context.Background(), Request{ChatID: "chat-1", Role: model.RoleClient, ContentText: "/reset"})
	require.NoError(t, err)
	assert.Equal(t, resetFailureMessage, reply, "expected the fixed generic failure reply regardless of the underlying error")

	_, ok := store.GetActive("chat-1")
	assert.True(t, ok, "session should remain active after a failed reset")
}

func TestHandleRememberStoresExplicitMemory(t *testing.T) {
	handler, _ := newTestHandler(t, &llmtest.FakeCompleter{})

	reply, err := handler.Dispatch(context.Background(), Request{ChatID: "chat-1", Role: model.RoleClient, ContentText: "/remember I prefer email"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply, "expected a confirmation reply")
}

func TestHandleSessionsRestrictedToPrivilegedRole(t *testing.T) {
	handler, store := newTestHandler(t, &llmtest.FakeCompleter{})
	_, err := store.Append("chat-1", model.MessageRoleUser, "hi", model.RoleGodfather, nil)
	require.NoError(t, err)

	reply, err := handler.Dispatch(context.Background(), Request{ChatID: "chat-1", Role: model.RoleClient, ContentText: "/sessions"})
	require.NoError(t, err)
	assert.Equal(t, "That command is not available to you.", reply)

	reply, err = handler.Dispatch(context.Background(), Request{ChatID: "chat-1", Role: model.RoleGodfather, ContentText: "/sessions"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply, "expected a session summary reply for the privileged role")
}
