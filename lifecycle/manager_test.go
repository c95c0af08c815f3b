package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/llmtest"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/sessionstore"
)

func newTestManager(t *testing.T, completer *llmtest.FakeCompleter) (*Manager, *sessionstore.Store) {
	t.Helper()
	root := t.TempDir()
	budgets := map[model.Role]uint{model.RoleClient: 4000, model.RoleGodfather: 100000}
	store, err := sessionstore.Open(filepath.Join(root, "active"), filepath.Join(root, "archive"), budgets, "gpt-4o")
	require.NoError(t, err)
	memory, err := ltm.Open(":memory:", &llmtest.FakeEmbedder{}, "fake-embed")
	require.NoError(t, err)
	t.Cleanup(func() { memory.Close() })

	manager := NewManager(store, memory, completer, Config{
		CleanupInterval: time.Minute,
		IdleTimeout:     time.Hour,
		SummaryModel:    "gpt-4o-mini",
		MaxTokens:       200,
	})
	return manager, store
}

func TestTransferArchivesIdleSession(t *testing.T) {
	completer := &llmtest.FakeCompleter{Reply: "User likes dark roast coffee.\nUser's name is Alex."}
	manager, store := newTestManager(t, completer)

	_, err := store.Append("chat-1", model.MessageRoleUser, "I like dark roast coffee, my name is Alex", model.RoleClient, nil)
	require.NoError(t, err)

	require.NoError(t, manager.Transfer(context.Background(), "chat-1"))

	_, ok := store.GetActive("chat-1")
	assert.False(t, ok, "expected session to be archived, but it is still active")
	assert.Equal(t, 1, completer.Calls, "expected exactly 1 completion call")
}

func TestTransferLeavesSessionActiveOnSummaryFailure(t *testing.T) {
	completer := &llmtest.FakeCompleter{Err: llmtest.ErrForced}
	manager, store := newTestManager(t, completer)

	_, err := store.Append("chat-1", model.MessageRoleUser, "hello", model.RoleClient, nil)
	require.NoError(t, err)

	err = manager.Transfer(context.Background(), "chat-1")
	assert.Error(t, err, "Transfer() should report an error when summarisation fails")

	_, ok := store.GetActive("chat-1")
	assert.True(t, ok, "session should remain active when summarisation fails")
}

func TestTransferOnUnknownChatIsNoOp(t *testing.T) {
	completer := &llmtest.FakeCompleter{Reply: "unused"}
	manager, store := newTestManager(t, completer)

	unlock, ok := store.TryLock("chat-1")
	if ok {
		unlock()
	}

	// No messages were ever appended, so there is no active session at all;
	// Transfer must be a no-op rather than erroring.
	require.NoError(t, manager.Transfer(context.Background(), "chat-1"), "Transfer() on unknown chat should be a no-op")
	assert.Equal(t, 0, completer.Calls, "expected no completion call for a chat with no session")
}

func TestSplitNonEmptyLines(t *testing.T) {
	got := splitNonEmptyLines("- fact one\n\n- fact two\n   \nfact three")
	want := []string{"fact one", "fact two", "fact three"}
	assert.Equal(t, want, got)
}

var _ llm.Completer = (*llmtest.FakeCompleter)(nil)
