// Package lifecycle implements the Lifecycle Manager (spec §4.4): a
// periodic worker that converts idle Sessions into Memory Records and
// archives them. The ticker/stopChan/sleepWithCancel shape follows the
// teacher's engine.SessionScheduler; the per-chat try-lock discipline
// avoids the head-of-line blocking the teacher's own
// summarizeSession(session.SessionID) global lock could suffer from
// under concurrent chats.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/rlog"
	"github.com/relaycore/whatsrelay/sessionstore"
)

// SummaryPrompt is the fixed instruction sent to the Completer when
// converting a session's history into durable facts (spec §4.4).
const SummaryPrompt = "Summarise the following exchange as a list of durable facts and preferences about the user, one per line"

// Config holds the tunables of the Lifecycle Manager.
type Config struct {
	CleanupInterval time.Duration // default ~15 minutes
	IdleTimeout     time.Duration // default 24h
	SummaryModel    string
	MaxTokens       int
	// GlobalOwnerChatID, when set, is the metadata owner stamped on
	// memories transferred from a privileged-role session (spec §4.4:
	// "owner: chat_id or global_owner_for_privileged_role").
	GlobalOwnerChatID model.ChatID
}

// Manager runs the idle-session-to-memory transfer on a schedule.
type Manager struct {
	store     *sessionstore.Store
	memory    *ltm.Store
	completer llm.Completer
	config    Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewManager builds a Manager over the given Session Store, Long-Term
// Memory Store, and Completer.
func NewManager(store *sessionstore.Store, memory *ltm.Store, completer llm.Completer, config Config) *Manager {
	return &Manager{
		store:     store,
		memory:    memory,
		completer: completer,
		config:    config,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the periodic ticker loop in a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		rlog.Log.Warnf("lifecycle: manager already running")
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	rlog.Log.Infof("lifecycle: starting manager | cleanup_interval=%v idle_timeout=%v", m.config.CleanupInterval, m.config.IdleTimeout)
	go m.run(ctx)
}

// Stop halts the ticker loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopChan)
	m.running = false
}

func (m *Manager) isStopping() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-m.stopChan:
			rlog.Log.Infof("lifecycle: manager stopped")
			return
		case <-ctx.Done():
			rlog.Log.Infof("lifecycle: manager stopped (context cancelled)")
			return
		}
	}
}

// Tick reads every active ChatID's last_active_at and transfers the ones
// idle past IdleTimeout (spec §4.4's periodic worker).
func (m *Manager) Tick(ctx context.Context) {
	for _, chatID := range m.store.ActiveChats() {
		if !m.store.IsExpired(chatID, m.config.IdleTimeout) {
			continue
		}
		if err := m.Transfer(ctx, chatID); err != nil {
			rlog.Log.Warnf("lifecycle: transfer failed for chat %s: %v", rlog.MaskPhone(string(chatID)), err)
		}
	}
}

// RecoverOrphans runs the transfer sequence for every session already
// idle past IdleTimeout at process start, before the Pipeline accepts new
// traffic (spec §4.3 startup_scan / §4.4 orphan recovery). It blocks until
// every orphan has been attempted once.
func (m *Manager) RecoverOrphans(ctx context.Context) int {
	orphans := m.store.StartupScan(m.config.IdleTimeout)
	for _, orphan := range orphans {
		if err := m.Transfer(ctx, orphan.ChatID); err != nil {
			rlog.Log.Warnf("lifecycle: orphan recovery failed for chat %s: %v", rlog.MaskPhone(string(orphan.ChatID)), err)
		}
	}
	return len(orphans)
}

// Transfer runs the summarise → store → archive sequence for chatID's
// active session, independent of idle timeout (used by the `/reset`
// command and by orphan recovery). It is a no-op if another operation
// already holds the chat's lock or if there is no active session.
func (m *Manager) Transfer(ctx context.Context, chatID model.ChatID) error {
	unlock, ok := m.store.TryLock(chatID)
	if !ok {
		rlog.Log.Debugf("lifecycle: chat %s busy, skipping this tick", rlog.MaskPhone(string(chatID)))
		return nil
	}
	defer unlock()

	sess, ok := m.store.GetActive(chatID)
	if !ok {
		return nil
	}
	if len(sess.Messages) == 0 {
		return m.store.MarkArchived(chatID)
	}

	summary, err := m.summarise(ctx, sess)
	if err != nil {
		rlog.Log.Warnf("lifecycle: summarisation failed for chat %s, leaving active: %v", rlog.MaskPhone(string(chatID)), err)
		return fmt.Errorf("lifecycle: summarisation failed for chat %s: %w", rlog.MaskPhone(string(chatID)), err)
	}

	owner := string(chatID)
	if m.config.GlobalOwnerChatID != "" && sess.UserRole == model.RoleGodfather {
		owner = string(m.config.GlobalOwnerChatID)
	}

	for _, line := range splitNonEmptyLines(summary) {
		_, err := m.memory.Store(ctx, line, map[string]string{
			"owner":  owner,
			"scope":  "chat",
			"source": string(model.SourceSessionTransfer),
		})
		if err != nil {
			return fmt.Errorf("lifecycle: memory store aborted for chat %s: %w", rlog.MaskPhone(string(chatID)), err)
		}
	}

	if err := m.store.MarkArchived(chatID); err != nil {
		return fmt.Errorf("lifecycle: archive failed for chat %s: %w", rlog.MaskPhone(string(chatID)), err)
	}

	rlog.Log.Infof("lifecycle: archived session %s for chat %s (%d memories written)", sess.SessionID, rlog.MaskPhone(string(chatID)), len(splitNonEmptyLines(summary)))
	return nil
}

func (m *Manager) summarise(ctx context.Context, sess *model.Session) (string, error) {
	messages := []llm.ChatMessage{
		{Role: "system", Content: SummaryPrompt},
		{Role: "user", Content: formatHistory(sess.Messages)},
	}
	result, err := m.completer.Complete(ctx, m.config.SummaryModel, messages, m.config.MaxTokens, 0.2)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func formatHistory(messages []model.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

func splitNonEmptyLines(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
