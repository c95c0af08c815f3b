// Package commands implements the Command Handlers (spec §4.6): literal
// prefix-recognised directives that bypass the Request Pipeline's normal
// ingest/recall/completion flow. Grounded on the teacher's
// SessionHandler's direct, synchronous store mutations
// (UpdateSessionMetadata, GetSessionsPrompt) rather than going through the
// Completer.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaycore/whatsrelay/lifecycle"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
	"github.com/relaycore/whatsrelay/sessionstore"
)

// Config names the literal command strings recognised at the start of a
// message (spec §6 commands.*; case-sensitive per spec §4.6).
type Config struct {
	Reset    string // default "/reset"
	Remember string // default "/remember"
	Sessions string // default "/sessions"
}

// Request is one command invocation, already stripped of routing concerns.
type Request struct {
	ChatID      model.ChatID
	Role        model.Role
	ContentText string
}

// Handler dispatches recognised commands. It never consults the LTM for
// recall and never writes the raw command text into a session's history
// (spec §4.6: "commands... never write user messages that would pollute
// future summarisation").
type Handler struct {
	store     *sessionstore.Store
	memory    *ltm.Store
	lifecycle *lifecycle.Manager
	config    Config
}

// New builds a command Handler.
func New(store *sessionstore.Store, memory *ltm.Store, lifecycleMgr *lifecycle.Manager, config Config) *Handler {
	return &Handler{store: store, memory: memory, lifecycle: lifecycleMgr, config: config}
}

// IsCommand reports whether text begins with one of the registered
// command prefixes.
func (h *Handler) IsCommand(text string) bool {
	return strings.HasPrefix(text, h.config.Reset) ||
		strings.HasPrefix(text, h.config.Remember) ||
		strings.HasPrefix(text, h.config.Sessions)
}

// Dispatch routes a recognised command to its handler and returns the
// reply string.
func (h *Handler) Dispatch(ctx context.Context, req Request) (string, error) {
	switch {
	case strings.HasPrefix(req.ContentText, h.config.Reset):
		return h.handleReset(ctx, req)
	case strings.HasPrefix(req.ContentText, h.config.Remember):
		return h.handleRemember(ctx, req)
	case strings.HasPrefix(req.ContentText, h.config.Sessions):
		return h.handleSessions(req)
	default:
		return "", fmt.Errorf("commands: %q is not a registered command", req.ContentText)
	}
}

// resetFailureMessage is the fixed reply on any /reset failure (spec
// §4.6: "returns the friendly 'something went wrong' string"), regardless
// of which underlying error caused the transfer to fail.
const resetFailureMessage = "Something went wrong. Please try again."

// handleReset drives the Lifecycle Manager's transfer for the current
// session synchronously (spec §4.6).
func (h *Handler) handleReset(ctx context.Context, req Request) (string, error) {
	if err := h.lifecycle.Transfer(ctx, req.ChatID); err != nil {
		return resetFailureMessage, nil
	}
	return "Your session has been reset. I won't remember the last conversation, though I may recall durable facts about you.", nil
}

// handleRemember stores an explicit durable fact for the current chat
// (supplemented feature, SPEC_FULL §6).
func (h *Handler) handleRemember(ctx context.Context, req Request) (string, error) {
	text := strings.TrimSpace(strings.TrimPrefix(req.ContentText, h.config.Remember))
	if text == "" {
		return "Tell me what to remember, e.g. \"/remember I prefer email over calls\".", nil
	}

	_, err := h.memory.Store(ctx, text, map[string]string{
		"owner":  string(req.ChatID),
		"scope":  string(model.ScopeChat),
		"source": string(model.SourceExplicit),
	})
	if err != nil {
		return relayerr.UserMessage(err), nil
	}
	return "Got it, I'll remember that.", nil
}

// handleSessions reports the active session's size and age, restricted
// to the privileged role (supplemented feature, SPEC_FULL §6).
func (h *Handler) handleSessions(req Request) (string, error) {
	if req.Role != model.RoleGodfather {
		return "That command is not available to you.", nil
	}

	sess, ok := h.store.GetActive(req.ChatID)
	if !ok {
		return "No active session for this chat.", nil
	}

	age := time.Since(sess.CreatedAt).Round(time.Second)
	return fmt.Sprintf("Session %s: %d messages, %d tokens, active for %s.",
		sess.SessionID, len(sess.Messages), sess.TotalTokens(), age), nil
}
