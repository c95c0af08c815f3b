// Package pipeline implements the Request Pipeline (spec §4.5): the
// sequential handling of one inbound message from command-check through
// memory recall, prompt assembly, completion, and outbound truncation.
// The correlation-id-scoped logging and per-chat lock discipline follow
// the teacher's engine.core_handler request flow.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relaycore/whatsrelay/commands"
	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
	"github.com/relaycore/whatsrelay/rlog"
	"github.com/relaycore/whatsrelay/sessionstore"
)

// outboundCharLimit is the single-message protocol constraint (spec §4.5
// step 8).
const outboundCharLimit = 4000

// truncationMarker is appended when a reply is cut to outboundCharLimit.
const truncationMarker = "…"

// Config carries the per-turn tunables sourced from configuration (spec §6).
type Config struct {
	CompletionModel   string
	MaxTokens         int
	Temperature       float32
	TopK              int
	MinSimilarity     float64
	MemoryEnabled     bool
	GlobalOwnerChatID model.ChatID
	SystemPreamble    string
}

// Inbound is one message handed to the pipeline by the transport adapter
// (spec §4.5 Inputs).
type Inbound struct {
	ChatID      model.ChatID
	SenderID    string
	Role        model.Role
	ContentText string
	Document    *model.DocumentArtifact
	MessageID   string // correlation id; generated if empty
}

// Pipeline wires together every component a single inbound message touches.
type Pipeline struct {
	store     *sessionstore.Store
	memory    *ltm.Store
	completer llm.Completer
	commands  *commands.Handler
	config    Config
}

// New builds a Pipeline over the given components.
func New(store *sessionstore.Store, memory *ltm.Store, completer llm.Completer, cmds *commands.Handler, config Config) *Pipeline {
	return &Pipeline{
		store:     store,
		memory:    memory,
		completer: completer,
		commands:  cmds,
		config:    config,
	}
}

// Handle runs the full pipeline for one inbound message and returns the
// reply string (spec §4.5). It never panics outward: a caller-facing
// recover turns any unexpected failure into the generic friendly error.
func (p *Pipeline) Handle(ctx context.Context, in Inbound) (reply string) {
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}
	log := rlog.Log.WithCorrelation(in.MessageID)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pipeline: recovered from panic: %v", r)
			reply = relayerr.UserMessage(fmt.Errorf("panic: %v", r))
		}
	}()

	// Step 1: command check.
	if p.commands.IsCommand(in.ContentText) {
		out, err := p.commands.Dispatch(ctx, commands.Request{
			ChatID:      in.ChatID,
			Role:        in.Role,
			ContentText: in.ContentText,
		})
		if err != nil {
			log.Errorf("pipeline: command dispatch failed: %v", err)
			return relayerr.UserMessage(err)
		}
		return out
	}

	userText := in.ContentText
	if in.Document != nil && in.Document.ExtractedText != "" {
		userText = strings.TrimSpace(in.ContentText + "\n\n" + in.Document.ExtractedText)
	}

	// Step 2: user message ingest.
	if p.config.MemoryEnabled {
		if _, err := p.store.Append(in.ChatID, model.MessageRoleUser, userText, in.Role, documentMetadata(in.Document)); err != nil {
			log.Errorf("pipeline: session append (user) failed: %v", err)
			return relayerr.UserMessage(err)
		}
	}

	// Step 3: history retrieval.
	var history []model.Message
	if p.config.MemoryEnabled {
		history = p.store.History(in.ChatID, in.Role)
	}

	// Step 4: memory recall.
	var recalled []model.ScoredMemory
	if p.config.MemoryEnabled {
		recalled = p.recall(ctx, in, log)
	}

	// Step 5: prompt assembly.
	messages := p.assemblePrompt(history, recalled, userText)

	// Step 6: completion, with retry policy owned by llm.Completer itself.
	result, err := p.completer.Complete(ctx, p.config.CompletionModel, messages, p.config.MaxTokens, p.config.Temperature)
	if err != nil {
		log.Errorf("pipeline: completion failed: %v", err)
		return relayerr.UserMessage(err)
	}
	replyText := result.Content

	// Step 7: assistant ingest.
	if p.config.MemoryEnabled {
		if _, err := p.store.Append(in.ChatID, model.MessageRoleAssistant, replyText, in.Role, nil); err != nil {
			log.Errorf("pipeline: session append (assistant) failed: %v", err)
			// The reply was already generated; surface it rather than
			// discard it, per spec §7 (persistence failures surface to
			// the pipeline, but the user still receives a response when
			// one was already produced for step 6).
		}
	}

	// Step 8: outbound truncation.
	return truncate(replyText)
}

func (p *Pipeline) recall(ctx context.Context, in Inbound, log *rlog.Logger) []model.ScoredMemory {
	owned, err := p.memory.Recall(ctx, in.ContentText, ltm.RecallFilter{Owner: string(in.ChatID)}, p.config.TopK, p.config.MinSimilarity)
	if err != nil {
		log.Debugf("pipeline: memory recall failed, proceeding without memories: %v", err)
		return nil
	}

	if in.Role != model.RoleGodfather || p.config.GlobalOwnerChatID == "" {
		return owned
	}

	global, err := p.memory.Recall(ctx, in.ContentText, ltm.RecallFilter{Owner: string(p.config.GlobalOwnerChatID), Scope: string(model.ScopeGlobal)}, p.config.TopK, p.config.MinSimilarity)
	if err != nil {
		log.Debugf("pipeline: global memory recall failed: %v", err)
		return owned
	}
	return append(owned, global...)
}

func (p *Pipeline) assemblePrompt(history []model.Message, recalled []model.ScoredMemory, userText string) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history)+3)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: p.config.SystemPreamble})

	if len(recalled) > 0 {
		var b strings.Builder
		b.WriteString("Relevant memories:\n")
		for _, m := range recalled {
			fmt.Fprintf(&b, "- %s\n", m.Record.Text)
		}
		messages = append(messages, llm.ChatMessage{Role: "system", Content: strings.TrimRight(b.String(), "\n")})
	}

	for _, msg := range history {
		messages = append(messages, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	messages = append(messages, llm.ChatMessage{Role: "user", Content: userText})
	return messages
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= outboundCharLimit {
		return text
	}
	return string(runes[:outboundCharLimit]) + truncationMarker
}

func documentMetadata(doc *model.DocumentArtifact) map[string]string {
	if doc == nil {
		return nil
	}
	meta := map[string]string{
		"document_type": string(doc.DocumentType),
		"quality":       string(doc.Quality),
	}
	for k, v := range doc.MetadataFields {
		meta[k] = v
	}
	return meta
}
