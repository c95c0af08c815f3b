// Package transport defines the inbound/outbound messaging adapter
// boundary the Request Pipeline is a collaborator of (spec §6), plus a
// minimal polling-provider stub standing in for a real messaging
// platform integration (out of scope per spec §1 Non-goals).
package transport

import (
	"context"

	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/pipeline"
	"github.com/relaycore/whatsrelay/rlog"
)

// Sender delivers an outbound reply to a chat. Implementations decouple
// reply delivery from the handler's return value when the underlying
// platform requires it (spec §6).
type Sender interface {
	Send(ctx context.Context, chatID model.ChatID, text string) error
}

// SenderFunc adapts a plain function into a Sender.
type SenderFunc func(ctx context.Context, chatID model.ChatID, text string) error

func (f SenderFunc) Send(ctx context.Context, chatID model.ChatID, text string) error {
	return f(ctx, chatID, text)
}

// Source yields inbound messages for the PollingAdapter to drain. A real
// integration would poll (or receive a webhook push from) the messaging
// platform; this package only defines the shape and a Sender-backed
// relay loop, leaving platform specifics as a collaborator the process
// entrypoint wires in (spec §1 Non-goals: no concrete platform client).
type Source interface {
	// Poll blocks until at least one inbound message is available, or ctx
	// is cancelled.
	Poll(ctx context.Context) ([]pipeline.Inbound, error)
}

// PollingAdapter drains a Source in a loop, handing each message to the
// Pipeline and delivering the reply through Sender.
type PollingAdapter struct {
	source   Source
	sender   Sender
	pipeline *pipeline.Pipeline
}

// NewPollingAdapter builds a PollingAdapter over the given collaborators.
func NewPollingAdapter(source Source, sender Sender, p *pipeline.Pipeline) *PollingAdapter {
	return &PollingAdapter{source: source, sender: sender, pipeline: p}
}

// Run polls for inbound messages until ctx is cancelled, processing each
// one through the Pipeline and delivering the reply.
func (a *PollingAdapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := a.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rlog.Log.Warnf("transport: poll failed: %v", err)
			continue
		}

		for _, in := range messages {
			reply := a.pipeline.Handle(ctx, in)
			if err := a.sender.Send(ctx, in.ChatID, reply); err != nil {
				rlog.Log.Errorf("transport: send failed for chat %s: %v", rlog.MaskPhone(string(in.ChatID)), err)
			}
		}
	}
}
