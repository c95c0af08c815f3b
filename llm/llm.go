// Package llm defines the Completer and Embedder adapters the rest of the
// relay depends on, and a go-openai-backed implementation of both. The
// interface shape and its function-adapter follow the teacher's
// llm-interface.Provider / ProviderFunc pattern; the retry/backoff
// behaviour follows the teacher's engine.backupChain cooldown idiom,
// simplified to the single-retry policy of spec §7.
package llm

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaycore/whatsrelay/relayerr"
	"github.com/relaycore/whatsrelay/rlog"
)

// CallTimeout bounds every outbound Completer/Embedder call (spec §7).
const CallTimeout = 30 * time.Second

// ChatMessage is a provider-agnostic chat turn.
type ChatMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
	// ImageURL, when non-empty, attaches an image part to the message for
	// vision-capable completion calls.
	ImageURL string
}

// Usage reports token accounting for one completion call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResult is the outcome of a successful Complete/CompleteVision
// call.
type CompletionResult struct {
	Content string
	Usage   Usage
}

// Completer turns a message list into a reply (spec §2 Component Table).
type Completer interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error)
	CompleteVision(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error)
}

// CompleterFunc adapts a plain function into a Completer for text-only
// completion; vision calls fall through to the same function. Mirrors the
// teacher's llminterface.ProviderFunc convenience wrapper.
type CompleterFunc func(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error)

func (f CompleterFunc) Complete(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error) {
	return f(ctx, model, messages, maxTokens, temperature)
}

func (f CompleterFunc) CompleteVision(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error) {
	return f(ctx, model, messages, maxTokens, temperature)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// EmbedderFunc adapts a plain function into an Embedder.
type EmbedderFunc func(ctx context.Context, model string, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return f(ctx, model, text)
}

// OpenAIClient implements Completer and Embedder against the OpenAI API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds an OpenAIClient from an API key, following the
// teacher's openai.DefaultConfig + openai.NewClientWithConfig wiring.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: m.Role}
		if m.ImageURL == "" {
			msg.Content = m.Content
		} else {
			parts := []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: m.Content},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: m.ImageURL,
					},
				},
			}
			msg.MultiContent = parts
		}
		out = append(out, msg)
	}
	return out
}

// Complete issues one chat completion call with the retry policy of spec
// §7: one retry on a transient (timeout/5xx) failure, none on 4xx/429.
func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error) {
	return callWithRetry(ctx, func(ctx context.Context) (CompletionResult, error) {
		return c.complete(ctx, model, messages, maxTokens, temperature)
	})
}

// CompleteVision is identical to Complete; the vision capability is
// selected entirely by whether a message carries an ImageURL.
func (c *OpenAIClient) CompleteVision(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error) {
	return c.Complete(ctx, model, messages, maxTokens, temperature)
}

func (c *OpenAIClient) complete(ctx context.Context, model string, messages []ChatMessage, maxTokens int, temperature float32) (CompletionResult, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return CompletionResult{}, classifyCompletionError(err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResult{}, relayerr.ErrCompleterTransient
	}
	return CompletionResult{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// errEmbedTransient marks an embedding failure as worth one retry; it is
// never returned to callers, only classified internally by callWithRetry.
var errEmbedTransient = errors.New("embed transient failure")

// Embed issues one embeddings call with the same retry policy. A
// non-retryable or exhausted-retry failure surfaces as
// relayerr.ErrEmbedderUnavailable (spec §4.2).
func (c *OpenAIClient) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	result, err := callWithRetry(ctx, func(ctx context.Context) ([]float32, error) {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(model),
			Input: []string{text},
		})
		if err != nil {
			return nil, classifyEmbeddingError(err)
		}
		if len(resp.Data) == 0 {
			return nil, errEmbedTransient
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		return nil, relayerr.ErrEmbedderUnavailable
	}
	return result, nil
}

// classifyCompletionError maps a go-openai error into a relayerr sentinel,
// following the status-code inspection the teacher applies when logging
// backup-chain failures.
func classifyCompletionError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return relayerr.ErrRateLimited
		case apiErr.HTTPStatusCode >= 500:
			return relayerr.ErrCompleterTransient
		case apiErr.HTTPStatusCode >= 400:
			return relayerr.ErrCompleterPermanent
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return relayerr.ErrCompleterTransient
	}
	return relayerr.ErrCompleterTransient
}

func classifyEmbeddingError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			return errEmbedTransient
		}
		return relayerr.ErrEmbedderUnavailable
	}
	return errEmbedTransient
}

// isTransient reports whether err should be retried once.
func isTransient(err error) bool {
	return errors.Is(err, relayerr.ErrCompleterTransient) || errors.Is(err, errEmbedTransient)
}

// callWithRetry runs op, retrying exactly once, after a one-second pause,
// when the first attempt returns a transient error, each attempt bounded
// by CallTimeout.
func callWithRetry[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	const retryDelay = time.Second
	var zero T

	attemptCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	result, err := op(attemptCtx)
	cancel()
	if err == nil {
		return result, nil
	}
	if !isTransient(err) {
		return zero, err
	}

	rlog.Log.Warnf("llm: transient error on first attempt, retrying once: %v", err)

	select {
	case <-ctx.Done():
		return zero, err
	case <-time.After(retryDelay):
	}

	attemptCtx, cancel = context.WithTimeout(ctx, CallTimeout)
	result, err = op(attemptCtx)
	cancel()
	return result, err
}
