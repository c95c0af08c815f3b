// Package llmtest provides hand-rolled fake Completer and Embedder
// implementations for tests, in place of a mocking framework — following
// the teacher's own preference for small test doubles over generated
// mocks (see model/tools_test.go, engine/tool_call_test.go).
package llmtest

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/relaycore/whatsrelay/llm"
)

// FakeCompleter returns CompletionResult from a caller-supplied function,
// or a canned reply when Reply is set. Calls is incremented on every
// invocation so tests can assert retry counts.
type FakeCompleter struct {
	Reply   string
	Err     error
	Calls   int
	OnCall  func(messages []llm.ChatMessage) (llm.CompletionResult, error)
}

func (f *FakeCompleter) Complete(_ context.Context, _ string, messages []llm.ChatMessage, _ int, _ float32) (llm.CompletionResult, error) {
	f.Calls++
	if f.OnCall != nil {
		return f.OnCall(messages)
	}
	if f.Err != nil {
		return llm.CompletionResult{}, f.Err
	}
	return llm.CompletionResult{Content: f.Reply}, nil
}

func (f *FakeCompleter) CompleteVision(ctx context.Context, model string, messages []llm.ChatMessage, maxTokens int, temperature float32) (llm.CompletionResult, error) {
	return f.Complete(ctx, model, messages, maxTokens, temperature)
}

// FakeEmbedder returns a deterministic pseudo-embedding derived from a
// SHA-256 digest of the input text, so equal text always embeds to the
// same vector and different text embeds differently, without needing a
// real embedding model in tests.
type FakeEmbedder struct {
	Dim int
	Err error
}

func (f *FakeEmbedder) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	dim := f.Dim
	if dim == 0 {
		dim = 16
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)]) / 255.0
	}
	return vec, nil
}

// ErrForced is a convenience sentinel for tests that want a non-retryable
// failure without importing relayerr.
var ErrForced = errors.New("forced failure")
