package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/whatsrelay/relayerr"
)

func TestClassifyCompletionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, relayerr.ErrRateLimited},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, relayerr.ErrCompleterTransient},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, relayerr.ErrCompleterPermanent},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, relayerr.ErrCompleterPermanent},
		{"network error", errors.New("connection reset"), relayerr.ErrCompleterTransient},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyCompletionError(c.err)
			assert.ErrorIs(t, got, c.want)
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(relayerr.ErrCompleterTransient), "ErrCompleterTransient should be transient")
	assert.False(t, isTransient(relayerr.ErrCompleterPermanent), "ErrCompleterPermanent should not be transient")
	assert.False(t, isTransient(relayerr.ErrRateLimited), "ErrRateLimited should not be transient")
}

func TestCallWithRetryRetriesOnceOnTransient(t *testing.T) {
	attempts := 0
	_, err := callWithRetry(context.Background(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", relayerr.ErrCompleterTransient
		}
		return "ok", nil
	})
	require.NoError(t, err, "expected success on second attempt")
	assert.Equal(t, 2, attempts)
}

func TestCallWithRetryNoRetryOnPermanent(t *testing.T) {
	attempts := 0
	_, err := callWithRetry(context.Background(), func(ctx context.Context) (string, error) {
		attempts++
		return "", relayerr.ErrCompleterPermanent
	})
	require.ErrorIs(t, err, relayerr.ErrCompleterPermanent)
	assert.Equal(t, 1, attempts, "expected exactly 1 attempt")
}
