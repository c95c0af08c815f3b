package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountKnownModel(t *testing.T) {
	text := "Hello, world! This is a test."
	got := Count(text, "gpt-4o")
	assert.NotZero(t, got, "expected non-zero token count")
	want := ceilUint(float64(len(text)) / 4.0)
	assert.Equal(t, want, got)
}

func TestCountFallbackModel(t *testing.T) {
	text := "unrecognised model text, with punctuation!"
	got := Count(text, "some-unknown-model")
	assert.NotZero(t, got, "expected non-zero token count for fallback path")
	assert.GreaterOrEqual(t, got, wordCount(text), "fallback count should be at least the word count")
}

func TestCountEmptyString(t *testing.T) {
	assert.Zero(t, Count("", "gpt-4o"))
}

func TestCountMonotonic(t *testing.T) {
	short := Count("hello", "gpt-4o")
	long := Count("hello hello hello hello hello", "gpt-4o")
	assert.Greater(t, long, short, "expected longer text to have a larger token count")
}

func TestWordCount(t *testing.T) {
	cases := []struct {
		text string
		want uint
	}{
		{"", 0},
		{"hello", 1},
		{"hello world", 2},
		{"hello, world!", 4}, // "hello" "," "world" "!"
	}
	for _, c := range cases {
		assert.Equal(t, c.want, wordCount(c.text), "wordCount(%q)", c.text)
	}
}
