// Package tokencount estimates the token cost of a text blob for a given
// completion model (spec §4.1). No tokenizer library appears anywhere in
// the example pack (see DESIGN.md), so estimation is built on a
// word/punctuation split in the style of the pack's own rough counters,
// layered under a per-model bytes-per-token table.
package tokencount

import (
	"unicode"

	"github.com/relaycore/whatsrelay/rlog"
)

// bytesPerToken holds the encoding-table tier: an approximate average
// bytes-per-token ratio observed for each model family. Models absent
// from this table fall through to the conservative heuristic.
var bytesPerToken = map[string]float64{
	"gpt-4o":          4.0,
	"gpt-4o-mini":     4.0,
	"gpt-4-turbo":     3.8,
	"gpt-4":           3.8,
	"gpt-3.5-turbo":   4.0,
	"text-embedding-3-small": 4.0,
	"text-embedding-3-large": 4.0,
}

// Count estimates the number of tokens text would consume under model.
// It never fails: an unrecognised model falls back to the conservative
// heuristic ceil(len(bytes)/4) + word_count, and the fallback is logged
// at debug level.
func Count(text string, model string) uint {
	if ratio, ok := bytesPerToken[model]; ok {
		n := float64(len(text)) / ratio
		return ceilUint(n)
	}

	rlog.Log.Debugf("tokencount: no encoding table for model %q, using fallback heuristic", model)
	return fallback(text)
}

func fallback(text string) uint {
	byteEstimate := ceilUint(float64(len(text)) / 4.0)
	words := wordCount(text)
	return byteEstimate + words
}

func wordCount(s string) uint {
	var count uint
	inWord := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if inWord {
				count++
				inWord = false
			}
			continue
		}
		if unicode.IsPunct(r) {
			if inWord {
				count++
				inWord = false
			}
			count++
			continue
		}
		inWord = true
	}
	if inWord {
		count++
	}
	return count
}

func ceilUint(f float64) uint {
	i := uint(f)
	if f > float64(i) {
		i++
	}
	return i
}
