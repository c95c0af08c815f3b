// Package relayerr defines the typed error kinds the relay core can
// surface, and the user-visible strings each one maps to (spec §7).
package relayerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) to attach context
// while keeping errors.Is checks working.
var (
	// ErrConfigInvalid means the startup configuration document failed
	// validation. Callers exit with code 2.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrCompleterTransient is a timeout or 5xx from the completion
	// provider. The Completer adapter retries once before surfacing it.
	ErrCompleterTransient = errors.New("completer transient failure")

	// ErrCompleterPermanent is a 4xx/auth failure from the completion
	// provider. No retry.
	ErrCompleterPermanent = errors.New("completer permanent failure")

	// ErrRateLimited is a 429 from the completion provider. No retry.
	ErrRateLimited = errors.New("completer rate limited")

	// ErrEmbedderUnavailable means the embedder returned a non-retryable
	// error after one retry.
	ErrEmbedderUnavailable = errors.New("embedding unavailable")

	// ErrSessionPersistence means a Session Store write failed.
	ErrSessionPersistence = errors.New("session persistence failure")

	// ErrMemoryPersistence means a Long-Term Memory Store write failed.
	ErrMemoryPersistence = errors.New("memory persistence failure")

	// ErrUnsupportedMedia means the attachment's MIME/extension is not
	// one of the accepted document types.
	ErrUnsupportedMedia = errors.New("unsupported media format")

	// ErrFileTooLarge means the attachment exceeds media.max_bytes.
	ErrFileTooLarge = errors.New("file too large")

	// ErrFileEmpty means the attachment has zero bytes.
	ErrFileEmpty = errors.New("file empty")

	// ErrTooManyPages means a PDF exceeds media.max_pdf_pages.
	ErrTooManyPages = errors.New("too many pages")
)

// UserMessage returns the user-visible string for a given error, per the
// table in spec §7. Unrecognised errors map to the generic fallback.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrCompleterTransient):
		return "I'm having trouble reaching my service right now. Please try again later."
	case errors.Is(err, ErrCompleterPermanent):
		return "I'm not configured correctly. Please contact support."
	case errors.Is(err, ErrRateLimited):
		return "I'm receiving too many messages right now. Please wait a moment."
	case errors.Is(err, ErrSessionPersistence), errors.Is(err, ErrMemoryPersistence):
		return "Something went wrong. Please try again."
	case errors.Is(err, ErrUnsupportedMedia), errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrFileEmpty), errors.Is(err, ErrTooManyPages):
		return "I can only process images (JPG, PNG), PDFs (≤10 pages), and DOCX files up to 10 MB."
	default:
		return "Something went wrong. Please try again."
	}
}
