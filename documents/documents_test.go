package documents

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/llmtest"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
)

func newTestProcessor(t *testing.T, completer *llmtest.FakeCompleter) *Processor {
	t.Helper()
	return New(completer, Config{
		StorageRoot: t.TempDir(),
		MaxBytes:    10 * 1024 * 1024,
		MaxPDFPages: 10,
		Prompts: Prompts{
			ImageOCR:       "Transcribe all visible text verbatim.",
			Classification: "Classify this document as contract, receipt, invoice, court_resolution, or generic.",
			Extraction:     "Extract the requested fields.",
		},
	})
}

func buildMinimalDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	var xmlBody bytes.Buffer
	xmlBody.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="w"><w:body>`)
	for _, p := range paragraphs {
		xmlBody.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	xmlBody.WriteString(`</w:body></w:document>`)

	f, err := w.Create("word/document.xml")
	require.NoError(t, err, "zip Create()")
	_, err = f.Write(xmlBody.Bytes())
	require.NoError(t, err, "zip Write()")
	require.NoError(t, w.Close(), "zip Close()")
	return buf.Bytes()
}

func TestValidateRejectsUnsupportedMIME(t *testing.T) {
	p := newTestProcessor(t, &llmtest.FakeCompleter{})
	_, _, err := p.validate(Attachment{MIMEType: "text/plain", Bytes: []byte("hi")})
	assert.ErrorIs(t, err, relayerr.ErrUnsupportedMedia)
}

func TestValidateRejectsEmptyFile(t *testing.T) {
	p := newTestProcessor(t, &llmtest.FakeCompleter{})
	_, _, err := p.validate(Attachment{MIMEType: "image/png", Bytes: nil})
	assert.ErrorIs(t, err, relayerr.ErrFileEmpty)
}

func TestValidateRejectsOversizedFile(t *testing.T) {
	p := newTestProcessor(t, &llmtest.FakeCompleter{})
	p.config.MaxBytes = 4
	_, _, err := p.validate(Attachment{MIMEType: "image/png", Bytes: []byte("too big")})
	assert.ErrorIs(t, err, relayerr.ErrFileTooLarge)
}

func TestIngestImageCallsVisionCompleter(t *testing.T) {
	completer := &llmtest.FakeCompleter{Reply: "Invoice #123\nTotal: $50"}
	p := newTestProcessor(t, completer)

	artifact, err := p.Ingest(context.Background(), Attachment{MIMEType: "image/png", Bytes: []byte{0x89, 'P', 'N', 'G'}, Phone: "15551234567"})
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.ExtractedText, "expected non-empty extracted text")
	assert.Equal(t, model.QualityGood, artifact.Quality)
}

func TestIngestDOCXExtractsParagraphText(t *testing.T) {
	completer := &llmtest.FakeCompleter{}
	completer.OnCall = func(messages []llm.ChatMessage) (llm.CompletionResult, error) {
		if completer.Calls == 1 {
			// First call is the classification pass.
			return llm.CompletionResult{Content: "receipt"}, nil
		}
		// Second call is the field-extraction pass.
		return llm.CompletionResult{Content: "merchant: Acme Corp\ntotal: 42.00"}, nil
	}
	p := newTestProcessor(t, completer)

	docx := buildMinimalDOCX(t, "Acme Corp", "Total: 42.00")
	artifact, err := p.Ingest(context.Background(), Attachment{
		MIMEType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Bytes:    docx,
		Phone:    "15551234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp\nTotal: 42.00", artifact.ExtractedText)
	assert.Equal(t, model.DocReceipt, artifact.DocumentType)
	assert.Equal(t, "Acme Corp", artifact.MetadataFields["merchant"])
}

func TestExtractDOCXConcatenatesParagraphs(t *testing.T) {
	docx := buildMinimalDOCX(t, "first paragraph", "second paragraph")
	text, err := extractDOCX(docx)
	require.NoError(t, err)
	assert.Equal(t, "first paragraph\nsecond paragraph", text)
}

func TestParseDocumentTypeDefaultsToGeneric(t *testing.T) {
	assert.Equal(t, model.DocGeneric, parseDocumentType("not sure what this is"))
	assert.Equal(t, model.DocContract, parseDocumentType("This looks like a Contract"))
}

func TestParseFieldLinesIgnoresUnknownFields(t *testing.T) {
	fields := parseFieldLines("merchant: Acme\nunexpected: value\ntotal: 10", []string{"merchant", "total"})
	assert.Equal(t, "Acme", fields["merchant"])
	assert.Equal(t, "10", fields["total"])
	_, ok := fields["unexpected"]
	assert.False(t, ok, "parseFieldLines() should drop fields not in the allowed set")
}

func TestStoreWritesAttachmentWithExtension(t *testing.T) {
	p := newTestProcessor(t, &llmtest.FakeCompleter{})
	path, err := p.store(Attachment{Bytes: []byte("content"), Phone: "15551234567"}, "png")
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(path))
}
