// Package documents implements Document Ingestion (spec §4.7): validating
// an inbound attachment, persisting it, extracting its text, classifying
// it, and pulling type-specific metadata fields. The PDF page-count and
// text-extraction strategy is grounded on jack-phare-goat's
// pkg/tools/fileread.go readPDF, which is the only PDF-handling code
// anywhere in the example pack.
package documents

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	gopdf "github.com/ledongthuc/pdf"

	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
	"github.com/relaycore/whatsrelay/rlog"
)

// acceptedMIMEs is the allowlist of spec §4.7.
var acceptedMIMEs = map[string]model.MediaKind{
	"image/jpeg": model.MediaImage,
	"image/png":  model.MediaImage,
	"application/pdf": model.MediaPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": model.MediaDOCX,
}

// pageSeparator divides extracted PDF page text (spec §4.7 "concatenate
// page texts with a page separator").
const pageSeparator = "\n\n--- page break ---\n\n"

// Prompts holds the prompt template bodies read from configured paths
// (spec §6 prompts.*).
type Prompts struct {
	ImageOCR       string
	Classification string
	Extraction     string
}

// Config carries the Document Ingestion tunables (spec §6 media.*).
type Config struct {
	StorageRoot string
	MaxBytes    int64
	MaxPDFPages int
	Prompts     Prompts
}

// Processor turns raw attachment bytes into a model.DocumentArtifact.
type Processor struct {
	completer llm.Completer
	config    Config
}

// New builds a Processor over the given vision/text Completer.
func New(completer llm.Completer, config Config) *Processor {
	return &Processor{completer: completer, config: config}
}

// Attachment is the raw inbound attachment handed to Ingest.
type Attachment struct {
	MIMEType string
	Bytes    []byte
	Phone    string // used to build the storage filename
}

// Ingest validates, persists, extracts, and classifies one attachment
// (spec §4.7). Validation failures wrap one of relayerr's media sentinels;
// storage and text-extraction failures are returned without one.
func (p *Processor) Ingest(ctx context.Context, att Attachment) (*model.DocumentArtifact, error) {
	kind, ext, err := p.validate(att)
	if err != nil {
		return nil, err
	}

	storagePath, err := p.store(att, ext)
	if err != nil {
		return nil, err
	}

	text, warnings, err := p.extract(ctx, kind, att.Bytes, storagePath)
	if err != nil {
		return nil, err
	}

	if err := writeSidecar(storagePath, text); err != nil {
		rlog.Log.Warnf("documents: failed to write sidecar rawtext for %s: %v", storagePath, err)
	}

	artifact := &model.DocumentArtifact{
		MediaKind:     kind,
		StoragePath:   storagePath,
		ExtractedText: text,
		Warnings:      warnings,
	}

	if strings.TrimSpace(text) == "" {
		artifact.Quality = model.QualityPoor
		artifact.Warnings = append(artifact.Warnings, "no readable content was found in the attachment")
		artifact.DocumentType = model.DocGeneric
		return artifact, nil
	}
	artifact.Quality = model.QualityGood

	docType, err := p.classify(ctx, text)
	if err != nil {
		rlog.Log.Warnf("documents: classification failed, defaulting to generic: %v", err)
		docType = model.DocGeneric
	}
	artifact.DocumentType = docType

	if docType != model.DocGeneric {
		fields, err := p.extractFields(ctx, docType, text)
		if err != nil {
			rlog.Log.Warnf("documents: metadata extraction failed for type %s: %v", docType, err)
		} else {
			artifact.MetadataFields = fields
		}
	}

	return artifact, nil
}

func (p *Processor) validate(att Attachment) (model.MediaKind, string, error) {
	kind, ok := acceptedMIMEs[att.MIMEType]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", relayerr.ErrUnsupportedMedia, att.MIMEType)
	}
	if len(att.Bytes) == 0 {
		return "", "", relayerr.ErrFileEmpty
	}
	if int64(len(att.Bytes)) > p.config.MaxBytes {
		return "", "", fmt.Errorf("%w: %d bytes", relayerr.ErrFileTooLarge, len(att.Bytes))
	}

	ext := extensionFor(att.MIMEType)

	if kind == model.MediaPDF {
		pages, err := countPDFPages(att.Bytes)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", relayerr.ErrUnsupportedMedia, err)
		}
		if pages > p.config.MaxPDFPages {
			return "", "", fmt.Errorf("%w: %d pages", relayerr.ErrTooManyPages, pages)
		}
	}

	return kind, ext, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "application/pdf":
		return "pdf"
	default:
		return "docx"
	}
}

// store persists the attachment under the configured media root using the
// DD-<phone>-<uuid>.<ext> naming scheme (spec §6 persisted state layout).
func (p *Processor) store(att Attachment, ext string) (string, error) {
	if err := os.MkdirAll(p.config.StorageRoot, 0o755); err != nil {
		return "", fmt.Errorf("documents: creating storage root: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.%s", time.Now().UTC().Format("02"), sanitizePhone(att.Phone), uuid.NewString(), ext)
	path := filepath.Join(p.config.StorageRoot, name)
	if err := os.WriteFile(path, att.Bytes, 0o644); err != nil {
		return "", fmt.Errorf("documents: writing attachment: %w", err)
	}
	return path, nil
}

func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func writeSidecar(storagePath, text string) error {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	return os.WriteFile(storagePath+".rawtext", []byte(normalized), 0o644)
}

func (p *Processor) extract(ctx context.Context, kind model.MediaKind, data []byte, storagePath string) (string, []string, error) {
	switch kind {
	case model.MediaImage:
		text, err := p.extractImage(ctx, data)
		return text, nil, err
	case model.MediaPDF:
		return p.extractPDF(ctx, storagePath)
	case model.MediaDOCX:
		text, err := extractDOCX(data)
		return text, nil, err
	default:
		return "", nil, fmt.Errorf("%w: unhandled media kind %s", relayerr.ErrUnsupportedMedia, kind)
	}
}

// extractImage calls the vision Completer with the configured OCR prompt
// (spec §4.7 Image strategy).
func (p *Processor) extractImage(ctx context.Context, data []byte) (string, error) {
	messages := []llm.ChatMessage{
		{Role: "user", Content: p.config.Prompts.ImageOCR, ImageURL: dataURL(data)},
	}
	result, err := p.completer.CompleteVision(ctx, "", messages, 0, 0)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func dataURL(data []byte) string {
	return "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(data)
}

// extractPDF reads the embedded text layer of every page up to the
// configured limit. True per-page rasterisation + vision OCR (spec
// §4.7's literal "rasterise at ≥150 DPI") has no library anywhere in the
// example pack; the teacher's own ecosystem (jack-phare-goat's fileread
// tool) reads a PDF's text layer directly via ledongthuc/pdf, so that is
// the extraction strategy used here too. See DESIGN.md.
func (p *Processor) extractPDF(_ context.Context, storagePath string) (string, []string, error) {
	file, reader, err := gopdf.Open(storagePath)
	if err != nil {
		return "", nil, fmt.Errorf("documents: opening pdf: %w", err)
	}
	defer file.Close()

	var warnings []string
	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", i, err))
			continue
		}
		pages = append(pages, text)
	}
	return strings.Join(pages, pageSeparator), warnings, nil
}

func countPDFPages(data []byte) (int, error) {
	tmp, err := os.CreateTemp("", "ingest-*.pdf")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return 0, err
	}

	file, reader, err := gopdf.Open(tmp.Name())
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return reader.NumPage(), nil
}

// docxParagraph/docxRun/docxDocument model just enough of
// word/document.xml to pull paragraph and table-cell text (spec §4.7
// DOCX strategy: "structured-document parser; no AI call needed"). No
// third-party DOCX parser appears anywhere in the example pack, so this
// is built on the standard library's archive/zip + encoding/xml; see
// DESIGN.md for the justification.
type docxRun struct {
	Text string `xml:"t"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxTableCell struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxTableRow struct {
	Cells []docxTableCell `xml:"tc"`
}

type docxTable struct {
	Rows []docxTableRow `xml:"tr"`
}

type docxBody struct {
	Paragraphs []docxParagraph `xml:"p"`
	Tables     []docxTable     `xml:"tbl"`
}

type docxDocument struct {
	Body docxBody `xml:"body"`
}

func extractDOCX(data []byte) (string, error) {
	reader, err := zip.NewReader(strings.NewReader(string(data)), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("documents: opening docx: %w", err)
	}

	var docFile *zip.File
	for _, f := range reader.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("documents: word/document.xml not found in docx")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("documents: opening document.xml: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("documents: reading document.xml: %w", err)
	}

	var doc docxDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("documents: parsing document.xml: %w", err)
	}

	var b strings.Builder
	for _, para := range doc.Body.Paragraphs {
		b.WriteString(paragraphText(para))
		b.WriteString("\n")
	}
	for _, table := range doc.Body.Tables {
		for _, row := range table.Rows {
			var cells []string
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, para := range cell.Paragraphs {
					cellText.WriteString(paragraphText(para))
				}
				cells = append(cells, cellText.String())
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func paragraphText(p docxParagraph) string {
	var b strings.Builder
	for _, run := range p.Runs {
		b.WriteString(run.Text)
	}
	return b.String()
}

// classify calls the text Completer with the classification prompt and
// maps its reply onto one of the five recognised types, defaulting to
// generic (spec §4.7).
func (p *Processor) classify(ctx context.Context, text string) (model.DocumentType, error) {
	messages := []llm.ChatMessage{
		{Role: "system", Content: p.config.Prompts.Classification},
		{Role: "user", Content: text},
	}
	result, err := p.completer.Complete(ctx, "", messages, 50, 0.0)
	if err != nil {
		return model.DocGeneric, err
	}
	return parseDocumentType(result.Content), nil
}

func parseDocumentType(reply string) model.DocumentType {
	reply = strings.ToLower(strings.TrimSpace(reply))
	switch {
	case strings.Contains(reply, "contract"):
		return model.DocContract
	case strings.Contains(reply, "receipt"):
		return model.DocReceipt
	case strings.Contains(reply, "invoice"):
		return model.DocInvoice
	case strings.Contains(reply, "court"):
		return model.DocCourtResolution
	default:
		return model.DocGeneric
	}
}

// metadataFieldsByType enumerates the fixed per-type schema (SPEC_FULL §6).
var metadataFieldsByType = map[model.DocumentType][]string{
	model.DocContract:        {"client_name", "amount", "payment_due", "effective_date"},
	model.DocReceipt:         {"merchant", "total", "date"},
	model.DocInvoice:         {"amount", "date", "due_date", "invoice_number"},
	model.DocCourtResolution: {"case_number", "court_name", "resolution_date"},
}

// extractFields calls the text Completer with a type-specific extraction
// prompt and parses its "key: value" reply lines into metadata_fields.
// Missing fields remain unset; the Completer is instructed never to
// invent data (spec §4.7).
func (p *Processor) extractFields(ctx context.Context, docType model.DocumentType, text string) (map[string]string, error) {
	fieldNames := metadataFieldsByType[docType]
	prompt := fmt.Sprintf("%s\n\nExtract these fields if present, one per line as \"field: value\", omitting any field not present in the text: %s",
		p.config.Prompts.Extraction, strings.Join(fieldNames, ", "))

	messages := []llm.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: text},
	}
	result, err := p.completer.Complete(ctx, "", messages, 200, 0.0)
	if err != nil {
		return nil, err
	}
	return parseFieldLines(result.Content, fieldNames), nil
}

func parseFieldLines(reply string, allowed []string) map[string]string {
	wanted := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		wanted[f] = true
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(reply, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		if value == "" || !wanted[key] {
			continue
		}
		fields[key] = value
	}
	return fields
}
