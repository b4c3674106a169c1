// Package ingestion turns an uploaded financial report into clean text and
// pre-computes the metric and risk signals the analysis stages consume.
package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/prompts"
)

// Document read errors. All of them are terminal for a job.
var (
	ErrDocumentMissing = errors.New("document not found")
	ErrDocumentEmpty   = errors.New("document is empty or has no readable text")
	ErrDocumentInvalid = errors.New("document is not a readable PDF")
)

// DefaultMaxBytes caps how much of an upload is read into memory.
const DefaultMaxBytes = 50 << 20

// Opener opens a stored upload by path.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Document is the extracted text of one report.
type Document struct {
	Path  string
	Pages int
	Bytes int
	Text  string
}

// Reader validates a PDF and transcribes it with the LLM.
type Reader struct {
	opener   Opener
	client   llm.Client
	logger   *zap.Logger
	maxBytes int64
	validate func(data []byte) (int, error)
}

// NewReader creates a Reader.
func NewReader(opener Opener, client llm.Client, logger *zap.Logger) *Reader {
	return &Reader{
		opener:   opener,
		client:   client,
		logger:   logger.Named("reader"),
		maxBytes: DefaultMaxBytes,
		validate: validatePDF,
	}
}

// Extract reads the PDF at path and returns its cleaned text.
func (r *Reader) Extract(ctx context.Context, path string) (*Document, error) {
	rc, err := r.opener.Open(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentMissing, path)
		}
		return nil, fmt.Errorf("failed to open document %s: %w", path, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocumentEmpty, path)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrDocumentInvalid, path, r.maxBytes)
	}

	pages, err := r.validate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDocumentInvalid, path, err)
	}
	if pages == 0 {
		return nil, fmt.Errorf("%w: %s has no pages", ErrDocumentEmpty, path)
	}

	prompt, err := prompts.Get(prompts.AnalysisFile, "transcribe-document")
	if err != nil {
		return nil, err
	}
	raw, err := r.client.GenerateFromDocument(ctx, prompt, data, llm.MIMETypePDF, llm.TierLite)
	if err != nil {
		return nil, fmt.Errorf("failed to transcribe document: %w", err)
	}

	text := CleanText(raw)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrDocumentEmpty, path)
	}

	r.logger.Debug("document extracted",
		zap.String("path", path),
		zap.Int("pages", pages),
		zap.Int("bytes", len(data)),
		zap.Int("chars", len(text)),
	)

	return &Document{Path: path, Pages: pages, Bytes: len(data), Text: text}, nil
}

// validatePDF checks structure in relaxed mode and returns the page count.
func validatePDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, err
	}
	return api.PageCount(bytes.NewReader(data), conf)
}
