package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/llm"
)

type mapOpener map[string][]byte

func (m mapOpener) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeLLM struct {
	text     string
	err      error
	gotMIME  string
	gotTier  llm.ModelTier
	gotBytes int
}

func (f *fakeLLM) GenerateContent(context.Context, string, llm.ModelTier) (string, error) {
	return f.text, f.err
}

func (f *fakeLLM) GenerateFromDocument(_ context.Context, _ string, doc []byte, mimeType string, tier llm.ModelTier) (string, error) {
	f.gotMIME, f.gotTier, f.gotBytes = mimeType, tier, len(doc)
	return f.text, f.err
}

func (f *fakeLLM) GetModel(llm.ModelTier) string { return "fake" }
func (f *fakeLLM) Close() error                  { return nil }

func newTestReader(opener Opener, client llm.Client, pages int) *Reader {
	r := NewReader(opener, client, zap.NewNop())
	r.validate = func([]byte) (int, error) { return pages, nil }
	return r
}

func TestReader_Extract(t *testing.T) {
	client := &fakeLLM{text: "Revenue   $10 million\r\n\n\n\nNet income $2 million"}
	r := newTestReader(mapOpener{"data/a.pdf": []byte("%PDF-1.7 body")}, client, 3)

	doc, err := r.Extract(context.Background(), "data/a.pdf")
	require.NoError(t, err)

	assert.Equal(t, "Revenue $10 million\n\nNet income $2 million", doc.Text)
	assert.Equal(t, 3, doc.Pages)
	assert.Equal(t, 13, doc.Bytes)
	assert.Equal(t, llm.MIMETypePDF, client.gotMIME)
	assert.Equal(t, llm.TierLite, client.gotTier)
	assert.Equal(t, 13, client.gotBytes)
}

func TestReader_Extract_Missing(t *testing.T) {
	r := newTestReader(mapOpener{}, &fakeLLM{}, 1)

	_, err := r.Extract(context.Background(), "data/none.pdf")
	assert.ErrorIs(t, err, ErrDocumentMissing)
}

func TestReader_Extract_EmptyFile(t *testing.T) {
	r := newTestReader(mapOpener{"e.pdf": {}}, &fakeLLM{}, 1)

	_, err := r.Extract(context.Background(), "e.pdf")
	assert.ErrorIs(t, err, ErrDocumentEmpty)
}

func TestReader_Extract_InvalidPDF(t *testing.T) {
	r := NewReader(mapOpener{"bad.pdf": []byte("this is not a pdf")}, &fakeLLM{text: "x"}, zap.NewNop())

	_, err := r.Extract(context.Background(), "bad.pdf")
	assert.ErrorIs(t, err, ErrDocumentInvalid)
}

func TestReader_Extract_TooLarge(t *testing.T) {
	r := newTestReader(mapOpener{"big.pdf": bytes.Repeat([]byte("x"), 64)}, &fakeLLM{text: "x"}, 1)
	r.maxBytes = 32

	_, err := r.Extract(context.Background(), "big.pdf")
	assert.ErrorIs(t, err, ErrDocumentInvalid)
}

func TestReader_Extract_NoPages(t *testing.T) {
	r := newTestReader(mapOpener{"p.pdf": []byte("%PDF")}, &fakeLLM{text: "x"}, 0)

	_, err := r.Extract(context.Background(), "p.pdf")
	assert.ErrorIs(t, err, ErrDocumentEmpty)
}

func TestReader_Extract_BlankTranscription(t *testing.T) {
	r := newTestReader(mapOpener{"p.pdf": []byte("%PDF")}, &fakeLLM{text: " \n\n "}, 2)

	_, err := r.Extract(context.Background(), "p.pdf")
	assert.ErrorIs(t, err, ErrDocumentEmpty)
}

func TestReader_Extract_PropagatesRateLimit(t *testing.T) {
	client := &fakeLLM{err: &llm.RateLimitError{Err: errors.New("429")}}
	r := newTestReader(mapOpener{"p.pdf": []byte("%PDF")}, client, 2)

	_, err := r.Extract(context.Background(), "p.pdf")
	require.Error(t, err)
	assert.True(t, llm.IsRateLimit(err))
}
