// Package pdftext downloads PDFs and extracts their raw per-page text.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ledongthuc/pdf"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxFileBytes bounds a downloaded PDF.
const MaxFileBytes = 100 << 20

// UserAgent is sent with every download.
const UserAgent = "pdfstudy/1.0"

var (
	// ErrTooLarge is returned when a PDF exceeds the size limit.
	ErrTooLarge = errors.New("pdftext: file too large")
	// ErrNotPDF is returned when a download lacks the %PDF header.
	ErrNotPDF = errors.New("pdftext: not a PDF file")
)

// Fetcher downloads PDFs over HTTP.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher with traced transport. maxBytes <= 0 uses
// MaxFileBytes.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = MaxFileBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		maxBytes: maxBytes,
	}
}

// Fetch downloads url and checks that the body is a PDF.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pdftext: fetch: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pdftext: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pdftext: fetch: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("pdftext: read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, ErrNotPDF
	}
	return data, nil
}

// ExtractPages returns the plain text of every page, in page order. Pages
// that cannot be read yield "" so page numbering is preserved.
func ExtractPages(data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdftext: open: %w", err)
	}
	n := reader.NumPage()
	pages := make([]string, n)
	for i := 1; i <= n; i++ {
		text, err := pageText(reader, i)
		if err != nil {
			slog.Warn("unreadable page", "page", i, "err", err)
			continue
		}
		pages[i-1] = text
	}
	return pages, nil
}

// ExtractFile reads and extracts a local PDF.
func ExtractFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pdftext: %w", err)
	}
	return ExtractPages(data)
}

// pageText extracts one page. The parser panics on some malformed content
// streams, which is reported as an error for that page only.
func pageText(r *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parse page %d: %v", n, p)
		}
	}()
	page := r.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
