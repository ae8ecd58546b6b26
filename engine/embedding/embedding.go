// Package embedding turns document pages into vector records. Dense pages are
// windowed into token chunks, everything else is embedded whole. Pages are
// processed in small concurrent batch groups so the embedding provider sees a
// bounded number of parallel requests.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/tokenizer"
	"github.com/WessleyAI/pdfstudy/pkg/fn"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

var (
	pagesEmbedded = metrics.Default.Counter("pdfstudy_pages_embedded_total", "Pages that produced vectors.")
	embedFailures = metrics.Default.Counter("pdfstudy_embed_failures_total", "Pages whose embedding failed.")
	recordsBuilt  = metrics.Default.Counter("pdfstudy_vector_records_total", "Vector records produced by the batcher.")
	groupDuration = metrics.Default.Histogram("pdfstudy_embed_group_seconds", "Wall time of one batch group.", nil)
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Sink receives each batch group's records as soon as they are embedded.
type Sink interface {
	Upsert(ctx context.Context, records []domain.VectorRecord) error
}

// Options tunes batching and token budgets.
type Options struct {
	PagesPerBatch     int
	ConcurrentBatches int
	GroupPause        time.Duration

	// Pages above DenseThreshold tokens are split into ChunkTokens windows.
	DenseThreshold int
	ChunkTokens    int
	ChunkOverlap   int
	// MaxInputTokens bounds every embedding input and stored content.
	MaxInputTokens int
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		PagesPerBatch:     5,
		ConcurrentBatches: 3,
		GroupPause:        500 * time.Millisecond,
		DenseThreshold:    3000,
		ChunkTokens:       3800,
		ChunkOverlap:      200,
		MaxInputTokens:    4000,
	}
}

func (o Options) validate() error {
	switch {
	case o.PagesPerBatch <= 0:
		return domain.NewConfigError("pagesPerBatch", o.PagesPerBatch, "must be positive")
	case o.ConcurrentBatches <= 0:
		return domain.NewConfigError("concurrentBatches", o.ConcurrentBatches, "must be positive")
	case o.MaxInputTokens <= 0:
		return domain.NewConfigError("maxInputTokens", o.MaxInputTokens, "must be positive")
	case o.ChunkTokens <= 0 || o.ChunkTokens > o.MaxInputTokens:
		return domain.NewConfigError("chunkTokens", o.ChunkTokens, "must be in (0, maxInputTokens]")
	case o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkTokens:
		return domain.NewConfigError("chunkOverlap", o.ChunkOverlap, "must be in [0, chunkTokens)")
	}
	return nil
}

// PageResult is the outcome for one page. A failed page has no records and a
// non-nil Err; a blank page has neither.
type PageResult struct {
	PageNumber int
	Records    []domain.VectorRecord
	Err        error
}

// Batcher embeds pages.
type Batcher struct {
	embedder Embedder
	tok      *tokenizer.Tokenizer
	opts     Options
	log      *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// New creates a Batcher. A nil tokenizer uses the shared cl100k_base one.
func New(e Embedder, tok *tokenizer.Tokenizer, opts Options, log *slog.Logger) (*Batcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if tok == nil {
		tok = tokenizer.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{embedder: e, tok: tok, opts: opts, log: log, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RecordID is the deterministic id of a page-level record.
func RecordID(docID string, page int) string {
	return fmt.Sprintf("doc_%s_page_%d", docID, page)
}

// ChunkRecordID is the deterministic id of a chunk record.
func ChunkRecordID(docID string, page, chunk int) string {
	return fmt.Sprintf("doc_%s_page_%d_chunk_%d", docID, page, chunk)
}

// PageURL returns the viewer link for a page, or "" without a base URL.
func PageURL(base string, page int) string {
	if base == "" {
		return ""
	}
	base, _, _ = strings.Cut(base, "#")
	return fmt.Sprintf("%s#page=%d", base, page)
}

// Plan returns the embedding units for a page and whether it was split. A
// blank page has no units.
func (b *Batcher) Plan(docID string, page domain.Page) ([]domain.Chunk, bool, error) {
	if strings.TrimSpace(page.Content) == "" {
		return nil, false, nil
	}
	if b.tok.Count(page.Content) <= b.opts.DenseThreshold {
		text := b.tok.Truncate(page.Content, b.opts.MaxInputTokens)
		return []domain.Chunk{{
			ID:         RecordID(docID, page.PageNumber),
			DocumentID: docID,
			PageNumber: page.PageNumber,
			Text:       text,
			TokenCount: b.tok.Count(text),
		}}, false, nil
	}

	windows, err := b.tok.Split(page.Content, b.opts.ChunkTokens, b.opts.ChunkOverlap)
	if err != nil {
		return nil, false, err
	}
	units := make([]domain.Chunk, 0, len(windows))
	for i, w := range windows {
		text := b.tok.Truncate(w, b.opts.MaxInputTokens)
		units = append(units, domain.Chunk{
			ID:         ChunkRecordID(docID, page.PageNumber, i),
			DocumentID: docID,
			PageNumber: page.PageNumber,
			Index:      i,
			Text:       text,
			TokenCount: b.tok.Count(text),
		})
	}
	return units, true, nil
}

// EmbedPage embeds one page and returns its records in chunk order.
func (b *Batcher) EmbedPage(ctx context.Context, docID string, page domain.Page, baseURL string) ([]domain.VectorRecord, error) {
	units, split, err := b.Plan(docID, page)
	if err != nil || len(units) == 0 {
		return nil, err
	}
	vectors, err := b.embedder.EmbedTexts(ctx, fn.Map(units, func(c domain.Chunk) string { return c.Text }))
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(units) {
		return nil, fmt.Errorf("embedding: page %d: got %d vectors for %d inputs", page.PageNumber, len(vectors), len(units))
	}

	url := PageURL(baseURL, page.PageNumber)
	records := make([]domain.VectorRecord, len(units))
	for i, u := range units {
		md := domain.RecordMetadata{
			DocumentID: docID,
			PageNumber: page.PageNumber,
			Content:    u.Text,
			PageURL:    url,
		}
		if split {
			idx, total := u.Index, len(units)
			md.IsChunk = true
			md.ChunkIndex = &idx
			md.TotalChunks = &total
		}
		records[i] = domain.VectorRecord{ID: u.ID, Embedding: vectors[i], Metadata: md}
	}
	return records, nil
}

// EmbedDocument embeds all pages. Each batch group's records are handed to
// sink (when non-nil) before the next group starts. A page that fails to
// embed, or whose group fails to reach the sink, is reported through its
// PageResult and never aborts its siblings. The error return is reserved for
// context cancellation.
func (b *Batcher) EmbedDocument(ctx context.Context, docID string, pages []domain.Page, baseURL string, sink Sink) ([]PageResult, error) {
	results := make([]PageResult, 0, len(pages))
	groups := fn.Chunk(fn.Chunk(pages, b.opts.PagesPerBatch), b.opts.ConcurrentBatches)

	for gi, group := range groups {
		start := time.Now()
		groupResults := b.embedGroup(ctx, docID, group, baseURL)
		groupDuration.Since(start)
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if sink != nil {
			var records []domain.VectorRecord
			for _, r := range groupResults {
				records = append(records, r.Records...)
			}
			if len(records) > 0 {
				if err := sink.Upsert(ctx, records); err != nil {
					b.log.Error("vector upsert failed", "doc_id", docID, "group", gi, "records", len(records), "err", err)
					for i := range groupResults {
						if len(groupResults[i].Records) > 0 {
							groupResults[i].Records = nil
							groupResults[i].Err = fmt.Errorf("embedding: upsert: %w", err)
						}
					}
				}
			}
		}
		results = append(results, groupResults...)

		if gi < len(groups)-1 {
			if err := b.sleep(ctx, b.opts.GroupPause); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// embedGroup runs the group's batches concurrently, every page of a batch in
// parallel, and returns results in page order.
func (b *Batcher) embedGroup(ctx context.Context, docID string, group [][]domain.Page, baseURL string) []PageResult {
	n := 0
	for _, batch := range group {
		n += len(batch)
	}
	out := make([]PageResult, n)

	var g errgroup.Group
	offset := 0
	for _, batch := range group {
		base := offset
		g.Go(func() error {
			var pg errgroup.Group
			for i, page := range batch {
				pg.Go(func() error {
					out[base+i] = b.embedOne(ctx, docID, page, baseURL)
					return nil
				})
			}
			return pg.Wait()
		})
		offset += len(batch)
	}
	_ = g.Wait()
	return out
}

func (b *Batcher) embedOne(ctx context.Context, docID string, page domain.Page, baseURL string) PageResult {
	records, err := b.EmbedPage(ctx, docID, page, baseURL)
	if err != nil {
		embedFailures.Inc()
		b.log.Warn("page embedding failed, continuing without vectors", "doc_id", docID, "page", page.PageNumber, "err", err)
		return PageResult{PageNumber: page.PageNumber, Err: err}
	}
	if len(records) > 0 {
		pagesEmbedded.Inc()
		recordsBuilt.Add(int64(len(records)))
	}
	return PageResult{PageNumber: page.PageNumber, Records: records}
}
