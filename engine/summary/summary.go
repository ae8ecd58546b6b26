// Package summary builds and persists the multi-level summary of a document:
// an overview, a key point list and one section per detected chapter.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/pkg/llm"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

const (
	overviewChars   = 15000
	truncatedSuffix = "... [content truncated for length]"

	OverviewTitle  = "Document Overview"
	KeyPointsTitle = "Key Points"

	defaultOverview  = "Failed to generate overview."
	defaultKeyPoints = "Failed to generate key points."
)

var (
	summariesDone   = metrics.Default.Counter("pdfstudy_summaries_total", "Summary runs.", "result", "ok")
	summariesFailed = metrics.Default.Counter("pdfstudy_summaries_total", "Summary runs.", "result", "failed")
	summaryLatency  = metrics.Default.Histogram("pdfstudy_summary_seconds", "Wall time of a summary run.", nil)
)

// Chatter runs blocking completions. *llm.Client satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, error)
}

// ChapterSummarizer produces the chapter sections of a document.
// *chapters.Structurer satisfies it.
type ChapterSummarizer interface {
	Run(ctx context.Context, pages []string, opts domain.SummaryOptions) ([]domain.Section, error)
}

// Store persists summaries.
type Store interface {
	Summary(ctx context.Context, docID string) (domain.SummaryDocument, error)
	SaveSummary(ctx context.Context, doc domain.SummaryDocument) error
	TouchDocument(ctx context.Context, docID string) error
}

// Service generates summaries.
type Service struct {
	llm      Chatter
	chapters ChapterSummarizer
	store    Store
	model    string
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Service. model may be empty to use the client default.
func New(l Chatter, chapters ChapterSummarizer, store Store, model string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{llm: l, chapters: chapters, store: store, model: model, log: log, now: time.Now}
}

// Overview generates the overview and key point sections of text.
func (s *Service) Overview(ctx context.Context, text string, opts domain.SummaryOptions) (overview, keyPoints domain.Section, err error) {
	excerpt := truncateChars(text, overviewChars) + truncatedSuffix

	var b strings.Builder
	b.WriteString("You are an expert at summarizing academic and professional documents.\n")
	b.WriteString("Please provide a concise overview of the following document.\n")
	b.WriteString("Focus on the main themes, purpose, and scope of the document.\n")
	b.WriteString("Keep your response to 3-4 paragraphs maximum.\n")
	if len(opts.FocusTopics) > 0 {
		fmt.Fprintf(&b, "Pay special attention to these topics: %s.\n", strings.Join(opts.FocusTopics, ", "))
	}
	if opts.CustomInstructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", opts.CustomInstructions)
	}
	fmt.Fprintf(&b, "\nDocument content:\n%s", excerpt)

	ov, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			llm.System("You are an expert summarizer that creates concise, accurate document overviews."),
			llm.User(b.String()),
		},
		Temperature: 0.5,
		MaxTokens:   1000,
	})
	if err != nil {
		return overview, keyPoints, fmt.Errorf("summary: overview: %w", err)
	}

	b.Reset()
	b.WriteString("Based on the document content, extract 5-10 key points or takeaways.\n")
	b.WriteString(`Format each point as a bullet point starting with "- ".` + "\n")
	b.WriteString("Focus on the most important concepts, findings, or arguments.\n")
	if len(opts.FocusTopics) > 0 {
		fmt.Fprintf(&b, "Ensure you include key points related to these topics: %s.\n", strings.Join(opts.FocusTopics, ", "))
	}
	if opts.CustomInstructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", opts.CustomInstructions)
	}
	fmt.Fprintf(&b, "\nDocument content:\n%s", excerpt)

	kp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			llm.System("You are an expert at identifying and extracting key points from documents."),
			llm.User(b.String()),
		},
		Temperature: 0.5,
		MaxTokens:   1000,
	})
	if err != nil {
		return overview, keyPoints, fmt.Errorf("summary: key points: %w", err)
	}

	if strings.TrimSpace(ov) == "" {
		ov = defaultOverview
	}
	if strings.TrimSpace(kp) == "" {
		kp = defaultKeyPoints
	}
	return domain.Section{Title: OverviewTitle, Content: ov, Order: 0},
		domain.Section{Title: KeyPointsTitle, Content: kp, Order: 1}, nil
}

// Summarize builds the full summary of a document and stores it, replacing
// any previous one. On failure the stored summary is left as it was and
// only the document's timestamp is touched. Invalid input touches nothing.
func (s *Service) Summarize(ctx context.Context, docID string, pages []string, opts domain.SummaryOptions) (doc domain.SummaryDocument, err error) {
	if err := domain.ValidatePageTexts(docID, pages); err != nil {
		return doc, err
	}
	start := time.Now()
	defer func() {
		summaryLatency.Since(start)
		if err == nil {
			summariesDone.Inc()
			return
		}
		summariesFailed.Inc()
		s.log.Error("summary failed", "doc_id", docID, "duration", time.Since(start), "err", err)
		// The caller's context may be what failed; the touch must still land.
		if terr := s.store.TouchDocument(context.WithoutCancel(ctx), docID); terr != nil {
			s.log.Warn("touch document failed", "doc_id", docID, "err", terr)
		}
	}()

	overview, keyPoints, err := s.Overview(ctx, strings.Join(pages, "\n\n"), opts)
	if err != nil {
		return doc, err
	}
	chapters, err := s.chapters.Run(ctx, pages, opts)
	if err != nil {
		return doc, fmt.Errorf("summary: chapters: %w", err)
	}

	now := s.now()
	doc = domain.SummaryDocument{
		DocumentID: docID,
		Overview:   overview,
		KeyPoints:  keyPoints,
		Chapters:   chapters,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	prev, gerr := s.store.Summary(ctx, docID)
	switch {
	case gerr == nil:
		doc.CreatedAt = prev.CreatedAt
	case !errors.Is(gerr, domain.ErrNotFound):
		s.log.Warn("loading previous summary failed", "doc_id", docID, "err", gerr)
	}
	if err := s.store.SaveSummary(ctx, doc); err != nil {
		return domain.SummaryDocument{}, fmt.Errorf("summary: save: %w", err)
	}
	s.log.Info("summary stored", "doc_id", docID, "chapters", len(chapters), "duration", time.Since(start))
	return doc, nil
}

// truncateChars returns at most n characters of s.
func truncateChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
