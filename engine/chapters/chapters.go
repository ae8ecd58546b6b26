// Package chapters finds the logical chapters of a document and summarises
// each one. Two JSON-mode model calls analyse the structure and propose a
// chapter plan; any malformed answer falls back to a fixed default so the run
// always produces chapter summaries.
package chapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/pkg/llm"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

const (
	sampleChars  = 15000
	planChars    = 20000
	excerptChars = 10000

	// FailedChapterSummary replaces the summary of a chapter whose call failed.
	FailedChapterSummary = "Failed to generate summary for this chapter due to an error."
	emptyChapterSummary  = "Failed to generate chapter summary."

	truncatedSuffix = "... [content truncated for length]"
)

var (
	fallbacksTaken   = metrics.Default.Counter("pdfstudy_chapter_fallbacks_total", "Chapter stages that fell back to defaults.")
	chaptersDone     = metrics.Default.Counter("pdfstudy_chapter_summaries_total", "Chapter summaries produced.", "result", "ok")
	chaptersFailed   = metrics.Default.Counter("pdfstudy_chapter_summaries_total", "Chapter summaries produced.", "result", "failed")
	structureLatency = metrics.Default.Histogram("pdfstudy_chapter_structure_seconds", "Wall time of a full chapter run.", nil)
)

// LLM is the chat surface the structurer needs. *llm.Client satisfies it.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, error)
	ChatJSON(ctx context.Context, req llm.ChatRequest) (string, error)
}

// Analysis is the model's read of how chapters are marked in a document.
type Analysis struct {
	ChapterPattern           string   `json:"chapterPattern"`
	EstimatedChapterCount    int      `json:"estimatedChapterCount"`
	ChapterIdentifiers       []string `json:"chapterIdentifiers"`
	ShouldIncludeFrontMatter bool     `json:"shouldIncludeFrontMatter"`
	RecommendedChapterLimit  int      `json:"recommendedChapterLimit"`
}

// DefaultAnalysis is used when the analysis response cannot be used.
func DefaultAnalysis() Analysis {
	return Analysis{
		ChapterPattern:          "Unknown",
		EstimatedChapterCount:   10,
		ChapterIdentifiers:      []string{"Chapter", "Section"},
		RecommendedChapterLimit: 15,
	}
}

// DefaultPlan is used when no usable chapter list comes back.
func DefaultPlan() []domain.ChapterPlan {
	return []domain.ChapterPlan{
		{Title: "Introduction", Importance: domain.ImportanceHigh},
		{Title: "Main Content", Importance: domain.ImportanceHigh},
		{Title: "Conclusion", Importance: domain.ImportanceHigh},
	}
}

const analysisSchema = `{
  "type": "object",
  "properties": {
    "chapterPattern": {"type": "string"},
    "estimatedChapterCount": {"type": "integer", "minimum": 0},
    "chapterIdentifiers": {"type": "array", "items": {"type": "string"}},
    "shouldIncludeFrontMatter": {"type": "boolean"},
    "recommendedChapterLimit": {"type": "integer", "minimum": 0}
  }
}`

const planSchema = `{
  "type": "object",
  "required": ["chapters"],
  "properties": {
    "chapters": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "startMarker": {"type": "string"},
          "importance": {"type": "string"},
          "contentType": {"type": "string"},
          "estimatedLength": {"type": "string"}
        }
      }
    }
  }
}`

var (
	analysisLoader = gojsonschema.NewStringLoader(analysisSchema)
	planLoader     = gojsonschema.NewStringLoader(planSchema)
)

// Options tunes a Structurer.
type Options struct {
	Model string
	// BatchSize chapters are summarised concurrently, with BatchPause
	// between batches.
	BatchSize  int
	BatchPause time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{BatchSize: 3, BatchPause: time.Second}
}

// Structurer runs the chapter pipeline.
type Structurer struct {
	llm   LLM
	opts  Options
	log   *slog.Logger
	sleep func(context.Context, time.Duration) error
}

// New creates a Structurer.
func New(l LLM, opts Options, log *slog.Logger) (*Structurer, error) {
	if opts.BatchSize <= 0 {
		return nil, domain.NewConfigError("BatchSize", opts.BatchSize, "must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Structurer{llm: l, opts: opts, log: log, sleep: sleepCtx}, nil
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

// Run identifies the chapters of pages and summarises each one. Sections are
// ordered from 2. Malformed model output never aborts the run; a failed
// analysis or planning call does.
func (s *Structurer) Run(ctx context.Context, pages []string, opts domain.SummaryOptions) ([]domain.Section, error) {
	start := time.Now()
	defer structureLatency.Since(start)

	analysis, err := s.AnalyzeStructure(ctx, pages)
	if err != nil {
		return nil, err
	}
	limit := ResolveCap(analysis, len(pages))
	fullText := strings.Join(pages, "\n\n")

	plans, err := s.IdentifyChapters(ctx, fullText, len(pages), analysis, limit)
	if err != nil {
		return nil, err
	}
	plans = Prune(plans, limit)
	contents := ExtractContent(fullText, plans, len(pages))
	s.log.Info("chapters planned", "pages", len(pages), "cap", limit, "chapters", len(plans), "extracted", len(contents))

	return s.SummarizeChapters(ctx, contents, opts)
}

// AnalyzeStructure asks the model how chapters are marked in a sample of
// the document. An unusable answer yields DefaultAnalysis.
func (s *Structurer) AnalyzeStructure(ctx context.Context, pages []string) (Analysis, error) {
	prompt := fmt.Sprintf(`You are analyzing a large document with %d pages to identify its chapter structure.

First, determine the pattern used for chapter headings in this document.
Look for patterns like "Chapter X:", "X. Chapter Title", numbered sections, etc.

Then, estimate how many chapters this document likely contains based on the patterns you identified.

Return your analysis as JSON with the following format:
{
  "chapterPattern": "Description of how chapters are marked in this document",
  "estimatedChapterCount": number,
  "chapterIdentifiers": ["List of text patterns that indicate chapter starts"],
  "shouldIncludeFrontMatter": boolean,
  "recommendedChapterLimit": number
}

Sample content from the document (beginning, middle, and end):
%s%s`, len(pages), truncateChars(Sample(pages), sampleChars), truncatedSuffix)

	raw, err := s.llm.ChatJSON(ctx, llm.ChatRequest{
		Model: s.opts.Model,
		Messages: []llm.Message{
			llm.System("You are an expert at analyzing document structure and identifying chapter patterns."),
			llm.User(prompt),
		},
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("chapters: analyze structure: %w", err)
	}

	var a Analysis
	if err := decode("structure_analysis", analysisLoader, raw, &a); err != nil {
		fallbacksTaken.Inc()
		s.log.Warn("structure analysis unusable, using default", "err", err)
		return DefaultAnalysis(), nil
	}
	return a, nil
}

type planResponse struct {
	Chapters []domain.ChapterPlan `json:"chapters"`
}

// IdentifyChapters asks the model for at most limit chapters. An unusable
// answer yields DefaultPlan. Importance is lower-cased.
func (s *Structurer) IdentifyChapters(ctx context.Context, fullText string, pageCount int, a Analysis, limit int) ([]domain.ChapterPlan, error) {
	prompt := fmt.Sprintf(`Analyze this document and identify its chapter structure.

Document info:
- Total pages: %d
- Chapter pattern: %s
- Include front matter (preface, acknowledgments, etc.): %t

Return a JSON array of chapters with the following format:
{
  "chapters": [
    {
      "title": "Chapter/Section Title",
      "startMarker": "Text that indicates the start of this chapter",
      "importance": "high/medium/low" (estimate how important this chapter is to the overall document)
    }
  ]
}

IMPORTANT GUIDELINES:
1. Identify AT MOST %d chapters - focus on the most important ones
2. For textbooks or technical documents, prioritize main content chapters over appendices
3. For very large documents, focus on major sections rather than every sub-chapter
4. Include a "Conclusion" or final chapter if present
5. If front matter should be included, add entries for important front matter like "Preface" or "Introduction"

Document content:
%s%s`, pageCount, a.ChapterPattern, a.ShouldIncludeFrontMatter, limit, truncateChars(fullText, planChars), truncatedSuffix)

	raw, err := s.llm.ChatJSON(ctx, llm.ChatRequest{
		Model: s.opts.Model,
		Messages: []llm.Message{
			llm.System("You are an expert at analyzing document structure and identifying the most important chapters or logical sections."),
			llm.User(prompt),
		},
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, fmt.Errorf("chapters: identify: %w", err)
	}

	var resp planResponse
	if err := decode("chapter_identification", planLoader, raw, &resp); err != nil {
		fallbacksTaken.Inc()
		s.log.Warn("chapter plan unusable, using default", "err", err)
		return DefaultPlan(), nil
	}
	for i := range resp.Chapters {
		resp.Chapters[i].Importance = domain.Importance(strings.ToLower(strings.TrimSpace(string(resp.Chapters[i].Importance))))
	}
	return resp.Chapters, nil
}

// decode validates raw against schema and unmarshals it into v.
func decode(stage string, schema gojsonschema.JSONLoader, raw string, v any) error {
	malformed := func(err error) error {
		return &domain.MalformedResponseError{Stage: stage, Raw: raw, Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return malformed(err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return malformed(fmt.Errorf("schema: %s", strings.Join(msgs, "; ")))
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return malformed(err)
	}
	return nil
}

// SummarizeChapters summarises contents in concurrent batches. Blank spans
// are skipped; a failed call yields a placeholder section. Order is the
// span's index plus 2.
func (s *Structurer) SummarizeChapters(ctx context.Context, contents []domain.ChapterContent, opts domain.SummaryOptions) ([]domain.Section, error) {
	results := make([]*domain.Section, len(contents))
	for from := 0; from < len(contents); from += s.opts.BatchSize {
		if from > 0 {
			if err := s.sleep(ctx, s.opts.BatchPause); err != nil {
				return nil, err
			}
		}
		to := min(from+s.opts.BatchSize, len(contents))

		var g errgroup.Group
		for i := from; i < to; i++ {
			g.Go(func() error {
				results[i] = s.summarizeOne(ctx, i, contents[i], opts)
				return nil
			})
		}
		_ = g.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Section, 0, len(contents))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Structurer) summarizeOne(ctx context.Context, index int, c domain.ChapterContent, opts domain.SummaryOptions) *domain.Section {
	if strings.TrimSpace(c.Content) == "" {
		s.log.Debug("skipping empty chapter", "chapter", c.Title)
		return nil
	}
	section := &domain.Section{Title: c.Title, Order: index + 2}

	summary, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model: s.opts.Model,
		Messages: []llm.Message{
			llm.System("You are an expert summarizer that creates concise, accurate chapter summaries."),
			llm.User(chapterPrompt(c, opts)),
		},
		Temperature: 0.5,
		MaxTokens:   800,
	})
	if err != nil {
		chaptersFailed.Inc()
		s.log.Warn("chapter summary failed", "chapter", c.Title, "err", err)
		section.Content = FailedChapterSummary
		return section
	}
	if strings.TrimSpace(summary) == "" {
		summary = emptyChapterSummary
	}
	chaptersDone.Inc()
	section.Content = summary
	return section
}

func chapterPrompt(c domain.ChapterContent, opts domain.SummaryOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are summarizing a chapter or section of a document titled %q.\n", c.Title)
	b.WriteString("Please provide a concise summary of the following content.\n")
	b.WriteString("Focus on the main points, key arguments, and important details.\n")
	b.WriteString("Keep your summary to 2-3 paragraphs.\n")
	if isFocusChapter(c.Title, opts.FocusChapters) {
		b.WriteString("The reader marked this chapter as a focus area, so cover it in more detail.\n")
	}
	if len(opts.FocusTopics) > 0 {
		fmt.Fprintf(&b, "Pay special attention to these topics: %s.\n", strings.Join(opts.FocusTopics, ", "))
	}
	if opts.CustomInstructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", opts.CustomInstructions)
	}
	fmt.Fprintf(&b, "\nChapter content:\n%s%s", truncateChars(c.Content, excerptChars), truncatedSuffix)
	return b.String()
}

func isFocusChapter(title string, focus []string) bool {
	t := strings.ToLower(title)
	for _, f := range focus {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && strings.Contains(t, f) {
			return true
		}
	}
	return false
}
