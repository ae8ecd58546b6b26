// Package study is the entry point of the study assistant. It validates
// requests, runs ingestion and summarization as background jobs whose state
// is persisted, and answers questions about an indexed document. Jobs for
// the same document never run concurrently.
package study

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/rag"
	"github.com/WessleyAI/pdfstudy/engine/segment"
	"github.com/WessleyAI/pdfstudy/pkg/fn"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

var (
	jobsQueued    = metrics.Default.Counter("pdfstudy_jobs_total", "Background jobs by final status.", "status", "queued")
	jobsSucceeded = metrics.Default.Counter("pdfstudy_jobs_total", "Background jobs by final status.", "status", "succeeded")
	jobsFailed    = metrics.Default.Counter("pdfstudy_jobs_total", "Background jobs by final status.", "status", "failed")
	jobsRunning   = metrics.Default.Gauge("pdfstudy_jobs_running", "Background jobs currently running.")
	jobDuration   = metrics.Default.Histogram("pdfstudy_job_seconds", "Background job wall time.", nil)
)

// recentJobs bounds DocumentJobs.
const recentJobs = 20

// Indexer embeds and stores the vectors of a document.
type Indexer interface {
	Index(ctx context.Context, job domain.IndexJob) domain.IndexReport
}

// Summarizer builds and stores a document summary.
type Summarizer interface {
	Summarize(ctx context.Context, docID string, pages []string, opts domain.SummaryOptions) (domain.SummaryDocument, error)
}

// Retriever finds the excerpts closest to a question.
type Retriever interface {
	Query(ctx context.Context, docID, question string) ([]domain.RetrievalResult, error)
}

// Answerer streams grounded answers.
type Answerer interface {
	Stream(ctx context.Context, docID, question string, history []domain.ChatTurn) (<-chan rag.Event, error)
}

// Store persists pages, jobs, summaries and conversations.
type Store interface {
	SavePages(ctx context.Context, docID string, pages []domain.Page) error
	Pages(ctx context.Context, docID string) ([]domain.Page, error)
	SaveJob(ctx context.Context, job domain.Job) error
	Job(ctx context.Context, id string) (domain.Job, error)
	DocumentJobs(ctx context.Context, docID string, limit int) ([]domain.Job, error)
	Summary(ctx context.Context, docID string) (domain.SummaryDocument, error)
	DeleteSummary(ctx context.Context, docID string) error
	SaveConversation(ctx context.Context, docID string, turns []domain.ChatTurn) error
	Conversation(ctx context.Context, docID string) ([]domain.ChatTurn, error)
}

// Config bounds the work the service does per request.
type Config struct {
	// CallTimeout bounds synchronous provider-backed calls such as Query.
	CallTimeout time.Duration
	// JobTimeout bounds a whole background job. Zero means no bound.
	JobTimeout time.Duration
	// Collection is passed to index jobs. Empty uses the indexer's default.
	Collection string
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Indexer    Indexer
	Summarizer Summarizer
	Retriever  Retriever
	Answerer   Answerer
	Store      Store
	Logger     *slog.Logger
}

// Service is the study assistant facade.
type Service struct {
	deps  Deps
	cfg   Config
	log   *slog.Logger
	locks *keyedMutex

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	newID func() string
	now   func() time.Time
}

// New creates a Service. Background jobs run until they finish or Close is
// called.
func New(deps Deps, cfg Config) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   deps,
		cfg:    cfg,
		log:    log,
		locks:  newKeyedMutex(),
		base:   base,
		cancel: cancel,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Ingest segments the raw page texts, records a queued ingest job and runs
// it in the background. Re-ingesting a document replaces its previous
// vectors. The returned job is discoverable through Job.
func (s *Service) Ingest(ctx context.Context, docID string, rawPageTexts []string, pageURL string) (domain.Job, error) {
	if err := domain.ValidatePageTexts(docID, rawPageTexts); err != nil {
		return domain.Job{}, err
	}
	pages := segment.Segment(rawPageTexts, nil)
	return s.submit(ctx, docID, domain.JobIngest, func(ctx context.Context) (string, error) {
		if err := s.deps.Store.SavePages(ctx, docID, pages); err != nil {
			return "", fmt.Errorf("study: save pages: %w", err)
		}
		report := s.deps.Indexer.Index(ctx, domain.IndexJob{
			DocumentID: docID,
			Pages:      pages,
			PageURL:    pageURL,
			Collection: s.cfg.Collection,
			Replace:    true,
		})
		if !report.Success {
			return "", fmt.Errorf("study: index: %s", report.Error)
		}
		detail := fmt.Sprintf("pages=%d vectors=%d", len(report.Pages), report.VectorCount())
		if failed := report.FailedPages(); len(failed) > 0 {
			detail += fmt.Sprintf(" failed_pages=%v", failed)
		}
		return detail, nil
	})
}

// Summarize builds and stores the summary of a document and waits for it.
// It is serialized with every other job for the same document.
func (s *Service) Summarize(ctx context.Context, docID string, rawPageTexts []string, opts domain.SummaryOptions) (domain.SummaryDocument, error) {
	if err := domain.ValidatePageTexts(docID, rawPageTexts); err != nil {
		return domain.SummaryDocument{}, err
	}
	unlock, err := s.locks.Lock(ctx, docID)
	if err != nil {
		return domain.SummaryDocument{}, err
	}
	defer unlock()
	return s.deps.Summarizer.Summarize(ctx, docID, rawPageTexts, opts)
}

// SubmitSummarize is the background variant of Summarize.
func (s *Service) SubmitSummarize(ctx context.Context, docID string, rawPageTexts []string, opts domain.SummaryOptions) (domain.Job, error) {
	if err := domain.ValidatePageTexts(docID, rawPageTexts); err != nil {
		return domain.Job{}, err
	}
	return s.submit(ctx, docID, domain.JobSummarize, func(ctx context.Context) (string, error) {
		doc, err := s.deps.Summarizer.Summarize(ctx, docID, rawPageTexts, opts)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("chapters=%d", len(doc.Chapters)), nil
	})
}

// Regenerate submits a summary job over the pages stored when the document
// was ingested.
func (s *Service) Regenerate(ctx context.Context, docID string, opts domain.SummaryOptions) (domain.Job, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return domain.Job{}, err
	}
	pages, err := s.deps.Store.Pages(ctx, docID)
	if err != nil {
		return domain.Job{}, err
	}
	return s.SubmitSummarize(ctx, docID, fn.Map(pages, func(p domain.Page) string { return p.Content }), opts)
}

// Query returns the excerpts of docID closest to question. An unindexed
// document yields no results, not an error.
func (s *Service) Query(ctx context.Context, docID, question string) ([]domain.RetrievalResult, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.deps.Retriever.Query(ctx, docID, question)
}

// AnswerStream streams a grounded answer. Invalid input is rejected before
// the stream starts.
func (s *Service) AnswerStream(ctx context.Context, docID, question string, history []domain.ChatTurn) (<-chan rag.Event, error) {
	return s.deps.Answerer.Stream(ctx, docID, question, history)
}

// Job returns a recorded job.
func (s *Service) Job(ctx context.Context, id string) (domain.Job, error) {
	return s.deps.Store.Job(ctx, id)
}

// DocumentJobs lists the most recent jobs of a document, newest first.
func (s *Service) DocumentJobs(ctx context.Context, docID string) ([]domain.Job, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	return s.deps.Store.DocumentJobs(ctx, docID, recentJobs)
}

// Summary returns the stored summary of a document.
func (s *Service) Summary(ctx context.Context, docID string) (domain.SummaryDocument, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return domain.SummaryDocument{}, err
	}
	return s.deps.Store.Summary(ctx, docID)
}

// DeleteSummary removes the stored summary of a document. It waits for any
// running job of the document.
func (s *Service) DeleteSummary(ctx context.Context, docID string) error {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, docID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.deps.Store.DeleteSummary(ctx, docID)
}

// Conversation returns the stored chat history of a document.
func (s *Service) Conversation(ctx context.Context, docID string) ([]domain.ChatTurn, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	return s.deps.Store.Conversation(ctx, docID)
}

// SaveConversation replaces the stored chat history of a document.
func (s *Service) SaveConversation(ctx context.Context, docID string, turns []domain.ChatTurn) error {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return err
	}
	if err := domain.ValidateHistory(turns); err != nil {
		return err
	}
	return s.deps.Store.SaveConversation(ctx, docID, turns)
}

// Wait blocks until every submitted job has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close cancels running jobs and waits for them to record their outcome.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}
