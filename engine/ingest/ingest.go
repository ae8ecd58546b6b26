// Package ingest runs index jobs: validate the job, embed its pages and
// upsert the vectors, then summarise the outcome per page. A job can run
// in-process (LocalIndexer) or on an isolated worker reached over NATS
// (Worker + RemoteIndexer); both produce the same IndexReport.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/embedding"
	"github.com/WessleyAI/pdfstudy/pkg/fn"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
	"github.com/WessleyAI/pdfstudy/pkg/natsutil"
)

const (
	// JobSubject is the default NATS subject for index jobs.
	JobSubject = "pdfstudy.index.jobs"
	// WorkerQueue is the default queue group shared by index workers.
	WorkerQueue = "indexworkers"
	// DLQSubject receives jobs that failed outright.
	DLQSubject = "pdfstudy.index.dlq"
)

var (
	jobsTotal   = metrics.Default.Counter("pdfstudy_index_jobs_total", "Index jobs run.", "result", "ok")
	jobsFailed  = metrics.Default.Counter("pdfstudy_index_jobs_total", "Index jobs run.", "result", "failed")
	jobDuration = metrics.Default.Histogram("pdfstudy_index_job_seconds", "Index job wall time.", nil)
)

// Indexer runs an index job and reports the outcome. It never returns an
// error: failures are described by the report.
type Indexer interface {
	Index(ctx context.Context, job domain.IndexJob) domain.IndexReport
}

// Deps holds the external dependencies of a LocalIndexer.
type Deps struct {
	Batcher *embedding.Batcher
	Sink    embedding.Sink
	// ForCollection resolves the sink for jobs naming a collection other
	// than the default. Nil ignores IndexJob.Collection.
	ForCollection func(name string) embedding.Sink
	Logger        *slog.Logger
}

// Purger deletes every vector of a document. Sinks that implement it are
// cleared before a Replace job writes.
type Purger interface {
	DeleteByDocumentID(ctx context.Context, docID string) error
}

func (d Deps) sinkFor(job domain.IndexJob) embedding.Sink {
	if job.Collection != "" && d.ForCollection != nil {
		return d.ForCollection(job.Collection)
	}
	return d.Sink
}

// --- Pipeline Stages ---

// Validate checks the job descriptor.
var Validate fn.Stage[domain.IndexJob, domain.IndexJob] = func(_ context.Context, job domain.IndexJob) fn.Result[domain.IndexJob] {
	if err := domain.ValidateDocumentID(job.DocumentID); err != nil {
		return fn.Err[domain.IndexJob](err)
	}
	if len(job.Pages) == 0 {
		return fn.Err[domain.IndexJob](domain.NewValidationError("pages", "0", domain.ErrEmptyDocument))
	}
	return fn.Ok(job)
}

// NewPurge creates the stage that clears stale vectors of a Replace job.
func NewPurge(deps Deps) fn.Stage[domain.IndexJob, domain.IndexJob] {
	return func(ctx context.Context, job domain.IndexJob) fn.Result[domain.IndexJob] {
		if !job.Replace {
			return fn.Ok(job)
		}
		p, ok := deps.sinkFor(job).(Purger)
		if !ok {
			return fn.Ok(job)
		}
		if err := p.DeleteByDocumentID(ctx, job.DocumentID); err != nil {
			return fn.Err[domain.IndexJob](fmt.Errorf("purge: %w", err))
		}
		return fn.Ok(job)
	}
}

// NewEmbed creates the stage that embeds every page of the job and streams
// each batch group to the job's sink.
func NewEmbed(deps Deps) fn.Stage[domain.IndexJob, domain.IndexReport] {
	return func(ctx context.Context, job domain.IndexJob) fn.Result[domain.IndexReport] {
		results, err := deps.Batcher.EmbedDocument(ctx, job.DocumentID, job.Pages, job.PageURL, deps.sinkFor(job))
		if err != nil {
			return fn.Err[domain.IndexReport](fmt.Errorf("embed: %w", err))
		}
		return fn.Ok(reportFrom(job.DocumentID, results))
	}
}

func reportFrom(docID string, results []embedding.PageResult) domain.IndexReport {
	report := domain.IndexReport{DocumentID: docID, Success: true, Pages: make([]domain.PageReport, len(results))}
	for i, r := range results {
		pr := domain.PageReport{PageNumber: r.PageNumber, VectorCount: len(r.Records), Success: r.Err == nil}
		if r.Err != nil {
			pr.Error = r.Err.Error()
		}
		report.Pages[i] = pr
	}
	return report
}

// NewPipeline composes Validate, Purge and Embed with logging and tracing.
func NewPipeline(deps Deps) fn.Stage[domain.IndexJob, domain.IndexReport] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	validated := fn.LoggedStage("validate", log, fn.TracedStage("ingest.validate", Validate))
	purged := fn.LoggedStage("purge", log, fn.TracedStage("ingest.purge", NewPurge(deps)))
	embedded := fn.LoggedStage("embed", log, fn.TracedStage("ingest.embed", NewEmbed(deps)))
	return fn.Then(fn.Then(validated, purged), embedded)
}

// LocalIndexer runs jobs in-process.
type LocalIndexer struct {
	pipeline fn.Stage[domain.IndexJob, domain.IndexReport]
	log      *slog.Logger
}

// NewLocalIndexer wires the pipeline.
func NewLocalIndexer(deps Deps) *LocalIndexer {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &LocalIndexer{pipeline: NewPipeline(deps), log: log}
}

// Index runs the job. A report with Success=false carries the reason in
// Error; page-level failures leave Success=true and are listed per page.
func (l *LocalIndexer) Index(ctx context.Context, job domain.IndexJob) (report domain.IndexReport) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("index job panicked", "doc_id", job.DocumentID, "panic", r)
			report = failedReport(job.DocumentID, fmt.Errorf("panic: %v", r))
		}
		jobDuration.Since(start)
		if report.Success {
			jobsTotal.Inc()
		} else {
			jobsFailed.Inc()
		}
	}()

	report, err := l.pipeline(ctx, job).Unwrap()
	if err != nil {
		l.log.Error("index job failed", "doc_id", job.DocumentID, "err", err)
		return failedReport(job.DocumentID, err)
	}
	if failed := report.FailedPages(); len(failed) > 0 {
		l.log.Warn("index job finished with failed pages", "doc_id", job.DocumentID, "failed_pages", failed)
	}
	l.log.Info("index job done", "doc_id", job.DocumentID, "pages", len(report.Pages), "vectors", report.VectorCount())
	return report
}

func failedReport(docID string, err error) domain.IndexReport {
	return domain.IndexReport{DocumentID: docID, Success: false, Error: err.Error()}
}

// dlqMessage is published to the DLQ when a job fails outright.
type dlqMessage struct {
	DocumentID string `json:"documentId"`
	Pages      int    `json:"pages"`
	Error      string `json:"error"`
}

// Worker serves index jobs from a NATS queue group.
type Worker struct {
	nc      *nats.Conn
	indexer Indexer
	subject string
	queue   string
	log     *slog.Logger
}

// NewWorker creates a worker. Empty subject or queue fall back to the defaults.
func NewWorker(nc *nats.Conn, indexer Indexer, subject, queue string, log *slog.Logger) *Worker {
	if subject == "" {
		subject = JobSubject
	}
	if queue == "" {
		queue = WorkerQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{nc: nc, indexer: indexer, subject: subject, queue: queue, log: log}
}

// Start subscribes the worker. Every decodable job is answered with a report.
func (w *Worker) Start() (*nats.Subscription, error) {
	sub, err := natsutil.Reply(w.nc, w.subject, w.queue, w.log, w.handle)
	if err != nil {
		return nil, fmt.Errorf("ingest: subscribe %s: %w", w.subject, err)
	}
	w.log.Info("index worker listening", "subject", w.subject, "queue", w.queue)
	return sub, nil
}

func (w *Worker) handle(ctx context.Context, job domain.IndexJob) domain.IndexReport {
	w.log.Info("index job received", "doc_id", job.DocumentID, "pages", len(job.Pages))
	report := w.indexer.Index(ctx, job)
	if !report.Success {
		dlq := dlqMessage{DocumentID: job.DocumentID, Pages: len(job.Pages), Error: report.Error}
		if err := natsutil.Publish(ctx, w.nc, DLQSubject, dlq); err != nil {
			w.log.Error("DLQ publish failed", "doc_id", job.DocumentID, "err", err)
		}
	}
	return report
}

// payloadHeadroom is reserved in every request for trace headers and framing.
const payloadHeadroom = 8 << 10

// RemoteIndexer submits jobs to the worker pool and waits for the report.
// Jobs larger than the server's max payload are sent as page ranges.
type RemoteIndexer struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// NewRemoteIndexer creates a client for the worker pool.
func NewRemoteIndexer(nc *nats.Conn, subject string, log *slog.Logger) *RemoteIndexer {
	if subject == "" {
		subject = JobSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &RemoteIndexer{nc: nc, subject: subject, log: log}
}

// Index sends the job and returns the worker's report. Transport failures
// are turned into a failed report instead of an error.
func (r *RemoteIndexer) Index(ctx context.Context, job domain.IndexJob) domain.IndexReport {
	job.Pages = transportPages(job.Pages)
	parts, err := SplitJob(job, int(r.nc.MaxPayload())-payloadHeadroom)
	if err != nil {
		r.log.Error("remote index failed", "doc_id", job.DocumentID, "err", err)
		return failedReport(job.DocumentID, err)
	}
	if len(parts) > 1 {
		r.log.Info("index job split", "doc_id", job.DocumentID, "pages", len(job.Pages), "parts", len(parts))
	}

	merged := domain.IndexReport{DocumentID: job.DocumentID, Success: true, Pages: make([]domain.PageReport, 0, len(job.Pages))}
	for i, part := range parts {
		report, err := natsutil.Request[domain.IndexJob, domain.IndexReport](ctx, r.nc, r.subject, part)
		if err != nil {
			if errors.Is(err, nats.ErrNoResponders) {
				err = fmt.Errorf("no index worker available: %w", err)
			}
			r.log.Error("remote index failed", "doc_id", job.DocumentID, "part", i, "err", err)
			return failedReport(job.DocumentID, err)
		}
		if !report.Success {
			return report
		}
		merged.Pages = append(merged.Pages, report.Pages...)
	}
	return merged
}

// transportPages drops the derived chunk text, which workers recompute from
// the page content.
func transportPages(pages []domain.Page) []domain.Page {
	if pages == nil {
		return nil
	}
	out := make([]domain.Page, len(pages))
	for i, p := range pages {
		out[i] = domain.Page{PageNumber: p.PageNumber, Content: p.Content, Metadata: p.Metadata}
	}
	return out
}

// SplitJob cuts job into consecutive page ranges whose JSON encoding stays
// within limit bytes. Only the first part keeps Replace, so a replace purges
// once before any part writes. A page too large for limit on its own is sent
// alone. limit <= 0 disables splitting.
func SplitJob(job domain.IndexJob, limit int) ([]domain.IndexJob, error) {
	if limit <= 0 || len(job.Pages) == 0 {
		return []domain.IndexJob{job}, nil
	}
	envelope := job
	envelope.Pages = []domain.Page{}
	head, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode job: %w", err)
	}

	var parts []domain.IndexJob
	flush := func(pages []domain.Page) {
		part := job
		part.Pages = pages
		part.Replace = job.Replace && len(parts) == 0
		parts = append(parts, part)
	}

	start, size := 0, len(head)
	for i, p := range job.Pages {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("ingest: encode page %d: %w", p.PageNumber, err)
		}
		n := len(data) + 1
		if i > start && size+n > limit {
			flush(job.Pages[start:i])
			start, size = i, len(head)
		}
		size += n
	}
	flush(job.Pages[start:])
	return parts, nil
}
