// Package domain defines the core document, vector, chapter and summary types
// shared by the pdfstudy engine packages, plus request validation at the
// pipeline entry points.
package domain

import "time"

// Page is one source page of an uploaded PDF. Chunks is a derived view that
// can be recomputed from Content at any time.
type Page struct {
	PageNumber int               `json:"pageNumber"`
	Content    string            `json:"content"`
	Chunks     []string          `json:"chunks"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Chunk is a bounded text span used as an embedding unit. A chunk never spans
// two pages.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	PageNumber int    `json:"pageNumber"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"tokenCount"`
}

// RecordMetadata is the payload stored alongside each vector.
type RecordMetadata struct {
	DocumentID  string `json:"documentId"`
	PageNumber  int    `json:"pageNumber"`
	Content     string `json:"content"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
	IsChunk     bool   `json:"isChunk"`
	TotalChunks *int   `json:"totalChunks,omitempty"`
	PageURL     string `json:"pageUrl,omitempty"`
}

// VectorRecord is a single embedding keyed by a deterministic id, so that
// re-ingesting a document overwrites instead of duplicating.
type VectorRecord struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Metadata  RecordMetadata `json:"metadata"`
}

// Importance ranks a chapter plan entry.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// Rank orders importances; unknown values rank below low.
func (i Importance) Rank() int {
	switch i {
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	default:
		return 0
	}
}

// ChapterPlan is an LLM-proposed logical section of a document.
type ChapterPlan struct {
	Title           string     `json:"title"`
	StartMarker     string     `json:"startMarker"`
	Importance      Importance `json:"importance"`
	ContentType     string     `json:"contentType,omitempty"`
	EstimatedLength string     `json:"estimatedLength,omitempty"`
}

// ChapterContent is the text span extracted for one planned chapter.
type ChapterContent struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Section is one titled, ordered block of a SummaryDocument.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Order   int    `json:"order"`
}

// SummaryDocument is the structured multi-level summary of a document.
// Overview has order 0, KeyPoints order 1 and chapters order 2 and up.
type SummaryDocument struct {
	DocumentID string    `json:"documentId"`
	Overview   Section   `json:"overview"`
	KeyPoints  Section   `json:"keyPoints"`
	Chapters   []Section `json:"chapters"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SummaryOptions carries user preferences for (re)generating summaries.
type SummaryOptions struct {
	FocusTopics        []string `json:"focusTopics,omitempty"`
	FocusChapters      []string `json:"focusChapters,omitempty"`
	CustomInstructions string   `json:"customInstructions,omitempty"`
}

// RetrievalResult is one similarity match scoped to a document.
type RetrievalResult struct {
	ID         string  `json:"id"`
	PageNumber int     `json:"pageNumber"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
	ChunkIndex *int    `json:"chunkIndex,omitempty"`
	PageURL    string  `json:"pageUrl,omitempty"`
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatTurn is one message of a prior conversation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JobKind names a kind of background work.
type JobKind string

const (
	JobIngest    JobKind = "ingest"
	JobSummarize JobKind = "summarize"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool { return s == JobSucceeded || s == JobFailed }

// Job records background ingestion or summarization so failures are discoverable.
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Kind       JobKind   `json:"kind"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IndexJob is the self-contained descriptor handed to an isolated index worker.
type IndexJob struct {
	DocumentID string `json:"documentId"`
	Pages      []Page `json:"pages"`
	PageURL    string `json:"pageUrl,omitempty"`
	Collection string `json:"collection,omitempty"`
	// Replace drops the document's existing vectors before indexing.
	Replace bool `json:"replace,omitempty"`
}

// PageReport is the outcome of indexing a single page.
type PageReport struct {
	PageNumber  int    `json:"pageNumber"`
	VectorCount int    `json:"vectorCount"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// IndexReport summarises an index job. Errors are reported, never raised into
// the submitter's context.
type IndexReport struct {
	DocumentID string       `json:"documentId"`
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
	Pages      []PageReport `json:"pages"`
}

// VectorCount returns the total number of vectors written.
func (r IndexReport) VectorCount() int {
	n := 0
	for _, p := range r.Pages {
		n += p.VectorCount
	}
	return n
}

// FailedPages returns the page numbers that produced no vectors due to an error.
func (r IndexReport) FailedPages() []int {
	var out []int
	for _, p := range r.Pages {
		if !p.Success {
			out = append(out, p.PageNumber)
		}
	}
	return out
}
