package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/rag"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
	"github.com/WessleyAI/pdfstudy/pkg/mid"
	"github.com/WessleyAI/pdfstudy/pkg/pdftext"
)

const maxBodyBytes = 32 << 20

// Study is the part of study.Service the API serves.
type Study interface {
	Ingest(ctx context.Context, docID string, rawPageTexts []string, pageURL string) (domain.Job, error)
	SubmitSummarize(ctx context.Context, docID string, rawPageTexts []string, opts domain.SummaryOptions) (domain.Job, error)
	Regenerate(ctx context.Context, docID string, opts domain.SummaryOptions) (domain.Job, error)
	Summary(ctx context.Context, docID string) (domain.SummaryDocument, error)
	DeleteSummary(ctx context.Context, docID string) error
	Job(ctx context.Context, id string) (domain.Job, error)
	DocumentJobs(ctx context.Context, docID string) ([]domain.Job, error)
	Query(ctx context.Context, docID, question string) ([]domain.RetrievalResult, error)
	AnswerStream(ctx context.Context, docID, question string, history []domain.ChatTurn) (<-chan rag.Event, error)
	Conversation(ctx context.Context, docID string) ([]domain.ChatTurn, error)
	SaveConversation(ctx context.Context, docID string, turns []domain.ChatTurn) error
}

// Fetcher downloads a PDF.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type api struct {
	study   Study
	fetcher Fetcher
	extract func(data []byte) ([]string, error)
	log     *slog.Logger
}

func (a *api) handler(corsOrigin string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", metrics.Default.Handler())
	mux.HandleFunc("POST /api/documents/{id}/ingest", a.handleIngest)
	mux.HandleFunc("POST /api/documents/{id}/summaries", a.handleSummarize)
	mux.HandleFunc("POST /api/documents/{id}/query", a.handleQuery)
	mux.HandleFunc("GET /api/documents/{id}/jobs", a.handleDocumentJobs)
	mux.HandleFunc("GET /api/summaries/{id}", a.handleSummary)
	mux.HandleFunc("DELETE /api/summaries/{id}", a.handleDeleteSummary)
	mux.HandleFunc("POST /api/summaries/{id}/regenerate", a.handleRegenerate)
	mux.HandleFunc("GET /api/jobs/{id}", a.handleJob)
	mux.HandleFunc("POST /api/chat/{id}", a.handleChat)
	mux.HandleFunc("GET /api/chats/{id}", a.handleGetChat)
	mux.HandleFunc("POST /api/chats/{id}", a.handleSaveChat)

	return mid.Chain(mux,
		mid.Recover(a.log),
		mid.RequestID(),
		mid.Logger(a.log),
		mid.CORS(corsOrigin),
		mid.OTel("pdfstudy-api"),
	)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DocumentRequest carries a document's pages inline or as a file URL.
type DocumentRequest struct {
	Pages   []string              `json:"pages,omitempty"`
	FileURL string                `json:"fileUrl,omitempty"`
	PageURL string                `json:"pageUrl,omitempty"`
	Options domain.SummaryOptions `json:"options"`
}

func (a *api) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decode(w, r, &req) {
		return
	}
	pages, ok := a.pages(w, r, req)
	if !ok {
		return
	}
	pageURL := req.PageURL
	if pageURL == "" {
		pageURL = req.FileURL
	}
	job, err := a.study.Ingest(r.Context(), r.PathValue("id"), pages, pageURL)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *api) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decode(w, r, &req) {
		return
	}
	pages, ok := a.pages(w, r, req)
	if !ok {
		return
	}
	job, err := a.study.SubmitSummarize(r.Context(), r.PathValue("id"), pages, req.Options)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *api) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var opts domain.SummaryOptions
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	job, err := a.study.Regenerate(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *api) handleSummary(w http.ResponseWriter, r *http.Request) {
	doc, err := a.study.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *api) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.study.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) handleDocumentJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.study.DocumentJobs(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *api) handleDeleteSummary(w http.ResponseWriter, r *http.Request) {
	if err := a.study.DeleteSummary(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryRequest is the JSON body of a retrieval query.
type QueryRequest struct {
	Question string `json:"question"`
}

func (a *api) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := a.study.Query(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if results == nil {
		results = []domain.RetrievalResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ChatRequest is the JSON body of a streamed question.
type ChatRequest struct {
	Message string            `json:"message"`
	History []domain.ChatTurn `json:"history,omitempty"`
}

func (a *api) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	events, err := a.study.AnswerStream(r.Context(), r.PathValue("id"), req.Message, req.History)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rag.WriteNDJSON(w, events); err != nil {
		a.log.Warn("chat stream aborted", "doc_id", r.PathValue("id"), "err", err)
	}
}

// Conversation is the JSON form of a stored chat history.
type Conversation struct {
	Messages []domain.ChatTurn `json:"messages"`
}

func (a *api) handleGetChat(w http.ResponseWriter, r *http.Request) {
	turns, err := a.study.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if turns == nil {
		turns = []domain.ChatTurn{}
	}
	writeJSON(w, http.StatusOK, Conversation{Messages: turns})
}

func (a *api) handleSaveChat(w http.ResponseWriter, r *http.Request) {
	var req Conversation
	if !decode(w, r, &req) {
		return
	}
	if err := a.study.SaveConversation(r.Context(), r.PathValue("id"), req.Messages); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// pages returns the inline pages or downloads and extracts FileURL.
func (a *api) pages(w http.ResponseWriter, r *http.Request, req DocumentRequest) ([]string, bool) {
	if len(req.Pages) > 0 || req.FileURL == "" {
		return req.Pages, true
	}
	data, err := a.fetcher.Fetch(r.Context(), req.FileURL)
	switch {
	case errors.Is(err, pdftext.ErrNotPDF):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("file is not a readable PDF"))
		return nil, false
	case errors.Is(err, pdftext.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("file too large"))
		return nil, false
	case err != nil:
		a.log.Error("fetch pdf failed", "url", req.FileURL, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody("could not fetch file"))
		return nil, false
	}
	extract := a.extract
	if extract == nil {
		extract = pdftext.ExtractPages
	}
	pages, err := extract(data)
	if err != nil {
		a.log.Warn("extract pdf failed", "url", req.FileURL, "err", err)
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("file is not a readable PDF"))
		return nil, false
	}
	return pages, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	return true
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody(strings.TrimPrefix(ve.Error(), "validation: ")))
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, domain.ErrProvider):
		a.log.Error("provider failure", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody("upstream provider unavailable"))
	default:
		a.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
