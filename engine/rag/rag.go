// Package rag answers questions about one document. It retrieves the closest
// excerpts, builds a citation-grounded prompt and streams the model's reply
// as events: one metadata event, then content events, then done or error.
// Requests that only ask to jump to a page are answered without the model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/pkg/llm"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

// Fixed replies.
const (
	NoResultsMessage = "I couldn't find relevant information in this document to answer your question. Could you please rephrase or ask something else about the document?"
	ErrorMessage     = "I encountered an error while trying to answer your question. Please try again later."
	EmptyMessage     = "I couldn't generate a response based on the document content."
)

var navigationRegex = regexp.MustCompile(`(?i)\b(?:go to|take me to|show(?: me)?|navigate to|jump to)\s+page\s*(\d+)`)

var (
	answersTotal    = metrics.Default.Counter("pdfstudy_answers_total", "Answer streams started.")
	navigations     = metrics.Default.Counter("pdfstudy_answer_navigations_total", "Questions answered as page navigation.")
	emptyRetrievals = metrics.Default.Counter("pdfstudy_answer_empty_retrievals_total", "Questions with no matching excerpts.")
	streamErrors    = metrics.Default.Counter("pdfstudy_answer_errors_total", "Answer streams that ended with an error event.")
	firstToken      = metrics.Default.Histogram("pdfstudy_answer_first_token_seconds", "Time to the first content delta.", nil)
)

// Retriever finds excerpts of a document.
type Retriever interface {
	Query(ctx context.Context, docID, question string) ([]domain.RetrievalResult, error)
	DocumentPageURL(ctx context.Context, docID string) (string, error)
}

// Stream yields content deltas until io.EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// LLM opens streaming completions.
type LLM interface {
	OpenStream(ctx context.Context, req llm.ChatRequest) (Stream, error)
}

type clientLLM struct{ c *llm.Client }

func (a clientLLM) OpenStream(ctx context.Context, req llm.ChatRequest) (Stream, error) {
	s, err := a.c.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FromClient adapts an llm.Client.
func FromClient(c *llm.Client) LLM { return clientLLM{c} }

// Options tunes answers.
type Options struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	HistoryTurns int
	PreviewChars int
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{Temperature: 0.5, MaxTokens: 1000, HistoryTurns: 10, PreviewChars: 150}
}

// Service answers questions.
type Service struct {
	retriever Retriever
	llm       LLM
	opts      Options
	log       *slog.Logger
}

// New creates a Service.
func New(r Retriever, l LLM, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{retriever: r, llm: l, opts: opts, log: log}
}

// NavigationTarget reports the page a question asks to jump to. A question
// that only mentions a page is not a navigation request.
func NavigationTarget(question string) (int, bool) {
	m := navigationRegex.FindStringSubmatch(question)
	if m == nil {
		return 0, false
	}
	page, err := strconv.Atoi(m[1])
	if err != nil || page <= 0 {
		return 0, false
	}
	return page, true
}

// Stream answers question. Invalid input is rejected before any event is
// produced; every later failure is reported in the stream. The channel is
// closed after the final event or when ctx is cancelled.
func (s *Service) Stream(ctx context.Context, docID, question string, history []domain.ChatTurn) (<-chan Event, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}
	if err := domain.ValidateHistory(history); err != nil {
		return nil, err
	}

	answersTotal.Inc()
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.run(ctx, docID, question, history, emit)
	}()
	return out, nil
}

func (s *Service) run(ctx context.Context, docID, question string, history []domain.ChatTurn, emit func(Event) bool) {
	log := s.log.With("doc_id", docID)

	if page, ok := NavigationTarget(question); ok {
		navigations.Inc()
		s.navigate(ctx, docID, page, emit)
		return
	}

	results, err := s.retriever.Query(ctx, docID, question)
	if err != nil {
		streamErrors.Inc()
		log.Error("retrieval failed", "err", err)
		emit(Event{Type: EventError, Content: ErrorMessage})
		return
	}
	if len(results) == 0 {
		emptyRetrievals.Inc()
		log.Info("no matching excerpts")
		_ = emit(Event{Type: EventMetadata}) &&
			emit(Event{Type: EventContent, Content: NoResultsMessage}) &&
			emit(Event{Type: EventDone})
		return
	}

	if !emit(Event{Type: EventMetadata, Sources: sourcesFrom(results, s.opts.PreviewChars), ReferencedPages: ReferencedPages(results)}) {
		return
	}

	msgs := []llm.Message{llm.System(SystemPrompt(results))}
	for _, t := range recentHistory(history, s.opts.HistoryTurns) {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, llm.User(question))

	start := time.Now()
	stream, err := s.llm.OpenStream(ctx, llm.ChatRequest{
		Model:       s.opts.Model,
		Messages:    msgs,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		streamErrors.Inc()
		log.Error("open answer stream failed", "err", err)
		emit(Event{Type: EventError, Content: ErrorMessage})
		return
	}
	defer stream.Close()

	sent := false
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErrors.Inc()
			log.Error("answer stream failed", "err", err, "partial", sent)
			emit(Event{Type: EventError, Content: ErrorMessage})
			return
		}
		if delta == "" {
			continue
		}
		if !sent {
			firstToken.Since(start)
		}
		sent = true
		if !emit(Event{Type: EventContent, Content: delta}) {
			return
		}
	}
	if !sent && !emit(Event{Type: EventContent, Content: EmptyMessage}) {
		return
	}
	emit(Event{Type: EventDone})
}

// navigate answers a page jump. The URL is built from any stored page URL
// of the document; without one the answer carries no link.
func (s *Service) navigate(ctx context.Context, docID string, page int, emit func(Event) bool) {
	base, err := s.retriever.DocumentPageURL(ctx, docID)
	if err != nil {
		s.log.Warn("page url lookup failed", "doc_id", docID, "err", err)
		base = ""
	}
	base, _, _ = strings.Cut(base, "#")

	meta := Event{Type: EventMetadata, ReferencedPages: []int{page}, TargetPage: page}
	msg := fmt.Sprintf("I'll help you navigate to page %d.", page)
	if base != "" {
		url := fmt.Sprintf("%s#page=%d", base, page)
		meta.Sources = []Source{{PageNumber: page, Score: 1, Preview: fmt.Sprintf("Navigating to page %d", page), PageURL: url}}
		msg = fmt.Sprintf("I'll help you navigate to [Page %d](%s). Click the page number to view it.", page, url)
	}
	_ = emit(meta) &&
		emit(Event{Type: EventContent, Content: msg}) &&
		emit(Event{Type: EventDone})
}

// Response is a collected answer.
type Response struct {
	Message          string   `json:"message"`
	Sources          []Source `json:"sources"`
	ReferencedPages  []int    `json:"referencedPages"`
	IsPageNavigation bool     `json:"isPageNavigation,omitempty"`
	TargetPage       int      `json:"targetPage,omitempty"`
}

// Answer runs Stream and collects it. A stream that ends in an error event
// yields the apology message with no sources, not an error.
func (s *Service) Answer(ctx context.Context, docID, question string, history []domain.ChatTurn) (Response, error) {
	events, err := s.Stream(ctx, docID, question, history)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Sources: []Source{}, ReferencedPages: []int{}}
	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case EventMetadata:
			if ev.Sources != nil {
				resp.Sources = ev.Sources
			}
			if ev.ReferencedPages != nil {
				resp.ReferencedPages = ev.ReferencedPages
			}
			resp.IsPageNavigation = ev.IsPageNavigation()
			resp.TargetPage = ev.TargetPage
		case EventContent:
			b.WriteString(ev.Content)
		case EventError:
			return Response{Message: ev.Content, Sources: []Source{}, ReferencedPages: []int{}}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	resp.Message = b.String()
	return resp, nil
}
