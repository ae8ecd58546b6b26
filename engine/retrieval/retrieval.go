// Package retrieval embeds a question and finds the closest stored chunks of
// one document.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/tokenizer"
)

// MaxQueryTokens is the embedding input limit applied to queries.
const MaxQueryTokens = 4000

// DefaultTopK is the number of matches returned per query.
const DefaultTopK = 5

// Embedder embeds a single text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index being searched.
type Index interface {
	Search(ctx context.Context, embedding []float32, docID string, topK int) ([]domain.RetrievalResult, error)
	DocumentPageURL(ctx context.Context, docID string) (string, error)
}

// Retriever answers similarity queries scoped to a document.
type Retriever struct {
	embedder Embedder
	index    Index
	tok      *tokenizer.Tokenizer
	topK     int
	log      *slog.Logger
}

// New creates a Retriever. A nil tokenizer uses the shared cl100k_base one.
func New(e Embedder, idx Index, tok *tokenizer.Tokenizer, log *slog.Logger) *Retriever {
	if tok == nil {
		tok = tokenizer.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{embedder: e, index: idx, tok: tok, topK: DefaultTopK, log: log}
}

// EmbedQuery truncates text to the embedding input limit and embeds it once.
func (r *Retriever) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.embedder.Embed(ctx, r.tok.Truncate(text, MaxQueryTokens))
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return vec, nil
}

// Search returns the topK matches in docID, best first. topK <= 0 uses DefaultTopK.
func (r *Retriever) Search(ctx context.Context, vec []float32, docID string, topK int) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		topK = r.topK
	}
	results, err := r.index.Search(ctx, vec, docID, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	if results == nil {
		results = []domain.RetrievalResult{}
	}
	return results, nil
}

// Query embeds question and searches docID. A document with no vectors
// yields an empty slice and no error.
func (r *Retriever) Query(ctx context.Context, docID, question string) ([]domain.RetrievalResult, error) {
	if err := domain.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}
	start := time.Now()
	vec, err := r.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	results, err := r.Search(ctx, vec, docID, r.topK)
	if err != nil {
		return nil, err
	}
	r.log.Debug("retrieved", "doc_id", docID, "matches", len(results), "duration", time.Since(start))
	return results, nil
}

// DocumentPageURL returns the document's stored viewer URL, or "" if unknown.
func (r *Retriever) DocumentPageURL(ctx context.Context, docID string) (string, error) {
	u, err := r.index.DocumentPageURL(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("retrieval: page url: %w", err)
	}
	return u, nil
}
