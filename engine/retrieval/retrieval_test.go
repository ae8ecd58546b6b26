package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/tokenizer"
)

type byteCodec struct{}

func (byteCodec) Encode(text string) []int {
	out := make([]int, len(text))
	for i := range text {
		out[i] = int(text[i])
	}
	return out
}

func (byteCodec) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}

type mockEmbedder struct {
	inputs []string
	err    error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.inputs = append(m.inputs, text)
	if m.err != nil {
		return nil, m.err
	}
	return []float32{1, 2}, nil
}

type mockIndex struct {
	results []domain.RetrievalResult
	err     error
	docID   string
	topK    int
	url     string
}

func (m *mockIndex) Search(_ context.Context, _ []float32, docID string, topK int) ([]domain.RetrievalResult, error) {
	m.docID, m.topK = docID, topK
	return m.results, m.err
}

func (m *mockIndex) DocumentPageURL(context.Context, string) (string, error) { return m.url, m.err }

func TestQuery(t *testing.T) {
	idx := &mockIndex{results: []domain.RetrievalResult{{PageNumber: 3, Score: 0.9}, {PageNumber: 1, Score: 0.4}}}
	emb := &mockEmbedder{}
	r := New(emb, idx, tokenizer.NewWithCodec(byteCodec{}), nil)
	results, err := r.Query(context.Background(), "doc1", "What is ATP?")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].PageNumber != 3 {
		t.Fatalf("results = %+v", results)
	}
	if idx.docID != "doc1" || idx.topK != DefaultTopK {
		t.Errorf("search called with %q/%d", idx.docID, idx.topK)
	}
	if len(emb.inputs) != 1 {
		t.Errorf("expected one embedding call, got %d", len(emb.inputs))
	}
}

func TestQueryNoMatchesIsEmpty(t *testing.T) {
	r := New(&mockEmbedder{}, &mockIndex{}, tokenizer.NewWithCodec(byteCodec{}), nil)
	results, err := r.Query(context.Background(), "doc1", "anything")
	if err != nil {
		t.Fatalf("no matches must not be an error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("expected empty slice, got %#v", results)
	}
}

func TestQueryValidation(t *testing.T) {
	r := New(&mockEmbedder{}, &mockIndex{}, tokenizer.NewWithCodec(byteCodec{}), nil)
	if _, err := r.Query(context.Background(), "bad id", "q"); !errors.Is(err, domain.ErrInvalidDocumentID) {
		t.Errorf("expected ErrInvalidDocumentID, got %v", err)
	}
	if _, err := r.Query(context.Background(), "doc1", " "); !errors.Is(err, domain.ErrEmptyQuestion) {
		t.Errorf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestEmbedQueryTruncates(t *testing.T) {
	emb := &mockEmbedder{}
	r := New(emb, &mockIndex{}, tokenizer.NewWithCodec(byteCodec{}), nil)
	if _, err := r.EmbedQuery(context.Background(), strings.Repeat("x", MaxQueryTokens+500)); err != nil {
		t.Fatal(err)
	}
	if len(emb.inputs[0]) != MaxQueryTokens {
		t.Fatalf("embedded %d tokens", len(emb.inputs[0]))
	}
}

func TestErrorsPropagate(t *testing.T) {
	boom := domain.NewProviderError("openai", "embed", errors.New("boom"))
	r := New(&mockEmbedder{err: boom}, &mockIndex{}, tokenizer.NewWithCodec(byteCodec{}), nil)
	if _, err := r.Query(context.Background(), "doc1", "q"); !errors.Is(err, domain.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
	r = New(&mockEmbedder{}, &mockIndex{err: errors.New("qdrant down")}, tokenizer.NewWithCodec(byteCodec{}), nil)
	if _, err := r.Search(context.Background(), []float32{1}, "doc1", 0); err == nil {
		t.Error("expected search error")
	}
	if _, err := r.DocumentPageURL(context.Background(), "doc1"); err == nil {
		t.Error("expected page url error")
	}
}

func TestDocumentPageURL(t *testing.T) {
	r := New(&mockEmbedder{}, &mockIndex{url: "https://blob/a.pdf#page=2"}, tokenizer.NewWithCodec(byteCodec{}), nil)
	u, err := r.DocumentPageURL(context.Background(), "a")
	if err != nil || u != "https://blob/a.pdf#page=2" {
		t.Fatalf("got %q, %v", u, err)
	}
}
