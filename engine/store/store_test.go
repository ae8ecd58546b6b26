package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/pdfstudy/engine/domain"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

type call struct {
	cypher string
	params map[string]any
}

// mockRunner answers each Run with the next scripted result. Upserts echo
// their props back like Neo4j's RETURN n.
type mockRunner struct {
	results []*mockResult
	err     error
	calls   []call
	closed  int
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.calls = append(m.calls, call{cypher, params})
	if m.err != nil {
		return nil, m.err
	}
	if strings.HasPrefix(cypher, "MERGE (n:") {
		return &mockResult{records: []*neo4j.Record{nodeRecord(params["props"].(map[string]any))}}, nil
	}
	if len(m.results) == 0 {
		return &mockResult{}, nil
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r, nil
}

func (m *mockRunner) Close(ctx context.Context) error {
	m.closed++
	return nil
}

func (m *mockRunner) last() call { return m.calls[len(m.calls)-1] }

func nodeRecord(props map[string]any) *neo4j.Record {
	return &neo4j.Record{Values: []any{dbtype.Node{Props: props}}, Keys: []string{"n"}}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(r *mockRunner) *DocumentStore {
	s := New(nil, nil)
	s.now = func() time.Time { return fixedNow }
	s.withSession(func(ctx context.Context) runner { return r })
	return s
}

// --- Tests ---

func TestSummaryRoundTrip(t *testing.T) {
	r := &mockRunner{}
	s := newTestStore(r)
	doc := domain.SummaryDocument{
		DocumentID: "bio101",
		Overview:   domain.Section{Title: "Document Overview", Content: "Cells.", Order: 0},
		KeyPoints:  domain.Section{Title: "Key Points", Content: "- ATP", Order: 1},
		Chapters:   []domain.Section{{Title: "Cells", Content: "About cells.", Order: 2}},
		CreatedAt:  fixedNow,
		UpdatedAt:  fixedNow,
	}
	if err := s.SaveSummary(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	c := r.last()
	if !strings.Contains(c.cypher, "MERGE (n:Summary {documentId: $id})") || c.params["id"] != "bio101" {
		t.Fatalf("unexpected upsert %q %v", c.cypher, c.params)
	}

	r.results = []*mockResult{{records: []*neo4j.Record{nodeRecord(c.params["props"].(map[string]any))}}}
	got, err := s.Summary(context.Background(), "bio101")
	if err != nil {
		t.Fatal(err)
	}
	if got.Overview != doc.Overview || got.KeyPoints != doc.KeyPoints || len(got.Chapters) != 1 || got.Chapters[0] != doc.Chapters[0] {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(fixedNow) {
		t.Errorf("createdAt = %v", got.CreatedAt)
	}
}

func TestSummaryNotFound(t *testing.T) {
	s := newTestStore(&mockRunner{})
	_, err := s.Summary(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunErrorsPropagate(t *testing.T) {
	s := newTestStore(&mockRunner{err: errors.New("db down")})
	if err := s.SaveJob(context.Background(), domain.Job{ID: "j1"}); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected db down, got %v", err)
	}
	if err := s.TouchDocument(context.Background(), "bio101"); err == nil {
		t.Fatal("expected touch error")
	}
}

func TestJobRoundTrip(t *testing.T) {
	r := &mockRunner{}
	s := newTestStore(r)
	job := domain.Job{ID: "j1", DocumentID: "bio101", Kind: domain.JobSummarize, Status: domain.JobFailed, Error: "openai chat: 503", CreatedAt: fixedNow, UpdatedAt: fixedNow}
	if err := s.SaveJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	r.results = []*mockResult{{records: []*neo4j.Record{nodeRecord(r.last().params["props"].(map[string]any))}}}
	got, err := s.Job(context.Background(), "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got != job {
		t.Fatalf("got %+v, want %+v", got, job)
	}
}

func TestDocumentJobsFilters(t *testing.T) {
	r := &mockRunner{}
	s := newTestStore(r)
	if _, err := s.DocumentJobs(context.Background(), "bio101", 5); err != nil {
		t.Fatal(err)
	}
	c := r.last()
	want := "MATCH (n:Job) WHERE n.documentId = $f0 RETURN n ORDER BY n.createdAt DESC SKIP $offset LIMIT $limit"
	if c.cypher != want {
		t.Fatalf("cypher = %q", c.cypher)
	}
	if c.params["f0"] != "bio101" || c.params["limit"] != 5 {
		t.Errorf("params = %v", c.params)
	}
}

func TestSavePagesAndPages(t *testing.T) {
	r := &mockRunner{}
	s := newTestStore(r)
	pages := []domain.Page{{PageNumber: 1, Content: "one"}, {PageNumber: 2, Content: "two", Chunks: []string{"tw", "o"}}}
	if err := s.SavePages(context.Background(), "bio101", pages); err != nil {
		t.Fatal(err)
	}
	c := r.last()
	rows := c.params["pages"].([]map[string]any)
	if len(rows) != 2 || c.params["count"] != 2 || c.params["now"] != fixedNow {
		t.Fatalf("params = %v", c.params)
	}
	if chunks, ok := rows[0]["chunks"].([]string); !ok || chunks == nil {
		t.Error("nil chunks must be stored as an empty list")
	}

	r.results = []*mockResult{{records: []*neo4j.Record{
		nodeRecord(map[string]any{"pageNumber": int64(1), "content": "one", "chunks": []any{}}),
		nodeRecord(map[string]any{"pageNumber": int64(2), "content": "two", "chunks": []any{"tw", "o"}}),
	}}}
	got, err := s.Pages(context.Background(), "bio101")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].PageNumber != 2 || got[1].Chunks[1] != "o" {
		t.Fatalf("pages = %+v", got)
	}

	if _, err := s.Pages(context.Background(), "none"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConversation(t *testing.T) {
	r := &mockRunner{}
	s := newTestStore(r)

	turns, err := s.Conversation(context.Background(), "bio101")
	if err != nil || turns == nil || len(turns) != 0 {
		t.Fatalf("empty history = %v, %v", turns, err)
	}

	history := []domain.ChatTurn{{Role: domain.RoleUser, Content: "what is ATP?"}, {Role: domain.RoleAssistant, Content: "Energy."}}
	if err := s.SaveConversation(context.Background(), "bio101", history); err != nil {
		t.Fatal(err)
	}
	r.results = []*mockResult{{records: []*neo4j.Record{nodeRecord(r.last().params["props"].(map[string]any))}}}
	got, err := s.Conversation(context.Background(), "bio101")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != history[1] {
		t.Fatalf("history = %+v", got)
	}
}

func TestSessionsClosed(t *testing.T) {
	r := &mockRunner{}
	s := newTestStore(r)
	_ = s.TouchDocument(context.Background(), "a")
	_, _ = s.Summary(context.Background(), "a")
	_ = s.DeleteSummary(context.Background(), "a")
	if r.closed != 3 {
		t.Fatalf("closed %d sessions, want 3", r.closed)
	}
	if !strings.Contains(r.last().cypher, "DETACH DELETE") {
		t.Errorf("delete cypher = %q", r.last().cypher)
	}
}

func TestNodePropsAcceptsMaps(t *testing.T) {
	props, err := nodeProps(&neo4j.Record{Values: []any{map[string]any{"id": "x"}}})
	if err != nil || props["id"] != "x" {
		t.Fatalf("got %v, %v", props, err)
	}
	if _, err := nodeProps(&neo4j.Record{Values: []any{42}}); err == nil {
		t.Fatal("expected error for scalar value")
	}
}
