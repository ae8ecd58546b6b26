// Package store persists documents, pages, summaries, jobs and conversation
// history in Neo4j. Each entity lives on its own label; pages hang off their
// Document node.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/pdfstudy/engine/domain"
)

// Labels used in the graph.
const (
	LabelDocument     = "Document"
	LabelPage         = "Page"
	LabelSummary      = "Summary"
	LabelJob          = "Job"
	LabelConversation = "Conversation"
)

// Conversation is the stored chat history of one document.
type Conversation struct {
	DocumentID string            `json:"documentId"`
	Turns      []domain.ChatTurn `json:"turns"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// DocumentStore is the Neo4j-backed persistence layer.
type DocumentStore struct {
	driver        neo4j.DriverWithContext
	summaries     *Neo4jRepo[domain.SummaryDocument, string]
	jobs          *Neo4jRepo[domain.Job, string]
	conversations *Neo4jRepo[Conversation, string]
	log           *slog.Logger
	now           func() time.Time
	newSession    func(ctx context.Context) runner // for testing
}

// New creates a DocumentStore on an open driver.
func New(driver neo4j.DriverWithContext, log *slog.Logger) *DocumentStore {
	if log == nil {
		log = slog.Default()
	}
	return &DocumentStore{
		driver:        driver,
		summaries:     NewNeo4jRepo[domain.SummaryDocument, string](driver, LabelSummary, summaryToMap, summaryFromProps, WithIDKey[domain.SummaryDocument, string]("documentId")),
		jobs:          NewNeo4jRepo[domain.Job, string](driver, LabelJob, jobToMap, jobFromProps),
		conversations: NewNeo4jRepo[Conversation, string](driver, LabelConversation, conversationToMap, conversationFromProps, WithIDKey[Conversation, string]("documentId")),
		log:           log,
		now:           time.Now,
	}
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, url, user, pass string, log *slog.Logger) (*DocumentStore, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("store: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("store: neo4j connectivity: %w", err)
	}
	return New(driver, log), nil
}

// Close closes the driver.
func (s *DocumentStore) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// withSession routes every repository and the store itself through one
// session factory. Tests only.
func (s *DocumentStore) withSession(f func(context.Context) runner) {
	s.newSession = f
	s.summaries.newSession = f
	s.jobs.newSession = f
	s.conversations.newSession = f
}

func (s *DocumentStore) session(ctx context.Context) runner {
	return sessionFor(ctx, s.driver, s.newSession)
}

func (s *DocumentStore) run(ctx context.Context, cypher string, params map[string]any) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, cypher, params)
	return err
}

// --- Documents & pages ---

// SavePages replaces the stored pages of a document.
func (s *DocumentStore) SavePages(ctx context.Context, docID string, pages []domain.Page) error {
	rows := make([]map[string]any, len(pages))
	for i, p := range pages {
		chunks := p.Chunks
		if chunks == nil {
			chunks = []string{}
		}
		rows[i] = map[string]any{"pageNumber": p.PageNumber, "content": p.Content, "chunks": chunks}
	}
	err := s.run(ctx, `MERGE (d:Document {id: $id})
SET d.updatedAt = $now, d.pageCount = $count
WITH d
OPTIONAL MATCH (d)-[:HAS_PAGE]->(old:Page)
DETACH DELETE old
WITH DISTINCT d
UNWIND $pages AS row
CREATE (d)-[:HAS_PAGE]->(:Page {documentId: $id, pageNumber: row.pageNumber, content: row.content, chunks: row.chunks})`,
		map[string]any{"id": docID, "now": s.now(), "count": len(pages), "pages": rows})
	if err != nil {
		return fmt.Errorf("store: save pages %s: %w", docID, err)
	}
	return nil
}

// Pages returns the stored pages of a document in page order.
func (s *DocumentStore) Pages(ctx context.Context, docID string) ([]domain.Page, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (:Document {id: $id})-[:HAS_PAGE]->(p:Page) RETURN p ORDER BY p.pageNumber`,
		map[string]any{"id": docID})
	if err != nil {
		return nil, fmt.Errorf("store: pages %s: %w", docID, err)
	}
	var pages []domain.Page
	for res.Next(ctx) {
		props, err := nodeProps(res.Record())
		if err != nil {
			return nil, fmt.Errorf("store: pages %s: %w", docID, err)
		}
		pages = append(pages, domain.Page{
			PageNumber: intProp(props, "pageNumber"),
			Content:    strProp(props, "content"),
			Chunks:     strSliceProp(props, "chunks"),
		})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("store: pages %s: %w", docID, domain.ErrNotFound)
	}
	return pages, nil
}

// TouchDocument bumps the document's updatedAt timestamp.
func (s *DocumentStore) TouchDocument(ctx context.Context, docID string) error {
	if err := s.run(ctx, `MERGE (d:Document {id: $id}) SET d.updatedAt = $now`, map[string]any{"id": docID, "now": s.now()}); err != nil {
		return fmt.Errorf("store: touch %s: %w", docID, err)
	}
	return nil
}

// --- Summaries ---

// SaveSummary inserts or replaces the summary of doc.DocumentID.
func (s *DocumentStore) SaveSummary(ctx context.Context, doc domain.SummaryDocument) error {
	if _, err := s.summaries.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("store: save summary %s: %w", doc.DocumentID, err)
	}
	return nil
}

// Summary returns the stored summary, or an error wrapping domain.ErrNotFound.
func (s *DocumentStore) Summary(ctx context.Context, docID string) (domain.SummaryDocument, error) {
	return s.summaries.Get(ctx, docID)
}

// DeleteSummary removes a stored summary.
func (s *DocumentStore) DeleteSummary(ctx context.Context, docID string) error {
	return s.summaries.Delete(ctx, docID)
}

type summaryBody struct {
	Overview  domain.Section   `json:"overview"`
	KeyPoints domain.Section   `json:"keyPoints"`
	Chapters  []domain.Section `json:"chapters"`
}

func summaryToMap(d domain.SummaryDocument) map[string]any {
	body, _ := json.Marshal(summaryBody{Overview: d.Overview, KeyPoints: d.KeyPoints, Chapters: d.Chapters})
	return map[string]any{
		"documentId": d.DocumentID,
		"content":    string(body),
		"createdAt":  d.CreatedAt,
		"updatedAt":  d.UpdatedAt,
	}
}

func summaryFromProps(props map[string]any) (domain.SummaryDocument, error) {
	var body summaryBody
	if err := json.Unmarshal([]byte(strProp(props, "content")), &body); err != nil {
		return domain.SummaryDocument{}, fmt.Errorf("summary content: %w", err)
	}
	return domain.SummaryDocument{
		DocumentID: strProp(props, "documentId"),
		Overview:   body.Overview,
		KeyPoints:  body.KeyPoints,
		Chapters:   body.Chapters,
		CreatedAt:  timeProp(props, "createdAt"),
		UpdatedAt:  timeProp(props, "updatedAt"),
	}, nil
}

// --- Jobs ---

// SaveJob inserts or replaces a job record.
func (s *DocumentStore) SaveJob(ctx context.Context, job domain.Job) error {
	if _, err := s.jobs.Upsert(ctx, job); err != nil {
		return fmt.Errorf("store: save job %s: %w", job.ID, err)
	}
	return nil
}

// Job returns a job record, or an error wrapping domain.ErrNotFound.
func (s *DocumentStore) Job(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

// DocumentJobs lists the most recent jobs of a document.
func (s *DocumentStore) DocumentJobs(ctx context.Context, docID string, limit int) ([]domain.Job, error) {
	return s.jobs.List(ctx, ListOpts{Limit: limit, Filter: map[string]any{"documentId": docID}, OrderBy: "createdAt"})
}

func jobToMap(j domain.Job) map[string]any {
	return map[string]any{
		"id":         j.ID,
		"documentId": j.DocumentID,
		"kind":       string(j.Kind),
		"status":     string(j.Status),
		"error":      j.Error,
		"detail":     j.Detail,
		"createdAt":  j.CreatedAt,
		"updatedAt":  j.UpdatedAt,
	}
}

func jobFromProps(props map[string]any) (domain.Job, error) {
	return domain.Job{
		ID:         strProp(props, "id"),
		DocumentID: strProp(props, "documentId"),
		Kind:       domain.JobKind(strProp(props, "kind")),
		Status:     domain.JobStatus(strProp(props, "status")),
		Error:      strProp(props, "error"),
		Detail:     strProp(props, "detail"),
		CreatedAt:  timeProp(props, "createdAt"),
		UpdatedAt:  timeProp(props, "updatedAt"),
	}, nil
}

// --- Conversations ---

// SaveConversation replaces the chat history of a document.
func (s *DocumentStore) SaveConversation(ctx context.Context, docID string, turns []domain.ChatTurn) error {
	if _, err := s.conversations.Upsert(ctx, Conversation{DocumentID: docID, Turns: turns, UpdatedAt: s.now()}); err != nil {
		return fmt.Errorf("store: save conversation %s: %w", docID, err)
	}
	return nil
}

// Conversation returns the chat history of a document; none yet is empty.
func (s *DocumentStore) Conversation(ctx context.Context, docID string) ([]domain.ChatTurn, error) {
	c, err := s.conversations.Get(ctx, docID)
	if err != nil {
		if isNotFound(err) {
			return []domain.ChatTurn{}, nil
		}
		return nil, err
	}
	return c.Turns, nil
}

func conversationToMap(c Conversation) map[string]any {
	turns, _ := json.Marshal(c.Turns)
	return map[string]any{"documentId": c.DocumentID, "turns": string(turns), "updatedAt": c.UpdatedAt}
}

func conversationFromProps(props map[string]any) (Conversation, error) {
	c := Conversation{DocumentID: strProp(props, "documentId"), UpdatedAt: timeProp(props, "updatedAt")}
	if raw := strProp(props, "turns"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Turns); err != nil {
			return Conversation{}, fmt.Errorf("conversation turns: %w", err)
		}
	}
	if c.Turns == nil {
		c.Turns = []domain.ChatTurn{}
	}
	return c, nil
}
