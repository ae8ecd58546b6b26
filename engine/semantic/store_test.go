package semantic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/WessleyAI/pdfstudy/engine/domain"
)

// --- Mocks ---

// mockPoints is an in-memory collection keyed by point id.
type mockPoints struct {
	mu        sync.Mutex
	points    map[string]*pb.PointStruct
	batches   []int
	failNext  int
	failErr   error
	calls     int
	searchErr error
	lastLimit uint64
}

func newMockPoints() *mockPoints { return &mockPoints{points: map[string]*pb.PointStruct{}} }

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		if m.failErr != nil {
			return nil, m.failErr
		}
		return nil, errors.New("unavailable")
	}
	m.batches = append(m.batches, len(in.GetPoints()))
	for _, p := range in.GetPoints() {
		m.points[p.GetId().GetUuid()] = p
	}
	return &pb.PointsOperationResponse{}, nil
}

func docOf(f *pb.Filter) string {
	return f.GetMust()[0].GetField().GetMatch().GetKeyword()
}

func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := docOf(in.GetPoints().GetFilter())
	for id, p := range m.points {
		if p.GetPayload()[keyDocumentID].GetStringValue() == doc {
			delete(m.points, id)
		}
	}
	return &pb.PointsOperationResponse{}, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	m.lastLimit = in.GetLimit()
	doc := docOf(in.GetFilter())
	var hits []*pb.ScoredPoint
	for _, p := range m.points {
		if p.GetPayload()[keyDocumentID].GetStringValue() != doc {
			continue
		}
		hits = append(hits, &pb.ScoredPoint{
			Id:      p.GetId(),
			Payload: p.GetPayload(),
			Score:   cosine(in.GetVector(), p.GetVectors().GetVector().GetData()),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].GetScore() > hits[j].GetScore() })
	if uint64(len(hits)) > in.GetLimit() {
		hits = hits[:in.GetLimit()]
	}
	return &pb.SearchResponse{Result: hits}, nil
}

func (m *mockPoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := docOf(in.GetFilter())
	var out []*pb.RetrievedPoint
	for _, p := range m.points {
		if p.GetPayload()[keyDocumentID].GetStringValue() == doc {
			out = append(out, &pb.RetrievedPoint{Id: p.GetId(), Payload: p.GetPayload()})
		}
	}
	return &pb.ScrollResponse{Result: out}, nil
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	created   []*pb.CreateCollection
	createErr error
	deleted   int
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in)
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted++
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func newTestStore(points *mockPoints) *VectorStore {
	vs := NewWithClients(points, &mockCollections{}, "test", nil)
	vs.retry.InitialWait = time.Millisecond
	vs.retry.Jitter = false
	return vs
}

func record(doc string, page int, vec []float32, chunk *int) domain.VectorRecord {
	id := fmt.Sprintf("doc_%s_page_%d", doc, page)
	if chunk != nil {
		id = fmt.Sprintf("%s_chunk_%d", id, *chunk)
	}
	return domain.VectorRecord{
		ID:        id,
		Embedding: vec,
		Metadata: domain.RecordMetadata{
			DocumentID: doc, PageNumber: page, Content: fmt.Sprintf("page %d of %s", page, doc),
			ChunkIndex: chunk, IsChunk: chunk != nil, PageURL: "https://blob/" + doc + ".pdf#page=" + fmt.Sprint(page),
		},
	}
}

// --- Tests ---

func TestEnsureCollectionAlreadyExists(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{
		Collections: []*pb.CollectionDescription{{Name: "test"}},
	}}
	vs := NewWithClients(newMockPoints(), cols, "test", nil)
	if err := vs.EnsureCollection(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 0 {
		t.Fatal("should not create an existing collection")
	}
}

func TestEnsureCollectionCreates(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{}}
	vs := NewWithClients(newMockPoints(), cols, "test", nil)
	if err := vs.EnsureCollection(context.Background(), 1536); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 1 || cols.created[0].GetVectorsConfig().GetParams().GetSize() != 1536 {
		t.Fatalf("unexpected create %+v", cols.created)
	}
	if cols.created[0].GetVectorsConfig().GetParams().GetDistance() != pb.Distance_Cosine {
		t.Error("expected cosine distance")
	}
}

func TestEnsureCollectionErrors(t *testing.T) {
	vs := NewWithClients(newMockPoints(), &mockCollections{listErr: errors.New("conn refused")}, "test", nil)
	if err := vs.EnsureCollection(context.Background(), 4); !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if err := vs.EnsureCollection(context.Background(), 0); !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestUpsertBatchesOfAtMostHundred(t *testing.T) {
	points := newMockPoints()
	vs := newTestStore(points)
	var records []domain.VectorRecord
	for i := 1; i <= 250; i++ {
		records = append(records, record("d", i, []float32{1, float32(i)}, nil))
	}
	if err := vs.Upsert(context.Background(), records); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(points.batches) != "[100 100 50]" {
		t.Fatalf("batches = %v", points.batches)
	}
	if len(points.points) != 250 {
		t.Fatalf("stored %d points", len(points.points))
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	points := newMockPoints()
	vs := newTestStore(points)
	ctx := context.Background()
	first := []domain.VectorRecord{record("d", 1, []float32{1, 0}, nil)}
	if err := vs.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}
	again := record("d", 1, []float32{0, 1}, nil)
	again.Metadata.Content = "regenerated"
	if err := vs.Upsert(ctx, []domain.VectorRecord{again}); err != nil {
		t.Fatal(err)
	}
	if len(points.points) != 1 {
		t.Fatalf("expected overwrite, have %d points", len(points.points))
	}
	p := points.points[PointID("doc_d_page_1")]
	if p.GetPayload()[keyContent].GetStringValue() != "regenerated" {
		t.Error("content not overwritten")
	}

	results, err := vs.Search(ctx, []float32{0, 1}, "d", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Content != "regenerated" || results[0].ID != "doc_d_page_1" {
		t.Fatalf("search after re-upsert = %+v", results)
	}
	if results[0].Score < 0.99 {
		t.Errorf("score %v, want the new embedding to match", results[0].Score)
	}
}

func TestUpsertRetriesTransientFailure(t *testing.T) {
	points := newMockPoints()
	points.failNext = 2
	vs := newTestStore(points)
	if err := vs.Upsert(context.Background(), []domain.VectorRecord{record("d", 1, []float32{1}, nil)}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}

	points.failNext = 5
	err := vs.Upsert(context.Background(), []domain.VectorRecord{record("d", 2, []float32{1}, nil)})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestUpsertDoesNotRetryRejectedRequest(t *testing.T) {
	points := newMockPoints()
	points.failNext = 3
	points.failErr = status.Error(codes.InvalidArgument, "wrong vector size")
	vs := newTestStore(points)
	err := vs.Upsert(context.Background(), []domain.VectorRecord{record("d", 1, []float32{1}, nil)})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if points.calls != 1 {
		t.Fatalf("calls = %d, want 1", points.calls)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{status.Error(codes.Unavailable, "down"), true},
		{status.Error(codes.ResourceExhausted, "busy"), true},
		{errors.New("connection reset"), true},
		{status.Error(codes.InvalidArgument, "bad"), false},
		{status.Error(codes.NotFound, "no collection"), false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		if got := transient(tt.err); got != tt.want {
			t.Errorf("transient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSearchScopedToDocument(t *testing.T) {
	points := newMockPoints()
	vs := newTestStore(points)
	ctx := context.Background()
	two := 2
	records := []domain.VectorRecord{
		record("a", 1, []float32{1, 0}, nil),
		record("a", 2, []float32{0.7, 0.7}, &two),
		record("a", 3, []float32{0, 1}, nil),
		record("b", 1, []float32{1, 0}, nil),
	}
	if err := vs.Upsert(ctx, records); err != nil {
		t.Fatal(err)
	}

	results, err := vs.Search(ctx, []float32{1, 0.1}, "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].PageNumber != 1 || results[1].PageNumber != 2 {
		t.Fatalf("unexpected order %+v", results)
	}
	if results[0].Score < results[1].Score {
		t.Error("results must be in descending score order")
	}
	if results[1].ChunkIndex == nil || *results[1].ChunkIndex != 2 || results[1].ID != "doc_a_page_2_chunk_2" {
		t.Errorf("chunk metadata lost: %+v", results[1])
	}
	if results[0].PageURL != "https://blob/a.pdf#page=1" {
		t.Errorf("page url = %q", results[0].PageURL)
	}
	for _, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %v out of range", r.Score)
		}
	}

	if _, err := vs.Search(ctx, []float32{1, 0}, "a", 0); err != nil || points.lastLimit != DefaultTopK {
		t.Errorf("default topK not applied: limit=%d err=%v", points.lastLimit, err)
	}
}

func TestSearchNoMatchesIsEmpty(t *testing.T) {
	vs := newTestStore(newMockPoints())
	results, err := vs.Search(context.Background(), []float32{1, 0}, "missing", 5)
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %v", results)
	}
}

func TestSearchError(t *testing.T) {
	points := newMockPoints()
	points.searchErr = errors.New("timeout")
	vs := newTestStore(points)
	if _, err := vs.Search(context.Background(), []float32{1}, "a", 5); !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestDeleteByDocumentIDAndPageURL(t *testing.T) {
	points := newMockPoints()
	vs := newTestStore(points)
	ctx := context.Background()
	_ = vs.Upsert(ctx, []domain.VectorRecord{record("a", 1, []float32{1}, nil), record("b", 1, []float32{1}, nil)})

	url, err := vs.DocumentPageURL(ctx, "a")
	if err != nil || url != "https://blob/a.pdf#page=1" {
		t.Fatalf("DocumentPageURL = %q, %v", url, err)
	}
	if err := vs.DeleteByDocumentID(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(points.points) != 1 {
		t.Fatalf("expected only document b left, have %d", len(points.points))
	}
	if url, _ := vs.DocumentPageURL(ctx, "a"); url != "" {
		t.Errorf("deleted document still has url %q", url)
	}
}

func TestWithCollection(t *testing.T) {
	vs := newTestStore(newMockPoints())
	if vs.WithCollection("") != vs || vs.WithCollection("test") != vs {
		t.Error("same collection should return the receiver")
	}
	other := vs.WithCollection("other")
	if other.Collection() != "other" || vs.Collection() != "test" {
		t.Error("WithCollection must not mutate the receiver")
	}
	if err := other.Close(); err != nil {
		t.Error(err)
	}
}

func TestPointIDStable(t *testing.T) {
	if PointID("doc_x_page_1") != PointID("doc_x_page_1") || PointID("doc_x_page_1") == PointID("doc_x_page_2") {
		t.Fatal("point ids must be deterministic and distinct")
	}
}

func TestDocumentFilterMatchesKeyword(t *testing.T) {
	want := &pb.Filter{Must: []*pb.Condition{pb.NewMatch(keyDocumentID, "doc-1")}}
	if got := documentFilter("doc-1"); !proto.Equal(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
	if proto.Equal(documentFilter("doc-1"), documentFilter("doc-2")) {
		t.Error("filters for different documents must differ")
	}
}
