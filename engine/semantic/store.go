// Package semantic owns every Qdrant operation: collection setup, batched
// idempotent upserts, document-scoped similarity search and deletion.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/pkg/fn"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

// Payload keys stored with every point.
const (
	keyRecordID    = "record_id"
	keyDocumentID  = "document_id"
	keyPageNumber  = "page_number"
	keyContent     = "content"
	keyIsChunk     = "is_chunk"
	keyChunkIndex  = "chunk_index"
	keyTotalChunks = "total_chunks"
	keyPageURL     = "page_url"
)

// MaxUpsertBatch bounds the number of points sent in one request.
const MaxUpsertBatch = 100

// DefaultTopK is the number of matches returned when the caller passes <= 0.
const DefaultTopK = 5

var (
	pointsUpserted = metrics.Default.Counter("pdfstudy_vectors_upserted_total", "Points written to Qdrant.")
	upsertBatches  = metrics.Default.Counter("pdfstudy_upsert_batches_total", "Upsert requests sent to Qdrant.")
	searchDuration = metrics.Default.Histogram("pdfstudy_vector_search_seconds", "Qdrant search latency.", nil)
)

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	retry       fn.RetryOpts
	log         *slog.Logger
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, log *slog.Logger) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, log)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a store over existing clients.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, log *slog.Logger) *VectorStore {
	if log == nil {
		log = slog.Default()
	}
	retry := fn.DefaultRetry
	retry.Retryable = transient
	return &VectorStore{points: points, collections: collections, collection: collection, retry: retry, log: log}
}

// transient reports whether a failed call is worth retrying. Request errors
// the server rejected outright are not.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition, codes.Unimplemented:
		return false
	}
	return true
}

// Close closes the underlying gRPC connection, if the store owns one.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// WithCollection returns a store sharing the same clients but targeting
// another collection. An empty name returns v.
func (v *VectorStore) WithCollection(name string) *VectorStore {
	if name == "" || name == v.collection {
		return v
	}
	c := *v
	c.conn = nil
	c.collection = name
	return &c
}

// EnsureCollection creates the cosine collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return domain.NewConfigError("vectorDims", dims, "must be positive")
	}
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", domain.NewProviderError("qdrant", "list", err))
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, domain.NewProviderError("qdrant", "create", err))
	}
	v.log.Info("created collection", "collection", v.collection, "dims", dims)
	return nil
}

// DeleteCollection drops the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	if _, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection}); err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, domain.NewProviderError("qdrant", "drop", err))
	}
	return nil
}

// PointID maps a record id to its Qdrant point id. The mapping is stable, so
// re-upserting a record overwrites the previous point.
func PointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String()
}

// Upsert writes records in sequential batches of at most MaxUpsertBatch.
// Each batch is retried on transport failure; the first batch that still
// fails stops the write.
func (v *VectorStore) Upsert(ctx context.Context, records []domain.VectorRecord) error {
	for i, batch := range fn.Chunk(records, MaxUpsertBatch) {
		points := fn.Map(batch, toPoint)
		wait := true
		req := &pb.UpsertPoints{CollectionName: v.collection, Wait: &wait, Points: points}
		err := fn.RetryErr(ctx, v.retry, func(ctx context.Context) error {
			_, err := v.points.Upsert(ctx, req)
			return err
		})
		if err != nil {
			return fmt.Errorf("semantic: upsert batch %d (%d points): %w", i, len(points), domain.NewProviderError("qdrant", "upsert", err))
		}
		upsertBatches.Inc()
		pointsUpserted.Add(int64(len(points)))
	}
	return nil
}

func toPoint(r domain.VectorRecord) *pb.PointStruct {
	md := r.Metadata
	payload := map[string]*pb.Value{
		keyRecordID:   stringValue(r.ID),
		keyDocumentID: stringValue(md.DocumentID),
		keyPageNumber: intValue(int64(md.PageNumber)),
		keyContent:    stringValue(md.Content),
		keyIsChunk:    {Kind: &pb.Value_BoolValue{BoolValue: md.IsChunk}},
	}
	if md.ChunkIndex != nil {
		payload[keyChunkIndex] = intValue(int64(*md.ChunkIndex))
	}
	if md.TotalChunks != nil {
		payload[keyTotalChunks] = intValue(int64(*md.TotalChunks))
	}
	if md.PageURL != "" {
		payload[keyPageURL] = stringValue(md.PageURL)
	}
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Embedding}}},
		Payload: payload,
	}
}

func stringValue(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
func intValue(n int64) *pb.Value     { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}} }

// DeleteByDocumentID removes every point of a document.
func (v *VectorStore) DeleteByDocumentID(ctx context.Context, docID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: documentFilter(docID)},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete document %s: %w", docID, domain.NewProviderError("qdrant", "delete", err))
	}
	return nil
}

// Search returns the topK nearest points belonging to docID, best first. No
// match is an empty slice, not an error.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, docID string, topK int) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	defer searchDuration.Since(time.Now())
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		Filter:         documentFilter(docID),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", docID, domain.NewProviderError("qdrant", "search", err))
	}

	results := make([]domain.RetrievalResult, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		r := fromPayload(p.GetPayload())
		if r.ID == "" {
			r.ID = p.GetId().GetUuid()
		}
		r.Score = min(max(p.GetScore(), 0), 1)
		results = append(results, r)
	}
	return results, nil
}

// DocumentPageURL returns the viewer URL stored on any point of docID, or ""
// when the document has no points or none carries a URL.
func (v *VectorStore) DocumentPageURL(ctx context.Context, docID string) (string, error) {
	limit := uint32(DefaultTopK)
	resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: v.collection,
		Filter:         documentFilter(docID),
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return "", fmt.Errorf("semantic: scroll %s: %w", docID, domain.NewProviderError("qdrant", "scroll", err))
	}
	for _, p := range resp.GetResult() {
		if u := p.GetPayload()[keyPageURL].GetStringValue(); u != "" {
			return u, nil
		}
	}
	return "", nil
}

func fromPayload(payload map[string]*pb.Value) domain.RetrievalResult {
	r := domain.RetrievalResult{
		ID:         payload[keyRecordID].GetStringValue(),
		PageNumber: int(payload[keyPageNumber].GetIntegerValue()),
		Content:    payload[keyContent].GetStringValue(),
		PageURL:    payload[keyPageURL].GetStringValue(),
	}
	if v, ok := payload[keyChunkIndex]; ok {
		idx := int(v.GetIntegerValue())
		r.ChunkIndex = &idx
	}
	return r
}

func documentFilter(docID string) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{fieldMatch(keyDocumentID, docID)}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
