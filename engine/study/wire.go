package study

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/pdfstudy/engine/chapters"
	"github.com/WessleyAI/pdfstudy/engine/embedding"
	"github.com/WessleyAI/pdfstudy/engine/ingest"
	"github.com/WessleyAI/pdfstudy/engine/rag"
	"github.com/WessleyAI/pdfstudy/engine/retrieval"
	"github.com/WessleyAI/pdfstudy/engine/semantic"
	"github.com/WessleyAI/pdfstudy/engine/store"
	"github.com/WessleyAI/pdfstudy/engine/summary"
	"github.com/WessleyAI/pdfstudy/engine/tokenizer"
	"github.com/WessleyAI/pdfstudy/pkg/config"
	"github.com/WessleyAI/pdfstudy/pkg/llm"
	"github.com/WessleyAI/pdfstudy/pkg/ollama"
)

// Embedder embeds batches of document text and single questions.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Stack is a fully wired service with its connections.
type Stack struct {
	Service *Service
	LLM     *llm.Client
	Vectors *semantic.VectorStore
	Store   *store.DocumentStore
	NATS    *nats.Conn

	closers []func()
}

// Close stops background jobs, then releases every connection in reverse
// order of creation.
func (s *Stack) Close() {
	if s.Service != nil {
		s.Service.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// NewLLM builds the provider client from cfg.
func NewLLM(cfg config.Config, log *slog.Logger) *llm.Client {
	return llm.New(llm.Options{
		APIKey:         cfg.OpenAIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		EmbeddingModel: cfg.EmbeddingModel,
		ChatModel:      cfg.ChatModel,
		Timeout:        cfg.CallTimeout,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Logger:         log,
	})
}

// NewEmbedder returns Ollama when configured, the provider client otherwise.
func NewEmbedder(cfg config.Config, client *llm.Client) Embedder {
	if cfg.OllamaURL != "" {
		return ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel)
	}
	return client
}

// NewVectorStore connects to Qdrant and makes sure the collection exists.
func NewVectorStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*semantic.VectorStore, error) {
	vs, err := semantic.New(cfg.QdrantAddr, cfg.Collection, log)
	if err != nil {
		return nil, err
	}
	if err := vs.EnsureCollection(ctx, cfg.VectorDims); err != nil {
		vs.Close()
		return nil, err
	}
	return vs, nil
}

// NewLocalIndexer builds the in-process embedding and upsert pipeline.
func NewLocalIndexer(e Embedder, vs *semantic.VectorStore, log *slog.Logger) (*ingest.LocalIndexer, error) {
	batcher, err := embedding.New(e, tokenizer.Default(), embedding.DefaultOptions(), log)
	if err != nil {
		return nil, err
	}
	return ingest.NewLocalIndexer(ingest.Deps{
		Batcher:       batcher,
		Sink:          vs,
		ForCollection: func(name string) embedding.Sink { return vs.WithCollection(name) },
		Logger:        log,
	}), nil
}

// Wire connects every backend named by cfg and assembles the Service.
// With cfg.RemoteIndex, indexing is delegated to workers over NATS.
func Wire(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *Stack, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := &Stack{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	st.LLM = NewLLM(cfg, log)
	embedder := NewEmbedder(cfg, st.LLM)

	st.Vectors, err = NewVectorStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, func() { st.Vectors.Close() })

	st.Store, err = store.Connect(ctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPass, log)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, func() { st.Store.Close(context.Background()) })

	var indexer Indexer
	if cfg.RemoteIndex {
		st.NATS, err = nats.Connect(cfg.NATSURL, nats.Name("pdfstudy"))
		if err != nil {
			return nil, fmt.Errorf("study: connect nats: %w", err)
		}
		st.closers = append(st.closers, st.NATS.Close)
		indexer = ingest.NewRemoteIndexer(st.NATS, cfg.IndexSubject, log)
	} else {
		indexer, err = NewLocalIndexer(embedder, st.Vectors, log)
		if err != nil {
			return nil, err
		}
	}

	structurer, err := chapters.New(st.LLM, chapters.Options{
		Model:      cfg.SummaryModel,
		BatchSize:  chapters.DefaultOptions().BatchSize,
		BatchPause: chapters.DefaultOptions().BatchPause,
	}, log)
	if err != nil {
		return nil, err
	}
	summarizer := summary.New(st.LLM, structurer, st.Store, cfg.SummaryModel, log)

	retriever := retrieval.New(embedder, st.Vectors, tokenizer.Default(), log)
	ragOpts := rag.DefaultOptions()
	ragOpts.Model = cfg.ChatModel
	answerer := rag.New(retriever, rag.FromClient(st.LLM), ragOpts, log)

	st.Service = New(Deps{
		Indexer:    indexer,
		Summarizer: summarizer,
		Retriever:  retriever,
		Answerer:   answerer,
		Store:      st.Store,
		Logger:     log,
	}, Config{
		CallTimeout: cfg.CallTimeout,
		JobTimeout:  cfg.JobTimeout,
	})
	return st, nil
}
