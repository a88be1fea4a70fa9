package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docai-platform/docai/internal/agent"
	"github.com/docai-platform/docai/internal/auth"
	"github.com/docai-platform/docai/internal/cache"
	"github.com/docai-platform/docai/internal/config"
	"github.com/docai-platform/docai/internal/embedder"
	"github.com/docai-platform/docai/internal/generation"
	"github.com/docai-platform/docai/internal/ingestion"
	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/objectstore"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/repository/postgres"
	"github.com/docai-platform/docai/internal/reranker"
	"github.com/docai-platform/docai/internal/retrieval"
	"github.com/docai-platform/docai/internal/server"
	"github.com/docai-platform/docai/internal/service"
	"github.com/docai-platform/docai/internal/tokenizer"
	"github.com/docai-platform/docai/internal/vectorstore"
	"github.com/docai-platform/docai/internal/versioning"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting document intelligence service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Stores.
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	documentRepo := postgres.NewDocumentRepo(db)
	chunkRepo := postgres.NewChunkRepo(db)
	sectionRepo := postgres.NewSectionSummaryRepo(db)
	diffRepo := postgres.NewVersionDiffRepo(db)

	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbeddingDimension); err != nil {
		return fmt.Errorf("failed to ensure Qdrant collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	lexStore, err := lexical.NewESStore([]string{cfg.ElasticsearchURL}, cfg.ElasticsearchIndex)
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	if err := lexStore.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("failed to ensure Elasticsearch index: %w", err)
	}
	slog.Info("connected to Elasticsearch", "index", cfg.ElasticsearchIndex)

	objects, err := objectstore.NewMinioStore(objectstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure MinIO bucket: %w", err)
	}
	slog.Info("connected to MinIO", "bucket", cfg.MinioBucket)

	queryCache := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
	defer queryCache.Close()
	if err := queryCache.Ping(ctx); err != nil {
		slog.Warn("redis unavailable, query caching disabled", "error", err)
		queryCache = nil
	}

	// Models.
	embed := embedder.NewBGEEmbedder(embedder.BGEConfig{
		BaseURL:   cfg.EmbeddingServiceURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	slog.Info("initialized embedder", "model", cfg.EmbeddingModel)

	var rerank reranker.Reranker
	if cfg.RerankEnabled {
		rerank = reranker.NewBGEReranker(reranker.BGEConfig{
			BaseURL: cfg.RerankServiceURL,
			Model:   cfg.RerankModel,
		})
		slog.Info("initialized reranker", "model", cfg.RerankModel)
	}

	apiKey := cfg.AnthropicAPIKey
	if cfg.LLMProvider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	mainRaw, err := llm.New(cfg.LLMProvider, apiKey, cfg.OpenAIBaseURL, cfg.MainModel)
	if err != nil {
		return fmt.Errorf("failed to initialize main LLM: %w", err)
	}
	lightRaw, err := llm.New(cfg.LLMProvider, apiKey, cfg.OpenAIBaseURL, cfg.LightModel)
	if err != nil {
		return fmt.Errorf("failed to initialize light LLM: %w", err)
	}
	mainLLM := llm.NewRetrying(mainRaw)
	lightLLM := llm.NewRetrying(lightRaw)
	slog.Info("initialized LLM clients",
		"provider", cfg.LLMProvider, "main", cfg.MainModel, "light", cfg.LightModel)

	tok, err := tokenizer.NewTiktoken(tokenizer.DefaultEncoding)
	if err != nil {
		return fmt.Errorf("failed to initialize tokenizer: %w", err)
	}

	// Ingestion.
	chunker := ingestion.NewChunker(tok, ingestion.ChunkerConfig{
		TargetSize: cfg.ChunkTargetSize,
		MaxSize:    cfg.ChunkMaxSize,
		Overlap:    cfg.ChunkOverlap,
	})
	summarizer := ingestion.NewSummarizer(lightLLM, log)
	detector := versioning.NewDetector(documentRepo, vectorStore, lexStore, embed, lightLLM, log)
	diffEngine := versioning.NewDiffEngine(documentRepo, chunkRepo, diffRepo, mainLLM, log)
	indexer := ingestion.NewIndexer(vectorStore, lexStore, chunkRepo)
	registry := ingestion.NewRegistry()
	if len(cfg.SupportedExtensions) > 0 {
		registry.Restrict(cfg.SupportedExtensions)
	}
	pipeline := ingestion.NewPipeline(
		documentRepo, chunkRepo, sectionRepo, objects, vectorStore, lexStore,
		registry, chunker, summarizer, detector, diffEngine,
		embed, indexer, tok, log,
		ingestion.PipelineConfig{
			MaxFileSizeMB:         cfg.MaxFileSizeMB,
			SummarizerMaxInFlight: int64(cfg.SummarizerMaxInFlight),
		},
	)
	defer pipeline.Close()

	// Query path.
	retriever := retrieval.NewRetriever(vectorStore, lexStore, embed, rerank, retrieval.Config{
		TopKVector:    cfg.RetrievalTopKVector,
		TopKBM25:      cfg.RetrievalTopKBM25,
		RRFK:          cfg.RetrievalRRFK,
		FinalTopK:     cfg.RetrievalFinalTopK,
		ContextWindow: cfg.ContextWindowChunks,
		RerankEnabled: cfg.RerankEnabled,
	}, log)
	router := retrieval.NewRouter(lightLLM, log)
	generator := generation.NewGenerator(mainLLM, tok, cfg.GenerationMaxContext, log)
	tools := agent.NewTools(retriever, documentRepo, sectionRepo, lexStore, diffEngine, generator)
	docAgent := agent.New(mainLLM, tools, log)

	querySvc := service.NewQueryService(router, retriever, generator, docAgent, queryCache, log)
	documentSvc := service.NewDocumentService(pipeline, documentRepo, objects, diffEngine, log)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         log,
		AllowedOrigins: []string{"*"},
		AuthEnabled:    cfg.AuthEnabled,
		AuthManager:    auth.NewManager(cfg.JWTSecret, cfg.JWTExpiry),
		Documents:      documentSvc,
		Queries:        querySvc,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}


// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.QdrantStore)(nil)
	_ lexical.Store                 = (*lexical.ESStore)(nil)
	_ objectstore.Store             = (*objectstore.MinioStore)(nil)
	_ embedder.Embedder             = (*embedder.BGEEmbedder)(nil)
	_ llm.LLM                       = (*llm.Retrying)(nil)
)
