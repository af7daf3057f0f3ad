// Command docqa runs the document QA service: the chat API on the main
// port and metrics on the ops port.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/audit"
	"github.com/kworks-ai/docqa/internal/citations"
	"github.com/kworks-ai/docqa/internal/config"
	"github.com/kworks-ai/docqa/internal/embeddings"
	"github.com/kworks-ai/docqa/internal/format"
	"github.com/kworks-ai/docqa/internal/grounding"
	"github.com/kworks-ai/docqa/internal/httpapi"
	"github.com/kworks-ai/docqa/internal/index"
	"github.com/kworks-ai/docqa/internal/llm"
	"github.com/kworks-ai/docqa/internal/memory"
	"github.com/kworks-ai/docqa/internal/orchestrator"
	"github.com/kworks-ai/docqa/internal/prompt"
	"github.com/kworks-ai/docqa/internal/rerank"
	"github.com/kworks-ai/docqa/internal/retrieval"
	"github.com/kworks-ai/docqa/internal/session"
	"github.com/kworks-ai/docqa/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	configPath := os.Getenv("DOCQA_CONFIG")
	if configPath == "" {
		configPath = "config/docqa.yaml"
	}

	// Hot-reloadable tunables follow the config file on disk.
	watcher, err := config.NewWatcher(configPath, cfg.CurrentTunables(), logger)
	if err != nil {
		logger.Warn("config watcher unavailable, tunables are static", zap.Error(err))
	}
	tunables := cfg.CurrentTunables
	if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
		tunables = watcher.Current
	}

	// Embeddings with a Redis-backed cache when configured.
	var cache embeddings.Cache
	if cfg.Embedding.RedisAddr != "" {
		rc, err := embeddings.NewRedisCache(cfg.Embedding.RedisAddr, os.Getenv("REDIS_PASSWORD"), logger)
		if err != nil {
			logger.Warn("redis cache unavailable, embeddings run uncached upstream", zap.Error(err))
		} else {
			cache = rc
			defer rc.Close()
		}
	}
	embedder := embeddings.New(embeddings.Config{
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.PrimaryModel,
		Fallbacks: []string{cfg.Embedding.SecondaryModel, cfg.Embedding.FallbackModel},
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		BatchWait: cfg.Embedding.BatchWait,
		CacheTTL:  cfg.Embedding.CacheTTL,
		Timeout:   cfg.Embedding.Timeout,
	}, cache, logger)
	if err := embedder.ResolveModel(ctx); err != nil {
		logger.Fatal("embedding model resolution failed", zap.Error(err))
	}

	// Index adapters. The vector index dimension must match the
	// configured embedding dimension; a mismatch refuses to start.
	lexical := index.NewLexicalClient(cfg.Index.LexicalURL, cfg.Index.Timeout, logger)
	vector := index.NewVectorClient(cfg.Index.VectorURL, cfg.Index.Collection, cfg.Embedding.Dimension, cfg.Index.Timeout, logger)
	if err := vector.CheckDimension(ctx); err != nil {
		logger.Fatal("vector index dimension check failed", zap.Error(err))
	}
	chunks, err := index.OpenChunkStore(cfg.Index.ChunkDriver, cfg.Index.ChunkDSN, logger)
	if err != nil {
		logger.Fatal("chunk store open failed", zap.Error(err))
	}
	defer chunks.Close()

	retriever := retrieval.New(lexical, vector, chunks, embedder, logger)
	reranker := rerank.New(rerank.Config{
		Enabled: cfg.Reranker.Enabled,
		URL:     cfg.Reranker.URL,
		Model:   cfg.Reranker.Model,
		Timeout: cfg.Reranker.Timeout,
	}, logger)

	templates, err := prompt.LoadTemplates(os.Getenv("DOCQA_PROMPTS"))
	if err != nil {
		logger.Fatal("prompt templates failed", zap.Error(err))
	}
	contextBudget := cfg.LLM.MaxTokens * 4
	composer, err := prompt.NewComposer(templates, "", contextBudget, logger)
	if err != nil {
		logger.Fatal("prompt composer failed", zap.Error(err))
	}

	generator := llm.New(llm.Config{
		Endpoint:      cfg.LLM.Endpoint,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		TopP:          cfg.LLM.TopP,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxConcurrent: cfg.LLM.MaxConcurrent,
		Timeout:       cfg.LLM.Timeout,
	}, logger)

	enforcer := grounding.NewEnforcer(grounding.Thresholds{
		EvidenceJaccard: cfg.Grounding.EvidenceJaccard,
		CitationSentSim: cfg.Grounding.CitationSentSim,
		CitationSpanIOU: cfg.Grounding.CitationSpanIOU,
	}, embedder, logger)

	store, err := session.NewStore(session.Options{
		Dir:          cfg.Session.Dir,
		MaxCached:    cfg.Session.MaxCached,
		RecentDocCap: cfg.Session.RecentDocCap,
		MaxQueue:     cfg.Server.MaxQueue,
		Timeout:      cfg.Session.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("session store failed", zap.Error(err))
	}
	defer store.Close()

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Index.ChunkDriver, auditDSN(cfg), cfg.Audit.Retention, logger)
		if err != nil {
			logger.Warn("audit log unavailable", zap.Error(err))
		} else {
			defer auditLog.Close()
		}
	}

	rewriter := memory.NewRewriter(memory.RewriterConfig{
		MaxOutputChars:       cfg.Rewriter.MaxOutputChars,
		MinKeepRatio:         cfg.Rewriter.MinKeepRatio,
		HistoryWindow:        cfg.Rewriter.HistoryWindow,
		MinSummaryConfidence: cfg.Grounding.ConfidenceMin,
	}, generator, composer, logger)
	topics := memory.NewTopicDetector(memory.TopicConfig{
		Enabled:             cfg.Topic.Enabled,
		SimilarityThreshold: cfg.Topic.SimilarityThreshold,
		ConfidenceThreshold: cfg.Topic.ConfidenceThreshold,
		MinScoreThreshold:   cfg.Topic.MinScoreThreshold,
	}, embedder, retriever, logger)

	// Components holding their own threshold copies follow config reloads.
	if watcher != nil {
		watcher.OnReload(func(tun config.Tunables) {
			enforcer.UpdateThresholds(grounding.Thresholds{
				EvidenceJaccard: tun.Grounding.EvidenceJaccard,
				CitationSentSim: tun.Grounding.CitationSentSim,
				CitationSpanIOU: tun.Grounding.CitationSpanIOU,
			})
			topics.UpdateConfig(memory.TopicConfig{
				Enabled:             tun.Topic.Enabled,
				SimilarityThreshold: tun.Topic.SimilarityThreshold,
				ConfidenceThreshold: tun.Topic.ConfidenceThreshold,
				MinScoreThreshold:   tun.Topic.MinScoreThreshold,
			})
			rewriter.UpdateConfig(memory.RewriterConfig{
				MaxOutputChars:       tun.Rewriter.MaxOutputChars,
				MinKeepRatio:         tun.Rewriter.MinKeepRatio,
				HistoryWindow:        tun.Rewriter.HistoryWindow,
				MinSummaryConfidence: tun.Grounding.ConfidenceMin,
			})
		})
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Rewriter:   rewriter,
		Topics:     topics,
		Scope:      memory.NewScopeResolver(logger),
		Retriever:  retriever,
		Reranker:   reranker,
		Composer:   composer,
		Generator:  generator,
		Enforcer:   enforcer,
		Tracker:    citations.New(logger),
		Formatter:  &format.Formatter{MaskPII: cfg.PIIMask},
		Summarizer: memory.NewSummarizer(generator, composer, logger),
		Audit:      auditLog,
		Tunables:   tunables,
		GlobalWait: cfg.Server.RequestTimeout,
		SummaryN:   cfg.Rewriter.SummaryEvery,
		Logger:     logger,
	})

	api := httpapi.New(httpapi.Options{
		Config: cfg.Server,
		Auth:   cfg.Auth,
		Orch:   orch,
		Store:  store,
		Readies: map[string]httpapi.HealthChecker{
			"lexical_index": lexical,
			"vector_index":  vector,
			"chunk_store":   chunks,
		},
		Logger: logger,
	})

	// Ops server: metrics and pprof-free by intent.
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	opsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler:      opsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", zap.String("addr", opsSrv.Addr))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops shutdown incomplete", zap.Error(err))
	}
}

// auditDSN keeps audit rows in their own sqlite file next to the
// sessions, or shares the postgres database, unless DOCQA_AUDIT_DSN
// points elsewhere. The chunk store file stays read-only.
func auditDSN(cfg *config.Config) string {
	if dsn := os.Getenv("DOCQA_AUDIT_DSN"); dsn != "" {
		return dsn
	}
	if cfg.Index.ChunkDriver == "postgres" {
		return cfg.Index.ChunkDSN
	}
	return filepath.Join(cfg.Session.Dir, "audit.db")
}
