package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"agentdesk/internal/adapter/provider/llm/openai"
	"agentdesk/internal/api"
	"agentdesk/internal/db/memory"
	"agentdesk/internal/db/objectstore"
	"agentdesk/internal/db/opensearch"
	"agentdesk/internal/db/postgres"
	"agentdesk/internal/db/qdrant"
	redisdb "agentdesk/internal/db/redis"
	"agentdesk/internal/domain/chunking"
	"agentdesk/internal/domain/deletion"
	"agentdesk/internal/domain/extract"
	"agentdesk/internal/domain/ingestion"
	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
	"agentdesk/internal/domain/rag"
	"agentdesk/internal/platform/config"
	applog "agentdesk/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "agentdesk",
	})
	defer applog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo := initRepository(ctx, cfg)
	defer closeRepo()

	var rdb *goredis.Client
	if cfg.Redis.URL != "" {
		rdb, err = redisdb.Open(ctx, cfg.Redis.URL)
		if err != nil {
			applog.Fatalf("❌ Redis connection failed: %v", err)
		}
		defer rdb.Close()
	}

	q := initQueue(ctx, cfg, rdb)
	objects, closeObjects := initObjectStore(ctx, cfg)
	defer closeObjects()
	vectors := initVectorStore(cfg)

	openaiCfg := openai.Config{
		APIKey:                     cfg.OpenAI.APIKey,
		BaseURL:                    cfg.OpenAI.BaseURL,
		ConnectTimeoutSeconds:      cfg.OpenAI.ConnectTimeoutSeconds,
		TLSHandshakeTimeoutSeconds: cfg.OpenAI.TLSHandshakeTimeoutSeconds,
		RequestTimeoutSeconds:      cfg.OpenAI.RequestTimeoutSeconds,
	}
	embedder := openai.NewEmbedder(openai.EmbedderConfig{
		Config:            openaiCfg,
		Model:             cfg.Embedding.Model,
		Dims:              cfg.Embedding.Dims,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
	})
	llm := openai.New(openaiCfg)
	applog.Infof("✅ OpenAI clients ready (chat: %s, embedding: %s/%d)", cfg.OpenAI.ChatModel, cfg.Embedding.Model, cfg.Embedding.Dims)

	var (
		lock    port.FileLocker
		cache   rag.EmbeddingCache
		history rag.HistoryCache
	)
	if rdb != nil {
		lock = redisdb.NewStageLock(rdb, config.Seconds(cfg.Ingestion.StageLockTTLSeconds))
		cache = redisdb.NewEmbeddingCache(rdb, cfg.Embedding.CacheTTLSeconds)
		history = redisdb.NewHistory(redisdb.HistoryConfig{
			Client: rdb,
			TTL:    time.Duration(cfg.RAG.HistoryTTLHours) * time.Hour,
		})
	}

	dedup, err := ingestion.ParseDedupPolicy(cfg.Ingestion.DedupPolicy)
	if err != nil {
		applog.Fatalf("❌ %v", err)
	}
	backoff := config.Seconds(cfg.Queue.BackoffSeconds)

	ingest, err := ingestion.NewPipeline(ingestion.Config{
		Queue:            cfg.Queue.IngestionQueue,
		DedupPolicy:      dedup,
		CollectionPrefix: cfg.VectorStore.CollectionPrefix,
		MaxFileSize:      int64(cfg.Ingestion.MaxFileSizeMB) << 20,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		Backoff:          backoff,
		ExtractTimeout:   config.Seconds(cfg.Ingestion.ExtractTimeoutSeconds),
		EmbedBatchSize:   cfg.Embedding.BatchSize,
		EmbedMaxTries:    cfg.Embedding.MaxRetries,
		IndexBatchSize:   cfg.Ingestion.IndexBatchSize,
	}, ingestion.Deps{
		Files:     repo,
		Objects:   objects,
		Vectors:   vectors,
		Embedder:  embedder,
		Queue:     q,
		Extractor: extract.NewExtractor(extract.NewRegistry()),
		Chunker: chunking.NewEngine(chunking.Options{
			ChunkSize:    cfg.Ingestion.ChunkSize,
			ChunkOverlap: cfg.Ingestion.ChunkOverlap,
			MinLength:    cfg.Ingestion.MinChunkLength,
			MaxLength:    cfg.Ingestion.MaxChunkLength,
		}),
		Lock: lock,
	})
	if err != nil {
		applog.Fatalf("❌ Ingestion pipeline init failed: %v", err)
	}

	del, err := deletion.NewPipeline(deletion.Config{
		Queue:            cfg.Queue.DeletionQueue,
		CollectionPrefix: cfg.VectorStore.CollectionPrefix,
		Backoff:          backoff,
		BatchConcurrency: cfg.Worker.BatchDeleteConcurrency,
	}, deletion.Deps{
		Files:   repo,
		Objects: objects,
		Vectors: vectors,
		Queue:   q,
		Lock:    lock,
	})
	if err != nil {
		applog.Fatalf("❌ Deletion pipeline init failed: %v", err)
	}

	engine, err := rag.NewEngine(rag.Config{
		Model:            cfg.OpenAI.ChatModel,
		Temperature:      cfg.OpenAI.Temperature,
		MaxTokens:        cfg.OpenAI.MaxTokens,
		CollectionPrefix: cfg.VectorStore.CollectionPrefix,
		DefaultTopK:      cfg.RAG.DefaultTopK,
		MaxTopK:          cfg.RAG.MaxTopK,
		MinScore:         cfg.RAG.MinScore,
		MaxContextTokens: cfg.RAG.MaxContextTokens,
		HistoryMessages:  cfg.RAG.HistoryMessages,
		PreviewChars:     cfg.RAG.PreviewChars,
	}, rag.Deps{
		Embedder: embedder,
		Vectors:  vectors,
		Chat:     repo,
		LLM:      llm,
		Cache:    cache,
		History:  history,
	})
	if err != nil {
		applog.Fatalf("❌ RAG engine init failed: %v", err)
	}

	queues := []string{cfg.Queue.DeletionQueue, cfg.Queue.IngestionQueue}
	var worker *queue.Worker
	if cfg.Worker.Enabled {
		reg := queue.NewRegistry()
		if err := ingest.Register(reg); err != nil {
			applog.Fatalf("❌ Register ingestion handlers failed: %v", err)
		}
		if err := del.Register(reg); err != nil {
			applog.Fatalf("❌ Register deletion handlers failed: %v", err)
		}
		worker, err = queue.NewWorker(q, reg, queue.WorkerConfig{
			Queues:          queues,
			Concurrency:     cfg.Worker.Concurrency,
			PollInterval:    time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
			JobTimeout:      config.Seconds(cfg.Worker.JobTimeoutSeconds),
			ShutdownTimeout: config.Seconds(cfg.Worker.ShutdownTimeoutSeconds),
			// 每个租约周期内续约四次
			HeartbeatInterval: config.Seconds(cfg.Queue.LeaseSeconds) / 4,
		})
		if err != nil {
			applog.Fatalf("❌ Worker init failed: %v", err)
		}
		worker.Start(ctx)

		cleaner := queue.NewCleaner(q, queue.CleanerConfig{
			Queues:             queues,
			CompletedRetention: time.Duration(cfg.Queue.CompletedRetentionHours) * time.Hour,
			FailedRetention:    time.Duration(cfg.Queue.FailedRetentionHours) * time.Hour,
		})
		go cleaner.Run(ctx)
	} else {
		applog.Info("ℹ️  Worker disabled, this process only accepts requests")
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = config.Seconds(cfg.Server.ReadTimeoutSeconds)
	serverConfig.WriteTimeout = config.Seconds(cfg.Server.WriteTimeoutSeconds)
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	serverConfig.MaxUploadMB = cfg.Ingestion.MaxFileSizeMB
	serverConfig.Queues = queues
	server := api.NewServer(serverConfig, api.Deps{
		Files:     repo,
		Queue:     q,
		Ingestion: ingest,
		Deletion:  del,
		RAG:       engine,
	})

	go func() {
		<-ctx.Done()
		applog.Info("🔄 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Worker.ShutdownTimeoutSeconds))
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		applog.Fatalf("❌ Server error: %v", err)
	}
	if worker != nil {
		worker.Stop()
	}
	applog.Info("👋 Server stopped")
}

func initRepository(ctx context.Context, cfg *config.AppConfig) (port.Repository, func()) {
	if cfg.Database.URL == "" {
		applog.Warn("⚠️  No DATABASE_URL in development mode, using in-memory registry")
		return memory.NewRepository(), func() {}
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(config.Seconds(cfg.Database.ConnMaxLifetimeSeconds))

	if err := db.PingContext(ctx); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	repo := postgres.NewRepository(db)
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repo.EnsureTables(migrateCtx); err != nil {
		applog.Fatalf("❌ Failed to ensure tables: %v", err)
	}
	applog.Info("✅ Tables ready (files, chat_sessions, chat_messages)")
	return repo, func() { db.Close() }
}

func initQueue(ctx context.Context, cfg *config.AppConfig, rdb *goredis.Client) queue.Queue {
	if cfg.Queue.Backend == "memory" || rdb == nil {
		applog.Warn("⚠️  Using in-memory job queue, jobs are lost on restart")
		return queue.NewMemoryQueue(
			queue.WithLease(config.Seconds(cfg.Queue.LeaseSeconds)),
			queue.WithProgressListener(func(jobID string, pct int) {
				applog.Debug("[Queue] Progress", "job_id", jobID, "progress", pct)
			}),
		)
	}
	q := redisdb.NewQueue(rdb, cfg.Queue.KeyPrefix, redisdb.WithLease(config.Seconds(cfg.Queue.LeaseSeconds)))
	go func() {
		for evt := range q.SubscribeProgress(ctx) {
			applog.Debug("[Queue] Progress", "job_id", evt.JobID, "queue", evt.Queue, "progress", evt.Progress)
		}
	}()
	applog.Infof("✅ Redis job queue ready (prefix: %s)", cfg.Queue.KeyPrefix)
	return q
}

func initObjectStore(ctx context.Context, cfg *config.AppConfig) (port.ObjectStore, func()) {
	switch cfg.Storage.Provider {
	case "gcs", "gcs_emulator":
		gcsCfg := objectstore.GCSConfig{
			Bucket:          cfg.Storage.Bucket,
			CredentialsFile: cfg.Storage.CredentialsFile,
			PublicBaseURL:   cfg.Storage.PublicBaseURL,
		}
		if cfg.Storage.Provider == "gcs_emulator" {
			gcsCfg.EmulatorHost = cfg.Storage.EmulatorHost
		}
		store, err := objectstore.NewGCS(ctx, gcsCfg)
		if err != nil {
			applog.Fatalf("❌ GCS init failed: %v", err)
		}
		applog.Infof("✅ Object storage: %s (bucket: %s)", cfg.Storage.Provider, cfg.Storage.Bucket)
		return store, func() { store.Close() }
	case "local":
		store, err := objectstore.NewLocal(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL)
		if err != nil {
			applog.Fatalf("❌ Local storage init failed: %v", err)
		}
		applog.Infof("✅ Object storage: local (%s)", cfg.Storage.LocalDir)
		return store, func() {}
	default:
		applog.Warn("⚠️  Using in-memory object storage")
		return memory.NewObjectStore(), func() {}
	}
}

func initVectorStore(cfg *config.AppConfig) port.VectorStore {
	vs := cfg.VectorStore
	switch vs.Provider {
	case "qdrant":
		store, err := qdrant.NewVectorStore(qdrant.Config{
			URL:            vs.QdrantURL,
			APIKey:         vs.QdrantAPIKey,
			TimeoutSeconds: vs.TimeoutSeconds,
		})
		if err != nil {
			applog.Fatalf("❌ Qdrant init failed: %v", err)
		}
		applog.Infof("✅ Vector store: qdrant (%s)", vs.QdrantURL)
		return store
	case "opensearch":
		client := opensearch.NewClient(opensearch.Config{
			URL:                vs.OpenSearchURL,
			Username:           vs.OpenSearchUsername,
			Password:           vs.OpenSearchPassword,
			TimeoutSeconds:     vs.TimeoutSeconds,
			InsecureSkipVerify: cfg.Development(),
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			applog.Warnf("⚠️  OpenSearch ping failed: %v", err)
		} else {
			applog.Infof("✅ Vector store: opensearch (%s)", vs.OpenSearchURL)
		}
		return client
	default:
		applog.Warn("⚠️  Using in-memory vector store")
		return memory.NewVectorStore()
	}
}
