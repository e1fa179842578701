// Package main is the entry point for the agent-brain-server binary: it
// wires a storage backend, the indexing job queue, and the query service
// behind an HTTP API, guarded by a per-state-directory runtime lock.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/SpillwaveSolutions/agent-brain/internal/chunk"
	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	"github.com/SpillwaveSolutions/agent-brain/internal/embed"
	"github.com/SpillwaveSolutions/agent-brain/internal/graph"
	"github.com/SpillwaveSolutions/agent-brain/internal/httpapi"
	"github.com/SpillwaveSolutions/agent-brain/internal/logging"
	"github.com/SpillwaveSolutions/agent-brain/internal/pipeline"
	"github.com/SpillwaveSolutions/agent-brain/internal/queryservice"
	"github.com/SpillwaveSolutions/agent-brain/internal/queue"
	"github.com/SpillwaveSolutions/agent-brain/internal/runtimelock"
	"github.com/SpillwaveSolutions/agent-brain/internal/scanner"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	svcCfg := config.DefaultServiceConfig()
	config.ApplyServiceEnvOverrides(&svcCfg)
	if svcCfg.StateDir == "" {
		home, _ := os.UserHomeDir()
		svcCfg.StateDir = filepath.Join(home, ".agent-brain")
	}
	if err := os.MkdirAll(svcCfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.FilePath = filepath.Join(svcCfg.StateDir, "agent-brain.log")
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	lock, err := runtimelock.New(svcCfg.StateDir)
	if err != nil {
		return fmt.Errorf("create runtime lock: %w", err)
	}
	desc := runtimelock.Descriptor{
		SchemaVersion: runtimelock.SchemaVersion,
		Mode:          svcCfg.Mode,
		BindHost:      svcCfg.BindHost,
		Port:          svcCfg.BindPort,
		PID:           os.Getpid(),
		InstanceID:    uuid.NewString(),
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := lock.Acquire(desc, func(msg string) { logger.Warn(msg) }); err != nil {
		return fmt.Errorf("acquire runtime lock (another instance running in %s?): %w", svcCfg.StateDir, err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := embed.NewEmbedder(ctx, embed.ProviderType(svcCfg.Embedding.Provider), svcCfg.Embedding.Model)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	defer embedder.Close()

	backendCfg := store.BackendConfig{
		Type:               svcCfg.Storage.Backend,
		DataDir:            filepath.Join(svcCfg.StateDir, "data"),
		Dimensions:         embedder.Dimensions(),
		KeywordIndex:       svcCfg.Storage.Local.KeywordIndex,
		DSN:                svcCfg.Storage.Postgres.DSN,
		PoolSize:           svcCfg.Storage.Postgres.PoolSize,
		PoolMaxOverflow:    svcCfg.Storage.Postgres.PoolMaxOverflow,
		DistanceMetric:     svcCfg.Storage.Postgres.DistanceMetric,
		HNSWM:              svcCfg.Storage.Postgres.HNSWM,
		HNSWEfConstruction: svcCfg.Storage.Postgres.HNSWEfConstruction,
	}
	backend, err := store.NewBackend(ctx, backendCfg)
	if err != nil {
		return fmt.Errorf("create storage backend: %w", err)
	}
	defer backend.Close()
	if err := backend.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize storage backend: %w", err)
	}

	sc, err := scanner.New()
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}
	codeChunker := chunk.NewCodeChunker()
	mdChunker := chunk.NewMarkdownChunker()

	var graphIndex *graph.Index
	if svcCfg.Graph.Enabled {
		graphIndex = graph.New(graph.Config{TraversalDepth: svcCfg.Graph.TraversalDepth, RRFConstant: svcCfg.Graph.RRFConstant}, backend)
	}

	pl := pipeline.New(sc, codeChunker, mdChunker, embedder, backend, graphIndex)

	runFn := func(ctx context.Context, job *queue.Job, progress func(queue.Progress), cancel func() bool) error {
		return pl.Run(ctx, pipeline.Options{
			FolderPath:         job.Request.FolderPath,
			Recursive:          job.Request.Recursive,
			ChunkSize:          job.Request.ChunkSize,
			ChunkOverlap:       job.Request.ChunkOverlap,
			EmbeddingBatchSize: svcCfg.Embedding.BatchSize,
			CheckpointInterval: svcCfg.JobQueue.CheckpointInterval,
			Provider:           svcCfg.Embedding.Provider,
			Model:              svcCfg.Embedding.Model,
		}, progress, cancel)
	}

	jobsPath := filepath.Join(svcCfg.StateDir, "jobs.json")
	q, err := queue.New(jobsPath, queue.Config{
		MaxQueue:           svcCfg.JobQueue.MaxQueue,
		JobTimeout:         time.Duration(svcCfg.JobQueue.JobTimeoutSeconds) * time.Second,
		MaxRetries:         svcCfg.JobQueue.MaxRetries,
		CheckpointInterval: svcCfg.JobQueue.CheckpointInterval,
		RetryBaseDelay:     time.Second,
	}, runFn, logger)
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	defer q.Close()

	indexingFn := func() bool {
		jobs, _ := q.List(1000, 0)
		for _, j := range jobs {
			if j.Status == queue.StatusRunning {
				return true
			}
		}
		return false
	}

	var reranker queryservice.Reranker
	if svcCfg.Reranker.Enabled {
		rerankCfg := queryservice.DefaultMLXRerankerConfig()
		if svcCfg.Reranker.Model != "" {
			rerankCfg.Model = svcCfg.Reranker.Model
		}
		mlx, err := queryservice.NewMLXReranker(ctx, rerankCfg)
		if err != nil {
			logger.Warn("reranker unavailable, falling back to no-op", slog.String("error", err.Error()))
			reranker = queryservice.NoOpReranker{}
		} else {
			reranker = mlx
		}
	}

	qsvc := queryservice.New(backend, embedder, reranker, graphIndex, queryservice.Config{
		RerankerTopKMultiplier: svcCfg.Reranker.TopKMultiplier,
		RerankerMaxCandidates:  svcCfg.Reranker.MaxCandidates,
		RRFConstant:            svcCfg.Graph.RRFConstant,
		GraphEnabled:           svcCfg.Graph.Enabled,
	}, indexingFn)

	srv := &httpapi.Server{
		Queue:    q,
		Backend:  backend,
		Query:    qsvc,
		Log:      logger,
		Indexing: indexingFn,
		Metrics:  httpapi.NewMetrics(),
	}

	addr := svcCfg.BindHost + ":" + strconv.Itoa(svcCfg.BindPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("agent-brain-server listening", slog.String("addr", addr), slog.String("state_dir", svcCfg.StateDir))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
