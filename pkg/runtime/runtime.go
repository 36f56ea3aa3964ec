// Package runtime wires the component graph from a configuration
// snapshot and runs it: HTTP boundary on top, orchestrator in the
// middle, stores and model providers beneath.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/cache"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/confidence"
	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/orchestrator"
	"github.com/meridianhq/meridian/pkg/retrieval"
	"github.com/meridianhq/meridian/pkg/server"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
	"github.com/meridianhq/meridian/pkg/tools"
)

// calibrationWarmupLimit caps how much feedback history seeds the
// calibrator at startup.
const calibrationWarmupLimit = 5000

// Runtime owns the wired components. The store, fabric, caches, and
// estimator are shared across config reloads so in-flight queries keep
// their streams and history; everything else lives in a swappable core.
type Runtime struct {
	store     *store.Store
	fabric    *stream.Fabric
	caches    *cache.Set
	estimator *confidence.Estimator

	server *server.Server

	core atomic.Pointer[core]
}

// core is the per-config-snapshot part of the graph. A reload builds a
// fresh core and swaps it in for new queries only.
type core struct {
	cfg     *config.Config
	models  *model.Registry
	pool    *agents.Pool
	vectors retrieval.VectorStore
	engine  *retrieval.Engine
	orch    *orchestrator.Orchestrator
}

// New builds the full graph from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	metrics, err := observability.InitMetrics(cfg.Server.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		if cfg.FailFast {
			_ = st.Close()
			return nil, fmt.Errorf("database unreachable: %w", err)
		}
		slog.Warn("Database unreachable at startup, continuing", "error", err)
	}

	r := &Runtime{
		store:     st,
		fabric:    stream.NewFabric(&cfg.Stream),
		caches:    cache.NewSet(&cfg.Cache),
		estimator: confidence.NewEstimator(&cfg.Confidence),
	}
	r.warmCalibrator(ctx)

	c, err := r.buildCore(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	r.core.Store(c)

	r.server = server.New(&cfg.Server, r, st, r.estimator.Calibrator())
	return r, nil
}

// warmCalibrator seeds the isotonic map from persisted feedback so a
// restart does not fall back to the identity map.
func (r *Runtime) warmCalibrator(ctx context.Context) {
	samples, err := r.store.FeedbackSamples(ctx, calibrationWarmupLimit)
	if err != nil {
		slog.Warn("Failed to load feedback history for calibration", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	observed := make([]confidence.Sample, 0, len(samples))
	for _, s := range samples {
		outcome := 0.0
		if s.Rating > 0 {
			outcome = 1.0
		}
		observed = append(observed, confidence.Sample{Score: s.Confidence, Outcome: outcome})
	}
	r.estimator.Calibrator().ObserveAll(observed)
	slog.Info("Calibrator warmed from feedback history", "samples", len(observed))
}

// buildCore constructs the config-dependent part of the graph.
func (r *Runtime) buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	models := model.NewRegistry()
	for name, mc := range cfg.Models {
		if _, err := models.CreateFromConfig(name, mc); err != nil {
			return nil, fmt.Errorf("model '%s': %w", name, err)
		}
	}

	embedder, err := model.NewEmbedderFromConfig(&cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	toolReg := tools.NewRegistry(cfg.Tools)
	if err := tools.RegisterBuiltins(toolReg, cfg.Tools); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := cfg.ValidateToolNames(toolReg.Names()); err != nil {
		return nil, err
	}

	vectors, engine, err := r.buildRetrieval(ctx, cfg, models, embedder)
	if err != nil {
		return nil, err
	}

	pool := agents.NewPool(cfg.Agents, func(name string, ac *config.AgentConfig) (agents.Agent, error) {
		modelName := ac.Model
		if modelName == "" {
			modelName = cfg.DefaultModel
		}
		provider, err := models.GetProvider(modelName)
		if err != nil {
			return nil, err
		}
		return agents.NewWorker(name, agents.Kind(ac.Kind), provider, toolReg, ac.Tools)
	})
	if err := pool.Warmup(ctx); err != nil {
		slog.Warn("Agent pool warmup incomplete", "error", err)
	}

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Models:    models,
		Pool:      pool,
		Retrieval: engine,
		Embedder:  embedder,
		Estimator: r.estimator,
		Caches:    r.caches,
		Fabric:    r.fabric,
		Store:     r.store,
	})

	return &core{
		cfg:     cfg,
		models:  models,
		pool:    pool,
		vectors: vectors,
		engine:  engine,
		orch:    orch,
	}, nil
}

// buildRetrieval stands up the vector backend and hybrid engine. An
// unreachable backend degrades to no retrieval unless FailFast is set.
func (r *Runtime) buildRetrieval(ctx context.Context, cfg *config.Config, models *model.Registry, embedder model.Embedder) (retrieval.VectorStore, *retrieval.Engine, error) {
	vectors, err := retrieval.NewVectorStore(&cfg.VectorStore)
	if err != nil {
		if cfg.FailFast {
			return nil, nil, fmt.Errorf("vector store: %w", err)
		}
		slog.Warn("Vector store unavailable, retrieval disabled", "error", err)
		return nil, nil, nil
	}

	if err := vectors.CreateCollection(ctx, cfg.VectorStore.Collection, cfg.Embedder.Dimension); err != nil {
		_ = vectors.Close()
		if cfg.FailFast {
			return nil, nil, fmt.Errorf("vector store collection: %w", err)
		}
		slog.Warn("Vector store collection unavailable, retrieval disabled", "error", err)
		return nil, nil, nil
	}

	opts := []retrieval.EngineOption{
		retrieval.WithCaches(r.caches, &cfg.Cache.Retrieval),
	}
	if cfg.Retrieval.Rerank.Enabled {
		reranker, err := models.GetProvider(cfg.Retrieval.Rerank.Model)
		if err != nil {
			slog.Warn("Rerank model unavailable, reranking disabled", "model", cfg.Retrieval.Rerank.Model, "error", err)
		} else {
			opts = append(opts, retrieval.WithReranker(reranker))
		}
	}

	engine := retrieval.NewEngine(&cfg.Retrieval, cfg.VectorStore.Collection, vectors, embedder, opts...)
	return vectors, engine, nil
}

// Reload builds a fresh core from cfg and swaps it in for new queries.
// In-flight queries keep the snapshot they started with; the old pool
// and vector backend are retired after the old query deadline so those
// queries can finish. Server address changes require a restart.
func (r *Runtime) Reload(ctx context.Context, cfg *config.Config) error {
	c, err := r.buildCore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("reload failed, keeping previous config: %w", err)
	}

	old := r.core.Swap(c)
	slog.Info("Configuration applied", "name", cfg.Name)

	if old != nil {
		grace := time.Duration(old.cfg.Query.DeadlineMS) * time.Millisecond
		time.AfterFunc(grace, func() { old.retire() })
	}
	return nil
}

func (c *core) retire() {
	if err := c.pool.Close(); err != nil {
		slog.Warn("Failed to close retired agent pool", "error", err)
	}
	if c.vectors != nil {
		if err := c.vectors.Close(); err != nil {
			slog.Warn("Failed to close retired vector store", "error", err)
		}
	}
}

// StartTurn submits a turn to the current core.
func (r *Runtime) StartTurn(ctx context.Context, req orchestrator.Request) (*orchestrator.TurnHandle, error) {
	return r.core.Load().orch.StartTurn(ctx, req)
}

// Cancel cancels a running query.
func (r *Runtime) Cancel(queryID string) bool {
	return r.core.Load().orch.Cancel(queryID)
}

// Subscribe attaches to a query's event stream. The fabric is shared
// across reloads, so queries started under an older config snapshot
// remain reachable.
func (r *Runtime) Subscribe(queryID string, afterSeq uint64) (*stream.Subscription, error) {
	return r.core.Load().orch.Subscribe(queryID, afterSeq)
}

// Server exposes the HTTP boundary.
func (r *Runtime) Server() *server.Server {
	return r.server
}

// Index adds a document to the retrieval corpus. Reports an error when
// retrieval is disabled.
func (r *Runtime) Index(ctx context.Context, id, content string, metadata map[string]any) error {
	c := r.core.Load()
	if c.engine == nil {
		return fmt.Errorf("retrieval is disabled")
	}
	return c.engine.Index(ctx, id, content, metadata)
}

// Run serves HTTP until ctx is cancelled or the listener fails, then
// shuts the graph down.
func (r *Runtime) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.server.Start() }()

	select {
	case err := <-errCh:
		r.close()
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx := context.WithoutCancel(ctx)
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown incomplete", "error", err)
	}
	r.close()
	return nil
}

func (r *Runtime) close() {
	if c := r.core.Load(); c != nil {
		c.retire()
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}
