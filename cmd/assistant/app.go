package main

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/becomeliminal/nim-assistant/config"
	"github.com/becomeliminal/nim-assistant/engine"
	"github.com/becomeliminal/nim-assistant/index/chromem"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/logging"
	"github.com/becomeliminal/nim-assistant/memory"
	"github.com/becomeliminal/nim-assistant/memory/embedder/cache"
	"github.com/becomeliminal/nim-assistant/memory/embedder/mock"
	"github.com/becomeliminal/nim-assistant/memory/embedder/remote"
	"github.com/becomeliminal/nim-assistant/metrics"
	"github.com/becomeliminal/nim-assistant/oracle"
	"github.com/becomeliminal/nim-assistant/oracle/claude"
	"github.com/becomeliminal/nim-assistant/safety"
	"github.com/becomeliminal/nim-assistant/session"
	"github.com/becomeliminal/nim-assistant/store/sqlite"
	"github.com/becomeliminal/nim-assistant/tools"
)

// app is every component built from one configuration.
type app struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	memory    *memory.Store
	ingestor  *knowledge.Ingestor
	retriever *knowledge.Retriever
	engine    *engine.Engine
	sessions  session.Store

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()
	logger := logging.Component(ctx, "app")

	embedder, err := a.buildEmbedder()
	if err != nil {
		return nil, err
	}

	var records memory.RecordRepository = memory.NewMemRepository()
	var chunks knowledge.ChunkRepository = knowledge.NewMemChunkRepository()
	if cfg.Storage.SQLitePath != "" {
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		records, chunks = db.Records(), db.Chunks()
	} else {
		logger.Warn("no storage.sqlite_path set, records are kept in memory only")
	}

	a.memory = memory.NewStore(records, embedder, chromem.NewRegistry(), &memory.Config{
		MergeThreshold:     cfg.Memory.MergeThreshold,
		MinSimilarity:      cfg.Memory.MinSimilarity,
		DefaultTTL:         cfg.Memory.DefaultTTL,
		ReadLimit:          cfg.Memory.ReadLimit,
		MaxRecordsPerOwner: cfg.Memory.MaxRecords,
	})

	idx, err := chromem.New(knowledge.Namespace)
	if err != nil {
		return nil, err
	}
	a.ingestor = knowledge.NewIngestor(chunks, embedder, idx, &knowledge.IngestConfig{
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		Concurrency:  cfg.Knowledge.Concurrency,
	})
	scorer, err := a.buildScorer()
	if err != nil {
		return nil, err
	}
	a.retriever = knowledge.NewRetriever(chunks, embedder, idx, scorer, &knowledge.RetrieveConfig{
		Candidates:   cfg.Knowledge.Candidates,
		Limit:        cfg.Knowledge.Limit,
		RerankWeight: cfg.Knowledge.RerankWeight,
	})

	// Indexes are derived state; restore them from the repositories.
	if err := a.memory.RebuildAll(ctx); err != nil {
		return nil, err
	}
	if err := a.ingestor.Rebuild(ctx); err != nil {
		return nil, err
	}
	a.metrics.SetKnowledgeSize(a.ingestor.Size())

	executor, err := a.buildExecutor()
	if err != nil {
		return nil, err
	}

	guardCfg := safety.DefaultConfig()
	guardCfg.MaxOutputChars = cfg.Safety.MaxOutputChars
	guard, err := safety.New(guardCfg)
	if err != nil {
		return nil, err
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.OracleTimeout = cfg.Oracle.Timeout
	engineCfg.MemoryLimit = cfg.Engine.MemoryLimit
	engineCfg.KnowledgeLimit = cfg.Knowledge.Limit
	engineCfg.SummaryTrigger = cfg.Engine.SummaryTrigger
	engineCfg.KeepLast = cfg.Engine.KeepLast

	a.engine, err = engine.New(a.buildOracle(),
		engine.WithMemory(a.memory),
		engine.WithKnowledge(a.retriever),
		engine.WithTools(executor),
		engine.WithGuard(guard),
		engine.WithMetrics(a.metrics),
		engine.WithConfig(engineCfg),
	)
	if err != nil {
		return nil, err
	}

	a.sessions, err = a.buildSessions(ctx)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) buildEmbedder() (memory.Embedder, error) {
	cfg := a.cfg.Embedder
	var (
		base memory.Embedder
		err  error
	)
	switch cfg.Provider {
	case "mock":
		base = mock.NewWithDimensions(cfg.Dimensions)
	case "remote":
		base, err = remote.New(remote.Config{
			BaseURL:    cfg.URL,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	case "onnx":
		var closer io.Closer
		base, closer, err = newONNXEmbedder(cfg)
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	default:
		err = goerr.New("unknown embedder provider", goerr.V("provider", cfg.Provider))
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize <= 0 {
		return base, nil
	}
	cached, err := cache.New(base, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closerFunc(func() error {
		cached.Close()
		return nil
	}))
	return cached, nil
}

func (a *app) buildScorer() (knowledge.Scorer, error) {
	switch a.cfg.Knowledge.Scorer {
	case "none":
		return nil, nil
	case "crossencoder":
		scorer, closer, err := newCrossEncoder(a.cfg.Embedder)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closer)
		return scorer, nil
	default:
		return knowledge.LexicalScorer{}, nil
	}
}

func (a *app) buildExecutor() (*tools.Executor, error) {
	cfg := a.cfg.Tools
	registry := tools.DefaultRegistry()
	if cfg.ContractsFile != "" {
		data, err := os.ReadFile(cfg.ContractsFile)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read contracts", goerr.V("path", cfg.ContractsFile))
		}
		contracts, err := tools.ParseContracts(data)
		if err != nil {
			return nil, err
		}
		registry = tools.NewRegistry(contracts...)
	}

	var backend tools.Backend
	switch {
	case cfg.GRPCTarget != "":
		conn, err := grpc.NewClient(cfg.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create grpc client", goerr.V("target", cfg.GRPCTarget))
		}
		a.closers = append(a.closers, conn)
		method := cfg.GRPCMethod
		if method == "" {
			method = tools.DefaultGRPCMethod
		}
		backend = tools.NewGRPCBackend(conn, method)
	case cfg.HTTPBaseURL != "":
		backend = tools.NewHTTPBackend(cfg.HTTPBaseURL, cfg.Timeout)
	}

	opts := []tools.ExecutorOption{
		tools.WithTimeout(cfg.Timeout),
		tools.WithObserver(a.metrics.ToolObserver()),
	}
	if backend != nil {
		seen := map[string]bool{}
		for _, action := range registry.Actions() {
			c, _ := registry.Get(action)
			tool := c.Tool()
			if tool == "calculator" || seen[tool] {
				continue
			}
			seen[tool] = true
			opts = append(opts, tools.WithBackend(tool, backend))
		}
	}
	return tools.NewExecutor(registry, opts...), nil
}

func (a *app) buildOracle() oracle.Oracle {
	cfg := a.cfg.Oracle
	if cfg.Provider == "offline" {
		return oracle.Offline{}
	}
	return oracle.New(claude.New(claude.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
	}))
}

func (a *app) buildSessions(ctx context.Context) (session.Store, error) {
	cfg := a.cfg.Session
	if cfg.Backend != "redis" {
		return session.NewMemoryStore(cfg.TTL), nil
	}
	rs := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL)
	a.closers = append(a.closers, rs)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		return nil, err
	}
	return rs, nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
