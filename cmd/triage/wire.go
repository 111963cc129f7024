package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cognicore/triage/internal/llm"
	"github.com/cognicore/triage/pkg/triage"
	"github.com/cognicore/triage/pkg/triage/config"
	"github.com/cognicore/triage/pkg/triage/dedup"
	"github.com/cognicore/triage/pkg/triage/logging"
	"github.com/cognicore/triage/pkg/triage/metrics"
	"github.com/cognicore/triage/pkg/triage/oracle"
	"github.com/cognicore/triage/pkg/triage/relevance"
	"github.com/cognicore/triage/pkg/triage/sink"
	"github.com/cognicore/triage/pkg/triage/store"
	"github.com/cognicore/triage/pkg/triage/store/memstore"
	"github.com/cognicore/triage/pkg/triage/store/sqlite"
	"github.com/cognicore/triage/pkg/triage/vector"
)

// registerer receives the engine collectors; tests replace it.
var registerer prometheus.Registerer = prometheus.DefaultRegisterer

// app holds everything a command needs once configuration is loaded.
type app struct {
	path    string
	cfg     *config.Config
	vocab   *config.Vocabulary
	engine  *triage.Engine
	index   vector.Index
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func loadConfig(path, level string) (*config.Config, *config.Vocabulary, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if level != "" {
		cfg.Log.Level = level
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	vocab, err := config.LoadVocabulary(cfg.VocabularyPath, cfg.Matching.CaseSensitive)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, vocab, logger, nil
}

func setup(ctx context.Context, path, level string) (*app, error) {
	cfg, vocab, logger, err := loadConfig(path, level)
	if err != nil {
		return nil, err
	}
	m := metrics.New(registerer)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	idx, err := vector.Open(ctx, cfg.Vector, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	closeAll := func() {
		if idx != nil {
			idx.Close()
		}
		st.Close()
	}
	scorer, err := newScorer(cfg.Oracle, logger, m)
	if err != nil {
		closeAll()
		return nil, err
	}
	var embedder oracle.Embedder
	if cfg.Oracle.Embedder.Model != "" {
		e, err := oracle.NewLangchainEmbedder(cfg.Oracle.Embedder)
		if err != nil {
			closeAll()
			return nil, err
		}
		embedder = oracle.NewGuardedEmbedder(e, oracle.NewGuard("embed", cfg.Oracle.Retry, logger, m))
	}

	engine, err := dedup.New(dedup.Options{
		Store:    st,
		Index:    idx,
		Embedder: embedder,
		Logger:   logger.Named("dedup"),
		Metrics:  m,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	pub, err := sink.Open(cfg.Sink, logger.Named("sink"))
	if err != nil {
		closeAll()
		return nil, err
	}

	eng, err := triage.New(triage.Options{
		Store: st,
		Assessor: relevance.New(relevance.Options{
			Scorer:  scorer,
			Timeout: cfg.Oracle.Timeout,
			Logger:  logger.Named("relevance"),
			Metrics: m,
		}),
		Dedup:     engine,
		Publisher: pub,
		Workers:   cfg.Workers,
		Logger:    logger,
		Metrics:   m,
	}, cfg, vocab)
	if err != nil {
		pub.Close()
		closeAll()
		return nil, err
	}

	logger.Info("engine ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("vector", cfg.Vector.Backend),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.String("sink", cfg.Sink.Backend),
		zap.Bool("semantic_dedup", idx != nil && embedder != nil),
	)
	return &app{path: path, cfg: cfg, vocab: vocab, engine: eng, index: idx, logger: logger, metrics: m}, nil
}

// reload re-reads the configuration file and vocabulary and swaps them into
// the running engine.
func (a *app) reload(context.Context) error {
	cfg, err := config.Load(a.path)
	if err != nil {
		return err
	}
	vocab, err := config.LoadVocabulary(cfg.VocabularyPath, cfg.Matching.CaseSensitive)
	if err != nil {
		return err
	}
	return a.engine.Reload(cfg, vocab)
}

// watched lists the files whose change triggers a reload.
func (a *app) watched() []string {
	return append([]string{a.path}, a.vocab.Files(a.cfg.VocabularyPath)...)
}

func (a *app) Close() error {
	err := a.engine.Close()
	if a.index != nil {
		err = errors.Join(err, a.index.Close())
	}
	_ = a.logger.Sync()
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StoreSQLite:
		return sqlite.OpenSQLite(ctx, cfg.Path)
	}
	return nil, fmt.Errorf("store backend %q not supported", cfg.Backend)
}

func newScorer(cfg config.OracleConfig, logger *zap.Logger, m *metrics.Metrics) (oracle.Scorer, error) {
	var inner oracle.Scorer
	switch cfg.Provider {
	case config.ProviderNone, "":
		logger.Warn("no relevance oracle configured, every assessment is degraded")
		return nil, nil
	case config.ProviderAnthropic:
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		s, err := oracle.NewAnthropicScorer(cfg.APIKey, cfg.Model, opts...)
		if err != nil {
			return nil, err
		}
		inner = s
	case config.ProviderOpenAI:
		c, err := llm.New(llm.Options{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model})
		if err != nil {
			return nil, err
		}
		inner = c
	default:
		return nil, fmt.Errorf("oracle provider %q not supported", cfg.Provider)
	}
	return oracle.NewGuardedScorer(inner, oracle.NewGuard("score", cfg.Retry, logger.Named("oracle"), m)), nil
}
