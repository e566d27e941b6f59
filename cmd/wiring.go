package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tmc/langchaingo/llms"

	"github.com/vsf-health/vsf-agent/internal/config"
	"github.com/vsf-health/vsf-agent/internal/embeddings"
	"github.com/vsf-health/vsf-agent/internal/llm"
	"github.com/vsf-health/vsf-agent/internal/telemetry"
	"github.com/vsf-health/vsf-agent/internal/vectorstore"
	"github.com/vsf-health/vsf-agent/pkg/logger"
	"github.com/vsf-health/vsf-agent/pkg/memory"
)

// runtime bundles the components the non-server commands share.
type runtime struct {
	cfg      *config.Config
	log      *logrus.Logger
	tel      *telemetry.Provider
	store    vectorstore.Store
	embedder embeddings.Client
	longterm *memory.LongTerm
}

// newRuntime wires configuration, logging, telemetry, the vector store and
// the long-term memory for a command invocation.
func newRuntime(ctx context.Context) (*runtime, error) {
	log, err := logger.CreateLogger(
		viper.GetString("log-file"),
		viper.GetString("log-level"),
		viper.GetString("log-format"),
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		ConsoleExport:  cfg.Telemetry.ConsoleExport,
		OTLPExport:     cfg.Telemetry.OTLPExport,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		log.WithError(err).Warn("Telemetry setup failed, continuing without exporters")
	}

	store, err := newStore(cfg, log)
	if err != nil {
		return nil, err
	}

	embedder := embeddings.NewHTTPClient(embeddings.Config{
		BaseURL:          cfg.Embeddings.BaseURL,
		APIKey:           cfg.Embeddings.APIKey,
		Model:            cfg.Embeddings.Model,
		Dimensions:       cfg.Embeddings.Dimensions,
		MaxRetries:       cfg.Embeddings.MaxRetries,
		RateLimitBackoff: cfg.Embeddings.RateLimitBackoff,
	}, log)

	journal := memory.NewJournal(cfg.LongtermPath())
	temp := memory.NewJournal(cfg.TempPath())
	longterm := memory.NewLongTerm(journal, temp, store, embedder, cfg.Memory.LongtermCollection, log)

	return &runtime{
		cfg:      cfg,
		log:      log,
		tel:      tel,
		store:    store,
		embedder: embedder,
		longterm: longterm,
	}, nil
}

func (r *runtime) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.WithError(err).Warn("Vector store close failed")
		}
	}
	if r.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tel.Shutdown(ctx); err != nil {
			r.log.WithError(err).Warn("Telemetry shutdown failed")
		}
	}
}

// newModel builds the validated chat model from configuration.
func (r *runtime) newModel() (llms.Model, error) {
	return llm.New(llm.Config{
		Model:          r.cfg.LLM.Model,
		FallbackModels: r.cfg.LLM.FallbackModels,
		APIKey:         r.cfg.LLM.APIKey,
		BaseURL:        r.cfg.LLM.BaseURL,
	}, r.log)
}

func newStore(cfg *config.Config, log *logrus.Logger) (vectorstore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return vectorstore.NewSQLiteStore(cfg.Store.Path, log)
	default:
		return vectorstore.NewQdrantStore(cfg.Qdrant.URL, cfg.Qdrant.APIKey, log), nil
	}
}
