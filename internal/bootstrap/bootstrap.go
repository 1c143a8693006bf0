package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/config"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
	"github.com/kirillkom/audiobook-pipeline/internal/core/usecase"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/acquire/httpfetch"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/chunking"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/secrets/envfile"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/speech/httptts"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/speech/wavfile"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/audiobook-pipeline/internal/observability/metrics"
)

// PipelineStore is a status store that also keeps the idempotency ledger.
type PipelineStore interface {
	ports.StatusStore
	ports.OutputLedger
}

type App struct {
	Config config.Config

	Queue         ports.MessageQueue
	Store         PipelineStore
	Submitter     ports.DocumentSubmitter
	Status        ports.StatusQuery
	Processor     ports.DocumentProcessor
	WorkerMetrics *metrics.WorkerMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	stageDefaults, err := config.LoadStageOptions(cfg.StageOptionsFile)
	if err != nil {
		closeStore()
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	secrets := envfile.New()

	retryCfg := retryConfig(cfg)
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		CancelSubject:      cfg.NATSCancelSubject,
		ResilienceExecutor: resilience.NewExecutor(retryCfg),
		RedeliveryDelay:    cfg.RedeliveryDelay(),
		MaxRedeliveries:    cfg.NATSMaxRedeliveries,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	acquirer := httpfetch.New(storage, cfg.FetchTimeout(), cfg.FetchUserAgent)
	segmenter := chunking.NewSegmenter(storage, cfg.SegmentMaxChars)
	transformer := ollama.NewTransformer(ollama.New(ollama.Config{
		BaseURL:           cfg.OllamaURL,
		Model:             cfg.OllamaModel,
		TokenSecret:       cfg.OllamaTokenSecret,
		RequestsPerSecond: cfg.OllamaRPS,
		Timeout:           cfg.CallTimeout(),
	}, secrets), storage)
	synthesizer := httptts.New(httptts.Config{
		BaseURL:           cfg.TTSURL,
		Path:              cfg.TTSPath,
		DefaultVoice:      cfg.TTSVoice,
		KeySecret:         cfg.TTSKeySecret,
		RequestsPerSecond: cfg.TTSRPS,
		Timeout:           cfg.CallTimeout(),
	}, storage, secrets)

	workerMetrics := metrics.NewWorkerMetrics("worker")
	retry := resilience.NewExecutor(retryCfg).Bind(resilience.ClassifyStageError)
	fanout := usecase.NewFanOutController(store, store, transformer, synthesizer, retry, usecase.FanOutOptions{
		DefaultConcurrency: cfg.FanOutConcurrency,
		CallTimeout:        cfg.CallTimeout(),
		Observer:           workerMetrics,
	})
	pipelineOpts := usecase.PipelineOptions{
		CallTimeout: cfg.CallTimeout(),
		Observer:    workerMetrics,
	}
	if cfg.MergeAudio {
		pipelineOpts.Merger = wavfile.NewMerger(storage)
	}
	orchestrator := usecase.NewPipelineOrchestrator(store, acquirer, segmenter, retry, fanout, pipelineOpts)

	return &App{
		Config: cfg,
		Queue:  queue,
		Store:  store,

		Submitter:     usecase.NewSubmitDocumentUseCase(store, queue, stageDefaults),
		Status:        usecase.NewStatusQueryUseCase(store),
		Processor:     orchestrator,
		WorkerMetrics: workerMetrics,

		closeFn: func() {
			queue.Close()
			closeStore()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func openStore(ctx context.Context, cfg config.Config) (PipelineStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "", "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return postgres.NewStore(db), closeDB(db), nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlite.NewStore(db), closeDB(db), nil
	case "memory":
		slog.Warn("memory_store_selected", "detail", "state is lost on restart and not shared between processes")
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

func retryConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = time.Duration(cfg.RetryInitialBackoffMS) * time.Millisecond
	out.RetryMaxBackoff = time.Duration(cfg.RetryMaxBackoffMS) * time.Millisecond
	out.RetryMultiplier = cfg.RetryMultiplier
	out.BreakerEnabled = cfg.BreakerEnabled
	return out
}
