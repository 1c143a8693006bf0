package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/usecase"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/resilience"
)

type executorsFake struct {
	mu        sync.Mutex
	calls     map[string]int
	failSynth int
}

func (f *executorsFake) count(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
}

func (f *executorsFake) Acquire(_ context.Context, req domain.StageRequest) (domain.StageOutput, error) {
	f.count("acquire")
	return domain.StageOutput{Ref: "raw/" + req.DocumentID + "/source.txt"}, nil
}

func (f *executorsFake) Segment(_ context.Context, req domain.StageRequest) ([]domain.SegmentUnit, error) {
	f.count("segment")
	units := make([]domain.SegmentUnit, 6)
	for i := range units {
		units[i] = domain.SegmentUnit{Ref: fmt.Sprintf("parsed/%s/segment_%04d.txt", req.DocumentID, i)}
	}
	return units, nil
}

func (f *executorsFake) Transform(_ context.Context, req domain.StageRequest) (domain.StageOutput, error) {
	f.count("transform")
	return domain.StageOutput{Ref: "formatted/" + req.SegmentID}, nil
}

func (f *executorsFake) Synthesize(_ context.Context, req domain.StageRequest) (domain.StageOutput, error) {
	f.count("synthesize")
	if req.Ordinal == f.failSynth {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "synthesize", errors.New("unsupported voice"))
	}
	return domain.StageOutput{Ref: "audio/" + req.SegmentID + ".wav", DurationSeconds: 1.5, SizeBytes: 48000}, nil
}

func TestPipelineRunsAgainstSQLite(t *testing.T) {
	store := openTestStore(t)
	fake := &executorsFake{calls: map[string]int{}, failSynth: 4}

	retry := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	}).Bind(resilience.ClassifyStageError)
	fanout := usecase.NewFanOutController(store, store, fake, fake, retry, usecase.FanOutOptions{})
	orchestrator := usecase.NewPipelineOrchestrator(store, fake, fake, retry, fanout, usecase.PipelineOptions{})

	req := domain.ProcessRequest{DocumentID: "doc-1", SourceLocator: "https://example.org/book", Concurrency: 3}
	result, err := orchestrator.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Outcome != domain.OutcomeFailed || result.Rollup.SegmentsSynthesized != 5 || result.Rollup.SegmentsTotal != 6 {
		t.Fatalf("unexpected result: %+v", result)
	}

	fake.failSynth = -1
	result, err = orchestrator.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if result.Outcome != domain.OutcomeComplete {
		t.Fatalf("expected re-drive to complete, got %+v", result)
	}
	if fake.calls["acquire"] != 1 || fake.calls["segment"] != 1 || fake.calls["transform"] != 6 || fake.calls["synthesize"] != 7 {
		t.Fatalf("unexpected executor calls: %v", fake.calls)
	}

	view, err := usecase.NewStatusQueryUseCase(store).GetStatus(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if view.Rollup.Overall != domain.OverallComplete || view.Document.Synthesized != 6 {
		t.Fatalf("unexpected status view: %+v", view.Rollup)
	}
}
