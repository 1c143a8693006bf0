package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

const (
	DefaultConcurrency = 4
	DefaultCallTimeout = 2 * time.Minute
)

type FanOutOptions struct {
	// DefaultConcurrency applies when a request asks for fewer than one slot.
	DefaultConcurrency int
	// CallTimeout bounds each executor attempt; expiry is a transient failure.
	CallTimeout time.Duration
	Observer    ports.PipelineObserver
}

type FanOutRequest struct {
	DocumentID    string
	SegmentIDs    []string
	Concurrency   int
	Options       domain.StageOptions
	CorrelationID string
}

type FanOutSummary struct {
	Total      int      `json:"total"`
	Dispatched int      `json:"dispatched"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	Cancelled  bool     `json:"cancelled"`
	FailedIDs  []string `json:"failed_segment_ids,omitempty"`
}

// FanOutController runs Transform then Synthesize for every segment of one
// document with at most N segment pipelines in flight.
type FanOutController struct {
	store       ports.StatusStore
	ledger      ports.OutputLedger
	transformer ports.Transformer
	synthesizer ports.Synthesizer
	retry       ports.RetryExecutor

	defaultConcurrency int
	callTimeout        time.Duration
	observer           ports.PipelineObserver
	now                func() time.Time
}

func NewFanOutController(
	store ports.StatusStore,
	ledger ports.OutputLedger,
	transformer ports.Transformer,
	synthesizer ports.Synthesizer,
	retry ports.RetryExecutor,
	opts FanOutOptions,
) *FanOutController {
	if opts.DefaultConcurrency < 1 {
		opts.DefaultConcurrency = DefaultConcurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &FanOutController{
		store:              store,
		ledger:             ledger,
		transformer:        transformer,
		synthesizer:        synthesizer,
		retry:              retry,
		defaultConcurrency: opts.DefaultConcurrency,
		callTimeout:        opts.CallTimeout,
		observer:           opts.Observer,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches segment pipelines in ordinal order. Cancelling ctx stops
// dispatch; pipelines already started finish on a context that is not
// cancelled. The returned error is non-nil only for orchestration failures.
func (f *FanOutController) Run(ctx context.Context, req FanOutRequest) (FanOutSummary, error) {
	summary := FanOutSummary{Total: len(req.SegmentIDs)}
	if len(req.SegmentIDs) == 0 {
		return summary, nil
	}

	workCtx := context.WithoutCancel(ctx)
	segments, err := f.loadSegments(workCtx, req.DocumentID, req.SegmentIDs)
	if err != nil {
		return summary, err
	}

	limit := req.Concurrency
	if limit < 1 {
		limit = f.defaultConcurrency
	}

	rec := &recorder{store: f.store, correlationID: req.CorrelationID, now: f.now}
	sem := semaphore.NewWeighted(int64(limit))
	var (
		group errgroup.Group
		mu    sync.Mutex
		fatal atomic.Bool
	)

	for i := range segments {
		seg := segments[i]
		if ctx.Err() != nil || fatal.Load() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil || fatal.Load() {
			sem.Release(1)
			break
		}
		summary.Dispatched++

		group.Go(func() error {
			defer sem.Release(1)
			ok, err := f.runSegment(workCtx, rec, &seg, req.Options)
			if err != nil {
				fatal.Store(true)
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				summary.Completed++
			} else {
				summary.Failed++
				summary.FailedIDs = append(summary.FailedIDs, seg.ID)
			}
			return nil
		})
	}

	err = group.Wait()
	summary.Cancelled = ctx.Err() != nil && summary.Dispatched < summary.Total
	sort.Strings(summary.FailedIDs)
	return summary, err
}

// loadSegments reads the current state of the requested segments from the
// store, ordered by ordinal.
func (f *FanOutController) loadSegments(ctx context.Context, documentID string, ids []string) ([]domain.Segment, error) {
	stored, err := f.store.ListSegments(ctx, documentID)
	if err != nil {
		return nil, orchestrationError("list segments", err)
	}
	byID := make(map[string]domain.Segment, len(stored))
	for _, seg := range stored {
		byID[seg.ID] = seg
	}

	out := make([]domain.Segment, 0, len(ids))
	for _, id := range ids {
		seg, ok := byID[id]
		if !ok {
			return nil, orchestrationError("load segments", domain.WrapError(domain.ErrSegmentNotFound, "fan-out", fmt.Errorf("document=%s segment=%s", documentID, id)))
		}
		seg.DocumentID = documentID
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// runSegment is sequential: Synthesize is only reached after Transform
// completed for the same segment.
func (f *FanOutController) runSegment(ctx context.Context, rec *recorder, seg *domain.Segment, opts domain.StageOptions) (bool, error) {
	transformed, ok, err := f.runStage(ctx, rec, seg, domain.StageTransform, seg.SourceRef, opts, f.transformer.Transform)
	if err != nil || !ok {
		return false, err
	}
	_, ok, err = f.runStage(ctx, rec, seg, domain.StageSynthesize, transformed.Ref, opts, f.synthesizer.Synthesize)
	return ok, err
}

type stageCall func(context.Context, domain.StageRequest) (domain.StageOutput, error)

func (f *FanOutController) runStage(
	ctx context.Context,
	rec *recorder,
	seg *domain.Segment,
	stage domain.Stage,
	inputRef string,
	opts domain.StageOptions,
	call stageCall,
) (domain.StageOutput, bool, error) {
	state := seg.Stage(stage)
	if state.Status == domain.StatusComplete {
		out, _ := seg.Output(stage)
		return out, true, nil
	}

	key := domain.NewIdempotencyKey(seg.DocumentID, seg.ID, stage)
	cached, hit, err := f.ledger.LookupOutput(ctx, key)
	if err != nil {
		return domain.StageOutput{}, false, orchestrationError("lookup idempotency key", err)
	}
	if err := rec.segmentStage(ctx, seg, stage, domain.StageUpdate{Status: domain.StatusInProgress}, map[string]any{
		"idempotency_key": key.String(),
		"cache_hit":       hit,
	}); err != nil {
		return domain.StageOutput{}, false, err
	}
	if hit {
		if err := rec.segmentStage(ctx, seg, stage, domain.StageUpdate{Status: domain.StatusComplete, Output: &cached}, outputDetail(cached, 0)); err != nil {
			return domain.StageOutput{}, false, err
		}
		f.observer.SegmentStageFinished(stage, domain.StatusComplete, 0)
		return cached, true, nil
	}

	req := domain.StageRequest{
		ItemID:         seg.ID,
		DocumentID:     seg.DocumentID,
		SegmentID:      seg.ID,
		Ordinal:        seg.Ordinal,
		InputRef:       inputRef,
		IdempotencyKey: key,
		Options:        opts.For(stage),
	}

	var (
		out      domain.StageOutput
		attempts int
	)
	callErr := f.retry.Execute(ctx, retryOperation(stage, seg.DocumentID), func(ctx context.Context) error {
		attempts++
		result, err := callWithTimeout(ctx, f.callTimeout, stage, func(ctx context.Context) (domain.StageOutput, error) {
			return call(ctx, req)
		})
		if err == nil {
			result, err = requireRef(stage, result)
		}
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if callErr != nil {
		f.observer.SegmentStageFinished(stage, domain.StatusFailed, attempts)
		detail := map[string]any{
			"attempts":  attempts,
			"transient": domain.IsTransient(callErr),
		}
		if err := rec.segmentStage(ctx, seg, stage, domain.StageUpdate{Status: domain.StatusFailed, Error: callErr.Error()}, detail); err != nil {
			return domain.StageOutput{}, false, err
		}
		return domain.StageOutput{}, false, nil
	}

	if err := f.ledger.RecordOutput(ctx, key, seg.DocumentID, seg.ID, stage, out); err != nil {
		return domain.StageOutput{}, false, orchestrationError("record idempotency key", err)
	}
	if err := rec.segmentStage(ctx, seg, stage, domain.StageUpdate{Status: domain.StatusComplete, Output: &out}, outputDetail(out, attempts)); err != nil {
		return domain.StageOutput{}, false, err
	}
	f.observer.SegmentStageFinished(stage, domain.StatusComplete, attempts)
	return out, true, nil
}

func outputDetail(out domain.StageOutput, attempts int) map[string]any {
	detail := map[string]any{"output_ref": out.Ref}
	if attempts > 0 {
		detail["attempts"] = attempts
	}
	if out.DurationSeconds > 0 {
		detail["duration_seconds"] = out.DurationSeconds
	}
	if out.SizeBytes > 0 {
		detail["size_bytes"] = out.SizeBytes
	}
	return detail
}

type noopObserver struct{}

func (noopObserver) RunStarted()                                                {}
func (noopObserver) RunFinished(domain.RunOutcome, float64)                     {}
func (noopObserver) SegmentStageFinished(domain.Stage, domain.StageStatus, int) {}
