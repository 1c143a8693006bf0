package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

type PipelineOptions struct {
	// CallTimeout bounds each Acquire, Segment and merge attempt.
	CallTimeout time.Duration
	Observer    ports.PipelineObserver
	// Merger, when set, joins the segment audio of a complete document.
	Merger ports.AudioMerger
}

// PipelineOrchestrator drives one document through acquire, segment,
// fan-out and finalize. Runs are registered per document id so that a
// cancellation can reach a run in flight on this instance.
type PipelineOrchestrator struct {
	store     ports.StatusStore
	acquirer  ports.Acquirer
	segmenter ports.Segmenter
	retry     ports.RetryExecutor
	fanout    *FanOutController
	merger    ports.AudioMerger

	callTimeout time.Duration
	observer    ports.PipelineObserver
	now         func() time.Time

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

func NewPipelineOrchestrator(
	store ports.StatusStore,
	acquirer ports.Acquirer,
	segmenter ports.Segmenter,
	retry ports.RetryExecutor,
	fanout *FanOutController,
	opts PipelineOptions,
) *PipelineOrchestrator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &PipelineOrchestrator{
		store:       store,
		acquirer:    acquirer,
		segmenter:   segmenter,
		retry:       retry,
		fanout:      fanout,
		merger:      opts.Merger,
		callTimeout: opts.CallTimeout,
		observer:    opts.Observer,
		now:         func() time.Time { return time.Now().UTC() },
		runs:        make(map[string]context.CancelFunc),
	}
}

// Cancel stops dispatch for the run of documentID on this instance. It
// reports whether such a run was found.
func (o *PipelineOrchestrator) Cancel(documentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.runs[documentID]
	if ok {
		cancel()
	}
	return ok
}

func (o *PipelineOrchestrator) register(ctx context.Context, documentID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[documentID]; ok {
		return nil, nil, domain.WrapError(domain.ErrTemporary, "process document", fmt.Errorf("run already in flight for %s", documentID))
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.runs[documentID] = cancel
	return runCtx, func() {
		o.mu.Lock()
		delete(o.runs, documentID)
		o.mu.Unlock()
		cancel()
	}, nil
}

// Process runs the pipeline for one document. Stage failures end up in the
// returned result; the error is non-nil only for invalid input and
// orchestration failures.
func (o *PipelineOrchestrator) Process(ctx context.Context, req domain.ProcessRequest) (*domain.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runCtx, done, err := o.register(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	defer done()

	started := time.Now()
	o.observer.RunStarted()

	run := &documentRun{
		o:       o,
		req:     req,
		runCtx:  runCtx,
		storeCx: context.WithoutCancel(runCtx),
		rec: &recorder{
			store:         o.store,
			correlationID: uuid.NewString(),
			now:           o.now,
		},
	}
	result, err := run.execute()
	if err != nil {
		o.observer.RunFinished(domain.OutcomeFailed, time.Since(started).Seconds())
		slog.Error("document_run_aborted",
			"document_id", req.DocumentID,
			"correlation_id", run.rec.correlationID,
			"error", err,
		)
		return nil, err
	}

	o.observer.RunFinished(result.Outcome, time.Since(started).Seconds())
	slog.Info("document_run_finished",
		"document_id", result.DocumentID,
		"correlation_id", result.CorrelationID,
		"outcome", result.Outcome,
		"failed_stage", result.FailedStage,
		"progress", result.Rollup.Progress,
		"segments_total", result.Rollup.SegmentsTotal,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

// documentRun holds the state of one Process call. runCtx gates whether new
// work starts; storeCx is never cancelled so that bookkeeping for work
// already started is always written.
type documentRun struct {
	o       *PipelineOrchestrator
	req     domain.ProcessRequest
	runCtx  context.Context
	storeCx context.Context
	rec     *recorder
}

func (r *documentRun) execute() (*domain.RunResult, error) {
	if err := r.o.store.CreateDocument(r.storeCx, domain.NewDocument(r.req.DocumentID, r.req.SourceLocator, r.o.now())); err != nil {
		return nil, orchestrationError("create document", err)
	}
	doc, err := r.o.store.GetDocument(r.storeCx, r.req.DocumentID)
	if err != nil {
		return nil, orchestrationError("load document", err)
	}

	if r.cancelled() {
		return r.finish(domain.StageAcquire, nil)
	}
	contentRef, ok, err := r.acquire(doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.finish(domain.StageAcquire, nil)
	}

	if r.cancelled() {
		return r.finish(domain.StageSegment, nil)
	}
	segments, ok, err := r.segment(doc, contentRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.finish(domain.StageSegment, nil)
	}
	if len(segments) == 0 {
		return r.finish("", nil)
	}
	if r.cancelled() {
		return r.finish(domain.StageTransform, nil)
	}

	if err := r.enterFanOut(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(segments))
	for _, seg := range segments {
		ids = append(ids, seg.ID)
	}
	summary, err := r.o.fanout.Run(r.runCtx, FanOutRequest{
		DocumentID:    r.req.DocumentID,
		SegmentIDs:    ids,
		Concurrency:   r.req.Concurrency,
		Options:       r.req.StageOptions,
		CorrelationID: r.rec.correlationID,
	})
	if err != nil {
		return nil, err
	}
	if err := r.leaveFanOut(summary); err != nil {
		return nil, err
	}
	return r.finish("", &summary)
}

func (r *documentRun) cancelled() bool {
	return r.runCtx.Err() != nil
}

func (r *documentRun) acquire(doc *domain.Document) (string, bool, error) {
	if doc.Stage(domain.StageAcquire).Status == domain.StatusComplete {
		if doc.ContentRef == "" {
			return "", false, orchestrationError("reuse acquired content", domain.WrapError(domain.ErrInvalidInput, "acquire", errors.New("completed acquire has no content ref")))
		}
		return doc.ContentRef, true, nil
	}

	if err := r.rec.documentStage(r.storeCx, doc.ID, domain.StageAcquire, domain.StageUpdate{Status: domain.StatusInProgress}, map[string]any{
		"source_locator": r.req.SourceLocator,
	}); err != nil {
		return "", false, err
	}

	req := domain.StageRequest{
		ItemID:         doc.ID,
		DocumentID:     doc.ID,
		InputRef:       r.req.SourceLocator,
		IdempotencyKey: domain.NewIdempotencyKey(doc.ID, "", domain.StageAcquire),
		Options:        r.req.StageOptions.For(domain.StageAcquire),
	}
	var (
		out      domain.StageOutput
		attempts int
	)
	callErr := r.o.retry.Execute(r.storeCx, retryOperation(domain.StageAcquire, doc.ID), func(ctx context.Context) error {
		attempts++
		result, err := callWithTimeout(ctx, r.o.callTimeout, domain.StageAcquire, func(ctx context.Context) (domain.StageOutput, error) {
			return r.o.acquirer.Acquire(ctx, req)
		})
		if err == nil {
			result, err = requireRef(domain.StageAcquire, result)
		}
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if callErr != nil {
		return "", false, r.failDocumentStage(domain.StageAcquire, callErr, attempts)
	}

	if err := r.rec.documentStage(r.storeCx, doc.ID, domain.StageAcquire, domain.StageUpdate{Status: domain.StatusComplete, Output: &out}, outputDetail(out, attempts)); err != nil {
		return "", false, err
	}
	return out.Ref, true, nil
}

func (r *documentRun) segment(doc *domain.Document, contentRef string) ([]domain.Segment, bool, error) {
	if doc.Stage(domain.StageSegment).Status == domain.StatusComplete {
		segments, err := r.o.store.ListSegments(r.storeCx, doc.ID)
		if err != nil {
			return nil, false, orchestrationError("list segments", err)
		}
		return segments, true, nil
	}

	if err := r.rec.documentStage(r.storeCx, doc.ID, domain.StageSegment, domain.StageUpdate{Status: domain.StatusInProgress}, map[string]any{
		"content_ref": contentRef,
	}); err != nil {
		return nil, false, err
	}

	req := domain.StageRequest{
		ItemID:         doc.ID,
		DocumentID:     doc.ID,
		InputRef:       contentRef,
		IdempotencyKey: domain.NewIdempotencyKey(doc.ID, "", domain.StageSegment),
		Options:        r.req.StageOptions.For(domain.StageSegment),
	}
	var (
		units    []domain.SegmentUnit
		attempts int
	)
	callErr := r.o.retry.Execute(r.storeCx, retryOperation(domain.StageSegment, doc.ID), func(ctx context.Context) error {
		attempts++
		result, err := callWithTimeout(ctx, r.o.callTimeout, domain.StageSegment, func(ctx context.Context) ([]domain.SegmentUnit, error) {
			return r.o.segmenter.Segment(ctx, req)
		})
		if err != nil {
			return err
		}
		for i, unit := range result {
			if unit.Ref == "" {
				return domain.WrapError(domain.ErrPermanent, string(domain.StageSegment), fmt.Errorf("unit %d has an empty reference", i))
			}
		}
		units = result
		return nil
	})
	if callErr != nil {
		return nil, false, r.failDocumentStage(domain.StageSegment, callErr, attempts)
	}

	segments := domain.NewSegments(doc.ID, units, r.o.now())
	update := domain.StageUpdate{Status: domain.StatusComplete, At: r.o.now()}
	if err := r.o.store.CompleteSegmentation(r.storeCx, doc.ID, segments, update); err != nil {
		return nil, false, orchestrationError("complete segmentation", err)
	}
	if err := r.rec.event(r.storeCx, domain.Event{
		DocumentID: doc.ID,
		Stage:      domain.StageSegment,
		Level:      domain.LevelInfo,
		Message:    transitionMessage(domain.StageSegment, update),
		Detail:     map[string]any{"segment_count": len(segments), "attempts": attempts},
	}); err != nil {
		return nil, false, err
	}

	stored, err := r.o.store.ListSegments(r.storeCx, doc.ID)
	if err != nil {
		return nil, false, orchestrationError("list segments", err)
	}
	return stored, true, nil
}

func (r *documentRun) failDocumentStage(stage domain.Stage, callErr error, attempts int) error {
	return r.rec.documentStage(r.storeCx, r.req.DocumentID, stage, domain.StageUpdate{
		Status: domain.StatusFailed,
		Error:  callErr.Error(),
	}, map[string]any{
		"attempts":  attempts,
		"transient": domain.IsTransient(callErr),
	})
}

// enterFanOut marks the document-level transform and synthesize stages as
// running unless an earlier run already completed them.
func (r *documentRun) enterFanOut() error {
	doc, err := r.o.store.GetDocument(r.storeCx, r.req.DocumentID)
	if err != nil {
		return orchestrationError("load document", err)
	}
	for _, stage := range domain.SegmentStages {
		if doc.Stage(stage).Status == domain.StatusComplete {
			continue
		}
		if err := r.rec.documentStage(r.storeCx, doc.ID, stage, domain.StageUpdate{Status: domain.StatusInProgress}, map[string]any{
			"segment_count": doc.SegmentCount,
		}); err != nil {
			return err
		}
	}
	return nil
}

// leaveFanOut settles the document-level transform and synthesize stages
// from segment rows. A stage whose segments did not all reach a terminal
// status stays in_progress.
func (r *documentRun) leaveFanOut(summary FanOutSummary) error {
	doc, segments, err := r.o.store.Snapshot(r.storeCx, r.req.DocumentID)
	if err != nil {
		return orchestrationError("snapshot document", err)
	}
	for _, stage := range domain.SegmentStages {
		if doc.Stage(stage).Status != domain.StatusInProgress {
			continue
		}
		complete, failed := 0, 0
		for i := range segments {
			switch segments[i].Stage(stage).Status {
			case domain.StatusComplete:
				complete++
			case domain.StatusFailed:
				failed++
			}
		}
		// A segment that failed transform never reaches synthesize.
		if stage == domain.StageSynthesize {
			failed = len(segments) - complete
			if summary.Cancelled {
				failed = 0
			}
		}

		var update domain.StageUpdate
		switch {
		case complete == len(segments):
			update = domain.StageUpdate{Status: domain.StatusComplete}
		case failed > 0 && !summary.Cancelled:
			update = domain.StageUpdate{Status: domain.StatusFailed, Error: fmt.Sprintf("%d of %d segments did not complete %s", len(segments)-complete, len(segments), stage)}
		default:
			continue
		}
		if err := r.rec.documentStage(r.storeCx, doc.ID, stage, update, map[string]any{
			"segments_complete": complete,
			"segments_total":    len(segments),
		}); err != nil {
			return err
		}
	}
	return nil
}

// finish writes the finalize event and derives the run result from a fresh
// snapshot. stoppedAt names the document stage the run ended on, if any.
func (r *documentRun) finish(stoppedAt domain.Stage, summary *FanOutSummary) (*domain.RunResult, error) {
	doc, segments, err := r.o.store.Snapshot(r.storeCx, r.req.DocumentID)
	if err != nil {
		return nil, orchestrationError("snapshot document", err)
	}
	rollup := domain.DeriveRollup(doc, segments)
	result := &domain.RunResult{
		DocumentID:    r.req.DocumentID,
		CorrelationID: r.rec.correlationID,
		Rollup:        rollup,
	}

	detail := map[string]any{
		"progress":             rollup.Progress,
		"segments_total":       rollup.SegmentsTotal,
		"segments_synthesized": rollup.SegmentsSynthesized,
		"segments_failed":      rollup.SegmentsFailed,
	}
	ev := domain.Event{DocumentID: r.req.DocumentID, Stage: domain.StageFinalize, Detail: detail}

	switch {
	case rollup.Overall == domain.OverallFailed:
		result.Outcome = domain.OutcomeFailed
		result.FailedStage = failedStage(doc, segments)
		ev.Level = domain.LevelError
		ev.Message = fmt.Sprintf("document failed at %s", result.FailedStage)
		if ids := failedSegmentIDs(segments); len(ids) > 0 {
			detail["failed_segment_ids"] = ids
		}
	case rollup.Overall == domain.OverallComplete:
		result.Outcome = domain.OutcomeComplete
		ev.Level = domain.LevelInfo
		ev.Message = "document complete"
		merged, err := r.mergeAudio(segments, detail)
		if err != nil {
			return nil, err
		}
		if merged != nil {
			result.Merged = merged
			detail["merged_ref"] = merged.Ref
			detail["merged_duration_seconds"] = merged.DurationSeconds
		} else if _, failed := detail["merge_error"]; failed {
			ev.Level = domain.LevelWarn
			ev.Message = "document complete, audio merge failed"
		}
	case r.cancelled():
		result.Outcome = domain.OutcomeCancelled
		ev.Level = domain.LevelWarn
		ev.Message = "document run cancelled"
		if stoppedAt != "" {
			detail["stopped_before"] = stoppedAt
		}
		if summary != nil {
			detail["segments_dispatched"] = summary.Dispatched
		}
	case doc.Stage(domain.StageSegment).Status == domain.StatusComplete && rollup.SegmentsTotal == 0:
		result.Outcome = domain.OutcomeIncomplete
		ev.Level = domain.LevelWarn
		ev.Message = "document produced no segments"
	default:
		result.Outcome = domain.OutcomeIncomplete
		ev.Level = domain.LevelWarn
		ev.Message = "document run ended with work outstanding"
	}

	if err := r.rec.event(r.storeCx, ev); err != nil {
		return nil, err
	}
	return result, nil
}

// mergeAudio joins the synthesized audio of every segment in ordinal order.
// A failed merge is reported in detail and leaves the outcome alone; the
// per-segment audio stays available. Only store failures are returned.
func (r *documentRun) mergeAudio(segments []domain.Segment, detail map[string]any) (*domain.StageOutput, error) {
	if r.o.merger == nil {
		return nil, nil
	}
	ledger := r.o.fanout.ledger
	key := domain.NewIdempotencyKey(r.req.DocumentID, "", domain.StageFinalize)
	cached, hit, err := ledger.LookupOutput(r.storeCx, key)
	if err != nil {
		return nil, orchestrationError("lookup idempotency key", err)
	}
	if hit {
		return &cached, nil
	}

	ordered := append([]domain.Segment(nil), segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	refs := make([]string, 0, len(ordered))
	for i := range ordered {
		out, ok := ordered[i].Output(domain.StageSynthesize)
		if !ok || out.Ref == "" {
			detail["merge_error"] = fmt.Sprintf("segment %d has no audio reference", ordered[i].Ordinal)
			return nil, nil
		}
		refs = append(refs, out.Ref)
	}

	req := domain.MergeRequest{DocumentID: r.req.DocumentID, InputRefs: refs, IdempotencyKey: key}
	var (
		out      domain.StageOutput
		attempts int
	)
	callErr := r.o.retry.Execute(r.storeCx, retryOperation(domain.StageFinalize, r.req.DocumentID), func(ctx context.Context) error {
		attempts++
		result, err := callWithTimeout(ctx, r.o.callTimeout, domain.StageFinalize, func(ctx context.Context) (domain.StageOutput, error) {
			return r.o.merger.Merge(ctx, req)
		})
		if err == nil {
			result, err = requireRef(domain.StageFinalize, result)
		}
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if callErr != nil {
		detail["merge_error"] = callErr.Error()
		detail["merge_attempts"] = attempts
		slog.Warn("audio_merge_failed",
			"document_id", r.req.DocumentID,
			"correlation_id", r.rec.correlationID,
			"attempts", attempts,
			"error", callErr,
		)
		return nil, nil
	}
	if err := ledger.RecordOutput(r.storeCx, key, r.req.DocumentID, "", domain.StageFinalize, out); err != nil {
		return nil, orchestrationError("record idempotency key", err)
	}
	return &out, nil
}

func failedStage(doc *domain.Document, segments []domain.Segment) domain.Stage {
	for _, stage := range domain.DocumentStages {
		if doc.Stage(stage).Status == domain.StatusFailed {
			return stage
		}
	}
	for _, stage := range domain.SegmentStages {
		for i := range segments {
			if segments[i].Stage(stage).Status == domain.StatusFailed {
				return stage
			}
		}
	}
	return ""
}

func failedSegmentIDs(segments []domain.Segment) []string {
	var ids []string
	for i := range segments {
		for _, stage := range domain.SegmentStages {
			if segments[i].Stage(stage).Status == domain.StatusFailed {
				ids = append(ids, segments[i].ID)
				break
			}
		}
	}
	return ids
}
