package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

// recorder writes stage transitions for one run. Every transition is a status
// write followed by exactly one event; a failure of either is an
// orchestration failure.
type recorder struct {
	store         ports.StatusStore
	correlationID string
	now           func() time.Time
}

func (r *recorder) documentStage(
	ctx context.Context,
	documentID string,
	stage domain.Stage,
	update domain.StageUpdate,
	detail map[string]any,
) error {
	update.At = r.now()
	if err := r.store.UpdateDocumentStage(ctx, documentID, stage, update); err != nil {
		return orchestrationError(fmt.Sprintf("set %s=%s", stage, update.Status), err)
	}
	return r.event(ctx, domain.Event{
		DocumentID: documentID,
		Stage:      stage,
		Level:      levelFor(update.Status),
		Message:    transitionMessage(stage, update),
		Detail:     detail,
	})
}

func (r *recorder) segmentStage(
	ctx context.Context,
	seg *domain.Segment,
	stage domain.Stage,
	update domain.StageUpdate,
	detail map[string]any,
) error {
	update.At = r.now()
	if err := r.store.UpdateSegmentStage(ctx, seg.DocumentID, seg.ID, stage, update); err != nil {
		return orchestrationError(fmt.Sprintf("set segment %d %s=%s", seg.Ordinal, stage, update.Status), err)
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["ordinal"] = seg.Ordinal
	return r.event(ctx, domain.Event{
		DocumentID: seg.DocumentID,
		SegmentID:  seg.ID,
		Stage:      stage,
		Level:      levelFor(update.Status),
		Message:    transitionMessage(stage, update),
		Detail:     detail,
	})
}

func (r *recorder) event(ctx context.Context, ev domain.Event) error {
	ev.CorrelationID = r.correlationID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return orchestrationError("append event", err)
	}
	return nil
}

func orchestrationError(operation string, err error) error {
	if domain.IsKind(err, domain.ErrOrchestration) {
		return err
	}
	return domain.WrapError(domain.ErrOrchestration, operation, err)
}

func levelFor(status domain.StageStatus) domain.EventLevel {
	if status == domain.StatusFailed {
		return domain.LevelError
	}
	return domain.LevelInfo
}

func transitionMessage(stage domain.Stage, update domain.StageUpdate) string {
	if update.Status == domain.StatusFailed && update.Error != "" {
		return fmt.Sprintf("%s failed: %s", stage, update.Error)
	}
	return fmt.Sprintf("%s %s", stage, update.Status)
}
