package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// ClassifyStageError retries only failures an executor marked as temporary.
// Permanent executor failures do not count against the breaker so one bad
// segment cannot open it for its siblings. A rejection by an open breaker is
// retried after the breaker's open timeout; it never fails a stage outright
// while attempts remain.
func ClassifyStageError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: false,
		}
	}
	if domain.IsTransient(err) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: false,
	}
}

// Bound is an Executor with a fixed classifier.
type Bound struct {
	exec       *Executor
	classifier ErrorClassifier
}

func (e *Executor) Bind(classifier ErrorClassifier) *Bound {
	return &Bound{exec: e, classifier: classifier}
}

// Execute reports a breaker that stayed open through every attempt as a
// temporary failure so that callers treat the stage as re-drivable.
func (b *Bound) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := b.exec.Execute(ctx, operation, fn, b.classifier)
	if IsCircuitOpen(err) && !domain.IsTransient(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
