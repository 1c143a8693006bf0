package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// callWithTimeout runs one executor attempt under its own deadline. Expiry of
// that deadline while the parent is still live is reported as transient.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, stage domain.Stage, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := fn(callCtx)
	if err != nil {
		var zero T
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !domain.IsTransient(err) {
			return zero, domain.WrapError(domain.ErrTemporary, string(stage), fmt.Errorf("call timed out after %s: %w", timeout, err))
		}
		return zero, err
	}
	return out, nil
}

func requireRef(stage domain.Stage, out domain.StageOutput) (domain.StageOutput, error) {
	if out.Ref == "" {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, string(stage), errors.New("executor returned an empty output reference"))
	}
	return out, nil
}

// retryOperation scopes retry bookkeeping, breaker state included, to one
// document so that a failing document cannot trip calls for another.
func retryOperation(stage domain.Stage, documentID string) string {
	return string(stage) + "/" + documentID
}
