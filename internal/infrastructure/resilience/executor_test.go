package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

func fastConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteGivesUpAtAttemptCap(t *testing.T) {
	exec := NewExecutor(fastConfig())

	attempts := 0
	err := exec.Bind(ClassifyStageError).Execute(context.Background(), "transform", func(context.Context) error {
		attempts++
		return domain.WrapError(domain.ErrTemporary, "transform", errors.New("rate limited"))
	})
	if !domain.IsTransient(err) {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     300 * time.Millisecond,
		RetryMultiplier:     2,
	})

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := exec.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestNormalizeEnforcesMinimumMultiplier(t *testing.T) {
	exec := NewExecutor(Config{RetryMultiplier: 1.2})
	if exec.Config().RetryMultiplier != 2 {
		t.Fatalf("expected multiplier 2, got %v", exec.Config().RetryMultiplier)
	}
	if exec.Config().RetryMaxAttempts != 4 {
		t.Fatalf("expected default 4 attempts, got %d", exec.Config().RetryMaxAttempts)
	}
}

func TestClassifyStageError(t *testing.T) {
	transient := ClassifyStageError(domain.WrapError(domain.ErrTemporary, "synthesize", errors.New("503")))
	if !transient.Retryable || !transient.RecordFailure {
		t.Fatalf("unexpected transient classification: %+v", transient)
	}
	permanent := ClassifyStageError(domain.WrapError(domain.ErrPermanent, "synthesize", errors.New("400")))
	if permanent.Retryable || permanent.RecordFailure {
		t.Fatalf("unexpected permanent classification: %+v", permanent)
	}
	unknown := ClassifyStageError(errors.New("boom"))
	if unknown.Retryable {
		t.Fatalf("unclassified errors must not be retried")
	}
	open := ClassifyStageError(gobreaker.ErrOpenState)
	if !open.Retryable || open.RecordFailure {
		t.Fatalf("open circuit should be retried without counting as a failure: %+v", open)
	}
}

func breakerConfig() Config {
	return Config{
		RetryMaxAttempts:        4,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         2 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      20 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	}
}

func TestStageCallRetriesThroughOpenCircuit(t *testing.T) {
	exec := NewExecutor(breakerConfig())
	bound := exec.Bind(ClassifyStageError)

	calls := 0
	err := bound.Execute(context.Background(), "transform/doc-1", func(context.Context) error {
		calls++
		if calls <= 2 {
			return domain.WrapError(domain.ErrTemporary, "transform", errors.New("503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success once the breaker half-opens, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls reaching the service, got %d", calls)
	}
}

func TestStageCallOpenCircuitIsTemporary(t *testing.T) {
	cfg := breakerConfig()
	cfg.RetryMaxAttempts = 3
	cfg.BreakerOpenTimeout = time.Hour
	exec := NewExecutor(cfg)
	bound := exec.Bind(ClassifyStageError)

	calls := 0
	fail := func(context.Context) error {
		calls++
		return domain.WrapError(domain.ErrTemporary, "synthesize", errors.New("503"))
	}
	if err := bound.Execute(context.Background(), "synthesize/doc-1", fail); !domain.IsTransient(err) {
		t.Fatalf("expected transient failure, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bound.Execute(ctx, "synthesize/doc-1", fail)
	if !IsCircuitOpen(err) || !domain.IsTransient(err) {
		t.Fatalf("expected open circuit reported as temporary, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("open breaker must not reach the service, calls = %d", calls)
	}
}

func TestBreakersAreScopedByOperation(t *testing.T) {
	cfg := breakerConfig()
	cfg.RetryMaxAttempts = 1
	cfg.BreakerOpenTimeout = time.Hour
	exec := NewExecutor(cfg)
	bound := exec.Bind(ClassifyStageError)

	for i := 0; i < 2; i++ {
		_ = bound.Execute(context.Background(), "transform/doc-a", func(context.Context) error {
			return domain.WrapError(domain.ErrTemporary, "transform", errors.New("503"))
		})
	}
	if err := bound.Execute(context.Background(), "transform/doc-a", func(context.Context) error { return nil }); !IsCircuitOpen(err) {
		t.Fatalf("expected doc-a breaker open, got %v", err)
	}
	if err := bound.Execute(context.Background(), "transform/doc-b", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("doc-b must not share doc-a's breaker: %v", err)
	}
}

func TestIdleBreakersAreEvicted(t *testing.T) {
	cfg := breakerConfig()
	cfg.BreakerIdleTTL = time.Minute
	exec := NewExecutor(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	ok := func(context.Context) error { return nil }
	_ = exec.Execute(context.Background(), "transform/doc-a", ok, ClassifyStageError)
	_ = exec.Execute(context.Background(), "transform/doc-b", ok, ClassifyStageError)
	if got := exec.breakerCount(); got != 2 {
		t.Fatalf("expected 2 breakers, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	_ = exec.Execute(context.Background(), "transform/doc-c", ok, ClassifyStageError)
	if got := exec.breakerCount(); got != 1 {
		t.Fatalf("expected idle breakers evicted, got %d", got)
	}
}
