package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Executor retries classified failures with capped exponential backoff and,
// when enabled, guards each operation name with its own circuit breaker. The
// breaker wraps single attempts, so a rejection by an open breaker is one
// failed attempt that the classifier may retry.
type Executor struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	breakers  map[string]*breakerEntry
	lastSweep time.Time
}

type breakerEntry struct {
	cb       *gobreaker.CircuitBreaker[any]
	lastUsed time.Time
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		now:      time.Now,
		breakers: make(map[string]*breakerEntry),
	}
}

// Config returns the normalized configuration in effect.
func (e *Executor) Config() Config {
	return e.cfg
}

func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = defaultClassifier
	}

	if !e.cfg.BreakerEnabled {
		return e.executeWithRetry(ctx, op, fn, classifier)
	}

	breaker := e.circuitBreaker(op, classifier)
	return e.executeWithRetry(ctx, op, func(ctx context.Context) error {
		_, err := breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		return err
	}, classifier)
}

// Backoff returns the wait after the given failed attempt (1-based).
func (e *Executor) Backoff(attempt int) time.Duration {
	wait := e.cfg.RetryInitialBackoff
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * e.cfg.RetryMultiplier)
		if wait >= e.cfg.RetryMaxBackoff {
			return e.cfg.RetryMaxBackoff
		}
	}
	if wait > e.cfg.RetryMaxBackoff {
		wait = e.cfg.RetryMaxBackoff
	}
	return wait
}

func (e *Executor) executeWithRetry(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	maxAttempts := e.cfg.RetryMaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class := classifier(err)
		if !class.Retryable {
			return err
		}
		if attempt == maxAttempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", operation, attempt, err)
		}

		wait := e.Backoff(attempt)
		if IsCircuitOpen(err) && wait < e.cfg.BreakerOpenTimeout {
			// Give the breaker a chance to reach half-open before the next try.
			wait = e.cfg.BreakerOpenTimeout
		}
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}

	return lastErr
}

func (e *Executor) circuitBreaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.sweepIdleLocked(now)
	if entry, ok := e.breakers[operation]; ok {
		entry.lastUsed = now
		return entry.cb
	}

	settings := gobreaker.Settings{
		Name:        operation,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.cfg.BreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			class := classifier(err)
			return !class.RecordFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	}

	breaker := gobreaker.NewCircuitBreaker[any](settings)
	e.breakers[operation] = &breakerEntry{cb: breaker, lastUsed: now}
	return breaker
}

// sweepIdleLocked drops breakers unused for BreakerIdleTTL. Operations scoped
// to one document would otherwise accumulate for the life of the process.
func (e *Executor) sweepIdleLocked(now time.Time) {
	if now.Sub(e.lastSweep) < e.cfg.BreakerIdleTTL {
		return
	}
	e.lastSweep = now
	for name, entry := range e.breakers {
		if now.Sub(entry.lastUsed) >= e.cfg.BreakerIdleTTL {
			delete(e.breakers, name)
		}
	}
}

func (e *Executor) breakerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.breakers)
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
