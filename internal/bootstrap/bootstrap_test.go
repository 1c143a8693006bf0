package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/config"
)

func TestRetryConfigFromEnvConfig(t *testing.T) {
	got := retryConfig(config.Config{
		RetryMaxAttempts:      6,
		RetryInitialBackoffMS: 100,
		RetryMaxBackoffMS:     2000,
		RetryMultiplier:       3,
		BreakerEnabled:        false,
	})
	if got.RetryMaxAttempts != 6 || got.RetryInitialBackoff != 100*time.Millisecond || got.RetryMaxBackoff != 2*time.Second {
		t.Fatalf("unexpected retry config %+v", got)
	}
	if got.RetryMultiplier != 3 || got.BreakerEnabled {
		t.Fatalf("unexpected retry config %+v", got)
	}
	if got.BreakerMinRequests == 0 {
		t.Fatalf("breaker defaults must be kept")
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()

	store, closeFn, err := openStore(ctx, config.Config{StoreDriver: "memory"})
	if err != nil || store == nil {
		t.Fatalf("memory store: %v", err)
	}
	closeFn()

	store, closeFn, err = openStore(ctx, config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "p.db")})
	if err != nil || store == nil {
		t.Fatalf("sqlite store: %v", err)
	}
	closeFn()

	if _, _, err := openStore(ctx, config.Config{StoreDriver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
