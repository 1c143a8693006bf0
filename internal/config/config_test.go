package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"STORE_DRIVER", "FANOUT_CONCURRENCY", "CALL_TIMEOUT_SECONDS", "RETRY_MAX_ATTEMPTS", "RETRY_MULTIPLIER", "BREAKER_ENABLED", "MERGE_AUDIO", "NATS_MAX_REDELIVERIES", "NATS_REDELIVERY_DELAY_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected default store driver postgres, got %q", cfg.StoreDriver)
	}
	if cfg.FanOutConcurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.FanOutConcurrency)
	}
	if cfg.CallTimeout().Seconds() != 120 {
		t.Fatalf("expected 120s call timeout, got %v", cfg.CallTimeout())
	}
	if cfg.RetryMaxAttempts != 4 || cfg.RetryMultiplier != 2.0 || !cfg.BreakerEnabled {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if !cfg.MergeAudio {
		t.Fatalf("expected audio merge enabled by default")
	}
	if cfg.NATSMaxRedeliveries != 5 || cfg.RedeliveryDelay().Seconds() != 30 {
		t.Fatalf("unexpected redelivery defaults: %d, %v", cfg.NATSMaxRedeliveries, cfg.RedeliveryDelay())
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("FANOUT_CONCURRENCY", "8")
	t.Setenv("OLLAMA_RPS", "2.5")
	t.Setenv("BREAKER_ENABLED", "false")
	t.Setenv("RETRY_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	if cfg.StoreDriver != "sqlite" || cfg.FanOutConcurrency != 8 || cfg.OllamaRPS != 2.5 || cfg.BreakerEnabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RetryMaxAttempts != 4 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.RetryMaxAttempts)
	}
}

func TestParseStageOptions(t *testing.T) {
	opts, err := ParseStageOptions([]byte(`
stages:
  transform:
    model: narrator
    temperature: 0.2
  synthesize:
    voice: alloy
`))
	if err != nil {
		t.Fatalf("ParseStageOptions() error = %v", err)
	}

	var transform struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal(opts.For(domain.StageTransform), &transform); err != nil {
		t.Fatalf("decode transform options: %v", err)
	}
	if transform.Model != "narrator" || transform.Temperature != 0.2 {
		t.Fatalf("unexpected transform options %+v", transform)
	}
	if string(opts.For(domain.StageSynthesize)) != `{"voice":"alloy"}` {
		t.Fatalf("unexpected synthesize options %s", opts.For(domain.StageSynthesize))
	}
}

func TestParseStageOptionsRejectsUnknownStage(t *testing.T) {
	if _, err := ParseStageOptions([]byte("stages:\n  publish:\n    x: 1\n")); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestLoadStageOptionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte("stages:\n  acquire:\n    force: true\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	opts, err := LoadStageOptions(path)
	if err != nil {
		t.Fatalf("LoadStageOptions() error = %v", err)
	}
	if string(opts.For(domain.StageAcquire)) != `{"force":true}` {
		t.Fatalf("unexpected acquire options %s", opts.For(domain.StageAcquire))
	}

	empty, err := LoadStageOptions("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty path should yield no defaults: %v %v", empty, err)
	}
}
