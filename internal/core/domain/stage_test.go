package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStageStatusTransitions(t *testing.T) {
	cases := []struct {
		from StageStatus
		to   StageStatus
		ok   bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusComplete, true},
		{StatusInProgress, StatusFailed, true},
		{StatusFailed, StatusInProgress, true},
		{StatusInProgress, StatusInProgress, true},
		{StatusPending, StatusComplete, false},
		{StatusPending, StatusFailed, false},
		{StatusComplete, StatusInProgress, false},
		{StatusComplete, StatusFailed, false},
		{StatusComplete, StatusPending, false},
		{StatusFailed, StatusComplete, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestCheckTransitionReturnsInvalidTransitionKind(t *testing.T) {
	err := CheckTransition(StageTransform, StatusComplete, StatusInProgress)
	if !IsKind(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := CheckTransition(StageTransform, "", StatusInProgress); err != nil {
		t.Fatalf("empty status should behave as pending, got %v", err)
	}
}

func TestStageUpdateApplyStampsTimes(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	state := StageState{Status: StatusFailed, Error: "boom"}

	StageUpdate{Status: StatusInProgress, At: start}.Apply(&state)
	if state.StartedAt == nil || !state.StartedAt.Equal(start) || state.Error != "" || state.CompletedAt != nil {
		t.Fatalf("unexpected in_progress state: %+v", state)
	}

	end := start.Add(time.Minute)
	StageUpdate{Status: StatusFailed, Error: "bad input", At: end}.Apply(&state)
	if state.CompletedAt == nil || !state.CompletedAt.Equal(end) || state.Error != "bad input" {
		t.Fatalf("unexpected failed state: %+v", state)
	}
}

func TestStageOptionsMergeOverridesWholeBlob(t *testing.T) {
	defaults := StageOptions{
		StageTransform:  json.RawMessage(`{"model":"a","temperature":0.1}`),
		StageSynthesize: json.RawMessage(`{"voice":"x"}`),
	}
	req := StageOptions{StageTransform: json.RawMessage(`{"model":"b"}`)}

	merged := req.Merge(defaults)
	if string(merged.For(StageTransform)) != `{"model":"b"}` {
		t.Fatalf("expected request blob to win, got %s", merged.For(StageTransform))
	}
	if string(merged.For(StageSynthesize)) != `{"voice":"x"}` {
		t.Fatalf("expected default synthesize blob, got %s", merged.For(StageSynthesize))
	}
	if StageOptions(nil).For(StageAcquire) != nil {
		t.Fatalf("nil options must return nil blob")
	}
}

func TestNewSegmentsAssignsContiguousOrdinalsAndStableIDs(t *testing.T) {
	now := time.Now().UTC()
	units := []SegmentUnit{{Ref: "a"}, {Ref: "b"}, {Ref: "c"}}
	segs := NewSegments("doc-1", units, now)
	again := NewSegments("doc-1", units, now)

	for i, seg := range segs {
		if seg.Ordinal != i {
			t.Fatalf("expected ordinal %d, got %d", i, seg.Ordinal)
		}
		if seg.ID != again[i].ID {
			t.Fatalf("segment ids must be deterministic")
		}
		if seg.Stage(StageTransform).Status != StatusPending || seg.Stage(StageSynthesize).Status != StatusPending {
			t.Fatalf("new segment stages must be pending: %+v", seg.Stages)
		}
	}
	if segs[0].ID == segs[1].ID {
		t.Fatalf("segment ids must differ per ordinal")
	}
	if SegmentID("doc-2", 0) == segs[0].ID {
		t.Fatalf("segment ids must differ per document")
	}
}

func TestIdempotencyKeyEscapesSeparator(t *testing.T) {
	a := NewIdempotencyKey("doc:1", "seg", StageTransform)
	b := NewIdempotencyKey("doc", "1:seg", StageTransform)
	if a == b {
		t.Fatalf("keys must not collide: %s", a)
	}
	if NewIdempotencyKey("doc", "seg", StageTransform) != NewIdempotencyKey("doc", "seg", StageTransform) {
		t.Fatalf("keys must be deterministic")
	}
	if NewIdempotencyKey("doc", "seg", StageTransform) == NewIdempotencyKey("doc", "seg", StageSynthesize) {
		t.Fatalf("keys must differ per stage")
	}
}

func TestProcessRequestValidate(t *testing.T) {
	valid := ProcessRequest{DocumentID: "doc-1", SourceLocator: "https://example.org/book.txt"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	invalid := []ProcessRequest{
		{SourceLocator: "x"},
		{DocumentID: "doc-1"},
		{DocumentID: "doc-1", SourceLocator: "x", Concurrency: -1},
		{DocumentID: "doc-1", SourceLocator: "x", StageOptions: StageOptions{"render": nil}},
	}
	for i, req := range invalid {
		if err := req.Validate(); !IsKind(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}
