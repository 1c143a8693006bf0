package domain

import (
	"testing"
	"time"
)

func segmentsWith(t *testing.T, statuses ...[2]StageStatus) []Segment {
	t.Helper()
	units := make([]SegmentUnit, len(statuses))
	segs := NewSegments("doc-1", units, time.Now().UTC())
	for i, st := range statuses {
		segs[i].Stages[StageTransform] = StageState{Status: st[0]}
		segs[i].Stages[StageSynthesize] = StageState{Status: st[1]}
	}
	return segs
}

func TestDeriveRollupBeforeSegmentation(t *testing.T) {
	doc := NewDocument("doc-1", "src", time.Now().UTC())
	got := DeriveRollup(doc, nil)
	if got.Overall != OverallInProgress || got.Progress != 0 || got.SegmentsTotal != 0 {
		t.Fatalf("unexpected rollup: %+v", got)
	}
}

func TestDeriveRollupZeroSegmentsAfterSegmentationIsInProgress(t *testing.T) {
	doc := NewDocument("doc-1", "src", time.Now().UTC())
	doc.Stages[StageAcquire] = StageState{Status: StatusComplete}
	doc.Stages[StageSegment] = StageState{Status: StatusComplete}

	got := DeriveRollup(doc, []Segment{})
	if got.Overall != OverallInProgress {
		t.Fatalf("expected in_progress for empty document, got %s", got.Overall)
	}
}

func TestDeriveRollupComplete(t *testing.T) {
	segs := segmentsWith(t,
		[2]StageStatus{StatusComplete, StatusComplete},
		[2]StageStatus{StatusComplete, StatusComplete},
	)
	got := DeriveRollup(NewDocument("doc-1", "src", time.Now()), segs)
	if got.Overall != OverallComplete || got.Progress != 1 {
		t.Fatalf("unexpected rollup: %+v", got)
	}
}

func TestDeriveRollupPartialFailure(t *testing.T) {
	segs := segmentsWith(t,
		[2]StageStatus{StatusComplete, StatusComplete},
		[2]StageStatus{StatusComplete, StatusComplete},
		[2]StageStatus{StatusFailed, StatusPending},
		[2]StageStatus{StatusComplete, StatusComplete},
		[2]StageStatus{StatusComplete, StatusComplete},
	)
	got := DeriveRollup(NewDocument("doc-1", "src", time.Now()), segs)
	if got.Overall != OverallFailed {
		t.Fatalf("expected failed, got %s", got.Overall)
	}
	if got.Progress != 4.0/5.0 {
		t.Fatalf("expected progress 0.8, got %v", got.Progress)
	}
	if got.SegmentsFailed != 1 {
		t.Fatalf("expected 1 failed segment, got %d", got.SegmentsFailed)
	}
}

func TestDeriveRollupDocumentStageFailure(t *testing.T) {
	doc := NewDocument("doc-1", "src", time.Now())
	doc.Stages[StageAcquire] = StageState{Status: StatusFailed, Error: "404"}
	got := DeriveRollup(doc, nil)
	if got.Overall != OverallFailed {
		t.Fatalf("expected failed, got %s", got.Overall)
	}
}

func TestDeriveRollupIsPure(t *testing.T) {
	doc := NewDocument("doc-1", "src", time.Now())
	segs := segmentsWith(t,
		[2]StageStatus{StatusComplete, StatusInProgress},
		[2]StageStatus{StatusComplete, StatusComplete},
	)
	first := DeriveRollup(doc, segs)
	second := DeriveRollup(doc, segs)
	if first != second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
	if segs[0].Stage(StageSynthesize).Status != StatusInProgress {
		t.Fatalf("rollup must not mutate segments")
	}
}
