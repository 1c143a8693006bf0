package domain

type OverallStatus string

const (
	OverallInProgress OverallStatus = "in_progress"
	OverallComplete   OverallStatus = "complete"
	OverallFailed     OverallStatus = "failed"
)

// Rollup is the document status derived from segment rows. It is never
// persisted.
type Rollup struct {
	Overall             OverallStatus `json:"overall_status"`
	Progress            float64       `json:"progress"`
	SegmentsTotal       int           `json:"segments_total"`
	SegmentsSynthesized int           `json:"segments_synthesized"`
	SegmentsFailed      int           `json:"segments_failed"`
}

// DeriveRollup computes the overall status of doc from its segments. It only
// reads its arguments.
func DeriveRollup(doc *Document, segments []Segment) Rollup {
	out := Rollup{
		Overall:       OverallInProgress,
		SegmentsTotal: len(segments),
	}

	failed := false
	if doc != nil {
		for _, stage := range DocumentStages {
			if doc.Stage(stage).Status == StatusFailed {
				failed = true
			}
		}
	}
	for i := range segments {
		seg := &segments[i]
		segFailed := false
		for _, stage := range SegmentStages {
			if seg.Stage(stage).Status == StatusFailed {
				segFailed = true
			}
		}
		if segFailed {
			out.SegmentsFailed++
			failed = true
		}
		if seg.Stage(StageSynthesize).Status == StatusComplete {
			out.SegmentsSynthesized++
		}
	}

	if out.SegmentsTotal > 0 {
		out.Progress = float64(out.SegmentsSynthesized) / float64(out.SegmentsTotal)
	}

	switch {
	case failed:
		out.Overall = OverallFailed
	case out.SegmentsTotal > 0 && out.SegmentsSynthesized == out.SegmentsTotal:
		out.Overall = OverallComplete
	}
	return out
}

// StatusView is the read model served to status queries.
type StatusView struct {
	Document *Document            `json:"document"`
	Stages   map[Stage]StageState `json:"stages"`
	Segments []Segment            `json:"segments"`
	Rollup   Rollup               `json:"rollup"`
}
