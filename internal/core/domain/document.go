package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Document struct {
	ID            string               `json:"id"`
	SourceLocator string               `json:"source_locator"`
	ContentRef    string               `json:"content_ref,omitempty"`
	Stages        map[Stage]StageState `json:"stages"`
	SegmentCount  int                  `json:"segment_count"`
	// Transformed and Synthesized are counted from segment rows on read.
	Transformed int       `json:"segments_transformed"`
	Synthesized int       `json:"segments_synthesized"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewDocument returns a document with every tracked stage pending.
func NewDocument(id, sourceLocator string, now time.Time) *Document {
	doc := &Document{
		ID:            id,
		SourceLocator: sourceLocator,
		Stages:        make(map[Stage]StageState, len(DocumentStages)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, stage := range DocumentStages {
		doc.Stages[stage] = StageState{Status: StatusPending}
	}
	return doc
}

func (d *Document) Stage(stage Stage) StageState {
	if d == nil || d.Stages == nil {
		return StageState{Status: StatusPending}
	}
	state, ok := d.Stages[stage]
	if !ok || state.Status == "" {
		state.Status = StatusPending
	}
	return state
}

type Segment struct {
	ID         string               `json:"id"`
	DocumentID string               `json:"document_id"`
	Ordinal    int                  `json:"ordinal"`
	Title      string               `json:"title,omitempty"`
	SourceRef  string               `json:"source_ref"`
	Stages     map[Stage]StageState `json:"stages"`
	// Outputs holds the output reference per completed stage.
	Outputs   map[Stage]StageOutput `json:"outputs,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

var segmentNamespace = uuid.MustParse("5b0c7c2e-4f0a-4c55-9a43-2d6f3b1e8a10")

// SegmentID is deterministic so that re-segmenting a document yields the
// same identities and idempotency keys.
func SegmentID(documentID string, ordinal int) string {
	return uuid.NewSHA1(segmentNamespace, []byte(documentID+"#"+strconv.Itoa(ordinal))).String()
}

// NewSegments turns executor units into segment records with contiguous
// 0-based ordinals in returned order.
func NewSegments(documentID string, units []SegmentUnit, now time.Time) []Segment {
	out := make([]Segment, 0, len(units))
	for i, unit := range units {
		seg := Segment{
			ID:         SegmentID(documentID, i),
			DocumentID: documentID,
			Ordinal:    i,
			Title:      unit.Title,
			SourceRef:  unit.Ref,
			Stages:     make(map[Stage]StageState, len(SegmentStages)),
			Outputs:    map[Stage]StageOutput{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for _, stage := range SegmentStages {
			seg.Stages[stage] = StageState{Status: StatusPending}
		}
		out = append(out, seg)
	}
	return out
}

func (s *Segment) Stage(stage Stage) StageState {
	if s == nil || s.Stages == nil {
		return StageState{Status: StatusPending}
	}
	state, ok := s.Stages[stage]
	if !ok || state.Status == "" {
		state.Status = StatusPending
	}
	return state
}

func (s *Segment) Output(stage Stage) (StageOutput, bool) {
	if s == nil || s.Outputs == nil {
		return StageOutput{}, false
	}
	out, ok := s.Outputs[stage]
	return out, ok && out.Ref != ""
}

// LastError returns the most recent stage error recorded on the segment.
func (s *Segment) LastError() string {
	for i := len(SegmentStages) - 1; i >= 0; i-- {
		if msg := s.Stage(SegmentStages[i]).Error; msg != "" {
			return msg
		}
	}
	return ""
}

// ProcessRequest is the trigger payload for one orchestrator run.
type ProcessRequest struct {
	DocumentID    string       `json:"documentId"`
	SourceLocator string       `json:"sourceLocator"`
	StageOptions  StageOptions `json:"stageOptions,omitempty"`
	Concurrency   int          `json:"concurrency,omitempty"`
}

func (r ProcessRequest) Validate() error {
	if strings.TrimSpace(r.DocumentID) == "" {
		return WrapError(ErrInvalidInput, "process request", errors.New("document id is required"))
	}
	if strings.TrimSpace(r.SourceLocator) == "" {
		return WrapError(ErrInvalidInput, "process request", errors.New("source locator is required"))
	}
	if r.Concurrency < 0 {
		return WrapError(ErrInvalidInput, "process request", errors.New("concurrency must not be negative"))
	}
	for stage := range r.StageOptions {
		if !stage.Valid() {
			return WrapError(ErrInvalidInput, "process request", errors.New("unknown stage in options: "+string(stage)))
		}
	}
	return nil
}

type RunOutcome string

const (
	OutcomeComplete   RunOutcome = "complete"
	OutcomeFailed     RunOutcome = "failed"
	OutcomeIncomplete RunOutcome = "incomplete"
	OutcomeCancelled  RunOutcome = "cancelled"
)

// RunResult summarizes one orchestrator run.
type RunResult struct {
	DocumentID    string     `json:"document_id"`
	CorrelationID string     `json:"correlation_id"`
	Outcome       RunOutcome `json:"outcome"`
	FailedStage   Stage      `json:"failed_stage,omitempty"`
	Rollup        Rollup     `json:"rollup"`
	// Merged is the joined book audio of a complete document, when produced.
	Merged *StageOutput `json:"merged,omitempty"`
}
