package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Stage string

const (
	StageAcquire    Stage = "acquire"
	StageSegment    Stage = "segment"
	StageTransform  Stage = "transform"
	StageSynthesize Stage = "synthesize"
	StageFinalize   Stage = "finalize"
)

// DocumentStages are the stages tracked on the document record, in run order.
var DocumentStages = []Stage{StageAcquire, StageSegment, StageTransform, StageSynthesize}

// SegmentStages are the stages tracked on each segment record, in run order.
var SegmentStages = []Stage{StageTransform, StageSynthesize}

func (s Stage) Valid() bool {
	switch s {
	case StageAcquire, StageSegment, StageTransform, StageSynthesize, StageFinalize:
		return true
	default:
		return false
	}
}

// TracksDocument reports whether the document record carries status for s.
func (s Stage) TracksDocument() bool {
	switch s {
	case StageAcquire, StageSegment, StageTransform, StageSynthesize:
		return true
	default:
		return false
	}
}

// TracksSegment reports whether segment records carry status for s.
func (s Stage) TracksSegment() bool {
	return s == StageTransform || s == StageSynthesize
}

type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusComplete   StageStatus = "complete"
	StatusFailed     StageStatus = "failed"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

func (s StageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// stageTransitions lists, for every target status, the statuses it may be
// entered from. in_progress may be re-entered so a run interrupted mid-stage
// can be driven again; nothing leaves complete.
var stageTransitions = map[StageStatus][]StageStatus{
	StatusInProgress: {StatusPending, StatusInProgress, StatusFailed},
	StatusComplete:   {StatusInProgress},
	StatusFailed:     {StatusInProgress},
}

// AllowedPredecessors returns the statuses from which next may be entered.
func AllowedPredecessors(next StageStatus) []StageStatus {
	return append([]StageStatus(nil), stageTransitions[next]...)
}

func (s StageStatus) CanTransitionTo(next StageStatus) bool {
	for _, from := range stageTransitions[next] {
		if from == s {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(stage Stage, from, to StageStatus) error {
	if from == "" {
		from = StatusPending
	}
	if !from.CanTransitionTo(to) {
		return WrapError(ErrInvalidTransition, string(stage), fmt.Errorf("%s -> %s", from, to))
	}
	return nil
}

// StageState is the persisted state of one stage on a document or segment.
type StageState struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// StageUpdate is a single status transition written by the orchestrator or
// the fan-out controller.
type StageUpdate struct {
	Status StageStatus
	Error  string
	At     time.Time
	Output *StageOutput
}

// Apply mutates state the way every store persists an update: in_progress
// stamps the start and clears the error, terminal statuses stamp completion.
func (u StageUpdate) Apply(state *StageState) {
	at := u.At
	state.Status = u.Status
	switch u.Status {
	case StatusInProgress:
		state.StartedAt = &at
		state.CompletedAt = nil
		state.Error = ""
	case StatusComplete:
		state.CompletedAt = &at
		state.Error = ""
	case StatusFailed:
		state.CompletedAt = &at
		state.Error = u.Error
	}
}

// StageOptions carries opaque per-stage configuration blobs that are handed
// to executors unchanged.
type StageOptions map[Stage]json.RawMessage

func (o StageOptions) For(stage Stage) json.RawMessage {
	if o == nil {
		return nil
	}
	return o[stage]
}

// Merge returns defaults overlaid with o; a stage present in o replaces the
// default blob for that stage entirely.
func (o StageOptions) Merge(defaults StageOptions) StageOptions {
	out := make(StageOptions, len(defaults)+len(o))
	for stage, raw := range defaults {
		out[stage] = raw
	}
	for stage, raw := range o {
		out[stage] = raw
	}
	return out
}

// StageRequest is the uniform executor input: (item id, input ref, options).
type StageRequest struct {
	ItemID         string
	DocumentID     string
	SegmentID      string
	Ordinal        int
	InputRef       string
	IdempotencyKey IdempotencyKey
	Options        json.RawMessage
}

// MergeRequest lists the synthesized audio of a document's segments in
// ordinal order for joining into one artifact.
type MergeRequest struct {
	DocumentID     string
	InputRefs      []string
	IdempotencyKey IdempotencyKey
}

// StageOutput is a successful executor result.
type StageOutput struct {
	Ref             string  `json:"ref"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
}

// SegmentUnit is one unit returned by the Segment executor, in document order.
type SegmentUnit struct {
	Ref   string `json:"ref"`
	Title string `json:"title,omitempty"`
}
