package domain

import "time"

type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event is one append-only entry of the pipeline event log.
type Event struct {
	Sequence      int64          `json:"sequence"`
	DocumentID    string         `json:"document_id,omitempty"`
	SegmentID     string         `json:"segment_id,omitempty"`
	Stage         Stage          `json:"stage"`
	Level         EventLevel     `json:"level"`
	Message       string         `json:"message"`
	Detail        map[string]any `json:"detail,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	CreatedAt     time.Time      `json:"created_at"`
}
