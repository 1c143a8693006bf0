package domain

import (
	"net/url"
	"strings"
)

// IdempotencyKey identifies one unit of external work: (document, segment, stage).
type IdempotencyKey string

// NewIdempotencyKey escapes each component so ids containing the separator
// cannot collide.
func NewIdempotencyKey(documentID, segmentID string, stage Stage) IdempotencyKey {
	parts := []string{
		url.QueryEscape(documentID),
		url.QueryEscape(segmentID),
		string(stage),
	}
	return IdempotencyKey(strings.Join(parts, ":"))
}

func (k IdempotencyKey) String() string { return string(k) }
