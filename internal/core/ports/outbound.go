package ports

import (
	"context"
	"io"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// StatusStore persists document and segment processing state and the event log.
type StatusStore interface {
	// CreateDocument inserts doc unless a document with the same id exists.
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	UpdateDocumentStage(ctx context.Context, id string, stage domain.Stage, update domain.StageUpdate) error
	// CompleteSegmentation inserts segments, sets the segment count and marks
	// the segment stage complete as one atomic change.
	CompleteSegmentation(ctx context.Context, documentID string, segments []domain.Segment, update domain.StageUpdate) error

	ListSegments(ctx context.Context, documentID string) ([]domain.Segment, error)
	UpdateSegmentStage(ctx context.Context, documentID, segmentID string, stage domain.Stage, update domain.StageUpdate) error
	// Snapshot reads a document with its segments in one consistent read.
	Snapshot(ctx context.Context, documentID string) (*domain.Document, []domain.Segment, error)

	AppendEvent(ctx context.Context, event domain.Event) error
	ListEvents(ctx context.Context, documentID string) ([]domain.Event, error)
}

// OutputLedger remembers executor outputs by idempotency key.
type OutputLedger interface {
	LookupOutput(ctx context.Context, key domain.IdempotencyKey) (domain.StageOutput, bool, error)
	RecordOutput(ctx context.Context, key domain.IdempotencyKey, documentID, segmentID string, stage domain.Stage, output domain.StageOutput) error
}

// Acquirer fetches a document's source content into object storage.
type Acquirer interface {
	Acquire(ctx context.Context, req domain.StageRequest) (domain.StageOutput, error)
}

// Segmenter splits acquired content into ordered units.
type Segmenter interface {
	Segment(ctx context.Context, req domain.StageRequest) ([]domain.SegmentUnit, error)
}

// Transformer rewrites one segment through the external rewriting service.
type Transformer interface {
	Transform(ctx context.Context, req domain.StageRequest) (domain.StageOutput, error)
}

// Synthesizer renders one transformed segment to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req domain.StageRequest) (domain.StageOutput, error)
}

// AudioMerger joins the per-segment audio of a finished document.
type AudioMerger interface {
	Merge(ctx context.Context, req domain.MergeRequest) (domain.StageOutput, error)
}

// RetryExecutor runs one external call under the retry and breaker policy.
// Calls sharing an operation name share a circuit breaker.
type RetryExecutor interface {
	Execute(ctx context.Context, operation string, fn func(context.Context) error) error
}

// ObjectStorage stores pipeline artifacts by key.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// SecretStore resolves credentials for executors.
type SecretStore interface {
	Secret(ctx context.Context, name string) (string, error)
}

// MessageQueue transports process requests and cancellations.
type MessageQueue interface {
	PublishProcessRequest(ctx context.Context, req domain.ProcessRequest) error
	SubscribeProcessRequests(ctx context.Context, handler func(context.Context, domain.ProcessRequest) error) error
	PublishCancel(ctx context.Context, documentID string) error
	SubscribeCancellations(ctx context.Context, handler func(context.Context, string) error) error
}

// PipelineObserver receives run and stage outcomes for metrics.
type PipelineObserver interface {
	RunStarted()
	RunFinished(outcome domain.RunOutcome, seconds float64)
	SegmentStageFinished(stage domain.Stage, status domain.StageStatus, attempts int)
}
