package ports

import (
	"context"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// SubmitRequest is the inbound payload for starting a document run.
type SubmitRequest struct {
	DocumentID    string              `json:"documentId,omitempty"`
	SourceLocator string              `json:"sourceLocator"`
	StageOptions  domain.StageOptions `json:"stageOptions,omitempty"`
	Concurrency   int                 `json:"concurrency,omitempty"`
}

// DocumentSubmitter is the inbound contract for triggering document runs.
type DocumentSubmitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*domain.Document, error)
	RequestCancel(ctx context.Context, documentID string) error
}

// DocumentProcessor drives one document through the pipeline.
type DocumentProcessor interface {
	Process(ctx context.Context, req domain.ProcessRequest) (*domain.RunResult, error)
	Cancel(documentID string) bool
}

// StatusQuery is the read model for document progress and the event log.
type StatusQuery interface {
	GetStatus(ctx context.Context, documentID string) (*domain.StatusView, error)
	ListEvents(ctx context.Context, documentID string) ([]domain.Event, error)
}
