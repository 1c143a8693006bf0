package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

// SubmitDocumentUseCase records a pending document and hands the run to the
// worker pool over the message queue.
type SubmitDocumentUseCase struct {
	store    ports.StatusStore
	queue    ports.MessageQueue
	defaults domain.StageOptions
}

func NewSubmitDocumentUseCase(
	store ports.StatusStore,
	queue ports.MessageQueue,
	defaults domain.StageOptions,
) *SubmitDocumentUseCase {
	return &SubmitDocumentUseCase{
		store:    store,
		queue:    queue,
		defaults: defaults,
	}
}

func (uc *SubmitDocumentUseCase) Submit(ctx context.Context, req ports.SubmitRequest) (*domain.Document, error) {
	id := strings.TrimSpace(req.DocumentID)
	if id == "" {
		id = uuid.NewString()
	}
	processReq := domain.ProcessRequest{
		DocumentID:    id,
		SourceLocator: strings.TrimSpace(req.SourceLocator),
		StageOptions:  req.StageOptions.Merge(uc.defaults),
		Concurrency:   req.Concurrency,
	}
	if err := processReq.Validate(); err != nil {
		return nil, err
	}

	if err := uc.store.CreateDocument(ctx, domain.NewDocument(id, processReq.SourceLocator, time.Now().UTC())); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	doc, err := uc.store.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	if err := uc.queue.PublishProcessRequest(ctx, processReq); err != nil {
		return nil, fmt.Errorf("publish process request: %w", err)
	}
	return doc, nil
}

func (uc *SubmitDocumentUseCase) RequestCancel(ctx context.Context, documentID string) error {
	if _, err := uc.store.GetDocument(ctx, documentID); err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	if err := uc.queue.PublishCancel(ctx, documentID); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}
