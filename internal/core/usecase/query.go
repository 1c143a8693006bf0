package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

// StatusQueryUseCase serves the read model. It never writes to the store.
type StatusQueryUseCase struct {
	store ports.StatusStore
}

func NewStatusQueryUseCase(store ports.StatusStore) *StatusQueryUseCase {
	return &StatusQueryUseCase{store: store}
}

func (uc *StatusQueryUseCase) GetStatus(ctx context.Context, documentID string) (*domain.StatusView, error) {
	doc, segments, err := uc.store.Snapshot(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot document: %w", err)
	}
	return &domain.StatusView{
		Document: doc,
		Stages:   doc.Stages,
		Segments: segments,
		Rollup:   domain.DeriveRollup(doc, segments),
	}, nil
}

func (uc *StatusQueryUseCase) ListEvents(ctx context.Context, documentID string) ([]domain.Event, error) {
	if _, err := uc.store.GetDocument(ctx, documentID); err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	events, err := uc.store.ListEvents(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
