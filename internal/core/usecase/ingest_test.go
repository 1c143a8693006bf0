package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/repository/memory"
)

type queueFake struct {
	published []domain.ProcessRequest
	cancelled []string
	err       error
}

func (f *queueFake) PublishProcessRequest(_ context.Context, req domain.ProcessRequest) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, req)
	return nil
}

func (f *queueFake) SubscribeProcessRequests(context.Context, func(context.Context, domain.ProcessRequest) error) error {
	return errors.New("not implemented")
}

func (f *queueFake) PublishCancel(_ context.Context, documentID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, documentID)
	return nil
}

func (f *queueFake) SubscribeCancellations(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

func isNotFound(err error) bool {
	return domain.IsKind(err, domain.ErrDocumentNotFound)
}

func TestSubmitCreatesPendingDocumentAndPublishes(t *testing.T) {
	store := memory.New()
	queue := &queueFake{}
	defaults := domain.StageOptions{
		domain.StageSegment:    []byte(`{"max_chars":4000}`),
		domain.StageSynthesize: []byte(`{"voice":"default"}`),
	}
	uc := NewSubmitDocumentUseCase(store, queue, defaults)

	doc, err := uc.Submit(context.Background(), ports.SubmitRequest{
		SourceLocator: " https://example.org/book ",
		StageOptions:  domain.StageOptions{domain.StageSynthesize: []byte(`{"voice":"alto"}`)},
		Concurrency:   3,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if doc.ID == "" {
		t.Fatalf("expected generated id")
	}
	for _, stage := range domain.DocumentStages {
		if doc.Stage(stage).Status != domain.StatusPending {
			t.Fatalf("expected %s pending", stage)
		}
	}

	if len(queue.published) != 1 {
		t.Fatalf("expected one published request, got %d", len(queue.published))
	}
	req := queue.published[0]
	if req.DocumentID != doc.ID || req.SourceLocator != "https://example.org/book" || req.Concurrency != 3 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if string(req.StageOptions.For(domain.StageSynthesize)) != `{"voice":"alto"}` {
		t.Fatalf("request options must replace defaults, got %s", req.StageOptions.For(domain.StageSynthesize))
	}
	if string(req.StageOptions.For(domain.StageSegment)) != `{"max_chars":4000}` {
		t.Fatalf("defaults must apply to other stages, got %s", req.StageOptions.For(domain.StageSegment))
	}
}

func TestSubmitKeepsCallerID(t *testing.T) {
	queue := &queueFake{}
	uc := NewSubmitDocumentUseCase(memory.New(), queue, nil)

	doc, err := uc.Submit(context.Background(), ports.SubmitRequest{DocumentID: "book-7", SourceLocator: "https://example.org"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if doc.ID != "book-7" || queue.published[0].DocumentID != "book-7" {
		t.Fatalf("expected caller id to be kept")
	}
}

func TestSubmitRejectsMissingLocator(t *testing.T) {
	queue := &queueFake{}
	uc := NewSubmitDocumentUseCase(memory.New(), queue, nil)

	_, err := uc.Submit(context.Background(), ports.SubmitRequest{SourceLocator: "  "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(queue.published) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestSubmitPublishFailure(t *testing.T) {
	queue := &queueFake{err: domain.WrapError(domain.ErrTemporary, "publish", errors.New("nats down"))}
	uc := NewSubmitDocumentUseCase(memory.New(), queue, nil)

	_, err := uc.Submit(context.Background(), ports.SubmitRequest{SourceLocator: "https://example.org"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	store := memory.New()
	queue := &queueFake{}
	uc := NewSubmitDocumentUseCase(store, queue, nil)

	if err := uc.RequestCancel(context.Background(), "missing"); !isNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	doc, err := uc.Submit(context.Background(), ports.SubmitRequest{SourceLocator: "https://example.org"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := uc.RequestCancel(context.Background(), doc.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	if len(queue.cancelled) != 1 || queue.cancelled[0] != doc.ID {
		t.Fatalf("unexpected cancellations: %v", queue.cancelled)
	}
}
