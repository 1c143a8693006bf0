package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

func TestDecodeProcessRequest(t *testing.T) {
	want := domain.ProcessRequest{
		DocumentID:    "doc-1",
		SourceLocator: "https://example.org/book.txt",
		Concurrency:   3,
		StageOptions:  domain.StageOptions{domain.StageTransform: json.RawMessage(`{"model":"m"}`)},
	}
	payload, _ := json.Marshal(want)

	got, err := decodeProcessRequest(payload)
	if err != nil {
		t.Fatalf("decodeProcessRequest() error = %v", err)
	}
	if got.DocumentID != want.DocumentID || got.SourceLocator != want.SourceLocator || got.Concurrency != 3 {
		t.Fatalf("unexpected request %+v", got)
	}
	if string(got.StageOptions.For(domain.StageTransform)) != `{"model":"m"}` {
		t.Fatalf("stage options not carried: %s", got.StageOptions.For(domain.StageTransform))
	}
}

func TestDecodeProcessRequestRejectsInvalid(t *testing.T) {
	for _, payload := range []string{`not json`, `{"documentId":"doc-1"}`, `{"sourceLocator":"x"}`} {
		if _, err := decodeProcessRequest([]byte(payload)); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("payload %s: expected invalid input, got %v", payload, err)
		}
	}
}

func TestDecodeCancel(t *testing.T) {
	id, err := decodeCancel([]byte(`{"documentId":"doc-9"}`))
	if err != nil || id != "doc-9" {
		t.Fatalf("decodeCancel() = %q, %v", id, err)
	}
	if _, err := decodeCancel([]byte(`{}`)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if c := classifyNATSError(nats.ErrNoServers); !c.Retryable || !c.RecordFailure {
		t.Fatalf("no servers should be retryable: %+v", c)
	}
	if c := classifyNATSError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("cancellation should not be retried: %+v", c)
	}
	if c := classifyNATSError(errors.New("bad subject")); c.Retryable {
		t.Fatalf("unknown errors are not retryable: %+v", c)
	}
	if !domain.IsTransient(wrapTemporaryIfNeeded("nats publish", nats.ErrTimeout)) {
		t.Fatalf("timeouts should surface as temporary")
	}
}

func TestNextDeliveryCountsRepublishes(t *testing.T) {
	msg := nats.NewMsg("documents.process")
	msg.Data = []byte(`{"documentId":"doc-1"}`)

	for want := 2; want <= 4; want++ {
		next, delivery, ok := nextDelivery(msg, 3)
		if !ok {
			t.Fatalf("delivery %d: expected a republish", delivery)
		}
		if delivery != want-1 || next.Header.Get(deliveryHeader) != strconv.Itoa(want) {
			t.Fatalf("delivery %d: unexpected header %q", delivery, next.Header.Get(deliveryHeader))
		}
		if next.Subject != msg.Subject || string(next.Data) != string(msg.Data) {
			t.Fatalf("republished message must keep subject and payload: %+v", next)
		}
		msg = next
	}

	if _, delivery, ok := nextDelivery(msg, 3); ok || delivery != 4 {
		t.Fatalf("expected the budget to be spent at delivery 4, got delivery=%d ok=%v", delivery, ok)
	}
}

func TestNextDeliveryIgnoresBadHeader(t *testing.T) {
	msg := nats.NewMsg("documents.process")
	msg.Header.Set(deliveryHeader, "garbage")
	next, delivery, ok := nextDelivery(msg, 1)
	if !ok || delivery != 1 || next.Header.Get(deliveryHeader) != "2" {
		t.Fatalf("unexpected result: delivery=%d ok=%v", delivery, ok)
	}
}
