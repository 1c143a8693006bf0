package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/resilience"
)

const (
	workerQueueGroup = "workers"
	// deliveryHeader counts deliveries of a republished process request.
	deliveryHeader = "Abp-Delivery"
)

// Queue carries process requests to one worker of the "workers" queue group
// and broadcasts cancellations to every worker.
type Queue struct {
	conn          *nats.Conn
	subject       string
	cancelSubject string
	executor      *resilience.Executor

	redeliveryDelay time.Duration
	maxRedeliveries int
}

type Options struct {
	CancelSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// RedeliveryDelay and MaxRedeliveries govern republishing of process
	// requests whose handler failed with a temporary error. Core NATS does
	// not redeliver on its own.
	RedeliveryDelay time.Duration
	MaxRedeliveries int
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	redeliveryDelay := options.RedeliveryDelay
	if redeliveryDelay <= 0 {
		redeliveryDelay = 30 * time.Second
	}
	maxRedeliveries := options.MaxRedeliveries
	if maxRedeliveries <= 0 {
		maxRedeliveries = 5
	}
	cancelSubject := strings.TrimSpace(options.CancelSubject)
	if cancelSubject == "" {
		cancelSubject = subject + ".cancel"
	}

	conn, err := nats.Connect(
		url,
		nats.Name("audiobook-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		subject:       subject,
		cancelSubject: cancelSubject,
		executor:      options.ResilienceExecutor,

		redeliveryDelay: redeliveryDelay,
		maxRedeliveries: maxRedeliveries,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

type cancelMessage struct {
	DocumentID string `json:"documentId"`
}

func (q *Queue) PublishProcessRequest(ctx context.Context, req domain.ProcessRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal process request: %w", err)
	}
	return q.publish(ctx, q.subject, payload)
}

func (q *Queue) PublishCancel(ctx context.Context, documentID string) error {
	payload, err := json.Marshal(cancelMessage{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}
	return q.publish(ctx, q.cancelSubject, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded("nats publish "+subject, err)
	}
	return nil
}

// SubscribeProcessRequests blocks until ctx is done. Messages are handled one
// at a time; a malformed message is logged and dropped. A request whose
// handler fails with a temporary error is republished after a delay.
func (q *Queue) SubscribeProcessRequests(ctx context.Context, handler func(context.Context, domain.ProcessRequest) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		req, err := decodeProcessRequest(msg.Data)
		if err != nil {
			slog.Error("process_request_rejected", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, req); err != nil {
			if domain.IsTransient(err) {
				q.redeliver(msg, req.DocumentID, err)
				return
			}
			slog.Error("process_request_failed", "document_id", req.DocumentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.serve(ctx, sub)
}

func (q *Queue) redeliver(msg *nats.Msg, documentID string, cause error) {
	next, delivery, ok := nextDelivery(msg, q.maxRedeliveries)
	if !ok {
		slog.Error("process_request_dropped",
			"document_id", documentID,
			"deliveries", delivery,
			"error", cause,
		)
		return
	}
	slog.Warn("process_request_requeued",
		"document_id", documentID,
		"delivery", delivery+1,
		"delay_ms", q.redeliveryDelay.Milliseconds(),
		"error", cause,
	)
	time.AfterFunc(q.redeliveryDelay, func() {
		if err := q.conn.PublishMsg(next); err != nil {
			slog.Error("process_request_requeue_failed", "document_id", documentID, "error", err)
		}
	})
}

// nextDelivery builds the republished copy of msg. It reports the delivery
// number of msg and false once maxRedeliveries republishes were made.
func nextDelivery(msg *nats.Msg, maxRedeliveries int) (*nats.Msg, int, bool) {
	delivery := 1
	if msg.Header != nil {
		if n, err := strconv.Atoi(msg.Header.Get(deliveryHeader)); err == nil && n > 0 {
			delivery = n
		}
	}
	if delivery > maxRedeliveries {
		return nil, delivery, false
	}
	next := nats.NewMsg(msg.Subject)
	next.Data = msg.Data
	next.Header.Set(deliveryHeader, strconv.Itoa(delivery+1))
	return next, delivery, true
}

// SubscribeCancellations delivers every cancellation to this worker.
func (q *Queue) SubscribeCancellations(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.Subscribe(q.cancelSubject, func(msg *nats.Msg) {
		documentID, err := decodeCancel(msg.Data)
		if err != nil {
			slog.Error("cancel_request_rejected", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(ctx, documentID); err != nil {
			slog.Error("cancel_request_failed", "document_id", documentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.serve(ctx, sub)
}

func (q *Queue) serve(ctx context.Context, sub *nats.Subscription) error {
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeProcessRequest(data []byte) (domain.ProcessRequest, error) {
	var req domain.ProcessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, domain.WrapError(domain.ErrInvalidInput, "decode process request", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func decodeCancel(data []byte) (string, error) {
	var msg cancelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "decode cancel request", err)
	}
	if strings.TrimSpace(msg.DocumentID) == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "decode cancel request", errors.New("document id is required"))
	}
	return msg.DocumentID, nil
}
