package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/audiobook-pipeline/internal/bootstrap"
	"github.com/kirillkom/audiobook-pipeline/internal/config"
	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.WorkerMetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("worker_metrics_listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSCancelSubject, "kind", "cancel")
		return app.Queue.SubscribeCancellations(groupCtx, func(_ context.Context, documentID string) error {
			if app.Processor.Cancel(documentID) {
				slog.Info("document_cancel_signalled", "document_id", documentID)
			}
			return nil
		})
	})
	group.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSSubject, "kind", "process")
		return app.Queue.SubscribeProcessRequests(groupCtx, func(handlerCtx context.Context, req domain.ProcessRequest) error {
			result, err := app.Processor.Process(handlerCtx, req)
			if err != nil {
				return err
			}
			slog.Info("document_processed",
				"document_id", result.DocumentID,
				"outcome", result.Outcome,
			)
			return nil
		})
	})

	if err := group.Wait(); err != nil {
		slog.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
}
