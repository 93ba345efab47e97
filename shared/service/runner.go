package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"petstore-platform/shared/inbox"
	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/outbox"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Worker is a long-running unit of a service. Run returns nil when ctx is cancelled.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// ConsumerWorker drains sub with handler, skipping events the inbox already recorded
// for the queue.
func (a *App) ConsumerWorker(sub messaging.Subscription, handler messaging.Handler) Worker {
	a.trackQueue(sub.Queue)
	deduped := inbox.Deduplicate(a.Inbox, sub.Queue, a.Log, handler)

	return Worker{
		Name: "consumer:" + sub.Queue,
		Run: func(ctx context.Context) error {
			if a.Consumer == nil {
				a.Log.Warn("Message broker disabled, consumer idle", logger.String("queue", sub.Queue))
				<-ctx.Done()
				return nil
			}
			return a.Consumer.Run(ctx, sub, deduped)
		},
	}
}

// RelayWorker publishes the outbox through the App publisher.
func (a *App) RelayWorker(repo outbox.Repository) Worker {
	cfg := a.Config.Outbox
	relay := outbox.NewRelay(repo, a.Publisher, a.Log, cfg.BatchSize, cfg.Interval, cfg.MaxRetries)
	return Worker{Name: "outbox-relay", Run: relay.Run}
}

// Serve runs the workers and the ops server until SIGINT/SIGTERM, ctx cancellation or
// the first worker error, which stops everything else. In-flight messages finish before
// their consumer returns.
func (a *App) Serve(ctx context.Context, workers ...Worker) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range workers {
		g.Go(func() error {
			a.Log.Info("Worker started", logger.String("worker", w.Name))
			err := w.Run(gctx)
			if err != nil {
				a.Log.Error("Worker failed", logger.String("worker", w.Name), logger.Err(err))
				return fmt.Errorf("%s: %w", w.Name, err)
			}
			a.Log.Info("Worker stopped", logger.String("worker", w.Name))
			return nil
		})
	}

	srv := &http.Server{
		Addr:              ":" + a.Config.OpsPort,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.Log.Info("Ops server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("Shutdown signal received, stopping workers")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
