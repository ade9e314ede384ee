package worker

import (
	"context"
	"errors"
	"time"

	"replenishment-service/internal/broker"
	"replenishment-service/internal/models"
	"replenishment-service/internal/service"
	"replenishment-service/internal/util"

	"go.uber.org/zap"
)

// Trigger reasons
const (
	ReasonStartup  = "startup"
	ReasonInterval = "interval"
	ReasonChange   = "change"
)

// Reconciler runs a reconciliation pass
type Reconciler interface {
	Reconcile(ctx context.Context, trigger service.Trigger) (*service.PassResult, error)
}

// ReconcileWorker runs reconciliation passes on start-up, on a fixed interval
// and whenever the orders or variations stream changes. Triggers that arrive
// while a pass is running collapse into a single follow-up pass.
type ReconcileWorker struct {
	reconciler Reconciler
	feed       *broker.ChangeFeed
	interval   time.Duration
	operatorID int64
	trigger    chan string
	logger     *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker. An interval of zero
// disables the periodic pass.
func NewReconcileWorker(reconciler Reconciler, feed *broker.ChangeFeed, interval time.Duration, operatorID int64) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		feed:       feed,
		interval:   interval,
		operatorID: operatorID,
		trigger:    make(chan string, 1),
		logger:     util.Component("reconcile-worker"),
	}
}

// Start runs the worker until ctx is cancelled
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker", zap.Duration("interval", w.interval))

	unsubscribe := []func(){
		w.feed.OnChange(models.StreamVariations, w.onChange),
		w.feed.OnChange(models.StreamOrders, w.onChange),
	}
	defer func() {
		for _, u := range unsubscribe {
			u()
		}
	}()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.Notify(ReasonStartup)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reconcile worker")
			return nil
		case <-tick:
			w.Notify(ReasonInterval)
		case reason := <-w.trigger:
			w.runPass(ctx, reason)
		}
	}
}

// Notify requests a pass. It never blocks; a pending request absorbs new ones.
func (w *ReconcileWorker) Notify(reason string) {
	select {
	case w.trigger <- reason:
	default:
	}
}

func (w *ReconcileWorker) onChange(ctx context.Context, event *models.ChangeEvent) {
	// Passes publish their own orders change
	if event.Stream == models.StreamOrders && event.Source == models.SourceSynthesizer {
		return
	}
	w.Notify(ReasonChange)
}

func (w *ReconcileWorker) runPass(ctx context.Context, reason string) {
	result, err := w.reconciler.Reconcile(ctx, service.Trigger{
		UserID: w.operatorID,
		Role:   service.RoleSystem,
		Reason: reason,
	})
	switch {
	case errors.Is(err, service.ErrPassInProgress):
		w.logger.Debug("Pass already running elsewhere", zap.String("reason", reason))
	case err != nil:
		w.logger.Error("Reconciliation pass failed",
			zap.String("reason", reason),
			zap.Bool("retryable", service.IsRetryable(err)),
			zap.Error(err))
	default:
		w.logger.Debug("Reconciliation pass finished",
			zap.String("reason", reason),
			zap.String("pass_id", result.PassID),
			zap.Int("inserted", result.Inserted))
	}
}

// ChangeConsumer feeds change events from Kafka into the change feed
type ChangeConsumer struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewChangeConsumer creates a new change consumer
func NewChangeConsumer(consumer *broker.Consumer, feed *broker.ChangeFeed) *ChangeConsumer {
	return &ChangeConsumer{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(feed),
		logger:       util.Component("change-consumer"),
	}
}

// Start starts consuming
func (c *ChangeConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting change consumer")
	err := c.consumer.StartConsuming(ctx, c.eventHandler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the consumer
func (c *ChangeConsumer) Stop() error {
	c.logger.Info("Stopping change consumer")
	return c.consumer.Close()
}
