package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"replenishment-service/internal/broker"
	"replenishment-service/internal/models"
	"replenishment-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	calls chan service.Trigger
	err   error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, trigger service.Trigger) (*service.PassResult, error) {
	f.calls <- trigger
	if f.err != nil {
		return nil, f.err
	}
	return &service.PassResult{PassID: "p"}, nil
}

func waitTrigger(t *testing.T, calls <-chan service.Trigger) service.Trigger {
	t.Helper()
	select {
	case tr := <-calls:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconciliation pass")
		return service.Trigger{}
	}
}

func TestWorkerRunsOnStartupAndChange(t *testing.T) {
	rec := &fakeReconciler{calls: make(chan service.Trigger, 10)}
	feed := broker.NewChangeFeed()
	w := NewReconcileWorker(rec, feed, 0, 42)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	first := waitTrigger(t, rec.calls)
	assert.Equal(t, ReasonStartup, first.Reason)
	assert.Equal(t, int64(42), first.UserID)
	assert.Equal(t, service.RoleSystem, first.Role)

	require.Eventually(t, func() bool { return feed.Subscribers(models.StreamVariations) == 1 }, time.Second, 5*time.Millisecond)
	feed.Dispatch(ctx, broker.NewChangeEvent(models.StreamVariations, models.SourceExternal))
	assert.Equal(t, ReasonChange, waitTrigger(t, rec.calls).Reason)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, feed.Subscribers(models.StreamVariations))
	assert.Zero(t, feed.Subscribers(models.StreamOrders))
}

func TestWorkerRunsOnInterval(t *testing.T) {
	rec := &fakeReconciler{calls: make(chan service.Trigger, 10), err: errors.New("store down")}
	w := NewReconcileWorker(rec, broker.NewChangeFeed(), 20*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	assert.Equal(t, ReasonStartup, waitTrigger(t, rec.calls).Reason)
	assert.Equal(t, ReasonInterval, waitTrigger(t, rec.calls).Reason, "failed passes do not stop the loop")
}

func TestWorkerIgnoresOwnChanges(t *testing.T) {
	w := NewReconcileWorker(&fakeReconciler{}, broker.NewChangeFeed(), 0, 0)
	ctx := context.Background()

	w.onChange(ctx, broker.NewChangeEvent(models.StreamOrders, models.SourceSynthesizer))
	assert.Len(t, w.trigger, 0)

	w.onChange(ctx, broker.NewChangeEvent(models.StreamOrders, models.SourceOrderService))
	assert.Len(t, w.trigger, 1)
}

func TestNotifyCoalesces(t *testing.T) {
	w := NewReconcileWorker(&fakeReconciler{}, broker.NewChangeFeed(), 0, 0)

	w.Notify(ReasonChange)
	w.Notify(ReasonChange)
	w.Notify(ReasonInterval)

	assert.Len(t, w.trigger, 1)
	assert.Equal(t, ReasonChange, <-w.trigger)
}
