package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replenishment-service/internal/util"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrItemNotFound      = errors.New("item not found in order")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrEmptyItems        = errors.New("order must contain at least one item")
	ErrInvalidItem       = errors.New("invalid order item")
	ErrPassInProgress    = errors.New("reconciliation pass already in progress")
	ErrInvalidDuration   = errors.New("invalid suspension duration")
	ErrForbidden         = errors.New("role not allowed to perform this action")
	ErrStoreTimeout      = errors.New("store call timed out")
)

// Reconciliation stages
const (
	StageReadSettings    = "read_settings"
	StageReadSuspensions = "read_suspensions"
	StageReadStock       = "read_stock"
	StageReadOrders      = "read_orders"
	StageDeleteStale     = "delete_stale"
	StageInsertBatch     = "insert_batch"
)

// PassError reports the stage at which a reconciliation pass failed
type PassError struct {
	Stage    string
	Inserted int
	Err      error
}

func (e *PassError) Error() string {
	if e.Stage == StageInsertBatch {
		return fmt.Sprintf("reconciliation failed at %s after %d inserted orders: %v", e.Stage, e.Inserted, e.Err)
	}
	return fmt.Sprintf("reconciliation failed at %s: %v", e.Stage, e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

// Split steps
const (
	StepInsert    = "insert"
	StepRemainder = "remainder"
)

// SplitError reports a splitter failure. NewOrderIDs lists orders that were
// already created when the failure happened.
type SplitError struct {
	Step        string
	OrderID     int64
	NewOrderIDs []int64
	Err         error
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("split of order %d failed at %s step (created %v): %v", e.OrderID, e.Step, e.NewOrderIDs, e.Err)
}

func (e *SplitError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient store failure
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// storeCall runs fn with a bounded timeout
func storeCall(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		util.StoreCallTimeoutsTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s after %s: %w", ErrStoreTimeout, op, timeout, err)
	}
	return err
}
