package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"replenishment-service/config"
	"replenishment-service/internal/models"
	"replenishment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const splitAnchorTTL = 24 * time.Hour

// Splitter operations
const (
	OpSplitAcceptOne = "split_accept_one"
	OpSplitAcceptAll = "split_accept_all"
	OpDeleteOne      = "delete_one"
)

// OrderSplitter extracts or removes single items from multi-item orders.
// Inserting the new order and rewriting the source are separate store calls;
// the second step is retried on failure, and the new order id is kept as an
// anchor so a repeated call does not insert the item twice.
type OrderSplitter struct {
	orders   OrderStore
	anchors  IdempotencyStore
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewOrderSplitter creates a new splitter. anchors may be nil.
func NewOrderSplitter(orders OrderStore, anchors IdempotencyStore, cfg config.ReplenishConfig) *OrderSplitter {
	attempts := cfg.SplitRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &OrderSplitter{
		orders:   orders,
		anchors:  anchors,
		attempts: attempts,
		backoff:  cfg.SplitRetryBackoff,
		timeout:  cfg.StoreCallTimeout,
		now:      time.Now,
		logger:   util.Component("splitter"),
	}
}

// SplitAndAcceptOne moves item into a new in_process order and removes it from
// order. The source order is deleted when nothing remains.
func (s *OrderSplitter) SplitAndAcceptOne(ctx context.Context, order *models.Order, item models.OrderItem) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderSplitter.SplitAndAcceptOne", attribute.Int64("order_id", order.ID))
	defer span.End()

	remainder, ok := order.Items.Without(item)
	if !ok {
		util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptOne, "not_found").Inc()
		return nil, fmt.Errorf("order %d: %w", order.ID, ErrItemNotFound)
	}

	anchor := anchorKey(order.ID, sourceState(order)+item.IdentityKey())
	created, err := s.extract(ctx, order, item, anchor)
	if err != nil {
		util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptOne, "error").Inc()
		util.RecordError(span, err)
		return nil, &SplitError{Step: StepInsert, OrderID: order.ID, Err: err}
	}

	if err := s.applyRemainder(ctx, order, remainder); err != nil {
		util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptOne, "partial").Inc()
		util.RecordError(span, err)
		s.logger.Error("Split left item in source order",
			zap.Int64("order_id", order.ID),
			zap.Int64("new_order_id", created.ID),
			zap.String("anchor", anchor),
			zap.Error(err))
		return created, &SplitError{Step: StepRemainder, OrderID: order.ID, NewOrderIDs: []int64{created.ID}, Err: err}
	}

	s.clearAnchor(ctx, anchor)
	util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptOne, "ok").Inc()
	s.logger.Info("Item split and accepted",
		zap.Int64("order_id", order.ID),
		zap.Int64("new_order_id", created.ID),
		zap.String("reference", item.Reference),
		zap.String("color", item.Color),
		zap.Int("remaining", len(remainder)))
	return created, nil
}

// SplitAndAccept creates one in_process order per item, then deletes the
// source order.
func (s *OrderSplitter) SplitAndAccept(ctx context.Context, order *models.Order) ([]*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderSplitter.SplitAndAccept", attribute.Int64("order_id", order.ID))
	defer span.End()

	if len(order.Items) == 0 {
		return nil, fmt.Errorf("order %d: %w", order.ID, ErrEmptyItems)
	}

	created := make([]*models.Order, 0, len(order.Items))
	anchors := make([]string, 0, len(order.Items))
	for i, item := range order.Items {
		// Positional anchors keep identical items apart
		anchor := anchorKey(order.ID, sourceState(order)+item.IdentityKey()+"#"+strconv.Itoa(i))
		newOrder, err := s.extract(ctx, order, item, anchor)
		if err != nil {
			util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptAll, "error").Inc()
			util.RecordError(span, err)
			return created, &SplitError{Step: StepInsert, OrderID: order.ID, NewOrderIDs: orderIDs(created), Err: err}
		}
		created = append(created, newOrder)
		anchors = append(anchors, anchor)
	}

	if err := s.applyRemainder(ctx, order, nil); err != nil {
		util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptAll, "partial").Inc()
		util.RecordError(span, err)
		return created, &SplitError{Step: StepRemainder, OrderID: order.ID, NewOrderIDs: orderIDs(created), Err: err}
	}

	for _, anchor := range anchors {
		s.clearAnchor(ctx, anchor)
	}
	util.SplitterOperationsTotal.WithLabelValues(OpSplitAcceptAll, "ok").Inc()
	s.logger.Info("Order split and accepted", zap.Int64("order_id", order.ID), zap.Int("orders", len(created)))
	return created, nil
}

// DeleteOne removes item from order. The order is deleted when nothing remains.
func (s *OrderSplitter) DeleteOne(ctx context.Context, order *models.Order, item models.OrderItem) error {
	ctx, span := util.StartSpan(ctx, "OrderSplitter.DeleteOne", attribute.Int64("order_id", order.ID))
	defer span.End()

	remainder, ok := order.Items.Without(item)
	if !ok {
		util.SplitterOperationsTotal.WithLabelValues(OpDeleteOne, "not_found").Inc()
		return fmt.Errorf("order %d: %w", order.ID, ErrItemNotFound)
	}

	if err := s.applyRemainder(ctx, order, remainder); err != nil {
		util.SplitterOperationsTotal.WithLabelValues(OpDeleteOne, "error").Inc()
		util.RecordError(span, err)
		return &SplitError{Step: StepRemainder, OrderID: order.ID, Err: err}
	}

	util.SplitterOperationsTotal.WithLabelValues(OpDeleteOne, "ok").Inc()
	s.logger.Info("Item removed from order",
		zap.Int64("order_id", order.ID),
		zap.String("reference", item.Reference),
		zap.String("color", item.Color),
		zap.Int("remaining", len(remainder)))
	return nil
}

// extract inserts the single-item order for item, or returns the one recorded
// under anchor by an earlier attempt
func (s *OrderSplitter) extract(ctx context.Context, source *models.Order, item models.OrderItem, anchor string) (*models.Order, error) {
	if existing := s.anchored(ctx, anchor, item); existing != nil {
		s.logger.Info("Reusing order from earlier split attempt",
			zap.Int64("order_id", source.ID),
			zap.Int64("new_order_id", existing.ID))
		return existing, nil
	}

	now := s.now()
	newOrder := &models.Order{
		ClientName:   source.ClientName,
		UserID:       source.UserID,
		Status:       models.OrderStatusInProcess,
		Items:        models.Items{item},
		Observations: source.Observations,
		CreatedAt:    source.CreatedAt,
		Deadline:     source.Deadline,
		AcceptedAt:   &now,
		UpdatedAt:    now,
	}
	newOrder.SyncDenormalized()

	err := storeCall(ctx, s.timeout, "create_order", func(ctx context.Context) error {
		return s.orders.CreateOrder(ctx, newOrder)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert split order: %w", err)
	}

	if s.anchors != nil {
		if err := s.anchors.SetIdempotencyKey(ctx, anchor, newOrder.ID, splitAnchorTTL); err != nil {
			s.logger.Warn("Failed to record split anchor", zap.String("anchor", anchor), zap.Error(err))
		}
	}
	return newOrder, nil
}

func (s *OrderSplitter) anchored(ctx context.Context, anchor string, item models.OrderItem) *models.Order {
	if s.anchors == nil {
		return nil
	}

	value, ok, err := s.anchors.GetIdempotencyKey(ctx, anchor)
	if err != nil {
		s.logger.Warn("Failed to read split anchor", zap.String("anchor", anchor), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}

	var order *models.Order
	err = storeCall(ctx, s.timeout, "get_order", func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderByID(ctx, id)
		return err
	})
	if err != nil {
		return nil
	}
	if order.Status != models.OrderStatusInProcess || len(order.Items) != 1 || !order.Items[0].SameAs(item) {
		s.logger.Warn("Ignoring split anchor for mismatched order", zap.String("anchor", anchor), zap.Int64("new_order_id", id))
		return nil
	}
	return order
}

func (s *OrderSplitter) clearAnchor(ctx context.Context, anchor string) {
	if s.anchors == nil {
		return
	}
	if err := s.anchors.DeleteIdempotencyKey(ctx, anchor); err != nil {
		s.logger.Warn("Failed to clear split anchor", zap.String("anchor", anchor), zap.Error(err))
	}
}

// applyRemainder writes remainder back to order, or deletes order when the
// remainder is empty. Failed attempts are retried with exponential backoff.
func (s *OrderSplitter) applyRemainder(ctx context.Context, order *models.Order, remainder models.Items) error {
	updated := *order
	updated.Items = remainder
	updated.UpdatedAt = s.now()
	updated.SyncDenormalized()

	var err error
	delay := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if len(remainder) == 0 {
			err = storeCall(ctx, s.timeout, "delete_order", func(ctx context.Context) error {
				return s.orders.DeleteOrder(ctx, order.ID)
			})
		} else {
			err = storeCall(ctx, s.timeout, "update_order_items", func(ctx context.Context) error {
				return s.orders.UpdateOrderItems(ctx, &updated)
			})
		}
		if err == nil {
			*order = updated
			return nil
		}

		if attempt == s.attempts || ctx.Err() != nil {
			break
		}
		s.logger.Warn("Retrying split remainder",
			zap.Int64("order_id", order.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// sourceState changes with every successful remainder write, so anchors left
// behind by a completed split never match a later one
func sourceState(order *models.Order) string {
	return fmt.Sprintf("%d@%d|", len(order.Items), order.UpdatedAt.UnixNano())
}

func anchorKey(orderID int64, identity string) string {
	return fmt.Sprintf("split:%d:%s", orderID, uuid.NewSHA1(uuid.NameSpaceOID, []byte(identity)))
}

func orderIDs(orders []*models.Order) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}
