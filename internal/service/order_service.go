package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"replenishment-service/config"
	"replenishment-service/internal/broker"
	"replenishment-service/internal/models"
	"replenishment-service/internal/store"
	"replenishment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Transitions
const (
	TransitionAccept   = "accept"
	TransitionComplete = "complete"
	TransitionEdit     = "edit"
	TransitionDelete   = "delete"
)

// OrderService handles order state transitions
type OrderService struct {
	orders      OrderStore
	splitter    *OrderSplitter
	suspensions *SuspensionRegistry
	notifier    *Notifier
	publisher   EventPublisher
	cfg         config.ReplenishConfig
	now         func() time.Time
	logger      *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderStore,
	splitter *OrderSplitter,
	suspensions *SuspensionRegistry,
	notifier *Notifier,
	publisher EventPublisher,
	cfg config.ReplenishConfig,
) *OrderService {
	return &OrderService{
		orders:      orders,
		splitter:    splitter,
		suspensions: suspensions,
		notifier:    notifier,
		publisher:   publisher,
		cfg:         cfg,
		now:         time.Now,
		logger:      util.Component("order-service"),
	}
}

// CreateOrderRequest represents a request to create a user order
type CreateOrderRequest struct {
	ClientName   string             `json:"client_name" binding:"required"`
	Items        []models.OrderItem `json:"items" binding:"required,min=1"`
	Deadline     *time.Time         `json:"deadline,omitempty"`
	Observations string             `json:"observations"`
}

// EditOrderRequest holds the fields that may change while an order is pending
type EditOrderRequest struct {
	ClientName   *string            `json:"client_name,omitempty"`
	Items        []models.OrderItem `json:"items,omitempty"`
	Deadline     *time.Time         `json:"deadline,omitempty"`
	Observations *string            `json:"observations,omitempty"`
}

// DeleteOptions narrows a delete to one item and optionally suspends
// regeneration of the affected system pairs
type DeleteOptions struct {
	Item       *models.OrderItem   `json:"item,omitempty"`
	Suspension *SuspensionDuration `json:"suspension,omitempty"`
}

// BatchTarget addresses one order, or one item of it
type BatchTarget struct {
	OrderID int64             `json:"order_id" binding:"required"`
	Item    *models.OrderItem `json:"item,omitempty"`
}

// BatchOutcome is the result for one batch target
type BatchOutcome struct {
	OrderID int64  `json:"order_id"`
	Error   string `json:"error,omitempty"`
	err     error
}

// Err returns the failure for this target, if any
func (o BatchOutcome) Err() error {
	return o.err
}

// CreateOrder creates a pending user order
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	items, err := validateItems(req.Items)
	if err != nil {
		return nil, err
	}

	now := s.now()
	deadline := now.Add(s.cfg.LeadTime)
	if req.Deadline != nil {
		deadline = *req.Deadline
	}

	owner := userID
	order := &models.Order{
		ClientName:   strings.TrimSpace(req.ClientName),
		UserID:       &owner,
		Status:       models.OrderStatusPending,
		Items:        items,
		Observations: req.Observations,
		CreatedAt:    now,
		Deadline:     deadline,
		UpdatedAt:    now,
	}
	order.SyncDenormalized()

	err = storeCall(ctx, s.cfg.StoreCallTimeout, "create_order", func(ctx context.Context) error {
		return s.orders.CreateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.logger.Info("Order created", zap.Int64("order_id", order.ID), zap.Int64("user_id", userID))
	s.notifier.OrderCreated(ctx, order)
	s.publishChange(ctx, order.ID)
	return order, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order *models.Order
	err := storeCall(ctx, s.cfg.StoreCallTimeout, "get_order", func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderByID(ctx, orderID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrders returns every order in board order
func (s *OrderService) ListOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := storeCall(ctx, s.cfg.StoreCallTimeout, "list_orders", func(ctx context.Context) error {
		var err error
		orders, err = s.orders.ListOrders(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return SortOrders(orders), nil
}

// ListRows returns the board rows for status, or for every status when empty
func (s *OrderService) ListRows(ctx context.Context, status string) ([]models.Row, error) {
	orders, err := s.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	return models.ExpandRows(orders, status), nil
}

// Accept moves a pending order to in_process. System orders are accepted per
// item through the splitter; item may be nil for single-item system orders,
// and a nil item on a multi-item system order accepts every item.
func (s *OrderService) Accept(ctx context.Context, orderID int64, item *models.OrderItem) ([]*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Accept", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		s.countTransition(TransitionAccept, "rejected")
		return nil, fmt.Errorf("%w: cannot accept order %d in status %s", ErrInvalidTransition, orderID, order.Status)
	}

	if !order.IsSystemGenerated() {
		accepted, err := s.transition(ctx, order, models.OrderStatusInProcess)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		return []*models.Order{accepted}, nil
	}

	var created []*models.Order
	switch {
	case item != nil:
		var newOrder *models.Order
		newOrder, err = s.splitter.SplitAndAcceptOne(ctx, order, *item)
		if newOrder != nil {
			created = append(created, newOrder)
		}
	case len(order.Items) == 1:
		var newOrder *models.Order
		newOrder, err = s.splitter.SplitAndAcceptOne(ctx, order, order.Items[0])
		if newOrder != nil {
			created = append(created, newOrder)
		}
	default:
		created, err = s.splitter.SplitAndAccept(ctx, order)
	}
	if err != nil {
		s.countTransition(TransitionAccept, "error")
		util.RecordError(span, err)
		if len(created) > 0 {
			s.publishChange(ctx, orderIDs(created)...)
		}
		return created, err
	}

	s.countTransition(TransitionAccept, "ok")
	for _, o := range created {
		s.notifier.StatusChanged(ctx, o, models.OrderStatusPending, models.OrderStatusInProcess)
	}
	s.publishChange(ctx, append(orderIDs(created), orderID)...)
	return created, nil
}

// Complete moves an in_process order to completed
func (s *OrderService) Complete(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Complete", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusInProcess {
		s.countTransition(TransitionComplete, "rejected")
		return nil, fmt.Errorf("%w: cannot complete order %d in status %s", ErrInvalidTransition, orderID, order.Status)
	}

	completed, err := s.transition(ctx, order, models.OrderStatusCompleted)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return completed, nil
}

// transition applies a conditional status update and emits its notifications
func (s *OrderService) transition(ctx context.Context, order *models.Order, to string) (*models.Order, error) {
	kind := TransitionAccept
	if to == models.OrderStatusCompleted {
		kind = TransitionComplete
	}

	from := order.Status
	now := s.now()
	err := storeCall(ctx, s.cfg.StoreCallTimeout, "transition_order_status", func(ctx context.Context) error {
		return s.orders.TransitionOrderStatus(ctx, order.ID, from, to, now)
	})
	if errors.Is(err, store.ErrStatusConflict) {
		s.countTransition(kind, "conflict")
		return nil, fmt.Errorf("%w: order %d is no longer %s", ErrInvalidTransition, order.ID, from)
	}
	if err != nil {
		s.countTransition(kind, "error")
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	updated := *order
	updated.Status = to
	updated.UpdatedAt = now
	if to == models.OrderStatusInProcess {
		updated.AcceptedAt = &now
	} else {
		updated.CompletedAt = &now
	}

	s.countTransition(kind, "ok")
	s.logger.Info("Order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("from", from),
		zap.String("to", to))
	s.notifier.StatusChanged(ctx, &updated, from, to)
	s.publishChange(ctx, order.ID)
	return &updated, nil
}

// Edit changes the items, deadline or observations of a pending order
func (s *OrderService) Edit(ctx context.Context, orderID int64, req *EditOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Edit", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		s.countTransition(TransitionEdit, "rejected")
		return nil, fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, orderID, order.Status)
	}

	updated := *order
	if req.ClientName != nil && strings.TrimSpace(*req.ClientName) != "" {
		updated.ClientName = strings.TrimSpace(*req.ClientName)
	}
	if req.Items != nil {
		items, err := validateItems(req.Items)
		if err != nil {
			return nil, err
		}
		updated.Items = items
	}
	if req.Deadline != nil {
		updated.Deadline = *req.Deadline
	}
	if req.Observations != nil {
		updated.Observations = *req.Observations
	}
	updated.UpdatedAt = s.now()
	updated.SyncDenormalized()

	err = storeCall(ctx, s.cfg.StoreCallTimeout, "edit_order", func(ctx context.Context) error {
		return s.orders.EditPendingOrder(ctx, &updated)
	})
	if errors.Is(err, store.ErrStatusConflict) {
		s.countTransition(TransitionEdit, "conflict")
		return nil, fmt.Errorf("%w: order %d is no longer pending", ErrInvalidTransition, orderID)
	}
	if err != nil {
		s.countTransition(TransitionEdit, "error")
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to edit order: %w", err)
	}

	s.countTransition(TransitionEdit, "ok")
	s.publishChange(ctx, orderID)
	return &updated, nil
}

// Delete removes an order, or a single item of it when opts.Item is set.
// A suspension in opts applies to system orders only; its failure is logged
// and does not fail the delete.
func (s *OrderService) Delete(ctx context.Context, orderID int64, opts DeleteOptions) error {
	ctx, span := util.StartSpan(ctx, "OrderService.Delete", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if opts.Item != nil && !order.Items.Contains(*opts.Item) {
		return fmt.Errorf("order %d: %w", orderID, ErrItemNotFound)
	}

	// Suspend first so a pass running in between cannot regenerate the pair
	if opts.Suspension != nil && order.IsSystemGenerated() {
		if _, err := s.suspensions.Suspend(ctx, suspendTargets(order, opts.Item), *opts.Suspension); err != nil {
			if errors.Is(err, ErrInvalidDuration) {
				return err
			}
			s.logger.Warn("Suspension not persisted", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	if err := s.deleteOrder(ctx, order, opts.Item); err != nil {
		util.RecordError(span, err)
		return err
	}
	s.publishChange(ctx, orderID)
	return nil
}

// DeleteItem removes a single item from an order
func (s *OrderService) DeleteItem(ctx context.Context, orderID int64, item models.OrderItem) error {
	return s.Delete(ctx, orderID, DeleteOptions{Item: &item})
}

func (s *OrderService) deleteOrder(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	if item != nil {
		if err := s.splitter.DeleteOne(ctx, order, *item); err != nil {
			s.countTransition(TransitionDelete, "error")
			return err
		}
		s.countTransition(TransitionDelete, "ok")
		return nil
	}

	err := storeCall(ctx, s.cfg.StoreCallTimeout, "delete_order", func(ctx context.Context) error {
		return s.orders.DeleteOrder(ctx, order.ID)
	})
	if err != nil {
		s.countTransition(TransitionDelete, "error")
		return fmt.Errorf("failed to delete order: %w", err)
	}

	s.countTransition(TransitionDelete, "ok")
	s.logger.Info("Order deleted", zap.Int64("order_id", order.ID), zap.String("status", order.Status))
	return nil
}

// TogglePriority flips the priority flag of an order
func (s *OrderService) TogglePriority(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	updated := *order
	updated.IsPriority = !order.IsPriority
	updated.PrioritySetAt = nil
	if updated.IsPriority {
		now := s.now()
		updated.PrioritySetAt = &now
	}

	err = storeCall(ctx, s.cfg.StoreCallTimeout, "set_priority", func(ctx context.Context) error {
		return s.orders.SetPriority(ctx, orderID, updated.IsPriority, updated.PrioritySetAt)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set priority: %w", err)
	}

	s.publishChange(ctx, orderID)
	return &updated, nil
}

// BatchAccept accepts every target concurrently. Targets for the same order
// run sequentially in request order.
func (s *OrderService) BatchAccept(ctx context.Context, targets []BatchTarget) []BatchOutcome {
	ctx, span := util.StartSpan(ctx, "OrderService.BatchAccept", attribute.Int("targets", len(targets)))
	defer span.End()

	return s.fanOut(ctx, targets, func(ctx context.Context, t BatchTarget) error {
		_, err := s.Accept(ctx, t.OrderID, t.Item)
		return err
	})
}

// BatchDelete deletes every target concurrently. When suspension is set, the
// system pairs of all targets are suspended in one write before deleting.
func (s *OrderService) BatchDelete(ctx context.Context, targets []BatchTarget, suspension *SuspensionDuration) ([]BatchOutcome, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.BatchDelete", attribute.Int("targets", len(targets)))
	defer span.End()

	if suspension != nil {
		if _, err := suspension.Duration(); err != nil {
			return nil, err
		}
		s.suspendBatch(ctx, targets, *suspension)
	}

	return s.fanOut(ctx, targets, func(ctx context.Context, t BatchTarget) error {
		return s.Delete(ctx, t.OrderID, DeleteOptions{Item: t.Item})
	}), nil
}

func (s *OrderService) suspendBatch(ctx context.Context, targets []BatchTarget, suspension SuspensionDuration) {
	var pairs []SuspendTarget
	for _, t := range targets {
		order, err := s.GetOrder(ctx, t.OrderID)
		if err != nil {
			continue
		}
		if order.IsSystemGenerated() {
			pairs = append(pairs, suspendTargets(order, t.Item)...)
		}
	}
	if len(pairs) == 0 {
		return
	}
	if _, err := s.suspensions.Suspend(ctx, pairs, suspension); err != nil {
		s.logger.Warn("Batch suspension not persisted", zap.Int("pairs", len(pairs)), zap.Error(err))
	}
}

func (s *OrderService) fanOut(ctx context.Context, targets []BatchTarget, fn func(context.Context, BatchTarget) error) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(targets))

	// Group by order so operations on one order never overlap
	groups := make(map[int64][]int)
	var orderSeq []int64
	for i, t := range targets {
		if _, ok := groups[t.OrderID]; !ok {
			orderSeq = append(orderSeq, t.OrderID)
		}
		groups[t.OrderID] = append(groups[t.OrderID], i)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.BatchConcurrency)
	for _, id := range orderSeq {
		indexes := groups[id]
		g.Go(func() error {
			for _, i := range indexes {
				err := fn(ctx, targets[i])
				outcomes[i] = BatchOutcome{OrderID: targets[i].OrderID, err: err}
				if err != nil {
					outcomes[i].Error = err.Error()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
		}
	}
	s.logger.Info("Batch finished", zap.Int("targets", len(targets)), zap.Int("failed", failed))
	return outcomes
}

func (s *OrderService) publishChange(ctx context.Context, ids ...int64) {
	event := broker.NewChangeEvent(models.StreamOrders, models.SourceOrderService, ids...)
	if err := s.publisher.PublishChange(ctx, event); err != nil {
		s.logger.Error("Failed to publish change event", zap.Error(err))
	}
}

func (s *OrderService) countTransition(kind, result string) {
	util.OrderTransitionsTotal.WithLabelValues(kind, result).Inc()
}

func suspendTargets(order *models.Order, item *models.OrderItem) []SuspendTarget {
	if item != nil {
		return []SuspendTarget{{Reference: item.Reference, Color: item.Color}}
	}
	targets := make([]SuspendTarget, 0, len(order.Items))
	for _, it := range order.Items {
		targets = append(targets, SuspendTarget{Reference: it.Reference, Color: it.Color})
	}
	return targets
}

func validateItems(items []models.OrderItem) (models.Items, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}
	out := make(models.Items, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Reference) == "" || strings.TrimSpace(item.Color) == "" {
			return nil, fmt.Errorf("%w: item %d needs reference and color", ErrInvalidItem, i)
		}
		if item.Sizes == nil {
			item.Sizes = models.Sizes{}
		}
		for size, qty := range item.Sizes {
			if qty < 0 {
				return nil, fmt.Errorf("%w: item %d has negative quantity for size %s", ErrInvalidItem, i, size)
			}
		}
		out = append(out, item)
	}
	return out, nil
}
