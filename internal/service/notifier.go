package service

import (
	"context"
	"fmt"
	"time"

	"replenishment-service/internal/models"
	"replenishment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier emits user notifications and transition events. Failures are
// logged and never returned to the caller.
type Notifier struct {
	store     NotificationStore
	publisher EventPublisher
	roles     []string
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewNotifier creates a new notifier that tells users holding roles about new orders
func NewNotifier(store NotificationStore, publisher EventPublisher, roles []string, timeout time.Duration) *Notifier {
	return &Notifier{
		store:     store,
		publisher: publisher,
		roles:     roles,
		timeout:   timeout,
		now:       time.Now,
		logger:    util.Component("notifier"),
	}
}

// OrderCreated notifies the configured roles about a new user order
func (n *Notifier) OrderCreated(ctx context.Context, order *models.Order) {
	if len(n.roles) == 0 {
		return
	}

	var userIDs []int64
	err := storeCall(ctx, n.timeout, "get_users_by_roles", func(ctx context.Context) error {
		var err error
		userIDs, err = n.store.GetUserIDsByRoles(ctx, n.roles)
		return err
	})
	if err != nil {
		n.logger.Error("Failed to load notification recipients", zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}

	now := n.now()
	notifications := make([]models.Notification, 0, len(userIDs))
	for _, id := range userIDs {
		if order.UserID != nil && *order.UserID == id {
			continue
		}
		notifications = append(notifications, models.Notification{
			UserID:    id,
			OrderID:   order.ID,
			Type:      models.NotificationOrderCreated,
			Message:   fmt.Sprintf("New order #%d from %s", order.ID, order.ClientName),
			CreatedAt: now,
		})
	}
	n.save(ctx, order.ID, notifications)
}

// StatusChanged publishes the transition and notifies the owner, if any
func (n *Notifier) StatusChanged(ctx context.Context, order *models.Order, from, to string) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: n.now(),
		},
		OrderID:    order.ID,
		UserID:     order.UserID,
		FromStatus: from,
		ToStatus:   to,
	}
	if err := n.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		n.logger.Error("Failed to publish OrderStatusChanged event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	if order.UserID == nil || order.IsSystemGenerated() {
		return
	}
	n.save(ctx, order.ID, []models.Notification{{
		UserID:    *order.UserID,
		OrderID:   order.ID,
		Type:      models.NotificationOrderStatusChanged,
		Message:   fmt.Sprintf("Order #%d is now %s", order.ID, to),
		CreatedAt: n.now(),
	}})
}

func (n *Notifier) save(ctx context.Context, orderID int64, notifications []models.Notification) {
	if len(notifications) == 0 {
		return
	}
	err := storeCall(ctx, n.timeout, "create_notifications", func(ctx context.Context) error {
		return n.store.CreateNotifications(ctx, notifications)
	})
	if err != nil {
		n.logger.Error("Failed to store notifications",
			zap.Int64("order_id", orderID),
			zap.Int("count", len(notifications)),
			zap.Error(err))
	}
}
