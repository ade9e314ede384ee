package service

import (
	"context"
	"time"

	"replenishment-service/internal/models"
)

// OrderStore is the persistence API used by the order services
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	InsertOrders(ctx context.Context, orders []models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	ListSystemOrders(ctx context.Context, statuses []string) ([]models.Order, error)
	UpdateOrderItems(ctx context.Context, order *models.Order) error
	EditPendingOrder(ctx context.Context, order *models.Order) error
	TransitionOrderStatus(ctx context.Context, id int64, from, to string, at time.Time) error
	SetPriority(ctx context.Context, id int64, isPriority bool, setAt *time.Time) error
	DeleteOrder(ctx context.Context, id int64) error
	DeleteOrders(ctx context.Context, ids []int64) error
}

// StockReader reads the current on-hand stock snapshot
type StockReader interface {
	GetStockSnapshot(ctx context.Context) ([]models.StockLevel, error)
}

// SettingsStore reads and writes key/value settings
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	UpsertSetting(ctx context.Context, key, value string) error
}

// SuspensionStore is the authoritative suspension persistence
type SuspensionStore interface {
	CreateSuspensions(ctx context.Context, entries []models.SuspensionEntry) error
	GetActiveSuspensions(ctx context.Context, now time.Time) ([]models.SuspensionEntry, error)
}

// SuspensionCache is the best-effort local fallback for suspensions
type SuspensionCache interface {
	SetSuspension(ctx context.Context, reference, color string, until time.Time) error
	GetSuspensions(ctx context.Context, now time.Time) ([]models.SuspensionEntry, error)
}

// NotificationStore persists user notifications
type NotificationStore interface {
	CreateNotifications(ctx context.Context, notifications []models.Notification) error
	GetUserIDsByRoles(ctx context.Context, roles []string) ([]int64, error)
}

// Locker provides a lock shared between service instances
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// IdempotencyStore keeps short-lived idempotency anchors
type IdempotencyStore interface {
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// EventPublisher publishes change and transition events
type EventPublisher interface {
	PublishChange(ctx context.Context, event *models.ChangeEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}
