package models

import "time"

// Event types
const (
	EventTypeChange             = "CHANGE"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
)

// Change streams
const (
	StreamOrders     = "orders"
	StreamVariations = "variations"
)

// Event sources
const (
	SourceSynthesizer  = "synthesizer"
	SourceOrderService = "order-service"
	SourceExternal     = "external"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeEvent signals that a stream changed and dependents should refetch
type ChangeEvent struct {
	BaseEvent
	Stream   string  `json:"stream"`
	Source   string  `json:"source"`
	OrderIDs []int64 `json:"order_ids,omitempty"`
}

// OrderStatusChangedEvent is published on every state machine transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	UserID     *int64 `json:"user_id,omitempty"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}
