package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SystemClientName is the client name surfaced for orders with no owning user
const SystemClientName = "Stock"

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusInProcess = "in_process"
	OrderStatusCompleted = "completed"
)

// Sizes maps a size label to a quantity
type Sizes map[string]int

// Canonical returns the serialization used for item identity. Keys are sorted.
func (s Sizes) Canonical() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%d", k, s[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Total returns the sum of all quantities
func (s Sizes) Total() int {
	total := 0
	for _, q := range s {
		total += q
	}
	return total
}

// Clone returns a copy of the map
func (s Sizes) Clone() Sizes {
	out := make(Sizes, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// OrderItem is a single reference/color line of an order
type OrderItem struct {
	Reference   string `json:"reference"`
	Color       string `json:"color"`
	Sizes       Sizes  `json:"sizes"`
	Observation string `json:"observation,omitempty"`
}

// IdentityKey returns the (reference, color, sizes, observation) tuple as a string.
// Two items are the same line only when their identity keys are equal.
func (i OrderItem) IdentityKey() string {
	return strings.Join([]string{i.Reference, i.Color, i.Sizes.Canonical(), i.Observation}, "\x1f")
}

// SameAs reports whether both items share the same identity
func (i OrderItem) SameAs(other OrderItem) bool {
	return i.IdentityKey() == other.IdentityKey()
}

// PairKey returns the reference/color key of the item
func (i OrderItem) PairKey() string {
	return PairKey(i.Reference, i.Color)
}

// PairKey builds the key used to index reference/color pairs
func PairKey(reference, color string) string {
	return reference + "|||" + color
}

// Items is the ordered item list of an order, persisted as JSONB
type Items []OrderItem

// Value implements driver.Valuer
func (it Items) Value() (driver.Value, error) {
	if it == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(it)
}

// Scan implements sql.Scanner
func (it *Items) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*it = Items{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported items column type %T", src)
	}
	return json.Unmarshal(data, it)
}

// Without returns a copy of the list with the first item matching target removed.
// The boolean is false when no item matched.
func (it Items) Without(target OrderItem) (Items, bool) {
	key := target.IdentityKey()
	out := make(Items, 0, len(it))
	removed := false
	for _, item := range it {
		if !removed && item.IdentityKey() == key {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return out, removed
}

// Contains reports whether an item with the same identity is present
func (it Items) Contains(target OrderItem) bool {
	key := target.IdentityKey()
	for _, item := range it {
		if item.IdentityKey() == key {
			return true
		}
	}
	return false
}

// Order represents a customer or replenishment order
type Order struct {
	ID            int64      `db:"id" json:"id"`
	ClientName    string     `db:"client_name" json:"client_name"`
	UserID        *int64     `db:"user_id" json:"user_id"`
	Status        string     `db:"status" json:"status"`
	Items         Items      `db:"items" json:"items"`
	Reference     *string    `db:"reference" json:"reference,omitempty"`
	Color         *string    `db:"color" json:"color,omitempty"`
	Observations  string     `db:"observations" json:"observations"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	Deadline      time.Time  `db:"deadline" json:"deadline"`
	AcceptedAt    *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	IsPriority    bool       `db:"is_priority" json:"is_priority"`
	PrioritySetAt *time.Time `db:"priority_set_at" json:"priority_set_at,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// IsSystemGenerated reports whether the order has no owning user
func (o *Order) IsSystemGenerated() bool {
	return o.UserID == nil || o.ClientName == SystemClientName
}

// SyncDenormalized derives the reference/color columns from the item list.
// They are only set for single-item orders.
func (o *Order) SyncDenormalized() {
	if len(o.Items) != 1 {
		o.Reference = nil
		o.Color = nil
		return
	}
	ref, color := o.Items[0].Reference, o.Items[0].Color
	o.Reference = &ref
	o.Color = &color
}

// DenormalizedConsistent checks the reference/color columns against items[0]
func (o *Order) DenormalizedConsistent() bool {
	if len(o.Items) != 1 {
		return o.Reference == nil && o.Color == nil
	}
	return o.Reference != nil && o.Color != nil &&
		*o.Reference == o.Items[0].Reference && *o.Color == o.Items[0].Color
}

// Pairs returns the distinct reference/color keys held by the order
func (o *Order) Pairs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	pairs := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		key := item.PairKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pairs = append(pairs, key)
	}
	return pairs
}

// StockLevel is the on-hand quantity of one variation
type StockLevel struct {
	Reference string `db:"reference" json:"reference"`
	Color     string `db:"color" json:"color"`
	Size      string `db:"size" json:"size"`
	Stock     int    `db:"stock" json:"stock"`
}

// SuspensionEntry disables regeneration for a reference/color until SuspendUntil
type SuspensionEntry struct {
	ID           int64     `db:"id" json:"id,omitempty"`
	Reference    string    `db:"reference" json:"reference"`
	Color        string    `db:"color" json:"color"`
	SuspendUntil time.Time `db:"suspend_until" json:"suspend_until"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Active reports whether the entry still gates regeneration at now
func (s SuspensionEntry) Active(now time.Time) bool {
	return s.SuspendUntil.After(now)
}

// Notification types
const (
	NotificationOrderCreated       = "order_created"
	NotificationOrderStatusChanged = "order_status_changed"
)

// Notification is a message addressed to a user
type Notification struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	Type      string    `db:"type" json:"type"`
	Message   string    `db:"message" json:"message"`
	Read      bool      `db:"read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
