package service

import (
	"sort"
	"time"

	"replenishment-service/internal/models"
)

// SortOrders returns a copy of orders with priority orders first, oldest
// priority first, then the rest newest first
func SortOrders(orders []models.Order) []models.Order {
	sorted := make([]models.Order, len(orders))
	copy(sorted, orders)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if a.IsPriority != b.IsPriority {
			return a.IsPriority
		}
		if a.IsPriority {
			return prioritySetAt(a).Before(prioritySetAt(b))
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return sorted
}

func prioritySetAt(o *models.Order) time.Time {
	if o.PrioritySetAt != nil {
		return *o.PrioritySetAt
	}
	return o.CreatedAt
}
