package models

import "fmt"

// Row is one line of the order board. System orders expand into one row per
// item; user orders are a single row.
type Row struct {
	Order
	Item *OrderItem `json:"item,omitempty"`
}

// RowKey identifies a row: order id plus reference/color for system orders,
// order id alone for user orders.
func (r Row) RowKey() string {
	if r.IsSystemGenerated() {
		ref, color := "", ""
		switch {
		case r.Item != nil:
			ref, color = r.Item.Reference, r.Item.Color
		case r.Reference != nil && r.Color != nil:
			ref, color = *r.Reference, *r.Color
		}
		return fmt.Sprintf("stock-%d-%s", r.ID, PairKey(ref, color))
	}
	return fmt.Sprintf("user-%d", r.ID)
}

// ExpandRows returns the rows for orders in the given status. An empty status
// keeps every order.
func ExpandRows(orders []Order, status string) []Row {
	rows := make([]Row, 0, len(orders))
	for _, order := range orders {
		if status != "" && order.Status != status {
			continue
		}
		if !order.IsSystemGenerated() {
			rows = append(rows, Row{Order: order})
			continue
		}
		for i := range order.Items {
			item := order.Items[i]
			rows = append(rows, Row{Order: order, Item: &item})
		}
	}
	return rows
}
