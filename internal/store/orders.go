package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"replenishment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, client_name, user_id, status, items, reference, color, observations,
	created_at, deadline, accepted_at, completed_at, is_priority, priority_set_at, updated_at`

const insertOrderQuery = `
	INSERT INTO orders (client_name, user_id, status, items, reference, color, observations,
		created_at, deadline, accepted_at, completed_at, is_priority, priority_set_at, updated_at)
	VALUES (:client_name, :user_id, :status, :items, :reference, :color, :observations,
		:created_at, :deadline, :accepted_at, :completed_at, :is_priority, :priority_set_at, :updated_at)`

const systemOrderFilter = `(user_id IS NULL OR client_name = 'Stock')`

// CreateOrder inserts a single order and sets its id
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query, args, err := s.db.BindNamed(insertOrderQuery+" RETURNING id", order)
	if err != nil {
		return err
	}
	return s.db.GetContext(ctx, &order.ID, query, args...)
}

// InsertOrders inserts all orders in a single multi-row statement
func (s *Store) InsertOrders(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, insertOrderQuery, orders)
	return err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves every order, newest first
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC")
	return orders, err
}

// ListSystemOrders retrieves system-generated orders in any of the statuses
func (s *Store) ListSystemOrders(ctx context.Context, statuses []string) ([]models.Order, error) {
	if len(statuses) == 0 {
		return []models.Order{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+orderColumns+" FROM orders WHERE "+systemOrderFilter+" AND status IN (?) ORDER BY id", statuses)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var orders []models.Order
	err = s.db.SelectContext(ctx, &orders, query, args...)
	return orders, err
}

// UpdateOrderItems replaces the item list and the derived reference/color columns
func (s *Store) UpdateOrderItems(ctx context.Context, order *models.Order) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET items = $1, reference = $2, color = $3, updated_at = $4 WHERE id = $5",
		order.Items, order.Reference, order.Color, order.UpdatedAt, order.ID)
	return err
}

// EditPendingOrder updates the editable fields of an order that is still pending
func (s *Store) EditPendingOrder(ctx context.Context, order *models.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET client_name = $1, deadline = $2, items = $3, reference = $4, color = $5,
			observations = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		order.ClientName, order.Deadline, order.Items, order.Reference, order.Color,
		order.Observations, order.UpdatedAt, order.ID, models.OrderStatusPending)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// TransitionOrderStatus moves an order from one status to the next. The update
// only applies when the stored status still equals from.
func (s *Store) TransitionOrderStatus(ctx context.Context, id int64, from, to string, at time.Time) error {
	var query string
	switch to {
	case models.OrderStatusInProcess:
		query = "UPDATE orders SET status = $1, accepted_at = $2, updated_at = $2 WHERE id = $3 AND status = $4"
	case models.OrderStatusCompleted:
		query = "UPDATE orders SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3 AND status = $4"
	default:
		return fmt.Errorf("unsupported target status %q", to)
	}

	res, err := s.db.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetPriority sets or clears the priority flag
func (s *Store) SetPriority(ctx context.Context, id int64, isPriority bool, setAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET is_priority = $1, priority_set_at = $2 WHERE id = $3",
		isPriority, setAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteOrder deletes an order. Deleting a missing order is not an error.
func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", id)
	return err
}

// DeleteOrders deletes all orders with the given ids
func (s *Store) DeleteOrders(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In("DELETE FROM orders WHERE id IN (?)", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}
