package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"replenishment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a conditional update matched no row
	ErrStatusConflict = errors.New("order status changed concurrently")
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetStockSnapshot reads the on-hand quantity of every variation
func (s *Store) GetStockSnapshot(ctx context.Context) ([]models.StockLevel, error) {
	var levels []models.StockLevel
	err := s.db.SelectContext(ctx, &levels, `
		SELECT p.reference, v.color, v.size, COALESCE(v.stock, 0) AS stock
		FROM variations v
		JOIN products p ON p.id = v.product_id
		ORDER BY p.reference, v.color, v.size`)
	return levels, err
}

// GetSetting returns the value stored under key
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = $1 LIMIT 1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// UpsertSetting stores value under key
func (s *Store) UpsertSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

// CreateSuspensions inserts suspension entries in one statement
func (s *Store) CreateSuspensions(ctx context.Context, entries []models.SuspensionEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO stock_suspensions (reference, color, suspend_until, created_at)
		VALUES (:reference, :color, :suspend_until, :created_at)`,
		entries)
	return err
}

// GetActiveSuspensions returns entries whose suspend_until is after now
func (s *Store) GetActiveSuspensions(ctx context.Context, now time.Time) ([]models.SuspensionEntry, error) {
	var entries []models.SuspensionEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, reference, color, suspend_until, created_at
		FROM stock_suspensions
		WHERE suspend_until > $1
		ORDER BY suspend_until DESC`, now)
	return entries, err
}

// CreateNotifications inserts notifications in one statement
func (s *Store) CreateNotifications(ctx context.Context, notifications []models.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (user_id, order_id, type, message, read, created_at)
		VALUES (:user_id, :order_id, :type, :message, :read, :created_at)`,
		notifications)
	return err
}

// GetUserIDsByRoles returns the ids of users having any of the roles
func (s *Store) GetUserIDsByRoles(ctx context.Context, roles []string) ([]int64, error) {
	if len(roles) == 0 {
		return []int64{}, nil
	}

	query, args, err := sqlx.In("SELECT id FROM users WHERE role IN (?)", roles)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var ids []int64
	err = s.db.SelectContext(ctx, &ids, query, args...)
	return ids, err
}
