package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"replenishment-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/suspend.lua
var suspendScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

const suspensionPrefix = "suspension:"

type Client struct {
	rdb               *redis.Client
	suspendScript     *redis.Script
	releaseLockScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:               rdb,
		suspendScript:     redis.NewScript(suspendScript),
		releaseLockScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetSuspension records a fallback suspension for reference/color.
// An existing entry with a later expiry is kept.
func (c *Client) SetSuspension(ctx context.Context, reference, color string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	key := suspensionPrefix + models.PairKey(reference, color)
	_, err := c.suspendScript.Run(ctx, c.rdb, []string{key},
		until.UnixMilli(), ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("suspend script failed: %w", err)
	}
	return nil
}

// GetSuspensions returns every fallback suspension still active at now
func (c *Client) GetSuspensions(ctx context.Context, now time.Time) ([]models.SuspensionEntry, error) {
	var entries []models.SuspensionEntry

	iter := c.rdb.Scan(ctx, 0, suspensionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		raw, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		until := time.UnixMilli(millis)
		if !until.After(now) {
			continue
		}

		reference, color, ok := strings.Cut(strings.TrimPrefix(key, suspensionPrefix), "|||")
		if !ok {
			continue
		}
		entries = append(entries, models.SuspensionEntry{
			Reference:    reference,
			Color:        color,
			SuspendUntil: until,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan suspensions failed: %w", err)
	}

	return entries, nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// GetIdempotencyKey returns the value stored under an idempotency key
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// DeleteIdempotencyKey removes an idempotency key
func (c *Client) DeleteIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// AcquireLock acquires a distributed lock and returns the token that owns it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
