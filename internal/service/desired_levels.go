package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"replenishment-service/config"
	"replenishment-service/internal/models"
	"replenishment-service/internal/store"
	"replenishment-service/internal/util"

	"go.uber.org/zap"
)

const desiredLevelsKeyPrefix = "suggested_sizes_"

// DesiredLevelResolver resolves the target quantity per size
type DesiredLevelResolver struct {
	settings SettingsStore
	scope    string
	defaults models.Sizes
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDesiredLevelResolver creates a new resolver
func NewDesiredLevelResolver(settings SettingsStore, cfg config.ReplenishConfig) *DesiredLevelResolver {
	return &DesiredLevelResolver{
		settings: settings,
		scope:    cfg.DesiredLevelsScope,
		defaults: models.Sizes(cfg.DefaultDesiredSizes).Clone(),
		timeout:  cfg.StoreCallTimeout,
		logger:   util.Component("desired-levels"),
	}
}

// Key returns the settings key holding the desired levels for userID
func (r *DesiredLevelResolver) Key(userID int64) string {
	if r.scope == config.ScopeUser {
		return fmt.Sprintf("%s%d", desiredLevelsKeyPrefix, userID)
	}
	return desiredLevelsKeyPrefix + config.ScopeCompany
}

// ScopeKey identifies the set of desired levels a pass works against
func (r *DesiredLevelResolver) ScopeKey(userID int64) string {
	return strings.TrimPrefix(r.Key(userID), desiredLevelsKeyPrefix)
}

// Defaults returns a copy of the system default levels
func (r *DesiredLevelResolver) Defaults() models.Sizes {
	return r.defaults.Clone()
}

// Resolve loads the desired levels. Unset or malformed settings resolve to the
// system default; a failed read is returned as an error.
func (r *DesiredLevelResolver) Resolve(ctx context.Context, userID int64) (models.Sizes, error) {
	key := r.Key(userID)

	var raw string
	err := storeCall(ctx, r.timeout, "get_setting", func(ctx context.Context) error {
		var err error
		raw, err = r.settings.GetSetting(ctx, key)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return r.Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read desired levels %s: %w", key, err)
	}

	sizes, err := ParseSizes(raw)
	if err != nil {
		r.logger.Warn("Malformed desired levels, using defaults", zap.String("key", key), zap.Error(err))
		return r.Defaults(), nil
	}
	return sizes, nil
}

// Save stores the desired levels for userID
func (r *DesiredLevelResolver) Save(ctx context.Context, userID int64, sizes models.Sizes) error {
	for size, qty := range sizes {
		if strings.TrimSpace(size) == "" || qty < 0 {
			return fmt.Errorf("invalid desired level %q=%d", size, qty)
		}
	}

	value, err := json.Marshal(sizes)
	if err != nil {
		return err
	}

	return storeCall(ctx, r.timeout, "upsert_setting", func(ctx context.Context) error {
		return r.settings.UpsertSetting(ctx, r.Key(userID), string(value))
	})
}

// ParseSizes decodes a size→quantity JSON object. Quantities may be numbers or
// numeric strings.
func ParseSizes(raw string) (models.Sizes, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var values map[string]interface{}
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, errors.New("desired levels must be a JSON object")
	}

	sizes := make(models.Sizes, len(values))
	for size, v := range values {
		var text string
		switch val := v.(type) {
		case json.Number:
			text = val.String()
		case string:
			text = strings.TrimSpace(val)
		default:
			return nil, fmt.Errorf("size %q has non-numeric value", size)
		}

		qty, err := strconv.Atoi(text)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", size, err)
		}
		sizes[size] = qty
	}
	return sizes, nil
}
