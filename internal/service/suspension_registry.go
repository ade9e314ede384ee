package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"replenishment-service/internal/models"
	"replenishment-service/internal/util"

	"go.uber.org/zap"
)

// Suspension duration units
const (
	UnitHours = "hours"
	UnitDays  = "days"
)

// Suspension read sources
const (
	SourceStore = "store"
	SourceCache = "cache"
)

// SuspensionDuration is a value+unit pair such as {2, "days"}
type SuspensionDuration struct {
	Value int    `json:"value" binding:"required,min=1,max=87600"`
	Unit  string `json:"unit" binding:"required,oneof=hours days"`
}

// MaxSuspension is the longest window a single suspension may cover
const MaxSuspension = 10 * 365 * 24 * time.Hour

// Duration converts the pair into a time.Duration
func (d SuspensionDuration) Duration() (time.Duration, error) {
	if d.Value <= 0 {
		return 0, fmt.Errorf("%w: value must be positive", ErrInvalidDuration)
	}

	var unit time.Duration
	switch strings.ToLower(d.Unit) {
	case UnitHours:
		unit = time.Hour
	case UnitDays:
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidDuration, d.Unit)
	}

	if int64(d.Value) > int64(MaxSuspension/unit) {
		return 0, fmt.Errorf("%w: %d %s exceeds %s", ErrInvalidDuration, d.Value, d.Unit, MaxSuspension)
	}
	return time.Duration(d.Value) * unit, nil
}

// SuspendTarget is a reference/color pair to suspend
type SuspendTarget struct {
	Reference string `json:"reference" binding:"required"`
	Color     string `json:"color" binding:"required"`
}

// SuspensionRegistry records time-boxed "do not regenerate" windows.
// The store is the source of truth; the cache is consulted only when the store
// cannot be read.
type SuspensionRegistry struct {
	store   SuspensionStore
	cache   SuspensionCache
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewSuspensionRegistry creates a new registry. cache may be nil.
func NewSuspensionRegistry(store SuspensionStore, cache SuspensionCache, timeout time.Duration) *SuspensionRegistry {
	return &SuspensionRegistry{
		store:   store,
		cache:   cache,
		timeout: timeout,
		now:     time.Now,
		logger:  util.Component("suspension-registry"),
	}
}

// Suspend disables regeneration for every target until now + duration.
// The fallback cache is written before the store, so a failed store write
// still leaves the suppression in effect. The store error is returned.
func (r *SuspensionRegistry) Suspend(ctx context.Context, targets []SuspendTarget, duration SuspensionDuration) ([]models.SuspensionEntry, error) {
	ctx, span := util.StartSpan(ctx, "SuspensionRegistry.Suspend")
	defer span.End()

	d, err := duration.Duration()
	if err != nil {
		return nil, err
	}

	now := r.now()
	until := now.Add(d)

	seen := make(map[string]struct{}, len(targets))
	entries := make([]models.SuspensionEntry, 0, len(targets))
	for _, t := range targets {
		if t.Reference == "" || t.Color == "" {
			continue
		}
		key := models.PairKey(t.Reference, t.Color)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, models.SuspensionEntry{
			Reference:    t.Reference,
			Color:        t.Color,
			SuspendUntil: until,
			CreatedAt:    now,
		})
	}
	if len(entries) == 0 {
		return entries, nil
	}

	r.writeCache(ctx, entries)

	err = storeCall(ctx, r.timeout, "create_suspensions", func(ctx context.Context) error {
		return r.store.CreateSuspensions(ctx, entries)
	})
	if err != nil {
		util.SuspensionWritesTotal.WithLabelValues(SourceStore, "error").Inc()
		util.RecordError(span, err)
		r.logger.Error("Failed to persist suspensions", zap.Int("count", len(entries)), zap.Error(err))
		return entries, fmt.Errorf("failed to persist suspensions: %w", err)
	}
	util.SuspensionWritesTotal.WithLabelValues(SourceStore, "ok").Add(float64(len(entries)))

	r.logger.Info("Suspended regeneration",
		zap.Int("pairs", len(entries)),
		zap.Time("suspend_until", until))
	return entries, nil
}

func (r *SuspensionRegistry) writeCache(ctx context.Context, entries []models.SuspensionEntry) {
	if r.cache == nil {
		return
	}
	for _, e := range entries {
		if err := r.cache.SetSuspension(ctx, e.Reference, e.Color, e.SuspendUntil); err != nil {
			util.SuspensionWritesTotal.WithLabelValues(SourceCache, "error").Inc()
			r.logger.Warn("Failed to write suspension fallback",
				zap.String("reference", e.Reference),
				zap.String("color", e.Color),
				zap.Error(err))
			continue
		}
		util.SuspensionWritesTotal.WithLabelValues(SourceCache, "ok").Inc()
	}
}

// Active returns the unexpired suspensions and where they were read from
func (r *SuspensionRegistry) Active(ctx context.Context) ([]models.SuspensionEntry, string, error) {
	now := r.now()

	var entries []models.SuspensionEntry
	storeErr := storeCall(ctx, r.timeout, "get_active_suspensions", func(ctx context.Context) error {
		var err error
		entries, err = r.store.GetActiveSuspensions(ctx, now)
		return err
	})
	if storeErr == nil {
		return filterActive(entries, now), SourceStore, nil
	}

	if r.cache == nil {
		return nil, "", fmt.Errorf("failed to read suspensions: %w", storeErr)
	}

	r.logger.Warn("Suspension store unavailable, reading fallback cache", zap.Error(storeErr))
	cached, cacheErr := r.cache.GetSuspensions(ctx, now)
	if cacheErr != nil {
		return nil, "", fmt.Errorf("failed to read suspensions: %w", errors.Join(storeErr, cacheErr))
	}
	return filterActive(cached, now), SourceCache, nil
}

// ActiveSet returns the suspended pairs keyed by models.PairKey
func (r *SuspensionRegistry) ActiveSet(ctx context.Context) (map[string]time.Time, error) {
	entries, _, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		key := models.PairKey(e.Reference, e.Color)
		if until, ok := set[key]; !ok || e.SuspendUntil.After(until) {
			set[key] = e.SuspendUntil
		}
	}
	return set, nil
}

func filterActive(entries []models.SuspensionEntry, now time.Time) []models.SuspensionEntry {
	active := make([]models.SuspensionEntry, 0, len(entries))
	for _, e := range entries {
		if e.Active(now) {
			active = append(active, e)
		}
	}
	return active
}
