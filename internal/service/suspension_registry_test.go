package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"replenishment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspensionDuration(t *testing.T) {
	d, err := SuspensionDuration{Value: 2, Unit: "days"}.Duration()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	d, err = SuspensionDuration{Value: 3, Unit: "hours"}.Duration()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, d)

	_, err = SuspensionDuration{Value: 0, Unit: "days"}.Duration()
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = SuspensionDuration{Value: 1, Unit: "weeks"}.Duration()
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestSuspensionDurationRejectsOverlongWindows(t *testing.T) {
	d, err := SuspensionDuration{Value: 3650, Unit: "days"}.Duration()
	require.NoError(t, err)
	assert.Equal(t, MaxSuspension, d)

	for _, dur := range []SuspensionDuration{
		{Value: 3651, Unit: "days"},
		{Value: 110000, Unit: "days"},
		{Value: 87601, Unit: "hours"},
	} {
		_, err := dur.Duration()
		assert.ErrorIs(t, err, ErrInvalidDuration, "%d %s", dur.Value, dur.Unit)
	}
}

func TestOverlongSuspensionIsNotStored(t *testing.T) {
	f := newFixture(t)

	_, err := f.suspensions.Suspend(context.Background(),
		[]SuspendTarget{{Reference: "R1", Color: "black"}},
		SuspensionDuration{Value: 110000, Unit: "days"})
	require.ErrorIs(t, err, ErrInvalidDuration)
	assert.Zero(t, f.store.callCount("CreateSuspensions"))
	assert.Empty(t, f.cache.entries)
}

func TestSuspendWritesStoreAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entries, err := f.suspensions.Suspend(ctx, []SuspendTarget{
		{Reference: "R100", Color: "black"},
		{Reference: "R100", Color: "black"},
		{Reference: "R200", Color: "white"},
	}, SuspensionDuration{Value: 1, Unit: "hours"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, f.clock.Add(time.Hour), entries[0].SuspendUntil)

	assert.Len(t, f.store.suspensions, 2)
	assert.Len(t, f.cache.entries, 2)

	set, err := f.suspensions.ActiveSet(ctx)
	require.NoError(t, err)
	assert.Contains(t, set, models.PairKey("R100", "black"))
	assert.Contains(t, set, models.PairKey("R200", "white"))
}

func TestSuspendKeepsCacheWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.failOn("CreateSuspensions", errors.New("insert failed"))

	_, err := f.suspensions.Suspend(ctx, []SuspendTarget{{Reference: "R1", Color: "red"}}, SuspensionDuration{Value: 2, Unit: "days"})
	require.Error(t, err)

	assert.Empty(t, f.store.suspensions)
	assert.Contains(t, f.cache.entries, models.PairKey("R1", "red"))
}

func TestActiveSetPrefersStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Stale cache entry the store does not know about
	require.NoError(t, f.cache.SetSuspension(ctx, "R9", "blue", f.clock.Add(time.Hour)))

	entries, source, err := f.suspensions.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, source)
	assert.Empty(t, entries)
}

func TestActiveSetFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.SetSuspension(ctx, "R9", "blue", f.clock.Add(time.Hour)))
	f.store.failOn("GetActiveSuspensions", errors.New("store down"))

	entries, source, err := f.suspensions.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
	require.Len(t, entries, 1)
	assert.Equal(t, "R9", entries[0].Reference)

	f.cache.getErr = errors.New("cache down")
	_, err = f.suspensions.ActiveSet(ctx)
	assert.Error(t, err)
}

func TestSuspensionExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.suspensions.Suspend(ctx, []SuspendTarget{{Reference: "R1", Color: "red"}}, SuspensionDuration{Value: 1, Unit: "hours"})
	require.NoError(t, err)

	f.advance(59 * time.Minute)
	set, err := f.suspensions.ActiveSet(ctx)
	require.NoError(t, err)
	assert.Len(t, set, 1)

	f.advance(2 * time.Minute)
	set, err = f.suspensions.ActiveSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, set)
}
