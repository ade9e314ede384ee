package service

import (
	"context"
	"errors"
	"testing"

	"replenishment-service/config"
	"replenishment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesiredLevelKeys(t *testing.T) {
	company := newFixture(t)
	assert.Equal(t, "suggested_sizes_company", company.levels.Key(7))
	assert.Equal(t, "company", company.levels.ScopeKey(7))

	perUser := newFixture(t, func(c *config.ReplenishConfig) { c.DesiredLevelsScope = config.ScopeUser })
	assert.Equal(t, "suggested_sizes_7", perUser.levels.Key(7))
	assert.Equal(t, "7", perUser.levels.ScopeKey(7))
}

func TestResolveFallsBackToDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sizes, err := f.levels.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Sizes(f.cfg.DefaultDesiredSizes), sizes)

	f.store.settings["suggested_sizes_company"] = `not json`
	sizes, err = f.levels.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Sizes(f.cfg.DefaultDesiredSizes), sizes)
}

func TestResolveReadsStoredLevels(t *testing.T) {
	f := newFixture(t)
	f.store.settings["suggested_sizes_company"] = `{"34":2,"35":"1"}`

	sizes, err := f.levels.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.Sizes{"34": 2, "35": 1}, sizes)
}

func TestResolveSurfacesReadFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failOn("GetSetting", errors.New("connection refused"))

	_, err := f.levels.Resolve(context.Background(), 1)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.levels.Save(ctx, 1, models.Sizes{"36": 4}))
	sizes, err := f.levels.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Sizes{"36": 4}, sizes)

	assert.Error(t, f.levels.Save(ctx, 1, models.Sizes{"36": -1}))
}

func TestParseSizes(t *testing.T) {
	_, err := ParseSizes(`null`)
	assert.Error(t, err)

	_, err = ParseSizes(`{"34":"x"}`)
	assert.Error(t, err)

	_, err = ParseSizes(`{"34":true}`)
	assert.Error(t, err)

	sizes, err := ParseSizes(`{"34": 3, "35": " 2 "}`)
	require.NoError(t, err)
	assert.Equal(t, models.Sizes{"34": 3, "35": 2}, sizes)
}
