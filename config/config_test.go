package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REPLENISH_BATCH_SIZE", "")
	t.Setenv("DESIRED_LEVELS_SCOPE", "")
	t.Setenv("DEFAULT_DESIRED_SIZES", "")

	cfg := Load()

	assert.Equal(t, 5*24*time.Hour, cfg.Replenish.LeadTime)
	assert.Equal(t, 50, cfg.Replenish.BatchSize)
	assert.Equal(t, ScopeCompany, cfg.Replenish.DesiredLevelsScope)
	assert.Equal(t, 3, cfg.Replenish.DefaultDesiredSizes["37"])
	assert.Equal(t, []string{"admin", "produccion"}, cfg.Replenish.ReconcileRoles)
}

func TestLoadClampsAndFallsBack(t *testing.T) {
	t.Setenv("REPLENISH_BATCH_SIZE", "500")
	t.Setenv("STORE_CALL_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("DESIRED_LEVELS_SCOPE", "USER")
	t.Setenv("DEFAULT_DESIRED_SIZES", "{broken")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg := Load()

	assert.Equal(t, 50, cfg.Replenish.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Replenish.StoreCallTimeout)
	assert.Equal(t, ScopeUser, cfg.Replenish.DesiredLevelsScope)
	assert.Equal(t, 2, cfg.Replenish.DefaultDesiredSizes["36"])
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}
