package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, HistoryLog, cfg.HistorySink)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidateHistorySink(t *testing.T) {
	cfg := Config{AuthSecret: "x", HistorySink: " DB ", RateBurst: 1, RatePerSec: 1}
	assert.EqualError(t, cfg.Validate(), "HISTORY_SINK=db needs PG_DSN")

	cfg.PGDSN = "postgres://localhost/chorus"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, HistoryDB, cfg.HistorySink)

	cfg.HistorySink = "kafka"
	assert.Error(t, cfg.Validate())
}
