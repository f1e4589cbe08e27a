package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "libralend", cfg.AppName)
	assert.Equal(t, 3, cfg.MaxActiveBorrows)
	assert.Equal(t, 3*time.Minute, cfg.NotifyWindow)
	assert.Equal(t, 24*time.Hour, cfg.FineUnit)
	rate, err := cfg.FineRateValue()
	require.NoError(t, err)
	assert.Equal(t, "5.00", rate.StringFixed(2))
	assert.Equal(t, 30*time.Second, cfg.ReservationSweepInterval)
	assert.Equal(t, time.Minute, cfg.OverdueSweepInterval)
	assert.Equal(t, "INR", cfg.Currency)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("NOTIFY_WINDOW", "90s")
	t.Setenv("MAX_ACTIVE_BORROWS", "5")

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.NotifyWindow)
	assert.Equal(t, 5, cfg.MaxActiveBorrows)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := config.Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadFineRateIsExactDecimal(t *testing.T) {
	t.Setenv("FINE_RATE", "0.10")

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	rate, err := cfg.FineRateValue()
	require.NoError(t, err)
	assert.True(t, rate.Mul(decimal.NewFromInt(3)).Equal(decimal.RequireFromString("0.30")))

	t.Setenv("FINE_RATE", "ten rupees")
	_, err = config.Load(t.TempDir())
	assert.Error(t, err)

	t.Setenv("FINE_RATE", "-1")
	_, err = config.Load(t.TempDir())
	assert.Error(t, err)
}
