package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Billing.HoldTTL)
	assert.Equal(t, 100, cfg.Billing.DepositPercent)
	assert.True(t, cfg.Billing.BHYTEnabled)
	assert.Equal(t, 60*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, "https://api-merchant.payos.vn", cfg.PayOS.BaseURL)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("MEDIBOOK_BILLING_HOLD_TTL", "5m")
	t.Setenv("MEDIBOOK_BILLING_DEPOSIT_PERCENT", "30")
	t.Setenv("MEDIBOOK_REDIS_ADDR", "localhost:6379")
	t.Setenv("DB_URL", "postgres://legacy")
	t.Setenv("SECRET_KEY", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Billing.HoldTTL)
	assert.Equal(t, 30, cfg.Billing.DepositPercent)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://legacy", cfg.Database.URL)
	assert.Equal(t, "s3cret", cfg.JWT.SecretKey)
}

func TestLoad_RejectsBadDeposit(t *testing.T) {
	inTempDir(t)
	t.Setenv("MEDIBOOK_BILLING_DEPOSIT_PERCENT", "150")

	_, err := Load()
	assert.Error(t, err)
}

func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}
