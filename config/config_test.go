package config

import (
	"testing"
	"time"

	"github.com/stellar/go/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, network.TestNetworkPassphrase, cfg.NetworkPassphrase)
	assert.Equal(t, "localhost", cfg.WebAuthDomain)
	assert.Equal(t, 300*time.Second, cfg.ChallengeTTL)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, uint32(100), cfg.BaseFee)
	assert.Equal(t, 3, cfg.SubmitMaxRetries)
	assert.Equal(t, 2*time.Second, cfg.SubmitBackoff)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, time.Second, cfg.ConfirmPollInterval)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 1000, cfg.CacheCapacity)
	assert.Equal(t, 100, cfg.CacheEvictBatch)
	assert.False(t, cfg.Production())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8081")
	t.Setenv("HOME_DOMAIN", "edupass.example")
	t.Setenv("SUBMIT_BACKOFF", "250ms")
	t.Setenv("SUBMIT_MAX_RETRIES", "5")
	t.Setenv("NETWORK_PASSPHRASE", network.PublicNetworkPassphrase)

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "edupass.example", cfg.HomeDomain)
	assert.Equal(t, "edupass.example", cfg.WebAuthDomain)
	assert.Equal(t, 250*time.Millisecond, cfg.SubmitBackoff)
	assert.Equal(t, 5, cfg.SubmitMaxRetries)
	assert.Equal(t, network.PublicNetworkPassphrase, cfg.NetworkPassphrase)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"retries", map[string]string{"SUBMIT_MAX_RETRIES": "0"}},
		{"poll interval", map[string]string{"CONFIRM_TIMEOUT": "1s", "CONFIRM_POLL_INTERVAL": "2s"}},
		{"evict batch", map[string]string{"CACHE_CAPACITY": "10", "CACHE_EVICT_BATCH": "11"}},
		{"production keys", map[string]string{"APP_ENV": "production"}},
		{"ledger accounts", map[string]string{"LEDGER_ACCOUNTS": "GABC"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}

func TestAccounts(t *testing.T) {
	cfg := &Config{LedgerAccounts: "GAAA:100, GBBB:0.5,"}
	accounts, err := cfg.Accounts()
	require.NoError(t, err)
	assert.Equal(t, []LedgerAccount{
		{ID: "GAAA", Native: 100_0000000},
		{ID: "GBBB", Native: 5000000},
	}, accounts)

	_, err = (&Config{LedgerAccounts: "GAAA:-1"}).Accounts()
	assert.Error(t, err)
}
