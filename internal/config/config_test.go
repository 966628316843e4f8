package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "/realtime", cfg.BasePath)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, int64(10000), cfg.MaxConnections)
	assert.NotEmpty(t, cfg.ServerID)
	assert.Empty(t, cfg.AuthTokens)
}

func TestLoad_BasePathValidation(t *testing.T) {
	t.Setenv("BASE_PATH", "noslash")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BasePathTrailingSlashTrimmed(t *testing.T) {
	t.Setenv("BASE_PATH", "/ws/")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/ws", cfg.BasePath)
}

func TestLoad_RejectsNonPositivePingInterval(t *testing.T) {
	t.Setenv("PING_INTERVAL", "0s")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PING_INTERVAL", "banana")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_AuthTokens(t *testing.T) {
	t.Setenv("AUTH_TOKENS", "tok1:alice, tok2:bob")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok1": "alice", "tok2": "bob"}, cfg.AuthTokens)
}

func TestLoad_RejectsMalformedAuthTokens(t *testing.T) {
	t.Setenv("AUTH_TOKENS", "justatoken")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ServerIDFromEnv(t *testing.T) {
	t.Setenv("SERVER_ID", "instance-7")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "instance-7", cfg.ServerID)
}
