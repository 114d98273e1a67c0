package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "ldap", cfg.Backend)
	assert.Equal(t, "ou=users,dc=example,dc=com", cfg.LDAP.UserBaseDN)
	assert.True(t, cfg.LDAP.UseEntryUUIDDN)
	assert.Equal(t, 2, cfg.LDAP.Pool.MinConnections)
	assert.Equal(t, 10, cfg.LDAP.Pool.MaxConnections)
	assert.Equal(t, time.Hour, cfg.LDAP.Pool.MaxConnectionAge)
	assert.Equal(t, 1000, cfg.LDAP.Search.SizeLimit)
	assert.Equal(t, 30*time.Second, cfg.LDAP.Search.TimeLimit)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCIMGATE_BACKEND", "file")
	t.Setenv("SCIMGATE_FILE_PATH", "/tmp/scim.json")
	t.Setenv("LDAP_URL", "ldaps://ds.example.com:636")
	t.Setenv("LDAP_POOL_MAX", "25")
	t.Setenv("LDAP_USE_ENTRYUUID_DN", "false")
	t.Setenv("LDAP_SEARCH_TIME_LIMIT", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Backend)
	assert.Equal(t, "/tmp/scim.json", cfg.File.Path)
	assert.Equal(t, "ldaps://ds.example.com:636", cfg.LDAP.URL)
	assert.Equal(t, 25, cfg.LDAP.Pool.MaxConnections)
	assert.False(t, cfg.LDAP.UseEntryUUIDDN)
	assert.Equal(t, 10*time.Second, cfg.LDAP.Search.TimeLimit)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SCIMGATE_BACKEND", "redis")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadPoolBounds(t *testing.T) {
	t.Setenv("LDAP_POOL_MIN", "10")
	t.Setenv("LDAP_POOL_MAX", "2")
	_, err := Load()
	require.Error(t, err)
}
