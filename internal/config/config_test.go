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

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64, cfg.CoverWidth)
	assert.Equal(t, "covert.example.com", cfg.Domain)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Empty(t, cfg.StateFile)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIMULACRA_COVER_WIDTH", "128")
	t.Setenv("SIMULACRA_DOMAIN", "stego.test")
	t.Setenv("SIMULACRA_QUERY_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.CoverWidth)
	assert.Equal(t, "stego.test", cfg.Domain)
	assert.Equal(t, 250*time.Millisecond, cfg.QueryTimeout)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("SIMULACRA_FETCH_WORKERS", "many")

	_, err := Load()
	assert.ErrorIs(t, err, ErrParsingConfig)
}
