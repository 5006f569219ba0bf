package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/whatever"
	assert.NoError(t, cfg.Validate(), "Default()'s own field values must satisfy its own Validate()")
}

func TestValidateRejectsCompressionThresholdAtOrAboveSmallestClass(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/whatever"
	cfg.PageSizeClasses = []int{64, 256}
	cfg.CompressionThreshold = 64
	assert.Error(t, cfg.Validate())

	cfg.CompressionThreshold = 63
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonAscendingSizeClasses(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/whatever"
	cfg.PageSizeClasses = []int{256, 64}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDataDir(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}

func TestEffectiveCachePagesDefaultsFromLargestClass(t *testing.T) {
	cfg := Default()
	cfg.PageSizeClasses = []int{64 << 20}
	require.Equal(t, 16, cfg.EffectiveCachePages(), "a floor of 16 pages applies even when 64MiB/class is tiny")

	cfg.CachePages = 500
	assert.Equal(t, 500, cfg.EffectiveCachePages())
}

func TestEffectiveLoggerDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	assert.NotNil(t, cfg.EffectiveLogger())
}
