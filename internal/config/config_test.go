package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	t.Parallel()

	c := Default()
	assert.Equal(t, DefaultPoolSize, c.Scheduler.PoolSize)
	assert.Equal(t, DefaultQueueSize, c.Scheduler.QueueSize)
	assert.Equal(t, 750*time.Millisecond, c.StaleThreshold())
	assert.Equal(t, 8*time.Second, c.ConnectTimeout())
	assert.Equal(t, 20*time.Second, c.ReadTimeout())
	assert.Equal(t, DefaultMetricsAddr, c.Metrics.Addr)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadAppliesDefaultsForAbsentValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tilerq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  pool_size: 4\n"), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Scheduler.PoolSize)
	assert.Equal(t, DefaultQueueSize, c.Scheduler.QueueSize)
	assert.Equal(t, DefaultStaleThresholdMs, c.Scheduler.StaleThresholdMs)
}

func TestLoadRejectsNegativeQueueSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tilerq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  queue_size: -2\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue_size")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tilerq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [not a map\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}
