package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodefleet/encodefleet/internal/config"
	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
)

func TestNewSweepLocker(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	locker, closer, err := newSweepLocker(ctx, config.SweepLockConfig{Backend: "none"}, logger)
	require.NoError(t, err)
	assert.Nil(t, locker)
	assert.Nil(t, closer)

	locker, closer, err = newSweepLocker(ctx, config.SweepLockConfig{Backend: "local"}, logger)
	require.NoError(t, err)
	require.NotNil(t, locker)
	assert.Nil(t, closer)

	unlock, acquired, err := locker.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock()
}

func TestWaitFor(t *testing.T) {
	assert.NoError(t, waitFor(func() {})(context.Background()))

	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waitFor(func() { <-block })(ctx), context.DeadlineExceeded)
}

func TestOpenMemoryStore(t *testing.T) {
	st, err := openStore(context.Background(), config.StoreConfig{Type: "memory"}, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}

func TestFormatDetails(t *testing.T) {
	assert.Equal(t, "-", formatDetails(nil))
	assert.Equal(t, "attempts=2 reason=Lease expired", formatDetails(map[string]interface{}{
		"reason":   "Lease expired",
		"attempts": 2,
	}))
}

func TestReloadAPIKeys(t *testing.T) {
	keys := auth.NewAPIKeyManager()
	keys.AddAPIKey("old", "config")
	logger := logging.Discard()

	assert.False(t, reloadAPIKeys(keys, nil, logger))
	assert.True(t, keys.ValidateAPIKey("old"))

	assert.True(t, reloadAPIKeys(keys, []string{"new"}, logger))
	assert.False(t, keys.ValidateAPIKey("old"))
	assert.True(t, keys.ValidateAPIKey("new"))
}

func TestRenderDefaultConfig(t *testing.T) {
	out, key, err := renderDefaultConfig(false)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.NotContains(t, string(out), "api_keys")

	out, key, err = renderDefaultConfig(true)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, cfg.Auth.APIKeys)
	assert.Equal(t, 5*time.Minute, cfg.Leasing.Duration)
}
