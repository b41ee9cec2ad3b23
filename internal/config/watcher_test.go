package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "actorkit.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"namespace": "one"}`), 0644))

	changes := make(chan *RuntimeConfig, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:     configPath,
		Env:      MapEnv{},
		Debounce: 20 * time.Millisecond,
		OnChange: func(cfg *RuntimeConfig) { changes <- cfg },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"namespace": "two"}`), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "two", cfg.Namespace)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestWatcherSkipsInvalidChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "actorkit.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

	changes := make(chan *RuntimeConfig, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:     configPath,
		Env:      MapEnv{},
		Debounce: 20 * time.Millisecond,
		OnChange: func(cfg *RuntimeConfig) { changes <- cfg },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"mode": "batch"}`), 0644))

	select {
	case <-changes:
		t.Fatal("invalid config was delivered")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	assert.Error(t, err)
}
