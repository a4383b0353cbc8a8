package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reloads struct {
	mu      sync.Mutex
	configs []*Config
	errs    []error
}

func (r *reloads) record(cfg *Config, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
	r.errs = append(r.errs, err)
}

func (r *reloads) last() (*Config, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.configs)
	if n == 0 {
		return nil, 0, nil
	}
	return r.configs[n-1], n, r.errs[n-1]
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("learning:\n  learning_rate: 0.3\n"), 0o600))

	var got reloads
	w, err := Watch(context.Background(), path, got.record, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte("learning:\n  learning_rate: 0.7\n"), 0o600))
	assert.Eventually(t, func() bool {
		cfg, n, err := got.last()
		return n > 0 && err == nil && cfg.Learning.LearningRate == 0.7
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("learning:\n  learning_rate: 7\n"), 0o600))
	assert.Eventually(t, func() bool {
		_, _, err := got.last()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	var got reloads
	w, err := Watch(context.Background(), path, got.record, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	time.Sleep(3 * reloadDebounce)
	require.NoError(t, w.Close())

	_, n, _ := got.last()
	assert.Zero(t, n)
}

func TestWatch_Validation(t *testing.T) {
	_, err := Watch(context.Background(), "arcache.yaml", nil, nil)
	assert.ErrorContains(t, err, "onChange cannot be nil")

	_, err = Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "arcache.yaml"), func(*Config, error) {}, nil)
	assert.ErrorIs(t, err, ErrWatcherFailed)
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	w, err := Watch(context.Background(), path, func(*Config, error) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestWatcher_ContextDoneReleasesWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	w, err := Watch(ctx, path, func(*Config, error) {}, nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit after context was cancelled")
	}

	assert.ErrorIs(t, w.watcher.Add(dir), fsnotify.ErrClosed)
	assert.NoError(t, w.Close())
}
