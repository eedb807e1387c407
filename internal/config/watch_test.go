package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherNotifiesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profile: session\n"), 0o644))

	w, err := NewWatcher(path, nil, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("profile: system\n"), 0o644))

	select {
	case <-w.Changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a debounced change notification")
	}
}

func TestWatcherToleratesMissingDescriptorDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profile: session\n"), 0o644))

	w, err := NewWatcher(path, []string{filepath.Join(dir, "does-not-exist")}, 10*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()
	assert.NotNil(t, w)
}
