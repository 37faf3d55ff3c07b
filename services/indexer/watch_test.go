package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherRunsPassAfterChanges(t *testing.T) {
	dir := t.TempDir()
	passes := make(chan struct{}, 10)
	w, err := NewWatcher([]string{dir}, 50*time.Millisecond, func(context.Context) error {
		passes <- struct{}{}
		return nil
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitPass := func() {
		t.Helper()
		select {
		case <-passes:
		case <-time.After(5 * time.Second):
			t.Fatal("collection pass did not run")
		}
	}
	waitPass()

	sub := filepath.Join(dir, "x64")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	waitPass()

	require.NoError(t, os.WriteFile(filepath.Join(sub, "app.pdb"), []byte("pdb"), 0o644))
	waitPass()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(nil, time.Second, func(context.Context) error { return nil }, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewWatcher([]string{t.TempDir()}, time.Second, nil, zerolog.Nop())
	assert.Error(t, err)
}
