package hotplug

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_SignalsOnCreate(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	select {
	case <-w.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup after device change")
	}
}

func TestWatcher_CoalescesSignals(t *testing.T) {
	w := &Watcher{wake: make(chan struct{}, 1), done: make(chan struct{})}
	w.signal()
	w.signal()
	w.signal()

	assert.Len(t, w.wake, 1)
	<-w.C()
	assert.Len(t, w.wake, 0)
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "failed to watch")
}
