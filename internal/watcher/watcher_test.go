package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcs-mission-validator/internal/models"
)

type collector struct {
	mu   sync.Mutex
	refs []models.FileRef
}

func (c *collector) add(ref models.FileRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, ref)
}

func (c *collector) seen(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.refs {
		if r.Path == path {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, root string) *collector {
	t.Helper()
	c := &collector{}
	w, err := New(root, ".miz", c.add)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return c
}

func TestWatcher_ReportsNewArchive(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, root)

	path := filepath.Join(root, "Op Thunder.MIZ")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o644))

	require.Eventually(t, func() bool { return c.seen(path) }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherExtensionsAndEmptyFiles(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.miz"), nil, 0o644))
	marker := filepath.Join(root, "marker.miz")
	require.NoError(t, os.WriteFile(marker, []byte("PK"), 0o644))

	require.Eventually(t, func() bool { return c.seen(marker) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.seen(filepath.Join(root, "notes.txt")))
	assert.False(t, c.seen(filepath.Join(root, "empty.miz")))
}

func TestWatcher_FollowsNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, root)

	sub := filepath.Join(root, "campaign", "week1")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a moment to register the new directories.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "m1.miz")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o644))

	require.Eventually(t, func() bool { return c.seen(path) }, 2*time.Second, 10*time.Millisecond)
}

func TestNew_RejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent"), ".miz", nil)
	assert.Error(t, err)
}

func TestMatches_IsCaseInsensitive(t *testing.T) {
	w := &Watcher{ext: ".miz"}
	assert.True(t, w.Matches("/a/b.MiZ"))
	assert.False(t, w.Matches("/a/b.miz.txt"))
}
