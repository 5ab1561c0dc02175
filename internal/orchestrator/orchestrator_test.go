package orchestrator

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dcs-mission-validator/internal/config"
	"dcs-mission-validator/internal/models"
)

const validDescriptor = "mission = \n{\n    [\"requiredModules\"] = \n    {\n" +
	"    }, -- end of [\"requiredModules\"]\n} -- end of mission\n"

func writeMission(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func testPolicy() models.ValidationPolicy {
	return models.ValidationPolicy{
		ForbiddenFolders: []string{"track"},
		AllowedModules:   []string{"ModA"},
		QuietPeriod:      50 * time.Millisecond,
	}
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		StopTimeout:        time.Second,
		MissionExtension:   ".miz",
	}
}

func paths(refs []models.FileRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Path)
	}
	return out
}

func TestCollectFiles(t *testing.T) {
	root := t.TempDir()
	top := filepath.Join(root, "top.miz")
	upper := filepath.Join(root, "UPPER.MIZ")
	nested := filepath.Join(root, "sub", "nested.miz")
	for _, p := range []string{top, upper, nested} {
		writeMission(t, p, map[string]string{"mission": validDescriptor})
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("x"), 0o644))
	missing := filepath.Join(root, "missing.miz")

	t.Run("directory is not recursive", func(t *testing.T) {
		refs := CollectFiles(Inputs{Dirs: []string{root}}, ".miz", zap.NewNop().Sugar())
		assert.ElementsMatch(t, []string{top, upper}, paths(refs))
	})

	t.Run("recursive walks subdirectories", func(t *testing.T) {
		refs := CollectFiles(Inputs{Recursive: []string{root}}, ".miz", zap.NewNop().Sugar())
		assert.ElementsMatch(t, []string{top, upper, nested}, paths(refs))
	})

	t.Run("duplicates are dropped and files come first", func(t *testing.T) {
		refs := CollectFiles(Inputs{
			Files:     []string{missing, top},
			Dirs:      []string{root, filepath.Join(root, "absent")},
			Recursive: []string{root},
		}, ".miz", zap.NewNop().Sugar())
		require.Len(t, refs, 4)
		assert.Equal(t, missing, refs[0].Path)
		assert.False(t, refs[0].Exists)
		assert.Equal(t, top, refs[1].Path)
		assert.True(t, refs[1].Exists)
		assert.Positive(t, refs[1].Size)
	})
}

func TestInputsEmpty(t *testing.T) {
	assert.True(t, Inputs{}.Empty())
	assert.False(t, Inputs{Recursive: []string{"."}}.Empty())
}

func TestRunOnce(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "good.miz")
	bad := filepath.Join(root, "bad.miz")
	writeMission(t, good, map[string]string{"mission": validDescriptor})
	writeMission(t, bad, map[string]string{"mission": validDescriptor, "track/1.trk": "x"})

	o, err := New(context.Background(), testConfig(), testPolicy(), Options{})
	require.NoError(t, err)
	defer o.Close()

	refs := CollectFiles(Inputs{Files: []string{good, bad, filepath.Join(root, "gone.miz")}}, ".miz", nil)
	sum, err := o.RunOnce(context.Background(), refs)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Invalid)
	assert.Equal(t, 1, sum.Actions[models.ActionKept])
	assert.Equal(t, 1, sum.Actions[models.ActionDeleted])
	assert.Equal(t, 1, sum.Actions[models.ActionSkipped])
	assert.FileExists(t, good)
	assert.NoFileExists(t, bad)
}

func TestRunOnce_SimulateKeepsFiles(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.miz")
	writeMission(t, bad, map[string]string{"options": "{}"})

	o, err := New(context.Background(), testConfig(), testPolicy(), Options{Simulate: true, Sidecar: true})
	require.NoError(t, err)
	defer o.Close()

	sum, err := o.RunOnce(context.Background(), CollectFiles(Inputs{Files: []string{bad}}, ".miz", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Actions[models.ActionSimulated])
	assert.FileExists(t, bad)
	assert.FileExists(t, bad+".txt")
}

func TestRunOnce_CancelledContext(t *testing.T) {
	o, err := New(context.Background(), testConfig(), testPolicy(), Options{})
	require.NoError(t, err)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := o.RunOnce(ctx, []models.FileRef{{Path: "/nowhere/a.miz"}})
	assert.Error(t, err)
	assert.Zero(t, sum.Total)
}

func TestWatch_DeletesSettledInvalidArchive(t *testing.T) {
	root := t.TempDir()
	o, err := New(context.Background(), testConfig(), testPolicy(), Options{})
	require.NoError(t, err)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Watch(ctx, root) }()

	// Let the watcher register the root before writing.
	time.Sleep(100 * time.Millisecond)

	bad := filepath.Join(root, "incoming", "bad.miz")
	good := filepath.Join(root, "good.miz")
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0o755))
	time.Sleep(100 * time.Millisecond)
	writeMission(t, bad, map[string]string{"mission": validDescriptor, "track_data/x": "1", "track/1.trk": "x"})
	writeMission(t, good, map[string]string{"mission": validDescriptor})

	require.Eventually(t, func() bool {
		_, err := os.Stat(bad)
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)
	assert.FileExists(t, good)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatch_MissingRoot(t *testing.T) {
	o, err := New(context.Background(), testConfig(), testPolicy(), Options{})
	require.NoError(t, err)
	defer o.Close()

	err = o.Watch(context.Background(), filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
