package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/hmrcore/internal/drivers"
)

func newTestRuntime(t *testing.T, loader *drivers.FakeImageLoader, compiler *drivers.FakeCompiler) *Runtime {
	t.Helper()
	root := t.TempDir()
	rt, err := New(Config{
		Root:         root,
		ImageLoader:  loader,
		Compiler:     compiler,
		ConfigParser: drivers.JSONConfigParser{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestLoadModuleRegistersAndActivates(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	initCalled := false
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})

	path := rt.artifactPath("alpha")
	loader.Images[path] = drivers.ImageABI{
		Init: func() error { initCalled = true; return nil },
		Tick: func(int64) error { return nil },
	}

	err := rt.LoadModule(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, initCalled)

	mod, err := rt.reg.GetByName("alpha")
	require.NoError(t, err)
	assert.Equal(t, "active", mod.State().String())
}

func TestLoadModulePropagatesInitError(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})

	path := rt.artifactPath("bad")
	loader.Images[path] = drivers.ImageABI{
		Init: func() error { return assert.AnError },
	}

	err := rt.LoadModule(context.Background(), "bad")
	assert.Error(t, err)
}

func TestUnloadModuleRemovesFromRegistry(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("beta")] = drivers.ImageABI{}

	require.NoError(t, rt.LoadModule(context.Background(), "beta"))
	require.NoError(t, rt.UnloadModule(context.Background(), "beta"))

	_, err := rt.reg.GetByName("beta")
	assert.Error(t, err)
}

func TestCheckpointThenRollbackRestoresState(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("gamma")] = drivers.ImageABI{}

	require.NoError(t, rt.LoadModule(context.Background(), "gamma"))
	require.NoError(t, rt.Checkpoint(context.Background(), "gamma", "snap-1"))
	require.NoError(t, rt.Rollback(context.Background(), "gamma", "snap-1"))
}

func TestBuildCompilesOnMissThenSkipsOnCacheHit(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "module.src")
	require.NoError(t, os.WriteFile(srcPath, []byte("source v1"), 0o644))

	compiler := &drivers.FakeCompiler{Result: drivers.CompileResult{Success: true}}
	rt := newTestRuntime(t, drivers.NewFakeImageLoader(), compiler)

	require.NoError(t, rt.Build(context.Background(), srcPath))
	assert.Len(t, compiler.Calls, 1)

	require.NoError(t, rt.Build(context.Background(), srcPath))
	assert.Len(t, compiler.Calls, 1, "unchanged source should hit the build cache")
}

func TestBuildRecompilesAfterSourceChanges(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "module.src")
	require.NoError(t, os.WriteFile(srcPath, []byte("source v1"), 0o644))

	compiler := &drivers.FakeCompiler{Result: drivers.CompileResult{Success: true}}
	rt := newTestRuntime(t, drivers.NewFakeImageLoader(), compiler)

	require.NoError(t, rt.Build(context.Background(), srcPath))
	require.NoError(t, os.WriteFile(srcPath, []byte("source v2, longer content"), 0o644))
	require.NoError(t, rt.Build(context.Background(), srcPath))

	assert.Len(t, compiler.Calls, 2)
}

func TestBuildPropagatesCompileFailure(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "module.src")
	require.NoError(t, os.WriteFile(srcPath, []byte("broken"), 0o644))

	compiler := &drivers.FakeCompiler{Result: drivers.CompileResult{Success: false, Message: "syntax error"}}
	rt := newTestRuntime(t, drivers.NewFakeImageLoader(), compiler)

	err := rt.Build(context.Background(), srcPath)
	assert.Error(t, err)
}

func TestStatusSnapshotReportsLoadedModules(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("delta")] = drivers.ImageABI{}
	require.NoError(t, rt.LoadModule(context.Background(), "delta"))

	snap := rt.StatusSnapshot(context.Background())
	modules, ok := snap["modules"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, modules, 1)
	assert.Equal(t, "delta", modules[0]["name"])
}

func TestStatusRendersModuleSummary(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("epsilon")] = drivers.ImageABI{}
	require.NoError(t, rt.LoadModule(context.Background(), "epsilon"))

	text, err := rt.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "epsilon")
	assert.Contains(t, text, "modules: 1")
}
