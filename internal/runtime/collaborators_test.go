package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/hmrcore/internal/drivers"
	"github.com/forgecore/hmrcore/internal/quality"
)

func TestIsolateMarksModuleSkippedByTickLoop(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	ticked := 0
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("zeta")] = drivers.ImageABI{
		Tick: func(int64) error { ticked++; return nil },
	}
	require.NoError(t, rt.LoadModule(context.Background(), "zeta"))
	mod, err := rt.reg.GetByName("zeta")
	require.NoError(t, err)

	require.NoError(t, rt.Isolate(context.Background(), mod.ID))
	rt.tickModules(context.Background(), int64(1))
	assert.Equal(t, 0, ticked)

	require.NoError(t, rt.Restart(context.Background(), mod.ID))
	rt.tickModules(context.Background(), int64(1))
	assert.Equal(t, 1, ticked)
}

func TestRollbackLatestRestoresMostRecentCheckpoint(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("eta")] = drivers.ImageABI{}
	require.NoError(t, rt.LoadModule(context.Background(), "eta"))
	mod, err := rt.reg.GetByName("eta")
	require.NoError(t, err)

	require.NoError(t, rt.checkpoints.Create(mod.ID, "first"))
	require.NoError(t, rt.checkpoints.Create(mod.ID, "second"))

	collaborator := rollbackCollaborator{rt: rt}
	assert.NoError(t, collaborator.Rollback(context.Background(), mod.ID))
}

func TestRollbackLatestFailsWithNoCheckpoints(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})
	loader.Images[rt.artifactPath("theta")] = drivers.ImageABI{}
	require.NoError(t, rt.LoadModule(context.Background(), "theta"))
	mod, err := rt.reg.GetByName("theta")
	require.NoError(t, err)

	collaborator := rollbackCollaborator{rt: rt}
	assert.Error(t, collaborator.Rollback(context.Background(), mod.ID))
}

func TestActivateFallbackForcesMinimalTier(t *testing.T) {
	loader := drivers.NewFakeImageLoader()
	rt := newTestRuntime(t, loader, &drivers.FakeCompiler{})

	require.NoError(t, rt.ActivateFallback(context.Background(), "rendering"))
	assert.Equal(t, quality.TierMinimal, rt.qualityOpt.Tier("rendering"))
}
