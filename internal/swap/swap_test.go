package swap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/hmrcore/internal/registry"
	"github.com/forgecore/hmrcore/internal/state"
)

// fakeCheckpoints stores snapshots taken directly from a state.Manager in
// memory, standing in for package checkpoint in these tests.
type fakeCheckpoints struct {
	mu    sync.Mutex
	store map[string]state.ModuleSnapshot
	sm    *state.Manager

	failCreate  bool
	failRestore bool
}

func newFakeCheckpoints(sm *state.Manager) *fakeCheckpoints {
	return &fakeCheckpoints{store: make(map[string]state.ModuleSnapshot), sm: sm}
}

func (f *fakeCheckpoints) key(moduleID uint32, name string) string {
	return name
}

func (f *fakeCheckpoints) Create(moduleID uint32, name string) error {
	if f.failCreate {
		return errors.New("create checkpoint failed")
	}
	snap, err := f.sm.Snapshot(moduleID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.store[f.key(moduleID, name)] = snap
	f.mu.Unlock()
	return nil
}

func (f *fakeCheckpoints) Restore(moduleID uint32, name string) error {
	if f.failRestore {
		return errors.New("restore checkpoint failed")
	}
	f.mu.Lock()
	snap, ok := f.store[f.key(moduleID, name)]
	f.mu.Unlock()
	if !ok {
		return errors.New("no such checkpoint")
	}
	return f.sm.Restore(moduleID, snap)
}

func (f *fakeCheckpoints) Release(moduleID uint32, name string) error {
	f.mu.Lock()
	delete(f.store, f.key(moduleID, name))
	f.mu.Unlock()
	return nil
}

type fakeLoader struct {
	image Image
	err   error
}

func (f *fakeLoader) LoadImage(ctx context.Context, moduleID uint32, artifactPath string) (Image, error) {
	return f.image, f.err
}

func newHarness(t *testing.T) (*registry.Registry, *state.Manager, *fakeCheckpoints, uint32) {
	t.Helper()
	reg := registry.New()
	sm := state.New(state.Config{})

	mod, err := reg.Register("physics", registry.CapHotSwappable, 32, 4, 4)
	require.NoError(t, err)
	require.NoError(t, sm.Register(mod.ID, 32, 4, 4))
	require.NoError(t, reg.Activate(mod.ID))

	return reg, sm, newFakeCheckpoints(sm), mod.ID
}

func TestSwapSucceedsAndBumpsVersion(t *testing.T) {
	reg, sm, ckpt, moduleID := newHarness(t)
	loader := &fakeLoader{image: Image{SchemaVersion: 1}}

	c := New(Config{Registry: reg, States: sm, Checkpoints: ckpt, Loader: loader, CommitGrace: time.Millisecond})
	result := c.Swap(context.Background(), moduleID, "module.so")

	require.NoError(t, result.Err)
	assert.Equal(t, uint64(2), result.NewVersion)

	mod, err := reg.Get(moduleID)
	require.NoError(t, err)
	assert.Equal(t, registry.Active, mod.State())
}

func TestSwapRejectsNonSwappableModule(t *testing.T) {
	reg := registry.New()
	sm := state.New(state.Config{})
	mod, err := reg.Register("renderer", 0, 32, 4, 4) // no CapHotSwappable
	require.NoError(t, err)
	require.NoError(t, sm.Register(mod.ID, 32, 4, 4))
	require.NoError(t, reg.Activate(mod.ID))

	c := New(Config{Registry: reg, States: sm, Checkpoints: newFakeCheckpoints(sm), Loader: &fakeLoader{}})
	result := c.Swap(context.Background(), mod.ID, "module.so")

	assert.Error(t, result.Err)
	assert.Equal(t, Prepare, result.FailedAt)
}

func TestSwapAbortsAndRestoresOnValidationFailure(t *testing.T) {
	reg, sm, ckpt, moduleID := newHarness(t)

	require.NoError(t, sm.BeginIncrementalUpdate(moduleID))
	require.NoError(t, sm.UpdateAgent(moduleID, 0, make([]byte, 32)))
	require.NoError(t, sm.CommitIncrementalUpdate(moduleID))

	transform := func(old state.ModuleSnapshot) (state.ModuleSnapshot, error) {
		// Corrupt a chunk checksum so state.Restore rejects the
		// transformed snapshot during StateTransform.
		old.Chunks[0].Checksum ^= 0xFF
		return old, nil
	}
	loader := &fakeLoader{image: Image{SchemaVersion: 2, Transform: transform}}

	c := New(Config{Registry: reg, States: sm, Checkpoints: ckpt, Loader: loader})
	result := c.Swap(context.Background(), moduleID, "module.so")

	require.Error(t, result.Err)
	assert.Equal(t, StateTransform, result.FailedAt)

	mod, err := reg.Get(moduleID)
	require.NoError(t, err)
	assert.Equal(t, registry.Active, mod.State())

	report, err := sm.ValidateModule(moduleID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestSwapAbortsWhenLoaderFails(t *testing.T) {
	reg, sm, ckpt, moduleID := newHarness(t)
	loader := &fakeLoader{err: errors.New("artifact not found")}

	c := New(Config{Registry: reg, States: sm, Checkpoints: ckpt, Loader: loader})
	result := c.Swap(context.Background(), moduleID, "missing.so")

	require.Error(t, result.Err)
	assert.Equal(t, ArtifactSwap, result.FailedAt)

	mod, err := reg.Get(moduleID)
	require.NoError(t, err)
	assert.Equal(t, registry.Active, mod.State())
}

func TestRepeatedAbortsOpenTheCircuitBreaker(t *testing.T) {
	reg, sm, ckpt, moduleID := newHarness(t)
	loader := &fakeLoader{err: errors.New("boom")}
	c := New(Config{Registry: reg, States: sm, Checkpoints: ckpt, Loader: loader, BreakerMaxTrips: 2, BreakerWindow: time.Minute})

	c.Swap(context.Background(), moduleID, "x")
	c.Swap(context.Background(), moduleID, "x")
	assert.True(t, c.breakers.isOpen(moduleID))

	result := c.Swap(context.Background(), moduleID, "x")
	require.Error(t, result.Err)
	assert.Equal(t, Prepare, result.FailedAt)
}

func TestEnterCallAllowsNormalTrafficThenQuiesceWaitsForExit(t *testing.T) {
	qt := newQuiesceTracker()
	require.True(t, qt.enter(1, false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- qt.waitForZero(ctx, 1) }()

	time.Sleep(5 * time.Millisecond)
	qt.exit(1)

	assert.True(t, <-done)
}

func TestWaitForZeroTimesOutWithCallerStillInFlight(t *testing.T) {
	qt := newQuiesceTracker()
	require.True(t, qt.enter(1, false))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.False(t, qt.waitForZero(ctx, 1))
}
