package runtime

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/forgecore/hmrcore/internal/drivers"
	"github.com/forgecore/hmrcore/internal/hmrerrors"
	"github.com/forgecore/hmrcore/internal/quality"
	"github.com/forgecore/hmrcore/internal/recovery"
	"github.com/forgecore/hmrcore/internal/state"
	"github.com/forgecore/hmrcore/internal/swap"
)

// imageAdapter bridges drivers.ImageLoader, which resolves a fixed ABI out
// of a loaded artifact, to swap.Loader, which the swap coordinator drives
// by schema version. The driver layer has no notion of a schema version,
// so the adapter keeps its own per-module counter and bumps it whenever a
// resolved artifact carries a state-transform hook — that is the signal
// the coordinator uses to decide whether to run a transform at all.
type imageAdapter struct {
	loader drivers.ImageLoader

	mu       sync.Mutex
	versions map[uint32]uint32
}

// LoadImage implements swap.Loader.
func (a *imageAdapter) LoadImage(ctx context.Context, moduleID uint32, artifactPath string) (swap.Image, error) {
	handle, err := a.loader.Load(artifactPath)
	if err != nil {
		return swap.Image{}, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to load module image", err)
	}
	abi, err := a.loader.ResolveSymbol(handle, "module")
	if err != nil {
		return swap.Image{}, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to resolve module ABI", err)
	}

	a.mu.Lock()
	version := a.versions[moduleID]
	if abi.Transform != nil {
		version++
		a.versions[moduleID] = version
	}
	a.mu.Unlock()

	img := swap.Image{SchemaVersion: version}
	if abi.Transform != nil {
		transform := abi.Transform
		img.Transform = func(old state.ModuleSnapshot) (state.ModuleSnapshot, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(old); err != nil {
				return state.ModuleSnapshot{}, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to encode snapshot for transform", err)
			}
			raw, err := transform(buf.Bytes())
			if err != nil {
				return state.ModuleSnapshot{}, err
			}
			var transformed state.ModuleSnapshot
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&transformed); err != nil {
				return state.ModuleSnapshot{}, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to decode transformed snapshot", err)
			}
			return transformed, nil
		}
	}
	if abi.SelfCheck != nil {
		img.SelfCheck = abi.SelfCheck
	}
	return img, nil
}

// rollbackCollaborator satisfies recovery.Rollbacker. recovery.Engine and
// cli.Runtime both declare a Rollback method with different signatures, so
// Runtime cannot implement recovery.Rollbacker directly; this adapter
// forwards to a distinctly-named method instead.
type rollbackCollaborator struct {
	rt *Runtime
}

func (c rollbackCollaborator) Rollback(ctx context.Context, moduleID uint32) error {
	return c.rt.rollbackLatest(ctx, moduleID)
}

// rollbackLatest restores a module's most recent checkpoint. It is the
// collaborator-side counterpart of the named-checkpoint Rollback exposed
// through cli.Runtime.
func (rt *Runtime) rollbackLatest(ctx context.Context, moduleID uint32) error {
	infos, err := rt.checkpoints.List(moduleID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return hmrerrors.Wrap(hmrerrors.ErrCheckpointMissing, "no checkpoints available for rollback", nil)
	}
	latest := infos[len(infos)-1]
	return rt.checkpoints.Restore(moduleID, latest.Name)
}

// Isolate implements recovery.Isolator by marking a module so the tick
// loop skips it, without attempting a registry lifecycle transition: the
// registry has no Active->Failed edge, and isolation is a supervisory
// state layered on top of, not inside, the lifecycle state machine.
func (rt *Runtime) Isolate(ctx context.Context, moduleID uint32) error {
	rt.isolatedMu.Lock()
	rt.isolated[moduleID] = true
	rt.isolatedMu.Unlock()
	rt.logger.Warn("module isolated", "module", moduleID)
	return nil
}

// Restart implements recovery.Restarter by clearing isolation and
// re-invoking the module's Init hook.
func (rt *Runtime) Restart(ctx context.Context, moduleID uint32) error {
	rt.mu.Lock()
	entry, ok := rt.modules[moduleID]
	rt.mu.Unlock()
	if !ok {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "cannot restart unknown module", nil)
	}

	rt.isolatedMu.Lock()
	delete(rt.isolated, moduleID)
	rt.isolatedMu.Unlock()

	if entry.abi.Init != nil {
		if err := entry.abi.Init(); err != nil {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "module restart failed", err)
		}
	}
	rt.logger.Info("module restarted", "module", moduleID)
	return nil
}

// ActivateFallback implements recovery.FallbackActivator by forcing a
// subsystem's quality tier straight to its minimum, distinct from the
// single-notch drop a plain ScaleDown performs.
func (rt *Runtime) ActivateFallback(ctx context.Context, subsystem string) error {
	for rt.qualityOpt.Tier(subsystem) != quality.TierMinimal {
		if err := rt.qualityOpt.ScaleDown(ctx, subsystem); err != nil {
			return err
		}
	}
	return nil
}

func newCollaborators(rt *Runtime) recovery.Collaborators {
	return recovery.Collaborators{
		Fallback:  rt,
		Rollback:  rollbackCollaborator{rt: rt},
		Isolate:   rt,
		Restart:   rt,
		ScaleDown: rt.qualityOpt,
	}
}
