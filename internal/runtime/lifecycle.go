package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/forgecore/hmrcore/internal/buildcache"
	"github.com/forgecore/hmrcore/internal/drivers"
	"github.com/forgecore/hmrcore/internal/hmrerrors"
	"github.com/forgecore/hmrcore/internal/recovery"
	"github.com/forgecore/hmrcore/internal/registry"
	"github.com/forgecore/hmrcore/internal/scheduler"
)

// moduleEntry is the runtime's bookkeeping for one loaded module, beyond
// what package registry already tracks: the resolved ABI and loader handle
// the tick loop and Restart need.
type moduleEntry struct {
	handle drivers.ImageHandle
	abi    drivers.ImageABI
}

// artifactPath returns the convention this runtime uses to locate a named
// module's compiled image on disk.
func (rt *Runtime) artifactPath(name string) string {
	return filepath.Join(rt.persistence.Root(), "modules", name)
}

// LoadModule implements cli.Runtime's LOAD command: registers a fresh
// module identity, resolves its image, runs its init hook, and activates
// it.
func (rt *Runtime) LoadModule(ctx context.Context, name string) error {
	path := rt.artifactPath(name)

	handle, err := rt.imageLoader.Load(path)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to load module artifact for "+name, err)
	}
	abi, err := rt.imageLoader.ResolveSymbol(handle, "module")
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to resolve module ABI for "+name, err)
	}

	caps := registry.CapHotSwappable | registry.CapStateful
	mod, err := rt.reg.Register(name, caps, agentSizeOrDefault(abi.AgentSizeBytes, rt.cfg.DefaultAgentSize), 0, rt.cfg.DefaultMaxAgents)
	if err != nil {
		return err
	}
	if err := rt.states.Register(mod.ID, mod.AgentSize, mod.AgentCount, mod.MaxAgents); err != nil {
		return err
	}

	if abi.Init != nil {
		if err := abi.Init(); err != nil {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "module init failed for "+name, err)
		}
	}
	if err := rt.reg.Activate(mod.ID); err != nil {
		return err
	}

	rt.mu.Lock()
	rt.modules[mod.ID] = &moduleEntry{handle: handle, abi: abi}
	rt.recoveries[mod.ID] = recovery.New(recovery.Config{
		Collaborators: newCollaborators(rt),
		ModuleID:      mod.ID,
		Registerer:    rt.registerer,
		Logger:        rt.logger,
	})
	rt.mu.Unlock()

	rt.logger.Info("module loaded", "module", name, "id", mod.ID)
	return nil
}

func agentSizeOrDefault(resolved, fallback int) int {
	if resolved > 0 {
		return resolved
	}
	return fallback
}

// UnloadModule implements cli.Runtime's UNLOAD command.
func (rt *Runtime) UnloadModule(ctx context.Context, name string) error {
	mod, err := rt.reg.GetByName(name)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	entry, ok := rt.modules[mod.ID]
	delete(rt.modules, mod.ID)
	delete(rt.recoveries, mod.ID)
	rt.mu.Unlock()

	rt.isolatedMu.Lock()
	delete(rt.isolated, mod.ID)
	rt.isolatedMu.Unlock()

	rt.states.Unregister(mod.ID)
	if err := rt.reg.Unregister(mod.ID); err != nil {
		return err
	}
	if ok {
		if err := rt.imageLoader.Unload(entry.handle); err != nil {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to unload module image for "+name, err)
		}
	}
	rt.logger.Info("module unloaded", "module", name, "id", mod.ID)
	return nil
}

// SwapModule implements cli.Runtime's SWAP command, driving the module
// through the swap coordinator's full prepare/quiesce/snapshot/activate
// pipeline and then re-resolving its ABI for the tick loop.
func (rt *Runtime) SwapModule(ctx context.Context, name, artifactPath string) error {
	mod, err := rt.reg.GetByName(name)
	if err != nil {
		return err
	}

	result := rt.swapCoord.Swap(ctx, mod.ID, artifactPath)
	if result.Err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, fmt.Sprintf("swap failed at phase %s", result.FailedAt), result.Err)
	}

	handle, err := rt.imageLoader.Load(artifactPath)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to reload swapped module image for "+name, err)
	}
	abi, err := rt.imageLoader.ResolveSymbol(handle, "module")
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to resolve swapped module ABI for "+name, err)
	}

	rt.mu.Lock()
	old, hadOld := rt.modules[mod.ID]
	rt.modules[mod.ID] = &moduleEntry{handle: handle, abi: abi}
	rt.mu.Unlock()

	if hadOld {
		if err := rt.imageLoader.Unload(old.handle); err != nil {
			rt.logger.Warn("failed to unload pre-swap module image", "module", name, "error", err)
		}
	}

	rt.logger.Info("module swapped", "module", name, "id", mod.ID, "version", result.NewVersion)
	return nil
}

// Checkpoint implements cli.Runtime's CHECKPOINT command.
func (rt *Runtime) Checkpoint(ctx context.Context, module, name string) error {
	mod, err := rt.reg.GetByName(module)
	if err != nil {
		return err
	}
	return rt.checkpoints.Create(mod.ID, name)
}

// Rollback implements cli.Runtime's ROLLBACK command: restore a specific
// named checkpoint, as opposed to recovery.Rollbacker's automatic
// most-recent rollback (see rollbackCollaborator).
func (rt *Runtime) Rollback(ctx context.Context, module, name string) error {
	mod, err := rt.reg.GetByName(module)
	if err != nil {
		return err
	}
	return rt.checkpoints.Restore(mod.ID, name)
}

// Build implements cli.Runtime's BUILD command. It treats path both as a
// hashgraph module id and as that module's sole source file, so a build
// request names one file and rebuilds everything that transitively
// depends on it.
func (rt *Runtime) Build(ctx context.Context, path string) error {
	if err := rt.graph.AddModule(path, []string{path}, nil); err != nil {
		return err
	}

	rebuildSet := rt.graph.ComputeRebuildSet(path)
	if len(rebuildSet) == 0 {
		rebuildSet = []string{path}
	}

	jobs := make([]scheduler.Job, 0, len(rebuildSet))
	for _, id := range rebuildSet {
		jobs = append(jobs, scheduler.Job{
			ModuleID:           id,
			EstimatedBuildTime: 100 * time.Millisecond,
		})
	}

	results := rt.sched.Run(ctx, jobs, rt.buildOne)
	for _, res := range results {
		if res.Status == scheduler.StatusFailed {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "build failed for "+res.ModuleID, res.Err)
		}
	}
	return nil
}

// buildOne compiles a single module's source file, consulting and then
// populating the build cache so unchanged sources skip recompilation
// entirely.
func (rt *Runtime) buildOne(ctx context.Context, job scheduler.Job) error {
	contentDigest, err := rt.graph.HashFile(job.ModuleID)
	if err != nil {
		return err
	}
	depHash, err := rt.graph.DependencyHash(job.ModuleID)
	if err != nil {
		return err
	}
	key := buildcache.Key{
		ContentHash:    contentDigest.String(),
		DependencyHash: fmt.Sprintf("%x", depHash),
	}

	if _, err := rt.cache.Lookup(key); err == nil {
		return nil
	}

	outputPath := filepath.Join(rt.persistence.Root(), "modules", filepath.Base(job.ModuleID)+".out")
	start := time.Now()
	result, err := rt.compiler.Compile(ctx, job.ModuleID, outputPath, nil)
	elapsed := time.Since(start)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "compile invocation failed for "+job.ModuleID, err)
	}
	if !result.Success {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "compile reported failure for "+job.ModuleID+": "+result.Message, nil)
	}

	// The cache's own corruption check rehashes OutputPath, so the stored
	// Artifact.ContentHash must reflect the compiled output, not the
	// source — only the lookup Key is keyed off the source+dependency
	// hash.
	outputDigest, err := rt.graph.HashFile(outputPath)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to hash compiled artifact for "+job.ModuleID, err)
	}

	rt.cache.Update(key, &buildcache.Artifact{
		SourcePath:     job.ModuleID,
		OutputPath:     outputPath,
		ContentHash:    outputDigest.String(),
		DependencyHash: key.DependencyHash,
		Timestamp:      start,
		BuildTimeNanos: elapsed.Nanoseconds(),
		Kind:           "module",
		LastHit:        start,
	})
	return nil
}
