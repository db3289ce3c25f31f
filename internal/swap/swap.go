// Package swap implements C6: the hot-swap coordinator. It drives one
// module through Idle → Prepare → Quiesce → SnapshotTake → ArtifactSwap →
// StateTransform → Validate → Activate → Commit, aborting to a restored
// checkpoint at any step that fails. Swap runs the phases in order and
// reports the one that failed in Result.FailedAt; the coordinator holds
// no lock of its own and records no metrics.
package swap

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
	"github.com/forgecore/hmrcore/internal/registry"
	"github.com/forgecore/hmrcore/internal/state"
)

// Phase names the coordinator's position in one swap's pipeline.
type Phase int

const (
	Idle Phase = iota
	Prepare
	Quiesce
	SnapshotTake
	ArtifactSwap
	StateTransform
	Validate
	Activate
	Commit
	Abort
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Prepare:
		return "prepare"
	case Quiesce:
		return "quiesce"
	case SnapshotTake:
		return "snapshot_take"
	case ArtifactSwap:
		return "artifact_swap"
	case StateTransform:
		return "state_transform"
	case Validate:
		return "validate"
	case Activate:
		return "activate"
	case Commit:
		return "commit"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// TransformFunc migrates a module's state snapshot from its old schema to
// a new one, called only when the incoming image advertises a higher
// schema version.
type TransformFunc func(old state.ModuleSnapshot) (state.ModuleSnapshot, error)

// Image is a loaded, not-yet-active module artifact.
type Image struct {
	SchemaVersion uint32
	Transform     TransformFunc  // nil when the schema version is unchanged
	SelfCheck     func() error   // optional post-validate hook
}

// Loader resolves a module's new code artifact, the swap coordinator's
// only dependency on the out-of-scope compiler/loader subsystem.
type Loader interface {
	LoadImage(ctx context.Context, moduleID uint32, artifactPath string) (Image, error)
}

// Checkpointer is the subset of package checkpoint the coordinator needs.
type Checkpointer interface {
	Create(moduleID uint32, name string) error
	Restore(moduleID uint32, name string) error
	Release(moduleID uint32, name string) error
}

// Config wires a Coordinator's collaborators.
type Config struct {
	Registry        *registry.Registry
	States          *state.Manager
	Checkpoints     Checkpointer
	Loader          Loader
	QuiesceTimeout  time.Duration
	CommitGrace     time.Duration
	BreakerWindow   time.Duration
	BreakerMaxTrips int
	Logger          *slog.Logger
}

// Result reports one swap attempt's outcome.
type Result struct {
	ModuleID   uint32
	NewVersion uint64
	FailedAt   Phase
	Err        error
}

// Coordinator drives swaps for a fleet of modules, one module at a time
// per module id (concurrent swaps of different modules are independent).
type Coordinator struct {
	reg         *registry.Registry
	states      *state.Manager
	checkpoints Checkpointer
	loader      Loader

	quiesceTimeout time.Duration
	commitGrace    time.Duration

	quiesce  *quiesceTracker
	breakers *breakerSet

	schemaVersions map[uint32]uint32

	logger *slog.Logger
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QuiesceTimeout <= 0 {
		cfg.QuiesceTimeout = 2 * time.Second
	}
	if cfg.CommitGrace <= 0 {
		cfg.CommitGrace = 500 * time.Millisecond
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 30 * time.Second
	}
	if cfg.BreakerMaxTrips <= 0 {
		cfg.BreakerMaxTrips = 3
	}
	return &Coordinator{
		reg:            cfg.Registry,
		states:         cfg.States,
		checkpoints:    cfg.Checkpoints,
		loader:         cfg.Loader,
		quiesceTimeout: cfg.QuiesceTimeout,
		commitGrace:    cfg.CommitGrace,
		quiesce:        newQuiesceTracker(),
		breakers:       newBreakerSet(cfg.BreakerWindow, cfg.BreakerMaxTrips),
		schemaVersions: make(map[uint32]uint32),
		logger:         cfg.Logger,
	}
}

// EnterCall and ExitCall bracket a simulation call into a module, so
// Quiesce can wait for the in-flight counter to reach zero. A caller
// whose EnterCall returned true calls ExitCall via defer.
func (c *Coordinator) EnterCall(moduleID uint32) (ok bool) {
	return c.quiesce.enter(moduleID, c.breakers.isOpen(moduleID))
}

func (c *Coordinator) ExitCall(moduleID uint32) {
	c.quiesce.exit(moduleID)
}

// Swap drives moduleID through the full pipeline. artifactPath is handed
// to the loader unmodified.
func (c *Coordinator) Swap(ctx context.Context, moduleID uint32, artifactPath string) Result {
	if c.breakers.isOpen(moduleID) {
		return Result{ModuleID: moduleID, FailedAt: Prepare, Err: hmrerrors.ErrCircuitOpen}
	}

	mod, err := c.reg.Get(moduleID)
	if err != nil {
		return Result{ModuleID: moduleID, FailedAt: Prepare, Err: err}
	}

	// Prepare.
	if mod.State() != registry.Active || !mod.Capabilities.Has(registry.CapHotSwappable) {
		return Result{ModuleID: moduleID, FailedAt: Prepare, Err: hmrerrors.ErrNotSwappable}
	}
	if err := mod.Transition(registry.Quiescing); err != nil {
		return Result{ModuleID: moduleID, FailedAt: Prepare, Err: err}
	}

	// Quiesce.
	quiesceCtx, cancel := context.WithTimeout(ctx, c.quiesceTimeout)
	waited := c.quiesce.waitForZero(quiesceCtx, moduleID)
	cancel()
	if !waited {
		_ = mod.Transition(registry.Active) // abort before swap began
		return Result{ModuleID: moduleID, FailedAt: Quiesce, Err: hmrerrors.ErrQuiesceTimeout}
	}

	epoch := uuid.NewString()
	checkpointName := "pre-swap-" + epoch

	// SnapshotTake.
	if err := c.checkpoints.Create(moduleID, checkpointName); err != nil {
		_ = mod.Transition(registry.Active)
		c.breakers.recordFailure(moduleID)
		return Result{ModuleID: moduleID, FailedAt: SnapshotTake, Err: err}
	}

	if err := mod.Transition(registry.Swapping); err != nil {
		return c.abort(mod, moduleID, checkpointName, SnapshotTake, err)
	}

	// ArtifactSwap.
	img, err := c.loader.LoadImage(ctx, moduleID, artifactPath)
	if err != nil {
		return c.abort(mod, moduleID, checkpointName, ArtifactSwap, err)
	}

	// StateTransform (only when the new image raises the schema version).
	if img.SchemaVersion > c.schemaVersions[moduleID] && img.Transform != nil {
		snap, err := c.states.Snapshot(moduleID)
		if err != nil {
			return c.abort(mod, moduleID, checkpointName, StateTransform, err)
		}
		transformed, err := img.Transform(snap)
		if err != nil {
			return c.abort(mod, moduleID, checkpointName, StateTransform, err)
		}
		if err := c.states.Restore(moduleID, transformed); err != nil {
			return c.abort(mod, moduleID, checkpointName, StateTransform, err)
		}
	}

	// Validate.
	report, err := c.states.ValidateModule(moduleID)
	if err != nil {
		return c.abort(mod, moduleID, checkpointName, Validate, err)
	}
	if !report.Valid {
		return c.abort(mod, moduleID, checkpointName, Validate, hmrerrors.ErrValidationFailed)
	}
	if img.SelfCheck != nil {
		if err := img.SelfCheck(); err != nil {
			return c.abort(mod, moduleID, checkpointName, Validate, err)
		}
	}

	// Activate.
	newVersion, err := c.reg.BumpVersion(moduleID)
	if err != nil {
		return c.abort(mod, moduleID, checkpointName, Activate, err)
	}
	c.schemaVersions[moduleID] = img.SchemaVersion
	c.breakers.recordSuccess(moduleID)

	// Commit, after a grace period for late readers of the stale version.
	go func() {
		time.Sleep(c.commitGrace)
		if err := c.checkpoints.Release(moduleID, checkpointName); err != nil {
			c.logger.Warn("checkpoint release failed after swap commit", "module", moduleID, "checkpoint", checkpointName, "error", err)
		}
	}()

	return Result{ModuleID: moduleID, NewVersion: newVersion}
}

func (c *Coordinator) abort(mod *registry.Module, moduleID uint32, checkpointName string, failedAt Phase, cause error) Result {
	if err := c.checkpoints.Restore(moduleID, checkpointName); err != nil {
		c.logger.Error("checkpoint restore failed during swap abort; module state may be inconsistent", "module", moduleID, "error", err)
	}
	_ = mod.Transition(registry.Active)
	c.breakers.recordFailure(moduleID)
	c.logger.Warn("swap aborted", "module", moduleID, "phase", failedAt, "error", cause)
	return Result{ModuleID: moduleID, FailedAt: failedAt, Err: cause}
}
