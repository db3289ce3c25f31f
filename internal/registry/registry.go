// Package registry implements C4: the module registry. It tracks every
// loaded module's identity, capability set, lifecycle state, and current
// version, and enforces the base spec's invariant that a module is never
// in two lifecycle states simultaneously and never has more than one
// Active version at a time.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// Capability is a bitfield describing what a module supports, per spec.md §3.
type Capability uint32

const (
	CapHotSwappable Capability = 1 << iota
	CapStateful
	CapArchSpecific
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// LifecycleState enumerates the module lifecycle, per spec.md §3:
// Unloaded → Loading → Active → Quiescing → Swapping → Active' | Failed → Unloaded.
type LifecycleState int

const (
	Unloaded LifecycleState = iota
	Loading
	Active
	Quiescing
	Swapping
	Failed
)

func (s LifecycleState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Quiescing:
		return "quiescing"
	case Swapping:
		return "swapping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions encodes the lifecycle's allowed edges.
var validTransitions = map[LifecycleState][]LifecycleState{
	Unloaded:  {Loading},
	Loading:   {Active, Failed},
	Active:    {Quiescing},
	Quiescing: {Swapping, Active}, // Active: quiesce aborted before a swap began
	Swapping:  {Active, Failed},
	Failed:    {Unloaded},
}

// Module is a unit of replaceable code, per spec.md §3.
type Module struct {
	ID           uint32
	Name         string
	Capabilities Capability
	Version      uint64
	AgentSize    int
	AgentCount   int
	MaxAgents    int

	mu    sync.RWMutex
	state LifecycleState
}

// State returns the module's current lifecycle state under its lock.
func (m *Module) State() LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves the module to next, rejecting any edge not present in
// validTransitions so the module is never observed in two states at once
// and never skips a required step.
func (m *Module) Transition(next LifecycleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range validTransitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return hmrerrors.Wrap(hmrerrors.ErrInternal,
		fmt.Sprintf("invalid lifecycle transition %s -> %s for module %d", m.state, next, m.ID), nil)
}

// Registry owns every registered module's identity and lifecycle state.
type Registry struct {
	mu      sync.RWMutex
	modules map[uint32]*Module
	byName  map[string]uint32
	nextID  atomic.Uint32
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		modules: make(map[uint32]*Module),
		byName:  make(map[string]uint32),
	}
}

// Register allocates a new module identity in the Unloaded state and
// transitions it to Loading. The caller (package swap / runtime) is
// responsible for allocating the backing state slice via package state
// and transitioning to Active once the initial load succeeds.
func (r *Registry) Register(name string, caps Capability, agentSize, initialCount, maxAgents int) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, hmrerrors.Wrap(hmrerrors.ErrAlreadyRegistered, "module "+name, nil)
	}
	if initialCount > maxAgents {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "initial_count exceeds max_agents", nil)
	}

	id := r.nextID.Add(1)
	m := &Module{
		ID:           id,
		Name:         name,
		Capabilities: caps,
		Version:      1,
		AgentSize:    agentSize,
		AgentCount:   initialCount,
		MaxAgents:    maxAgents,
		state:        Unloaded,
	}
	if err := m.Transition(Loading); err != nil {
		return nil, err
	}

	r.modules[id] = m
	r.byName[name] = id
	return m, nil
}

// Activate transitions a freshly loaded module into Active.
func (r *Registry) Activate(id uint32) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	return m.Transition(Active)
}

// BumpVersion atomically transitions a module to Active and increments its
// version counter, the swap coordinator's Activate step: "atomically swap
// the registry pointer; increment version."
func (r *Registry) BumpVersion(id uint32) (uint64, error) {
	m, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range validTransitions[m.state] {
		if allowed == Active {
			m.state = Active
			m.Version++
			return m.Version, nil
		}
	}
	return 0, hmrerrors.Wrap(hmrerrors.ErrInternal,
		fmt.Sprintf("invalid lifecycle transition %s -> active for module %d", m.state, m.ID), nil)
}

// Unregister removes a module from the registry. It does not touch state
// slices; callers tear those down via package state first.
func (r *Registry) Unregister(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	if !ok {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "unknown module", nil)
	}
	delete(r.modules, id)
	delete(r.byName, m.Name)
	return nil
}

// Get looks up a module by id.
func (r *Registry) Get(id uint32) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "unknown module id", nil)
	}
	return m, nil
}

// GetByName looks up a module by name.
func (r *Registry) GetByName(name string) (*Module, error) {
	r.mu.RLock()
	id, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "unknown module name "+name, nil)
	}
	return r.Get(id)
}

// All returns a stable snapshot of every registered module, for /status
// and for the recovery engine's sweep over active modules.
func (r *Registry) All() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}
