// Package state implements C5: the state manager, the hardest component
// in the runtime. It owns every registered module's agent state: chunked
// allocation, checksum, the incremental-update window, diff generation,
// LZ4-style compression, and checkpoint-backed restore. Every mutation
// runs under the manager's single lock (spec.md §5's "scoped acquisition
// with guaranteed release"); validation readers may use a lock-free-ish
// snapshot taken under a brief RLock.
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// moduleState is the manager's private bookkeeping for one module.
type moduleState struct {
	agentSize      int
	agentCount     int
	maxAgents      int
	agentsPerChunk int
	chunks         []*Chunk

	inWindow     bool
	touchedChunk map[int]bool

	diffs         []DiffRecord
	diffTruncated bool
}

// DiffCallback is invoked after GenerateDiff with the emitted records, per
// spec.md §4.4's "invoking the user-supplied callback on diff generation".
type DiffCallback func(moduleID uint32, diffs []DiffRecord)

// ValidateCallback is invoked after ValidateModule completes.
type ValidateCallback func(moduleID uint32, report ValidationReport)

// Config configures a Manager's resource limits and callbacks.
type Config struct {
	MaxTotalBytes int64 // 0 disables the check
	MaxDiffs      int   // 0 uses a sane default
	OnDiff        DiffCallback
	OnValidate    ValidateCallback
	Logger        *slog.Logger
}

// Manager owns per-module agent state. Safe for concurrent use.
type Manager struct {
	mu            sync.RWMutex
	modules       map[uint32]*moduleState
	totalBytes    int64
	maxTotalBytes int64
	maxDiffs      int
	onDiff        DiffCallback
	onValidate    ValidateCallback
	logger        *slog.Logger
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxDiffs <= 0 {
		cfg.MaxDiffs = 10000
	}
	return &Manager{
		modules:       make(map[uint32]*moduleState),
		maxTotalBytes: cfg.MaxTotalBytes,
		maxDiffs:      cfg.MaxDiffs,
		onDiff:        cfg.OnDiff,
		onValidate:    cfg.OnValidate,
		logger:        cfg.Logger,
	}
}

// Register allocates max_agents*agent_size bytes, chunked into
// floor(64 KiB / agent_size) agents per chunk, per spec.md §4.4.
// agent_size is used as given, not rounded up, and each chunk's buffer is
// a separate allocation with no explicit 64-B alignment.
func (m *Manager) Register(moduleID uint32, agentSize, initialCount, maxAgents int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.modules[moduleID]; exists {
		return hmrerrors.Wrap(hmrerrors.ErrAlreadyRegistered, "module state already registered", nil)
	}
	if agentSize <= 0 || initialCount > maxAgents || maxAgents <= 0 {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "invalid register parameters", nil)
	}

	totalBytes := int64(maxAgents) * int64(agentSize)
	if m.maxTotalBytes > 0 && m.totalBytes+totalBytes > m.maxTotalBytes {
		return hmrerrors.Wrap(hmrerrors.ErrOutOfMemory, "state allocation would exceed the configured memory budget", nil)
	}

	agentsPerChunk := chunkBytes / agentSize
	if agentsPerChunk < 1 {
		agentsPerChunk = 1
	}

	numChunks := (maxAgents + agentsPerChunk - 1) / agentsPerChunk
	chunks := make([]*Chunk, 0, numChunks)
	remaining := initialCount
	for i := 0; i < numChunks; i++ {
		start := i * agentsPerChunk
		capacity := agentsPerChunk
		if start+capacity > maxAgents {
			capacity = maxAgents - start
		}
		live := capacity
		if remaining < live {
			live = remaining
		}
		if live < 0 {
			live = 0
		}
		remaining -= live
		chunks = append(chunks, newChunk(i, start, capacity, live, agentSize))
	}

	m.modules[moduleID] = &moduleState{
		agentSize:      agentSize,
		agentCount:     initialCount,
		maxAgents:      maxAgents,
		agentsPerChunk: agentsPerChunk,
		chunks:         chunks,
		touchedChunk:   make(map[int]bool),
	}
	m.totalBytes += totalBytes
	return nil
}

// Unregister releases a module's state.
func (m *Manager) Unregister(moduleID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.modules[moduleID]; ok {
		m.totalBytes -= int64(ms.maxAgents) * int64(ms.agentSize)
		delete(m.modules, moduleID)
	}
}

func (m *Manager) get(moduleID uint32) (*moduleState, error) {
	ms, ok := m.modules[moduleID]
	if !ok {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "unknown module state", nil)
	}
	return ms, nil
}

func (ms *moduleState) chunkFor(agentID int) (*Chunk, int, error) {
	if agentID < 0 || agentID >= ms.agentCount {
		return nil, 0, hmrerrors.Wrap(hmrerrors.ErrInternal, "agent id out of range", nil)
	}
	idx := agentID / ms.agentsPerChunk
	if idx >= len(ms.chunks) {
		return nil, 0, hmrerrors.Wrap(hmrerrors.ErrInternal, "agent id maps outside chunk table", nil)
	}
	chunk := ms.chunks[idx]
	offset := (agentID - chunk.AgentStart) * ms.agentSize
	return chunk, offset, nil
}

// BeginIncrementalUpdate opens an update window. Each touched chunk's
// pre-window payload is lazily copied into its backup buffer on first
// touch (UpdateAgent), not eagerly for every chunk.
func (m *Manager) BeginIncrementalUpdate(moduleID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}
	ms.inWindow = true
	ms.touchedChunk = make(map[int]bool)
	return nil
}

// UpdateAgent overwrites one agent's bytes. If newBytes is byte-identical
// to the agent's current content (checked via a 16-byte-stride scan), the
// call returns without mutating anything beyond the access counter —
// spec.md §4.4's no-op short-circuit.
func (m *Manager) UpdateAgent(moduleID uint32, agentID int, newBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}
	chunk, offset, err := ms.chunkFor(agentID)
	if err != nil {
		return err
	}
	if len(newBytes) != ms.agentSize {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "new_bytes length does not match agent_size", nil)
	}

	current := chunk.Data[offset : offset+ms.agentSize]
	chunk.bumpAccess()
	if simdEqual(current, newBytes) {
		return nil
	}

	if ms.inWindow && !ms.touchedChunk[chunk.ID] {
		chunk.backup = append([]byte(nil), chunk.Data[:chunk.DataSize]...)
		ms.touchedChunk[chunk.ID] = true
	}

	copy(current, newBytes)
	chunk.Dirty = true
	chunk.Timestamp = time.Now().UnixNano()
	return nil
}

// CommitIncrementalUpdate recomputes every dirty chunk's CRC64 and clears
// its dirty bit, establishing the post-commit invariant
// stored_checksum(C) == CRC64(payload(C)).
func (m *Manager) CommitIncrementalUpdate(moduleID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}
	for _, chunk := range ms.chunks {
		if chunk.Dirty {
			chunk.Checksum = checksum(chunk.Data[:chunk.DataSize])
			chunk.Dirty = false
		}
	}
	ms.inWindow = false
	return nil
}

// AddAgents grows a module's live agent count by n, zero-initializing the
// new slots (they are already zero from allocation) and recomputing the
// checksum of every chunk whose live region changed.
func (m *Manager) AddAgents(moduleID uint32, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}
	if n < 0 || ms.agentCount+n > ms.maxAgents {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "add_agents would exceed max_agents", nil)
	}
	newTotal := ms.agentCount + n
	for _, chunk := range ms.chunks {
		live := newTotal - chunk.AgentStart
		if live < 0 {
			live = 0
		}
		if live > chunk.Capacity {
			live = chunk.Capacity
		}
		if live != chunk.AgentCount {
			chunk.AgentCount = live
			chunk.DataSize = live * ms.agentSize
			chunk.Checksum = checksum(chunk.Data[:chunk.DataSize])
			chunk.Timestamp = time.Now().UnixNano()
		}
	}
	ms.agentCount = newTotal
	return nil
}

// AgentCount returns a module's current live agent count.
func (m *Manager) AgentCount(moduleID uint32) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, err := m.get(moduleID)
	if err != nil {
		return 0, err
	}
	return ms.agentCount, nil
}

// ChunkCount returns how many chunks back a module, for tests and /status.
func (m *Manager) ChunkCount(moduleID uint32) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, err := m.get(moduleID)
	if err != nil {
		return 0, err
	}
	return len(ms.chunks), nil
}

// DiffTruncated reports whether the module's most recent GenerateDiff call
// hit the MaxDiffs cap, for callers (e.g. /status) that want the sticky
// flag without re-triggering diff generation.
func (m *Manager) DiffTruncated(moduleID uint32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, err := m.get(moduleID)
	if err != nil {
		return false, err
	}
	return ms.diffTruncated, nil
}
