package state

import (
	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// ChunkSnapshot is an immutable, fully decompressed copy of one chunk's
// live payload, suitable for handing to package checkpoint for durable
// storage.
type ChunkSnapshot struct {
	ID         int
	AgentStart int
	Capacity   int
	AgentCount int
	AgentSize  int
	Data       []byte
	DataSize   int
	Checksum   uint64
}

// ModuleSnapshot is a named point-in-time deep copy of a module's entire
// chunk table, per spec.md §6's "checkpoints are immutable deep copies".
type ModuleSnapshot struct {
	ModuleID   uint32
	AgentSize  int
	AgentCount int
	MaxAgents  int
	Chunks     []ChunkSnapshot
}

// Snapshot takes an immutable deep copy of a module's current state. Any
// chunk that is currently compressed is transparently decompressed into
// the snapshot (the snapshot itself is never compressed), after verifying
// its checksum.
func (m *Manager) Snapshot(moduleID uint32) (ModuleSnapshot, error) {
	m.mu.Lock()
	ms, err := m.get(moduleID)
	if err != nil {
		m.mu.Unlock()
		return ModuleSnapshot{}, err
	}
	compressedIDs := make([]int, 0)
	for _, c := range ms.chunks {
		if c.Compressed {
			compressedIDs = append(compressedIDs, c.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range compressedIDs {
		if err := m.DecompressChunk(moduleID, id); err != nil {
			return ModuleSnapshot{}, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, err = m.get(moduleID)
	if err != nil {
		return ModuleSnapshot{}, err
	}

	snap := ModuleSnapshot{
		ModuleID:   moduleID,
		AgentSize:  ms.agentSize,
		AgentCount: ms.agentCount,
		MaxAgents:  ms.maxAgents,
		Chunks:     make([]ChunkSnapshot, 0, len(ms.chunks)),
	}
	for _, c := range ms.chunks {
		actual := checksum(c.Data[:c.DataSize])
		if actual != c.Checksum {
			return ModuleSnapshot{}, hmrerrors.Wrap(hmrerrors.ErrCheckpointCorrupt,
				"refusing to snapshot chunk with a checksum mismatch", nil)
		}
		snap.Chunks = append(snap.Chunks, ChunkSnapshot{
			ID:         c.ID,
			AgentStart: c.AgentStart,
			Capacity:   c.Capacity,
			AgentCount: c.AgentCount,
			AgentSize:  c.AgentSize,
			Data:       append([]byte(nil), c.Data[:c.DataSize]...),
			DataSize:   c.DataSize,
			Checksum:   c.Checksum,
		})
	}
	return snap, nil
}

// Restore atomically replaces a module's entire chunk table with one
// built from snap. It validates every chunk's checksum before touching
// any live state (phase one), then swaps the whole table in one critical
// section (phase two) — so a corrupt snapshot is rejected without ever
// partially overwriting the module's live state.
func (m *Manager) Restore(moduleID uint32, snap ModuleSnapshot) error {
	newChunks := make([]*Chunk, len(snap.Chunks))
	for i, cs := range snap.Chunks {
		if checksum(cs.Data[:cs.DataSize]) != cs.Checksum {
			return hmrerrors.Wrap(hmrerrors.ErrCheckpointCorrupt,
				"snapshot chunk failed checksum validation; restore aborted before any state changed", nil)
		}
		full := make([]byte, cs.Capacity*cs.AgentSize)
		copy(full, cs.Data[:cs.DataSize])
		newChunks[i] = &Chunk{
			ID:         cs.ID,
			AgentStart: cs.AgentStart,
			Capacity:   cs.Capacity,
			AgentCount: cs.AgentCount,
			AgentSize:  cs.AgentSize,
			Data:       full,
			DataSize:   cs.DataSize,
			Checksum:   cs.Checksum,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}
	ms.chunks = newChunks
	ms.agentCount = snap.AgentCount
	ms.inWindow = false
	ms.touchedChunk = make(map[int]bool)
	return nil
}
