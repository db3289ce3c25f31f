package state

import (
	"sort"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// DiffRecord captures one contiguous byte range that changed within a
// chunk during an incremental-update window: chunk id, byte offset, and
// both the old and new content for that range, per spec.md §3's diff
// record format. Carrying OldBytes alongside NewBytes is what makes the
// diff reversible: ApplyDiff restores OldBytes at each offset.
type DiffRecord struct {
	ChunkID  int
	Offset   int
	OldBytes []byte
	NewBytes []byte
}

// GenerateDiff compares every chunk touched since BeginIncrementalUpdate
// against its lazily captured backup and emits one DiffRecord per
// contiguous differing run (via the 16-byte-stride scan), then clears the
// backups. It does not commit checksums; call CommitIncrementalUpdate
// separately once diffs have been consumed (e.g. shipped to a replica).
//
// The emitted slice is capped at the manager's configured MaxDiffs. On
// overflow, GenerateDiff still returns every diff produced up to the cap,
// plus truncated=true and err wrapping hmrerrors.ErrDiffBufferFull, per
// spec.md §4.4.
func (m *Manager) GenerateDiff(moduleID uint32) (diffs []DiffRecord, truncated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return nil, false, err
	}

	touchedIDs := make([]int, 0, len(ms.touchedChunk))
	for id := range ms.touchedChunk {
		touchedIDs = append(touchedIDs, id)
	}
	sort.Ints(touchedIDs)

	for _, id := range touchedIDs {
		chunk := ms.chunks[id]
		if chunk.backup == nil {
			continue
		}
		before := chunk.backup
		after := chunk.Data[:chunk.DataSize]
		limit := len(before)
		if len(after) < limit {
			limit = len(after)
		}
		for _, run := range simdDiffRuns(before[:limit], after[:limit]) {
			if len(diffs) >= m.maxDiffs {
				truncated = true
				break
			}
			start, end := run[0], run[1]
			diffs = append(diffs, DiffRecord{
				ChunkID:  id,
				Offset:   start,
				OldBytes: append([]byte(nil), before[start:end]...),
				NewBytes: append([]byte(nil), after[start:end]...),
			})
		}
		if len(after) > limit {
			// Agents added mid-window: the backup predates them, so there
			// is no old content to carry; the range did not exist before.
			if len(diffs) < m.maxDiffs {
				diffs = append(diffs, DiffRecord{
					ChunkID:  id,
					Offset:   limit,
					OldBytes: make([]byte, len(after)-limit),
					NewBytes: append([]byte(nil), after[limit:]...),
				})
			} else {
				truncated = true
			}
		}
		chunk.backup = nil
	}
	ms.touchedChunk = make(map[int]bool)
	ms.diffTruncated = truncated

	if m.onDiff != nil && len(diffs) > 0 {
		m.onDiff(moduleID, diffs)
	}
	if truncated {
		err = hmrerrors.Wrap(hmrerrors.ErrDiffBufferFull, "diff generation exceeded the configured record cap", nil)
	}
	return diffs, truncated, err
}

// ApplyDiff rolls a module back by restoring OldBytes at each diff
// record's offset, undoing the incremental update GenerateDiff observed —
// per spec.md §4.4 ("apply_diff(module, diffs) restores old_bytes at each
// offset") and its testable rollback property, apply_diff(state_at_t1, D)
// == state_at_t0. It recomputes the checksum of every chunk a record
// touched once all of diffs has been applied.
func (m *Manager) ApplyDiff(moduleID uint32, diffs []DiffRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}

	touched := make(map[int]bool)
	for _, d := range diffs {
		if d.ChunkID < 0 || d.ChunkID >= len(ms.chunks) {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "diff record references unknown chunk", nil)
		}
		chunk := ms.chunks[d.ChunkID]
		if d.Offset < 0 || d.Offset+len(d.OldBytes) > len(chunk.Data) {
			return hmrerrors.Wrap(hmrerrors.ErrInternal, "diff record out of chunk bounds", nil)
		}
		copy(chunk.Data[d.Offset:d.Offset+len(d.OldBytes)], d.OldBytes)
		touched[d.ChunkID] = true
	}
	for id := range touched {
		chunk := ms.chunks[id]
		chunk.Checksum = checksum(chunk.Data[:chunk.DataSize])
	}
	return nil
}

// ValidationReport is the outcome of checking one module's stored
// checksums against its live payload, per spec.md §4.4's validation pass.
type ValidationReport struct {
	ModuleID uint32
	Valid    bool
	ChunkID  int // -1 when Valid or when there were no chunks
	Expected uint64
	Actual   uint64
}

// ValidateModule recomputes every chunk's checksum and reports the first
// mismatch found, if any.
func (m *Manager) ValidateModule(moduleID uint32) (ValidationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return ValidationReport{}, err
	}

	report := ValidationReport{ModuleID: moduleID, Valid: true, ChunkID: -1}
	for _, chunk := range ms.chunks {
		if chunk.Compressed {
			continue // checked on decompression instead; see compress.go
		}
		actual := checksum(chunk.Data[:chunk.DataSize])
		if actual != chunk.Checksum {
			report.Valid = false
			report.ChunkID = chunk.ID
			report.Expected = chunk.Checksum
			report.Actual = actual
			break
		}
	}
	if m.onValidate != nil {
		m.onValidate(moduleID, report)
	}
	return report, nil
}

// ValidateAll runs ValidateModule over every registered module, for the
// recovery engine's periodic integrity sweep.
func (m *Manager) ValidateAll() []ValidationReport {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.modules))
	for id := range m.modules {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	reports := make([]ValidationReport, 0, len(ids))
	for _, id := range ids {
		r, err := m.ValidateModule(id)
		if err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports
}
