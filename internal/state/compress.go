package state

import (
	"bytes"
	"io"
	"time"

	"github.com/klauspost/compress/lz4"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// minCompressionGain is the retention rule from spec.md §4.4: a chunk
// stays compressed only if doing so saves at least 10% of its live size.
const minCompressionGain = 0.10

// CompressIdleChunks walks every chunk of moduleID that has gone untouched
// (no dirty writes) for at least idleFor and is not already compressed,
// attempting LZ4 compression. A chunk is kept compressed only when the
// compressed form is at least minCompressionGain smaller than the live
// payload; otherwise the attempt is discarded and the chunk stays live.
// It returns how many chunks were newly compressed.
func (m *Manager) CompressIdleChunks(moduleID uint32, idleFor time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	compressed := 0
	for _, chunk := range ms.chunks {
		if chunk.Compressed || chunk.Dirty || chunk.DataSize == 0 {
			continue
		}
		if now.Sub(time.Unix(0, chunk.Timestamp)) < idleFor {
			continue
		}

		live := chunk.Data[:chunk.DataSize]
		packed, err := lz4Compress(live)
		if err != nil {
			return compressed, err
		}
		if float64(len(packed)) > float64(len(live))*(1-minCompressionGain) {
			continue // not enough gain; leave the chunk uncompressed
		}

		chunk.Data = packed
		chunk.CompressedSize = len(packed)
		chunk.Compressed = true
		compressed++
	}
	return compressed, nil
}

// DecompressChunk reverses CompressIdleChunks for one chunk, restoring a
// capacity-sized live buffer and verifying the decompressed payload still
// matches the chunk's stored checksum before accepting it.
func (m *Manager) DecompressChunk(moduleID uint32, chunkID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.get(moduleID)
	if err != nil {
		return err
	}
	if chunkID < 0 || chunkID >= len(ms.chunks) {
		return hmrerrors.Wrap(hmrerrors.ErrInternal, "unknown chunk id", nil)
	}
	chunk := ms.chunks[chunkID]
	if !chunk.Compressed {
		return nil
	}

	payload, err := lz4Decompress(chunk.Data, chunk.DataSize)
	if err != nil {
		return hmrerrors.Wrap(hmrerrors.ErrCacheCorrupt, "lz4 decompression failed", err)
	}
	if checksum(payload) != chunk.Checksum {
		return hmrerrors.Wrap(hmrerrors.ErrCheckpointCorrupt, "decompressed chunk payload does not match stored checksum", nil)
	}

	full := make([]byte, chunk.Capacity*chunk.AgentSize)
	copy(full, payload)
	chunk.Data = full
	chunk.Compressed = false
	chunk.CompressedSize = 0
	return nil
}

func lz4Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(src []byte, expectedSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out := make([]byte, expectedSize)
	if _, err := io.ReadFull(r, out); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return out, nil
}
