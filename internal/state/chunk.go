package state

import (
	"hash/crc64"
	"sync/atomic"
)

// chunkBytes is the nominal chunk size from spec.md §3 (64 KiB), before
// rounding down to a whole number of agents.
const chunkBytes = 64 * 1024

// crcTable is the CRC64 polynomial used throughout: spec.md names CRC64
// explicitly as the checksum algorithm, so hash/crc64 (stdlib) is the
// correct tool, not a library gap.
var crcTable = crc64.MakeTable(crc64.ISO)

// Chunk is a contiguous slice of one module's state holding up to
// floor(64 KiB / agent_size) agents (at least one); its buffer has no
// explicit alignment. It is the unit of checksum, diff, and compression,
// per spec.md §3.
type Chunk struct {
	ID         int
	AgentStart int // index of the first agent slot this chunk covers
	Capacity   int // maximum agents this chunk's allocation can hold
	AgentCount int // agents currently live in this chunk (<= Capacity)
	AgentSize  int

	Data           []byte // live payload when !Compressed; compressed bytes when Compressed
	DataSize       int    // AgentCount * AgentSize: length of the live, checksummed region
	Checksum       uint64
	Timestamp      int64 // monotonic nanoseconds of last mutation
	Dirty          bool
	Compressed     bool
	CompressedSize int

	backup []byte // lazily captured pre-incremental-window snapshot of Data[:DataSize]

	accessCount atomic.Uint64
}

// AccessCount returns the chunk's atomic access counter.
func (c *Chunk) AccessCount() uint64 { return c.accessCount.Load() }

func (c *Chunk) bumpAccess() { c.accessCount.Add(1) }

// checksum computes CRC64 over the chunk's live payload.
func checksum(payload []byte) uint64 {
	return crc64.Checksum(payload, crcTable)
}

// newChunk allocates a zero-initialized chunk covering [agentStart,
// agentStart+capacity) of a module's agent space, with liveCount of those
// slots considered currently live.
func newChunk(id, agentStart, capacity, liveCount, agentSize int) *Chunk {
	c := &Chunk{
		ID:         id,
		AgentStart: agentStart,
		Capacity:   capacity,
		AgentCount: liveCount,
		AgentSize:  agentSize,
		Data:       make([]byte, capacity*agentSize),
		DataSize:   liveCount * agentSize,
	}
	c.Checksum = checksum(c.Data[:c.DataSize])
	return c
}

// simdEqual compares two equal-length byte slices 16 bytes at a time,
// the SIMD-width the base spec calls for; a plain stride loop meets the
// O(agent_size) contract (spec.md §9) without requiring actual SIMD
// intrinsics.
func simdEqual(a, b []byte) bool {
	n := len(a)
	i := 0
	for ; i+16 <= n; i += 16 {
		var av, bv [16]byte
		copy(av[:], a[i:i+16])
		copy(bv[:], b[i:i+16])
		if av != bv {
			return false
		}
	}
	for ; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// simdDiffRuns walks a and b 16 bytes at a time and returns the [start,
// end) byte ranges where they differ, coalescing adjacent differing
// strides into single runs.
func simdDiffRuns(a, b []byte) [][2]int {
	var runs [][2]int
	n := len(a)
	inRun := false
	runStart := 0

	flush := func(end int) {
		if inRun {
			runs = append(runs, [2]int{runStart, end})
			inRun = false
		}
	}

	stride := 16
	for i := 0; i < n; i += stride {
		end := i + stride
		if end > n {
			end = n
		}
		if simdEqual(a[i:end], b[i:end]) {
			flush(i)
			continue
		}
		if !inRun {
			runStart = i
			inRun = true
		}
	}
	flush(n)
	return runs
}
