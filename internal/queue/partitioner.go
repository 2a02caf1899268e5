// =============================================================================
// PLACEMENT - WHICH SHARD GETS A MESSAGE?
// =============================================================================
//
// Two strategies, chosen per publish by whether the caller supplied a key:
//
//   ┌──────────────┬────────────────────────────────────────────────────────┐
//   │ key == ""    │ round-robin: atomic counter mod shard count            │
//   │              │ spreads keyless load evenly, no ordering affinity      │
//   ├──────────────┼────────────────────────────────────────────────────────┤
//   │ key != ""    │ murmur3(key) mod shard count                           │
//   │              │ same key → same shard for the router's lifetime, so    │
//   │              │ per-key messages keep their FIFO relationship          │
//   └──────────────┴────────────────────────────────────────────────────────┘
//
// The shard count never changes after construction, which is what makes the
// key → shard mapping stable. There is no rebalancing.
//
// =============================================================================

package queue

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
)

// Placer picks a shard index in [0, shardCount).
type Placer interface {
	Place(key string, shardCount int) int
}

// -----------------------------------------------------------------------------
// Key hash
// -----------------------------------------------------------------------------

// KeyHashPlacer maps a key to a shard with murmur3.
type KeyHashPlacer struct{}

// Place hashes key. The result is non-negative even on 32-bit platforms.
func (KeyHashPlacer) Place(key string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(murmur3([]byte(key)) % uint32(shardCount))
}

const (
	murmurC1 uint32 = 0xcc9e2d51
	murmurC2 uint32 = 0x1b873593
)

// murmur3 is the 32-bit MurmurHash3 with seed 0.
func murmur3(data []byte) uint32 {
	var h uint32
	n := len(data)
	blocks := n / 4

	for i := 0; i < blocks; i++ {
		k := binary.LittleEndian.Uint32(data[i*4:])
		k *= murmurC1
		k = bits.RotateLeft32(k, 15)
		k *= murmurC2

		h ^= k
		h = bits.RotateLeft32(h, 13)
		h = h*5 + 0xe6546b64
	}

	var k uint32
	tail := data[blocks*4:]
	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= murmurC1
		k = bits.RotateLeft32(k, 15)
		k *= murmurC2
		h ^= k
	}

	// avalanche
	h ^= uint32(n)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// -----------------------------------------------------------------------------
// Round robin
// -----------------------------------------------------------------------------

// RoundRobinPlacer cycles through shards. Safe for concurrent use.
type RoundRobinPlacer struct {
	next atomic.Uint64
}

// Place ignores key.
func (p *RoundRobinPlacer) Place(_ string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	n := p.next.Add(1) - 1
	return int(n % uint64(shardCount))
}

// -----------------------------------------------------------------------------
// Default
// -----------------------------------------------------------------------------

// DefaultPlacer hashes non-empty keys and round-robins the rest.
type DefaultPlacer struct {
	hash       KeyHashPlacer
	roundRobin RoundRobinPlacer
}

// Place implements Placer.
func (p *DefaultPlacer) Place(key string, shardCount int) int {
	if key == "" {
		return p.roundRobin.Place(key, shardCount)
	}
	return p.hash.Place(key, shardCount)
}

var (
	_ Placer = KeyHashPlacer{}
	_ Placer = (*RoundRobinPlacer)(nil)
	_ Placer = (*DefaultPlacer)(nil)
)
