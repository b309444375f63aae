package storage

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/spaolacci/murmur3"
)

// bloomSeed salts the murmur3 base hash so the pair of base hashes stays
// independent of the fnv one.
const bloomSeed = 0x9747b28c

// BloomFilter is a probabilistic set over uint32 keys.
// False negatives are impossible; a false positive costs one index probe.
// The k probe positions are derived by double hashing from two base hashes:
// position(i) = (h1 + i*h2) mod m.
type BloomFilter struct {
	bits []byte
	m    uint64 // Number of bits
	k    int    // Number of probes per key
}

// NewBloomFilter creates a filter sized for n keys at the given false
// positive rate.
func NewBloomFilter(n int, fpRate float64) *BloomFilter {
	if n <= 0 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	m := uint64(math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}

	return &BloomFilter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    optimalProbes(m, uint64(n)),
	}
}

// RestoreBloomFilter wraps serialized filter bits read from an SSTable.
// m is the bit count recorded in the footer and n the table's entry count,
// from which the probe count is re-derived.
func RestoreBloomFilter(bits []byte, m, n uint64) *BloomFilter {
	return &BloomFilter{
		bits: bits,
		m:    m,
		k:    optimalProbes(m, n),
	}
}

// optimalProbes computes k = (m/n) * ln(2), clamped to [1, 30].
func optimalProbes(m, n uint64) int {
	if n == 0 {
		return 1
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

// baseHashes returns the two base hashes for a key.
func baseHashes(key uint32) (uint64, uint64) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], key)

	h1 := murmur3.Sum64WithSeed(buf[:], bloomSeed)

	h := fnv.New64a()
	h.Write(buf[:])
	h2 := h.Sum64()
	// Forcing the step odd keeps it non-zero.
	h2 |= 1

	return h1, h2
}

// Add inserts key into the filter.
func (bf *BloomFilter) Add(key uint32) {
	h1, h2 := baseHashes(key)
	for i := 0; i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MayContain reports whether key might be in the set.
// A false return is definitive.
func (bf *BloomFilter) MayContain(key uint32) bool {
	h1, h2 := baseHashes(key)
	for i := 0; i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bits returns the packed filter bits, little-endian within each byte.
func (bf *BloomFilter) Bits() []byte {
	return bf.bits
}

// BitCount returns m, the number of bits in the filter.
func (bf *BloomFilter) BitCount() uint64 {
	return bf.m
}

// ProbeCount returns k, the number of probes per key.
func (bf *BloomFilter) ProbeCount() int {
	return bf.k
}
