package suppression

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"sync"
)

// emailHash is the binary MD5 of a normalized address. Fixed-size arrays
// keep the cache at 16 bytes per entry with allocation-free comparisons.
type emailHash [16]byte

func hashEmail(email string) emailHash {
	return md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
}

// bloom is a minimal bloom filter over emailHash values. False positives
// fall through to the sorted array; false negatives cannot happen, so a
// negative answer never reaches the database.
type bloom struct {
	bits      []uint64
	size      uint64
	hashCount uint
}

func newBloom(expected uint64, fpRate float64) *bloom {
	if expected == 0 {
		expected = 1000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	n := float64(expected)
	m := uint64(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	m = ((m + 63) / 64) * 64
	k := uint((float64(m) / n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &bloom{bits: make([]uint64, m/64), size: m, hashCount: k}
}

// hash derives the i-th position by double hashing the two halves of the MD5.
func (b *bloom) hash(h emailHash, i uint) uint64 {
	h1 := binary.LittleEndian.Uint64(h[:8])
	h2 := binary.LittleEndian.Uint64(h[8:])
	return h1 + uint64(i)*h2
}

func (b *bloom) add(h emailHash) {
	for i := uint(0); i < b.hashCount; i++ {
		pos := b.hash(h, i) % b.size
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (b *bloom) mayContain(h emailHash) bool {
	for i := uint(0); i < b.hashCount; i++ {
		pos := b.hash(h, i) % b.size
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Cache answers "is this address suppressed" from memory. It layers a
// bloom filter over a sorted binary MD5 array, so the common negative
// lookup costs a handful of bit tests and a positive costs one binary
// search. Additions after warm-up go to both layers.
type Cache struct {
	mu     sync.RWMutex
	filter *bloom
	sorted []emailHash
	// recent holds hashes added after the last sort, searched linearly.
	// Kept small: Compact folds it into the sorted array.
	recent []emailHash
}

// NewCache builds a cache from the given addresses.
func NewCache(emails []string) *Cache {
	hashes := make([]emailHash, 0, len(emails))
	filter := newBloom(uint64(len(emails)), 0.001)
	for _, e := range emails {
		h := hashEmail(e)
		hashes = append(hashes, h)
		filter.add(h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return &Cache{filter: filter, sorted: hashes}
}

// Contains reports whether the address is in the cache.
func (c *Cache) Contains(email string) bool {
	h := hashEmail(email)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.filter.mayContain(h) {
		return false
	}
	i := sort.Search(len(c.sorted), func(i int) bool {
		return bytes.Compare(c.sorted[i][:], h[:]) >= 0
	})
	if i < len(c.sorted) && c.sorted[i] == h {
		return true
	}
	for _, r := range c.recent {
		if r == h {
			return true
		}
	}
	return false
}

// Add records a newly suppressed address.
func (c *Cache) Add(email string) {
	h := hashEmail(email)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.add(h)
	c.recent = append(c.recent, h)
	if len(c.recent) >= 4096 {
		c.compactLocked()
	}
}

// Remove is intentionally absent: the bloom filter cannot forget, so a
// removed address stays a (harmless) cache hit until the next rebuild.
// Callers that remove entries must verify positives against the store.

// Len returns the number of cached addresses.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sorted) + len(c.recent)
}

func (c *Cache) compactLocked() {
	c.sorted = append(c.sorted, c.recent...)
	c.recent = c.recent[:0]
	sort.Slice(c.sorted, func(i, j int) bool {
		return bytes.Compare(c.sorted[i][:], c.sorted[j][:]) < 0
	})
}
