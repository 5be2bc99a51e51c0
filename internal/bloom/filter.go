// Package bloom provides a probabilistic membership filter over event IDs.
// It never reports a false negative: if an ID was added, MightContain
// returns true. A true result may be a false positive and must be confirmed
// against the ledger before acting on it.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a fixed-size bloom filter keyed by event ID.
type Filter struct {
	mu        sync.RWMutex
	words     []uint64
	numBits   uint64
	numHashes uint64
	added     uint64
}

// New sizes a filter for the expected number of IDs at the target false
// positive rate, using the standard estimates
// m = -n*ln(p)/ln(2)^2 and k = (m/n)*ln(2).
func New(expectedIDs int64, targetFPR float64) *Filter {
	if expectedIDs <= 0 {
		expectedIDs = 1024
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedIDs)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := math.Ceil((m / n) * math.Ln2)

	numWords := (int(math.Ceil(m)) + 63) / 64
	if numWords < 1 {
		numWords = 1
	}
	if k < 1 {
		k = 1
	}

	return &Filter{
		words:     make([]uint64, numWords),
		numBits:   uint64(numWords) * 64,
		numHashes: uint64(k),
	}
}

// Add records an event ID.
func (f *Filter) Add(id string) {
	h1, h2 := murmur3.Sum128([]byte(id))

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.words[pos/64] |= 1 << (pos % 64)
	}
	f.added++
}

// MightContain reports whether id may have been added. False means
// definitely absent.
func (f *Filter) MightContain(id string) bool {
	h1, h2 := murmur3.Sum128([]byte(id))

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Added returns the number of IDs recorded.
func (f *Filter) Added() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.added
}
