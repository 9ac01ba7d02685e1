// Package dedup implements the three duplicate-detection tiers used by the
// crawl pipeline: SimHash text fingerprints, perceptual image hashes, and
// embedding-based similarity over already-indexed results.
package dedup

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"
	"unicode"
)

// DefaultSimHashThreshold is the maximum Hamming distance at which two text
// fingerprints are considered near-duplicates.
const DefaultSimHashThreshold = 3

// Fingerprint computes a 64-bit SimHash of the given text. Tokens are split on
// non-alphanumeric runes and weighted by term frequency; each token is hashed
// with FNV-64a and the per-bit signed sums determine the output bits. The
// result is deterministic for identical input.
func Fingerprint(text string) uint64 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0
	}

	weights := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		weights[tok]++
	}

	var sums [64]int
	for tok, weight := range weights {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		tokenHash := h.Sum64()
		for i := 0; i < 64; i++ {
			if tokenHash&(1<<uint(i)) != 0 {
				sums[i] += weight
			} else {
				sums[i] -= weight
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if sums[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// FingerprintStore holds one text fingerprint per key for the lifetime of a
// crawl session. It grows monotonically; entries are never removed.
type FingerprintStore struct {
	mu        sync.RWMutex
	threshold int
	byKey     map[string]uint64
}

// NewFingerprintStore builds a store using the given Hamming-distance
// threshold. A non-positive threshold falls back to the default.
func NewFingerprintStore(threshold int) *FingerprintStore {
	if threshold <= 0 {
		threshold = DefaultSimHashThreshold
	}
	return &FingerprintStore{
		threshold: threshold,
		byKey:     make(map[string]uint64),
	}
}

// IsDuplicate fingerprints text and compares it against every stored
// fingerprint except the one recorded for key itself. On a non-duplicate
// verdict the fingerprint is stored under key, so later queries see it.
// The check-and-store is atomic with respect to concurrent callers.
func (s *FingerprintStore) IsDuplicate(text, key string) (bool, uint64) {
	fp := Fingerprint(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	for other, stored := range s.byKey {
		if other == key {
			continue
		}
		if HammingDistance(fp, stored) <= s.threshold {
			return true, fp
		}
	}
	s.byKey[key] = fp
	return false, fp
}

// Fingerprint returns the stored fingerprint for key, if any.
func (s *FingerprintStore) Fingerprint(key string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.byKey[key]
	return fp, ok
}

// Len reports the number of stored fingerprints.
func (s *FingerprintStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}
