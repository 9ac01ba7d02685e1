package dedup

import (
	"math"
	"net/url"
	"regexp"
	"strings"
)

// DefaultEmbeddingThreshold is the cosine similarity at or above which two
// results are treated as semantic duplicates.
const DefaultEmbeddingThreshold = 0.95

// SearchResult is one already-indexed result rendered to a user, optionally
// carrying a precomputed embedding vector.
type SearchResult struct {
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// sizeVariantSegment matches CDN size-variant path components such as /460/
// or /1280/ that distinguish renditions of the same asset.
var sizeVariantSegment = regexp.MustCompile(`^\d{3,4}$`)

// NormalizeResultURL reduces a result URL to a dedup key: the query string is
// dropped, purely numeric 3-4 digit path segments are collapsed, and the
// remainder is lowercased. Unparseable URLs are lowercased as-is.
func NormalizeResultURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	u.RawQuery = ""
	u.Fragment = ""

	segments := strings.Split(u.Path, "/")
	kept := segments[:0]
	for _, seg := range segments {
		if sizeVariantSegment.MatchString(seg) {
			continue
		}
		kept = append(kept, seg)
	}
	u.Path = strings.Join(kept, "/")
	return strings.ToLower(u.String())
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EmbeddingDeduper collapses near-identical entries in one page of rendered
// search results. It runs two passes: a cheap URL-normalization pass, then an
// O(n²) embedding-similarity pass. n is a single result page, so the
// quadratic pass is fine.
type EmbeddingDeduper struct {
	threshold float64
}

// NewEmbeddingDeduper builds a deduper with the given cosine threshold.
// Thresholds outside (0, 1] fall back to the default.
func NewEmbeddingDeduper(threshold float64) *EmbeddingDeduper {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultEmbeddingThreshold
	}
	return &EmbeddingDeduper{threshold: threshold}
}

// DedupeByURL keeps the first result per normalized URL.
func (d *EmbeddingDeduper) DedupeByURL(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	kept := make([]SearchResult, 0, len(results))
	for _, res := range results {
		key := NormalizeResultURL(res.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, res)
	}
	return kept
}

// DedupeByEmbedding drops every result whose vector is within the cosine
// threshold of an earlier kept vector. Results without a vector are always
// kept: dedup needs data that may simply be absent.
func (d *EmbeddingDeduper) DedupeByEmbedding(results []SearchResult) []SearchResult {
	kept := make([]SearchResult, 0, len(results))
	var vectors [][]float32
	for _, res := range results {
		if len(res.Embedding) == 0 {
			kept = append(kept, res)
			continue
		}
		dup := false
		for _, vec := range vectors {
			if CosineSimilarity(res.Embedding, vec) >= d.threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		vectors = append(vectors, res.Embedding)
		kept = append(kept, res)
	}
	return kept
}

// Dedupe runs the URL pass first (cheap filter) and the embedding pass second.
func (d *EmbeddingDeduper) Dedupe(results []SearchResult) []SearchResult {
	return d.DedupeByEmbedding(d.DedupeByURL(results))
}
