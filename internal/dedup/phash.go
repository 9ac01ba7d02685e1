package dedup

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Defaults for the perceptual-hash matcher.
const (
	DefaultPHashThreshold    = 8
	DefaultImageFetchTimeout = 10 * time.Second
	DefaultMaxImageBytes     = 10 << 20
)

// ImageHashStore maps image URLs to perceptual hash strings for one crawl
// session. Like FingerprintStore it only ever grows.
type ImageHashStore struct {
	mu    sync.RWMutex
	byURL map[string]string
}

// NewImageHashStore builds an empty store.
func NewImageHashStore() *ImageHashStore {
	return &ImageHashStore{byURL: make(map[string]string)}
}

// Put records the hash for url.
func (s *ImageHashStore) Put(url, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byURL[url] = hash
}

// Get returns the stored hash for url, if any.
func (s *ImageHashStore) Get(url string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byURL[url]
	return h, ok
}

// Snapshot copies the current url→hash mapping.
func (s *ImageHashStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.byURL))
	for k, v := range s.byURL {
		out[k] = v
	}
	return out
}

// Len reports the number of stored hashes.
func (s *ImageHashStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byURL)
}

// ImageFingerprinter computes pHash fingerprints of downloaded images and
// answers near-duplicate queries against an ImageHashStore. Every failure mode
// (disabled, download error, oversized body, undecodable image) degrades to
// "not a duplicate": image dedup is an optimization, never a precondition.
type ImageFingerprinter struct {
	client    *http.Client
	store     *ImageHashStore
	logger    *zap.Logger
	enabled   bool
	threshold int
	timeout   time.Duration
	maxBytes  int64
	userAgent string
}

// ImageFingerprinterConfig carries the knobs for NewImageFingerprinter.
type ImageFingerprinterConfig struct {
	Enabled   bool
	Threshold int
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

// NewImageFingerprinter builds a fingerprinter backed by store.
func NewImageFingerprinter(cfg ImageFingerprinterConfig, store *ImageHashStore, logger *zap.Logger) *ImageFingerprinter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultPHashThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultImageFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxImageBytes
	}
	if store == nil {
		store = NewImageHashStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageFingerprinter{
		client:    &http.Client{Timeout: cfg.Timeout},
		store:     store,
		logger:    logger,
		enabled:   cfg.Enabled,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
	}
}

// Available reports whether perceptual hashing is enabled. Callers treat an
// unavailable fingerprinter exactly like "no match found".
func (f *ImageFingerprinter) Available() bool {
	return f != nil && f.enabled
}

// Fingerprint decodes imageBytes and returns its pHash string. The boolean is
// false when the bytes cannot be decoded or hashing fails; no error escapes.
func (f *ImageFingerprinter) Fingerprint(imageBytes []byte) (string, bool) {
	if !f.Available() || len(imageBytes) == 0 {
		return "", false
	}
	// image.Decode normalizes every registered format to an image.Image, so
	// non-RGB inputs (palette, CMYK, grayscale) are handled uniformly.
	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		f.logger.Debug("image decode failed", zap.Error(err))
		return "", false
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		f.logger.Debug("phash failed", zap.String("format", format), zap.Error(err))
		return "", false
	}
	return hash.ToString(), true
}

// HashDistance compares two pHash strings. It returns -1 when either hash is
// unparseable or the hashes are of different kinds.
func HashDistance(a, b string) int {
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return -1
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return -1
	}
	d, err := ha.Distance(hb)
	if err != nil {
		return -1
	}
	return d
}

// IsDuplicate downloads imageURL, fingerprints it, and compares the hash
// against the store. A match within the threshold (for a different URL) is a
// duplicate; otherwise the hash is stored for future comparisons.
func (f *ImageFingerprinter) IsDuplicate(ctx context.Context, imageURL string) bool {
	if !f.Available() {
		return false
	}
	data, err := f.download(ctx, imageURL)
	if err != nil {
		f.logger.Debug("image download failed", zap.String("url", imageURL), zap.Error(err))
		return false
	}
	hash, ok := f.Fingerprint(data)
	if !ok {
		return false
	}
	return f.MatchOrStore(imageURL, hash)
}

// MatchOrStore answers the duplicate verdict for a precomputed hash and, when
// it is not a duplicate, records it under url.
func (f *ImageFingerprinter) MatchOrStore(url, hash string) bool {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for other, stored := range f.store.byURL {
		if other == url {
			continue
		}
		if d := HashDistance(hash, stored); d >= 0 && d <= f.threshold {
			return true
		}
	}
	f.store.byURL[url] = hash
	return false
}

func (f *ImageFingerprinter) download(ctx context.Context, imageURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new image request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close image body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}
