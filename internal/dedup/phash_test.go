package dedup

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testImagePNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*4) ^ seed,
				G: uint8(y * 4),
				B: uint8((x + y) * 2),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestFingerprinter(enabled bool) *ImageFingerprinter {
	return NewImageFingerprinter(ImageFingerprinterConfig{
		Enabled:   enabled,
		Threshold: DefaultPHashThreshold,
		Timeout:   2 * time.Second,
	}, NewImageHashStore(), zap.NewNop())
}

func TestImageFingerprinter_Fingerprint(t *testing.T) {
	f := newTestFingerprinter(true)

	data := testImagePNG(t, 0)
	hash, ok := f.Fingerprint(data)
	require.True(t, ok)
	assert.NotEmpty(t, hash)

	again, ok := f.Fingerprint(data)
	require.True(t, ok)
	assert.Equal(t, hash, again, "same bytes must hash identically")
}

func TestImageFingerprinter_FingerprintFailsClosed(t *testing.T) {
	f := newTestFingerprinter(true)

	_, ok := f.Fingerprint([]byte("not an image"))
	assert.False(t, ok)

	_, ok = f.Fingerprint(nil)
	assert.False(t, ok)
}

func TestImageFingerprinter_Unavailable(t *testing.T) {
	f := newTestFingerprinter(false)

	assert.False(t, f.Available())
	_, ok := f.Fingerprint(testImagePNG(t, 0))
	assert.False(t, ok)
	assert.False(t, f.IsDuplicate(context.Background(), "https://img.example/a.png"))
}

func TestHashDistance(t *testing.T) {
	assert.Equal(t, 0, HashDistance("p:0000000000000000", "p:0000000000000000"))
	assert.Equal(t, 3, HashDistance("p:0000000000000007", "p:0000000000000000"))
	assert.Equal(t, -1, HashDistance("garbage", "p:0000000000000000"))
}

func TestImageFingerprinter_MatchOrStore(t *testing.T) {
	f := newTestFingerprinter(true)

	// First sighting is stored, not matched.
	require.False(t, f.MatchOrStore("https://img.example/a.png", "p:00000000000000ff"))

	// Within threshold of the stored hash (distance 1).
	assert.True(t, f.MatchOrStore("https://img.example/b.png", "p:00000000000000fe"))

	// Far away (distance 56): kept as a new entry.
	assert.False(t, f.MatchOrStore("https://img.example/c.png", "p:ffffffffffffff00"))

	// The same URL never matches its own stored hash.
	assert.False(t, f.MatchOrStore("https://img.example/a.png", "p:00000000000000ff"))
}

func TestImageFingerprinter_IsDuplicate(t *testing.T) {
	data := testImagePNG(t, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png", "/copy.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
		case "/broken.png":
			_, _ = w.Write([]byte("corrupt"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFingerprinter(true)
	ctx := context.Background()

	assert.False(t, f.IsDuplicate(ctx, srv.URL+"/a.png"), "first image is never a duplicate")
	assert.True(t, f.IsDuplicate(ctx, srv.URL+"/copy.png"), "byte-identical image is a duplicate")
	assert.False(t, f.IsDuplicate(ctx, srv.URL+"/broken.png"), "undecodable image is not an error")
	assert.False(t, f.IsDuplicate(ctx, srv.URL+"/missing.png"), "404 is not an error")
}

func TestImageFingerprinter_OversizedDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0xAB}, 4096))
	}))
	defer srv.Close()

	f := NewImageFingerprinter(ImageFingerprinterConfig{
		Enabled:  true,
		MaxBytes: 1024,
		Timeout:  2 * time.Second,
	}, NewImageHashStore(), zap.NewNop())

	assert.False(t, f.IsDuplicate(context.Background(), srv.URL+"/big.bin"))
	assert.Zero(t, f.store.Len())
}
