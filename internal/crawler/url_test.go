package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps explicit port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"adds root path", "https://example.com", "https://example.com/"},
		{"sorts query params", "https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsRelative(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"/just/a/path", "example.com/no-scheme", "://bad"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Fatalf("NormalizeURL(%q) should fail", in)
		}
	}
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base := "https://example.com/blog/post"

	got, ok := ResolveLink(base, "../about")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/about", got)

	got, ok = ResolveLink(base, "https://other.com/x#frag")
	require.True(t, ok)
	assert.Equal(t, "https://other.com/x", got)

	_, ok = ResolveLink(base, "mailto:team@example.com")
	assert.False(t, ok)

	_, ok = ResolveLink(base, "ftp://example.com/file")
	assert.False(t, ok)
}

func TestSameOrigin(t *testing.T) {
	t.Parallel()

	assert.True(t, SameOrigin("https://example.com/a", "HTTPS://EXAMPLE.com/b"))
	assert.False(t, SameOrigin("https://example.com/a", "http://example.com/a"))
	assert.False(t, SameOrigin("https://example.com/a", "https://sub.example.com/a"))
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	got, err := Origin("HTTPS://Example.com/deep/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got)

	_, err = Origin("/relative")
	assert.Error(t, err)
}
