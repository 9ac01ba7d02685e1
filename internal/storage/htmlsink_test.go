package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchstack/crawler/internal/storage/memory"
)

func TestHTMLSinkSave(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	sink := NewHTMLSink(store)
	sink.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}

	uri, err := sink.Save(context.Background(), "src-1", "https://example.com/a", []byte("<html></html>"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "memory://pages/src-1/2026-08-24/"), "uri %s", uri)
	assert.True(t, strings.HasSuffix(uri, ".html"))
}

func TestHTMLSinkSameURLSameObject(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	sink := NewHTMLSink(store)
	sink.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}

	first, err := sink.Save(context.Background(), "src-1", "https://example.com/a", []byte("v1"))
	require.NoError(t, err)
	second, err := sink.Save(context.Background(), "src-1", "https://example.com/a", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := sink.Save(context.Background(), "src-1", "https://example.com/b", []byte("v1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestHTMLSinkNilStore(t *testing.T) {
	t.Parallel()

	sink := NewHTMLSink(nil)
	uri, err := sink.Save(context.Background(), "src-1", "https://example.com/a", []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, uri)
}

func TestObjectNameDefaultsSource(t *testing.T) {
	t.Parallel()

	name := objectName("", "https://example.com", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.True(t, strings.HasPrefix(name, "pages/default/2026-01-02/"), "name %s", name)
}
