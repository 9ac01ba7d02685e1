package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRobotsBody = `User-agent: *
Disallow: /private/
Crawl-delay: 2
`

func newRobotsServer(t *testing.T, status int, body string, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if fetches != nil {
				fetches.Add(1)
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte("page"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRobotsGateEnforcesRules(t *testing.T) {
	t.Parallel()

	srv := newRobotsServer(t, http.StatusOK, testRobotsBody, nil)
	gate := NewRobotsGate(true, "searchstack-crawler/1.0", 5*time.Second, nil)
	ctx := context.Background()

	assert.True(t, gate.Allowed(ctx, srv.URL+"/public/page"))
	assert.False(t, gate.Allowed(ctx, srv.URL+"/private/secret"))
	assert.Equal(t, 2*time.Second, gate.CrawlDelay(srv.URL+"/public/page"))
}

func TestRobotsGateFailsOpenOnMissingFile(t *testing.T) {
	t.Parallel()

	srv := newRobotsServer(t, http.StatusNotFound, "", nil)
	gate := NewRobotsGate(true, "searchstack-crawler/1.0", 5*time.Second, nil)
	ctx := context.Background()

	assert.True(t, gate.Allowed(ctx, srv.URL+"/anything"))
	assert.Zero(t, gate.CrawlDelay(srv.URL+"/anything"))
}

func TestRobotsGateFailsOpenOnServerError(t *testing.T) {
	t.Parallel()

	srv := newRobotsServer(t, http.StatusForbidden, "nope", nil)
	gate := NewRobotsGate(true, "searchstack-crawler/1.0", 5*time.Second, nil)

	assert.True(t, gate.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestRobotsGateFailsOpenOnUnreachableHost(t *testing.T) {
	t.Parallel()

	srv := newRobotsServer(t, http.StatusOK, testRobotsBody, nil)
	srv.Close()

	gate := NewRobotsGate(true, "searchstack-crawler/1.0", time.Second, nil)
	assert.True(t, gate.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestRobotsGateFetchesOncePerOrigin(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	srv := newRobotsServer(t, http.StatusOK, testRobotsBody, &fetches)
	gate := NewRobotsGate(true, "searchstack-crawler/1.0", 5*time.Second, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Allowed(ctx, srv.URL+"/public/page")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load())
}

func TestNewRobotsGateDisabled(t *testing.T) {
	t.Parallel()

	gate := NewRobotsGate(false, "ua", time.Second, nil)
	require.IsType(t, &allowAllRobots{}, gate)
	assert.True(t, gate.Allowed(context.Background(), "https://example.com/private/x"))
}
