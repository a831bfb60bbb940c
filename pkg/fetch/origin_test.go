package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssb-archive/pkg/metrics"
	"ssb-archive/pkg/parse"
	"ssb-archive/pkg/utils"
)

func newTestOrigin(t *testing.T, handler http.Handler, m *metrics.Metrics) *Origin {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testConfig(0)
	cfg.Host = server.URL
	fetcher := NewFetcher(testClient(), cfg, testLogger())
	origin, err := NewOrigin(cfg, fetcher, NewRateLimiter(0, testLogger()), m, testLogger())
	require.NoError(t, err)
	return origin
}

func TestOrigin_FetchCachesSuccess(t *testing.T) {
	var hits atomic.Int32
	m := metrics.New()
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "ssb-archive-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<p>hi</p>"))
	}), m)

	ref := parse.MustParseRef("/author/%40a.ed25519")
	first, err := origin.Fetch(context.Background(), ref)
	require.NoError(t, err)
	second, err := origin.Fetch(context.Background(), ref)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "text/html", first.MediaType())
	assert.Equal(t, []byte("<p>hi</p>"), first.Body)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
}

func TestOrigin_FetchCachesFailure(t *testing.T) {
	var hits atomic.Int32
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}), nil)

	ref := parse.MustParseRef("/thread/missing")
	_, err := origin.Fetch(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrUnavailable))
	assert.True(t, errors.Is(err, utils.ErrClientHTTPError))

	_, err = origin.Fetch(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrUnavailable))
	assert.Equal(t, int32(1), hits.Load(), "failures are remembered")
}

func TestOrigin_ConcurrentCallersShareOneRequest(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body{}"))
	}), nil)

	ref := parse.MustParseRef("/assets/style.css")
	var wg sync.WaitGroup
	results := make([]*Response, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := origin.Fetch(context.Background(), ref)
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestOrigin_DistinctQueriesAreDistinctRequests(t *testing.T) {
	var hits atomic.Int32
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(r.URL.RawQuery))
	}), nil)

	a, err := origin.Fetch(context.Background(), parse.MustParseRef("/author/x?page=2"))
	require.NoError(t, err)
	b, err := origin.Fetch(context.Background(), parse.MustParseRef("/author/x?page=3"))
	require.NoError(t, err)

	assert.Equal(t, "page=2", string(a.Body))
	assert.Equal(t, "page=3", string(b.Body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestOrigin_MarkUnavailable(t *testing.T) {
	var hits atomic.Int32
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}), nil)

	origin.MarkUnavailable("/blob/x")
	_, err := origin.Fetch(context.Background(), parse.MustParseRef("/blob/x"))
	assert.True(t, errors.Is(err, utils.ErrUnavailable))
	assert.Equal(t, int32(0), hits.Load())
}

func TestOrigin_CancelledContextNotCached(t *testing.T) {
	var hits atomic.Int32
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ref := parse.MustParseRef("/public")
	_, err := origin.Fetch(ctx, ref)
	require.Error(t, err)
	assert.False(t, errors.Is(err, utils.ErrUnavailable))

	resp, err := origin.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestOrigin_DecodesCompressedBodies(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("gzipped"))
	zw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write([]byte("brotli"))
	bw.Close()

	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		switch r.URL.Path {
		case "/gz":
			w.Header().Set("Content-Encoding", "gzip")
			w.Write(gz.Bytes())
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			w.Write(br.Bytes())
		}
	}), nil)

	resp, err := origin.Fetch(context.Background(), parse.MustParseRef("/gz"))
	require.NoError(t, err)
	assert.Equal(t, "gzipped", string(resp.Body))

	resp, err = origin.Fetch(context.Background(), parse.MustParseRef("/br"))
	require.NoError(t, err)
	assert.Equal(t, "brotli", string(resp.Body))
}

func TestOrigin_OversizedBodyUnavailable(t *testing.T) {
	origin := newTestOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 64))
	}), nil)
	origin.maxBytes = 16

	_, err := origin.Fetch(context.Background(), parse.MustParseRef("/big"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrUnavailable))
	assert.True(t, errors.Is(err, utils.ErrResponseBodyRead))
}

func TestResponse_MediaTypeSniffed(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	assert.Equal(t, "image/png", (&Response{Body: png}).MediaType())
	assert.Equal(t, "image/png", (&Response{ContentType: ";;bad", Body: png}).MediaType())
	assert.Equal(t, "application/json", (&Response{ContentType: "Application/JSON; charset=utf-8"}).MediaType())
}
