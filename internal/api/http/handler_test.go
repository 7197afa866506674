package http

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/observability"
	"github.com/featurepack/featurepack/internal/query/executor"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/server"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/testutil"
)

type fixture struct {
	registry *snapshot.Registry
	stats    *observability.FilterStats
	metrics  *observability.Metrics
	handler  *Handler
	router   http.Handler
}

func newFixture(t *testing.T, cfg RouterConfig) *fixture {
	t.Helper()

	opts := snapshot.DefaultOptions()
	opts.CollectionID = "pand"
	opts.IndexedFields = []string{"b3_bouwlagen", "status"}
	opts.Logger = logging.Discard()
	var buf bytes.Buffer
	_, err := snapshot.Build(context.Background(), &buf, testutil.Grid(100), opts)
	require.NoError(t, err)
	snap, err := snapshot.FromBytes(buf.Bytes(), snapshot.WithLogger(logging.Discard()))
	require.NoError(t, err)

	registry := snapshot.NewRegistry()
	registry.Publish(snap)
	t.Cleanup(func() { registry.Close() })

	stats := observability.NewFilterStats(time.Hour)
	metrics := observability.NewMetrics()
	exec := executor.New(planner.New(planner.DefaultConfig(), nil),
		executor.WithLogger(logging.Discard()),
		executor.WithObserver(&observability.QueryObserver{Stats: stats, Metrics: metrics}))
	advisor := observability.NewAdvisor(stats, nil, observability.DefaultAdvisorConfig(), logging.Discard())

	h := NewHandler(registry, exec,
		WithFilterStats(stats, advisor),
		WithMetrics(metrics),
		WithLogger(logging.Discard()),
		WithBaseURL("https://example.org/"))
	return &fixture{
		registry: registry,
		stats:    stats,
		metrics:  metrics,
		handler:  h,
		router:   NewRouter(h, cfg),
	}
}

func (f *fixture) get(t *testing.T, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type collectionBody struct {
	Type     string `json:"type"`
	Features []struct {
		ID         string                 `json:"id"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"features"`
	NumberReturned int `json:"numberReturned"`
	Links          []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func decodeCollection(t *testing.T, rec *httptest.ResponseRecorder) collectionBody {
	t.Helper()
	var body collectionBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestItems_DefaultPage(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	rec := f.get(t, "/collections/pand/items")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "scan", rec.Header().Get("X-Access-Path"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decodeCollection(t, rec)
	assert.Equal(t, "FeatureCollection", body.Type)
	assert.Equal(t, 10, body.NumberReturned)
	require.Len(t, body.Features, 10)

	rels := map[string]string{}
	for _, l := range body.Links {
		rels[l.Rel] = l.Href
	}
	require.Contains(t, rels, "next")
	next, err := url.Parse(rels["next"])
	require.NoError(t, err)
	assert.Equal(t, "example.org", next.Host)
	assert.Equal(t, "10", next.Query().Get("offset"))
	assert.Equal(t, "10", next.Query().Get("limit"))
}

func TestItems_Pagination(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	seen := map[string]bool{}
	for offset := 0; offset < 100; offset += 30 {
		rec := f.get(t, "/collections/pand/items?limit=30&offset="+strconv.Itoa(offset))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeCollection(t, rec)
		for _, feat := range body.Features {
			assert.False(t, seen[feat.ID], "duplicate %s across pages", feat.ID)
			seen[feat.ID] = true
		}
		hasNext := false
		for _, l := range body.Links {
			hasNext = hasNext || l.Rel == "next"
		}
		assert.Equal(t, body.NumberReturned == 30, hasNext)
	}
	assert.Len(t, seen, 100)
}

func TestItems_BBoxAndFilter(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.get(t, "/collections/pand/items?bbox=0,0,25,25&limit=100")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spatial", rec.Header().Get("X-Access-Path"))
	// Lots at x,y in {0,10,20} intersect.
	assert.Equal(t, 9, decodeCollection(t, rec).NumberReturned)

	rec = f.get(t, "/collections/pand/items?limit=100&filter="+url.QueryEscape("b3_bouwlagen = 3"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "attribute", rec.Header().Get("X-Access-Path"))
	body := decodeCollection(t, rec)
	require.NotEmpty(t, body.Features)
	for _, feat := range body.Features {
		assert.EqualValues(t, 3, feat.Properties["b3_bouwlagen"])
	}

	rec = f.get(t, "/collections/pand/items?id=NL.IMBAG.Pand.0000000000000011&bbox=0,0,25,25")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeCollection(t, rec).NumberReturned)

	rec = f.get(t, "/collections/pand/items?id=NL.IMBAG.Pand.0000000000000099&bbox=0,0,25,25")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeCollection(t, rec).NumberReturned)
}

func TestItems_Errors(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"malformed bbox", "/collections/pand/items?bbox=1,2,3", 400, "INVALID_BOUNDING_BOX"},
		{"inverted bbox", "/collections/pand/items?bbox=10,0,0,10", 400, "INVALID_BOUNDING_BOX"},
		{"unknown crs", "/collections/pand/items?bbox=0,0,1,1&bbox-crs=EPSG:abc", 400, "INVALID_BOUNDING_BOX"},
		{"malformed filter", "/collections/pand/items?filter=" + url.QueryEscape("b3_bouwlagen >"), 400, "INVALID_FILTER"},
		{"unindexed field", "/collections/pand/items?filter=" + url.QueryEscape("b3_h_dak_50p > 10"), 400, "UNINDEXED_FIELD"},
		{"bad limit", "/collections/pand/items?limit=ten", 400, "INVALID_PARAMETER"},
		{"negative offset", "/collections/pand/items?offset=-1", 400, "INVALID_PARAMETER"},
		{"unsupported format", "/collections/pand/items?f=shp", 400, "UNSUPPORTED_FORMAT"},
		{"unknown collection", "/collections/wegdeel/items", 404, "COLLECTION_UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.RequestID)
		})
	}

	rec := f.get(t, "/collections/pand/items?filter="+url.QueryEscape("b3_h_dak_50p > 10"))
	body := decodeError(t, rec)
	assert.Equal(t, []interface{}{"b3_h_dak_50p"}, body.Details["fields"])
}

func TestItems_OtherFormats(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.get(t, "/collections/pand/items?f=cjseq&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/city+json-seq", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 4, "metadata line plus one line per feature")

	rec = f.get(t, "/collections/pand/items?f=obj&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "\nf ")
}

func TestItems_ETag(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	rec := f.get(t, "/collections/pand/items?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = f.get(t, "/collections/pand/items?limit=5", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = f.get(t, "/collections/pand/items?limit=6", "If-None-Match", etag)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestItem(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.get(t, "/collections/pand/items/NL.IMBAG.Pand.0000000000000042")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID      string `json:"id"`
		Feature struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"feature"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NL.IMBAG.Pand.0000000000000042", body.ID)
	assert.Equal(t, "Feature", body.Feature.Type)
	assert.Equal(t, body.ID, body.Feature.ID)

	rec = f.get(t, "/collections/pand/items/NL.IMBAG.Pand.0000000000000042?f=cityjson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/city+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "NL.IMBAG.Pand.0000000000000042")

	rec = f.get(t, "/collections/pand/items/NL.IMBAG.Pand.missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestCollection(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.get(t, "/collections/pand")
	require.Equal(t, http.StatusOK, rec.Code)
	var info CollectionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "pand", info.ID)
	assert.EqualValues(t, 100, info.FeatureCount)
	assert.Equal(t, []string{"b3_bouwlagen", "status"}, info.IndexedFields)
	assert.NotEmpty(t, info.SnapshotID)
	require.NotNil(t, info.Extent)
	assert.Equal(t, [4]float64{0, 0, 98, 98}, info.Extent.Spatial.BBox[0])
	assert.Contains(t, info.CRS, "7415")

	rec = f.get(t, "/collections")
	require.Equal(t, http.StatusOK, rec.Code)
	var list CollectionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Collections, 1)
	assert.Equal(t, "pand", list.Collections[0].ID)

	rec = f.get(t, "/collections/wegdeel")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	for i := 0; i < 3; i++ {
		f.get(t, "/collections/pand/items?filter="+url.QueryEscape("b3_bouwlagen >= 2 AND status = 'Bouw gestart'"))
	}
	f.get(t, "/collections/pand/items?filter="+url.QueryEscape("b3_h_dak_50p > 10"))

	rec := f.get(t, "/collections/pand/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Fields, 3)

	byField := map[string]observability.FieldStats{}
	for _, fs := range stats.Fields {
		byField[fs.Field] = fs
	}
	assert.EqualValues(t, 3, byField["b3_bouwlagen"].Frequency)
	assert.True(t, byField["b3_bouwlagen"].Indexed)
	assert.EqualValues(t, 1, byField["b3_h_dak_50p"].Rejected)

	rec = f.get(t, "/collections/pand/stats?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats.Fields, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Collections)

	f.get(t, "/collections/pand/items")
	rec = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `featurepack_http_requests_total{route="/collections/{collectionId}/items",status="200"} 1`)
	assert.Contains(t, rec.Body.String(), `featurepack_query_total{collection="pand",outcome="ok",path="scan"} 1`)
}

func TestRouter_Gzip(t *testing.T) {
	f := newFixture(t, RouterConfig{Gzip: true})
	rec := f.get(t, "/collections/pand/items?limit=50", "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	var body collectionBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, 50, body.NumberReturned)
}

func TestRouter_Shutdown(t *testing.T) {
	sm := server.NewShutdownManager(server.DefaultShutdownConfig())
	f := newFixture(t, RouterConfig{Shutdown: sm})

	assert.Equal(t, http.StatusOK, f.get(t, "/health").Code)
	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/health").Code)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "clients have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))

	now = now.Add(10 * time.Minute)
	l.Allow("10.0.0.3")
	l.mu.Lock()
	assert.Len(t, l.clients, 1, "idle clients are swept")
	l.mu.Unlock()
}

func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(t, RouterConfig{RateLimit: 0.001, RateBurst: 1})
	assert.Equal(t, http.StatusOK, f.get(t, "/health").Code)
	rec := f.get(t, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(io.ErrUnexpectedEOF))
}
