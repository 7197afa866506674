package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/featurepack/featurepack/internal/crs"
	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/format"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/observability"
	"github.com/featurepack/featurepack/internal/query/executor"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/pkg/types"
)

// Handler serves the collection endpoints from the published snapshots.
type Handler struct {
	registry *snapshot.Registry
	executor *executor.Executor
	stats    *observability.FilterStats
	advisor  *observability.Advisor
	metrics  *observability.Metrics
	logger   *slog.Logger
	baseURL  string
	timeout  time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithFilterStats exposes filter usage and index suggestions at
// /collections/{id}/stats. advisor may be nil.
func WithFilterStats(stats *observability.FilterStats, advisor *observability.Advisor) Option {
	return func(h *Handler) {
		h.stats = stats
		h.advisor = advisor
	}
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithBaseURL fixes the scheme and host of response links.
func WithBaseURL(base string) Option {
	return func(h *Handler) { h.baseURL = strings.TrimRight(base, "/") }
}

// WithQueryTimeout bounds each items query.
func WithQueryTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler creates a handler serving the collections of registry.
func NewHandler(registry *snapshot.Registry, exec *executor.Executor, opts ...Option) *Handler {
	h := &Handler{registry: registry, executor: exec}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.Or(h.logger)
	return h
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	h.handle(mux, "GET /collections", h.ServeCollections)
	h.handle(mux, "GET /collections/{collectionId}", h.ServeCollection)
	h.handle(mux, "GET /collections/{collectionId}/items", h.ServeItems)
	h.handle(mux, "GET /collections/{collectionId}/items/{featureId}", h.ServeItem)
	h.handle(mux, "GET /collections/{collectionId}/stats", h.ServeStats)
	h.handle(mux, "GET /health", h.ServeHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

func (h *Handler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	route := pattern[strings.IndexByte(pattern, ' ')+1:]
	mux.Handle(pattern, Instrument(route, h.metrics, h.logger)(fn))
}

// ServeItems handles GET /collections/{collectionId}/items.
func (h *Handler) ServeItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := parseItemsRequest(q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	enc, err := format.New(q.Get("f"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	snap, err := h.registry.Acquire(r.PathValue("collectionId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer snap.Release()

	etag := itemsETag(snap.ID(), r.URL.RawQuery)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.executor.Execute(ctx, snap, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	meta := snap.Meta()
	self := h.link(r, r.URL.Path, q, "self", enc.ContentType())
	next := url.Values{}
	for k, v := range q {
		next[k] = v
	}
	next.Set("offset", strconv.Itoa(res.Plan.Offset+res.Plan.Limit))
	next.Set("limit", strconv.Itoa(res.Plan.Limit))
	nextLink := h.link(r, r.URL.Path, next, "next", enc.ContentType())

	hdr := format.Header{
		Collection: meta.CollectionID,
		CRS:        meta.CRS,
		Extent:     meta.Extent,
		ObjectType: format.DefaultObjectType,
		Links:      []format.Link{self},
		Next:       &nextLink,
		Limit:      res.Plan.Limit,
	}

	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Snapshot-ID", snap.ID())
	w.Header().Set("X-Access-Path", res.Plan.Path.String())

	cw := &commitWriter{w: w}
	if _, err := format.Stream(cw, enc, hdr, res.Features); err != nil {
		if !cw.committed {
			h.respondError(w, r, err)
			return
		}
		h.logger.Warn("items stream aborted",
			"collection", meta.CollectionID,
			"request_id", GetRequestID(r.Context()),
			"written", cw.n,
			"error", err)
		panic(http.ErrAbortHandler)
	}
}

// ServeItem handles GET /collections/{collectionId}/items/{featureId}.
func (h *Handler) ServeItem(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("f")
	enc, err := format.New(tag)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	snap, err := h.registry.Acquire(r.PathValue("collectionId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer snap.Release()

	f, err := h.executor.Get(r.Context(), snap, r.PathValue("featureId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("ETag", itemsETag(snap.ID(), f.ID))
	w.Header().Set("X-Snapshot-ID", snap.ID())
	if tag == "" || tag == format.JSON {
		w.Header().Set("Content-Type", "application/json")
		if err := format.WriteItem(w, f); err != nil {
			h.logger.Debug("write item", "id", f.ID, "error", err)
		}
		return
	}

	meta := snap.Meta()
	w.Header().Set("Content-Type", enc.ContentType())
	hdr := format.Header{
		Collection: meta.CollectionID,
		CRS:        meta.CRS,
		ObjectType: format.DefaultObjectType,
	}
	if _, err := format.Stream(w, enc, hdr, format.One(f)); err != nil {
		h.logger.Debug("write item", "id", f.ID, "error", err)
	}
}

// CollectionInfo describes one collection and the snapshot serving it.
type CollectionInfo struct {
	ID            string               `json:"id"`
	SnapshotID    string               `json:"snapshot_id"`
	CreatedAt     time.Time            `json:"created_at"`
	FeatureCount  uint64               `json:"feature_count"`
	Extent        *Extent              `json:"extent,omitempty"`
	CRS           string               `json:"crs"`
	IndexedFields []string             `json:"indexed_fields"`
	Fields        []snapshot.FieldInfo `json:"fields"`
	Formats       []string             `json:"formats"`
	Links         []format.Link        `json:"links"`
}

// Extent is the spatial extent of a collection.
type Extent struct {
	Spatial SpatialExtent `json:"spatial"`
}

// SpatialExtent holds the bounding box in the storage CRS.
type SpatialExtent struct {
	BBox [][4]float64 `json:"bbox"`
	CRS  string       `json:"crs"`
}

func (h *Handler) collectionInfo(r *http.Request, meta snapshot.Metadata) CollectionInfo {
	info := CollectionInfo{
		ID:            meta.CollectionID,
		SnapshotID:    meta.SnapshotID,
		CreatedAt:     meta.CreatedAt,
		FeatureCount:  meta.FeatureCount,
		CRS:           crs.URI(meta.CRS),
		IndexedFields: meta.IndexedFields,
		Fields:        meta.Fields,
		Formats:       format.Formats(),
	}
	if info.IndexedFields == nil {
		info.IndexedFields = []string{}
	}
	if meta.Extent != nil {
		info.Extent = &Extent{Spatial: SpatialExtent{
			BBox: [][4]float64{meta.Extent.Array()},
			CRS:  crs.URI(meta.CRS),
		}}
	}
	base := "/collections/" + url.PathEscape(meta.CollectionID)
	info.Links = []format.Link{
		h.link(r, base, nil, "self", "application/json"),
		h.link(r, base+"/items", nil, "items", "application/geo+json"),
	}
	return info
}

// ServeCollection handles GET /collections/{collectionId}.
func (h *Handler) ServeCollection(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Acquire(r.PathValue("collectionId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	meta := snap.Meta()
	snap.Release()
	writeJSON(w, http.StatusOK, h.collectionInfo(r, meta))
}

// CollectionsResponse lists the served collections.
type CollectionsResponse struct {
	Collections []CollectionInfo `json:"collections"`
	Links       []format.Link    `json:"links"`
}

// ServeCollections handles GET /collections.
func (h *Handler) ServeCollections(w http.ResponseWriter, r *http.Request) {
	resp := CollectionsResponse{
		Collections: []CollectionInfo{},
		Links:       []format.Link{h.link(r, "/collections", nil, "self", "application/json")},
	}
	for _, id := range h.registry.Collections() {
		snap, err := h.registry.Acquire(id)
		if err != nil {
			// Removed since Collections was read.
			continue
		}
		meta := snap.Meta()
		snap.Release()
		resp.Collections = append(resp.Collections, h.collectionInfo(r, meta))
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse reports filter usage of one collection.
type StatsResponse struct {
	Collection    string                      `json:"collection"`
	SnapshotID    string                      `json:"snapshot_id"`
	IndexedFields []string                    `json:"indexed_fields"`
	Fields        []observability.FieldStats  `json:"fields"`
	Suggestions   []observability.IndexAction `json:"suggestions"`
}

// ServeStats handles GET /collections/{collectionId}/stats.
func (h *Handler) ServeStats(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collectionId")
	snap, err := h.registry.Acquire(collection)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	meta := snap.Meta()
	snap.Release()

	n := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err = strconv.Atoi(s); err != nil || n < 0 {
			h.respondError(w, r, fperrors.NewValidationError(fperrors.CodeInvalidParameter,
				fmt.Sprintf("limit %q is not a non-negative integer", s)))
			return
		}
	}

	resp := StatsResponse{
		Collection:    collection,
		SnapshotID:    meta.SnapshotID,
		IndexedFields: meta.IndexedFields,
		Fields:        []observability.FieldStats{},
		Suggestions:   []observability.IndexAction{},
	}
	if resp.IndexedFields == nil {
		resp.IndexedFields = []string{}
	}
	if h.stats != nil {
		resp.Fields = append(resp.Fields, h.stats.Top(collection, n)...)
	}
	if h.advisor != nil {
		resp.Suggestions = append(resp.Suggestions, h.advisor.Evaluate(collection)...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Collections   int    `json:"collections"`
	LiveSnapshots int64  `json:"live_snapshots"`
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Collections:   len(h.registry.Collections()),
		LiveSnapshots: snapshot.Live(),
	})
}

func parseItemsRequest(q url.Values) (planner.Request, error) {
	var req planner.Request
	if s := q.Get("bbox"); s != "" {
		b, err := types.ParseBBox(s)
		if err != nil {
			return req, fperrors.NewInvalidBoundingBox(err.Error(), nil)
		}
		req.BBox = &b
	}
	code, err := crs.ParseCode(q.Get("bbox-crs"))
	if err != nil {
		return req, err
	}
	req.BBoxCRS = code
	req.ID = q.Get("id")
	req.Filter = q.Get("filter")
	if req.Limit, err = intParam(q, "limit"); err != nil {
		return req, err
	}
	if req.Offset, err = intParam(q, "offset"); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fperrors.NewValidationError(fperrors.CodeInvalidParameter,
			fmt.Sprintf("%s %q is not an integer", name, s))
	}
	return n, nil
}

// link builds an absolute link to path with query q.
func (h *Handler) link(r *http.Request, path string, q url.Values, rel, typ string) format.Link {
	href := h.baseURL
	if href == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		href = scheme + "://" + r.Host
	}
	href += path
	if len(q) > 0 {
		href += "?" + q.Encode()
	}
	return format.Link{Href: href, Rel: rel, Type: typ}
}

// itemsETag identifies a response: snapshots are immutable, so the snapshot
// id and the request determine the body.
func itemsETag(snapshotID, key string) string {
	return fmt.Sprintf(`W/"%s-%016x"`, snapshotID, murmur3.Sum64([]byte(key)))
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// commitWriter reports whether anything reached the client, after which an
// error response can no longer be written.
type commitWriter struct {
	w         http.ResponseWriter
	committed bool
	n         int64
}

func (c *commitWriter) Write(p []byte) (int, error) {
	c.committed = true
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
