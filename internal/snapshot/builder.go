package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/featurepack/featurepack/internal/bloom"
	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/hilbert"
	"github.com/featurepack/featurepack/internal/index"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/spatial"
	"github.com/featurepack/featurepack/internal/store"
	"github.com/featurepack/featurepack/pkg/types"
)

// Options configures a snapshot build.
type Options struct {
	CollectionID    string
	Fanout          uint16
	HilbertBitDepth uint
	IndexedFields   []string
	BloomFPR        float64
	CRS             int
	Source          string
	Logger          *slog.Logger
}

// DefaultOptions returns the build defaults.
func DefaultOptions() Options {
	return Options{
		Fanout:          spatial.DefaultFanout,
		HilbertBitDepth: hilbert.DefaultBitDepth,
		BloomFPR:        0.01,
		CRS:             7415,
	}
}

// Validate reports the first invalid option.
func (o *Options) Validate() error {
	if o.CollectionID == "" {
		return fmt.Errorf("collection id is required")
	}
	if o.Fanout < spatial.MinFanout {
		return fmt.Errorf("fanout must be at least %d, got %d", spatial.MinFanout, o.Fanout)
	}
	if o.HilbertBitDepth == 0 || o.HilbertBitDepth > hilbert.MaxBitDepth {
		return fmt.Errorf("hilbert bit depth must be in [1, %d], got %d", hilbert.MaxBitDepth, o.HilbertBitDepth)
	}
	if o.BloomFPR <= 0 || o.BloomFPR >= 1 {
		return fmt.Errorf("bloom false positive rate must be in (0, 1), got %g", o.BloomFPR)
	}
	seen := make(map[string]struct{}, len(o.IndexedFields))
	for _, name := range o.IndexedFields {
		if name == "" {
			return fmt.Errorf("indexed field name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("indexed field %q listed twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// duplicateAttribute returns the first attribute name that occurs twice.
// Attributes are short lists, so the quadratic scan avoids an allocation.
func duplicateAttribute(attrs []types.Attribute) (string, bool) {
	for i := 1; i < len(attrs); i++ {
		for j := 0; j < i; j++ {
			if attrs[i].Name == attrs[j].Name {
				return attrs[i].Name, true
			}
		}
	}
	return "", false
}

// countingWriter tracks the absolute position in the artifact.
type countingWriter struct {
	w *bufio.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// Build writes a snapshot of features to w and returns its metadata.
// Features are laid out in Hilbert order; the input slice is not modified.
// Any invalid feature aborts the build with BuildFailed.
func Build(ctx context.Context, w io.Writer, features []*types.Feature, opts Options) (*Metadata, error) {
	meta, err := build(ctx, w, features, opts)
	if err != nil {
		if fperrors.GetCode(err) == fperrors.CodeBuildFailed {
			return nil, err
		}
		return nil, fperrors.NewBuildFailed(fmt.Sprintf("snapshot %q", opts.CollectionID), err)
	}
	return meta, nil
}

func build(ctx context.Context, w io.Writer, features []*types.Feature, opts Options) (*Metadata, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Or(opts.Logger).With("collection", opts.CollectionID)
	start := time.Now()

	boxes := make([]types.BBox, len(features))
	seen := make(map[string]struct{}, len(features))
	for i, f := range features {
		if f == nil || f.ID == "" {
			return nil, fperrors.NewBuildFailed(fmt.Sprintf("feature %d has no id", i), nil)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, fperrors.NewBuildFailed(fmt.Sprintf("duplicate feature id %q", f.ID), nil)
		}
		seen[f.ID] = struct{}{}
		if name, dup := duplicateAttribute(f.Attributes); dup {
			return nil, fperrors.NewBuildFailed(fmt.Sprintf("feature %q has duplicate attribute %q", f.ID, name), nil)
		}
		if err := f.Geometry.Validate(); err != nil {
			return nil, fperrors.NewBuildFailed(fmt.Sprintf("feature %q", f.ID), err)
		}
		boxes[i] = f.BBox()
		if err := boxes[i].Validate(); err != nil {
			return nil, fperrors.NewBuildFailed(fmt.Sprintf("feature %q", f.ID), err)
		}
	}

	perm, extent, err := spatial.Order(boxes, opts.HilbertBitDepth)
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	cw := &countingWriter{w: bw}
	if _, err := io.WriteString(cw, headMagic); err != nil {
		return nil, err
	}

	indexed := make(map[string][]index.Entry, len(opts.IndexedFields))
	for _, name := range opts.IndexedFields {
		indexed[name] = nil
	}
	fieldKinds := make(map[string]types.ValueKind)
	items := make([]spatial.Item, len(features))
	ids := make([]index.IDEntry, len(features))
	filter := bloom.NewWithEstimates(len(features), opts.BloomFPR)

	records := store.NewWriter(cw)
	for pos, idx := range perm {
		if pos%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		f := features[idx]
		off, err := records.Append(f)
		if err != nil {
			return nil, fperrors.NewBuildFailed(fmt.Sprintf("feature %q", f.ID), err)
		}
		items[pos] = spatial.Item{BBox: boxes[idx], Offset: off}
		ids[pos] = index.IDEntry{ID: f.ID, Offset: off}
		filter.AddString(f.ID)
		for _, a := range f.Attributes {
			if k, ok := fieldKinds[a.Name]; !ok || (k == types.KindNull && !a.Value.IsNull()) {
				fieldKinds[a.Name] = a.Value.Kind()
			}
			if entries, ok := indexed[a.Name]; ok {
				indexed[a.Name] = append(entries, index.Entry{Value: a.Value, Offset: off})
			}
		}
	}
	if err := records.Flush(); err != nil {
		return nil, err
	}
	recordSpan := span{Offset: magicSize, Length: records.Size()}

	tree, err := spatial.Build(items, opts.Fanout)
	if err != nil {
		return nil, err
	}

	// Sorting dominates for large collections, so fields are indexed in parallel.
	fieldIndexes := make(map[string][]byte, len(indexed))
	built := make([][]byte, len(opts.IndexedFields))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range opts.IndexedFields {
		entries := indexed[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			built[i] = index.BuildAttribute(entries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, name := range opts.IndexedFields {
		fieldIndexes[name] = built[i]
	}
	attrSection := index.MarshalAttributeSet(fieldIndexes)

	idSection, err := index.BuildIdentifier(ids)
	if err != nil {
		return nil, fperrors.NewBuildFailed("identifier index", err)
	}
	bloomSection := filter.Marshal()

	snapshotID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	meta := &Metadata{
		SnapshotID:      snapshotID.String(),
		CollectionID:    opts.CollectionID,
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		FeatureCount:    uint64(len(features)),
		CRS:             opts.CRS,
		Fanout:          opts.Fanout,
		HilbertBitDepth: opts.HilbertBitDepth,
		IndexedFields:   sortedCopy(opts.IndexedFields),
		Fields:          fieldInfo(fieldKinds, indexed),
		BloomFPR:        opts.BloomFPR,
		Source:          opts.Source,
	}
	if len(features) > 0 {
		meta.Extent = &extent
	}
	metaSection, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	t := &trailer{featureCount: uint64(len(features)), version: FormatVersion}
	t.sections[SectionRecords] = recordSpan
	pos := recordSpan.end()
	sections := [][]byte{tree, attrSection, idSection, bloomSection, metaSection}
	for i, b := range sections {
		t.sections[SectionTree+Section(i)] = span{Offset: pos, Length: uint64(len(b))}
		pos += uint64(len(b))
	}
	t.checksum = checksum(t, sections...)

	for _, b := range sections {
		if _, err := cw.Write(b); err != nil {
			return nil, err
		}
	}
	if _, err := cw.Write(t.encode()); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	logger.Info("snapshot built",
		"snapshot_id", meta.SnapshotID,
		"features", meta.FeatureCount,
		"bytes", cw.n,
		"indexed_fields", meta.IndexedFields,
		"duration", time.Since(start))
	return meta, nil
}

func sortedCopy(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}

func fieldInfo(kinds map[string]types.ValueKind, indexed map[string][]index.Entry) []FieldInfo {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	for name := range indexed {
		if _, ok := kinds[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]FieldInfo, len(names))
	for i, name := range names {
		_, idx := indexed[name]
		kind := types.KindNull
		if k, ok := kinds[name]; ok {
			kind = k
		}
		out[i] = FieldInfo{Name: name, Type: kind.String(), Indexed: idx}
	}
	return out
}

// BuildFile builds a snapshot into path. The artifact is written to a
// temporary file in the same directory and renamed into place, so a reader
// never observes a partial file.
func BuildFile(ctx context.Context, path string, features []*types.Feature, opts Options) (*Metadata, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fperrors.NewBuildFailed("create snapshot directory", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fperrors.NewBuildFailed("create temp snapshot", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	meta, err := Build(ctx, tmp, features, opts)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fperrors.NewBuildFailed("sync snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fperrors.NewBuildFailed("close snapshot", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fperrors.NewBuildFailed("publish snapshot file", err)
	}
	return meta, nil
}
