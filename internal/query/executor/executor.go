// Package executor evaluates query plans against a snapshot and streams the
// matching features in ascending store offset order.
package executor

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/query/parser"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/pkg/types"
)

// cancelCheckInterval is how many candidates are examined between context checks.
const cancelCheckInterval = 64

// Observer is notified once per finished query.
type Observer interface {
	ObserveQuery(collection string, plan *planner.Plan, stats ExecutionStats, err error)
}

// ExecutionStats contains query execution counters.
type ExecutionStats struct {
	// Candidates produced by the driving index.
	Candidates int64
	// Confirmed candidates that satisfied every constraint.
	Confirmed int64
	// Skipped confirmed features consumed by the pagination offset.
	Skipped int64
	// Decoded full feature records.
	Decoded int64
	// Returned features handed to the caller.
	Returned int64
	Duration time.Duration
}

// Result is a planned query whose features are produced lazily. Features may
// be ranged over once; Stats is complete after the range loop ends.
type Result struct {
	Plan     *planner.Plan
	Features iter.Seq2[*types.Feature, error]
	Stats    *ExecutionStats
}

// Executor runs queries. It holds no per-query state.
type Executor struct {
	planner  *planner.Planner
	observer Observer
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver reports every finished query to o.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor using p for planning.
func New(p *planner.Planner, opts ...Option) *Executor {
	e := &Executor{planner: p}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Or(e.logger)
	return e
}

// Planner returns the planner used by the executor.
func (e *Executor) Planner() *planner.Planner { return e.planner }

// Execute plans req against snap and returns the lazy result. The caller
// must hold a reference on snap until it is done ranging over the features.
func (e *Executor) Execute(ctx context.Context, snap *snapshot.Snapshot, req planner.Request) (*Result, error) {
	plan, err := e.planner.Plan(snap, req)
	if err != nil {
		if e.observer != nil {
			e.observer.ObserveQuery(snap.Meta().CollectionID, nil, ExecutionStats{}, err)
		}
		return nil, err
	}
	stats := &ExecutionStats{}
	return &Result{
		Plan:     plan,
		Features: e.run(ctx, snap, plan, stats),
		Stats:    stats,
	}, nil
}

// Get returns the feature with the given identifier, or NotFound.
func (e *Executor) Get(ctx context.Context, snap *snapshot.Snapshot, id string) (*types.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	off, err := snap.Identifiers().Lookup(id)
	if err != nil {
		return nil, err
	}
	return snap.Store().Get(off)
}

// Collect drains a result into a slice.
func Collect(seq iter.Seq2[*types.Feature, error]) ([]*types.Feature, error) {
	var out []*types.Feature
	for f, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (e *Executor) run(ctx context.Context, snap *snapshot.Snapshot, plan *planner.Plan, stats *ExecutionStats) iter.Seq2[*types.Feature, error] {
	return func(yield func(*types.Feature, error) bool) {
		start := time.Now()
		var runErr error
		defer func() {
			stats.Duration = time.Since(start)
			e.finish(snap, plan, stats, runErr)
		}()

		if plan.Limit == 0 {
			return
		}
		st := snap.Store()
		needSummary := plan.CheckBBox || plan.CheckFilter

		for off, err := range e.candidates(snap, plan) {
			if err == nil && stats.Candidates%cancelCheckInterval == 0 {
				err = ctx.Err()
			}
			if err != nil {
				runErr = err
				yield(nil, err)
				return
			}
			stats.Candidates++

			if needSummary {
				s, err := st.Summary(off)
				if err != nil {
					runErr = err
					yield(nil, err)
					return
				}
				if !confirm(plan, s) {
					continue
				}
			}
			stats.Confirmed++

			if stats.Skipped < int64(plan.Offset) {
				stats.Skipped++
				continue
			}

			f, err := st.Get(off)
			stats.Decoded++
			if err != nil {
				runErr = err
				yield(nil, err)
				return
			}
			stats.Returned++
			if !yield(f, nil) {
				return
			}
			if stats.Returned >= int64(plan.Limit) {
				return
			}
		}
	}
}

func confirm(plan *planner.Plan, s *types.Summary) bool {
	if plan.CheckBBox && !s.BBox.Intersects(*plan.BBox) {
		return false
	}
	if plan.CheckFilter && !parser.Eval(plan.Filter, s) {
		return false
	}
	return true
}

// candidates yields the offsets produced by the plan's driving index in
// ascending order.
func (e *Executor) candidates(snap *snapshot.Snapshot, plan *planner.Plan) iter.Seq2[uint64, error] {
	return func(yield func(uint64, error) bool) {
		switch plan.Path {
		case planner.PathEmpty:
			return

		case planner.PathIdentifier:
			off, err := snap.Identifiers().Lookup(plan.ID)
			if errors.Is(err, fperrors.ErrNotFound) {
				return
			}
			yield(off, err)

		case planner.PathAttribute:
			bm := e.intersect(snap, plan.Ranges)
			it := bm.Iterator()
			for it.HasNext() {
				if !yield(it.Next(), nil) {
					return
				}
			}

		case planner.PathSpatial:
			for off := range snap.Tree().Intersect(*plan.BBox) {
				if !yield(off, nil) {
					return
				}
			}

		case planner.PathScan:
			st := snap.Store()
			for off, err := range st.Offsets(0, st.Size()) {
				if !yield(off, err) || err != nil {
					return
				}
			}
		}
	}
}

// intersect materializes each range into a bitmap and ANDs them, smallest
// first. The bitmap iterates in ascending offset order.
func (e *Executor) intersect(snap *snapshot.Snapshot, ranges []planner.IndexRange) *roaring64.Bitmap {
	attrs := snap.Attributes()
	var acc *roaring64.Bitmap
	for _, r := range ranges {
		a, ok := attrs.Field(r.Field)
		if !ok {
			return roaring64.New()
		}
		bm := roaring64.New()
		for off := range a.Range(r.Lo, r.Hi) {
			if acc == nil || acc.Contains(off) {
				bm.Add(off)
			}
		}
		acc = bm
		if acc.IsEmpty() {
			break
		}
	}
	if acc == nil {
		return roaring64.New()
	}
	return acc
}

func (e *Executor) finish(snap *snapshot.Snapshot, plan *planner.Plan, stats *ExecutionStats, err error) {
	meta := snap.Meta()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		e.logger.Error("query failed",
			"collection", meta.CollectionID,
			"snapshot_id", meta.SnapshotID,
			"plan", plan.Explain(),
			"error", err)
	} else {
		e.logger.Debug("query finished",
			"collection", meta.CollectionID,
			"plan", plan.Explain(),
			"candidates", stats.Candidates,
			"returned", stats.Returned,
			"duration", stats.Duration)
	}
	if e.observer != nil {
		e.observer.ObserveQuery(meta.CollectionID, plan, *stats, err)
	}
}
