package observability

import (
	"errors"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/query/executor"
	"github.com/featurepack/featurepack/internal/query/planner"
)

// QueryObserver feeds finished queries into the filter stats and the
// metrics. Either may be nil.
type QueryObserver struct {
	Stats   *FilterStats
	Metrics *Metrics
}

var _ executor.Observer = (*QueryObserver)(nil)

// ObserveQuery implements executor.Observer. Queries refused for filtering
// on unindexed fields are counted as rejections of those fields.
func (o *QueryObserver) ObserveQuery(collection string, plan *planner.Plan, stats executor.ExecutionStats, err error) {
	if o.Metrics != nil {
		o.Metrics.ObserveQuery(collection, plan, stats, err)
	}
	if o.Stats == nil {
		return
	}
	if plan != nil {
		o.Stats.RecordFilter(collection, plan.Filter, plan.Fields)
		return
	}
	var fe *fperrors.FeatureError
	if errors.As(err, &fe) && fe.Code == fperrors.CodeUnindexedField {
		fields, _ := fe.Details["fields"].([]string)
		for _, f := range fields {
			o.Stats.RecordRejected(collection, f)
		}
	}
}
