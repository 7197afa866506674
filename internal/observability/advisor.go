package observability

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/featurepack/featurepack/internal/logging"
)

// ActionType is the kind of indexed_fields change the advisor suggests.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionDrop   ActionType = "drop"
)

// IndexAction suggests adding or removing a field from indexed_fields.
type IndexAction struct {
	Type      ActionType `json:"action"`
	Field     string     `json:"field"`
	Frequency int64      `json:"frequency"`
}

// AdvisorConfig holds the thresholds of the advisor.
type AdvisorConfig struct {
	CreateThreshold int64
	DropThreshold   int64
	MaxIndexes      int
	CheckInterval   time.Duration
}

// DefaultAdvisorConfig returns the default thresholds.
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		CreateThreshold: 100,
		DropThreshold:   1,
		MaxIndexes:      16,
		CheckInterval:   5 * time.Minute,
	}
}

// IndexedFieldsProvider reports the fields the served snapshot of a
// collection indexes.
type IndexedFieldsProvider interface {
	IndexedFields(collection string) ([]string, bool)
}

// Advisor turns filter usage into indexed_fields suggestions for the next
// offline build. Snapshots are immutable, so it only reports.
type Advisor struct {
	stats   *FilterStats
	indexed IndexedFieldsProvider
	cfg     AdvisorConfig
	logger  *slog.Logger
}

// NewAdvisor creates an advisor.
func NewAdvisor(stats *FilterStats, indexed IndexedFieldsProvider, cfg AdvisorConfig, logger *slog.Logger) *Advisor {
	def := DefaultAdvisorConfig()
	if cfg.MaxIndexes <= 0 {
		cfg.MaxIndexes = def.MaxIndexes
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Advisor{stats: stats, indexed: indexed, cfg: cfg, logger: logging.Or(logger)}
}

// Evaluate returns the suggested changes for collection: frequently
// filtered fields that are not indexed, then indexed fields that are rarely
// filtered.
func (a *Advisor) Evaluate(collection string) []IndexAction {
	var existing []string
	if a.indexed != nil {
		existing, _ = a.indexed.IndexedFields(collection)
	}
	existingSet := make(map[string]bool, len(existing))
	for _, f := range existing {
		existingSet[f] = true
	}
	count := len(existing)

	top := a.stats.Top(collection, 0)
	freq := make(map[string]int64, len(top))
	var actions []IndexAction
	for _, fs := range top {
		freq[fs.Field] = fs.Frequency
		if fs.Frequency >= a.cfg.CreateThreshold && !existingSet[fs.Field] && count < a.cfg.MaxIndexes {
			actions = append(actions, IndexAction{Type: ActionCreate, Field: fs.Field, Frequency: fs.Frequency})
			count++
		}
	}

	drops := append([]string(nil), existing...)
	sort.Strings(drops)
	for _, f := range drops {
		if freq[f] < a.cfg.DropThreshold {
			actions = append(actions, IndexAction{Type: ActionDrop, Field: f, Frequency: freq[f]})
		}
	}
	return actions
}

// Run prunes the stats and logs suggestions every check interval until ctx
// is done.
func (a *Advisor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.stats.Prune()
			for _, c := range a.stats.Collections() {
				for _, action := range a.Evaluate(c) {
					a.logger.Info("indexed_fields suggestion",
						"collection", c,
						"action", string(action.Type),
						"field", action.Field,
						"frequency", action.Frequency)
				}
			}
		}
	}
}
