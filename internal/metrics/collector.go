// Package metrics aggregates stored run outcomes into the per-arm numbers
// the traffic split is judged on.
package metrics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/store"
)

// maxRunsPerWindow caps how many runs one snapshot reads.
const maxRunsPerWindow = 10000

// ArmStats aggregates the runs of one extraction arm.
type ArmStats struct {
	Runs     int     `json:"runs"`
	Complete int     `json:"complete"`
	Failed   int     `json:"failed"`
	Queued   int     `json:"queued"`
	FailRate float64 `json:"fail_rate"`

	RecordsAccepted int `json:"records_accepted"`
	RecordsReview   int `json:"records_review"`
	RecordsRejected int `json:"records_rejected"`
	Duplicates      int `json:"duplicates"`

	AvgFieldCompletion float64 `json:"avg_field_completion"`
	AvgAcceptRate      float64 `json:"avg_accept_rate"`
	AvgDurationMS      int64   `json:"avg_duration_ms"`
}

// Snapshot holds a point-in-time comparison of the two arms.
type Snapshot struct {
	NewPipeline   ArmStats  `json:"new_pipeline"`
	Legacy        ArmStats  `json:"legacy"`
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers arm metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect aggregates the runs created within the lookback window, grouped
// by arm.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        maxRunsPerWindow,
	})
	if err != nil {
		return nil, eris.Wrap(err, "metrics: list runs")
	}

	newAgg := &armAggregate{}
	legacyAgg := &armAggregate{}
	for _, r := range runs {
		if r.Arm == model.ArmLegacy {
			legacyAgg.add(r)
		} else {
			newAgg.add(r)
		}
	}

	snap.NewPipeline = newAgg.stats()
	snap.Legacy = legacyAgg.stats()
	return snap, nil
}

// armAggregate accumulates one arm's runs before averaging.
type armAggregate struct {
	ArmStats
	completionSum float64
	acceptSum     float64
	durationSumMS int64
	resulted      int
	timed         int
}

func (a *armAggregate) add(r model.Run) {
	a.Runs++
	switch r.Status {
	case model.RunStatusComplete:
		a.Complete++
	case model.RunStatusFailed:
		a.Failed++
	case model.RunStatusQueued:
		a.Queued++
	}

	if r.Result == nil {
		return
	}
	a.RecordsAccepted += len(r.Result.Accepted)
	a.RecordsReview += len(r.Result.NeedsReview)
	a.RecordsRejected += r.Result.RejectedCount
	a.Duplicates += r.Result.DuplicateCount
	a.completionSum += r.Result.Totals.FieldCompletionRate
	a.acceptSum += r.Result.Totals.AcceptRate
	a.resulted++

	if !r.Result.FinishedAt.IsZero() && !r.Result.StartedAt.IsZero() {
		a.durationSumMS += r.Result.FinishedAt.Sub(r.Result.StartedAt).Milliseconds()
		a.timed++
	}
}

func (a *armAggregate) stats() ArmStats {
	s := a.ArmStats
	if finished := s.Complete + s.Failed; finished > 0 {
		s.FailRate = float64(s.Failed) / float64(finished)
	}
	if a.resulted > 0 {
		s.AvgFieldCompletion = a.completionSum / float64(a.resulted)
		s.AvgAcceptRate = a.acceptSum / float64(a.resulted)
	}
	if a.timed > 0 {
		s.AvgDurationMS = a.durationSumMS / int64(a.timed)
	}
	return s
}
