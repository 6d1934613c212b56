package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/urlnorm"
)

// IdentityChecker answers whether an identity key was routed by a previous
// run. Routing only reads the registry; writing new identities belongs to
// whoever persists the result.
type IdentityChecker interface {
	SeenIdentity(ctx context.Context, key string) (bool, error)
}

// RouteAgent assembles the deliverable set. Accepted records are deduped
// against the batch and against identities seen in previous runs; dropped
// duplicates are counted, never merged. Needs-review records pass through
// untouched and rejected records never reach the output.
type RouteAgent struct {
	ident IdentityChecker
}

// NewRouteAgent builds a routing agent over the given identity check.
func NewRouteAgent(ident IdentityChecker) *RouteAgent {
	return &RouteAgent{ident: ident}
}

// Route implements Router. It performs no writes; the caller hands the
// routed records and their identity keys to persistence.
func (a *RouteAgent) Route(ctx context.Context, runID string, records []model.ValidatedRecord) (*RouteOutput, error) {
	out := &RouteOutput{EmptyOK: true}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Decision == model.DecisionReject {
			continue
		}
		if !rec.Decision.Valid() {
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:     model.StageRoutingOptimization,
				SourceURL: rec.SourceURL,
				Message:   fmt.Sprintf("invalid decision %q", rec.Decision),
			})
			continue
		}

		if rec.Decision == model.DecisionNeedsReview {
			out.Routed = append(out.Routed, rec)
			continue
		}

		key, err := urlnorm.Hash(rec.SourceURL)
		if err != nil {
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:     model.StageRoutingOptimization,
				SourceURL: rec.SourceURL,
				Message:   "identity key: " + err.Error(),
			})
			continue
		}

		if seen[key] {
			out.BatchDuplicates++
			continue
		}
		seen[key] = true

		known, err := a.ident.SeenIdentity(ctx, key)
		if err != nil {
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:     model.StageRoutingOptimization,
				SourceURL: rec.SourceURL,
				Message:   "identity lookup: " + err.Error(),
			})
			continue
		}
		if known {
			out.AlreadyKnown++
			continue
		}

		out.Routed = append(out.Routed, rec)
	}

	zap.L().Info("route: batch finished",
		zap.String("run_id", runID),
		zap.Int("routed", len(out.Routed)),
		zap.Int("batch_duplicates", out.BatchDuplicates),
		zap.Int("already_known", out.AlreadyKnown),
		zap.Int("errors", len(out.Errors)),
	)
	return out, nil
}
