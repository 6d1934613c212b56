package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/model"
)

// coreWeight is the weight at or above which a field counts as core; its
// absence is named in rejection reasons.
const coreWeight = 0.10

// ValidateAgent scores records for completeness against the weight table
// and issues accept, needs-review, or reject decisions. Trusted-source
// records bypass the score gate but not the structural one; the flag was
// stamped upstream and is honored here without re-derivation.
type ValidateAgent struct {
	cfg   config.ValidationConfig
	table *config.WeightTable
}

// NewValidateAgent builds a validation agent. A nil table falls back to the
// built-in default weights.
func NewValidateAgent(cfg config.ValidationConfig, table *config.WeightTable) *ValidateAgent {
	if table == nil {
		table = config.DefaultWeights()
	}
	return &ValidateAgent{cfg: cfg, table: table}
}

// Validate implements Validator. Every input record comes back annotated;
// the output never has fewer records than the input.
func (a *ValidateAgent) Validate(ctx context.Context, records []model.ExtractedRecord) (*ValidateOutput, error) {
	out := &ValidateOutput{EmptyOK: len(records) == 0}

	total := a.table.Total()
	if total <= 0 {
		return nil, eris.New("validate: weight table has no weight")
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "validate: cancelled")
		}
		vr := a.validateOne(rec, total)
		out.Records = append(out.Records, vr)
		switch {
		case vr.BypassApplied:
			out.Bypassed++
			out.Accepted++
		case vr.Decision == model.DecisionAccept:
			out.Accepted++
		case vr.Decision == model.DecisionNeedsReview:
			out.Review++
		default:
			out.Rejected++
		}
	}

	zap.L().Info("validate: batch finished",
		zap.Int("records", len(records)),
		zap.Int("accepted", out.Accepted),
		zap.Int("needs_review", out.Review),
		zap.Int("rejected", out.Rejected),
		zap.Int("bypassed", out.Bypassed),
	)
	return out, nil
}

func (a *ValidateAgent) validateOne(rec model.ExtractedRecord, total float64) model.ValidatedRecord {
	var sum float64
	var missingCore []string

	for key, fw := range a.table.Fields {
		floor := a.table.FloorFor(key, a.cfg.FieldConfidenceFloor)
		fv, ok := rec.Field(key)
		if ok && strings.TrimSpace(fv.Value) != "" && fv.Confidence >= floor {
			sum += fw.Weight
			continue
		}
		if fw.Weight >= coreWeight {
			missingCore = append(missingCore, key)
		}
	}

	vr := model.ValidatedRecord{
		ExtractedRecord:   rec,
		CompletenessScore: sum / total,
	}

	threshold := a.cfg.AcceptanceThreshold
	switch {
	case len(rec.Fields) == 0:
		// The bypass waives the score gate, not the structural one: a record
		// with nothing in it is rejected no matter where it came from.
		vr.Decision = model.DecisionReject
		vr.RejectionReasons = []string{"no fields extracted"}
	case rec.Provenance.TrustedSource:
		// Trust was stamped by the extraction agent from the platform
		// registry. The score is still recorded for metrics.
		vr.Decision = model.DecisionAccept
		vr.BypassApplied = true
	case vr.CompletenessScore >= threshold:
		vr.Decision = model.DecisionAccept
	case vr.CompletenessScore >= threshold-a.cfg.ReviewBand:
		vr.Decision = model.DecisionNeedsReview
		vr.RejectionReasons = buildReasons(vr.CompletenessScore, threshold, missingCore)
	default:
		vr.Decision = model.DecisionReject
		vr.RejectionReasons = buildReasons(vr.CompletenessScore, threshold, missingCore)
	}
	return vr
}

func buildReasons(score, threshold float64, missingCore []string) []string {
	reasons := []string{
		fmt.Sprintf("completeness %.2f below threshold %.2f", score, threshold),
	}
	if len(missingCore) > 0 {
		sort.Strings(missingCore)
		reasons = append(reasons, "missing core fields: "+strings.Join(missingCore, ", "))
	}
	return reasons
}
