package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/legacy"
	"github.com/gatherline/eventpipe/internal/metrics"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/pipeline"
	"github.com/gatherline/eventpipe/internal/split"
	"github.com/gatherline/eventpipe/internal/store"
	"github.com/gatherline/eventpipe/internal/urlnorm"
	anthropicpkg "github.com/gatherline/eventpipe/pkg/anthropic"
)

// pipelineEnv holds the store, the splitter, and both extraction arms,
// shared by the run and serve commands.
type pipelineEnv struct {
	Store       store.Store
	Splitter    *split.Splitter
	Coordinator *pipeline.Coordinator
	Legacy      *legacy.Extractor
	Driver      *driver.Remote
	Collector   *metrics.Collector
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the render driver, and both extraction
// arms. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var weights *config.WeightTable
	if cfg.Validation.WeightsFile != "" {
		weights, err = config.LoadWeights(cfg.Validation.WeightsFile)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load weights")
		}
		zap.L().Info("field weights loaded",
			zap.String("file", cfg.Validation.WeightsFile),
			zap.Int("fields", len(weights.Fields)),
		)
	}

	// Anthropic client (optional, only consulted when extract.llm_fill is on).
	var llm anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		llm = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Debug("EVENTPIPE_ANTHROPIC_KEY not set, LLM field fill disabled")
	}

	splitter, err := split.New(cfg.Split)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	d := driver.NewRemote(cfg.Driver)

	return &pipelineEnv{
		Store:       st,
		Splitter:    splitter,
		Coordinator: pipeline.NewCoordinator(cfg, d, llm, weights, st),
		Legacy:      legacy.NewExtractor(cfg, weights, st),
		Driver:      d,
		Collector:   metrics.NewCollector(st),
	}, nil
}

// executeRun takes one listing URL through arm assignment, extraction, and
// persistence. forceArm overrides the splitter when non-empty. Extraction
// never errors; a non-nil error means the run row or its outcome could not
// be persisted, and the result (when present) is returned alongside it.
func executeRun(ctx context.Context, env *pipelineEnv, sourceURL string, forceArm model.Arm) (*model.PipelineResult, error) {
	arm := forceArm
	if arm == "" {
		arm = env.Splitter.Assign(sourceURL)
	}

	run := &model.Run{
		ID:        uuid.New().String(),
		SourceURL: sourceURL,
		Arm:       arm,
		Status:    model.RunStatusRunning,
	}
	if err := env.Store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "create run")
	}

	zap.L().Info("run started",
		zap.String("run_id", run.ID),
		zap.String("source_url", sourceURL),
		zap.String("arm", string(arm)),
	)

	var result *model.PipelineResult
	if arm == model.ArmLegacy {
		result = env.Legacy.Run(ctx, run.ID, sourceURL)
	} else {
		result = env.Coordinator.Run(ctx, run.ID, sourceURL)
	}

	if err := env.Store.SaveResult(ctx, result); err != nil {
		return result, eris.Wrap(err, "save result")
	}

	routed := make([]model.ValidatedRecord, 0, len(result.Accepted)+len(result.NeedsReview))
	routed = append(routed, result.Accepted...)
	routed = append(routed, result.NeedsReview...)
	if err := env.Store.SaveRecords(ctx, run.ID, routed); err != nil {
		return result, eris.Wrap(err, "save records")
	}

	if err := recordIdentities(ctx, env.Store, run.ID, result.Accepted); err != nil {
		return result, err
	}

	return result, nil
}

// recordIdentities claims identity keys for the accepted records so later
// runs drop them as already known. Records whose URL does not hash were
// already reported by the routing stage; they are skipped here.
func recordIdentities(ctx context.Context, st store.Store, runID string, accepted []model.ValidatedRecord) error {
	if len(accepted) == 0 {
		return nil
	}

	ids := make([]store.Identity, 0, len(accepted))
	for _, rec := range accepted {
		key, err := urlnorm.Hash(rec.SourceURL)
		if err != nil {
			continue
		}
		ids = append(ids, store.Identity{Key: key, URL: rec.SourceURL, RunID: runID})
	}

	if err := st.RecordIdentities(ctx, ids); err != nil {
		return eris.Wrap(err, "record identities")
	}
	return nil
}
