package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/pkg/anthropic"
)

// defaultStageBudget bounds the in-memory stages. The I/O-heavy stages
// carry their own configured budgets.
const defaultStageBudget = 30 * time.Second

// Coordinator drives one run through the staged state machine. Stages
// advance strictly forward; any stage failure marks the run failed and
// nothing downstream executes. The coordinator holds no cross-run state
// and performs no persistence; the caller owns both.
type Coordinator struct {
	cfg      *config.Config
	scroll   ScrollDiscoverer
	links    LinkDiscoverer
	extract  TextExtractor
	validate Validator
	route    Router
}

// NewCoordinator wires the default agents. llm may be nil; the fill
// strategy is only attached when llm_fill is on and a client exists.
// ident is the already-known identity check the routing stage consults.
func NewCoordinator(cfg *config.Config, d driver.PageDriver, llm anthropic.Client, weights *config.WeightTable, ident IdentityChecker) *Coordinator {
	strategies := []Strategy{StructuredStrategy{}, HeuristicStrategy{}}
	if cfg.Extract.LLMFill && llm != nil {
		strategies = append(strategies, NewLLMStrategy(llm, cfg.Anthropic))
	}

	return &Coordinator{
		cfg:      cfg,
		scroll:   NewScrollAgent(d, cfg.Scroll),
		links:    NewLinkAgent(cfg.Discovery),
		extract:  NewExtractAgent(d, cfg.Extract, strategies...),
		validate: NewValidateAgent(cfg.Validation, weights),
		route:    NewRouteAgent(ident),
	}
}

// stageOutcome is what each stage closure reports back to the runner.
type stageOutcome struct {
	output  int
	partial bool
	emptyOK bool
	errs    []model.PipelineError
}

// Run executes the full pipeline for one listing URL under the given run
// ID. It always returns a result: operational failures surface through
// Failed and Errors, never as a panic or error.
func (c *Coordinator) Run(ctx context.Context, runID, sourceURL string) *model.PipelineResult {
	result := &model.PipelineResult{
		RunID:        runID,
		SourceURL:    sourceURL,
		Arm:          model.ArmNewPipeline,
		StageReached: model.StageInitialized,
		StartedAt:    time.Now().UTC(),
	}

	log := zap.L().With(zap.String("run_id", runID), zap.String("source_url", sourceURL))
	log.Info("coordinator: run starting")

	var scrollOut *ScrollOutput
	if !c.runStage(ctx, result, model.StageScrollDiscovery, c.secs(c.cfg.Scroll.TimeoutSecs), 1, func(sctx context.Context) (stageOutcome, error) {
		out, err := c.scroll.Discover(sctx, sourceURL)
		if err != nil {
			return stageOutcome{}, err
		}
		scrollOut = out
		return stageOutcome{output: len(out.Candidates), partial: out.Partial, emptyOK: out.EmptyOK, errs: out.Errors}, nil
	}) {
		return c.finish(result, log)
	}
	result.Totals.CandidatesDiscovered = len(scrollOut.Candidates)

	var linkOut *LinkOutput
	if !c.runStage(ctx, result, model.StageLinkDiscovery, defaultStageBudget, len(scrollOut.Candidates), func(sctx context.Context) (stageOutcome, error) {
		out, err := c.links.Discover(sctx, sourceURL, scrollOut.Candidates)
		if err != nil {
			return stageOutcome{}, err
		}
		linkOut = out
		return stageOutcome{output: len(out.Links), emptyOK: out.EmptyOK, errs: out.Errors}, nil
	}) {
		return c.finish(result, log)
	}
	result.Totals.LinksDiscovered = len(linkOut.Links)

	var extractOut *ExtractOutput
	if !c.runStage(ctx, result, model.StageTextExtraction, c.secs(c.cfg.Extract.TimeoutSecs), len(linkOut.Links), func(sctx context.Context) (stageOutcome, error) {
		out, err := c.extract.Extract(sctx, linkOut.Links)
		if err != nil {
			return stageOutcome{}, err
		}
		extractOut = out
		return stageOutcome{output: len(out.Records), partial: out.Partial, emptyOK: out.EmptyOK, errs: out.Errors}, nil
	}) {
		return c.finish(result, log)
	}
	result.Totals.RecordsExtracted = len(extractOut.Records)

	var validateOut *ValidateOutput
	if !c.runStage(ctx, result, model.StageDataValidation, defaultStageBudget, len(extractOut.Records), func(sctx context.Context) (stageOutcome, error) {
		out, err := c.validate.Validate(sctx, extractOut.Records)
		if err != nil {
			return stageOutcome{}, err
		}
		validateOut = out
		return stageOutcome{output: len(out.Records), emptyOK: out.EmptyOK}, nil
	}) {
		return c.finish(result, log)
	}
	result.RejectedCount = validateOut.Rejected

	var routeOut *RouteOutput
	if !c.runStage(ctx, result, model.StageRoutingOptimization, defaultStageBudget, len(validateOut.Records), func(sctx context.Context) (stageOutcome, error) {
		out, err := c.route.Route(sctx, result.RunID, validateOut.Records)
		if err != nil {
			return stageOutcome{}, err
		}
		routeOut = out
		return stageOutcome{output: len(out.Routed), emptyOK: out.EmptyOK, errs: out.Errors}, nil
	}) {
		return c.finish(result, log)
	}
	result.DuplicateCount = routeOut.BatchDuplicates + routeOut.AlreadyKnown

	for _, rec := range routeOut.Routed {
		if rec.Decision == model.DecisionAccept {
			result.Accepted = append(result.Accepted, rec)
		} else {
			result.NeedsReview = append(result.NeedsReview, rec)
		}
	}
	result.Totals.FieldCompletionRate = meanCompleteness(validateOut.Records)
	if len(validateOut.Records) > 0 {
		result.Totals.AcceptRate = float64(validateOut.Accepted) / float64(len(validateOut.Records))
	}

	result.StageReached = model.StageCompleted
	return c.finish(result, log)
}

// runStage executes one stage under its budget and records metrics. It
// returns false when the stage failed, including a non-empty input
// producing empty output with no empty-is-valid marker. On failure
// StageReached rolls back to the last completed stage so the result
// reports how far the run actually got.
func (c *Coordinator) runStage(ctx context.Context, result *model.PipelineResult, stage model.Stage, budget time.Duration, input int, fn func(context.Context) (stageOutcome, error)) bool {
	completed := result.StageReached
	result.StageReached = stage

	stageCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	start := time.Now()
	outcome, err := runGuarded(stageCtx, fn)
	duration := time.Since(start).Milliseconds()

	result.Errors = append(result.Errors, outcome.errs...)

	if err == nil && outcome.output == 0 && !outcome.emptyOK {
		err = eris.Errorf("%s produced no output", stage)
	}

	metrics := model.StageMetrics{
		Stage:       stage,
		DurationMS:  duration,
		InputCount:  input,
		OutputCount: outcome.output,
		ErrorCount:  len(outcome.errs),
		Partial:     outcome.partial,
	}

	if err != nil {
		metrics.ErrorCount++
		result.Metrics = append(result.Metrics, metrics)
		result.Errors = append(result.Errors, model.PipelineError{
			Stage:   stage,
			Message: err.Error(),
		})
		result.StageReached = completed
		result.Failed = true
		zap.L().Error("coordinator: stage failed",
			zap.String("run_id", result.RunID),
			zap.String("stage", string(stage)),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		return false
	}

	result.Metrics = append(result.Metrics, metrics)
	zap.L().Info("coordinator: stage complete",
		zap.String("run_id", result.RunID),
		zap.String("stage", string(stage)),
		zap.Int64("duration_ms", duration),
		zap.Int("input", input),
		zap.Int("output", outcome.output),
		zap.Bool("partial", outcome.partial),
	)
	return true
}

// runGuarded runs one stage closure, converting an agent panic into a
// stage error.
func runGuarded(ctx context.Context, fn func(context.Context) (stageOutcome, error)) (outcome stageOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("stage panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// finish stamps the end time and logs the terminal summary.
func (c *Coordinator) finish(result *model.PipelineResult, log *zap.Logger) *model.PipelineResult {
	result.FinishedAt = time.Now().UTC()

	if result.Failed {
		log.Warn("coordinator: run failed",
			zap.String("stage_reached", string(result.StageReached)),
			zap.Int("errors", len(result.Errors)),
		)
	} else {
		log.Info("coordinator: run complete",
			zap.Int("accepted", len(result.Accepted)),
			zap.Int("needs_review", len(result.NeedsReview)),
			zap.Int("rejected", result.RejectedCount),
			zap.Int("duplicates", result.DuplicateCount),
		)
	}
	return result
}

func (c *Coordinator) secs(n int) time.Duration {
	if n <= 0 {
		return defaultStageBudget
	}
	return time.Duration(n) * time.Second
}

func meanCompleteness(records []model.ValidatedRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, rec := range records {
		sum += rec.CompletenessScore
	}
	return sum / float64(len(records))
}
