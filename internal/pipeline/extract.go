package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gatherline/eventpipe/internal/blockdetect"
	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
)

// ExtractAgent visits candidate links with a bounded worker pool and runs
// the strategy chain against each fetched page.
type ExtractAgent struct {
	driver     driver.PageDriver
	strategies []Strategy
	cfg        config.ExtractConfig
}

// NewExtractAgent builds an extraction agent. With no explicit strategies
// the structured-then-heuristic chain is used.
func NewExtractAgent(d driver.PageDriver, cfg config.ExtractConfig, strategies ...Strategy) *ExtractAgent {
	if len(strategies) == 0 {
		strategies = []Strategy{StructuredStrategy{}, HeuristicStrategy{}}
	}
	return &ExtractAgent{driver: d, strategies: strategies, cfg: cfg}
}

// Extract implements TextExtractor. Every link yields exactly one record:
// a failed fetch or a page with nothing extractable produces a degenerate
// zero-field record plus an error keyed by its URL, so downstream counts
// stay aligned with the link batch and per-link failures never abort it.
func (a *ExtractAgent) Extract(ctx context.Context, links []model.CandidateLink) (*ExtractOutput, error) {
	out := &ExtractOutput{EmptyOK: len(links) == 0}
	if len(links) == 0 {
		return out, nil
	}

	concurrency := a.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	records := make([]model.ExtractedRecord, len(links))
	errs := make([]error, len(links))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, link := range links {
		g.Go(func() error {
			records[i], errs[i] = a.extractOne(gctx, link)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures land in errs

	out.Records = records
	for i := range links {
		if errs[i] != nil {
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:     model.StageTextExtraction,
				SourceURL: links[i].URL,
				Message:   errs[i].Error(),
			})
		}
	}
	out.Partial = ctx.Err() != nil && len(out.Errors) < len(links)

	zap.L().Info("extract: batch finished",
		zap.Int("links", len(links)),
		zap.Int("records", len(out.Records)),
		zap.Int("failures", len(out.Errors)),
		zap.Bool("partial", out.Partial),
	)
	return out, nil
}

// extractOne fetches one page and walks the strategy chain over it. A later
// strategy only fills keys the earlier ones left empty. Failures still
// return a record so the batch stays link-aligned; it just carries zero
// fields and method none, and validation sorts it out.
func (a *ExtractAgent) extractOne(ctx context.Context, link model.CandidateLink) (model.ExtractedRecord, error) {
	rec := model.ExtractedRecord{
		SourceURL: link.URL,
		Fields:    make(map[string]model.FieldValue),
		Method:    model.MethodNone,
		Provenance: model.Provenance{
			Platform:      link.Platform,
			TrustedSource: link.Platform.Trusted(),
		},
	}

	fetchTimeout := time.Duration(a.cfg.FetchTimeoutSecs) * time.Second
	if fetchTimeout <= 0 {
		fetchTimeout = 20 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	page, err := a.driver.Fetch(fetchCtx, link.URL)
	if err != nil {
		return rec, eris.Wrapf(err, "extract %s", link.URL)
	}
	if blocked, kind := blockdetect.Detect(page.StatusCode, nil, []byte(page.HTML)); blocked {
		return rec, eris.Errorf("blocked page (%s) at %s", kind, link.URL)
	}

	for _, strategy := range a.chainFor(link.Platform) {
		extracted, err := strategy.Extract(ctx, page, rec.Fields)
		if err != nil {
			zap.L().Debug("extract: strategy failed, trying next",
				zap.String("url", link.URL),
				zap.String("strategy", string(strategy.Method())),
				zap.Error(err),
			)
			continue
		}
		rec.RawFieldCount += len(extracted)

		contributed := false
		for key, fv := range extracted {
			if _, ok := rec.Fields[key]; ok {
				continue
			}
			rec.Fields[key] = fv
			contributed = true
		}
		if contributed && rec.Method == model.MethodNone {
			rec.Method = strategy.Method()
		}
	}

	rec.PopulatedFieldCount = len(rec.Fields)
	if rec.PopulatedFieldCount == 0 {
		return rec, eris.Errorf("no fields extracted from %s", link.URL)
	}
	return rec, nil
}

// chainFor splices the platform selector pack into the strategy chain for
// one link, after structured markup and ahead of the generic passes.
// Platforms without a pack extract through the configured chain as is.
func (a *ExtractAgent) chainFor(platform model.SourcePlatform) []Strategy {
	ps, ok := NewPlatformStrategy(platform)
	if !ok {
		return a.strategies
	}
	chain := make([]Strategy, 0, len(a.strategies)+1)
	spliced := false
	for _, s := range a.strategies {
		if !spliced && s.Method() != model.MethodStructured {
			chain = append(chain, ps)
			spliced = true
		}
		chain = append(chain, s)
	}
	if !spliced {
		chain = append(chain, ps)
	}
	return chain
}
