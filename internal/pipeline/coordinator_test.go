package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/model"
)

func testCoordinator(scroll *fakeScroll, links *fakeLinks, extract *fakeExtract, validate *fakeValidate, route *fakeRoute) *Coordinator {
	return &Coordinator{
		cfg:      &config.Config{},
		scroll:   scroll,
		links:    links,
		extract:  extract,
		validate: validate,
		route:    route,
	}
}

func happyPathFakes() (*fakeScroll, *fakeLinks, *fakeExtract, *fakeValidate, *fakeRoute) {
	accepted := validatedFor("https://events.example.com/event/1", model.DecisionAccept)
	accepted.CompletenessScore = 0.9
	review := validatedFor("https://events.example.com/event/2", model.DecisionNeedsReview)
	review.CompletenessScore = 0.5

	scroll := &fakeScroll{out: &ScrollOutput{
		Candidates: []model.ItemCandidate{
			{ID: "c1", RawContent: "<div>one</div>"},
			{ID: "c2", RawContent: "<div>two</div>"},
			{ID: "c3", RawContent: "<div>three</div>"},
		},
		Depth: 4,
	}}
	links := &fakeLinks{out: &LinkOutput{
		Links: []model.CandidateLink{
			{URL: "https://events.example.com/event/1", Platform: model.PlatformCalendarNative, Confidence: 0.95},
			{URL: "https://events.example.com/event/2", Platform: model.PlatformUnknown, Confidence: 0.5},
		},
	}}
	extract := &fakeExtract{out: &ExtractOutput{
		Records: []model.ExtractedRecord{
			accepted.ExtractedRecord,
			review.ExtractedRecord,
		},
	}}
	validate := &fakeValidate{out: &ValidateOutput{
		Records:  []model.ValidatedRecord{accepted, review},
		Accepted: 1,
		Review:   1,
	}}
	route := &fakeRoute{out: &RouteOutput{
		Routed:          []model.ValidatedRecord{accepted, review},
		BatchDuplicates: 1,
		AlreadyKnown:    2,
		EmptyOK:         true,
	}}
	return scroll, links, extract, validate, route
}

func TestCoordinatorRun_HappyPath(t *testing.T) {
	scroll, links, extract, validate, route := happyPathFakes()
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	require.NotNil(t, result)
	assert.Equal(t, model.StageCompleted, result.StageReached)
	assert.False(t, result.Failed)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, listingURL, result.SourceURL)
	assert.Equal(t, model.ArmNewPipeline, result.Arm)
	assert.False(t, result.StartedAt.IsZero())
	assert.False(t, result.FinishedAt.IsZero())

	assert.Equal(t, 3, result.Totals.CandidatesDiscovered)
	assert.Equal(t, 2, result.Totals.LinksDiscovered)
	assert.Equal(t, 2, result.Totals.RecordsExtracted)
	assert.InDelta(t, 0.7, result.Totals.FieldCompletionRate, 1e-9)
	assert.InDelta(t, 0.5, result.Totals.AcceptRate, 1e-9)

	assert.Len(t, result.Accepted, 1)
	assert.Len(t, result.NeedsReview, 1)
	assert.Equal(t, 0, result.RejectedCount)
	assert.Equal(t, 3, result.DuplicateCount)

	// One metrics entry per stage, in execution order.
	require.Len(t, result.Metrics, 5)
	wantStages := []model.Stage{
		model.StageScrollDiscovery,
		model.StageLinkDiscovery,
		model.StageTextExtraction,
		model.StageDataValidation,
		model.StageRoutingOptimization,
	}
	for i, stage := range wantStages {
		assert.Equal(t, stage, result.Metrics[i].Stage)
	}
	assert.Equal(t, 3, result.Metrics[1].InputCount)
	assert.Equal(t, 2, result.Metrics[1].OutputCount)

	// The routing agent saw this run's ID.
	assert.Equal(t, "run-1", route.gotRunID)
}

func TestCoordinatorRun_StageFailureShortCircuits(t *testing.T) {
	scroll := &fakeScroll{err: eris.New("render service down")}
	links := &fakeLinks{}
	extract := &fakeExtract{}
	validate := &fakeValidate{}
	route := &fakeRoute{}
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	require.NotNil(t, result)
	assert.True(t, result.Failed)
	// StageReached reports the last completed state, not the broken one.
	assert.Equal(t, model.StageInitialized, result.StageReached)

	require.NotEmpty(t, result.Errors)
	assert.Equal(t, model.StageScrollDiscovery, result.Errors[0].Stage)
	assert.Contains(t, result.Errors[0].Message, "render service down")

	// Nothing downstream ran.
	assert.Nil(t, links.gotCandidates)
	assert.False(t, extract.called)
	assert.False(t, validate.called)
	assert.Equal(t, "", route.gotRunID)

	require.Len(t, result.Metrics, 1)
	assert.Equal(t, 1, result.Metrics[0].ErrorCount)
	assert.False(t, result.FinishedAt.IsZero())
}

func TestCoordinatorRun_MidpointFailureKeepsCompletedStages(t *testing.T) {
	scroll, links, _, _, route := happyPathFakes()
	extract := &fakeExtract{err: eris.New("all sessions expired")}
	validate := &fakeValidate{}
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	assert.True(t, result.Failed)
	assert.Equal(t, model.StageLinkDiscovery, result.StageReached)
	assert.Equal(t, 3, result.Totals.CandidatesDiscovered)
	assert.Equal(t, 2, result.Totals.LinksDiscovered)
	assert.False(t, validate.called)
	require.Len(t, result.Metrics, 3)
}

func TestCoordinatorRun_EmptyWithoutMarkerFails(t *testing.T) {
	scroll := &fakeScroll{out: &ScrollOutput{}}
	c := testCoordinator(scroll, &fakeLinks{}, &fakeExtract{}, &fakeValidate{}, &fakeRoute{})

	result := c.Run(context.Background(), "run-1", listingURL)

	assert.True(t, result.Failed)
	assert.Equal(t, model.StageInitialized, result.StageReached)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "produced no output")
}

func TestCoordinatorRun_EmptyValidListingCompletes(t *testing.T) {
	scroll := &fakeScroll{out: &ScrollOutput{EmptyOK: true}}
	links := &fakeLinks{out: &LinkOutput{EmptyOK: true}}
	extract := &fakeExtract{out: &ExtractOutput{EmptyOK: true}}
	validate := &fakeValidate{out: &ValidateOutput{EmptyOK: true}}
	route := &fakeRoute{out: &RouteOutput{EmptyOK: true}}
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	assert.Equal(t, model.StageCompleted, result.StageReached)
	assert.False(t, result.Failed)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Metrics, 5)
	assert.Equal(t, 0, result.Totals.CandidatesDiscovered)
	assert.Empty(t, result.Accepted)
	assert.Zero(t, result.Totals.AcceptRate)
}

func TestCoordinatorRun_AllLinksFailStillRoutes(t *testing.T) {
	scroll, links, _, _, _ := happyPathFakes()

	// Every fetch failed. Extraction reports a degenerate record plus an
	// error per link, and validation rejects everything.
	deg1 := model.ExtractedRecord{SourceURL: "https://events.example.com/event/1"}
	deg2 := model.ExtractedRecord{SourceURL: "https://events.example.com/event/2"}
	extract := &fakeExtract{out: &ExtractOutput{
		Records: []model.ExtractedRecord{deg1, deg2},
		Errors: []model.PipelineError{
			{Stage: model.StageTextExtraction, SourceURL: deg1.SourceURL, Message: "fetch: connection reset"},
			{Stage: model.StageTextExtraction, SourceURL: deg2.SourceURL, Message: "fetch: connection reset"},
		},
	}}
	validate := &fakeValidate{out: &ValidateOutput{
		Records: []model.ValidatedRecord{
			{ExtractedRecord: deg1, Decision: model.DecisionReject},
			{ExtractedRecord: deg2, Decision: model.DecisionReject},
		},
		Rejected: 2,
	}}
	route := &fakeRoute{out: &RouteOutput{EmptyOK: true}}
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	assert.Equal(t, model.StageCompleted, result.StageReached)
	assert.False(t, result.Failed)
	assert.Empty(t, result.Accepted)
	assert.Equal(t, 2, result.RejectedCount)
	assert.Len(t, result.Errors, 2)
	assert.Zero(t, result.Totals.AcceptRate)
	// Routing still ran despite zero extractable pages.
	assert.Equal(t, "run-1", route.gotRunID)
}

func TestCoordinatorRun_StageErrorsAggregated(t *testing.T) {
	scroll, links, extract, validate, route := happyPathFakes()
	scroll.out.Errors = []model.PipelineError{
		{Stage: model.StageScrollDiscovery, SourceURL: listingURL, Message: "step 3 timed out"},
		{Stage: model.StageScrollDiscovery, SourceURL: listingURL, Message: "step 7 timed out"},
	}
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	assert.Equal(t, model.StageCompleted, result.StageReached)
	assert.Len(t, result.Errors, 2)
	assert.Equal(t, 2, result.Metrics[0].ErrorCount)
}

func TestCoordinatorRun_PartialStageRecorded(t *testing.T) {
	scroll, links, extract, validate, route := happyPathFakes()
	scroll.out.Partial = true
	c := testCoordinator(scroll, links, extract, validate, route)

	result := c.Run(context.Background(), "run-1", listingURL)

	assert.Equal(t, model.StageCompleted, result.StageReached)
	assert.True(t, result.Metrics[0].Partial)
}

// panicScroll implements ScrollDiscoverer and always panics.
type panicScroll struct{}

func (panicScroll) Discover(context.Context, string) (*ScrollOutput, error) {
	panic("nil page handle")
}

func TestCoordinatorRun_AgentPanicBecomesFailedResult(t *testing.T) {
	c := &Coordinator{
		cfg:    &config.Config{},
		scroll: panicScroll{},
	}

	var result *model.PipelineResult
	require.NotPanics(t, func() {
		result = c.Run(context.Background(), "run-1", listingURL)
	})

	require.NotNil(t, result)
	assert.True(t, result.Failed)
	assert.Equal(t, model.StageInitialized, result.StageReached)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "panicked")
	assert.Contains(t, result.Errors[0].Message, "nil page handle")
}

func TestNewCoordinator_LLMStrategyGatedByConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Extract.Concurrency = 2
	st := newFakeStore()

	c := NewCoordinator(cfg, &fakeDriver{}, nil, nil, st)
	agent, ok := c.extract.(*ExtractAgent)
	require.True(t, ok)
	assert.Len(t, agent.strategies, 2)

	cfg.Extract.LLMFill = true
	c = NewCoordinator(cfg, &fakeDriver{}, &fakeLLM{}, nil, st)
	agent, ok = c.extract.(*ExtractAgent)
	require.True(t, ok)
	require.Len(t, agent.strategies, 3)
	assert.Equal(t, model.MethodLLM, agent.strategies[2].Method())
}
