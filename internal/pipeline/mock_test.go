package pipeline

import (
	"context"
	"sync"

	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/store"
	"github.com/gatherline/eventpipe/pkg/anthropic"
)

// sampleScript is one scripted response from fakeDriver.Sample.
type sampleScript struct {
	sample *driver.PageSample
	err    error
}

// stepScript is one scripted response from fakeDriver.Scroll.
type stepScript struct {
	step *driver.ScrollStep
	err  error
}

// fakeDriver implements driver.PageDriver for testing. Scroll and Sample
// consume their scripts in call order; past the end the last entry repeats,
// so a short script behaves like a page that stopped changing.
type fakeDriver struct {
	openErr error
	samples []sampleScript
	steps   []stepScript

	pages     map[string]*driver.Page
	fetchErrs map[string]error

	mu           sync.Mutex
	fetched      []string
	gotSelectors []string
	sampleCalls  int
	scrollCalls  int
	closeCalls   int
}

func (f *fakeDriver) Open(_ context.Context, url string, selectors []string) (*driver.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	f.gotSelectors = selectors
	f.mu.Unlock()
	return &driver.Session{ID: "sess-1", URL: url}, nil
}

func (f *fakeDriver) Scroll(_ context.Context, _ *driver.Session) (*driver.ScrollStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.scrollCalls
	f.scrollCalls++
	if len(f.steps) == 0 {
		return &driver.ScrollStep{}, nil
	}
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	return s.step, s.err
}

func (f *fakeDriver) Sample(_ context.Context, _ *driver.Session) (*driver.PageSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.sampleCalls
	f.sampleCalls++
	if len(f.samples) == 0 {
		return &driver.PageSample{ContainerFound: true}, nil
	}
	if idx >= len(f.samples) {
		idx = len(f.samples) - 1
	}
	s := f.samples[idx]
	return s.sample, s.err
}

func (f *fakeDriver) Close(_ context.Context, _ *driver.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeDriver) Fetch(_ context.Context, url string) (*driver.Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()
	if err, ok := f.fetchErrs[url]; ok {
		return nil, err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return &driver.Page{URL: url, HTML: "<html></html>", StatusCode: 200}, nil
}

// fakeStore implements store.Store for testing.
type fakeStore struct {
	mu             sync.Mutex
	runs           map[string]*model.Run
	results        []*model.PipelineResult
	savedRecords   map[string][]model.ValidatedRecord
	identities     map[string]store.Identity
	createRunErr   error
	saveResultErr  error
	saveRecordsErr error
	seenErr        error
	recordIdentErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:         make(map[string]*model.Run),
		savedRecords: make(map[string][]model.ValidatedRecord),
		identities:   make(map[string]store.Identity),
	}
}

func (f *fakeStore) CreateRun(_ context.Context, run *model.Run) error {
	if f.createRunErr != nil {
		return f.createRunErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, runID string, status model.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		run.Status = status
	}
	return nil
}

func (f *fakeStore) SaveResult(_ context.Context, result *model.PipelineResult) error {
	if f.saveResultErr != nil {
		return f.saveResultErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID], nil
}

func (f *fakeStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	return nil, nil
}

func (f *fakeStore) SaveRecords(_ context.Context, runID string, records []model.ValidatedRecord) error {
	if f.saveRecordsErr != nil {
		return f.saveRecordsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedRecords[runID] = append(f.savedRecords[runID], records...)
	return nil
}

func (f *fakeStore) SeenIdentity(_ context.Context, key string) (bool, error) {
	if f.seenErr != nil {
		return false, f.seenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.identities[key]
	return ok, nil
}

func (f *fakeStore) RecordIdentities(_ context.Context, ids []store.Identity) error {
	if f.recordIdentErr != nil {
		return f.recordIdentErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if _, ok := f.identities[id.Key]; !ok {
			f.identities[id.Key] = id
		}
	}
	return nil
}

func (f *fakeStore) Migrate(_ context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

// fakeScroll implements ScrollDiscoverer for coordinator tests.
type fakeScroll struct {
	out *ScrollOutput
	err error
}

func (f *fakeScroll) Discover(_ context.Context, _ string) (*ScrollOutput, error) {
	return f.out, f.err
}

// fakeLinks implements LinkDiscoverer for coordinator tests.
type fakeLinks struct {
	out           *LinkOutput
	err           error
	gotCandidates []model.ItemCandidate
}

func (f *fakeLinks) Discover(_ context.Context, _ string, candidates []model.ItemCandidate) (*LinkOutput, error) {
	f.gotCandidates = candidates
	return f.out, f.err
}

// fakeExtract implements TextExtractor for coordinator tests.
type fakeExtract struct {
	out    *ExtractOutput
	err    error
	called bool
}

func (f *fakeExtract) Extract(_ context.Context, _ []model.CandidateLink) (*ExtractOutput, error) {
	f.called = true
	return f.out, f.err
}

// fakeValidate implements Validator for coordinator tests.
type fakeValidate struct {
	out    *ValidateOutput
	err    error
	called bool
}

func (f *fakeValidate) Validate(_ context.Context, _ []model.ExtractedRecord) (*ValidateOutput, error) {
	f.called = true
	return f.out, f.err
}

// fakeRoute implements Router for coordinator tests.
type fakeRoute struct {
	out      *RouteOutput
	err      error
	gotRunID string
}

func (f *fakeRoute) Route(_ context.Context, runID string, _ []model.ValidatedRecord) (*RouteOutput, error) {
	f.gotRunID = runID
	return f.out, f.err
}

// fakeLLM implements anthropic.Client for testing.
type fakeLLM struct {
	response *anthropic.MessageResponse
	err      error
	requests []anthropic.MessageRequest
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}
