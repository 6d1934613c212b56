// Package pipeline implements the staged extraction flow for event listing
// pages: scroll discovery, link discovery, text extraction, data
// validation, and routing, advanced by a coordinator state machine.
package pipeline

import (
	"context"

	"github.com/gatherline/eventpipe/internal/model"
)

// ScrollOutput is what scroll discovery hands to link discovery.
type ScrollOutput struct {
	Candidates []model.ItemCandidate
	// EmptyOK marks a legitimately empty listing: the item container was
	// found but holds no items. Zero candidates without it fails the stage.
	EmptyOK bool
	// Partial is set when the stage budget elapsed mid-scroll and the
	// candidates are a truncated view of the page.
	Partial bool
	// Depth is the number of scroll steps performed.
	Depth  int
	Errors []model.PipelineError
}

// LinkOutput is the deduplicated link set produced from item candidates.
type LinkOutput struct {
	Links   []model.CandidateLink
	EmptyOK bool
	// Duplicates counts URLs that collapsed onto an already-seen canonical
	// form during discovery.
	Duplicates int
	// Filtered counts links dropped below the discovery confidence floor
	// or beyond the per-run link cap.
	Filtered int
	Errors   []model.PipelineError
}

// ExtractOutput holds the records pulled from candidate link pages.
// Per-link failures land in Errors and never abort the batch.
type ExtractOutput struct {
	Records []model.ExtractedRecord
	EmptyOK bool
	Partial bool
	Errors  []model.PipelineError
}

// ValidateOutput annotates every input record with a decision. Output
// cardinality always equals input cardinality.
type ValidateOutput struct {
	Records  []model.ValidatedRecord
	Accepted int
	Review   int
	Rejected int
	Bypassed int
	EmptyOK  bool
}

// RouteOutput is the deliverable record set. Zero routed records is a
// legitimate outcome (everything rejected or already known), so EmptyOK is
// always true.
type RouteOutput struct {
	Routed []model.ValidatedRecord
	// BatchDuplicates counts accepted records collapsed inside this batch.
	BatchDuplicates int
	// AlreadyKnown counts accepted records whose identity a previous run
	// routed. Both kinds are dropped and counted, never merged.
	AlreadyKnown int
	EmptyOK      bool
	Errors       []model.PipelineError
}

// The coordinator depends on these interfaces so each stage can be
// scripted independently in tests.

// ScrollDiscoverer walks a listing page and collects item candidates.
type ScrollDiscoverer interface {
	Discover(ctx context.Context, sourceURL string) (*ScrollOutput, error)
}

// LinkDiscoverer turns item candidates into canonical candidate links.
type LinkDiscoverer interface {
	Discover(ctx context.Context, sourceURL string, candidates []model.ItemCandidate) (*LinkOutput, error)
}

// TextExtractor visits candidate links and produces extracted records.
type TextExtractor interface {
	Extract(ctx context.Context, links []model.CandidateLink) (*ExtractOutput, error)
}

// Validator scores records and decides accept, review, or reject.
type Validator interface {
	Validate(ctx context.Context, records []model.ExtractedRecord) (*ValidateOutput, error)
}

// Router assembles the deliverable record set from validated records.
type Router interface {
	Route(ctx context.Context, runID string, records []model.ValidatedRecord) (*RouteOutput, error)
}
