package model

import "time"

// Stage is a coordinator state machine state. StageFailed is terminal and
// reachable from any non-terminal state; results report it through the
// Failed flag rather than StageReached.
type Stage string

const (
	StageInitialized         Stage = "initialized"
	StageScrollDiscovery     Stage = "scroll_discovery"
	StageLinkDiscovery       Stage = "link_discovery"
	StageTextExtraction      Stage = "text_extraction"
	StageDataValidation      Stage = "data_validation"
	StageRoutingOptimization Stage = "routing_optimization"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// Arm identifies which extractor served a request.
type Arm string

const (
	ArmLegacy      Arm = "legacy"
	ArmNewPipeline Arm = "new_pipeline"
)

// StageMetrics holds per-stage counts and timing for one run.
type StageMetrics struct {
	Stage       Stage `json:"stage"`
	DurationMS  int64 `json:"duration_ms"`
	InputCount  int   `json:"input_count"`
	OutputCount int   `json:"output_count"`
	ErrorCount  int   `json:"error_count"`
	Partial     bool  `json:"partial,omitempty"`
}

// PipelineError is a non-fatal error recorded during a run. SourceURL is
// set for per-link errors so batch diagnostics can key off it.
type PipelineError struct {
	Stage     Stage  `json:"stage"`
	SourceURL string `json:"source_url,omitempty"`
	Message   string `json:"message"`
}

// ResultTotals are the aggregate metrics the routing agent computes across
// the whole run.
type ResultTotals struct {
	CandidatesDiscovered int     `json:"candidates_discovered"`
	LinksDiscovered      int     `json:"links_discovered"`
	RecordsExtracted     int     `json:"records_extracted"`
	FieldCompletionRate  float64 `json:"field_completion_rate"`
	AcceptRate           float64 `json:"accept_rate"`
}

// PipelineResult is the terminal artifact of one run. It is created once by
// the coordinator (or the legacy extractor), is immutable after creation,
// and is always returned: operational failures surface through Failed,
// StageReached and Errors, never as a panic or error to the caller.
//
// On failure StageReached holds the last successfully completed state, not
// the one that broke; the failing stage is recorded on its Errors entries.
type PipelineResult struct {
	RunID          string            `json:"run_id"`
	SourceURL      string            `json:"source_url"`
	Arm            Arm               `json:"arm"`
	StageReached   Stage             `json:"stage_reached"`
	Failed         bool              `json:"failed"`
	Accepted       []ValidatedRecord `json:"accepted_records"`
	NeedsReview    []ValidatedRecord `json:"needs_review_records,omitempty"`
	RejectedCount  int               `json:"rejected_count"`
	DuplicateCount int               `json:"duplicate_count"`
	Totals         ResultTotals      `json:"totals"`
	Metrics        []StageMetrics    `json:"metrics"`
	Errors         []PipelineError   `json:"errors,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// RunStatus represents the lifecycle state of a stored run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persisted record of one extraction request.
type Run struct {
	ID        string          `json:"id"`
	SourceURL string          `json:"source_url"`
	Arm       Arm             `json:"arm"`
	Status    RunStatus       `json:"status"`
	Result    *PipelineResult `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
