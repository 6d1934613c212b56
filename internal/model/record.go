package model

// Canonical field keys for extracted event records. Nested location fields
// use dotted keys so the weight table and completeness scoring can address
// them individually.
const (
	FieldName            = "name"
	FieldStartTime       = "start_time"
	FieldEndTime         = "end_time"
	FieldVenue           = "venue"
	FieldLocationCity    = "location.city"
	FieldLocationCountry = "location.country"
	FieldLocationAddress = "location.address"
	FieldDescription     = "description"
	FieldOrganizer       = "organizer"
	FieldPrice           = "price"
	FieldImageURL        = "image_url"
)

// AllFieldKeys returns every canonical field key.
func AllFieldKeys() []string {
	return []string{
		FieldName,
		FieldStartTime,
		FieldEndTime,
		FieldVenue,
		FieldLocationCity,
		FieldLocationCountry,
		FieldLocationAddress,
		FieldDescription,
		FieldOrganizer,
		FieldPrice,
		FieldImageURL,
	}
}

// FieldValue is a single extracted field with its confidence and the
// strategy that produced it.
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// ExtractionMethod tags which strategy family produced a record. Downstream
// validation bypass logic and A/B metrics both key off this tag.
type ExtractionMethod string

const (
	MethodStructured ExtractionMethod = "structured"
	MethodHeuristic  ExtractionMethod = "heuristic"
	MethodLLM        ExtractionMethod = "llm"
	MethodLegacy     ExtractionMethod = "legacy-single-pass"
	// MethodNone is the zero state before any strategy contributes. A record
	// that never leaves it carries zero fields; it stays in the batch to
	// keep counts link-aligned and validation rejects it structurally.
	MethodNone ExtractionMethod = "none"
)

// Provenance records where an extracted record came from. TrustedSource is
// stamped by the text extraction agent from the platform registry; the
// validation agent only honors the flag, it never infers trust itself.
type Provenance struct {
	Platform      SourcePlatform `json:"platform"`
	TrustedSource bool           `json:"trusted_source"`
}

// ExtractedRecord is the structured output of visiting one candidate link.
// SourceURL always equals the originating CandidateLink.URL.
type ExtractedRecord struct {
	SourceURL           string                `json:"source_url"`
	Fields              map[string]FieldValue `json:"fields"`
	Method              ExtractionMethod      `json:"extraction_method"`
	Provenance          Provenance            `json:"provenance"`
	RawFieldCount       int                   `json:"raw_field_count"`
	PopulatedFieldCount int                   `json:"populated_field_count"`
}

// Field returns the value for key and whether it is populated.
func (r *ExtractedRecord) Field(key string) (FieldValue, bool) {
	fv, ok := r.Fields[key]
	return fv, ok
}

// ValidationDecision is the validation agent's verdict on a record.
type ValidationDecision string

const (
	DecisionAccept      ValidationDecision = "accept"
	DecisionReject      ValidationDecision = "reject"
	DecisionNeedsReview ValidationDecision = "needs_review"
)

// Valid reports whether d is one of the defined decisions. Routing treats
// any other value as a programming error on that record.
func (d ValidationDecision) Valid() bool {
	switch d {
	case DecisionAccept, DecisionReject, DecisionNeedsReview:
		return true
	}
	return false
}

// ValidatedRecord is an ExtractedRecord annotated with the validation
// outcome. RejectionReasons is empty exactly when the record is accepted.
type ValidatedRecord struct {
	ExtractedRecord
	CompletenessScore float64            `json:"completeness_score"`
	Decision          ValidationDecision `json:"validation_decision"`
	RejectionReasons  []string           `json:"rejection_reasons,omitempty"`
	BypassApplied     bool               `json:"bypass_applied,omitempty"`
}
