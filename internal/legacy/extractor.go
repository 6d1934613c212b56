// Package legacy is the single-pass extraction arm: one direct fetch of
// the listing page, events read from its structured data, no scrolling and
// no per-link visits. It produces the same result shape as the staged
// pipeline so the two arms compare on equal metrics.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/pipeline"
	"github.com/gatherline/eventpipe/internal/urlnorm"
)

// legacyConfidence is the flat confidence stamped on every field. The
// single-pass extractor never scored fields individually.
const legacyConfidence = 0.8

// Extractor runs the legacy arm. Validation and routing reuse the staged
// pipeline's agents so both arms score and dedupe records identically;
// only the front half (fetch and extract) differs.
type Extractor struct {
	client   *Client
	validate pipeline.Validator
	route    pipeline.Router
}

// NewExtractor wires the legacy arm from config. ident is the
// already-known identity check the routing stage consults.
func NewExtractor(cfg *config.Config, weights *config.WeightTable, ident pipeline.IdentityChecker) *Extractor {
	return &Extractor{
		client:   NewClient(cfg.Legacy),
		validate: pipeline.NewValidateAgent(cfg.Validation, weights),
		route:    pipeline.NewRouteAgent(ident),
	}
}

// Run executes the single-pass extraction for one listing URL. Like the
// coordinator it always returns a result; failures surface through Failed
// and Errors. Finding zero events on the page is not a failure: it is the
// measured outcome for this arm.
func (e *Extractor) Run(ctx context.Context, runID, sourceURL string) *model.PipelineResult {
	result := &model.PipelineResult{
		RunID:        runID,
		SourceURL:    sourceURL,
		Arm:          model.ArmLegacy,
		StageReached: model.StageInitialized,
		StartedAt:    time.Now().UTC(),
	}

	log := zap.L().With(zap.String("run_id", runID), zap.String("source_url", sourceURL))
	log.Info("legacy: run starting")

	start := time.Now()
	page, err := e.client.Get(ctx, sourceURL)
	if err != nil {
		result.Metrics = append(result.Metrics, model.StageMetrics{
			Stage:      model.StageTextExtraction,
			DurationMS: time.Since(start).Milliseconds(),
			InputCount: 1,
			ErrorCount: 1,
		})
		result.Errors = append(result.Errors, model.PipelineError{
			Stage:     model.StageTextExtraction,
			SourceURL: sourceURL,
			Message:   err.Error(),
		})
		return e.fail(result, model.StageTextExtraction, log, err)
	}

	records, parseErrs := parseEvents(page)
	result.Errors = append(result.Errors, parseErrs...)
	result.Metrics = append(result.Metrics, model.StageMetrics{
		Stage:       model.StageTextExtraction,
		DurationMS:  time.Since(start).Milliseconds(),
		InputCount:  1,
		OutputCount: len(records),
		ErrorCount:  len(parseErrs),
	})
	result.StageReached = model.StageTextExtraction
	result.Totals.RecordsExtracted = len(records)

	valStart := time.Now()
	validateOut, err := e.validate.Validate(ctx, records)
	if err != nil {
		result.Metrics = append(result.Metrics, model.StageMetrics{
			Stage:      model.StageDataValidation,
			DurationMS: time.Since(valStart).Milliseconds(),
			InputCount: len(records),
			ErrorCount: 1,
		})
		result.Errors = append(result.Errors, model.PipelineError{
			Stage:   model.StageDataValidation,
			Message: err.Error(),
		})
		return e.fail(result, model.StageDataValidation, log, err)
	}
	result.Metrics = append(result.Metrics, model.StageMetrics{
		Stage:       model.StageDataValidation,
		DurationMS:  time.Since(valStart).Milliseconds(),
		InputCount:  len(records),
		OutputCount: len(validateOut.Records),
	})
	result.StageReached = model.StageDataValidation
	result.RejectedCount = validateOut.Rejected

	routeStart := time.Now()
	routeOut, err := e.route.Route(ctx, runID, validateOut.Records)
	if err != nil {
		result.Metrics = append(result.Metrics, model.StageMetrics{
			Stage:      model.StageRoutingOptimization,
			DurationMS: time.Since(routeStart).Milliseconds(),
			InputCount: len(validateOut.Records),
			ErrorCount: 1,
		})
		result.Errors = append(result.Errors, model.PipelineError{
			Stage:   model.StageRoutingOptimization,
			Message: err.Error(),
		})
		return e.fail(result, model.StageRoutingOptimization, log, err)
	}
	result.Errors = append(result.Errors, routeOut.Errors...)
	result.Metrics = append(result.Metrics, model.StageMetrics{
		Stage:       model.StageRoutingOptimization,
		DurationMS:  time.Since(routeStart).Milliseconds(),
		InputCount:  len(validateOut.Records),
		OutputCount: len(routeOut.Routed),
		ErrorCount:  len(routeOut.Errors),
	})
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
	result.FinishedAt = time.Now().UTC()
	log.Info("legacy: run complete",
		zap.Int("extracted", len(records)),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("needs_review", len(result.NeedsReview)),
		zap.Int("rejected", result.RejectedCount),
		zap.Int("duplicates", result.DuplicateCount),
	)
	return result
}

// fail marks the run failed. StageReached keeps the last completed stage,
// matching how the coordinator reports failures.
func (e *Extractor) fail(result *model.PipelineResult, stage model.Stage, log *zap.Logger, err error) *model.PipelineResult {
	result.Failed = true
	result.FinishedAt = time.Now().UTC()
	log.Warn("legacy: run failed",
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
	return result
}

// parseEvents reads every schema.org Event out of the page's ld+json
// blocks. One listing page carries many events, as an array, an @graph
// container, or an ItemList. Events without their own url are skipped
// with a recorded error; the page URL cannot stand in for them without
// colliding in routing.
func parseEvents(page *PageData) ([]model.ExtractedRecord, []model.PipelineError) {
	perr := func(msg string) model.PipelineError {
		return model.PipelineError{
			Stage:     model.StageTextExtraction,
			SourceURL: page.URL,
			Message:   msg,
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, []model.PipelineError{perr("parse html: " + err.Error())}
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, []model.PipelineError{perr("parse page url: " + err.Error())}
	}

	var events []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		events = append(events, collectEvents(decodeJSON(sel.Text()))...)
	})

	var (
		records []model.ExtractedRecord
		errs    []model.PipelineError
	)
	for i, ev := range events {
		href := str(ev["url"])
		if href == "" {
			errs = append(errs, perr(fmt.Sprintf("item %d: no url in structured data", i)))
			continue
		}
		srcURL, err := urlnorm.Resolve(base, href)
		if err != nil {
			errs = append(errs, perr(fmt.Sprintf("item %d: %s", i, err.Error())))
			continue
		}
		records = append(records, buildRecord(srcURL, ev))
	}
	return records, errs
}

func decodeJSON(raw string) any {
	var node any
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil
	}
	return node
}

// collectEvents walks a decoded ld+json document and returns every Event
// object in it, descending into arrays, @graph containers, and ItemList
// elements (whose ListItems wrap the event in an item property).
func collectEvents(node any) []map[string]any {
	var out []map[string]any
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			out = append(out, collectEvents(item)...)
		}
	case map[string]any:
		if isEvent(v["@type"]) {
			return append(out, v)
		}
		if graph, ok := v["@graph"]; ok {
			out = append(out, collectEvents(graph)...)
		}
		if list, ok := v["itemListElement"].([]any); ok {
			for _, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if inner, ok := m["item"]; ok {
					out = append(out, collectEvents(inner)...)
				} else {
					out = append(out, collectEvents(m)...)
				}
			}
		}
	}
	return out
}

// isEvent accepts Event and its schema.org subtypes.
func isEvent(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Event" || strings.HasSuffix(v, "Event")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && (s == "Event" || strings.HasSuffix(s, "Event")) {
				return true
			}
		}
	}
	return false
}

// buildRecord maps one Event node onto a record the way the old extractor
// did: timestamps pass through as written, the whole location flattens
// into the venue field, and price stays unpopulated. Every field carries
// the same flat confidence.
func buildRecord(sourceURL string, ev map[string]any) model.ExtractedRecord {
	fields := make(map[string]model.FieldValue)
	put := func(key, value string) {
		value = strings.Join(strings.Fields(value), " ")
		if value == "" {
			return
		}
		if _, ok := fields[key]; ok {
			return
		}
		fields[key] = model.FieldValue{
			Value:      value,
			Confidence: legacyConfidence,
			Source:     string(model.MethodLegacy),
		}
	}

	put(model.FieldName, str(ev["name"]))
	put(model.FieldStartTime, str(ev["startDate"]))
	put(model.FieldEndTime, str(ev["endDate"]))
	put(model.FieldVenue, flattenLocation(ev["location"]))
	put(model.FieldDescription, str(ev["description"]))
	put(model.FieldOrganizer, str(ev["organizer"]))
	put(model.FieldImageURL, str(ev["image"]))

	return model.ExtractedRecord{
		SourceURL:           sourceURL,
		Fields:              fields,
		Method:              model.MethodLegacy,
		Provenance:          model.Provenance{Platform: model.PlatformUnknown},
		RawFieldCount:       len(fields),
		PopulatedFieldCount: len(fields),
	}
}

// flattenLocation joins a schema.org location node into one venue string,
// the way the old extractor dumped it. City, country, and street address
// never populate as separate fields on this arm.
func flattenLocation(loc any) string {
	switch v := loc.(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			return flattenLocation(v[0])
		}
	case map[string]any:
		parts := []string{str(v["name"])}
		switch addr := v["address"].(type) {
		case string:
			parts = append(parts, addr)
		case map[string]any:
			parts = append(parts,
				str(addr["streetAddress"]),
				str(addr["addressLocality"]),
				str(addr["addressRegion"]),
				str(addr["postalCode"]),
				str(addr["addressCountry"]),
			)
		}
		var kept []string
		for _, p := range parts {
			if p != "" {
				kept = append(kept, p)
			}
		}
		return strings.Join(kept, ", ")
	}
	return ""
}

// str coerces a JSON-LD value to a string: plain strings pass through,
// numbers are formatted, arrays yield their first element, and objects
// yield their name or url property.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) > 0 {
			return str(t[0])
		}
	case map[string]any:
		if name := str(t["name"]); name != "" {
			return name
		}
		return str(t["url"])
	}
	return ""
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
