package pipeline

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
)

// selectorRule maps one DOM pattern to a record field. An empty attr reads
// element text. Rules for the same field run in priority order; the first
// non-empty value wins.
type selectorRule struct {
	field    string
	selector string
	attr     string
	conf     float64
	isTime   bool
}

// platformRules are selector packs tuned to the page structure of a known
// source platform. Unknown platforms have no pack and extract through the
// generic chain alone.
var platformRules = map[model.SourcePlatform][]selectorRule{
	model.PlatformCalendarNative: {
		{field: model.FieldName, selector: ".event-detail__title", conf: 0.85},
		{field: model.FieldName, selector: "h1.event-title", conf: 0.8},
		{field: model.FieldStartTime, selector: ".event-detail__date time", attr: "datetime", conf: 0.85, isTime: true},
		{field: model.FieldEndTime, selector: ".event-detail__end time", attr: "datetime", conf: 0.8, isTime: true},
		{field: model.FieldVenue, selector: ".event-detail__venue", conf: 0.8},
		{field: model.FieldLocationCity, selector: ".event-detail__city", conf: 0.75},
		{field: model.FieldDescription, selector: ".event-detail__description", conf: 0.75},
		{field: model.FieldPrice, selector: ".event-detail__price", conf: 0.7},
	},
	model.PlatformThirdPartyListing: {
		{field: model.FieldName, selector: `[data-automation="event-title"]`, conf: 0.8},
		{field: model.FieldName, selector: ".listing-hero__title", conf: 0.75},
		{field: model.FieldStartTime, selector: `[data-automation="event-start-date"] time`, attr: "datetime", conf: 0.8, isTime: true},
		{field: model.FieldVenue, selector: `[data-automation="event-venue"]`, conf: 0.75},
		{field: model.FieldOrganizer, selector: ".organizer-name", conf: 0.7},
		{field: model.FieldPrice, selector: `[data-automation="ticket-price"]`, conf: 0.7},
		{field: model.FieldPrice, selector: ".ticket-price", conf: 0.6},
	},
}

// PlatformStrategy extracts with selectors specific to one source
// platform. It runs between the structured and generic passes: markup
// still wins every field it covers, and anything the pack misses falls
// through to the generic heuristics.
type PlatformStrategy struct {
	rules []selectorRule
}

// NewPlatformStrategy returns the selector pack for platform, reporting
// false when no pack exists.
func NewPlatformStrategy(platform model.SourcePlatform) (PlatformStrategy, bool) {
	rules, ok := platformRules[platform]
	if !ok {
		return PlatformStrategy{}, false
	}
	return PlatformStrategy{rules: rules}, true
}

// Method implements Strategy. Platform packs are heuristics specialized to
// one site family, so they share the heuristic tag.
func (PlatformStrategy) Method() model.ExtractionMethod { return model.MethodHeuristic }

// Extract implements Strategy.
func (s PlatformStrategy) Extract(_ context.Context, page *driver.Page, _ map[string]model.FieldValue) (map[string]model.FieldValue, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, eris.Wrap(err, "platform: parse html")
	}

	fields := make(map[string]model.FieldValue)
	for _, rule := range s.rules {
		var raw string
		if rule.attr != "" {
			raw, _ = doc.Find(rule.selector).First().Attr(rule.attr)
		} else {
			raw = doc.Find(rule.selector).First().Text()
		}
		if rule.isTime {
			putTime(fields, rule.field, raw, model.MethodHeuristic, rule.conf)
			continue
		}
		putField(fields, rule.field, raw, model.MethodHeuristic, rule.conf)
	}
	return fields, nil
}
