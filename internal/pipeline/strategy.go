package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
)

// Strategy pulls fields out of a rendered detail page. Strategies run in
// priority order; a later strategy only contributes fields the earlier
// ones left empty.
type Strategy interface {
	Method() model.ExtractionMethod
	Extract(ctx context.Context, page *driver.Page, have map[string]model.FieldValue) (map[string]model.FieldValue, error)
}

// timeLayouts are the timestamp shapes seen in schema.org markup and
// datetime attributes in the wild.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// StructuredStrategy reads schema.org Event markup from ld+json script
// blocks. Every field comes from a typed path in the JSON document; the
// raw document is never dumped into a field wholesale.
type StructuredStrategy struct{}

// Method implements Strategy.
func (StructuredStrategy) Method() model.ExtractionMethod { return model.MethodStructured }

// Extract implements Strategy.
func (StructuredStrategy) Extract(_ context.Context, page *driver.Page, _ map[string]model.FieldValue) (map[string]model.FieldValue, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, eris.Wrap(err, "structured: parse html")
	}

	var event map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if ev := findEvent(sel.Text()); ev != nil {
			event = ev
			return false
		}
		return true
	})
	if event == nil {
		// No structured block; the next strategy takes over.
		return nil, nil
	}

	fields := make(map[string]model.FieldValue)
	put := func(key, value string, conf float64) {
		putField(fields, key, value, model.MethodStructured, conf)
	}

	put(model.FieldName, str(event["name"]), 0.95)
	put(model.FieldDescription, str(event["description"]), 0.9)
	putTime(fields, model.FieldStartTime, str(event["startDate"]), model.MethodStructured, 0.95)
	putTime(fields, model.FieldEndTime, str(event["endDate"]), model.MethodStructured, 0.95)
	structuredLocation(fields, event["location"])
	put(model.FieldOrganizer, str(event["organizer"]), 0.85)
	structuredPrice(fields, event["offers"])
	put(model.FieldImageURL, str(event["image"]), 0.8)

	return fields, nil
}

// findEvent parses one ld+json block and returns the first schema.org
// Event object in it, descending into arrays and @graph containers.
func findEvent(raw string) map[string]any {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	return firstEvent(doc)
}

func firstEvent(node any) map[string]any {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if ev := firstEvent(item); ev != nil {
				return ev
			}
		}
	case map[string]any:
		if isEventType(v["@type"]) {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return firstEvent(graph)
		}
	}
	return nil
}

// isEventType accepts Event and its schema.org subtypes (MusicEvent,
// TheaterEvent, and so on).
func isEventType(t any) bool {
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

// structuredLocation maps a schema.org location node onto the venue and
// location fields. A Place with a PostalAddress yields city, country, and
// street address as separate fields; a bare string names the venue only.
func structuredLocation(fields map[string]model.FieldValue, loc any) {
	switch v := loc.(type) {
	case string:
		putField(fields, model.FieldVenue, v, model.MethodStructured, 0.85)
	case []any:
		if len(v) > 0 {
			structuredLocation(fields, v[0])
		}
	case map[string]any:
		putField(fields, model.FieldVenue, str(v["name"]), model.MethodStructured, 0.9)
		switch addr := v["address"].(type) {
		case string:
			putField(fields, model.FieldLocationAddress, addr, model.MethodStructured, 0.75)
		case map[string]any:
			putField(fields, model.FieldLocationCity, str(addr["addressLocality"]), model.MethodStructured, 0.9)
			putField(fields, model.FieldLocationCountry, str(addr["addressCountry"]), model.MethodStructured, 0.9)
			putField(fields, model.FieldLocationAddress, str(addr["streetAddress"]), model.MethodStructured, 0.85)
		}
	}
}

// structuredPrice maps the first schema.org Offer onto the price field,
// attaching the currency when present.
func structuredPrice(fields map[string]model.FieldValue, offers any) {
	var offer map[string]any
	switch v := offers.(type) {
	case map[string]any:
		offer = v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				offer = m
				break
			}
		}
	}
	if offer == nil {
		return
	}

	price := str(offer["price"])
	if price == "" {
		price = str(offer["lowPrice"])
	}
	if price == "" {
		return
	}
	if currency := str(offer["priceCurrency"]); currency != "" {
		price = price + " " + currency
	}
	putField(fields, model.FieldPrice, price, model.MethodStructured, 0.85)
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

// HeuristicStrategy falls back to Open Graph meta tags, microdata
// attributes, and common DOM patterns when no structured block exists.
type HeuristicStrategy struct{}

// Method implements Strategy.
func (HeuristicStrategy) Method() model.ExtractionMethod { return model.MethodHeuristic }

// Extract implements Strategy.
func (HeuristicStrategy) Extract(_ context.Context, page *driver.Page, _ map[string]model.FieldValue) (map[string]model.FieldValue, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, eris.Wrap(err, "heuristic: parse html")
	}

	fields := make(map[string]model.FieldValue)
	put := func(key, value string, conf float64) {
		putField(fields, key, value, model.MethodHeuristic, conf)
	}

	put(model.FieldName, metaContent(doc, `meta[property="og:title"]`), 0.7)
	put(model.FieldName, doc.Find("h1").First().Text(), 0.6)
	put(model.FieldDescription, metaContent(doc, `meta[property="og:description"]`), 0.7)
	put(model.FieldDescription, metaContent(doc, `meta[name="description"]`), 0.6)
	put(model.FieldImageURL, metaContent(doc, `meta[property="og:image"]`), 0.7)

	putTime(fields, model.FieldStartTime, attrOf(doc, `[itemprop="startDate"]`, "content"), model.MethodHeuristic, 0.7)
	putTime(fields, model.FieldStartTime, attrOf(doc, "time[datetime]", "datetime"), model.MethodHeuristic, 0.65)
	putTime(fields, model.FieldEndTime, attrOf(doc, `[itemprop="endDate"]`, "content"), model.MethodHeuristic, 0.7)

	put(model.FieldVenue, doc.Find(`[itemprop="location"] [itemprop="name"]`).First().Text(), 0.7)
	put(model.FieldVenue, doc.Find(".venue").First().Text(), 0.4)
	put(model.FieldLocationCity, textOf(doc, `[itemprop="addressLocality"]`), 0.7)
	put(model.FieldLocationCountry, textOf(doc, `[itemprop="addressCountry"]`), 0.7)
	put(model.FieldLocationAddress, textOf(doc, `[itemprop="streetAddress"]`), 0.65)
	put(model.FieldOrganizer, doc.Find(`[itemprop="organizer"] [itemprop="name"]`).First().Text(), 0.7)
	put(model.FieldOrganizer, textOf(doc, `[itemprop="organizer"]`), 0.55)
	put(model.FieldPrice, attrOf(doc, `[itemprop="price"]`, "content"), 0.7)
	put(model.FieldPrice, textOf(doc, `[itemprop="price"]`), 0.6)
	put(model.FieldPrice, textOf(doc, ".price"), 0.4)

	return fields, nil
}

// putField stores a field value after whitespace normalization. The first
// write to a key wins; empty values never write.
func putField(fields map[string]model.FieldValue, key, value string, source model.ExtractionMethod, conf float64) {
	if _, ok := fields[key]; ok {
		return
	}
	value = collapse(value)
	if value == "" {
		return
	}
	fields[key] = model.FieldValue{Value: value, Confidence: conf, Source: string(source)}
}

// putTime stores a timestamp field, normalizing to RFC 3339 when the value
// parses. Unparseable values are kept raw at a confidence below the
// default floor so they never count toward completeness.
func putTime(fields map[string]model.FieldValue, key, raw string, source model.ExtractionMethod, conf float64) {
	if _, ok := fields[key]; ok {
		return
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if norm, ok := normTime(raw); ok {
		fields[key] = model.FieldValue{Value: norm, Confidence: conf, Source: string(source)}
		return
	}
	fields[key] = model.FieldValue{Value: raw, Confidence: 0.45, Source: string(source)}
}

// normTime parses raw into RFC 3339, reporting whether it parsed.
func normTime(raw string) (string, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.Format(time.RFC3339), true
		}
	}
	return "", false
}

// collapse normalizes runs of whitespace to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return content
}

func attrOf(doc *goquery.Document, selector, attr string) string {
	v, _ := doc.Find(selector).First().Attr(attr)
	return v
}

func textOf(doc *goquery.Document, selector string) string {
	return doc.Find(selector).First().Text()
}
