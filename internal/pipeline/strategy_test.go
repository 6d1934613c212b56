package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
)

func pageWith(html string) *driver.Page {
	return &driver.Page{URL: "https://events.example.com/event/1", HTML: html, StatusCode: 200}
}

func TestStructuredExtract_FullEvent(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{
		"@context": "https://schema.org",
		"@type": "MusicEvent",
		"name": "Jazz Night at the Blue Room",
		"description": "An evening of live jazz.",
		"startDate": "2026-09-12T19:30:00Z",
		"endDate": "2026-09-12T23:00:00Z",
		"image": "https://cdn.example.com/jazz.jpg",
		"organizer": {"@type": "Organization", "name": "Blue Room Productions"},
		"location": {
			"@type": "Place",
			"name": "The Blue Room",
			"address": {
				"@type": "PostalAddress",
				"streetAddress": "12 Rivington St",
				"addressLocality": "London",
				"addressCountry": "GB"
			}
		},
		"offers": {"@type": "Offer", "price": 25, "priceCurrency": "USD"}
	}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	require.NotNil(t, fields)

	name := fields[model.FieldName]
	assert.Equal(t, "Jazz Night at the Blue Room", name.Value)
	assert.InDelta(t, 0.95, name.Confidence, 1e-9)
	assert.Equal(t, string(model.MethodStructured), name.Source)

	assert.Equal(t, "2026-09-12T19:30:00Z", fields[model.FieldStartTime].Value)
	assert.Equal(t, "2026-09-12T23:00:00Z", fields[model.FieldEndTime].Value)
	assert.Equal(t, "The Blue Room", fields[model.FieldVenue].Value)

	// City and country stay separate fields.
	assert.Equal(t, "London", fields[model.FieldLocationCity].Value)
	assert.Equal(t, "GB", fields[model.FieldLocationCountry].Value)
	assert.Equal(t, "12 Rivington St", fields[model.FieldLocationAddress].Value)

	assert.Equal(t, "Blue Room Productions", fields[model.FieldOrganizer].Value)
	assert.Equal(t, "25 USD", fields[model.FieldPrice].Value)
	assert.Equal(t, "https://cdn.example.com/jazz.jpg", fields[model.FieldImageURL].Value)
	assert.Equal(t, "An evening of live jazz.", fields[model.FieldDescription].Value)
}

func TestStructuredExtract_GraphContainer(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{
		"@context": "https://schema.org",
		"@graph": [
			{"@type": "WebSite", "name": "Venue Site"},
			{"@type": "TheaterEvent", "name": "Hamlet", "startDate": "2026-10-01T19:00:00Z"}
		]
	}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "Hamlet", fields[model.FieldName].Value)
	assert.Equal(t, "2026-10-01T19:00:00Z", fields[model.FieldStartTime].Value)
}

func TestStructuredExtract_SkipsNonEventBlocks(t *testing.T) {
	html := `<html><head>
	<script type="application/ld+json">{"@type": "BreadcrumbList", "name": "crumbs"}</script>
	<script type="application/ld+json">{"@type": "Event", "name": "Poetry Slam"}</script>
	</head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "Poetry Slam", fields[model.FieldName].Value)
}

func TestStructuredExtract_TypeArray(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type": ["Thing", "MusicEvent"], "name": "Synth Night"}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "Synth Night", fields[model.FieldName].Value)
}

func TestStructuredExtract_BareStringLocation(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type": "Event", "name": "Pub Quiz", "location": "The Crown"}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	venue := fields[model.FieldVenue]
	assert.Equal(t, "The Crown", venue.Value)
	assert.InDelta(t, 0.85, venue.Confidence, 1e-9)
	assert.NotContains(t, fields, model.FieldLocationCity)
	assert.NotContains(t, fields, model.FieldLocationCountry)
}

func TestStructuredExtract_OffersLowPrice(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{
		"@type": "Event",
		"name": "Festival Day Pass",
		"offers": [{"@type": "AggregateOffer", "lowPrice": 10, "highPrice": 50, "priceCurrency": "EUR"}]
	}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	assert.Equal(t, "10 EUR", fields[model.FieldPrice].Value)
}

func TestStructuredExtract_DateOnlyNormalized(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type": "Event", "name": "All Day Market", "startDate": "2026-09-12"}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	start := fields[model.FieldStartTime]
	assert.Equal(t, "2026-09-12T00:00:00Z", start.Value)
	assert.InDelta(t, 0.95, start.Confidence, 1e-9)
}

func TestStructuredExtract_UnparseableDateKeptBelowFloor(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type": "Event", "name": "Mystery Gig", "startDate": "next Friday at eight"}
	</script></head><body></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	start := fields[model.FieldStartTime]
	assert.Equal(t, "next Friday at eight", start.Value)
	assert.InDelta(t, 0.45, start.Confidence, 1e-9)
}

func TestStructuredExtract_NoBlockYieldsNothing(t *testing.T) {
	html := `<html><head><title>Plain page</title></head><body><h1>Nothing here</h1></body></html>`

	fields, err := StructuredStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestHeuristicExtract_OpenGraphAndMicrodata(t *testing.T) {
	html := `<html><head>
	<meta property="og:title" content="Open Mic Tuesday">
	<meta property="og:description" content="Weekly open mic.">
	<meta property="og:image" content="https://cdn.example.com/mic.jpg">
	</head><body>
	<h1>Some Other Heading</h1>
	<div itemprop="startDate" content="2026-07-14T20:00:00Z"></div>
	<div itemprop="location">
		<span itemprop="name">Cellar Bar</span>
		<span itemprop="addressLocality">Manchester</span>
		<span itemprop="addressCountry">UK</span>
		<span itemprop="streetAddress">4 Oxford Rd</span>
	</div>
	<div itemprop="organizer"><span itemprop="name">Cellar Crew</span></div>
	<span itemprop="price" content="5.00"></span>
	</body></html>`

	fields, err := HeuristicStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)

	name := fields[model.FieldName]
	assert.Equal(t, "Open Mic Tuesday", name.Value)
	assert.InDelta(t, 0.7, name.Confidence, 1e-9)
	assert.Equal(t, string(model.MethodHeuristic), name.Source)

	assert.Equal(t, "2026-07-14T20:00:00Z", fields[model.FieldStartTime].Value)
	assert.Equal(t, "Cellar Bar", fields[model.FieldVenue].Value)
	assert.Equal(t, "Manchester", fields[model.FieldLocationCity].Value)
	assert.Equal(t, "UK", fields[model.FieldLocationCountry].Value)
	assert.Equal(t, "4 Oxford Rd", fields[model.FieldLocationAddress].Value)
	assert.Equal(t, "Cellar Crew", fields[model.FieldOrganizer].Value)
	assert.Equal(t, "5.00", fields[model.FieldPrice].Value)
	assert.Equal(t, "https://cdn.example.com/mic.jpg", fields[model.FieldImageURL].Value)
}

func TestHeuristicExtract_FallbackLadder(t *testing.T) {
	html := `<html><head></head><body>
	<h1>Vinyl   Fair</h1>
	<time datetime="2026-08-01">Aug 1</time>
	<div class="venue">Warehouse 9</div>
	<span class="price">£10 advance</span>
	</body></html>`

	fields, err := HeuristicStrategy{}.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)

	name := fields[model.FieldName]
	assert.Equal(t, "Vinyl Fair", name.Value)
	assert.InDelta(t, 0.6, name.Confidence, 1e-9)

	start := fields[model.FieldStartTime]
	assert.Equal(t, "2026-08-01T00:00:00Z", start.Value)
	assert.InDelta(t, 0.65, start.Confidence, 1e-9)

	venue := fields[model.FieldVenue]
	assert.Equal(t, "Warehouse 9", venue.Value)
	assert.InDelta(t, 0.4, venue.Confidence, 1e-9)

	price := fields[model.FieldPrice]
	assert.Equal(t, "£10 advance", price.Value)
	assert.InDelta(t, 0.4, price.Confidence, 1e-9)
}

func TestNormTime(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		parsed bool
	}{
		{"2026-07-01T20:00:00+02:00", "2026-07-01T20:00:00+02:00", true},
		{"2026-07-01T20:00:00", "2026-07-01T20:00:00Z", true},
		{"2026-07-01T20:00", "2026-07-01T20:00:00Z", true},
		{"2026-07-01 20:00:00", "2026-07-01T20:00:00Z", true},
		{"2026-07-01", "2026-07-01T00:00:00Z", true},
		{"doors at 8", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := normTime(tt.raw)
			assert.Equal(t, tt.parsed, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPutField_FirstWriteWins(t *testing.T) {
	fields := make(map[string]model.FieldValue)

	putField(fields, model.FieldName, "First  Title", model.MethodStructured, 0.9)
	putField(fields, model.FieldName, "Second Title", model.MethodHeuristic, 0.7)
	putField(fields, model.FieldVenue, "   ", model.MethodHeuristic, 0.7)

	require.Contains(t, fields, model.FieldName)
	assert.Equal(t, "First Title", fields[model.FieldName].Value)
	assert.Equal(t, string(model.MethodStructured), fields[model.FieldName].Source)
	assert.NotContains(t, fields, model.FieldVenue)
}
