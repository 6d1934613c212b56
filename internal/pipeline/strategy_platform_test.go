package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
)

func TestPlatformExtract_ThirdPartySelectors(t *testing.T) {
	s, ok := NewPlatformStrategy(model.PlatformThirdPartyListing)
	require.True(t, ok)

	html := `<html><body>
		<h1 data-automation="event-title">Warehouse Rave</h1>
		<div data-automation="event-start-date"><time datetime="2026-11-07T22:00:00Z">Sat 7 Nov</time></div>
		<div data-automation="event-venue">Printworks</div>
		<span class="organizer-name">Night Shift Events</span>
		<span class="ticket-price">£30</span>
	</body></html>`

	fields, err := s.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	assert.Equal(t, "Warehouse Rave", fields[model.FieldName].Value)
	assert.Equal(t, "2026-11-07T22:00:00Z", fields[model.FieldStartTime].Value)
	assert.Equal(t, "Printworks", fields[model.FieldVenue].Value)
	assert.Equal(t, "Night Shift Events", fields[model.FieldOrganizer].Value)
	assert.Equal(t, "£30", fields[model.FieldPrice].Value)
	assert.InDelta(t, 0.6, fields[model.FieldPrice].Confidence, 1e-9)
}

func TestPlatformExtract_FirstMatchingRuleWins(t *testing.T) {
	s, ok := NewPlatformStrategy(model.PlatformThirdPartyListing)
	require.True(t, ok)

	html := `<html><body>
		<h1 data-automation="event-title">From Automation Tag</h1>
		<h1 class="listing-hero__title">From Hero Class</h1>
	</body></html>`

	fields, err := s.Extract(context.Background(), pageWith(html), nil)

	require.NoError(t, err)
	assert.Equal(t, "From Automation Tag", fields[model.FieldName].Value)
	assert.InDelta(t, 0.8, fields[model.FieldName].Confidence, 1e-9)
}

func TestPlatformExtract_UnknownPlatformHasNoPack(t *testing.T) {
	_, ok := NewPlatformStrategy(model.PlatformUnknown)
	assert.False(t, ok)
}

func TestExtract_PlatformPackRunsBetweenPasses(t *testing.T) {
	url := "https://events.example.com/event/1"
	d := &fakeDriver{pages: map[string]*driver.Page{
		url: {URL: url, StatusCode: 200, HTML: `<html><head>
			<script type="application/ld+json">{"@type": "Event", "name": "Structured Name"}</script>
			</head><body>
			<h1 class="event-detail__title">Pack Name</h1>
			<div class="event-detail__venue">The Annex</div>
			</body></html>`},
	}}
	agent := NewExtractAgent(d, config.ExtractConfig{Concurrency: 1})

	out, err := agent.Extract(context.Background(), []model.CandidateLink{nativeLink(url)})

	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	rec := out.Records[0]

	// Structured markup keeps the fields it covers.
	assert.Equal(t, "Structured Name", rec.Fields[model.FieldName].Value)
	assert.Equal(t, string(model.MethodStructured), rec.Fields[model.FieldName].Source)

	// The calendar-native pack fills what markup left empty.
	assert.Equal(t, "The Annex", rec.Fields[model.FieldVenue].Value)
	assert.Equal(t, string(model.MethodHeuristic), rec.Fields[model.FieldVenue].Source)
	assert.Equal(t, model.MethodStructured, rec.Method)
}
