package model

// SourcePlatform classifies where a candidate link points.
type SourcePlatform string

const (
	// PlatformCalendarNative is an event detail page on the calendar
	// aggregator itself. These pages are operated by the aggregator and are
	// the trusted source for validation bypass.
	PlatformCalendarNative SourcePlatform = "calendar-native"

	// PlatformThirdPartyListing is a recognized external ticketing or
	// listing site (Eventbrite-style detail pages).
	PlatformThirdPartyListing SourcePlatform = "third-party-listing"

	// PlatformUnknown is any link that matched a generic event pattern but
	// no known platform.
	PlatformUnknown SourcePlatform = "unknown"
)

// Trusted reports whether records from this platform carry the
// trusted-aggregator provenance marker. Only the aggregator's own pages
// qualify; trust is never inferred from page content downstream.
func (p SourcePlatform) Trusted() bool {
	return p == PlatformCalendarNative
}

// CandidateLink is a canonicalized, deduplicated event URL extracted from
// one or more item candidates. Within one run the URL is unique across all
// candidate links.
type CandidateLink struct {
	URL        string         `json:"url"`
	Platform   SourcePlatform `json:"source_platform"`
	Confidence float64        `json:"discovery_confidence"`
}
