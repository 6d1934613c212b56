// Package driver talks to the headless render service that hosts live
// browser sessions for listing pages. The pipeline never drives a browser
// directly; everything goes through this boundary so tests can swap in a
// fake.
package driver

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrPageGone marks a detail page that no longer exists (404/410). Callers
// treat it as a per-URL failure, not a transport error worth retrying.
var ErrPageGone = eris.New("driver: page gone")

// ErrSessionExpired marks a render session the service has already reaped.
var ErrSessionExpired = eris.New("driver: session expired")

// Session identifies a live rendered page on the render service.
type Session struct {
	ID  string
	URL string
}

// ScrollStep reports the page state after one scroll increment.
type ScrollStep struct {
	ContentHeight int  `json:"content_height"`
	AtBottom      bool `json:"at_bottom"`
}

// PageSample is a snapshot of the listing container: the outer HTML of each
// item node currently in the DOM, plus a service-computed hash of the
// visible region for change detection. ContainerFound distinguishes a
// listing that is legitimately empty from one where no item container
// matched at all.
type PageSample struct {
	ViewportHash   string   `json:"viewport_hash"`
	Fragments      []string `json:"fragments"`
	ContainerFound bool     `json:"container_found"`
}

// Page is a fully rendered document fetched without a persistent session.
type Page struct {
	URL        string `json:"url"`
	HTML       string `json:"html"`
	StatusCode int    `json:"status_code"`
}

// PageDriver defines the render service operations the pipeline uses.
type PageDriver interface {
	// Open starts a render session for a listing page. Selectors are the
	// ordered item strategies the service matches fragments with; the first
	// selector that hits wins for each fragment.
	Open(ctx context.Context, url string, selectors []string) (*Session, error)
	// Scroll advances the session viewport by one increment.
	Scroll(ctx context.Context, s *Session) (*ScrollStep, error)
	// Sample returns the current item fragments in the listing container.
	Sample(ctx context.Context, s *Session) (*PageSample, error)
	// Close releases the session. Safe to call after expiry.
	Close(ctx context.Context, s *Session) error
	// Fetch renders a detail page one-shot, without keeping a session.
	Fetch(ctx context.Context, url string) (*Page, error)
}
