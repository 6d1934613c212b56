// Package blockdetect recognizes anti-bot interstitials in fetched pages.
// Both arms use it: the legacy extractor on direct listing fetches, and the
// extraction agent on pages the render service returns.
package blockdetect

import (
	"net/http"
	"strings"
)

// Kind describes the kind of block detected.
type Kind string

const (
	None       Kind = ""
	Cloudflare Kind = "cloudflare"
	Captcha    Kind = "captcha"
	JSShell    Kind = "js_shell"
)

// Detect checks a fetched page for signs of anti-bot protection. header is
// nil for pages that came through the render service, which strips response
// headers; those classify on body markers alone.
func Detect(statusCode int, header http.Header, body []byte) (bool, Kind) {
	// Cloudflare: 403/503 with cf-* headers.
	if header != nil && (statusCode == 403 || statusCode == 503) {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
			return true, Cloudflare
		}
		if header.Get("server") == "cloudflare" {
			return true, Cloudflare
		}
	}

	lower := strings.ToLower(string(body))

	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, Cloudflare
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, Captcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, JSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, JSShell
		}
	}

	return false, None
}
