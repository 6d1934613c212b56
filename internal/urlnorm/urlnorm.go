// Package urlnorm canonicalizes event URLs so that byte-different but
// semantically identical URLs collapse to one key. Canonical URLs drive
// link deduplication within a run and the cross-run identity check.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// trackingParams are advertising and analytics query parameters stripped
// during canonicalization. They never affect which event a URL points at.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"gclsrc":       {},
	"dclid":        {},
	"msclkid":      {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
	"aff":          {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonicalize applies deterministic transformations to a raw URL:
// lowercase scheme and host, strip default ports, resolve dot-segments,
// drop trailing slashes and fragments, sort remaining query keys, and
// remove tracking parameters. Equivalent inputs produce identical output.
func Canonicalize(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", eris.New("urlnorm: empty url")
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", eris.Wrap(err, "urlnorm: parse")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", eris.Errorf("urlnorm: missing scheme or host in %q", rawURL)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = normalizeHost(parsed)
	parsed.Fragment = ""
	parsed.RawQuery = cleanQuery(parsed.Query())
	parsed.Path = normalizePath(parsed.Path)

	return parsed.String(), nil
}

// Resolve canonicalizes href against base, resolving relative references.
// base must already be absolute.
func Resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", eris.Wrapf(err, "urlnorm: parse href %q", href)
	}
	return Canonicalize(base.ResolveReference(ref).String())
}

// Hash canonicalizes rawURL and returns the SHA-256 hex digest of the
// canonical form. This is the identity key for cross-run deduplication.
func Hash(rawURL string) (string, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func normalizeHost(u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		return hostname
	}
	if def, ok := defaultPorts[strings.ToLower(u.Scheme)]; ok && port == def {
		return hostname
	}
	return hostname + ":" + port
}

func cleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if _, tracking := trackingParams[strings.ToLower(key)]; !tracking {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		for j, val := range values[key] {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	cleaned := path.Clean(p)
	cleaned = strings.TrimRight(cleaned, "/")
	if cleaned == "." {
		return ""
	}
	return cleaned
}
