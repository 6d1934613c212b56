package pipeline

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/urlnorm"
)

// listingHosts are external ticketing and listing platforms whose detail
// pages we recognize. Matching is by registrable suffix, so subdomains and
// country TLD variants resolve to the same platform.
var listingHosts = []string{
	"eventbrite.com",
	"eventbrite.co.uk",
	"meetup.com",
	"ticketmaster.com",
	"dice.fm",
	"lu.ma",
	"facebook.com",
	"songkick.com",
	"bandsintown.com",
	"universe.com",
	"ticketweb.com",
	"seetickets.com",
	"ra.co",
	"skiddle.com",
}

// eventPathHints are path substrings that mark a URL as an event detail
// page rather than navigation.
var eventPathHints = []string{
	"/event",
	"/e/",
	"/tickets",
	"/gig",
	"/show",
	"/whats-on",
	"/performance",
}

// weakLabelPenalty is subtracted from the confidence of an anchor whose
// text carries no event identity. The same URL behind a titled anchor
// scores higher, and the max-merge keeps that stronger sighting.
const weakLabelPenalty = 0.1

// weakLabels are navigation boilerplate anchor texts. Purchase CTAs like
// "tickets" are deliberately not here; on a listing they point at event
// pages as reliably as a title does.
var weakLabels = map[string]bool{
	"":           true,
	"more":       true,
	"more info":  true,
	"read more":  true,
	"learn more": true,
	"details":    true,
	"info":       true,
	"here":       true,
	"click here": true,
	"view":       true,
	"view all":   true,
	"see all":    true,
}

func weakLabel(text string) bool {
	return weakLabels[strings.ToLower(strings.TrimSpace(text))]
}

// LinkAgent extracts event URLs from item candidate fragments.
type LinkAgent struct {
	cfg config.DiscoveryConfig
}

// NewLinkAgent creates a link discovery agent.
func NewLinkAgent(cfg config.DiscoveryConfig) *LinkAgent {
	return &LinkAgent{cfg: cfg}
}

// Discover parses every candidate fragment, resolves its anchors against
// the listing URL, canonicalizes them, and classifies each unique URL by
// source platform. Occurrences of the same canonical URL merge into one
// link keeping the highest confidence seen; the confidence floor applies
// after merging so one strong sighting outweighs any number of weak ones.
func (a *LinkAgent) Discover(ctx context.Context, sourceURL string, candidates []model.ItemCandidate) (*LinkOutput, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, eris.Wrapf(err, "links: parse source url %q", sourceURL)
	}
	if base.Host == "" {
		return nil, eris.Errorf("links: source url %q has no host", sourceURL)
	}
	selfCanonical, err := urlnorm.Canonicalize(sourceURL)
	if err != nil {
		return nil, eris.Wrap(err, "links: canonicalize source url")
	}

	out := &LinkOutput{EmptyOK: len(candidates) == 0}
	index := make(map[string]int)
	var merged []model.CandidateLink

	for _, c := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "links: cancelled")
		}

		doc, parseErr := goquery.NewDocumentFromReader(strings.NewReader(c.RawContent))
		if parseErr != nil {
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:   model.StageLinkDiscovery,
				Message: "parse fragment " + c.ID + ": " + parseErr.Error(),
			})
			continue
		}

		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			href = strings.TrimSpace(href)
			if skipHref(href) {
				return
			}

			canonical, resolveErr := urlnorm.Resolve(base, href)
			if resolveErr != nil {
				zap.L().Debug("links: unresolvable href",
					zap.String("href", href),
					zap.Error(resolveErr),
				)
				return
			}
			if canonical == selfCanonical {
				out.Duplicates++
				return
			}

			parsed, _ := url.Parse(canonical)
			platform, confidence := classifyLink(base, parsed)
			if weakLabel(sel.Text()) {
				confidence -= weakLabelPenalty
			}

			if i, ok := index[canonical]; ok {
				out.Duplicates++
				if confidence > merged[i].Confidence {
					merged[i].Confidence = confidence
				}
				return
			}
			index[canonical] = len(merged)
			merged = append(merged, model.CandidateLink{
				URL:        canonical,
				Platform:   platform,
				Confidence: confidence,
			})
		})
	}

	for _, link := range merged {
		if link.Confidence < a.cfg.ConfidenceFloor {
			out.Filtered++
			continue
		}
		out.Links = append(out.Links, link)
	}

	if a.cfg.MaxLinks > 0 && len(out.Links) > a.cfg.MaxLinks {
		out.Filtered += len(out.Links) - a.cfg.MaxLinks
		out.Links = out.Links[:a.cfg.MaxLinks]
	}

	zap.L().Debug("links: discovery complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("links", len(out.Links)),
		zap.Int("duplicates", out.Duplicates),
		zap.Int("filtered", out.Filtered),
	)
	return out, nil
}

// skipHref filters anchors that can never be event links.
func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:")
}

// classifyLink decides the source platform of a canonical URL. Links on
// the listing's own host are calendar-native; recognized ticketing hosts
// are third-party listings; everything else is unknown with confidence
// driven by whether the path looks like an event page.
func classifyLink(base *url.URL, u *url.URL) (model.SourcePlatform, float64) {
	if u == nil {
		return model.PlatformUnknown, 0
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	baseHost := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	eventish := eventishPath(u.Path)

	switch {
	case host == baseHost || strings.HasSuffix(host, "."+baseHost):
		if eventish {
			return model.PlatformCalendarNative, 0.95
		}
		return model.PlatformCalendarNative, 0.85
	case isListingHost(host):
		if eventish {
			return model.PlatformThirdPartyListing, 0.85
		}
		return model.PlatformThirdPartyListing, 0.75
	default:
		if eventish {
			return model.PlatformUnknown, 0.5
		}
		return model.PlatformUnknown, 0.2
	}
}

func isListingHost(host string) bool {
	for _, known := range listingHosts {
		if host == known || strings.HasSuffix(host, "."+known) {
			return true
		}
	}
	return false
}

func eventishPath(p string) bool {
	lower := strings.ToLower(p)
	for _, hint := range eventPathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
