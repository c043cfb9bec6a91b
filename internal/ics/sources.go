package ics

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"eventrotator/internal/config"
)

var (
	webcalRE   = regexp.MustCompile(`(?i)^webcal:`)
	schemeRE   = regexp.MustCompile(`(?i)^https?://`)
	icsSuffixR = regexp.MustCompile(`(?i)\.ics$`)
)

// Candidate kinds.
const (
	KindRelay    = "relay"
	KindExternal = "external"
	KindDirect   = "direct"
)

// Candidate is one route to a feed document.
type Candidate struct {
	Kind string
	URL  string
}

// Source represents a single configured feed and the ordered routes to it.
type Source struct {
	// ID identifies the feed in occurrences and diagnostics.
	ID string
	// URL is the original feed locator.
	URL string
	// Candidates are tried in order; the first yielding calendar data wins.
	Candidates []Candidate
}

// RelayRoutes describes the non-direct candidates for a feed.
type RelayRoutes struct {
	// Base is the absolute relay prefix, e.g. http://127.0.0.1:8080/ics-proxy.
	Base string
	// Upstream is the scheme+host the relay forwards to. Feeds on other
	// hosts get no relay candidate.
	Upstream string
	// External is a public read-only relay prefix; empty disables it.
	External string
}

// SourceID derives a stable identifier: eid:<eid>, uid:<uid>, the file
// stem of the last path segment, or the host. Unparsable input yields its
// last 32 characters.
func SourceID(feedURL string) string {
	u, err := url.Parse(webcalRE.ReplaceAllString(feedURL, "https:"))
	if err != nil || u.Host == "" {
		if len(feedURL) > 32 {
			return feedURL[len(feedURL)-32:]
		}
		return feedURL
	}

	q := u.Query()
	if eid := q.Get("eid"); eid != "" {
		return "eid:" + eid
	}
	if uid := q.Get("uid"); uid != "" {
		return "uid:" + uid
	}
	segments := strings.Split(u.Path, "/")
	stem := icsSuffixR.ReplaceAllString(segments[len(segments)-1], "")
	return lo.CoalesceOrEmpty(stem, u.Host)
}

// Candidates builds the retrieval routes for feedURL in priority order:
// same-origin relay, external relay, direct.
func Candidates(feedURL string, routes RelayRoutes) []Candidate {
	if feedURL == "" {
		return nil
	}
	direct := webcalRE.ReplaceAllString(feedURL, "https:")
	out := make([]Candidate, 0, 3)

	if routes.Base != "" && routes.Upstream != "" {
		upstream := strings.TrimRight(routes.Upstream, "/")
		if len(direct) >= len(upstream) && strings.EqualFold(direct[:len(upstream)], upstream) {
			rest := direct[len(upstream):]
			if rest == "" || rest[0] == '/' || rest[0] == '?' {
				out = append(out, Candidate{Kind: KindRelay, URL: strings.TrimRight(routes.Base, "/") + rest})
			}
		}
	}
	if routes.External != "" {
		out = append(out, Candidate{Kind: KindExternal, URL: routes.External + schemeRE.ReplaceAllString(direct, "")})
	}
	out = append(out, Candidate{Kind: KindDirect, URL: direct})
	return out
}

// SourcesFromConfig resolves the configured feeds into Sources, keeping
// configuration order and skipping entries without a URL.
func SourcesFromConfig(cfg *config.Config) []Source {
	routes := RelayRoutes{
		Base:     cfg.RelayBase(),
		Upstream: cfg.Relay.Upstream,
		External: cfg.Relay.External,
	}

	out := make([]Source, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		if f.URL == "" {
			continue
		}
		id := f.ID
		if id == "" {
			id = SourceID(f.URL)
		}
		out = append(out, Source{
			ID:         id,
			URL:        f.URL,
			Candidates: Candidates(f.URL, routes),
		})
	}
	return out
}
