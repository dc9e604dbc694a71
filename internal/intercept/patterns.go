// Package intercept implements per-session request filtering, parameter
// injection, and streaming traffic metrics.
package intercept

import (
	"log"
	"regexp"
	"strings"

	"github.com/surgecast/surgecast/internal/metrics"
)

// Pattern is one compiled URL pattern. Glob patterns (`*` wildcards) match
// case-insensitively anywhere in the URL; a `/…/` literal applies regex
// semantics, also case-insensitive. An invalid regex degrades to "never
// matches" and is logged once at compile time.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern parses a pattern string. It never fails: syntax errors
// produce a Pattern that matches nothing.
func CompilePattern(raw string, logger *log.Logger) Pattern {
	p := Pattern{raw: raw}
	var expr string
	if len(raw) >= 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") {
		expr = "(?i)" + raw[1:len(raw)-1]
	} else {
		expr = "(?i)" + globToRegexp(raw)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		if logger != nil {
			logger.Printf("invalid url pattern %q: %v", raw, err)
		}
		return p
	}
	p.re = re
	return p
}

// globToRegexp escapes regex metacharacters and turns `*` into `.*`.
func globToRegexp(glob string) string {
	var b strings.Builder
	for _, part := range strings.Split(glob, "*") {
		if b.Len() > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	if b.Len() == 0 {
		// A pattern that is nothing but wildcards matches everything.
		return ".*"
	}
	return b.String()
}

// Matches reports whether the URL matches the pattern.
func (p Pattern) Matches(url string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(url)
}

// String returns the original pattern text.
func (p Pattern) String() string { return p.raw }

// CompilePatterns compiles a list of pattern strings.
func CompilePatterns(raws []string, logger *log.Logger) []Pattern {
	out := make([]Pattern, 0, len(raws))
	for _, raw := range raws {
		out = append(out, CompilePattern(raw, logger))
	}
	return out
}

func matchAny(patterns []Pattern, url string) bool {
	for _, p := range patterns {
		if p.Matches(url) {
			return true
		}
	}
	return false
}

// Heuristic regex families for streaming traffic. All applied
// case-insensitively against the full URL.
var (
	licenseRe  = regexp.MustCompile(`(?i)(/license|/licen[cs]e-server|/drm|widevine|playready|fairplay|/certificate|/keydelivery|/rightsmanager)`)
	manifestRe = regexp.MustCompile(`(?i)(\.m3u8|\.mpd|/manifest|/playlist|/master\.json)`)
	segmentRe  = regexp.MustCompile(`(?i)(\.ts(\?|$)|\.m4s|\.m4a|\.m4v|\.mp4|\.aac|\.webm|\.vtt|/segment|/chunk|/frag|/media_)`)
	apiRe      = regexp.MustCompile(`(?i)(/api/|/graphql|/v\d+/)`)

	essentialRe = regexp.MustCompile(`(?i)(\.js(\?|$)|\.css(\?|$)|\.wasm|/auth|/login|/session|/token|/oauth|/player|/config|/account|/entitlement)`)
)

// Classifier tags URLs with a streaming category. Extra license patterns
// from drmConfig extend the built-in license heuristic.
type Classifier struct {
	extraLicense []Pattern
}

// NewClassifier creates a Classifier with optional additional license URL
// patterns.
func NewClassifier(licensePatterns []string, logger *log.Logger) *Classifier {
	return &Classifier{extraLicense: CompilePatterns(licensePatterns, logger)}
}

// Classify tags the URL. License is checked first as the most specific
// family; API last as the most generic.
func (c *Classifier) Classify(url string) metrics.Category {
	switch {
	case c.isLicense(url):
		return metrics.CategoryLicense
	case manifestRe.MatchString(url):
		return metrics.CategoryManifest
	case segmentRe.MatchString(url):
		return metrics.CategorySegment
	case apiRe.MatchString(url):
		return metrics.CategoryAPI
	default:
		return metrics.CategoryOther
	}
}

func (c *Classifier) isLicense(url string) bool {
	if licenseRe.MatchString(url) {
		return true
	}
	return matchAny(c.extraLicense, url)
}

// IsStreamingTraffic reports whether the URL belongs to any streaming
// category (manifest, segment, license, or API).
func (c *Classifier) IsStreamingTraffic(url string) bool {
	return c.isLicense(url) ||
		manifestRe.MatchString(url) ||
		segmentRe.MatchString(url) ||
		apiRe.MatchString(url)
}

// IsEssential reports whether the URL is core page infrastructure a
// playback session cannot run without: script/style bundles, auth and
// session endpoints, player setup endpoints.
func (c *Classifier) IsEssential(url string) bool {
	return essentialRe.MatchString(url)
}
