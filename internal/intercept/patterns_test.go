package intercept

import (
	"io"
	"log"
	"testing"

	"github.com/surgecast/surgecast/internal/metrics"
)

var testLogger = log.New(io.Discard, "", 0)

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{"wildcard path contains", "*/api/*", "https://svc.example.com/api/v2/session", true},
		{"wildcard path no match", "*/api/*", "https://svc.example.com/static/app.js", false},
		{"extension with query string", "*.m3u8", "https://cdn.example.com/live/master.m3u8?token=abc", true},
		{"extension case-insensitive", "*.M3U8", "https://cdn.example.com/live/master.m3u8", true},
		{"substring glob", "*analytics*", "https://analytics.example.com/beacon", true},
		{"literal without wildcards matches as substring", "example.com/watch", "https://www.example.com/watch/123", true},
		{"dots are literal", "*.ts", "https://cdn.example.com/seg/00001.ts", true},
		{"dots do not match any char", "a.b", "https://host/axb", false},
		{"only wildcards match everything", "**", "https://anything.example.com", true},
		{"regex literal", `/seg-\d+\.ts/`, "https://cdn.example.com/seg-42.ts", true},
		{"regex literal no match", `/seg-\d+\.ts/`, "https://cdn.example.com/seg-abc.ts", false},
		{"regex case-insensitive", `/WIDEVINE/`, "https://drm.example.com/widevine/license", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := CompilePattern(tt.pattern, testLogger)
			if got := p.Matches(tt.url); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.pattern, tt.url, got, tt.want)
			}
		})
	}
}

func TestInvalidRegexMatchesNothing(t *testing.T) {
	p := CompilePattern(`/[unclosed/`, testLogger)
	if p.Matches("https://example.com/unclosed") {
		t.Errorf("invalid regex pattern must never match")
	}
	if p.String() != `/[unclosed/` {
		t.Errorf("String() = %q, want original text", p.String())
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier(nil, testLogger)

	tests := []struct {
		url  string
		want metrics.Category
	}{
		{"https://drm.example.com/widevine/getlicense", metrics.CategoryLicense},
		{"https://drm.example.com/PlayReady/rightsmanager.asmx", metrics.CategoryLicense},
		{"https://cdn.example.com/live/master.m3u8", metrics.CategoryManifest},
		{"https://cdn.example.com/vod/stream.mpd?cdn=a", metrics.CategoryManifest},
		{"https://cdn.example.com/seg/00042.ts?auth=1", metrics.CategorySegment},
		{"https://cdn.example.com/chunk/audio_128k_00001.m4s", metrics.CategorySegment},
		{"https://svc.example.com/api/v1/playback/start", metrics.CategoryAPI},
		{"https://svc.example.com/graphql", metrics.CategoryAPI},
		{"https://www.example.com/images/logo.png", metrics.CategoryOther},
		// Anything no family matches falls through to the catch-all.
		{"data:text/plain;base64,aGk=", metrics.CategoryOther},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.url); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestLicenseWinsOverAPI(t *testing.T) {
	c := NewClassifier(nil, testLogger)
	url := "https://svc.example.com/api/v1/drm/license"
	if got := c.Classify(url); got != metrics.CategoryLicense {
		t.Errorf("Classify(%q) = %s, want license (most specific family first)", url, got)
	}
}

func TestExtraLicensePatterns(t *testing.T) {
	c := NewClassifier([]string{"*/acquire-key*"}, testLogger)
	url := "https://keys.example.com/acquire-key?kid=1"
	if got := c.Classify(url); got != metrics.CategoryLicense {
		t.Errorf("Classify(%q) = %s, want license via extra pattern", url, got)
	}
	if !c.IsStreamingTraffic(url) {
		t.Errorf("IsStreamingTraffic(%q) = false, want true", url)
	}
}

func TestIsStreamingTraffic(t *testing.T) {
	c := NewClassifier(nil, testLogger)
	if !c.IsStreamingTraffic("https://cdn.example.com/master.m3u8") {
		t.Errorf("manifest should be streaming traffic")
	}
	if c.IsStreamingTraffic("https://www.example.com/images/hero.jpg") {
		t.Errorf("image should not be streaming traffic")
	}
}

func TestIsEssential(t *testing.T) {
	c := NewClassifier(nil, testLogger)

	essential := []string{
		"https://www.example.com/static/player.js?v=3",
		"https://www.example.com/assets/app.css",
		"https://auth.example.com/oauth/token",
		"https://svc.example.com/session/heartbeat",
		"https://svc.example.com/entitlement/check",
	}
	for _, url := range essential {
		if !c.IsEssential(url) {
			t.Errorf("IsEssential(%q) = false, want true", url)
		}
	}

	if c.IsEssential("https://tracker.example.com/pixel.gif") {
		t.Errorf("tracking pixel should not be essential")
	}
}
