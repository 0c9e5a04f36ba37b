// Package classify decides what kind of ad reference was submitted: upload or
// URL, which platform it belongs to, and whether it is a short-lived preview link.
package classify

import (
	"net/url"
	"strings"

	"github.com/sells-group/adalign/internal/model"
)

// platformRule describes how one platform's URLs look.
type platformRule struct {
	platform model.Platform
	// hosts match the URL host exactly or as a parent domain.
	hosts []string
	// previewHosts are short-link hosts that only ever serve previews.
	previewHosts []string
	// previewPaths are lowercase path fragments marking a preview page.
	previewPaths []string
	// previewParams are query keys marking a preview page.
	previewParams []string
}

// rules is evaluated in order; the first host match wins.
var rules = []platformRule{
	{
		platform:      model.PlatformMeta,
		hosts:         []string{"facebook.com", "fb.com", "instagram.com", "fbcdn.net"},
		previewHosts:  []string{"fb.me"},
		previewPaths:  []string{"/ads/api/preview_iframe.php", "/ads/preview", "/adsmanager/preview"},
		previewParams: []string{"preview_id", "preview_shorturl"},
	},
	{
		platform: model.PlatformGoogle,
		hosts: []string{
			"ads.google.com", "adstransparency.google.com", "googleadservices.com",
			"doubleclick.net", "googlesyndication.com", "displayads-formats.googleusercontent.com",
		},
		previewPaths:  []string{"/ads/preview", "/aw/ads/preview", "/preview/"},
		previewParams: []string{"adpreview", "preview"},
	},
	{
		platform:      model.PlatformTikTok,
		hosts:         []string{"tiktok.com", "tiktokv.com"},
		previewPaths:  []string{"/preview", "/creative/preview", "/ad_preview"},
		previewParams: []string{"preview_token", "ad_preview"},
	},
	{
		platform:      model.PlatformLinkedIn,
		hosts:         []string{"linkedin.com", "lnkd.in"},
		previewPaths:  []string{"/campaignmanager/preview", "/ads/preview", "/ad-preview"},
		previewParams: []string{"previewtoken", "preview_token"},
	},
	{
		platform:      model.PlatformYouTube,
		hosts:         []string{"youtube.com", "youtu.be", "youtube-nocookie.com"},
		previewPaths:  []string{"/ads/preview", "/ad_preview"},
		previewParams: []string{"adpreview", "ad_preview"},
	},
}

// Classify inspects an ad reference. It performs no I/O, never fails, and
// returns the same output for the same input.
func Classify(ref model.AdReference) model.Classification {
	hint := model.ParsePlatform(ref.Platform)

	var c model.Classification
	if ref.Kind == model.AdKindUpload || len(ref.Data) > 0 {
		c.SourceType = model.SourceUpload
		c.Platform = hint
		if c.Platform == model.PlatformUnknown {
			c.Platform = model.PlatformGeneric
		}
	} else {
		c.SourceType = model.SourceURL
		c.Platform, c.IsPreviewLink = classifyURL(ref.RawValue)
		if c.Platform == model.PlatformGeneric && hint != model.PlatformUnknown {
			c.Platform = hint
		}
		if c.IsPreviewLink {
			c.SourceType = model.SourcePreview
		}
	}

	c.MediaType = model.ParseMediaType(ref.MediaType)
	if c.MediaType == "" {
		c.MediaType = model.MediaImage
		if c.Platform.Profile().VideoFirst {
			c.MediaType = model.MediaVideo
		}
	}
	return c
}

// classifyURL matches raw against the platform rules. Malformed URLs yield
// PlatformUnknown; well-formed URLs on unrecognised hosts yield PlatformGeneric.
func classifyURL(raw string) (model.Platform, bool) {
	u, ok := ParseURL(raw)
	if !ok {
		return model.PlatformUnknown, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.ToLower(u.EscapedPath())
	query := u.Query()

	for _, r := range rules {
		if hostMatches(host, r.previewHosts) {
			return r.platform, true
		}
		if !hostMatches(host, r.hosts) {
			continue
		}
		for _, frag := range r.previewPaths {
			if strings.Contains(path, frag) {
				return r.platform, true
			}
		}
		for key := range query {
			for _, p := range r.previewParams {
				if strings.EqualFold(key, p) {
					return r.platform, true
				}
			}
		}
		return r.platform, false
	}
	return model.PlatformGeneric, false
}

func hostMatches(host string, candidates []string) bool {
	for _, c := range candidates {
		if host == c || strings.HasSuffix(host, "."+c) {
			return true
		}
	}
	return false
}

// ParseURL parses an http(s) URL, adding https:// when the scheme is missing.
// It reports false for anything that is not an absolute web URL.
func ParseURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if u.Hostname() == "" || strings.ContainsAny(u.Hostname(), " \t") {
		return nil, false
	}
	return u, true
}
