package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Platform is the closed set of ad platforms the evaluator understands.
type Platform int

const (
	// PlatformUnknown is reported when the ad reference could not be parsed.
	PlatformUnknown Platform = iota
	// PlatformGeneric covers well-formed URLs that match no known platform.
	PlatformGeneric
	PlatformMeta
	PlatformGoogle
	PlatformTikTok
	PlatformLinkedIn
	PlatformYouTube
)

// KnownPlatforms returns the five supported ad platforms in display order.
func KnownPlatforms() []Platform {
	return []Platform{PlatformMeta, PlatformGoogle, PlatformTikTok, PlatformLinkedIn, PlatformYouTube}
}

func (p Platform) String() string {
	switch p {
	case PlatformGeneric:
		return "generic"
	case PlatformMeta:
		return "meta"
	case PlatformGoogle:
		return "google"
	case PlatformTikTok:
		return "tiktok"
	case PlatformLinkedIn:
		return "linkedin"
	case PlatformYouTube:
		return "youtube"
	default:
		return "unknown"
	}
}

// Title is the human-facing platform name used in prompts and report titles.
func (p Platform) Title() string {
	switch p {
	case PlatformGeneric, PlatformUnknown:
		return cases.Title(language.English).String(p.String())
	}
	return p.Profile().DisplayName
}

// MarshalText encodes the platform as its lowercase name.
func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the canonical names plus the aliases clients send.
func (p *Platform) UnmarshalText(b []byte) error {
	*p = ParsePlatform(string(b))
	return nil
}

// ParsePlatform maps a client-supplied platform name onto the enum.
// Unrecognised names become PlatformGeneric; empty input is PlatformUnknown.
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PlatformUnknown
	case "unknown":
		return PlatformUnknown
	case "meta", "facebook", "instagram", "fb", "ig":
		return PlatformMeta
	case "google", "google_ads", "googleads", "adwords", "display":
		return PlatformGoogle
	case "tiktok", "tik_tok":
		return PlatformTikTok
	case "linkedin":
		return PlatformLinkedIn
	case "youtube", "yt":
		return PlatformYouTube
	default:
		return PlatformGeneric
	}
}

// Viewport is a browser viewport in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PlatformProfile carries everything that varies by platform: how previews are
// captured and how the model prompt is framed.
type PlatformProfile struct {
	DisplayName string
	VideoFirst  bool

	AdViewport       Viewport
	PreviewSelector  string
	PreviewUserAgent string

	// Framing is prepended to the model prompt.
	Framing string
	// FallbackSuggestions are served when the model cannot be used.
	FallbackSuggestions []string
}

const (
	desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	iphoneUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	androidUserAgent = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
)

var (
	desktopViewport = Viewport{Width: 1280, Height: 800}
	mobileViewport  = Viewport{Width: 390, Height: 844}
)

// Profile returns the platform's capture and prompt parameters. The switch is
// exhaustive over the enum; adding a platform without a profile is caught by
// TestProfile_AllPlatformsCovered.
func (p Platform) Profile() PlatformProfile {
	switch p {
	case PlatformMeta:
		return PlatformProfile{
			DisplayName:      "Meta (Facebook/Instagram)",
			AdViewport:       mobileViewport,
			PreviewSelector:  "div[role='article'] img, video",
			PreviewUserAgent: iphoneUserAgent,
			Framing: "This is a Meta (Facebook/Instagram) feed ad. Users scroll quickly and decide in under two seconds; " +
				"the landing page must immediately confirm the offer, imagery and voice they tapped on.",
			FallbackSuggestions: []string{
				"Repeat the ad's primary headline or offer above the fold on the landing page.",
				"Reuse the ad's hero image or color palette so the click feels like a continuation.",
				"Keep the call to action wording identical between the ad and the landing page.",
				"Make sure the page loads fast on mobile, where most Meta traffic arrives.",
			},
		}
	case PlatformGoogle:
		return PlatformProfile{
			DisplayName:      "Google Ads",
			AdViewport:       desktopViewport,
			PreviewSelector:  "iframe, img",
			PreviewUserAgent: desktopUserAgent,
			Framing: "This is a Google Ads creative (search or display). Searchers arrive with explicit intent; " +
				"the landing page must answer the query promised by the ad copy and keywords.",
			FallbackSuggestions: []string{
				"Mirror the ad's keywords in the landing page headline to confirm search intent.",
				"Surface the specific offer or price from the ad without requiring a scroll.",
				"Align the display creative's visual style with the landing page header.",
				"Remove navigation distractions that pull visitors away from the advertised action.",
			},
		}
	case PlatformTikTok:
		return PlatformProfile{
			DisplayName:      "TikTok",
			VideoFirst:       true,
			AdViewport:       mobileViewport,
			PreviewSelector:  "video",
			PreviewUserAgent: iphoneUserAgent,
			Framing: "This is a TikTok in-feed video ad. The creative is native, energetic and creator-led; " +
				"the landing page should carry the same casual tone and mobile-first layout.",
			FallbackSuggestions: []string{
				"Carry the video's casual, creator-style tone into the landing page copy.",
				"Feature a still or clip from the video near the top of the page.",
				"Design for vertical mobile screens first, matching the TikTok viewing context.",
				"Restate the hook from the first seconds of the video in the page headline.",
			},
		}
	case PlatformLinkedIn:
		return PlatformProfile{
			DisplayName:      "LinkedIn",
			AdViewport:       desktopViewport,
			PreviewSelector:  "img, video",
			PreviewUserAgent: desktopUserAgent,
			Framing: "This is a LinkedIn sponsored ad aimed at professionals. Credibility and specificity matter; " +
				"the landing page should keep the professional register and the promised asset or outcome.",
			FallbackSuggestions: []string{
				"Keep the professional tone of the ad and lead with the business outcome.",
				"Show the promised asset (report, demo, webinar) prominently on the page.",
				"Add credibility signals such as client logos or certifications near the form.",
				"Match the job-role language used in the ad's targeting and copy.",
			},
		}
	case PlatformYouTube:
		return PlatformProfile{
			DisplayName:      "YouTube",
			VideoFirst:       true,
			AdViewport:       desktopViewport,
			PreviewSelector:  "video, #movie_player",
			PreviewUserAgent: androidUserAgent,
			Framing: "This is a YouTube video ad. Viewers were interrupted mid-content; the landing page must " +
				"pay off the video's promise instantly and visually echo the video's key frames.",
			FallbackSuggestions: []string{
				"Open the landing page with the same promise made in the video's first five seconds.",
				"Reuse key frames or the presenter from the video to build recognition.",
				"Keep the on-screen call to action text identical to the page's primary button.",
				"Offer a short recap of the video's value proposition for viewers who skipped ahead.",
			},
		}
	case PlatformGeneric, PlatformUnknown:
		return PlatformProfile{
			DisplayName:      "Online",
			AdViewport:       desktopViewport,
			PreviewUserAgent: desktopUserAgent,
			Framing: "This is an online advertisement. Evaluate whether the landing page fulfils the promise, " +
				"visual identity and tone set by the ad.",
			FallbackSuggestions: []string{
				"Make the landing page headline restate the ad's main promise.",
				"Use consistent imagery, colors and typography between the ad and the page.",
				"Match the ad's tone of voice throughout the landing page copy.",
				"Place a single, clear call to action that matches the ad above the fold.",
			},
		}
	}
	panic("model: platform without profile: " + p.String())
}

// MediaType is the expected media of the ad creative.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// ParseMediaType returns the media type for s, or "" when s is not recognised.
func ParseMediaType(s string) MediaType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "img", "photo", "static":
		return MediaImage
	case "video", "vid":
		return MediaVideo
	}
	return ""
}

// SourceType records how the ad creative reached us.
type SourceType string

const (
	SourceUpload  SourceType = "Upload"
	SourceURL     SourceType = "Url"
	SourcePreview SourceType = "Preview"
)

// AdReferenceKind distinguishes raw image bytes from URLs.
type AdReferenceKind string

const (
	AdKindUpload AdReferenceKind = "Upload"
	AdKindURL    AdReferenceKind = "Url"
)

// AdReference is the ad creative as submitted.
type AdReference struct {
	Kind      AdReferenceKind
	Platform  string // explicit platform hint (required context for uploads)
	MediaType string // explicit media hint, optional
	RawValue  string // URL or data URL
	Data      []byte // decoded upload bytes
	DataType  string // sniffed MIME type of Data
}

// Classification is the Input Classifier's verdict.
type Classification struct {
	Platform      Platform   `json:"platform"`
	MediaType     MediaType  `json:"mediaType"`
	SourceType    SourceType `json:"sourceType"`
	IsPreviewLink bool       `json:"isPreviewLink"`
}

// CaptureOptions tunes a single screenshot capture.
type CaptureOptions struct {
	Viewport        Viewport
	FullPage        bool
	Delay           time.Duration
	WaitForSelector string
	UserAgent       string
}
