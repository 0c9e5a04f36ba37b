package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/adalign/internal/model"
)

func urlRef(raw string) model.AdReference {
	return model.AdReference{Kind: model.AdKindURL, RawValue: raw}
}

func TestClassify_URLs(t *testing.T) {
	tests := []struct {
		name    string
		ref     model.AdReference
		want    model.Platform
		source  model.SourceType
		media   model.MediaType
		preview bool
	}{
		{
			name:   "meta ad library",
			ref:    urlRef("https://www.facebook.com/ads/library/?id=123"),
			want:   model.PlatformMeta,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:    "meta preview iframe",
			ref:     urlRef("https://www.facebook.com/ads/api/preview_iframe.php?d=abc&t=def"),
			want:    model.PlatformMeta,
			source:  model.SourcePreview,
			media:   model.MediaImage,
			preview: true,
		},
		{
			name:    "meta short preview link",
			ref:     urlRef("https://fb.me/1abcXYZ"),
			want:    model.PlatformMeta,
			source:  model.SourcePreview,
			media:   model.MediaImage,
			preview: true,
		},
		{
			name:   "instagram subdomain",
			ref:    urlRef("https://business.instagram.com/p/xyz"),
			want:   model.PlatformMeta,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:    "google display preview",
			ref:     urlRef("https://displayads-formats.googleusercontent.com/ads/preview/content.js?client=x"),
			want:    model.PlatformGoogle,
			source:  model.SourcePreview,
			media:   model.MediaImage,
			preview: true,
		},
		{
			name:   "google transparency",
			ref:    urlRef("https://adstransparency.google.com/advertiser/AR123"),
			want:   model.PlatformGoogle,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:    "tiktok creative preview",
			ref:     urlRef("https://ads.tiktok.com/creative/preview?id=123"),
			want:    model.PlatformTikTok,
			source:  model.SourcePreview,
			media:   model.MediaVideo,
			preview: true,
		},
		{
			name:   "tiktok public video",
			ref:    urlRef("https://www.tiktok.com/@brand/video/7300000000000000000"),
			want:   model.PlatformTikTok,
			source: model.SourceURL,
			media:  model.MediaVideo,
		},
		{
			name:    "linkedin campaign manager preview",
			ref:     urlRef("https://www.linkedin.com/campaignmanager/preview/123"),
			want:    model.PlatformLinkedIn,
			source:  model.SourcePreview,
			media:   model.MediaImage,
			preview: true,
		},
		{
			name:    "youtube ad preview param",
			ref:     urlRef("https://www.youtube.com/watch?v=abc&adpreview=1"),
			want:    model.PlatformYouTube,
			source:  model.SourcePreview,
			media:   model.MediaVideo,
			preview: true,
		},
		{
			name:   "youtu.be short link",
			ref:    urlRef("https://youtu.be/abc"),
			want:   model.PlatformYouTube,
			source: model.SourceURL,
			media:  model.MediaVideo,
		},
		{
			name:   "scheme-less host",
			ref:    urlRef("linkedin.com/feed/update/urn:li:activity:1"),
			want:   model.PlatformLinkedIn,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:   "unmatched host is generic",
			ref:    urlRef("https://cdn.example.com/banner.png"),
			want:   model.PlatformGeneric,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:   "lookalike host does not match",
			ref:    urlRef("https://notfacebook.com/ads/preview"),
			want:   model.PlatformGeneric,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:   "malformed url is unknown",
			ref:    urlRef("not a url at all"),
			want:   model.PlatformUnknown,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:   "file scheme is unknown",
			ref:    urlRef("file:///etc/passwd"),
			want:   model.PlatformUnknown,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
		{
			name:   "empty url is unknown",
			ref:    urlRef(""),
			want:   model.PlatformUnknown,
			source: model.SourceURL,
			media:  model.MediaImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.ref)
			assert.Equal(t, tt.want, got.Platform)
			assert.Equal(t, tt.source, got.SourceType)
			assert.Equal(t, tt.media, got.MediaType)
			assert.Equal(t, tt.preview, got.IsPreviewLink)
		})
	}
}

func TestClassify_UploadUsesExplicitPlatform(t *testing.T) {
	got := Classify(model.AdReference{
		Kind:     model.AdKindUpload,
		Platform: "tiktok",
		Data:     []byte{0x89, 'P', 'N', 'G'},
	})
	assert.Equal(t, model.PlatformTikTok, got.Platform)
	assert.Equal(t, model.SourceUpload, got.SourceType)
	assert.Equal(t, model.MediaVideo, got.MediaType)
	assert.False(t, got.IsPreviewLink)
}

func TestClassify_UploadWithoutPlatformIsGeneric(t *testing.T) {
	got := Classify(model.AdReference{Kind: model.AdKindUpload, Data: []byte{1}})
	assert.Equal(t, model.PlatformGeneric, got.Platform)
	assert.Equal(t, model.MediaImage, got.MediaType)
}

func TestClassify_HintAppliesToGenericURL(t *testing.T) {
	ref := urlRef("https://cdn.example.com/creative.jpg")
	ref.Platform = "linkedin"
	assert.Equal(t, model.PlatformLinkedIn, Classify(ref).Platform)

	// A recognised host wins over the hint.
	ref = urlRef("https://www.youtube.com/watch?v=1")
	ref.Platform = "meta"
	assert.Equal(t, model.PlatformYouTube, Classify(ref).Platform)
}

func TestClassify_ExplicitMediaTypeWins(t *testing.T) {
	ref := urlRef("https://www.tiktok.com/@brand/photo/1")
	ref.MediaType = "image"
	assert.Equal(t, model.MediaImage, Classify(ref).MediaType)
}

func TestClassify_Idempotent(t *testing.T) {
	inputs := []model.AdReference{
		urlRef("https://ads.tiktok.com/creative/preview?id=9"),
		urlRef("::::"),
		urlRef("https://example.org"),
		{Kind: model.AdKindUpload, Platform: "google", Data: []byte{1, 2}},
	}
	for _, in := range inputs {
		assert.Equal(t, Classify(in), Classify(in))
	}
}

func TestParseURL(t *testing.T) {
	u, ok := ParseURL("  https://Example.com/path?q=1 ")
	assert.True(t, ok)
	assert.Equal(t, "Example.com", u.Host)

	_, ok = ParseURL("javascript:alert(1)")
	assert.False(t, ok)
	_, ok = ParseURL("https://")
	assert.False(t, ok)
}
