package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/sells-group/adalign/internal/model"
)

// Placeholder reasons, also used as metric labels.
const (
	ReasonUnsafeURL     = "unsafe_url"
	ReasonProviderError = "provider_error"
	ReasonTimeout       = "timeout"
	ReasonBreakerOpen   = "breaker_open"
	ReasonNotImage      = "not_image"
	ReasonNoProvider    = "no_provider"
)

var (
	placeholderBG     = color.RGBA{R: 0xF1, G: 0xF3, B: 0xF5, A: 0xFF}
	placeholderBorder = color.RGBA{R: 0xCE, G: 0xD4, B: 0xDA, A: 0xFF}
	placeholderInk    = color.RGBA{R: 0x34, G: 0x3A, B: 0x40, A: 0xFF}
	placeholderMuted  = color.RGBA{R: 0x86, G: 0x8E, B: 0x96, A: 0xFF}
)

// Caption returns the human-readable explanation rendered for reason.
func Caption(reason string) string {
	switch reason {
	case ReasonUnsafeURL:
		return "This address cannot be captured for security reasons"
	case ReasonTimeout:
		return "The page took too long to render"
	case ReasonBreakerOpen, ReasonNoProvider:
		return "Screenshot service temporarily unavailable"
	case ReasonNotImage:
		return "The page did not produce a usable image"
	default:
		return "Screenshot could not be captured"
	}
}

// Placeholder synthesizes a stand-in image for rawURL. The output depends only
// on its arguments, so the same failure always yields the same bytes.
func Placeholder(rawURL, reason string, opts model.CaptureOptions, now time.Time) model.CapturedImage {
	vp := opts.Viewport
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = landingViewport
	}
	img := model.CapturedImage{
		SourceURL:     rawURL,
		MediaType:     "image/png",
		CapturedAt:    now,
		IsPlaceholder: true,
		Reason:        reason,
		Metadata:      model.CaptureMetadata{Viewport: vp, FullPage: opts.FullPage},
	}
	data, err := renderPlaceholder(domainOf(rawURL), Caption(reason), vp)
	if err == nil {
		img.Bytes = data
	}
	return img
}

func domainOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return "unknown site"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func renderPlaceholder(domain, caption string, vp model.Viewport) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, vp.Width, vp.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(placeholderBG), image.Point{}, draw.Src)

	// Inset frame.
	inset := vp.Width / 40
	frame := image.Rect(inset, inset, vp.Width-inset, vp.Height-inset)
	for _, r := range []image.Rectangle{
		{Min: frame.Min, Max: image.Pt(frame.Max.X, frame.Min.Y+2)},
		{Min: image.Pt(frame.Min.X, frame.Max.Y-2), Max: frame.Max},
		{Min: frame.Min, Max: image.Pt(frame.Min.X+2, frame.Max.Y)},
		{Min: image.Pt(frame.Max.X-2, frame.Min.Y), Max: frame.Max},
	} {
		draw.Draw(canvas, r, image.NewUniform(placeholderBorder), image.Point{}, draw.Src)
	}

	mid := vp.Height / 2
	drawLabel(canvas, domain, mid-vp.Height/10, 5, placeholderInk)
	drawLabel(canvas, caption, mid+vp.Height/12, 2, placeholderMuted)
	drawLabel(canvas, "placeholder image", vp.Height-inset-vp.Height/12, 1, placeholderMuted)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, eris.Wrap(err, "capture: encode placeholder")
	}
	return buf.Bytes(), nil
}

// drawLabel renders text with the fixed 7x13 bitmap face, then scales it by up
// to maxScale so it stays legible, centered on centerY.
func drawLabel(dst *image.RGBA, text string, centerY, maxScale int, ink color.Color) {
	face := basicfont.Face7x13
	width := dst.Bounds().Dx() * 9 / 10

	scale := maxScale
	for scale > 1 && font.MeasureString(face, text).Ceil()*scale > width {
		scale--
	}
	if font.MeasureString(face, text).Ceil() > width {
		text = truncate(text, width/face.Advance)
	}

	textW := font.MeasureString(face, text).Ceil()
	if textW == 0 {
		return
	}
	small := image.NewRGBA(image.Rect(0, 0, textW, face.Height))
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(ink),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(text)

	w, h := textW*scale, face.Height*scale
	x := (dst.Bounds().Dx() - w) / 2
	y := centerY - h/2
	draw.NearestNeighbor.Scale(dst, image.Rect(x, y, x+w, y+h), small, small.Bounds(), draw.Over, nil)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
