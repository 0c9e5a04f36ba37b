package capture

import (
	"time"

	"github.com/sells-group/adalign/internal/model"
)

// Role says which side of the comparison a capture is for.
type Role string

const (
	RoleAd      Role = "ad"
	RoleLanding Role = "landing"
)

// Target is one capture request produced by the pipeline.
type Target struct {
	URL      string
	Role     Role
	Platform model.Platform
	Preview  bool
}

// Settle delays. Preview pages render client-side and progressively, so they
// wait longer than ordinary pages.
const (
	PageDelay    = 2 * time.Second
	PreviewDelay = PageDelay * 5 / 2
)

var landingViewport = model.Viewport{Width: 1280, Height: 800}

// OptionsFor derives capture parameters from the target's role, platform and
// preview flag.
func OptionsFor(t Target) model.CaptureOptions {
	if t.Role == RoleLanding {
		return model.CaptureOptions{
			Viewport: landingViewport,
			Delay:    PageDelay,
		}
	}

	prof := t.Platform.Profile()
	opts := model.CaptureOptions{
		Viewport: prof.AdViewport,
		Delay:    PageDelay,
	}
	if t.Preview {
		opts.Delay = PreviewDelay
		opts.WaitForSelector = prof.PreviewSelector
		opts.UserAgent = prof.PreviewUserAgent
	}
	return opts
}
