package vision

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/adalign/internal/model"
)

const alignmentSchema = `{
  "componentScores": {
    "visualMatch": <integer 1-10: imagery, colors, typography and layout continuity>,
    "contextualMatch": <integer 1-10: does the page deliver the offer, product and message the ad promises>,
    "toneAlignment": <integer 1-10: voice, energy and register consistency>
  },
  "suggestions": [<3 to 5 specific, actionable improvements as strings>],
  "summary": "<two sentences>"
}`

const persuasionSchema = `{
  "verdict": "STRONG" | "MODERATE" | "WEAK",
  "principles": {
    "reciprocity":  {"score": <integer 1-10>, "evidence": "<what in the ad or page shows this>"},
    "scarcity":     {"score": <integer 1-10>, "evidence": "..."},
    "authority":    {"score": <integer 1-10>, "evidence": "..."},
    "consistency":  {"score": <integer 1-10>, "evidence": "..."},
    "liking":       {"score": <integer 1-10>, "evidence": "..."},
    "social_proof": {"score": <integer 1-10>, "evidence": "..."},
    "unity":        {"score": <integer 1-10>, "evidence": "..."}
  },
  "summary": "<two sentences>",
  "recommendations": [<3 to 5 specific, actionable improvements as strings>]
}`

// systemPrompt constrains the model to the response schema for mode.
func systemPrompt(mode model.AnalysisMode) string {
	var b strings.Builder
	b.WriteString("You are a senior performance-marketing analyst. You compare an advertisement creative with the ")
	b.WriteString("landing page it links to and judge how well the click experience matches the promise of the ad.\n\n")
	b.WriteString("Respond with a single JSON object and nothing else: no markdown, no code fences, no commentary. ")
	b.WriteString("Every key shown below is required. Scores are integers from 1 (no match) to 10 (perfect match).\n\n")
	b.WriteString("Schema:\n")
	if mode == model.ModePersuasion {
		b.WriteString(persuasionSchema)
	} else {
		b.WriteString(alignmentSchema)
	}
	return b.String()
}

// userPrompt builds the per-request text that accompanies the images.
func userPrompt(in Input, hasAdImage bool) string {
	prof := in.Platform.Profile()
	var b strings.Builder

	b.WriteString(prof.Framing)
	b.WriteString("\n\n")

	if hasAdImage {
		b.WriteString("Image 1 is the advertisement. Image 2 is the landing page.\n")
	} else {
		b.WriteString("Only the landing page image is attached; the advertisement could not be rendered. ")
		b.WriteString("Judge the page on its own and keep the visual match score conservative.\n")
	}
	fmt.Fprintf(&b, "Platform: %s\n", in.Platform.Title())
	fmt.Fprintf(&b, "Ad media type: %s\n", in.MediaType)
	fmt.Fprintf(&b, "Landing page URL: %s\n", in.LandingURL)

	if in.SourceType == model.SourcePreview {
		b.WriteString("\nNote: the advertisement image is a screenshot of the platform's ad preview page, not the ")
		b.WriteString("original creative asset. Preview chrome, cropping or compression artifacts are not part of ")
		b.WriteString("the ad; weigh fine visual fidelity accordingly.\n")
	}
	if in.MediaType == model.MediaVideo {
		b.WriteString("\nThe ad is a video; the image shows a single frame. Infer motion and sound cautiously.\n")
	}
	if in.Ad.IsPlaceholder {
		b.WriteString("\nThe advertisement image is a placeholder because the ad could not be captured.\n")
	}
	if in.Landing.IsPlaceholder {
		b.WriteString("\nThe landing page image is a placeholder because the page could not be captured; ")
		b.WriteString("rely on the URL and audience context.\n")
	}

	if aud := audienceText(in.Audience); aud != "" {
		b.WriteString("\nTarget audience:\n")
		b.WriteString(aud)
	}

	b.WriteString("\nReturn the JSON object now.")
	return b.String()
}

// audienceText renders the audience profile as stable "key: value" lines.
func audienceText(aud map[string]any) string {
	if len(aud) == 0 {
		return ""
	}
	keys := make([]string, 0, len(aud))
	for k := range aud {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	title := cases.Title(language.English, cases.NoLower)
	var b strings.Builder
	for _, k := range keys {
		var val string
		switch v := aud[k].(type) {
		case string:
			val = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			val = string(raw)
		}
		if strings.TrimSpace(val) == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", title.String(strings.ReplaceAll(k, "_", " ")), val)
	}
	return b.String()
}
