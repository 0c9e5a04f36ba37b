package model

import (
	"encoding/base64"
	"math"
	"time"
)

// CapturedImage is a raster image of a URL, or a synthesized stand-in.
type CapturedImage struct {
	SourceURL     string          `json:"sourceUrl"`
	Bytes         []byte          `json:"-"`
	MediaType     string          `json:"mediaType"`
	CapturedAt    time.Time       `json:"capturedAt"`
	IsPlaceholder bool            `json:"isPlaceholder"`
	Reason        string          `json:"reason,omitempty"`
	Metadata      CaptureMetadata `json:"metadata"`
}

// CaptureMetadata records the parameters an image was captured with.
type CaptureMetadata struct {
	Viewport Viewport `json:"viewport"`
	FullPage bool     `json:"fullPage"`
	Provider string   `json:"provider,omitempty"`
}

// DataURL renders the image as a base64 data URL.
func (c CapturedImage) DataURL() string {
	if len(c.Bytes) == 0 {
		return ""
	}
	return "data:" + c.MediaType + ";base64," + base64.StdEncoding.EncodeToString(c.Bytes)
}

// AnalysisMode selects the response schema requested from the model.
type AnalysisMode string

const (
	ModeAlignment  AnalysisMode = "alignment"
	ModePersuasion AnalysisMode = "persuasion"
)

// ParseAnalysisMode defaults to ModeAlignment for anything unrecognised.
func ParseAnalysisMode(s string) AnalysisMode {
	if AnalysisMode(s) == ModePersuasion {
		return ModePersuasion
	}
	return ModeAlignment
}

// Score bounds on the 10-point scale.
const (
	MinScore = 1
	MaxScore = 10
)

// ComponentScores are the three primary alignment scores.
type ComponentScores struct {
	VisualMatch     int `json:"visualMatch"`
	ContextualMatch int `json:"contextualMatch"`
	ToneAlignment   int `json:"toneAlignment"`
}

// Overall is the rounded mean of the three component scores.
func (s ComponentScores) Overall() int {
	mean := float64(s.VisualMatch+s.ContextualMatch+s.ToneAlignment) / 3
	return int(math.Round(mean))
}

// Verdict is the qualitative triage used by the persuasion schema.
type Verdict string

const (
	VerdictStrong   Verdict = "STRONG"
	VerdictModerate Verdict = "MODERATE"
	VerdictWeak     Verdict = "WEAK"
)

// Score maps the verdict onto the 10-point scale. Unknown verdicts score 0.
func (v Verdict) Score() int {
	switch v {
	case VerdictStrong:
		return 8
	case VerdictModerate:
		return 6
	case VerdictWeak:
		return 4
	}
	return 0
}

// PersuasionPrinciples is the fixed set of principles the persuasion schema covers.
var PersuasionPrinciples = []string{
	"reciprocity",
	"scarcity",
	"authority",
	"consistency",
	"liking",
	"social_proof",
	"unity",
}

// PrincipleAssessment scores a single persuasion principle.
type PrincipleAssessment struct {
	Score    int    `json:"score"`
	Evidence string `json:"evidence"`
}

// PersuasionAnalysis is the richer persuasion-principles breakdown.
type PersuasionAnalysis struct {
	Verdict    Verdict                        `json:"verdict"`
	Principles map[string]PrincipleAssessment `json:"principles"`
	Summary    string                         `json:"summary"`
}

// AnalysisResult is a validated analysis, whether produced by the model or the
// fallback. Exactly one of Scores or Persuasion is set, matching Mode.
type AnalysisResult struct {
	Mode         AnalysisMode        `json:"mode"`
	Scores       *ComponentScores    `json:"componentScores,omitempty"`
	Persuasion   *PersuasionAnalysis `json:"persuasion,omitempty"`
	Suggestions  []string            `json:"suggestions"`
	OverallScore int                 `json:"overallScore"`
	UsedAI       bool                `json:"usedAi"`
}

// DeriveOverall recomputes OverallScore from the component data so the same
// rule applies to model and fallback results alike.
func (r *AnalysisResult) DeriveOverall() {
	switch {
	case r.Persuasion != nil:
		r.OverallScore = r.Persuasion.Verdict.Score()
	case r.Scores != nil:
		r.OverallScore = r.Scores.Overall()
	default:
		r.OverallScore = 0
	}
}
