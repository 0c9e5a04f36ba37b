package vision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/model"
)

// ErrInvalidResponse is the root of every parse or validation failure.
var ErrInvalidResponse = eris.New("vision: invalid model response")

// ValidationError names the offending field of a rejected response.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vision: field %q: %s", e.Field, e.Problem)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidResponse }

func invalid(field, problem string, args ...any) error {
	return &ValidationError{Field: field, Problem: fmt.Sprintf(problem, args...)}
}

// extractObject returns the outermost JSON object in text, tolerating code
// fences or stray prose around it.
func extractObject(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, eris.Wrap(ErrInvalidResponse, "vision: no JSON object in response")
	}
	return []byte(text[start : end+1]), nil
}

// Parse validates a raw model response against the schema for mode. Any
// missing key or out-of-range score rejects the whole response.
func Parse(mode model.AnalysisMode, text string) (model.AnalysisResult, error) {
	raw, err := extractObject(text)
	if err != nil {
		return model.AnalysisResult{}, err
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return model.AnalysisResult{}, eris.Wrapf(ErrInvalidResponse, "vision: decode: %v", err)
	}

	var res model.AnalysisResult
	if mode == model.ModePersuasion {
		res, err = parsePersuasion(fields)
	} else {
		res, err = parseAlignment(fields)
	}
	if err != nil {
		return model.AnalysisResult{}, err
	}
	res.Mode = mode
	res.UsedAI = true
	res.DeriveOverall()
	return res, nil
}

func parseAlignment(fields map[string]json.RawMessage) (model.AnalysisResult, error) {
	rawScores, ok := first(fields, "componentScores", "scores")
	if !ok {
		return model.AnalysisResult{}, invalid("componentScores", "missing")
	}
	var scores map[string]json.RawMessage
	if err := json.Unmarshal(rawScores, &scores); err != nil {
		return model.AnalysisResult{}, invalid("componentScores", "not an object")
	}

	var cs model.ComponentScores
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"visualMatch", &cs.VisualMatch},
		{"contextualMatch", &cs.ContextualMatch},
		{"toneAlignment", &cs.ToneAlignment},
	} {
		v, ok := scores[f.key]
		if !ok {
			return model.AnalysisResult{}, invalid("componentScores."+f.key, "missing")
		}
		n, err := score("componentScores."+f.key, v)
		if err != nil {
			return model.AnalysisResult{}, err
		}
		*f.dst = n
	}

	suggestions, err := suggestionList(fields)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	return model.AnalysisResult{Scores: &cs, Suggestions: suggestions}, nil
}

func parsePersuasion(fields map[string]json.RawMessage) (model.AnalysisResult, error) {
	rawVerdict, ok := fields["verdict"]
	if !ok {
		return model.AnalysisResult{}, invalid("verdict", "missing")
	}
	var verdictText string
	if err := json.Unmarshal(rawVerdict, &verdictText); err != nil {
		return model.AnalysisResult{}, invalid("verdict", "not a string")
	}
	verdict := model.Verdict(strings.ToUpper(strings.TrimSpace(verdictText)))
	if verdict.Score() == 0 {
		return model.AnalysisResult{}, invalid("verdict", "unknown verdict %q", verdictText)
	}

	rawPrinciples, ok := fields["principles"]
	if !ok {
		return model.AnalysisResult{}, invalid("principles", "missing")
	}
	var principles map[string]struct {
		Score    json.RawMessage `json:"score"`
		Evidence string          `json:"evidence"`
	}
	if err := json.Unmarshal(rawPrinciples, &principles); err != nil {
		return model.AnalysisResult{}, invalid("principles", "not an object")
	}

	out := make(map[string]model.PrincipleAssessment, len(model.PersuasionPrinciples))
	for _, name := range model.PersuasionPrinciples {
		p, ok := principles[name]
		if !ok {
			return model.AnalysisResult{}, invalid("principles."+name, "missing")
		}
		n, err := score("principles."+name+".score", p.Score)
		if err != nil {
			return model.AnalysisResult{}, err
		}
		out[name] = model.PrincipleAssessment{Score: n, Evidence: strings.TrimSpace(p.Evidence)}
	}

	// summary is optional; null reads as empty.
	var summary string
	if rawSummary, ok := fields["summary"]; ok {
		if err := json.Unmarshal(rawSummary, &summary); err != nil {
			return model.AnalysisResult{}, invalid("summary", "not a string")
		}
	}

	suggestions, err := suggestionList(fields)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	return model.AnalysisResult{
		Persuasion: &model.PersuasionAnalysis{
			Verdict:    verdict,
			Principles: out,
			Summary:    strings.TrimSpace(summary),
		},
		Suggestions: suggestions,
	}, nil
}

// suggestionList reads a non-empty list of non-blank strings from any of the
// accepted keys.
func suggestionList(fields map[string]json.RawMessage) ([]string, error) {
	raw, ok := first(fields, "suggestions", "recommendations")
	if !ok {
		return nil, invalid("suggestions", "missing")
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, invalid("suggestions", "not a list of strings")
	}
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, invalid("suggestions", "empty")
	}
	return out, nil
}

// score parses an integral score in [MinScore, MaxScore]. Integral floats
// such as 7.0 are accepted; 7.5 is not.
func score(field string, raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	var num json.Number
	if len(raw) == 0 || raw[0] == '"' {
		return 0, invalid(field, "not a number")
	}
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, invalid(field, "not a number")
	}
	f, err := num.Float64()
	if err != nil || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, invalid(field, "not an integer: %s", raw)
	}
	n := int(f)
	if n < model.MinScore || n > model.MaxScore {
		return 0, invalid(field, "out of range: %d", n)
	}
	return n, nil
}

func first(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}
