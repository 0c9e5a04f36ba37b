package model

import (
	"encoding/json"
	"time"
)

// Identity is an authenticated requester.
type Identity struct {
	Email string `json:"email"`
	Tier  Tier   `json:"tier"`
}

// Requester is whoever submitted an evaluation: an identity email or an
// anonymous IP address.
type Requester struct {
	Email string `json:"email,omitempty"`
	IP    string `json:"ip,omitempty"`
}

// Anonymous reports whether no identity was presented.
func (r Requester) Anonymous() bool { return r.Email == "" }

// EvaluationRequest is the transient input to one pipeline run.
type EvaluationRequest struct {
	Ad             AdReference
	LandingPageURL string
	Audience       map[string]any
	Mode           AnalysisMode
	Requester      Requester
}

// Evaluation is the persisted record of a completed pipeline run.
type Evaluation struct {
	ID              string           `json:"id"`
	Platform        Platform         `json:"platform"`
	AdSourceType    SourceType       `json:"adSourceType"`
	LandingPageURL  string           `json:"landingPageUrl"`
	OverallScore    int              `json:"overallScore"`
	ComponentScores *ComponentScores `json:"componentScores,omitempty"`
	Analysis        json.RawMessage  `json:"analysis"`
	UsedAI          bool             `json:"usedAi"`
	FallbackReason  string           `json:"fallbackReason,omitempty"`
	Requester       Requester        `json:"requester"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// SharedReport is a time-boxed public view of a sanitized evaluation.
type SharedReport struct {
	Token            string         `json:"shareToken"`
	EvaluationID     string         `json:"evaluationId"`
	Title            string         `json:"title"`
	SanitizedPayload map[string]any `json:"sanitizedPayload"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	ViewCount        int            `json:"viewCount"`
	CreatedAt        time.Time      `json:"createdAt"`
	// Persisted is false for degraded shares created while the store was down.
	Persisted bool `json:"-"`
}

// Expired reports whether the share is past its expiry at now.
func (s SharedReport) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
