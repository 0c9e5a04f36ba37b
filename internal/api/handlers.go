package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/evaluate"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
	"github.com/sells-group/adalign/internal/share"
	"github.com/sells-group/adalign/internal/store"
)

const (
	// maxEvaluateBody leaves room for a base64 upload at the decoded cap.
	maxEvaluateBody = 8 << 20
	maxJSONBody     = 1 << 20
	maxWebhookBody  = 64 << 10
)

type handlers struct {
	deps Deps
}

type identityBody struct {
	Email string `json:"email"`
}

type evaluateRequest struct {
	AdData struct {
		ImageURL  string `json:"imageUrl"`
		AdURL     string `json:"adUrl"`
		Platform  string `json:"platform"`
		MediaType string `json:"mediaType"`
	} `json:"adData"`
	LandingPageData struct {
		URL string `json:"url"`
	} `json:"landingPageData"`
	AudienceData map[string]any `json:"audienceData"`
	AnalysisMode string         `json:"analysisMode"`
	Identity     *identityBody  `json:"identity"`
}

func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateRequest
	if !decodeBody(w, r, maxEvaluateBody, &body) {
		return
	}

	raw := body.AdData.ImageURL
	if raw == "" {
		raw = body.AdData.AdURL
	}
	req := model.EvaluationRequest{
		Ad: model.AdReference{
			RawValue:  raw,
			Platform:  body.AdData.Platform,
			MediaType: body.AdData.MediaType,
		},
		LandingPageURL: body.LandingPageData.URL,
		Audience:       body.AudienceData,
		Mode:           model.AnalysisMode(strings.ToLower(strings.TrimSpace(body.AnalysisMode))),
		Requester:      requesterOf(r, body.Identity),
	}

	resp, err := h.deps.Evaluator.Run(r.Context(), req)
	if err != nil {
		h.evaluateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) evaluateError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve     *evaluate.ValidationError
		denied *quota.DeniedError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidInput, ve.Error()).with("field", ve.Field))
	case errors.As(err, &denied):
		writeDenied(w, r, denied.Decision)
	default:
		zap.L().Error("api: evaluate failed", zap.Error(err))
		writeError(w, r, newError(http.StatusInternalServerError, CodeInternal, "evaluation could not be completed"))
	}
}

func writeDenied(w http.ResponseWriter, r *http.Request, d quota.Decision) {
	retry := time.Until(d.NextReset).Seconds()
	if retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry))))
	}
	writeError(w, r, newError(http.StatusTooManyRequests, CodeUsageLimitExceeded,
		"monthly evaluation limit reached").
		with("used", d.Used).
		with("limit", d.Limit).
		with("remaining", d.Remaining).
		with("nextReset", d.NextReset))
}

func (h *handlers) usage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Usage == nil {
		writeError(w, r, newError(http.StatusNotFound, CodeNotFound, "usage tracking is disabled"))
		return
	}

	id := &identityBody{Email: r.URL.Query().Get("email")}
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var body identityBody
		if !decodeBody(w, r, maxJSONBody, &body) {
			return
		}
		if body.Email != "" {
			id.Email = body.Email
		}
	}

	s := quota.SubjectFor(requesterOf(r, id))
	if s.Email == "" && s.IP == "" {
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidInput, "no identity or client address"))
		return
	}
	d, err := h.deps.Usage.Status(r.Context(), s)
	if err != nil {
		zap.L().Warn("api: usage status unavailable", zap.Error(err))
		writeError(w, r, newError(http.StatusServiceUnavailable, CodeNotReady, "usage is temporarily unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type createShareRequest struct {
	EvaluationID   string         `json:"evaluationId"`
	EvaluationData map[string]any `json:"evaluationData"`
}

type shareResponse struct {
	ShareToken string    `json:"shareToken"`
	ShareURL   string    `json:"shareUrl"`
	Title      string    `json:"title"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Persisted  bool      `json:"persisted"`
}

func (h *handlers) createShare(w http.ResponseWriter, r *http.Request) {
	var body createShareRequest
	if !decodeBody(w, r, maxEvaluateBody, &body) {
		return
	}
	if body.EvaluationData == nil {
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidInput, "evaluationData is required").with("field", "evaluationData"))
		return
	}

	rep, err := h.deps.Shares.Create(r.Context(), body.EvaluationID, body.EvaluationData)
	if errors.Is(err, share.ErrMissingEvaluation) {
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidInput, "evaluationId is required").with("field", "evaluationId"))
		return
	}
	if err != nil {
		zap.L().Error("api: create share", zap.Error(err))
		writeError(w, r, newError(http.StatusInternalServerError, CodeInternal, "share could not be created"))
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{
		ShareToken: rep.Token,
		ShareURL:   h.deps.Shares.URL(rep.Token),
		Title:      rep.Title,
		ExpiresAt:  rep.ExpiresAt,
		Persisted:  rep.Persisted,
	})
}

type sharedReportResponse struct {
	ShareToken       string         `json:"shareToken"`
	Title            string         `json:"title"`
	SanitizedPayload map[string]any `json:"sanitizedPayload"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	ViewCount        int            `json:"viewCount"`
	CreatedAt        time.Time      `json:"createdAt"`
}

func (h *handlers) getShare(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.Shares.Get(r.Context(), chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, share.ErrNotFound):
		writeError(w, r, newError(http.StatusNotFound, CodeShareNotFound, "share not found"))
		return
	case errors.Is(err, share.ErrExpired):
		writeError(w, r, newError(http.StatusGone, CodeShareExpired, "share has expired").with("expiresAt", rep.ExpiresAt))
		return
	case err != nil:
		zap.L().Error("api: get share", zap.Error(err))
		writeError(w, r, newError(http.StatusInternalServerError, CodeInternal, "share could not be loaded"))
		return
	}
	writeJSON(w, http.StatusOK, sharedReportResponse{
		ShareToken:       rep.Token,
		Title:            rep.Title,
		SanitizedPayload: rep.SanitizedPayload,
		ExpiresAt:        rep.ExpiresAt,
		ViewCount:        rep.ViewCount,
		CreatedAt:        rep.CreatedAt,
	})
}

// evaluationView is a persisted evaluation without requester fields.
type evaluationView struct {
	ID              string                 `json:"id"`
	Platform        model.Platform         `json:"platform"`
	AdSourceType    model.SourceType       `json:"adSourceType"`
	LandingPageURL  string                 `json:"landingPageUrl"`
	OverallScore    int                    `json:"overallScore"`
	ComponentScores *model.ComponentScores `json:"componentScores,omitempty"`
	Analysis        json.RawMessage        `json:"analysis"`
	UsedAI          bool                   `json:"usedAi"`
	FallbackReason  string                 `json:"fallbackReason,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
}

func (h *handlers) getEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := h.deps.Evaluations.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, newError(http.StatusNotFound, CodeNotFound, "evaluation not found"))
		return
	}
	if err != nil {
		zap.L().Error("api: get evaluation", zap.Error(err))
		writeError(w, r, newError(http.StatusInternalServerError, CodeInternal, "evaluation could not be loaded"))
		return
	}
	writeJSON(w, http.StatusOK, evaluationView{
		ID:              ev.ID,
		Platform:        ev.Platform,
		AdSourceType:    ev.AdSourceType,
		LandingPageURL:  ev.LandingPageURL,
		OverallScore:    ev.OverallScore,
		ComponentScores: ev.ComponentScores,
		Analysis:        ev.Analysis,
		UsedAI:          ev.UsedAI,
		FallbackReason:  ev.FallbackReason,
		CreatedAt:       ev.CreatedAt,
	})
}

// Payment events that start a new paid cycle.
var resetEvents = map[string]bool{
	"invoice.paid":              true,
	"invoice.payment_succeeded": true,
}

func (h *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.WebhookSecret == "" || h.deps.Usage == nil {
		writeError(w, r, newError(http.StatusServiceUnavailable, CodeWebhookDisabled, "payment webhook is not configured"))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, newError(http.StatusRequestEntityTooLarge, CodeInvalidRequest, "webhook body too large"))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.deps.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		zap.L().Warn("api: stripe signature rejected", zap.Error(err))
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidSignature, "signature verification failed"))
		return
	}

	log := zap.L().With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
	if !resetEvents[string(event.Type)] || event.Data == nil {
		log.Debug("api: stripe event ignored")
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		log.Warn("api: stripe invoice undecodable", zap.Error(err))
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidRequest, "invoice payload could not be decoded"))
		return
	}
	email := strings.TrimSpace(inv.CustomerEmail)
	if email == "" {
		log.Warn("api: stripe invoice has no customer email")
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	if err := h.deps.Usage.ResetForPayment(r.Context(), email); err != nil {
		log.Error("api: reset after payment failed", zap.Error(err))
		writeError(w, r, newError(http.StatusInternalServerError, CodeInternal, "usage reset failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "reset": true})
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready.Ping(ctx); err != nil {
			zap.L().Warn("api: readiness check failed", zap.Error(err))
			writeError(w, r, newError(http.StatusServiceUnavailable, CodeNotReady, "store unavailable"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeBody reads a JSON body of at most limit bytes into v. It writes the
// error response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, newError(http.StatusRequestEntityTooLarge, CodeInvalidRequest, "request body too large"))
			return false
		}
		writeError(w, r, newError(http.StatusBadRequest, CodeInvalidRequest,
			eris.Wrap(err, "invalid JSON body").Error()))
		return false
	}
	return true
}

// requesterOf combines an optional identity with the client address set by
// the clientIP middleware.
func requesterOf(r *http.Request, id *identityBody) model.Requester {
	var req model.Requester
	if id != nil {
		req.Email = strings.TrimSpace(id.Email)
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	req.IP = ip
	return req
}
