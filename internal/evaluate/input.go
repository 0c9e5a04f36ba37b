package evaluate

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/capture"
	"github.com/sells-group/adalign/internal/model"
)

// ErrInvalidInput is the root of every request validation failure.
var ErrInvalidInput = eris.New("evaluate: invalid input")

// MaxUploadBytes caps a decoded ad upload.
const MaxUploadBytes = 5 << 20

// ValidationError names the offending request field.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("evaluate: %s: %s", e.Field, e.Problem)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, problem string) error {
	return &ValidationError{Field: field, Problem: problem}
}

// normalize validates req and decodes an uploaded ad. The returned request
// has Ad.Data and Ad.DataType set for uploads.
func normalize(req model.EvaluationRequest, requireRequester bool) (model.EvaluationRequest, error) {
	landing, err := normalizeLanding(req.LandingPageURL)
	if err != nil {
		return req, err
	}
	req.LandingPageURL = landing

	ad := req.Ad
	ad.RawValue = strings.TrimSpace(ad.RawValue)
	switch {
	case len(ad.Data) > 0:
		ad.Kind = model.AdKindUpload
	case strings.HasPrefix(strings.ToLower(ad.RawValue), "data:"):
		ad.Kind = model.AdKindUpload
		ad.Data, err = decodeDataURL(ad.RawValue)
		if err != nil {
			return req, err
		}
	case ad.RawValue == "":
		return req, invalid("adData", "an image upload or ad URL is required")
	default:
		ad.Kind = model.AdKindURL
	}

	if ad.Kind == model.AdKindUpload {
		if len(ad.Data) > MaxUploadBytes {
			return req, invalid("adData.imageUrl", fmt.Sprintf("upload exceeds %d bytes", MaxUploadBytes))
		}
		mt, ok := capture.SniffImage(ad.Data)
		if !ok {
			return req, invalid("adData.imageUrl", fmt.Sprintf("unsupported image type %q", mt))
		}
		ad.DataType = mt
	}
	req.Ad = ad

	req.Mode = model.ParseAnalysisMode(string(req.Mode))
	req.Requester.Email = strings.ToLower(strings.TrimSpace(req.Requester.Email))
	req.Requester.IP = strings.TrimSpace(req.Requester.IP)
	if requireRequester && req.Requester.Email == "" && req.Requester.IP == "" {
		return req, invalid("requester", "an identity or client address is required")
	}
	return req, nil
}

// normalizeLanding accepts bare hostnames by assuming https.
func normalizeLanding(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("landingPageData.url", "required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", invalid("landingPageData.url", "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalid("landingPageData.url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	return u.String(), nil
}

// decodeDataURL decodes a base64 data URL. The declared media type is
// ignored; content is sniffed afterwards.
func decodeDataURL(raw string) ([]byte, error) {
	meta, payload, ok := strings.Cut(raw, ",")
	if !ok {
		return nil, invalid("adData.imageUrl", "malformed data URL")
	}
	if !strings.HasSuffix(strings.ToLower(meta), ";base64") {
		return nil, invalid("adData.imageUrl", "data URL must be base64 encoded")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxUploadBytes+3 {
		return nil, invalid("adData.imageUrl", fmt.Sprintf("upload exceeds %d bytes", MaxUploadBytes))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return nil, invalid("adData.imageUrl", "invalid base64 payload")
	}
	return data, nil
}
