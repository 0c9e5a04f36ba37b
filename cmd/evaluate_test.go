package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adalign/internal/capture"
	"github.com/sells-group/adalign/internal/evaluate"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/vision"
)

type stubProvider struct {
	data []byte
}

func (p stubProvider) Name() string { return "stub" }

func (p stubProvider) Capture(context.Context, string, model.CaptureOptions) ([]byte, error) {
	return p.data, nil
}

func writePNG(t *testing.T, path string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return buf.Bytes()
}

func TestBuildEvalRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ad.png")
	data := writePNG(t, path)

	req, err := buildEvalRequest("", path, "example.com", "meta", "", "persuasion")
	require.NoError(t, err)
	assert.Equal(t, data, req.Ad.Data)
	assert.Equal(t, "meta", req.Ad.Platform)
	assert.Equal(t, model.AnalysisMode("persuasion"), req.Mode)

	req, err = buildEvalRequest("https://www.tiktok.com/@brand/video/1", "", "https://example.com", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://www.tiktok.com/@brand/video/1", req.Ad.RawValue)
	assert.Empty(t, req.Ad.Data)
}

func TestBuildEvalRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		adURL   string
		adFile  string
		landing string
	}{
		{"neither ad source", "", "", "https://example.com"},
		{"both ad sources", "https://ad.example.com", "ad.png", "https://example.com"},
		{"missing landing", "https://ad.example.com", "", ""},
		{"unreadable file", "", filepath.Join(t.TempDir(), "missing.png"), "https://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildEvalRequest(tt.adURL, tt.adFile, tt.landing, "", "", "")
			assert.Error(t, err)
		})
	}
}

func TestRunEvaluate_PrintsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ad.png")
	data := writePNG(t, path)

	req, err := buildEvalRequest("", path, "https://shop.example.com", "google", "", "")
	require.NoError(t, err)

	p := evaluate.New(capture.NewService(stubProvider{data: data}), vision.NewOrchestrator(nil, vision.Config{}))
	var out bytes.Buffer
	require.NoError(t, runEvaluate(context.Background(), p, &out, req))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "google", resp["platform"])
	assert.Equal(t, false, resp["usedAi"])
	assert.Equal(t, vision.ReasonModelUnavailable, resp["fallbackReason"])
	assert.NotContains(t, resp, "usage")
}

func TestRunEvaluate_InvalidInput(t *testing.T) {
	p := evaluate.New(capture.NewService(stubProvider{}), vision.NewOrchestrator(nil, vision.Config{}))
	req := model.EvaluationRequest{
		Ad:             model.AdReference{RawValue: "https://ad.example.com"},
		LandingPageURL: "ftp://example.com",
	}
	err := runEvaluate(context.Background(), p, &bytes.Buffer{}, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, evaluate.ErrInvalidInput)
}
