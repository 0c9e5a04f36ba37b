package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/adalign/internal/evaluate"
	"github.com/sells-group/adalign/internal/model"
)

var (
	evalAdURL      string
	evalAdFile     string
	evalLandingURL string
	evalPlatform   string
	evalMediaType  string
	evalMode       string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one ad against its landing page and print the result as JSON",
	Long:  "Runs a single evaluation without quota or persistence. Provide the ad with --ad-url or --ad-file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("evaluate"); err != nil {
			return err
		}

		req, err := buildEvalRequest(evalAdURL, evalAdFile, evalLandingURL, evalPlatform, evalMediaType, evalMode)
		if err != nil {
			return err
		}

		svc, err := initCapture(nil)
		if err != nil {
			return err
		}
		p := evaluate.New(svc, initAnalyzer(nil))
		return runEvaluate(cmd.Context(), p, cmd.OutOrStdout(), req)
	},
}

// buildEvalRequest turns the command flags into an evaluation request.
func buildEvalRequest(adURL, adFile, landingURL, platform, mediaType, mode string) (model.EvaluationRequest, error) {
	if (adURL == "") == (adFile == "") {
		return model.EvaluationRequest{}, eris.New("exactly one of --ad-url or --ad-file is required")
	}
	if landingURL == "" {
		return model.EvaluationRequest{}, eris.New("--landing-url is required")
	}

	ad := model.AdReference{
		RawValue:  adURL,
		Platform:  platform,
		MediaType: mediaType,
	}
	if adFile != "" {
		data, err := os.ReadFile(adFile)
		if err != nil {
			return model.EvaluationRequest{}, eris.Wrapf(err, "read ad file %s", adFile)
		}
		ad.Data = data
	}

	return model.EvaluationRequest{
		Ad:             ad,
		LandingPageURL: landingURL,
		Mode:           model.AnalysisMode(mode),
	}, nil
}

// runEvaluate runs req and writes the indented JSON response to w.
func runEvaluate(ctx context.Context, p *evaluate.Pipeline, w io.Writer, req model.EvaluationRequest) error {
	resp, err := p.Run(ctx, req)
	if err != nil {
		return eris.Wrap(err, "evaluate")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evalAdURL, "ad-url", "", "ad URL, preview link or image URL")
	f.StringVar(&evalAdFile, "ad-file", "", "path to an ad image to upload")
	f.StringVar(&evalLandingURL, "landing-url", "", "landing page URL")
	f.StringVar(&evalPlatform, "platform", "", "platform hint (meta, google, tiktok, linkedin, youtube)")
	f.StringVar(&evalMediaType, "media-type", "", "media hint (image or video)")
	f.StringVar(&evalMode, "mode", string(model.ModeAlignment), "analysis mode (alignment or persuasion)")
	rootCmd.AddCommand(evaluateCmd)
}
