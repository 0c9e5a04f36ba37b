package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
	"github.com/sells-group/adalign/internal/store"
)

var (
	grantEmail   string
	grantCredits int
	grantTier    string
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant bonus evaluations or set the tier of an identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("grant"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		env := &appEnv{}
		defer func() {
			if env.redis != nil {
				_ = env.redis.Close()
			}
		}()
		engine, err := initQuota(st, env)
		if err != nil {
			return err
		}
		return runGrant(ctx, st, engine, cmd.OutOrStdout(), grantEmail, grantCredits, grantTier)
	},
}

// runGrant applies the tier change and bonus credits, then prints the
// identity's current usage.
func runGrant(ctx context.Context, st store.Store, engine *quota.Engine, w io.Writer, email string, credits int, tier string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return eris.New("--email is required")
	}
	if credits < 0 {
		return eris.New("--credits must be >= 0")
	}
	if credits == 0 && tier == "" {
		return eris.New("nothing to grant: set --credits or --tier")
	}

	if tier != "" {
		t := model.ParseTier(tier)
		if string(t) != strings.ToLower(strings.TrimSpace(tier)) {
			return eris.Errorf("unknown tier %q", tier)
		}
		if err := st.UpsertIdentity(ctx, model.Identity{Email: email, Tier: t}); err != nil {
			return eris.Wrap(err, "set tier")
		}
		zap.L().Info("tier updated", zap.String("email", email), zap.String("tier", string(t)))
	}

	var (
		d   quota.Decision
		err error
	)
	if credits > 0 {
		d, err = engine.GrantBonus(ctx, email, credits)
		if err != nil {
			return err
		}
		zap.L().Info("bonus credits granted", zap.String("email", email), zap.Int("credits", credits))
	} else {
		d, err = engine.Status(ctx, quota.Subject{Email: email})
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

func init() {
	grantCmd.Flags().StringVar(&grantEmail, "email", "", "identity email")
	grantCmd.Flags().IntVar(&grantCredits, "credits", 0, "bonus evaluations to add")
	grantCmd.Flags().StringVar(&grantTier, "tier", "", "set the identity tier (free, pro, agency, enterprise)")
	rootCmd.AddCommand(grantCmd)
}
