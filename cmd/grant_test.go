package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
	"github.com/sells-group/adalign/internal/store"
)

func grantFixture(t *testing.T) (store.Store, *quota.Engine) {
	t.Helper()
	withConfig(t, testConfig(t))
	ctx := context.Background()

	st, err := initStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	engine, err := initQuota(st, nil)
	require.NoError(t, err)
	return st, engine
}

func TestRunGrant_Credits(t *testing.T) {
	st, engine := grantFixture(t)
	var out bytes.Buffer

	require.NoError(t, runGrant(context.Background(), st, engine, &out, " Ana@Example.com ", 5, ""))

	var d quota.Decision
	require.NoError(t, json.Unmarshal(out.Bytes(), &d))
	assert.Equal(t, 8, d.Limit)
	assert.Equal(t, 8, d.Remaining)
	assert.True(t, d.Allowed)
}

func TestRunGrant_Tier(t *testing.T) {
	st, engine := grantFixture(t)
	ctx := context.Background()
	var out bytes.Buffer

	require.NoError(t, runGrant(ctx, st, engine, &out, "bo@example.com", 0, "Pro"))

	id, err := st.GetIdentity(ctx, "bo@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, id.Tier)

	var d quota.Decision
	require.NoError(t, json.Unmarshal(out.Bytes(), &d))
	assert.Equal(t, 50, d.Limit)
	assert.Equal(t, model.TierPro, d.Tier)
}

func TestRunGrant_Errors(t *testing.T) {
	st, engine := grantFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		email   string
		credits int
		tier    string
	}{
		{"missing email", "", 1, ""},
		{"negative credits", "ana@example.com", -1, ""},
		{"nothing to grant", "ana@example.com", 0, ""},
		{"unknown tier", "ana@example.com", 0, "platinum"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, runGrant(ctx, st, engine, &bytes.Buffer{}, tt.email, tt.credits, tt.tier))
		})
	}
}
