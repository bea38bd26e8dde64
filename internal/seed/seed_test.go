package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

const sample = `
environments:
  - name: staging
    base_url: https://staging.shop.example
    login: qa@example.com
    password: s3cret
scenarios:
  - name: guest-checkout
    listing_urls: [https://staging.shop.example/c/shoes]
    delivery: courier
    payment: card
  - name: member-checkout
    active: false
    flags:
      coupon: WELCOME10
suites:
  - name: checkout
    workers: 4
    scenarios: [member-checkout, guest-checkout]
`

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	st := storage.NewMemory()
	for i := 0; i < 2; i++ {
		rep, err := Apply(ctx, st, f, logx.Nop())
		require.NoError(t, err)
		require.Equal(t, Report{Environments: 1, Scenarios: 2, Suites: 1}, rep)
	}

	envs, err := st.Environments(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, "s3cret", envs[0].Password)
	require.True(t, envs[0].Active)

	suite, err := st.SuiteByName(ctx, "checkout")
	require.NoError(t, err)
	require.Equal(t, 4, suite.Workers)
	members, err := st.SuiteScenarios(ctx, suite.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "member-checkout", members[0].Name)
	require.False(t, members[0].Active)
	require.Equal(t, "WELCOME10", members[0].Flags["coupon"])
	require.Equal(t, []string{"https://staging.shop.example/c/shoes"}, members[1].ListingURLs)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown key":        "environments:\n  - name: a\n    url: x\n",
		"missing name":       "scenarios:\n  - description: x\n",
		"duplicate scenario": "scenarios:\n  - name: a\n  - name: a\n",
		"negative workers":   "suites:\n  - name: s\n    workers: -1\n",
	}
	for name, doc := range cases {
		_, err := Decode([]byte(doc))
		require.Error(t, err, name)
	}
	f, err := Decode(nil)
	require.NoError(t, err)
	require.Empty(t, f.Suites)
}

func TestApplyUnknownMember(t *testing.T) {
	t.Parallel()
	f, err := Decode([]byte("suites:\n  - name: s\n    scenarios: [ghost]\n"))
	require.NoError(t, err)
	_, err = Apply(context.Background(), storage.NewMemory(), f, logx.Nop())
	require.ErrorIs(t, err, storage.ErrNotFound)
}
