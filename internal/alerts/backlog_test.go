package alerts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shopwatch/internal/domain"
	"shopwatch/internal/storage"
)

func TestResolveSetsStatusFromResolution(t *testing.T) {
	t.Parallel()
	cases := []struct {
		res    domain.Resolution
		status domain.AlertStatus
		closed bool
	}{
		{domain.ResolutionBug, domain.AlertAwaitingFix, false},
		{domain.ResolutionNeedsDev, domain.AlertAwaitingFix, false},
		{domain.ResolutionConfig, domain.AlertAwaitingFix, false},
		{domain.ResolutionScriptFix, domain.AlertAwaitingTestUpdate, false},
		{domain.ResolutionScenarioFix, domain.AlertAwaitingTestUpdate, false},
		{domain.ResolutionNAB, domain.AlertClosed, true},
		{domain.ResolutionCantReproduce, domain.AlertClosed, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.res), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			id := f.run(t, occ("cart.add_failed", 1)).Decisions[0].Group.ID

			g, err := f.eng.Resolve(context.Background(), ResolveRequest{GroupID: id, Resolution: tc.res, ClosedBy: "qa"})
			require.NoError(t, err)
			require.Equal(t, tc.status, g.Status)
			require.Equal(t, tc.res, g.ResolutionType)
			require.Equal(t, tc.closed, g.ClosedAt != nil)
			if tc.closed {
				require.Equal(t, "qa", g.ClosedBy)
			} else {
				require.Empty(t, g.ClosedBy)
			}
		})
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rep := f.run(t, occ("cart.add_failed", 1), occ("cart.price_mismatch", 2))
	a, b := rep.Decisions[0].Group.ID, rep.Decisions[1].Group.ID

	_, err := f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: "WONTFIX"})
	require.ErrorIs(t, err, ErrInvalidResolution)

	_, err = f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionDuplicate})
	require.ErrorIs(t, err, ErrDuplicateTarget)

	_, err = f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionDuplicate, DuplicateOf: &a})
	require.ErrorIs(t, err, ErrDuplicateTarget)

	missing := int64(9999)
	_, err = f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionDuplicate, DuplicateOf: &missing})
	require.ErrorIs(t, err, ErrDuplicateTarget)

	_, err = f.eng.Resolve(ctx, ResolveRequest{GroupID: missing, Resolution: domain.ResolutionBug})
	require.ErrorIs(t, err, storage.ErrNotFound)

	other, err := f.eng.Finalize(ctx, Batch{EnvironmentID: 2, SuiteRunID: 50, Occurrences: []domain.Occurrence{occ("cart.add_failed", 1)}}, nil)
	require.NoError(t, err)
	foreign := other.Decisions[0].Group.ID
	_, err = f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionDuplicate, DuplicateOf: &foreign})
	require.ErrorIs(t, err, ErrDuplicateTarget)

	g := f.group(t, a)
	require.Equal(t, domain.AlertOpen, g.Status, "rejected resolutions change nothing")
	require.Nil(t, g.DuplicateOf)

	ok, err := f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionDuplicate, DuplicateOf: &b})
	require.NoError(t, err)
	require.Equal(t, b, *ok.DuplicateOf)
	require.Equal(t, domain.AlertOpen, f.group(t, b).Status)
}

func TestResolveClearsDuplicateAndClosure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rep := f.run(t, occ("cart.add_failed", 1), occ("cart.price_mismatch", 2))
	a, b := rep.Decisions[0].Group.ID, rep.Decisions[1].Group.ID

	_, err := f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionDuplicate, DuplicateOf: &b, ClosedBy: "qa"})
	require.NoError(t, err)

	g, err := f.eng.Resolve(ctx, ResolveRequest{GroupID: a, Resolution: domain.ResolutionScriptFix})
	require.NoError(t, err)
	require.Equal(t, domain.AlertAwaitingTestUpdate, g.Status)
	require.Nil(t, g.DuplicateOf)
	require.Nil(t, g.ClosedAt)
	require.Empty(t, g.ClosedBy)
}

func TestSetInProgressOnlyFromOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.run(t, occ("cart.add_failed", 1)).Decisions[0].Group.ID

	g, err := f.eng.SetInProgress(ctx, id, "qa")
	require.NoError(t, err)
	require.Equal(t, domain.AlertInProgress, g.Status)
	require.Equal(t, "qa", g.AssignedTo)

	stored, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "qa", stored.AssignedTo)

	_, err = f.eng.SetInProgress(ctx, id, "qa")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListAndStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rep := f.run(t, occ("cart.add_failed", 1), occ("payment.timeout", 2), occ("search.empty", 3))
	_, err := f.eng.Resolve(ctx, ResolveRequest{GroupID: rep.Decisions[1].Group.ID, Resolution: domain.ResolutionNAB})
	require.NoError(t, err)
	_, err = f.eng.Resolve(ctx, ResolveRequest{GroupID: rep.Decisions[2].Group.ID, Resolution: domain.ResolutionBug})
	require.NoError(t, err)

	active, err := f.eng.List(ctx, Filter{EnvironmentID: 1})
	require.NoError(t, err)
	require.Len(t, active, 2)

	closed, err := f.eng.List(ctx, Filter{EnvironmentID: 1, Scope: ScopeClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, domain.BusinessRule("payment.timeout"), closed[0].BusinessRule)

	all, err := f.eng.List(ctx, Filter{Scope: ScopeAll, Text: "search"})
	require.NoError(t, err)
	require.Len(t, all, 1)

	st, err := f.eng.Stats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, st.Total)
	require.Equal(t, 2, st.Active)
	require.Equal(t, 1, st.ByStatus[domain.AlertOpen])
	require.Equal(t, 1, st.ByStatus[domain.AlertAwaitingFix])
	require.Equal(t, 1, st.ByStatus[domain.AlertClosed])
	require.Equal(t, 0, st.ByStatus[domain.AlertInProgress])
}

func TestParseScope(t *testing.T) {
	t.Parallel()
	s, err := ParseScope("")
	require.NoError(t, err)
	require.Equal(t, ScopeActive, s)
	s, err = ParseScope(" Closed ")
	require.NoError(t, err)
	require.Equal(t, ScopeClosed, s)
	_, err = ParseScope("archived")
	require.Error(t, err)
}
