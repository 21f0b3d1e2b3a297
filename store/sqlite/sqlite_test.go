package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Seed(context.Background()))
	return store
}

func num(v string) decimal.NullDecimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return decimal.NewNullDecimal(d)
}

// =============================================================================
// PROJECTS AND SUBPROJECTS
// =============================================================================

func TestProjectData(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t.Run("loads seeded project", func(t *testing.T) {
		p, err := store.ProjectData(ctx, "P-1000")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), p.PrjID)
		assert.Equal(t, planning.VersionYAP, p.SelectedVersion)
		assert.Equal(t, p.SelectedVersion, p.OriginalVersion)
		assert.Equal(t, int64(1), p.SelectedCurrencyID)
	})

	t.Run("unknown display id", func(t *testing.T) {
		_, err := store.ProjectData(ctx, "P-9999")
		assert.True(t, services.IsNotFound(err))
	})
}

func TestNavigationItems(t *testing.T) {
	store := newStore(t)

	nav, err := store.NavigationItems(context.Background(), 1000)
	require.NoError(t, err)

	require.Len(t, nav.Items, 3)
	assert.Equal(t, "P-1000", nav.Items[0].DisplayID)
	assert.Equal(t, nav.Items[0].ID, nav.Items[1].ParentID)
}

func TestProjectSubprojects(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t.Run("loads rows with compare columns", func(t *testing.T) {
		sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)
		require.Len(t, sps, 2)

		first := sps[0]
		assert.Equal(t, "SP-100", first.Key())
		require.Len(t, first.Rows, 3)
		assert.Equal(t, 2024, first.Rows[0].Year)
		assert.True(t, num("1200").Decimal.Equal(first.Rows[0].CurrentCost.Decimal))
		require.True(t, first.Rows[0].OTPCompare.Valid)
		assert.True(t, num("400").Decimal.Equal(first.Rows[0].OTPCompare.Decimal))
		assert.False(t, first.LatestUpdDate.IsZero())
	})

	t.Run("version without compare rows leaves columns empty", func(t *testing.T) {
		sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionActual)
		require.NoError(t, err)
		for _, row := range sps[0].Rows {
			assert.False(t, row.CostCompare.Valid)
			assert.False(t, row.OTPCompare.Valid)
		}
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := store.ProjectSubprojects(ctx, 42, planning.VersionYAP)
		assert.True(t, services.IsNotFound(err))
	})
}

func TestSaveSubprojects(t *testing.T) {
	ctx := context.Background()

	t.Run("persists edits and advances the update token", func(t *testing.T) {
		store := newStore(t)
		sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)

		edited := sps[0]
		edited.Rows[0].CurrentCost = num("9999")
		edited.Rows[0].CurrentOTP = planning.MetricCell{MetricValue: planning.ValidMetric(num("777").Decimal)}

		saved, err := store.SaveSubprojects(ctx, 1000, []planning.Subproject{edited})
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.True(t, saved[0].LatestUpdDate.After(sps[0].LatestUpdDate) ||
			saved[0].LatestUpdDate.Equal(sps[0].LatestUpdDate))
		assert.NotZero(t, saved[0].Rows[0].CurrentOTP.ValueID, "new cell gets a value id")

		reloaded, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)
		assert.True(t, num("9999").Decimal.Equal(reloaded[0].Rows[0].CurrentCost.Decimal))
		v, ok := reloaded[0].Rows[0].CurrentOTP.Decimal()
		require.True(t, ok)
		assert.True(t, num("777").Decimal.Equal(v))
	})

	t.Run("stale token fails the whole batch", func(t *testing.T) {
		store := newStore(t)
		sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)

		// Advance the stored token, then try to save with an old one.
		_, err = store.SaveSubprojects(ctx, 1000, []planning.Subproject{sps[0]})
		require.NoError(t, err)
		current, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)

		stale := current[0]
		stale.LatestUpdDate = stale.LatestUpdDate.Add(-24 * time.Hour)
		stale.Rows[0].CurrentCost = num("1")
		fresh := current[1]

		_, err = store.SaveSubprojects(ctx, 1000, []planning.Subproject{fresh, stale})
		assert.True(t, services.IsConflict(err))

		reloaded, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)
		assert.True(t, num("1200").Decimal.Equal(reloaded[0].Rows[0].CurrentCost.Decimal),
			"nothing written on conflict")
	})

	t.Run("invalid cells round-trip with their raw input", func(t *testing.T) {
		store := newStore(t)
		sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)

		edited := sps[0]
		edited.Rows[0].CurrentOTP.MetricValue = planning.InvalidMetric("12,x5")
		_, err = store.SaveSubprojects(ctx, 1000, []planning.Subproject{edited})
		require.NoError(t, err)

		reloaded, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
		require.NoError(t, err)
		cell := reloaded[0].Rows[0].CurrentOTP
		assert.True(t, cell.IsInvalid())
		assert.Equal(t, "12,x5", cell.Raw())
	})

	t.Run("unknown subproject", func(t *testing.T) {
		store := newStore(t)
		ghost := planning.Subproject{}
		ghost.MCR.MCRSubprojectID = "SP-404"
		ghost.LatestUpdDate = time.Now()
		_, err := store.SaveSubprojects(ctx, 1000, []planning.Subproject{ghost})
		assert.True(t, services.IsNotFound(err))
	})
}

// =============================================================================
// ACTUALS AND RATES
// =============================================================================

func TestActualData(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t.Run("base currency returns booked values", func(t *testing.T) {
		data, err := store.ActualData(ctx, 1000, "SP-100", 1)
		require.NoError(t, err)
		require.Len(t, data, 1)
		require.Len(t, data[0].Rows, 1)
		assert.True(t, num("1150").Decimal.Equal(data[0].Rows[0].Cost.Decimal))
	})

	t.Run("foreign currency converts with forecast rates", func(t *testing.T) {
		data, err := store.ActualData(ctx, 1000, "SP-100", 2)
		require.NoError(t, err)
		// 1150 EUR * 1.25 = 1437.5 USD
		assert.True(t, num("1437.5").Decimal.Equal(data[0].Rows[0].Cost.Decimal))
	})

	t.Run("empty key returns every subproject", func(t *testing.T) {
		data, err := store.ActualData(ctx, 1000, "", 1)
		require.NoError(t, err)
		assert.Len(t, data, 2)
	})
}

func TestActualDataSummary(t *testing.T) {
	store := newStore(t)

	summary, err := store.ActualDataSummary(context.Background(), 1000, 1)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, 2024, summary[0].Year)
	assert.True(t, num("2250").Decimal.Equal(summary[0].Cost.Decimal))
}

func TestExchangeRates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t.Run("returns a full table per currency", func(t *testing.T) {
		rates, err := store.ExchangeRates(ctx, []int{2024, 2025}, planning.VersionYAP, []int64{1, 2})
		require.NoError(t, err)
		require.Len(t, rates, 2)
		require.Len(t, rates[1].RatePerYears, 2)
		r := rates[1].RateForYear(2025)
		require.True(t, r.Valid)
		assert.True(t, num("1.25").Decimal.Equal(r.Decimal))
	})

	t.Run("missing year fails with rate-not-found", func(t *testing.T) {
		_, err := store.ExchangeRates(ctx, []int{2024, 2031}, planning.VersionYAP, []int64{2})
		assert.True(t, services.IsRateNotFound(err))
	})
}

func TestForecastRates(t *testing.T) {
	store := newStore(t)

	rates, err := store.ForecastRates(context.Background(), []int64{2})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, int64(2), rates[0].CurrencyID)
}

// =============================================================================
// APPROVALS
// =============================================================================

func TestApprovalFlow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	perms, err := store.Permissions(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, perms.CanApprove)

	sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
	require.NoError(t, err)
	tokens := []services.LastUpdatedSubproject{
		{SubprojectKey: "SP-100", UpdatedAt: sps[0].LatestUpdDate},
		{SubprojectKey: "SP-200", UpdatedAt: sps[1].LatestUpdDate},
	}
	require.NoError(t, store.CheckStatus(ctx, 1000, tokens))

	resp, err := store.SaveApproval(ctx, services.ApprovalSubmission{
		ProjectID:   1000,
		CommitteeID: 1,
		Comment:     "annual planning approved",
		NewCSSSubprojects: []services.NewCSSSubproject{
			{SubprojectKey: "SP-200", InvoiceCustomerID: 88, SpecialSaleCompany: "Coastal Automation"},
		},
		LastUpdated: tokens,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ApprovalID)
	require.Len(t, resp.Created, 1)
	assert.NotEmpty(t, resp.Created[0].CSSSubprojectID)

	reloaded, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
	require.NoError(t, err)
	assert.Equal(t, resp.Created[0].CSSSubprojectID, reloaded[1].CSS.CSSSubprojectID)

	history, err := store.History(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, resp.ApprovalID, history[0].ID)
	assert.Equal(t, "annual planning approved", history[0].Comment)
}

func TestApprovalConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	stale := []services.LastUpdatedSubproject{
		{SubprojectKey: "SP-100", UpdatedAt: time.Now().Add(-48 * time.Hour)},
	}
	err := store.CheckStatus(ctx, 1000, stale)
	assert.True(t, services.IsConflict(err))

	_, err = store.SaveApproval(ctx, services.ApprovalSubmission{ProjectID: 1000, LastUpdated: stale})
	assert.True(t, services.IsConflict(err))
}

func TestCommitteesAndMilestones(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	committees, err := store.ReviewCommittees(ctx)
	require.NoError(t, err)
	assert.Len(t, committees, 2)

	milestones, err := store.Milestones(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	assert.Equal(t, "QG4", milestones[0].Name)
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Seed(ctx))
	sps, err := store.ProjectSubprojects(ctx, 1000, planning.VersionYAP)
	require.NoError(t, err)
	assert.Len(t, sps, 2)
}
