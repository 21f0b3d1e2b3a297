/*
versions_test.go - white-box coverage of the per-subproject version records.
*/
package session

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
	"github.com/igpm/css-planning/services/memory"
)

type stubPrompter struct{}

func (stubPrompter) ConfirmDiscard(context.Context) (bool, error)            { return true, nil }
func (stubPrompter) ResolveUnsavedChanges(context.Context) (Decision, error) { return DecisionCancel, nil }
func (stubPrompter) AcknowledgeConflict(context.Context, string) error       { return nil }

func versionedSubproject(key string, cost float64) planning.Subproject {
	return planning.Subproject{
		MCR: planning.MCRMasterData{MCRProjectID: 1, MCRSubprojectID: key, Name: key},
		CSS: planning.CSSMasterData{CurrencyID: 1, IFRSVersionID: 2},
		Rows: []planning.YearRow{
			{Year: 2023, CurrentCost: decimal.NewNullDecimal(decimal.NewFromFloat(cost))},
		},
		LatestUpdDate: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func newVersionsService(t *testing.T) (*Service, *memory.Backend) {
	t.Helper()

	backend := memory.New()
	backend.SetProject(planning.Project{
		PrjID: 1, DisplayID: "P-1", DivisionID: 7, IFRSVersionID: 2,
		SelectedVersion:    planning.VersionYAP,
		OriginalVersion:    planning.VersionYAP,
		SelectedCurrencyID: 1,
	})
	backend.SetNavigation(services.ProjectNavigation{ProjectID: 1})
	backend.SetSubprojects(1, planning.VersionYAP, []planning.Subproject{
		versionedSubproject("sp-1", 1000),
	})
	backend.SetSubprojects(1, planning.VersionActual, []planning.Subproject{
		versionedSubproject("sp-1", 800),
	})
	backend.SetCurrencies(1, []services.Currency{{ID: 1, Code: "EUR"}})
	backend.SetPermissions(1, services.ApprovalPermissions{})

	svc, err := New(Config{
		Projects:    backend,
		Subprojects: backend,
		Actuals:     backend,
		Currencies:  backend,
		Approvals:   backend,
		Prompter:    stubPrompter{},
	})
	require.NoError(t, err)
	return svc, backend
}

// Switching versions swaps the active snapshot; snapshots held for the
// previous version stay on the record.
func TestSwitchVersion_KeepsPreviousVersionSnapshots(t *testing.T) {
	svc, _ := newVersionsService(t)
	require.NoError(t, svc.Load(context.Background(), "P-1"))

	require.Len(t, svc.versions, 1)
	yap, ok := svc.versions[0].Snapshot(planning.VersionYAP)
	require.True(t, ok)
	assert.True(t, yap.Rows[0].CurrentCost.Decimal.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, svc.SwitchVersion(context.Background(), planning.VersionActual))

	require.Len(t, svc.versions, 1)
	rec := svc.versions[0]
	assert.ElementsMatch(t,
		[]planning.CompareVersion{planning.VersionYAP, planning.VersionActual},
		rec.Versions())

	// The active snapshot is the freshly fetched Actual one...
	active, ok := rec.Active()
	require.True(t, ok)
	assert.True(t, active.Rows[0].CurrentCost.Decimal.Equal(decimal.NewFromInt(800)))

	// ...and the earlier YAP snapshot is still retrievable.
	kept, ok := rec.Snapshot(planning.VersionYAP)
	require.True(t, ok)
	assert.True(t, kept.Rows[0].CurrentCost.Decimal.Equal(decimal.NewFromInt(1000)))
}

// A subproject absent from the newly fetched version drops off the records;
// one that appears gets a fresh record.
func TestSwitchVersion_ReconcilesRecordSet(t *testing.T) {
	svc, backend := newVersionsService(t)
	backend.SetSubprojects(1, planning.VersionActual, []planning.Subproject{
		versionedSubproject("sp-2", 500),
	})
	require.NoError(t, svc.Load(context.Background(), "P-1"))

	require.NoError(t, svc.SwitchVersion(context.Background(), planning.VersionActual))

	require.Len(t, svc.versions, 1)
	assert.Equal(t, "sp-2", svc.versions[0].ID)
	assert.Equal(t, []planning.CompareVersion{planning.VersionActual}, svc.versions[0].Versions())
}
