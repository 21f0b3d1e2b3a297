package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
	"github.com/igpm/css-planning/session"
)

// seeds sp-1 with invoicing data but no CSS record, so approval must create
// one, and gives sp-2 an existing CSS record.
func loadedForApproval(t *testing.T) (*session.Service, *fakePrompter) {
	t.Helper()
	svc, backend, prompter := newFixture(t)

	s1 := subproject("sp-1", 100, 50)
	s1.CSS.InvoiceCustomerID = 4711
	s1.CSS.SpecialSaleCompany = "ACME Trading"
	s2 := subproject("sp-2", 300, 150)
	s2.CSS.CSSSubprojectID = "CSS-2"
	backend.SetSubprojects(1, planning.VersionYAP, []planning.Subproject{s1, s2})

	require.NoError(t, svc.Load(context.Background(), "P-1"))
	return svc, prompter
}

// =============================================================================
// PAYLOAD ASSEMBLY
// =============================================================================

func TestNewCSSSubprojectsForApproval(t *testing.T) {
	needsBoth := subproject("sp-1", 100, 50)
	needsBoth.CSS.InvoiceCustomerID = 4711
	needsBoth.CSS.SpecialSaleCompany = "ACME Trading"

	alreadyCreated := subproject("sp-2", 300, 150)
	alreadyCreated.CSS.CSSSubprojectID = "CSS-2"
	alreadyCreated.CSS.InvoiceCustomerID = 4711
	alreadyCreated.CSS.SpecialSaleCompany = "ACME Trading"

	noCustomer := subproject("sp-3", 10, 5)
	noCustomer.CSS.SpecialSaleCompany = "ACME Trading"

	noCompany := subproject("sp-4", 10, 5)
	noCompany.CSS.InvoiceCustomerID = 4711

	p := &planning.Project{Subprojects: []planning.Subproject{needsBoth, alreadyCreated, noCustomer, noCompany}}

	got := session.NewCSSSubprojectsForApproval(p)
	require.Len(t, got, 1, "only the record with invoicing data and no CSS id qualifies")
	assert.Equal(t, "sp-1", got[0].SubprojectKey)
	assert.Equal(t, int64(4711), got[0].InvoiceCustomerID)
	assert.Equal(t, "ACME Trading", got[0].SpecialSaleCompany)
}

func TestBuildApprovalDialogData(t *testing.T) {
	p := &planning.Project{
		PrjID:         1,
		DivisionID:    7,
		IFRSVersionID: 2,
		Subprojects:   []planning.Subproject{subproject("sp-1", 100, 50)},
	}

	data := session.BuildApprovalDialogData(p, services.ApprovalPermissions{CanApprove: true})
	assert.Equal(t, int64(1), data.ProjectID)
	assert.Equal(t, int64(7), data.BudID)
	assert.True(t, data.CanApprove)
	require.Len(t, data.LastUpdated, 1)
	assert.Equal(t, "sp-1", data.LastUpdated[0].SubprojectKey)
	assert.Equal(t, fixedNow.Add(-time.Hour), data.LastUpdated[0].UpdatedAt)

	t.Run("read-only project window wins over permission", func(t *testing.T) {
		frozen := *p
		frozen.IFRSVersionID = 6
		data := session.BuildApprovalDialogData(&frozen, services.ApprovalPermissions{CanApprove: true})
		assert.False(t, data.CanApprove)
	})
}

// =============================================================================
// APPROVE
// =============================================================================

func TestApprove_SavesDirtyStateFirst(t *testing.T) {
	svc, _ := loadedForApproval(t)
	require.NoError(t, svc.EditSubproject(context.Background(), editedCopy(t, svc, "sp-1", 5000)))

	data, err := svc.Approve(context.Background())
	require.NoError(t, err)

	assert.False(t, svc.Dirty(), "dirty state saved before the dialog opens")
	assert.Equal(t, session.StateApprovalPending, svc.State())
	assert.True(t, data.CanApprove)
	require.Len(t, data.NewCSSSubprojects, 1)
	assert.Equal(t, "sp-1", data.NewCSSSubprojects[0].SubprojectKey)

	// The tokens reflect the save that just happened.
	require.Len(t, data.LastUpdated, 2)
	for _, token := range data.LastUpdated {
		if token.SubprojectKey == "sp-1" {
			assert.Equal(t, fixedNow, token.UpdatedAt)
		}
	}
}

func TestApprove_BlockedByValidationErrors(t *testing.T) {
	svc, _ := loadedForApproval(t)
	svc.ReportValidationError("sp-1")

	_, err := svc.Approve(context.Background())
	assert.True(t, services.IsValidation(err))
}

func TestApprove_CancelReturnsToLoaded(t *testing.T) {
	svc, _ := loadedForApproval(t)
	_, err := svc.Approve(context.Background())
	require.NoError(t, err)

	svc.CancelApproval()
	assert.Equal(t, session.StateLoaded, svc.State())
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitApproval_AppliesCreatedCSSSubprojects(t *testing.T) {
	svc, _ := loadedForApproval(t)
	data, err := svc.Approve(context.Background())
	require.NoError(t, err)

	resp, err := svc.SubmitApproval(context.Background(), data, 1, "looks good")
	require.NoError(t, err)
	require.Len(t, resp.Created, 1)
	assert.NotEmpty(t, resp.ApprovalID)
	assert.Equal(t, "sp-1", resp.Created[0].SubprojectKey)
	assert.NotEmpty(t, resp.Created[0].CSSSubprojectID)

	// The fresh identity is in the canonical model.
	snap, err := svc.Snapshot()
	require.NoError(t, err)
	sp1 := snap.FindSubproject("sp-1")
	assert.Equal(t, resp.Created[0].CSSSubprojectID, sp1.CSS.CSSSubprojectID)
	assert.Equal(t, session.StateLoaded, svc.State())
}

func TestSubmitApproval_ConflictRecoversCanonicalState(t *testing.T) {
	svc, prompter := loadedForApproval(t)
	data, err := svc.Approve(context.Background())
	require.NoError(t, err)

	// Another session touched sp-2 after the dialog opened.
	for i := range data.LastUpdated {
		data.LastUpdated[i].UpdatedAt = data.LastUpdated[i].UpdatedAt.Add(-24 * time.Hour)
	}

	_, err = svc.SubmitApproval(context.Background(), data, 1, "")
	assert.True(t, services.IsConflict(err))
	assert.Len(t, prompter.conflictsAcked, 1)

	snap, snapErr := svc.Snapshot()
	require.NoError(t, snapErr)
	assert.Empty(t, snap.FindSubproject("sp-1").CSS.CSSSubprojectID,
		"no CSS subproject created on a failed submission")
}

func TestSubmitApproval_LeavesValuesIntact(t *testing.T) {
	svc, _ := loadedForApproval(t)
	data, err := svc.Approve(context.Background())
	require.NoError(t, err)

	_, err = svc.SubmitApproval(context.Background(), data, 1, "")
	require.NoError(t, err)

	snap, err := svc.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.FindSubproject("sp-1").Rows[0].CurrentCost.Decimal.Equal(decimal.NewFromInt(1000)),
		"approval touches identity fields only")
}
