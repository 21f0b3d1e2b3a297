package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
	"github.com/igpm/css-planning/services/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

func num(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func cell(v int64) planning.MetricCell {
	return planning.MetricCell{MetricValue: planning.ValidMetric(decimal.NewFromInt(v))}
}

func testSubproject(key string, otp int64) planning.Subproject {
	var sp planning.Subproject
	sp.MCR.MCRProjectID = 1
	sp.MCR.MCRSubprojectID = key
	sp.MCR.Name = "Subproject " + key
	sp.MCR.NextQG4 = &planning.Milestone{Name: "QG4", Date: time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)}
	sp.CSS.CurrencyID = 1
	sp.CSS.IFRSVersionID = 2
	signing := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	sp.CSS.ContractSigning = &signing
	sp.LatestUpdDate = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	sp.Rows = []planning.YearRow{
		{Year: 2026, CurrentCost: num(otp * 10), CurrentOTP: cell(otp), CurrentPAO: cell(otp / 2)},
	}
	return sp
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.Backend) {
	t.Helper()

	backend := memory.New()
	backend.SetProject(planning.Project{
		PrjID:              1,
		DisplayID:          "P-1",
		DivisionID:         7,
		IFRSVersionID:      2,
		SelectedVersion:    planning.VersionYAP,
		OriginalVersion:    planning.VersionYAP,
		SelectedCurrencyID: 1,
	})
	backend.SetNavigation(services.ProjectNavigation{
		ProjectID: 1,
		Items:     []services.NavigationItem{{ID: 1, DisplayID: "P-1", Name: "Project One"}},
	})
	sps := []planning.Subproject{testSubproject("sp-1", 100), testSubproject("sp-2", 300)}
	backend.SetSubprojects(1, planning.VersionYAP, sps)
	backend.SetSubprojects(1, planning.VersionActual, sps)
	backend.SetSummary(1, []planning.ActualYear{{Year: 2026, Cost: num(3600)}})
	backend.SetCurrencies(1, []services.Currency{
		{ID: 1, Code: "EUR", Name: "Euro"},
		{ID: 2, Code: "USD", Name: "US Dollar"},
	})
	backend.SetRates([]fx.CurrencyRate{
		{CurrencyID: 1, RatePerYears: []fx.YearlyRate{{Year: 2026, Rate: decimal.NewFromInt(1)}}},
		{CurrencyID: 2, RatePerYears: []fx.YearlyRate{{Year: 2026, Rate: decimal.NewFromInt(2)}}},
	})
	backend.SetForecastRates([]fx.ForecastRate{
		{CurrencyID: 1, Rate: decimal.NewFromInt(1)},
		{CurrencyID: 2, Rate: decimal.RequireFromString("1.25")},
	})
	backend.SetPermissions(1, services.ApprovalPermissions{CanApprove: true})
	backend.SetCommittees([]services.ReviewCommittee{{ID: 1, Name: "Review Board"}})

	handler := NewHandler(Services{
		Projects:    backend,
		Subprojects: backend,
		Actuals:     backend,
		Currencies:  backend,
		Approvals:   backend,
	}, zap.NewNop())

	server := httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(server.Close)
	return server, backend
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	} else {
		buf.WriteString("{}")
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func openSession(t *testing.T, server *httptest.Server) SessionDTO {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions", OpenSessionRequest{ProjectID: "P-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var dto SessionDTO
	require.NoError(t, json.Unmarshal(body, &dto))
	return dto
}

func str(s string) *string { return &s }

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

func TestOpenSession(t *testing.T) {
	server, backend := newTestServer(t)

	t.Run("returns the loaded project", func(t *testing.T) {
		dto := openSession(t, server)
		assert.NotEmpty(t, dto.SessionID)
		assert.Equal(t, "loaded", dto.State)
		assert.False(t, dto.Dirty)
		assert.True(t, dto.CanApprove)
		assert.Len(t, dto.Project.Subprojects, 2)

		// 1000 + 3000 cost in 2026
		require.Len(t, dto.Project.DataTable, 1)
		require.NotNil(t, dto.Project.DataTable[0].CurrentCost)
		assert.Equal(t, "4000", *dto.Project.DataTable[0].CurrentCost)
	})

	t.Run("unknown project is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/sessions", OpenSessionRequest{ProjectID: "P-404"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing project id is 400", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/sessions", OpenSessionRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("failed load leaves no session behind", func(t *testing.T) {
		backend.FailNext(memory.OpSubprojectList, errors.New("backend unavailable"))
		resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/sessions", OpenSessionRequest{ProjectID: "P-1"})
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		// The abandoned attempt was closed and never registered; a retry
		// starts clean.
		dto := openSession(t, server)
		assert.Equal(t, "loaded", dto.State)
	})
}

func TestCloseSession(t *testing.T) {
	server, _ := newTestServer(t)
	dto := openSession(t, server)

	resp, _ := doJSON(t, http.MethodDelete, server.URL+"/api/sessions/"+dto.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/sessions/"+dto.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// EDITING
// =============================================================================

func TestEditSubproject(t *testing.T) {
	t.Run("valid edit marks the session dirty and rebuilds the table", func(t *testing.T) {
		server, _ := newTestServer(t)
		dto := openSession(t, server)

		resp, body := doJSON(t, http.MethodPut,
			server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{
				SubprojectKey: "sp-1",
				Rows:          []EditRowRequest{{Year: 2026, Cost: str("5000")}},
			})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.True(t, updated.Dirty)
		assert.Equal(t, "editing", updated.State)
		assert.Equal(t, "8000", *updated.Project.DataTable[0].CurrentCost)
	})

	t.Run("unparsable otp input is kept and flagged", func(t *testing.T) {
		server, _ := newTestServer(t)
		dto := openSession(t, server)

		resp, body := doJSON(t, http.MethodPut,
			server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{
				SubprojectKey: "sp-1",
				Rows:          []EditRowRequest{{Year: 2026, OTP: &EditCellRequest{Value: str("12,x5")}}},
			})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.True(t, updated.HasErrors)

		var otpCell CellDTO
		for _, sp := range updated.Project.Subprojects {
			if sp.SubprojectKey == "sp-1" {
				otpCell = sp.Rows[0].CurrentOTP
			}
		}
		assert.True(t, otpCell.Invalid)
		assert.Equal(t, "12,x5", otpCell.Raw)
	})

	t.Run("unknown subproject is 404", func(t *testing.T) {
		server, _ := newTestServer(t)
		dto := openSession(t, server)

		resp, _ := doJSON(t, http.MethodPut,
			server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{SubprojectKey: "sp-404"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSetMasterValues(t *testing.T) {
	server, _ := newTestServer(t)
	dto := openSession(t, server)

	resp, body := doJSON(t, http.MethodPut,
		server.URL+"/api/sessions/"+dto.SessionID+"/master-values",
		MasterValuesRequest{ContractualOTP: str("1000")})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var updated SessionDTO
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.True(t, updated.Dirty)
	require.NotNil(t, updated.Project.TotalContractualOTP)
	assert.Equal(t, "1000", *updated.Project.TotalContractualOTP)

	// OTP weights 100/300: shares 250 and 750.
	shares := map[string]string{}
	for _, sp := range updated.Project.Subprojects {
		if sp.ContractualOTP != nil {
			shares[sp.SubprojectKey] = *sp.ContractualOTP
		}
	}
	assert.Equal(t, map[string]string{"sp-1": "250", "sp-2": "750"}, shares)
}

// =============================================================================
// SAVE / DISCARD / CONFLICT
// =============================================================================

func TestSaveSession(t *testing.T) {
	t.Run("persists dirty subprojects", func(t *testing.T) {
		server, backend := newTestServer(t)
		dto := openSession(t, server)

		doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{SubprojectKey: "sp-1", Rows: []EditRowRequest{{Year: 2026, Cost: str("5000")}}})

		resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/save", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.False(t, updated.Dirty)
		assert.Equal(t, "loaded", updated.State)

		stored, err := backend.ProjectSubprojects(context.Background(), 1, planning.VersionYAP)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(5000).Equal(stored[0].Rows[0].CurrentCost.Decimal))
	})

	t.Run("conflict is reported as 409 and the session recovers", func(t *testing.T) {
		server, backend := newTestServer(t)
		dto := openSession(t, server)

		doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{SubprojectKey: "sp-1", Rows: []EditRowRequest{{Year: 2026, Cost: str("5000")}}})
		backend.FailNext(memory.OpSubprojectSave, services.ErrorOf(memory.OpSubprojectSave,
			&services.ConflictError{SubprojectKey: "sp-1"}))

		resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/save", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(body, &errResp))
		assert.Equal(t, "conflict", errResp.Code)

		// Canonical state is reloaded, edits are gone.
		resp, body = doJSON(t, http.MethodGet, server.URL+"/api/sessions/"+dto.SessionID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var recovered SessionDTO
		require.NoError(t, json.Unmarshal(body, &recovered))
		assert.False(t, recovered.Dirty)
		assert.Equal(t, "4000", *recovered.Project.DataTable[0].CurrentCost)
	})
}

func TestDiscardSession(t *testing.T) {
	server, _ := newTestServer(t)
	dto := openSession(t, server)

	doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
		EditSubprojectRequest{SubprojectKey: "sp-1", Rows: []EditRowRequest{{Year: 2026, Cost: str("5000")}}})

	t.Run("unconfirmed keeps the changes", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/discard",
			DiscardRequest{Confirm: false})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.True(t, updated.Dirty)
	})

	t.Run("confirmed restores canonical state", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/discard",
			DiscardRequest{Confirm: true})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.False(t, updated.Dirty)
		assert.Equal(t, "4000", *updated.Project.DataTable[0].CurrentCost)
	})
}

// =============================================================================
// CURRENCY AND VERSION
// =============================================================================

func TestChangeCurrency(t *testing.T) {
	server, _ := newTestServer(t)
	dto := openSession(t, server)

	resp, body := doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/currency",
		ChangeCurrencyRequest{CurrencyID: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var updated SessionDTO
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, int64(2), updated.Project.CurrencyID)
	// 4000 * (2/1) = 8000 in the display currency.
	assert.Equal(t, "8000", *updated.Project.DataTable[0].CurrentCost)
	assert.False(t, updated.Dirty, "currency switch is a view change")
}

func TestSwitchVersion(t *testing.T) {
	t.Run("dirty session with cancel decision keeps the version", func(t *testing.T) {
		server, _ := newTestServer(t)
		dto := openSession(t, server)
		doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{SubprojectKey: "sp-1", Rows: []EditRowRequest{{Year: 2026, Cost: str("5000")}}})

		resp, body := doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/version",
			SwitchVersionRequest{Version: int(planning.VersionActual), UnsavedDecision: "cancel"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.Equal(t, int(planning.VersionYAP), updated.Project.SelectedVersion)
		assert.True(t, updated.Dirty)
	})

	t.Run("dirty session with save decision persists then switches", func(t *testing.T) {
		server, backend := newTestServer(t)
		dto := openSession(t, server)
		doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/subprojects",
			EditSubprojectRequest{SubprojectKey: "sp-1", Rows: []EditRowRequest{{Year: 2026, Cost: str("5000")}}})

		resp, body := doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/version",
			SwitchVersionRequest{Version: int(planning.VersionActual), UnsavedDecision: "save"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var updated SessionDTO
		require.NoError(t, json.Unmarshal(body, &updated))
		assert.Equal(t, int(planning.VersionActual), updated.Project.SelectedVersion)
		assert.False(t, updated.Dirty)

		stored, err := backend.ProjectSubprojects(context.Background(), 1, planning.VersionYAP)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(5000).Equal(stored[0].Rows[0].CurrentCost.Decimal))
	})

	t.Run("bad decision is 400", func(t *testing.T) {
		server, _ := newTestServer(t)
		dto := openSession(t, server)
		resp, _ := doJSON(t, http.MethodPut, server.URL+"/api/sessions/"+dto.SessionID+"/version",
			SwitchVersionRequest{Version: int(planning.VersionActual), UnsavedDecision: "maybe"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestApprovalFlow(t *testing.T) {
	server, backend := newTestServer(t)

	// sp-1 qualifies for CSS creation.
	sps := []planning.Subproject{testSubproject("sp-1", 100), testSubproject("sp-2", 300)}
	sps[0].CSS.InvoiceCustomerID = 4711
	sps[0].CSS.SpecialSaleCompany = "ACME Trading"
	sps[1].CSS.CSSSubprojectID = "CSS-2"
	backend.SetSubprojects(1, planning.VersionYAP, sps)
	backend.SetSubprojects(1, planning.VersionActual, sps)

	dto := openSession(t, server)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/approval", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var dialog ApprovalDialogDTO
	require.NoError(t, json.Unmarshal(body, &dialog))
	assert.True(t, dialog.CanApprove)
	require.Len(t, dialog.NewCSSSubprojects, 1)
	assert.Equal(t, "sp-1", dialog.NewCSSSubprojects[0].SubprojectKey)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/approval/submit",
		SubmitApprovalRequest{CommitteeID: 1, Comment: "looks good"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result ApprovalResultDTO
	require.NoError(t, json.Unmarshal(body, &result))
	assert.NotEmpty(t, result.ApprovalID)
	require.Len(t, result.Created, 1)
	assert.NotEmpty(t, result.Created[0].CSSSubprojectID)

	// Submitting again without a fresh dialog is rejected.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/approval/submit",
		SubmitApprovalRequest{CommitteeID: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelApproval(t *testing.T) {
	server, _ := newTestServer(t)
	dto := openSession(t, server)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+dto.SessionID+"/approval", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodDelete, server.URL+"/api/sessions/"+dto.SessionID+"/approval", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated SessionDTO
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "loaded", updated.State)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func TestReferenceData(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/currencies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var currencies []CurrencyDTO
	require.NoError(t, json.Unmarshal(body, &currencies))
	assert.Len(t, currencies, 2)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/committees", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var committees []CommitteeDTO
	require.NoError(t, json.Unmarshal(body, &committees))
	require.Len(t, committees, 1)
	assert.Equal(t, "Review Board", committees[0].Name)

	// Without a scheduler wired the rates come straight from the source.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/rates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rates ForecastRatesDTO
	require.NoError(t, json.Unmarshal(body, &rates))
	assert.Len(t, rates.Rates, 2)
}
