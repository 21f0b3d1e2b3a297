/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONETARY VALUES:
  All monetary values travel as decimal strings (never floats) to keep
  exact precision across the wire. Absent values are null. An OTP/PAO
  cell that holds rejected input is carried with invalid=true plus the
  raw text, so the client can re-display what the user typed.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - server.go: Router setup
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
	"github.com/igpm/css-planning/session"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// OpenSessionRequest opens a planning session for a project.
type OpenSessionRequest struct {
	ProjectID string `json:"project_id"`
}

// EditCellRequest carries raw user input for one OTP/PAO cell. Input that
// does not parse as a decimal is still accepted and flagged invalid.
type EditCellRequest struct {
	Value *string `json:"value"`
}

// EditRowRequest edits one planning year of a subproject.
type EditRowRequest struct {
	Year int              `json:"year"`
	Cost *string          `json:"cost,omitempty"`
	OTP  *EditCellRequest `json:"otp,omitempty"`
	PAO  *EditCellRequest `json:"pao,omitempty"`
}

// EditSubprojectRequest edits yearly values of one subproject.
type EditSubprojectRequest struct {
	SubprojectKey string           `json:"subproject_key"`
	Rows          []EditRowRequest `json:"rows"`
}

// MasterValuesRequest sets the project-level master value inputs.
// Dates use YYYY-MM-DD.
type MasterValuesRequest struct {
	ContractualOTP  *string `json:"contractual_otp,omitempty"`
	ContractualPAO  *string `json:"contractual_pao,omitempty"`
	StartPAO        *string `json:"start_pao,omitempty"`
	EndPAO          *string `json:"end_pao,omitempty"`
	OTPRate         *string `json:"otp_rate,omitempty"`
	PAORate         *string `json:"pao_rate,omitempty"`
	ContractSigning *string `json:"contract_signing,omitempty"`
}

// ChangeCurrencyRequest switches the session display currency.
type ChangeCurrencyRequest struct {
	CurrencyID int64 `json:"currency_id"`
}

// SwitchVersionRequest switches the comparison version. When the session
// holds unsaved changes, unsaved_decision answers the blocking prompt:
// "cancel", "save" or "discard".
type SwitchVersionRequest struct {
	Version         int    `json:"version"`
	UnsavedDecision string `json:"unsaved_decision,omitempty"`
}

// DiscardRequest confirms dropping unsaved changes.
type DiscardRequest struct {
	Confirm bool `json:"confirm"`
}

// SubmitApprovalRequest completes a previously opened approval dialog.
type SubmitApprovalRequest struct {
	CommitteeID int64  `json:"committee_id"`
	Comment     string `json:"comment,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// SessionDTO is the full session view returned after every mutation.
type SessionDTO struct {
	SessionID         string        `json:"session_id"`
	State             string        `json:"state"`
	Dirty             bool          `json:"dirty"`
	HasErrors         bool          `json:"has_errors"`
	ActualsSuppressed bool          `json:"actuals_suppressed"`
	CanApprove        bool          `json:"can_approve"`
	CanReview         bool          `json:"can_review"`
	Navigation        NavigationDTO `json:"navigation"`
	Project           ProjectDTO    `json:"project"`
}

// NavigationDTO is the project navigation tree.
type NavigationDTO struct {
	ProjectID int64               `json:"project_id"`
	Items     []NavigationItemDTO `json:"items"`
}

// NavigationItemDTO is one navigation node.
type NavigationItemDTO struct {
	ID        int64  `json:"id"`
	ParentID  int64  `json:"parent_id"`
	DisplayID string `json:"display_id"`
	Name      string `json:"name"`
}

// ProjectDTO represents the aggregated project in API responses.
type ProjectDTO struct {
	PrjID               int64           `json:"prj_id"`
	DisplayID           string          `json:"display_id"`
	DivisionID          int64           `json:"division_id"`
	IFRSVersionID       int             `json:"ifrs_version_id"`
	SelectedVersion     int             `json:"selected_version"`
	OriginalVersion     int             `json:"original_version"`
	CurrencyID          int64           `json:"currency_id"`
	TotalContractualOTP *string         `json:"total_contractual_otp,omitempty"`
	TotalContractualPAO *string         `json:"total_contractual_pao,omitempty"`
	DataTable           []ProjectRowDTO `json:"data_table"`
	Subprojects         []SubprojectDTO `json:"subprojects"`
}

// ProjectRowDTO is one year of the aggregated data table.
type ProjectRowDTO struct {
	Year              int     `json:"year"`
	CurrentCost       *string `json:"current_cost,omitempty"`
	CurrentOTP        *string `json:"current_otp,omitempty"`
	CurrentPAO        *string `json:"current_pao,omitempty"`
	CurrentOTPInvalid bool    `json:"current_otp_invalid,omitempty"`
	CurrentPAOInvalid bool    `json:"current_pao_invalid,omitempty"`
	ActualCost        *string `json:"actual_cost,omitempty"`
	ActualOTP         *string `json:"actual_otp,omitempty"`
	ActualPAO         *string `json:"actual_pao,omitempty"`
	CurrentOTPPAO     *string `json:"current_otp_pao,omitempty"`
	ActualOTPPAO      *string `json:"actual_otp_pao,omitempty"`
	CurrentCSS        *string `json:"current_css,omitempty"`
	ActualCSS         *string `json:"actual_css,omitempty"`
}

// SubprojectDTO represents a subproject in API responses.
type SubprojectDTO struct {
	SubprojectKey      string       `json:"subproject_key"`
	Name               string       `json:"name"`
	CSSSubprojectID    string       `json:"css_subproject_id,omitempty"`
	CurrencyID         int64        `json:"currency_id"`
	IFRSVersionID      int          `json:"ifrs_version_id"`
	Writable           bool         `json:"writable"`
	ContractualOTP     *string      `json:"contractual_otp,omitempty"`
	ContractualPAO     *string      `json:"contractual_pao,omitempty"`
	StartPAO           *string      `json:"start_pao,omitempty"`
	EndPAO             *string      `json:"end_pao,omitempty"`
	OTPRate            *string      `json:"otp_rate,omitempty"`
	PAORate            *string      `json:"pao_rate,omitempty"`
	ContractSigning    *string      `json:"contract_signing,omitempty"`
	InvoiceCustomerID  int64        `json:"invoice_customer_id,omitempty"`
	SpecialSaleCompany string       `json:"special_sale_company,omitempty"`
	LastUpdated        string       `json:"last_updated"`
	Rows               []YearRowDTO `json:"rows"`
}

// YearRowDTO is one planning year of a subproject.
type YearRowDTO struct {
	Year        int     `json:"year"`
	CurrentCost *string `json:"current_cost,omitempty"`
	CurrentOTP  CellDTO `json:"current_otp"`
	CurrentPAO  CellDTO `json:"current_pao"`
	CostCompare *string `json:"cost_compare,omitempty"`
	OTPCompare  *string `json:"otp_compare,omitempty"`
	PAOCompare  *string `json:"pao_compare,omitempty"`
}

// CellDTO is one OTP/PAO cell with its validity and identity.
type CellDTO struct {
	Value   *string `json:"value,omitempty"`
	Raw     string  `json:"raw,omitempty"`
	Invalid bool    `json:"invalid,omitempty"`
	ValueID int64   `json:"value_id,omitempty"`
	UpdDate string  `json:"upd_date,omitempty"`
}

// CurrencyDTO represents a selectable currency.
type CurrencyDTO struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// ForecastRateDTO is one currency's forecast conversion rate.
type ForecastRateDTO struct {
	CurrencyID int64  `json:"currency_id"`
	Rate       string `json:"rate"`
}

// ForecastRatesDTO is the forecast rate set plus when it was fetched.
type ForecastRatesDTO struct {
	RefreshedAt string            `json:"refreshed_at"`
	Rates       []ForecastRateDTO `json:"rates"`
}

// CommitteeDTO represents a review committee.
type CommitteeDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ApprovalDialogDTO is the approval dialog opened before submission.
type ApprovalDialogDTO struct {
	ProjectID         int64                 `json:"project_id"`
	BudID             int64                 `json:"bud_id"`
	CanApprove        bool                  `json:"can_approve"`
	NewCSSSubprojects []NewCSSSubprojectDTO `json:"new_css_subprojects"`
}

// NewCSSSubprojectDTO is a subproject that will receive a CSS id on approval.
type NewCSSSubprojectDTO struct {
	SubprojectKey      string `json:"subproject_key"`
	InvoiceCustomerID  int64  `json:"invoice_customer_id"`
	SpecialSaleCompany string `json:"special_sale_company"`
}

// ApprovalResultDTO is the response after submitting an approval.
type ApprovalResultDTO struct {
	ApprovalID string                 `json:"approval_id"`
	Created    []CreatedSubprojectDTO `json:"created"`
}

// CreatedSubprojectDTO is a CSS subproject created during approval.
type CreatedSubprojectDTO struct {
	SubprojectKey   string `json:"subproject_key"`
	CSSSubprojectID string `json:"css_subproject_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func decString(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.String()
	return &s
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func toCellDTO(cell planning.MetricCell) CellDTO {
	dto := CellDTO{ValueID: cell.ValueID, UpdDate: cell.UpdDate}
	if v, ok := cell.Decimal(); ok {
		s := v.String()
		dto.Value = &s
	} else if cell.IsInvalid() {
		dto.Invalid = true
		dto.Raw = cell.Raw()
	}
	return dto
}

func toSubprojectDTO(sp planning.Subproject) SubprojectDTO {
	dto := SubprojectDTO{
		SubprojectKey:      sp.Key(),
		Name:               sp.MCR.Name,
		CSSSubprojectID:    sp.CSS.CSSSubprojectID,
		CurrencyID:         sp.CSS.CurrencyID,
		IFRSVersionID:      sp.CSS.IFRSVersionID,
		Writable:           planning.CanOverwriteSubproject(&sp),
		ContractualOTP:     decString(sp.CSS.ContractualOTP),
		ContractualPAO:     decString(sp.CSS.ContractualPAO),
		StartPAO:           dateString(sp.CSS.StartPAO),
		EndPAO:             dateString(sp.CSS.EndPAO),
		OTPRate:            decString(sp.CSS.OTPRate),
		PAORate:            decString(sp.CSS.PAORate),
		ContractSigning:    dateString(sp.CSS.ContractSigning),
		InvoiceCustomerID:  sp.CSS.InvoiceCustomerID,
		SpecialSaleCompany: sp.CSS.SpecialSaleCompany,
		LastUpdated:        sp.LatestUpdDate.Format(time.RFC3339),
	}
	for _, row := range sp.Rows {
		dto.Rows = append(dto.Rows, YearRowDTO{
			Year:        row.Year,
			CurrentCost: decString(row.CurrentCost),
			CurrentOTP:  toCellDTO(row.CurrentOTP),
			CurrentPAO:  toCellDTO(row.CurrentPAO),
			CostCompare: decString(row.CostCompare),
			OTPCompare:  decString(row.OTPCompare),
			PAOCompare:  decString(row.PAOCompare),
		})
	}
	return dto
}

func toProjectDTO(p planning.Project) ProjectDTO {
	dto := ProjectDTO{
		PrjID:               p.PrjID,
		DisplayID:           p.DisplayID,
		DivisionID:          p.DivisionID,
		IFRSVersionID:       p.IFRSVersionID,
		SelectedVersion:     int(p.SelectedVersion),
		OriginalVersion:     int(p.OriginalVersion),
		CurrencyID:          p.SelectedCurrencyID,
		TotalContractualOTP: decString(p.TotalContractualOTP),
		TotalContractualPAO: decString(p.TotalContractualPAO),
	}
	for _, row := range p.DataTable {
		dto.DataTable = append(dto.DataTable, ProjectRowDTO{
			Year:              row.Year,
			CurrentCost:       decString(row.CurrentCost),
			CurrentOTP:        decString(row.CurrentOTP),
			CurrentPAO:        decString(row.CurrentPAO),
			CurrentOTPInvalid: row.CurrentOTPInvalid,
			CurrentPAOInvalid: row.CurrentPAOInvalid,
			ActualCost:        decString(row.ActualCost),
			ActualOTP:         decString(row.ActualOTP),
			ActualPAO:         decString(row.ActualPAO),
			CurrentOTPPAO:     decString(row.CurrentOTPPAO),
			ActualOTPPAO:      decString(row.ActualOTPPAO),
			CurrentCSS:        decString(row.CurrentCSS),
			ActualCSS:         decString(row.ActualCSS),
		})
	}
	for _, sp := range p.Subprojects {
		dto.Subprojects = append(dto.Subprojects, toSubprojectDTO(sp))
	}
	return dto
}

func toNavigationDTO(nav services.ProjectNavigation) NavigationDTO {
	dto := NavigationDTO{ProjectID: nav.ProjectID}
	for _, item := range nav.Items {
		dto.Items = append(dto.Items, NavigationItemDTO{
			ID: item.ID, ParentID: item.ParentID, DisplayID: item.DisplayID, Name: item.Name,
		})
	}
	return dto
}

func toApprovalDialogDTO(data session.ApprovalDialogData) ApprovalDialogDTO {
	dto := ApprovalDialogDTO{
		ProjectID:  data.ProjectID,
		BudID:      data.BudID,
		CanApprove: data.CanApprove,
	}
	for _, sp := range data.NewCSSSubprojects {
		dto.NewCSSSubprojects = append(dto.NewCSSSubprojects, NewCSSSubprojectDTO{
			SubprojectKey:      sp.SubprojectKey,
			InvoiceCustomerID:  sp.InvoiceCustomerID,
			SpecialSaleCompany: sp.SpecialSaleCompany,
		})
	}
	return dto
}
