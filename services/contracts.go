/*
contracts.go - External service interfaces

PURPOSE:
  Defines the interfaces between the planning session and the backend
  services it consumes: project master data, subproject rows, booked
  actuals, exchange rates, and the approval workflow. The session depends
  only on these interfaces; implementations live in services/memory (dev
  and tests) and store/sqlite (persistence).

CONTRACT NOTES:
  - SaveSubprojects performs the server-side concurrency check and fails
    with the distinguished outdated-data error on a token mismatch.
  - ExchangeRates fails with the distinguished rate-not-found error when a
    required year/currency combination is absent.
  - All blocking operations take a context.Context.

SEE ALSO:
  - errors.go: Error taxonomy these interfaces report through
  - services/memory/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite-backed implementation
*/
package services

import (
	"context"
	"time"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
)

// =============================================================================
// PROJECT
// =============================================================================

// ProjectService serves project master data and the navigation tree.
type ProjectService interface {
	// ProjectData returns the project record for a display id.
	ProjectData(ctx context.Context, displayID string) (planning.Project, error)

	// NavigationItems returns the navigation tree for a project.
	NavigationItems(ctx context.Context, projectID int64) (ProjectNavigation, error)
}

// ProjectNavigation is the tree shown beside the planning table.
type ProjectNavigation struct {
	ProjectID int64
	Items     []NavigationItem
}

// NavigationItem is one node of the navigation tree. ParentID is zero for
// top-level nodes.
type NavigationItem struct {
	ID        int64
	ParentID  int64
	DisplayID string
	Name      string
}

// =============================================================================
// SUBPROJECT
// =============================================================================

// SubprojectService serves and persists subproject planning rows.
type SubprojectService interface {
	// ProjectSubprojects returns the subprojects of a project with the rows
	// of the given comparison version.
	ProjectSubprojects(ctx context.Context, projectID int64, version planning.CompareVersion) ([]planning.Subproject, error)

	// SaveSubprojects persists the given subprojects and returns the saved
	// records with server-assigned ids and update tokens. Fails with the
	// outdated-data error when a concurrency token mismatch is detected.
	SaveSubprojects(ctx context.Context, projectID int64, subprojects []planning.Subproject) ([]planning.Subproject, error)
}

// =============================================================================
// ACTUAL DATA
// =============================================================================

// ActualDataService serves booked actuals, per subproject and pre-aggregated
// at project level.
type ActualDataService interface {
	// ActualData returns the booked yearly rows per subproject, converted
	// into the given currency. An empty subprojectKey selects all
	// subprojects of the project.
	ActualData(ctx context.Context, projectID int64, subprojectKey string, currencyID int64) ([]SubprojectActualData, error)

	// ActualDataSummary returns the project-level pre-aggregated actual
	// totals per year, converted into the given currency.
	ActualDataSummary(ctx context.Context, projectID int64, currencyID int64) ([]planning.ActualYear, error)
}

// SubprojectActualData carries one subproject's booked yearly rows.
type SubprojectActualData struct {
	SubprojectKey string
	Rows          []planning.ActualYear
}

// =============================================================================
// CURRENCY
// =============================================================================

// CurrencyService serves the available currencies and the rate tables.
type CurrencyService interface {
	// Currencies returns the selectable currencies.
	Currencies(ctx context.Context) ([]Currency, error)

	// ExchangeRates returns the year-resolved rate tables for the given
	// years and currencies. Fails with the rate-not-found error when a
	// required year/currency combination is absent.
	ExchangeRates(ctx context.Context, years []int, version planning.CompareVersion, currencyIDs []int64) ([]fx.CurrencyRate, error)

	// ForecastRates returns the current forecast rates for the given
	// currencies.
	ForecastRates(ctx context.Context, currencyIDs []int64) ([]fx.ForecastRate, error)
}

// Currency is one selectable planning currency.
type Currency struct {
	ID   int64
	Code string
	Name string
}

// =============================================================================
// APPROVAL
// =============================================================================

// ApprovalService serves the approval workflow: permissions, the pre-submit
// status check, the submission itself, and the surrounding reference data.
type ApprovalService interface {
	// Permissions returns the caller's approval permissions for a project.
	Permissions(ctx context.Context, projectID int64) (ApprovalPermissions, error)

	// CheckStatus verifies that the given update tokens still match the
	// stored records. Fails with the outdated-data error on any mismatch.
	CheckStatus(ctx context.Context, projectID int64, tokens []LastUpdatedSubproject) error

	// SaveApproval submits the approval payload, creating the requested CSS
	// subprojects, and returns the server-assigned ids and tokens.
	SaveApproval(ctx context.Context, submission ApprovalSubmission) (ApprovalResponse, error)

	// ReviewCommittees returns the committees an approval can be routed to.
	ReviewCommittees(ctx context.Context) ([]ReviewCommittee, error)

	// Milestones returns the project's approval-relevant milestones.
	Milestones(ctx context.Context, projectID int64) ([]planning.Milestone, error)

	// History returns the project's past approval events, newest first.
	History(ctx context.Context, projectID int64) ([]ApprovalEvent, error)
}

// ApprovalPermissions gates the approval flow for one caller and project.
type ApprovalPermissions struct {
	CanApprove bool
	CanReview  bool
}

// LastUpdatedSubproject is one optimistic-concurrency token: the last known
// update time of a subproject at the moment the approval dialog opened.
type LastUpdatedSubproject struct {
	SubprojectKey string
	UpdatedAt     time.Time
}

// NewCSSSubproject requests creation of a CSS subproject during approval, for
// a subproject that has invoicing data but no CSS record yet.
type NewCSSSubproject struct {
	SubprojectKey      string
	InvoiceCustomerID  int64
	SpecialSaleCompany string
}

// ApprovalSubmission is the approval payload assembled by the session.
type ApprovalSubmission struct {
	ProjectID         int64
	BudID             int64
	CommitteeID       int64
	Comment           string
	NewCSSSubprojects []NewCSSSubproject
	LastUpdated       []LastUpdatedSubproject
}

// ApprovalResponse reports what the approval submission created.
type ApprovalResponse struct {
	ApprovalID string
	Created    []CreatedCSSSubproject
}

// CreatedCSSSubproject carries the server-assigned identity of a CSS
// subproject created during approval.
type CreatedCSSSubproject struct {
	SubprojectKey   string
	CSSSubprojectID string
	UpdDate         string
}

// ReviewCommittee is one committee an approval can be routed to.
type ReviewCommittee struct {
	ID   int64
	Name string
}

// ApprovalEvent is one entry of a project's approval history.
type ApprovalEvent struct {
	ID        string
	ProjectID int64
	Actor     string
	Action    string
	Comment   string
	At        time.Time
}
