// Package memory provides in-memory implementations of the backend service
// contracts, used by the session tests and the dev server.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
)

// =============================================================================
// MEMORY BACKEND - In-memory implementation (for testing/dev)
// =============================================================================

// Backend implements every service contract on mutex-guarded maps. Seed the
// fixture with the Set* methods; inject one-shot failures per operation with
// FailNext to exercise the session's error paths.
type Backend struct {
	mu sync.RWMutex

	projects     map[string]planning.Project // by display id
	displayByID  map[int64]string
	navigation   map[int64]services.ProjectNavigation
	subprojects  map[int64]map[planning.CompareVersion][]planning.Subproject
	actuals      map[int64][]services.SubprojectActualData
	summaries    map[int64][]planning.ActualYear
	currencies   []services.Currency
	rates        []fx.CurrencyRate
	forecast     []fx.ForecastRate
	permissions  map[int64]services.ApprovalPermissions
	committees   []services.ReviewCommittee
	milestones   map[int64][]planning.Milestone
	history      map[int64][]services.ApprovalEvent
	baseCurrency int64

	failNext    map[string]error
	nextValueID int64
	clock       func() time.Time
}

func New() *Backend {
	return &Backend{
		projects:     make(map[string]planning.Project),
		displayByID:  make(map[int64]string),
		navigation:   make(map[int64]services.ProjectNavigation),
		subprojects:  make(map[int64]map[planning.CompareVersion][]planning.Subproject),
		actuals:      make(map[int64][]services.SubprojectActualData),
		summaries:    make(map[int64][]planning.ActualYear),
		permissions:  make(map[int64]services.ApprovalPermissions),
		milestones:   make(map[int64][]planning.Milestone),
		history:      make(map[int64][]services.ApprovalEvent),
		failNext:     make(map[string]error),
		nextValueID:  1000,
		baseCurrency: 1,
		clock:        time.Now,
	}
}

// Operation names accepted by FailNext.
const (
	OpProjectData     = "project.data"
	OpNavigation      = "project.navigation"
	OpSubprojectList  = "subproject.list"
	OpSubprojectSave  = "subproject.save"
	OpActualData      = "actual.data"
	OpActualSummary   = "actual.summary"
	OpCurrencies      = "currency.list"
	OpExchangeRates   = "currency.rates"
	OpForecastRates   = "currency.forecast"
	OpPermissions     = "approval.permissions"
	OpApprovalCheck   = "approval.check"
	OpApprovalSave    = "approval.save"
	OpCommittees      = "approval.committees"
	OpMilestones      = "approval.milestones"
	OpApprovalHistory = "approval.history"
)

// =============================================================================
// FIXTURE SEEDING
// =============================================================================

func (b *Backend) SetProject(p planning.Project) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.projects[p.DisplayID] = p.Clone()
	b.displayByID[p.PrjID] = p.DisplayID
}

func (b *Backend) SetNavigation(nav services.ProjectNavigation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigation[nav.ProjectID] = nav
}

func (b *Backend) SetSubprojects(projectID int64, version planning.CompareVersion, sps []planning.Subproject) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byVersion, ok := b.subprojects[projectID]
	if !ok {
		byVersion = make(map[planning.CompareVersion][]planning.Subproject)
		b.subprojects[projectID] = byVersion
	}
	byVersion[version] = cloneSubprojects(sps)
}

// SetActuals seeds the per-subproject booked rows, in the base currency.
func (b *Backend) SetActuals(projectID int64, rows []services.SubprojectActualData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actuals[projectID] = rows
}

// SetSummary seeds the project-level pre-aggregated totals, in the base
// currency.
func (b *Backend) SetSummary(projectID int64, totals []planning.ActualYear) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaries[projectID] = totals
}

func (b *Backend) SetCurrencies(base int64, currencies []services.Currency) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseCurrency = base
	b.currencies = currencies
}

func (b *Backend) SetRates(rates []fx.CurrencyRate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rates = rates
}

func (b *Backend) SetForecastRates(rates []fx.ForecastRate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forecast = rates
}

func (b *Backend) SetPermissions(projectID int64, perms services.ApprovalPermissions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permissions[projectID] = perms
}

func (b *Backend) SetCommittees(committees []services.ReviewCommittee) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committees = committees
}

func (b *Backend) SetMilestones(projectID int64, ms []planning.Milestone) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.milestones[projectID] = ms
}

// SetClock replaces the token clock for deterministic tests.
func (b *Backend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// FailNext makes the next call of the named operation fail with err.
// Consumed once; the call after it succeeds again.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = err
}

func (b *Backend) takeFailure(op string) error {
	if err, ok := b.failNext[op]; ok {
		delete(b.failNext, op)
		return err
	}
	return nil
}

// =============================================================================
// PROJECT SERVICE
// =============================================================================

func (b *Backend) ProjectData(_ context.Context, displayID string) (planning.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpProjectData); err != nil {
		return planning.Project{}, err
	}
	p, ok := b.projects[displayID]
	if !ok {
		return planning.Project{}, services.ErrorOf(OpProjectData, services.ErrNotFound)
	}
	return p.Clone(), nil
}

func (b *Backend) NavigationItems(_ context.Context, projectID int64) (services.ProjectNavigation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpNavigation); err != nil {
		return services.ProjectNavigation{}, err
	}
	nav, ok := b.navigation[projectID]
	if !ok {
		return services.ProjectNavigation{ProjectID: projectID}, nil
	}
	return nav, nil
}

// =============================================================================
// SUBPROJECT SERVICE
// =============================================================================

func (b *Backend) ProjectSubprojects(_ context.Context, projectID int64, version planning.CompareVersion) ([]planning.Subproject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpSubprojectList); err != nil {
		return nil, err
	}
	byVersion, ok := b.subprojects[projectID]
	if !ok {
		return nil, services.ErrorOf(OpSubprojectList, services.ErrNotFound)
	}
	return cloneSubprojects(byVersion[version]), nil
}

// SaveSubprojects checks every incoming record's update token against the
// stored one, then persists. An incoming token older than the stored one
// means another session saved in between; the whole batch is rejected.
func (b *Backend) SaveSubprojects(_ context.Context, projectID int64, sps []planning.Subproject) ([]planning.Subproject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpSubprojectSave); err != nil {
		return nil, err
	}
	byVersion, ok := b.subprojects[projectID]
	if !ok {
		return nil, services.ErrorOf(OpSubprojectSave, services.ErrNotFound)
	}

	for _, incoming := range sps {
		for _, stored := range byVersion {
			for i := range stored {
				if stored[i].Key() == incoming.Key() && stored[i].LatestUpdDate.After(incoming.LatestUpdDate) {
					return nil, services.ErrorOf(OpSubprojectSave, &services.ConflictError{SubprojectKey: incoming.Key()})
				}
			}
		}
	}

	now := b.clock()
	saved := make([]planning.Subproject, 0, len(sps))
	for _, incoming := range sps {
		record := incoming.Clone()
		record.LatestUpdDate = now
		record.CSS.UpdDate = now.Format(time.RFC3339)
		b.assignValueIDs(&record)

		for version, stored := range byVersion {
			for i := range stored {
				if stored[i].Key() == record.Key() {
					byVersion[version][i] = record.Clone()
				}
			}
		}
		saved = append(saved, record)
	}
	return saved, nil
}

// assignValueIDs gives server ids to cells that have none yet.
func (b *Backend) assignValueIDs(sp *planning.Subproject) {
	for i := range sp.Rows {
		for _, cell := range []*planning.MetricCell{&sp.Rows[i].CurrentOTP, &sp.Rows[i].CurrentPAO} {
			if cell.ValueID == 0 && !cell.IsAbsent() {
				cell.ValueID = b.nextValueID
				b.nextValueID++
			}
		}
	}
}

// =============================================================================
// ACTUAL DATA SERVICE
// =============================================================================

func (b *Backend) ActualData(_ context.Context, projectID int64, subprojectKey string, currencyID int64) ([]services.SubprojectActualData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpActualData); err != nil {
		return nil, err
	}
	var out []services.SubprojectActualData
	for _, sp := range b.actuals[projectID] {
		if subprojectKey != "" && sp.SubprojectKey != subprojectKey {
			continue
		}
		out = append(out, services.SubprojectActualData{
			SubprojectKey: sp.SubprojectKey,
			Rows:          b.convertActualRows(sp.Rows, currencyID),
		})
	}
	return out, nil
}

func (b *Backend) ActualDataSummary(_ context.Context, projectID int64, currencyID int64) ([]planning.ActualYear, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpActualSummary); err != nil {
		return nil, err
	}
	return b.convertActualRows(b.summaries[projectID], currencyID), nil
}

func (b *Backend) convertActualRows(rows []planning.ActualYear, currencyID int64) []planning.ActualYear {
	out := make([]planning.ActualYear, len(rows))
	copy(out, rows)
	if currencyID == 0 || currencyID == b.baseCurrency {
		return out
	}
	for i := range out {
		out[i].Cost = fx.ConvertForecast(out[i].Cost, b.forecast, b.baseCurrency, currencyID)
		out[i].OTP = fx.ConvertForecast(out[i].OTP, b.forecast, b.baseCurrency, currencyID)
		out[i].PAO = fx.ConvertForecast(out[i].PAO, b.forecast, b.baseCurrency, currencyID)
	}
	return out
}

// =============================================================================
// CURRENCY SERVICE
// =============================================================================

func (b *Backend) Currencies(_ context.Context) ([]services.Currency, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpCurrencies); err != nil {
		return nil, err
	}
	out := make([]services.Currency, len(b.currencies))
	copy(out, b.currencies)
	return out, nil
}

func (b *Backend) ExchangeRates(_ context.Context, years []int, _ planning.CompareVersion, currencyIDs []int64) ([]fx.CurrencyRate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpExchangeRates); err != nil {
		return nil, err
	}

	var out []fx.CurrencyRate
	for _, id := range currencyIDs {
		table := fx.FindRate(b.rates, id)
		if table == nil {
			return nil, services.ErrorOf(OpExchangeRates, &services.RateNotFoundError{CurrencyID: id})
		}
		filtered := fx.CurrencyRate{CurrencyID: id}
		for _, year := range years {
			rate := table.RateForYear(year)
			if !rate.Valid {
				return nil, services.ErrorOf(OpExchangeRates, &services.RateNotFoundError{Year: year, CurrencyID: id})
			}
			filtered.RatePerYears = append(filtered.RatePerYears, fx.YearlyRate{Year: year, Rate: rate.Decimal})
		}
		out = append(out, filtered)
	}
	return out, nil
}

func (b *Backend) ForecastRates(_ context.Context, currencyIDs []int64) ([]fx.ForecastRate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpForecastRates); err != nil {
		return nil, err
	}
	if len(currencyIDs) == 0 {
		out := make([]fx.ForecastRate, len(b.forecast))
		copy(out, b.forecast)
		return out, nil
	}
	var out []fx.ForecastRate
	for _, id := range currencyIDs {
		for _, rate := range b.forecast {
			if rate.CurrencyID == id {
				out = append(out, rate)
			}
		}
	}
	return out, nil
}

// =============================================================================
// APPROVAL SERVICE
// =============================================================================

func (b *Backend) Permissions(_ context.Context, projectID int64) (services.ApprovalPermissions, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpPermissions); err != nil {
		return services.ApprovalPermissions{}, err
	}
	return b.permissions[projectID], nil
}

func (b *Backend) CheckStatus(_ context.Context, projectID int64, tokens []services.LastUpdatedSubproject) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpApprovalCheck); err != nil {
		return err
	}
	return b.checkTokensLocked(projectID, tokens)
}

func (b *Backend) checkTokensLocked(projectID int64, tokens []services.LastUpdatedSubproject) error {
	byVersion := b.subprojects[projectID]
	for _, token := range tokens {
		for _, stored := range byVersion {
			for i := range stored {
				if stored[i].Key() == token.SubprojectKey && stored[i].LatestUpdDate.After(token.UpdatedAt) {
					return services.ErrorOf(OpApprovalCheck, &services.ConflictError{SubprojectKey: token.SubprojectKey})
				}
			}
		}
	}
	return nil
}

func (b *Backend) SaveApproval(_ context.Context, submission services.ApprovalSubmission) (services.ApprovalResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpApprovalSave); err != nil {
		return services.ApprovalResponse{}, err
	}
	if err := b.checkTokensLocked(submission.ProjectID, submission.LastUpdated); err != nil {
		return services.ApprovalResponse{}, err
	}

	now := b.clock()
	resp := services.ApprovalResponse{ApprovalID: uuid.NewString()}
	for _, request := range submission.NewCSSSubprojects {
		created := services.CreatedCSSSubproject{
			SubprojectKey:   request.SubprojectKey,
			CSSSubprojectID: uuid.NewString(),
			UpdDate:         now.Format(time.RFC3339),
		}
		resp.Created = append(resp.Created, created)

		for version, stored := range b.subprojects[submission.ProjectID] {
			for i := range stored {
				if stored[i].Key() == created.SubprojectKey {
					b.subprojects[submission.ProjectID][version][i].CSS.CSSSubprojectID = created.CSSSubprojectID
					b.subprojects[submission.ProjectID][version][i].CSS.UpdDate = created.UpdDate
				}
			}
		}
	}

	b.history[submission.ProjectID] = append([]services.ApprovalEvent{{
		ID:        resp.ApprovalID,
		ProjectID: submission.ProjectID,
		Action:    "approval_submitted",
		Comment:   submission.Comment,
		At:        now,
	}}, b.history[submission.ProjectID]...)

	return resp, nil
}

func (b *Backend) ReviewCommittees(_ context.Context) ([]services.ReviewCommittee, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpCommittees); err != nil {
		return nil, err
	}
	out := make([]services.ReviewCommittee, len(b.committees))
	copy(out, b.committees)
	return out, nil
}

func (b *Backend) Milestones(_ context.Context, projectID int64) ([]planning.Milestone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpMilestones); err != nil {
		return nil, err
	}
	out := make([]planning.Milestone, len(b.milestones[projectID]))
	copy(out, b.milestones[projectID])
	return out, nil
}

func (b *Backend) History(_ context.Context, projectID int64) ([]services.ApprovalEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpApprovalHistory); err != nil {
		return nil, err
	}
	out := make([]services.ApprovalEvent, len(b.history[projectID]))
	copy(out, b.history[projectID])
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneSubprojects(sps []planning.Subproject) []planning.Subproject {
	out := make([]planning.Subproject, 0, len(sps))
	for i := range sps {
		out = append(out, sps[i].Clone())
	}
	return out
}
