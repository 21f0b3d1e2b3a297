/*
session.go - Project planning session orchestration

PURPOSE:
  One Service instance is one project-editing session. It owns the canonical
  Project model, sequences every fetch -> merge -> aggregate -> allocate
  pass, tracks dirty state, and mediates the save / discard / version-switch
  / approval flows against the backend services.

STATE MACHINE:
  Idle -> Loading -> Loaded <-> Editing -> Saving -> Loaded
                     Editing -> Discarding -> Loaded
           Loaded / Editing -> ApprovalPending -> Loaded

SINGLE-WRITER RULE:
  All mutations flow through the exported entry points; callers get deep
  copies from Snapshot() and route every edit back through EditSubproject /
  SetProjectMasterValues. One mutex serializes the entry points.

LIVENESS:
  Close() flips an atomic flag. The concurrent joins inside Load check the
  flag after every completion and drop their results when the session died
  in between (fire-and-check); no completion is ever applied to a closed
  session.

ERROR POLICY:
  Every backend failure is classified into the services taxonomy before it
  leaves an entry point. A conflict is surfaced through the Prompter as a
  blocking acknowledgement and recovered by refetching canonical state;
  local edits are never pushed over a newer server record.
*/
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
)

// =============================================================================
// STATES AND DECISIONS
// =============================================================================

// State is the session's position in the editing lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateEditing
	StateSaving
	StateDiscarding
	StateApprovalPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateEditing:
		return "editing"
	case StateSaving:
		return "saving"
	case StateDiscarding:
		return "discarding"
	case StateApprovalPending:
		return "approval-pending"
	default:
		return "unknown"
	}
}

// Decision is the user's answer when a version switch finds unsaved changes.
type Decision int

const (
	// DecisionCancel aborts the switch and reverts the version selector.
	DecisionCancel Decision = iota
	// DecisionSave saves the dirty subprojects, then switches.
	DecisionSave
	// DecisionDiscard drops the dirty state, then switches.
	DecisionDiscard
)

// Prompter is the seam to the user-facing dialogs. The session blocks on
// these calls; implementations decide how the question is actually asked.
type Prompter interface {
	// ConfirmDiscard asks whether unsaved changes may be dropped.
	ConfirmDiscard(ctx context.Context) (bool, error)

	// ResolveUnsavedChanges asks what to do with unsaved changes blocking a
	// version switch.
	ResolveUnsavedChanges(ctx context.Context) (Decision, error)

	// AcknowledgeConflict shows a blocking notice that another session
	// modified the data; it returns when the user acknowledged.
	AcknowledgeConflict(ctx context.Context, message string) error
}

// =============================================================================
// SERVICE
// =============================================================================

var (
	// ErrSessionClosed is returned by every entry point after Close().
	ErrSessionClosed = errors.New("session closed")

	// ErrNotLoaded is returned when an operation needs a loaded project.
	ErrNotLoaded = errors.New("no project loaded")
)

// Config wires a session to its backends.
type Config struct {
	Projects    services.ProjectService
	Subprojects services.SubprojectService
	Actuals     services.ActualDataService
	Currencies  services.CurrencyService
	Approvals   services.ApprovalService
	Prompter    Prompter
	Logger      *zap.Logger
}

// Service is one project-editing session. Create with New, release with
// Close.
type Service struct {
	cfg Config
	log *zap.Logger

	closed atomic.Bool

	mu          sync.Mutex
	state       State
	project     *planning.Project
	navigation  services.ProjectNavigation
	versions    []*planning.SubprojectVersion
	permissions services.ApprovalPermissions
	dirty       *dirtyState

	// actualsSuppressed records a degraded load: actual data was skipped
	// after a rate-not-found failure.
	actualsSuppressed bool

	// Rate caches. Year rates accumulate across currency switches so a
	// version/currency pair is fetched at most once per session; forecast
	// rates are fetched lazily on the first allocation.
	yearRates      []fx.CurrencyRate
	ratedYears     map[int64]map[int]bool
	forecastRates  []fx.ForecastRate
	forecastLoaded bool
}

func New(cfg Config) (*Service, error) {
	if cfg.Projects == nil || cfg.Subprojects == nil || cfg.Actuals == nil ||
		cfg.Currencies == nil || cfg.Approvals == nil {
		return nil, errors.New("session: all backend services are required")
	}
	if cfg.Prompter == nil {
		return nil, errors.New("session: prompter is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		state:      StateIdle,
		dirty:      newDirtyState(),
		ratedYears: make(map[int64]map[int]bool),
	}, nil
}

// Close marks the session dead. In-flight completions are dropped; every
// later entry point fails with ErrSessionClosed.
func (s *Service) Close() {
	s.closed.Store(true)
	s.log.Debug("session closed")
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty reports whether unsaved changes exist.
func (s *Service) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty.isDirty()
}

// HasErrors reports whether validation errors block save and approval.
func (s *Service) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty.hasErrors()
}

// Snapshot returns a deep copy of the canonical project. Callers may do
// anything with it; edits only count when routed back through the entry
// points.
func (s *Service) Snapshot() (planning.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return planning.Project{}, ErrNotLoaded
	}
	return s.project.Clone(), nil
}

// Navigation returns the project navigation tree from the last load.
func (s *Service) Navigation() services.ProjectNavigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigation
}

// Permissions returns the approval permissions from the last load.
func (s *Service) Permissions() services.ApprovalPermissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions
}

// ActualsSuppressed reports whether the last load had to skip actual data
// after a missing exchange rate.
func (s *Service) ActualsSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actualsSuppressed
}

// =============================================================================
// LOAD
// =============================================================================

// Load fetches the project, its navigation tree, approval permissions, and
// the subprojects of the current comparison version, then builds the value
// table. A missing exchange rate during the data fetch triggers one retry
// with actual data suppressed.
func (s *Service) Load(ctx context.Context, displayID string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateLoading)

	project, err := s.cfg.Projects.ProjectData(ctx, displayID)
	if err != nil {
		s.setState(StateIdle)
		return services.Classify("project.data", err)
	}
	if project.OriginalVersion == 0 {
		project.OriginalVersion = project.SelectedVersion
	}

	nav, err := s.cfg.Projects.NavigationItems(ctx, project.PrjID)
	if err != nil {
		s.setState(StateIdle)
		return services.Classify("project.navigation", err)
	}
	perms, err := s.cfg.Approvals.Permissions(ctx, project.PrjID)
	if err != nil {
		s.setState(StateIdle)
		return services.Classify("approval.permissions", err)
	}

	if err := s.loadSubprojectsLocked(ctx, &project); err != nil {
		s.setState(StateIdle)
		return err
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.project = &project
	s.navigation = nav
	s.permissions = perms
	s.dirty.clear()
	s.setState(StateLoaded)
	s.log.Info("project loaded",
		zap.String("project", displayID),
		zap.Int("subprojects", len(project.Subprojects)),
		zap.Bool("actuals_suppressed", s.actualsSuppressed))
	return nil
}

// loadSubprojectsLocked fetches the subprojects of project's selected
// version, joins in actual data when the comparison version is Actual, and
// rebuilds the version records and the value table.
func (s *Service) loadSubprojectsLocked(ctx context.Context, project *planning.Project) error {
	sps, err := s.fetchSubprojectsLocked(ctx, project, false)
	if err != nil {
		if !services.IsRateNotFound(err) {
			return err
		}
		// Degraded load: a conversion rate is missing somewhere in the
		// actual data path. Retry once without actuals.
		s.log.Warn("exchange rate missing, retrying without actual data",
			zap.Int64("project", project.PrjID), zap.Error(err))
		sps, err = s.fetchSubprojectsLocked(ctx, project, true)
		if err != nil {
			return err
		}
		s.actualsSuppressed = true
	} else {
		s.actualsSuppressed = false
	}

	sort.Slice(sps, func(i, j int) bool { return sps[i].Key() < sps[j].Key() })
	project.Subprojects = sps
	s.rebuildVersionsLocked(project)
	planning.BuildDataTable(project, project.Subprojects)

	if project.SelectedVersion == planning.VersionActual && !s.actualsSuppressed {
		summary, err := s.cfg.Actuals.ActualDataSummary(ctx, project.PrjID, project.SelectedCurrencyID)
		if s.closed.Load() {
			return ErrSessionClosed
		}
		if err != nil {
			err = services.Classify("actual.summary", err)
			if !services.IsRateNotFound(err) {
				return err
			}
			// Same degraded mode as the subproject fetch: the project
			// totals cannot be converted, so they stay off the table.
			s.log.Warn("exchange rate missing for actual totals, loading without them",
				zap.Int64("project", project.PrjID), zap.Error(err))
			s.actualsSuppressed = true
			return nil
		}
		planning.ApplyActualTotals(project, summary)
	}
	return nil
}

// fetchSubprojectsLocked fetches the subproject records and, for the Actual
// comparison version, joins the per-subproject actual rows concurrently with
// the fetch. Results are dropped when the session closes mid-flight.
func (s *Service) fetchSubprojectsLocked(ctx context.Context, project *planning.Project, suppressActuals bool) ([]planning.Subproject, error) {
	withActuals := project.SelectedVersion == planning.VersionActual && !suppressActuals

	var (
		wg         sync.WaitGroup
		sps        []planning.Subproject
		spsErr     error
		actuals    []services.SubprojectActualData
		actualsErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sps, spsErr = s.cfg.Subprojects.ProjectSubprojects(ctx, project.PrjID, project.SelectedVersion)
	}()
	if withActuals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actuals, actualsErr = s.cfg.Actuals.ActualData(ctx, project.PrjID, "", project.SelectedCurrencyID)
		}()
	}
	wg.Wait()

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if spsErr != nil {
		return nil, services.Classify("subproject.list", spsErr)
	}
	if actualsErr != nil {
		return nil, services.Classify("actual.data", actualsErr)
	}

	if withActuals {
		byKey := make(map[string][]planning.ActualYear, len(actuals))
		for _, a := range actuals {
			byKey[a.SubprojectKey] = a.Rows
		}
		for i := range sps {
			if rows, ok := byKey[sps[i].Key()]; ok {
				planning.MergeActualData(&sps[i], rows)
			}
		}
	}
	return sps, nil
}

// rebuildVersionsLocked stores fresh snapshots of the project's current
// subprojects under the selected version, ascending by key. Records are found
// or created per subproject so snapshots already held for other versions
// survive a reload.
func (s *Service) rebuildVersionsLocked(project *planning.Project) {
	existing := make(map[string]*planning.SubprojectVersion, len(s.versions))
	for _, ver := range s.versions {
		existing[ver.ID] = ver
	}
	s.versions = s.versions[:0]
	for i := range project.Subprojects {
		key := project.Subprojects[i].Key()
		ver, ok := existing[key]
		if !ok {
			ver = planning.NewSubprojectVersion(key)
		}
		ver.Put(project.SelectedVersion, project.Subprojects[i])
		s.versions = append(s.versions, ver)
	}
}

// =============================================================================
// EDITING
// =============================================================================

// EditSubproject routes an edited subproject copy back into the canonical
// model: access is checked, the copy is merged (sticky identity preserved),
// the version snapshot replaced, the value table rebuilt, and the subproject
// marked dirty.
func (s *Service) EditSubproject(ctx context.Context, incoming planning.Subproject) error {
	_ = ctx
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNotLoaded
	}

	access, err := planning.AccessFor(incoming.CSS.IFRSVersionID)
	if err != nil {
		return services.ErrorOf("subproject.edit", err)
	}
	if !access.Writable {
		return services.ErrorOf("subproject.edit", services.ErrIncorrectParams)
	}

	merged, err := planning.MergeIntoProject(s.project, incoming, false)
	if err != nil {
		return services.ErrorOf("subproject.edit", err)
	}
	s.replaceSnapshotLocked(merged.Key(), *merged)
	planning.BuildDataTable(s.project, s.project.Subprojects)

	s.dirty.markChanged(*merged)
	s.dirty.clearSubprojectError(merged.Key())
	s.setState(StateEditing)
	return nil
}

// ReportValidationError records a field-level validation failure for a
// subproject. Save and approval stay blocked until it is resolved.
func (s *Service) ReportValidationError(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty.markSubprojectError(key)
	s.setState(StateEditing)
}

// ResolveValidationError clears a previously reported validation failure.
func (s *Service) ResolveValidationError(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty.clearSubprojectError(key)
}

// ProjectMasterValues carries the project-level one-shot fields of one edit.
// Absent fields are left alone.
type ProjectMasterValues struct {
	ContractualOTP  decimal.NullDecimal
	ContractualPAO  decimal.NullDecimal
	StartPAO        *time.Time
	EndPAO          *time.Time
	OTPRate         decimal.NullDecimal
	PAORate         decimal.NullDecimal
	ContractSigning *time.Time
}

// SetProjectMasterValues applies a project-level master data edit. Entered
// contractual totals are distributed across the subprojects (proportional
// shares, exact remainder); the other fields are pushed down to every
// eligible subproject. Both consume the entered value: the project-level
// fields are reset afterwards.
func (s *Service) SetProjectMasterValues(ctx context.Context, values ProjectMasterValues) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNotLoaded
	}
	p := s.project

	p.ContractualOTP = values.ContractualOTP
	p.ContractualPAO = values.ContractualPAO
	p.OTPRate = values.OTPRate
	p.PAORate = values.PAORate
	if values.StartPAO != nil {
		d := *values.StartPAO
		p.StartPAO = &d
	}
	if values.EndPAO != nil {
		d := *values.EndPAO
		p.EndPAO = &d
	}
	if values.ContractSigning != nil {
		d := *values.ContractSigning
		p.ContractSigning = &d
	}

	if values.ContractualOTP.Valid || values.ContractualPAO.Valid {
		rates, err := s.forecastRatesLocked(ctx)
		if err != nil {
			return err
		}
		if s.closed.Load() {
			return ErrSessionClosed
		}
		s.markContractualTargetsDirtyLocked(values)
		planning.AllocateContractual(p, s.versions, rates)
	} else {
		s.markOverwriteTargetsDirtyLocked()
		planning.OverwriteMasterValues(p, s.versions)
	}

	planning.BuildDataTable(p, p.Subprojects)
	s.refreshDirtySnapshotsLocked()
	s.setState(StateEditing)
	return nil
}

func (s *Service) markContractualTargetsDirtyLocked(values ProjectMasterValues) {
	for i := range s.project.Subprojects {
		sp := &s.project.Subprojects[i]
		otp := values.ContractualOTP.Valid && planning.CanOverwriteContractual(sp, planning.MetricOTP)
		pao := values.ContractualPAO.Valid && planning.CanOverwriteContractual(sp, planning.MetricPAO)
		if otp || pao {
			s.dirty.markChanged(*sp)
		}
	}
}

func (s *Service) markOverwriteTargetsDirtyLocked() {
	for i := range s.project.Subprojects {
		if planning.CanOverwriteSubproject(&s.project.Subprojects[i]) {
			s.dirty.markChanged(s.project.Subprojects[i])
		}
	}
}

// refreshDirtySnapshotsLocked re-copies the canonical records of every dirty
// subproject, so the dirty map carries the values an allocation pass just
// wrote.
func (s *Service) refreshDirtySnapshotsLocked() {
	for key := range s.dirty.changed {
		if sp := s.project.FindSubproject(key); sp != nil {
			s.dirty.markChanged(*sp)
		}
	}
}

func (s *Service) replaceSnapshotLocked(key string, sp planning.Subproject) {
	for _, ver := range s.versions {
		if ver.ID == key {
			ver.Replace(s.project.SelectedVersion, sp)
			return
		}
	}
}

// =============================================================================
// CURRENCY
// =============================================================================

// ChangeCurrency switches the project display currency. Subproject values
// are rescaled with the year-resolved rates (fetched once per session and
// reused); for the Actual comparison version the project-level summary is
// refetched in the new currency, falling back to a table without actuals
// when that fails.
func (s *Service) ChangeCurrency(ctx context.Context, currencyID int64) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNotLoaded
	}
	p := s.project
	if currencyID == p.SelectedCurrencyID {
		return nil
	}

	if planning.ShouldConvertCurrency(p, currencyID) {
		ids := planning.CurrencyList(p)
		ids = append(ids, currencyID)
		rates, err := s.yearRatesLocked(ctx, planning.YearList(p), p.SelectedVersion, ids)
		if err != nil {
			return err
		}
		if s.closed.Load() {
			return ErrSessionClosed
		}
		for i := range p.Subprojects {
			converted := planning.ConvertToRates(p.Subprojects[i], rates, currencyID)
			converted.CSS.CurrencyID = currencyID
			p.Subprojects[i] = converted
			s.replaceSnapshotLocked(converted.Key(), converted)
		}
	}

	p.SelectedCurrencyID = currencyID
	planning.BuildDataTable(p, p.Subprojects)

	if p.SelectedVersion == planning.VersionActual && !s.actualsSuppressed {
		summary, err := s.cfg.Actuals.ActualDataSummary(ctx, p.PrjID, currencyID)
		if s.closed.Load() {
			return ErrSessionClosed
		}
		if err != nil {
			// Degrade to a table without actuals rather than failing the
			// currency switch.
			s.log.Warn("actual summary unavailable after currency change",
				zap.Int64("currency", currencyID), zap.Error(err))
			s.actualsSuppressed = true
		} else {
			planning.ApplyActualTotals(p, summary)
		}
	}

	s.log.Info("currency changed", zap.Int64("currency", currencyID))
	return nil
}

// yearRatesLocked returns the year-resolved rate tables covering the given
// years and currencies, fetching only what the session cache is missing.
func (s *Service) yearRatesLocked(ctx context.Context, years []int, version planning.CompareVersion, currencyIDs []int64) ([]fx.CurrencyRate, error) {
	missing := false
	seen := make(map[int64]bool)
	var wanted []int64
	for _, id := range currencyIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		wanted = append(wanted, id)
		for _, year := range years {
			if !s.ratedYears[id][year] {
				missing = true
			}
		}
	}
	if !missing {
		return s.yearRates, nil
	}

	rates, err := s.cfg.Currencies.ExchangeRates(ctx, years, version, wanted)
	if err != nil {
		return nil, services.Classify("currency.rates", err)
	}
	for _, table := range rates {
		s.mergeRateTableLocked(table)
	}
	return s.yearRates, nil
}

func (s *Service) mergeRateTableLocked(table fx.CurrencyRate) {
	years := s.ratedYears[table.CurrencyID]
	if years == nil {
		years = make(map[int]bool)
		s.ratedYears[table.CurrencyID] = years
	}

	existing := fx.FindRate(s.yearRates, table.CurrencyID)
	if existing == nil {
		s.yearRates = append(s.yearRates, table)
		existing = &s.yearRates[len(s.yearRates)-1]
		for _, r := range table.RatePerYears {
			years[r.Year] = true
		}
		return
	}
	for _, r := range table.RatePerYears {
		if !years[r.Year] {
			existing.RatePerYears = append(existing.RatePerYears, r)
			years[r.Year] = true
		}
	}
}

// forecastRatesLocked returns the forecast rates, fetched once per session.
func (s *Service) forecastRatesLocked(ctx context.Context) ([]fx.ForecastRate, error) {
	if s.forecastLoaded {
		return s.forecastRates, nil
	}
	rates, err := s.cfg.Currencies.ForecastRates(ctx, nil)
	if err != nil {
		return nil, services.Classify("currency.forecast", err)
	}
	s.forecastRates = rates
	s.forecastLoaded = true
	return rates, nil
}

// =============================================================================
// VERSION SWITCH
// =============================================================================

// SwitchVersion changes the comparison version. With unsaved changes the
// user decides: save first, discard, or cancel the switch - canceling
// reverts the version selector to where it was. A navigational action never
// silently drops edits.
func (s *Service) SwitchVersion(ctx context.Context, version planning.CompareVersion) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNotLoaded
	}
	p := s.project
	if version == p.SelectedVersion {
		return nil
	}

	if s.dirty.isDirty() || s.dirty.hasErrors() {
		decision, err := s.cfg.Prompter.ResolveUnsavedChanges(ctx)
		if err != nil {
			return err
		}
		switch decision {
		case DecisionCancel:
			p.SelectedVersion = p.OriginalVersion
			return nil
		case DecisionSave:
			if err := s.saveLocked(ctx); err != nil {
				return err
			}
		case DecisionDiscard:
			s.dirty.clear()
		}
	}

	s.setState(StateLoading)
	p.SelectedVersion = version
	if err := s.loadSubprojectsLocked(ctx, p); err != nil {
		p.SelectedVersion = p.OriginalVersion
		s.setState(StateLoaded)
		return err
	}
	p.OriginalVersion = version
	s.dirty.clear()
	s.setState(StateLoaded)
	s.log.Info("comparison version switched", zap.Int("version", int(version)))
	return nil
}

// =============================================================================
// SAVE / DISCARD
// =============================================================================

// Save persists the dirty subprojects. Validation errors block the save
// entirely. A concurrency conflict is acknowledged through the Prompter and
// recovered by reloading canonical state; the conflict is still returned so
// the caller knows the save did not happen.
func (s *Service) Save(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNotLoaded
	}
	return s.saveLocked(ctx)
}

func (s *Service) saveLocked(ctx context.Context) error {
	if !s.dirty.isDirty() {
		return nil
	}
	if s.dirty.hasErrors() {
		return services.ErrorOf("session.save", services.ErrIncorrectParams)
	}
	s.setState(StateSaving)

	saved, err := s.cfg.Subprojects.SaveSubprojects(ctx, s.project.PrjID, s.dirty.changedList())
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err != nil {
		if services.IsConflict(err) {
			return s.recoverConflictLocked(ctx, err)
		}
		s.setState(StateEditing)
		return services.Classify("subproject.save", err)
	}

	for i := range saved {
		merged, mergeErr := planning.MergeIntoProject(s.project, saved[i], false)
		if mergeErr != nil {
			s.log.Warn("saved subproject unknown to project", zap.String("key", saved[i].Key()))
			continue
		}
		s.replaceSnapshotLocked(merged.Key(), *merged)
	}
	planning.BuildDataTable(s.project, s.project.Subprojects)
	s.dirty.clear()
	s.setState(StateLoaded)
	s.log.Info("subprojects saved", zap.Int("count", len(saved)))
	return nil
}

// recoverConflictLocked handles an outdated-data failure: the user must
// acknowledge, local dirty state is dropped, canonical state is refetched.
// Local edits are never re-applied over the newer server record.
func (s *Service) recoverConflictLocked(ctx context.Context, conflict error) error {
	s.log.Warn("save conflict, reloading canonical state", zap.Error(conflict))
	if err := s.cfg.Prompter.AcknowledgeConflict(ctx, conflict.Error()); err != nil {
		return err
	}
	s.dirty.clear()
	if err := s.loadSubprojectsLocked(ctx, s.project); err != nil {
		return err
	}
	s.setState(StateLoaded)
	return conflict
}

// Discard drops every unsaved change and refetches the canonical state.
// With nothing dirty it is a silent no-op; otherwise the Prompter confirms
// first, and declining leaves everything as it was.
func (s *Service) Discard(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ErrNotLoaded
	}
	if !s.dirty.isDirty() && !s.dirty.hasErrors() {
		return nil
	}

	ok, err := s.cfg.Prompter.ConfirmDiscard(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.setState(StateDiscarding)
	if err := s.loadSubprojectsLocked(ctx, s.project); err != nil {
		s.setState(StateEditing)
		return err
	}
	s.dirty.clear()
	s.setState(StateLoaded)
	s.log.Info("changes discarded")
	return nil
}

// =============================================================================
// INTERNAL
// =============================================================================

func (s *Service) setState(next State) {
	if s.state != next {
		s.log.Debug("state transition",
			zap.Stringer("from", s.state), zap.Stringer("to", next))
		s.state = next
	}
}
