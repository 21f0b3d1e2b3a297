/*
Package planning holds the project/subproject planning model and the engines
that keep it consistent.

PURPOSE:
  One project owns a set of subprojects. Each subproject carries yearly cost
  and OTP/PAO planning rows in its own currency; the project view shows the
  per-year sums in the project's selected currency, with a comparison column
  against actuals or a previously approved plan. This package contains:

  - The data model (this file)
  - Read/write access gating           (access.go)
  - Subproject data merging            (merge.go)
  - Project-level aggregation          (aggregate.go)
  - Contractual-value allocation       (allocate.go)

DESIGN PRINCIPLES:
  1. Value semantics: comparison-version snapshots are independent copies;
     nothing mutates a snapshot owned by another version.
  2. Precision: decimal.Decimal for every monetary value.
  3. Explicit absence: decimal.NullDecimal distinguishes "no value" from
     zero; a nil Project means "not loaded", never a zero-valued record.
  4. Derived data stays derived: Project.DataTable is always recomputable
     from the subprojects plus actuals - it is a cache, not a source.

KEY CONCEPTS:
  - MetricCell: one OTP or PAO table cell. The user may type anything, so a
    cell is a tagged value: valid number, invalid raw text, or absent.
    Invalid cells are excluded from every aggregation.
  - CompareVersion: which plan version the compare column shows. Actuals
    come pre-aggregated from the backend; every other version is summed
    from the subproject rows.
*/
package planning

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPARISON VERSIONS
// =============================================================================

// CompareVersion identifies the plan version shown in the compare column.
// The set is open-ended: historical versions beyond YAP exist server-side.
type CompareVersion int

const (
	// VersionActual compares against booked actuals. Actual project totals
	// arrive pre-aggregated and must not be summed from subprojects.
	VersionActual CompareVersion = 1

	// VersionYAP compares against the latest approved plan.
	VersionYAP CompareVersion = 2
)

// =============================================================================
// METRIC CELLS - tagged OTP/PAO values
// =============================================================================

type metricState int

const (
	metricAbsent metricState = iota
	metricValid
	metricInvalid
)

// MetricValue is one user-editable OTP/PAO amount: a valid number, invalid
// raw input, or absent. The zero value is absent.
type MetricValue struct {
	state metricState
	value decimal.Decimal
	raw   string
}

func ValidMetric(v decimal.Decimal) MetricValue {
	return MetricValue{state: metricValid, value: v}
}

// InvalidMetric records non-numeric user input. The raw text is kept so the
// form can show it back; the cell contributes nothing to any sum.
func InvalidMetric(raw string) MetricValue {
	return MetricValue{state: metricInvalid, raw: raw}
}

func (m MetricValue) IsValid() bool   { return m.state == metricValid }
func (m MetricValue) IsInvalid() bool { return m.state == metricInvalid }
func (m MetricValue) IsAbsent() bool  { return m.state == metricAbsent }

// Decimal returns the numeric value and whether one is present.
func (m MetricValue) Decimal() (decimal.Decimal, bool) {
	return m.value, m.state == metricValid
}

// Raw returns the rejected input of an invalid cell.
func (m MetricValue) Raw() string { return m.raw }

// NullDecimal returns the value as a nullable decimal (absent for invalid
// and absent cells).
func (m MetricValue) NullDecimal() decimal.NullDecimal {
	if m.state == metricValid {
		return decimal.NewNullDecimal(m.value)
	}
	return decimal.NullDecimal{}
}

// MetricCell is a MetricValue plus its server-side identity. ValueID and
// UpdDate identify the persisted row and survive currency conversion.
type MetricCell struct {
	MetricValue
	ValueID int64
	UpdDate string
}

// =============================================================================
// YEARLY ROWS
// =============================================================================

// YearRow is one subproject planning row. A subproject holds at most one row
// per distinct year; all merges find-or-create by year.
type YearRow struct {
	Year int

	CurrentCost decimal.NullDecimal
	CurrentOTP  MetricCell
	CurrentPAO  MetricCell

	// Compare column (actuals or the selected plan version).
	CostCompare decimal.NullDecimal
	OTPCompare  decimal.NullDecimal
	PAOCompare  decimal.NullDecimal
}

// ActualYear is one year of booked actual data as delivered by the backend,
// either per subproject or pre-aggregated for the whole project.
type ActualYear struct {
	Year int
	Cost decimal.NullDecimal
	OTP  decimal.NullDecimal
	PAO  decimal.NullDecimal
}

// =============================================================================
// SUBPROJECT
// =============================================================================

// Milestone is a QG4 gate marker. A subproject with no upcoming milestone is
// closed for overwrites from project level.
type Milestone struct {
	Name string
	Date time.Time
}

// MCRMasterData is the subproject identity owned by the upstream MCR system.
type MCRMasterData struct {
	MCRProjectID    int64
	MCRSubprojectID string
	Name            string
	NextQG4         *Milestone // nil: no active milestone
	IFRSRelevant    bool       // derived, recomputed after every mutation
	QG4History      []Milestone
}

// CSSMasterData holds the writable/approvable planning fields.
type CSSMasterData struct {
	// CSSSubprojectID is assigned server-side on first save and is sticky:
	// an empty incoming value never clears an assigned one.
	CSSSubprojectID string

	CurrencyID    int64
	IFRSVersionID int

	ContractualOTP decimal.NullDecimal
	ContractualPAO decimal.NullDecimal

	StartPAO        *time.Time
	EndPAO          *time.Time
	OTPRate         decimal.NullDecimal
	PAORate         decimal.NullDecimal
	ContractSigning *time.Time

	InvoiceCustomerID  int64
	SpecialSaleCompany string

	// UpdDate is the per-record version marker, sticky like CSSSubprojectID.
	UpdDate string
}

// Subproject is one allocation unit under a project.
type Subproject struct {
	MCR  MCRMasterData
	CSS  CSSMasterData
	Rows []YearRow

	UpdUser        string
	LastChangeDate *time.Time

	// LatestUpdDate is the optimistic-concurrency token checked on save.
	LatestUpdDate time.Time
}

// Key returns the identity used for dirty-state tracking and version maps.
func (s *Subproject) Key() string { return s.MCR.MCRSubprojectID }

// Clone returns a deep copy. Snapshots handed across version boundaries are
// always clones; see SubprojectVersion.
func (s Subproject) Clone() Subproject {
	out := s
	out.Rows = make([]YearRow, len(s.Rows))
	copy(out.Rows, s.Rows)
	if s.MCR.NextQG4 != nil {
		m := *s.MCR.NextQG4
		out.MCR.NextQG4 = &m
	}
	out.MCR.QG4History = append([]Milestone(nil), s.MCR.QG4History...)
	out.CSS.StartPAO = cloneTime(s.CSS.StartPAO)
	out.CSS.EndPAO = cloneTime(s.CSS.EndPAO)
	out.CSS.ContractSigning = cloneTime(s.CSS.ContractSigning)
	out.LastChangeDate = cloneTime(s.LastChangeDate)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// FindRow returns the yearly row for the given year, or nil.
func (s *Subproject) FindRow(year int) *YearRow {
	for i := range s.Rows {
		if s.Rows[i].Year == year {
			return &s.Rows[i]
		}
	}
	return nil
}

// =============================================================================
// SUBPROJECT VERSIONS
// =============================================================================

// SubprojectVersion keys one subproject identity to its per-comparison-version
// snapshots. Switching versions swaps the active snapshot without discarding
// the others. Snapshots are stored and returned by value: versions never
// share mutable state.
type SubprojectVersion struct {
	ID            string
	ActiveVersion CompareVersion
	snapshots     map[CompareVersion]Subproject
}

func NewSubprojectVersion(id string) *SubprojectVersion {
	return &SubprojectVersion{ID: id, snapshots: make(map[CompareVersion]Subproject)}
}

// Put stores a snapshot for a version and makes that version active.
func (v *SubprojectVersion) Put(version CompareVersion, sp Subproject) {
	if v.snapshots == nil {
		v.snapshots = make(map[CompareVersion]Subproject)
	}
	v.snapshots[version] = sp.Clone()
	v.ActiveVersion = version
}

// Replace stores a snapshot without changing the active version.
func (v *SubprojectVersion) Replace(version CompareVersion, sp Subproject) {
	if v.snapshots == nil {
		v.snapshots = make(map[CompareVersion]Subproject)
	}
	v.snapshots[version] = sp.Clone()
}

// Snapshot returns a copy of the snapshot for a version.
func (v *SubprojectVersion) Snapshot(version CompareVersion) (Subproject, bool) {
	sp, ok := v.snapshots[version]
	if !ok {
		return Subproject{}, false
	}
	return sp.Clone(), true
}

// Active returns a copy of the active snapshot.
func (v *SubprojectVersion) Active() (Subproject, bool) {
	return v.Snapshot(v.ActiveVersion)
}

// Versions lists the versions holding a snapshot.
func (v *SubprojectVersion) Versions() []CompareVersion {
	out := make([]CompareVersion, 0, len(v.snapshots))
	for ver := range v.snapshots {
		out = append(out, ver)
	}
	return out
}

// Clone returns an independent copy of the version record.
func (v *SubprojectVersion) Clone() *SubprojectVersion {
	out := NewSubprojectVersion(v.ID)
	out.ActiveVersion = v.ActiveVersion
	for ver, sp := range v.snapshots {
		out.snapshots[ver] = sp.Clone()
	}
	return out
}

// =============================================================================
// PROJECT
// =============================================================================

// ProjectValue is one derived row of the project value table. The table is
// fully recomputed on every aggregation pass, never patched in place.
type ProjectValue struct {
	Year int

	CurrentCost decimal.NullDecimal
	CurrentOTP  decimal.NullDecimal
	CurrentPAO  decimal.NullDecimal

	// True when any contributing subproject cell held invalid input; the
	// per-year OTP+PAO sum then treats that metric as 0.
	CurrentOTPInvalid bool
	CurrentPAOInvalid bool

	ActualCost decimal.NullDecimal
	ActualOTP  decimal.NullDecimal
	ActualPAO  decimal.NullDecimal

	// Derived by DeriveCSS.
	CurrentOTPPAO decimal.NullDecimal
	ActualOTPPAO  decimal.NullDecimal
	CurrentCSS    decimal.NullDecimal
	ActualCSS     decimal.NullDecimal
}

// Project is one top-level plan.
type Project struct {
	PrjID         int64
	DisplayID     string
	DivisionID    int64
	IFRSVersionID int

	SelectedVersion CompareVersion
	OriginalVersion CompareVersion

	SelectedCurrencyID int64

	// One-shot push-down fields. Entering a value here distributes it to the
	// subprojects and the field is reset to absent afterwards.
	ContractualOTP  decimal.NullDecimal
	ContractualPAO  decimal.NullDecimal
	StartPAO        *time.Time
	EndPAO          *time.Time
	OTPRate         decimal.NullDecimal
	PAORate         decimal.NullDecimal
	ContractSigning *time.Time

	// Displayed totals, summed back up from the subprojects.
	TotalContractualOTP decimal.NullDecimal
	TotalContractualPAO decimal.NullDecimal

	// DataTable is derived from Subprojects plus actuals; see BuildDataTable.
	DataTable []ProjectValue

	Subprojects []Subproject
}

// FindSubproject locates a child by identity, or nil.
func (p *Project) FindSubproject(key string) *Subproject {
	for i := range p.Subprojects {
		if p.Subprojects[i].Key() == key {
			return &p.Subprojects[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	out := p
	out.DataTable = append([]ProjectValue(nil), p.DataTable...)
	out.Subprojects = make([]Subproject, len(p.Subprojects))
	for i := range p.Subprojects {
		out.Subprojects[i] = p.Subprojects[i].Clone()
	}
	out.StartPAO = cloneTime(p.StartPAO)
	out.EndPAO = cloneTime(p.EndPAO)
	out.ContractSigning = cloneTime(p.ContractSigning)
	return out
}
