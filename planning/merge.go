/*
merge.go - Subproject data reconciliation

PURPOSE:
  Keeps one subproject's yearly rows consistent with data arriving from
  outside: booked actuals, currency changes, and edited copies coming back
  from forms or the save endpoint.

INVARIANTS:
  - At most one YearRow per distinct year; every merge finds-or-creates.
  - Merging the same actual data twice equals merging it once.
  - Currency conversion produces a new Subproject; the input is not touched.
  - Invalid OTP/PAO cells pass through conversion unconverted - there is no
    number to rescale - but keep their persisted identity.
*/
package planning

import (
	"github.com/shopspring/decimal"

	"github.com/igpm/css-planning/fx"
)

// =============================================================================
// ACTUAL DATA
// =============================================================================

// MergeActualData writes booked actuals into the compare column of the
// matching yearly rows. Years without an existing row get a new row holding
// only the compare values. Years present in the subproject but missing from
// rows keep their current compare values; clearing is always explicit via
// ClearActualData.
func MergeActualData(sp *Subproject, rows []ActualYear) {
	for _, actual := range rows {
		row := sp.FindRow(actual.Year)
		if row == nil {
			sp.Rows = append(sp.Rows, YearRow{Year: actual.Year})
			row = &sp.Rows[len(sp.Rows)-1]
		}
		row.CostCompare = actual.Cost
		row.OTPCompare = actual.OTP
		row.PAOCompare = actual.PAO
	}
}

// ClearActualData blanks the compare column on every row. Used when leaving
// a comparison version whose compare values no longer apply.
func ClearActualData(sp *Subproject) {
	for i := range sp.Rows {
		sp.Rows[i].CostCompare = decimal.NullDecimal{}
		sp.Rows[i].OTPCompare = decimal.NullDecimal{}
		sp.Rows[i].PAOCompare = decimal.NullDecimal{}
	}
}

// =============================================================================
// CURRENCY CONVERSION
// =============================================================================

// ConvertToRates returns a copy of the subproject with every yearly value
// rescaled from the subproject's currency to newCurrencyID using the
// year-matched rate tables. Invalid OTP/PAO cells are carried over as-is;
// cell ids and update markers are preserved either way.
func ConvertToRates(sp Subproject, rates []fx.CurrencyRate, newCurrencyID int64) Subproject {
	out := sp.Clone()
	oldTable := fx.FindRate(rates, sp.CSS.CurrencyID)
	newTable := fx.FindRate(rates, newCurrencyID)

	for i := range out.Rows {
		src := &sp.Rows[i]
		dst := &out.Rows[i]
		year := src.Year

		dst.CurrentCost = fx.ConvertForYear(src.CurrentCost, oldTable, newTable, year)
		dst.CostCompare = fx.ConvertForYear(src.CostCompare, oldTable, newTable, year)
		dst.OTPCompare = fx.ConvertForYear(src.OTPCompare, oldTable, newTable, year)
		dst.PAOCompare = fx.ConvertForYear(src.PAOCompare, oldTable, newTable, year)

		dst.CurrentOTP = convertCell(src.CurrentOTP, oldTable, newTable, year)
		dst.CurrentPAO = convertCell(src.CurrentPAO, oldTable, newTable, year)
	}
	return out
}

func convertCell(cell MetricCell, oldTable, newTable *fx.CurrencyRate, year int) MetricCell {
	v, ok := cell.Decimal()
	if !ok {
		// Invalid or absent: nothing to rescale.
		return cell
	}
	converted := fx.ConvertForYear(decimal.NewNullDecimal(v), oldTable, newTable, year)
	out := cell
	out.MetricValue = ValidMetric(converted.Decimal)
	return out
}

// =============================================================================
// IFRS RELEVANCE
// =============================================================================

// IsIFRSRelevant reports whether the subproject carries any material value:
// a positive contractual OTP/PAO, or a positive valid OTP/PAO in any year.
// Recomputed after every mutation; purely a derived display flag.
func IsIFRSRelevant(sp *Subproject) bool {
	if positive(sp.CSS.ContractualOTP) || positive(sp.CSS.ContractualPAO) {
		return true
	}
	for i := range sp.Rows {
		if v, ok := sp.Rows[i].CurrentOTP.Decimal(); ok && v.IsPositive() {
			return true
		}
		if v, ok := sp.Rows[i].CurrentPAO.Decimal(); ok && v.IsPositive() {
			return true
		}
	}
	return false
}

func positive(v decimal.NullDecimal) bool {
	return v.Valid && v.Decimal.IsPositive()
}

// =============================================================================
// MERGE INTO PROJECT
// =============================================================================

// MergeIntoProject reconciles an incoming subproject record into the project's
// matching child and returns the updated child.
//
// With overwrite, master data and rows are replaced wholesale. Without it,
// master data is copied field-by-field except that an empty incoming
// CSSSubprojectID or UpdDate never clobbers an assigned one (server-assigned
// identity is sticky), and rows are merged per year (find-or-create).
//
// The IFRS-relevance flag is recomputed and the concurrency token advanced
// when the incoming record carries a newer one.
func MergeIntoProject(p *Project, incoming Subproject, overwrite bool) (*Subproject, error) {
	found := p.FindSubproject(incoming.Key())
	if found == nil {
		return nil, ErrSubprojectNotFound
	}

	if overwrite {
		found.CSS = incoming.CSS
		found.Rows = append([]YearRow(nil), incoming.Rows...)
	} else {
		stickyID := found.CSS.CSSSubprojectID
		stickyUpd := found.CSS.UpdDate
		found.CSS = incoming.CSS
		if found.CSS.CSSSubprojectID == "" {
			found.CSS.CSSSubprojectID = stickyID
		}
		if found.CSS.UpdDate == "" {
			found.CSS.UpdDate = stickyUpd
		}

		for _, row := range incoming.Rows {
			mergeYearRow(found, row)
		}
	}

	found.MCR.IFRSRelevant = IsIFRSRelevant(found)

	if incoming.LatestUpdDate.After(found.LatestUpdDate) {
		found.LatestUpdDate = incoming.LatestUpdDate
	}
	if incoming.UpdUser != "" {
		found.UpdUser = incoming.UpdUser
	}
	if incoming.LastChangeDate != nil {
		found.LastChangeDate = cloneTime(incoming.LastChangeDate)
	}
	return found, nil
}

func mergeYearRow(sp *Subproject, incoming YearRow) {
	if row := sp.FindRow(incoming.Year); row != nil {
		*row = incoming
		return
	}
	sp.Rows = append(sp.Rows, incoming)
}
