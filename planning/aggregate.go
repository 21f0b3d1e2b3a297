/*
aggregate.go - Project value table aggregation

PURPOSE:
  Builds the project-level yearly table from the subproject rows and derives
  the display metrics (OTP+PAO sum, CSS ratio) per year.

DUAL-PATH RULE:
  Current values are always summed from the subprojects. Compare values
  depend on the comparison version: plan versions (YAP etc.) are summed from
  the subproject compare columns, but actuals arrive pre-aggregated at
  project level and are applied by ApplyActualTotals in a separate pass.
  Summing actuals per subproject as well would double-count them.
*/
package planning

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/igpm/css-planning/fx"
)

// Metric selects which contractual/table metric an operation targets.
type Metric int

const (
	MetricOTP Metric = iota
	MetricPAO
)

// =============================================================================
// TABLE BUILD
// =============================================================================

// BuildDataTable recomputes the project value table from the given
// subprojects. The table is replaced wholesale; output rows are sorted
// ascending by year and carry the derived metrics.
func BuildDataTable(p *Project, subprojects []Subproject) {
	byYear := make(map[int]*ProjectValue)

	for i := range subprojects {
		sp := &subprojects[i]
		for j := range sp.Rows {
			row := &sp.Rows[j]
			v, ok := byYear[row.Year]
			if !ok {
				v = &ProjectValue{Year: row.Year}
				byYear[row.Year] = v
			}

			addNullable(&v.CurrentCost, row.CurrentCost)

			// Actual compare values for the Actual version come from the
			// pre-aggregated project summary, not from subproject rows.
			if p.SelectedVersion != VersionActual {
				addNullable(&v.ActualCost, row.CostCompare)
				addNullable(&v.ActualOTP, row.OTPCompare)
				addNullable(&v.ActualPAO, row.PAOCompare)
			}

			accumulateCell(&v.CurrentOTP, &v.CurrentOTPInvalid, row.CurrentOTP)
			accumulateCell(&v.CurrentPAO, &v.CurrentPAOInvalid, row.CurrentPAO)
		}
	}

	table := make([]ProjectValue, 0, len(byYear))
	for _, v := range byYear {
		DeriveCSS(v)
		table = append(table, *v)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Year < table[j].Year })
	p.DataTable = table
}

func addNullable(dst *decimal.NullDecimal, src decimal.NullDecimal) {
	if !src.Valid {
		return
	}
	if !dst.Valid {
		*dst = decimal.NewNullDecimal(src.Decimal)
		return
	}
	dst.Decimal = dst.Decimal.Add(src.Decimal)
}

func accumulateCell(dst *decimal.NullDecimal, invalid *bool, cell MetricCell) {
	if v, ok := cell.Decimal(); ok {
		addNullable(dst, decimal.NewNullDecimal(v))
	} else if cell.IsInvalid() {
		*invalid = true
	}
}

// ApplyActualTotals writes the pre-aggregated actual totals into the table,
// find-or-create per year, overwriting rather than summing. Used only for
// the Actual comparison version.
func ApplyActualTotals(p *Project, totals []ActualYear) {
	for _, total := range totals {
		var row *ProjectValue
		for i := range p.DataTable {
			if p.DataTable[i].Year == total.Year {
				row = &p.DataTable[i]
				break
			}
		}
		if row == nil {
			p.DataTable = append(p.DataTable, ProjectValue{Year: total.Year})
			row = &p.DataTable[len(p.DataTable)-1]
		}
		row.ActualCost = total.Cost
		row.ActualOTP = total.OTP
		row.ActualPAO = total.PAO
		DeriveCSS(row)
	}
	sort.Slice(p.DataTable, func(i, j int) bool { return p.DataTable[i].Year < p.DataTable[j].Year })
}

// =============================================================================
// DERIVED METRICS
// =============================================================================

// DeriveCSS computes the per-year OTP+PAO sums and CSS ratios on a row.
//
// Current side: each metric contributes its rounded value, or 0 when absent
// or invalid; the sum is absent when neither metric has a value. The ratio
// divides by the ROUNDED cost and is absent when the raw or the rounded cost
// is zero - the subproject tables display rounded costs, so the ratio must
// divide by what is displayed, and a cost that rounds to zero must not
// produce an artifact ratio.
//
// Actual side: same shape without the invalid gating; actuals are always
// numeric.
func DeriveCSS(v *ProjectValue) {
	v.CurrentOTPPAO = roundedPairSum(v.CurrentOTP, v.CurrentPAO)
	v.CurrentCSS = cssRatio(v.CurrentOTPPAO, v.CurrentCost)

	v.ActualOTPPAO = roundedPairSum(v.ActualOTP, v.ActualPAO)
	v.ActualCSS = cssRatio(v.ActualOTPPAO, v.ActualCost)
}

func roundedPairSum(a, b decimal.NullDecimal) decimal.NullDecimal {
	if !a.Valid && !b.Valid {
		return decimal.NullDecimal{}
	}
	sum := decimal.Zero
	if a.Valid {
		sum = sum.Add(a.Decimal.Round(0))
	}
	if b.Valid {
		sum = sum.Add(b.Decimal.Round(0))
	}
	return decimal.NewNullDecimal(sum)
}

func cssRatio(otppao, cost decimal.NullDecimal) decimal.NullDecimal {
	if !otppao.Valid || otppao.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	if !cost.Valid || cost.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	rounded := cost.Decimal.Round(0)
	if rounded.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(otppao.Decimal.Div(rounded))
}

// =============================================================================
// TOTALS AND SCANS
// =============================================================================

// SubprojectTotal sums the rounded per-year values of one metric across a
// subproject's rows. Invalid and absent cells contribute 0. This is the
// weight basis for the contractual allocation.
func SubprojectTotal(sp *Subproject, m Metric) decimal.Decimal {
	sum := decimal.Zero
	for i := range sp.Rows {
		cell := sp.Rows[i].CurrentOTP
		if m == MetricPAO {
			cell = sp.Rows[i].CurrentPAO
		}
		if v, ok := cell.Decimal(); ok {
			sum = sum.Add(v.Round(0))
		}
	}
	return sum
}

// ProjectTotal sums the rounded per-year values of one metric across the
// project value table.
func ProjectTotal(p *Project, m Metric) decimal.Decimal {
	sum := decimal.Zero
	for i := range p.DataTable {
		v := p.DataTable[i].CurrentOTP
		if m == MetricPAO {
			v = p.DataTable[i].CurrentPAO
		}
		if v.Valid {
			sum = sum.Add(v.Decimal.Round(0))
		}
	}
	return sum
}

// ShouldConvertCurrency reports whether any subproject plans in a currency
// other than the target. When false the table can be rebuilt without a rate
// fetch or conversion pass.
func ShouldConvertCurrency(p *Project, targetCurrencyID int64) bool {
	for i := range p.Subprojects {
		cur := p.Subprojects[i].CSS.CurrencyID
		if cur != 0 && cur != targetCurrencyID {
			return true
		}
	}
	return false
}

// YearList returns the distinct years planned across all subprojects,
// used to scope exchange-rate fetches.
func YearList(p *Project) []int {
	seen := make(map[int]bool)
	var years []int
	for i := range p.Subprojects {
		for _, row := range p.Subprojects[i].Rows {
			if row.Year != 0 && !seen[row.Year] {
				seen[row.Year] = true
				years = append(years, row.Year)
			}
		}
	}
	sort.Ints(years)
	return years
}

// CurrencyList returns the project currency plus every distinct subproject
// currency.
func CurrencyList(p *Project) []int64 {
	out := []int64{p.SelectedCurrencyID}
	seen := map[int64]bool{p.SelectedCurrencyID: true}
	for i := range p.Subprojects {
		cur := p.Subprojects[i].CSS.CurrencyID
		if cur != 0 && !seen[cur] {
			seen[cur] = true
			out = append(out, cur)
		}
	}
	return out
}

// =============================================================================
// CONTRACTUAL TOTALS
// =============================================================================

// TotalContractual recomputes the project's displayed contractual totals by
// summing the subproject contractual values, converting each into the
// project currency via the forecast rates. Totals are absent when no
// subproject carries a value.
func TotalContractual(p *Project, rates []fx.ForecastRate) {
	p.TotalContractualOTP = sumContractual(p, rates, MetricOTP)
	p.TotalContractualPAO = sumContractual(p, rates, MetricPAO)
}

func sumContractual(p *Project, rates []fx.ForecastRate, m Metric) decimal.NullDecimal {
	total := decimal.NullDecimal{}
	for i := range p.Subprojects {
		sp := &p.Subprojects[i]
		v := sp.CSS.ContractualOTP
		if m == MetricPAO {
			v = sp.CSS.ContractualPAO
		}
		if !v.Valid {
			continue
		}
		if sp.CSS.CurrencyID != p.SelectedCurrencyID {
			v = fx.ConvertForecast(v, rates, sp.CSS.CurrencyID, p.SelectedCurrencyID)
		}
		addNullable(&total, v)
	}
	return total
}
