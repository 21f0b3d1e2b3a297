/*
allocate.go - Contractual-value distribution

PURPOSE:
  A contractual OTP/PAO total entered at project level is a one-shot
  distribution command: it is split across the subprojects proportionally to
  each subproject's share of the project's current OTP/PAO sum, then the
  project-level field is cleared and the displayed total recomputed bottom-up.

EXACTNESS:
  Every subproject except the last gets an independently rounded share; the
  last subproject gets whatever remains of the project total, so the shares
  sum exactly to the input regardless of rounding drift. The allocator walks
  the version list in ascending subproject-id order (the order the model
  maintains everywhere), which makes the remainder row deterministic: the
  highest-id subproject absorbs it.

ELIGIBILITY:
  Writability is re-checked per subproject on every pass. Ineligible
  subprojects keep their stored contractual values untouched but still take
  part in the running-sum bookkeeping, so the remainder stays correct.
*/
package planning

import (
	"github.com/shopspring/decimal"

	"github.com/igpm/css-planning/fx"
)

// =============================================================================
// ELIGIBILITY
// =============================================================================

// CanOverwriteSubproject reports whether project-level master values may be
// pushed down into this subproject: its version window must be writable and
// an upcoming QG4 milestone must exist.
func CanOverwriteSubproject(sp *Subproject) bool {
	return IsWritable(sp.CSS.IFRSVersionID) && sp.MCR.NextQG4 != nil
}

// CanOverwriteContractual additionally requires a contract-signing date and
// a nonzero per-subproject metric sum - without a weight basis of its own
// the subproject cannot receive a proportional share.
func CanOverwriteContractual(sp *Subproject, m Metric) bool {
	if !CanOverwriteSubproject(sp) || sp.CSS.ContractSigning == nil {
		return false
	}
	return !SubprojectTotal(sp, m).IsZero()
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

// AllocateContractual distributes the project's pending contractual OTP
// and/or PAO across the subproject snapshots of the selected comparison
// version. Snapshots are updated in place in the version records and merged
// back into the project; afterwards the project-level one-shot fields are
// reset and the displayed totals recomputed from the subprojects.
//
// With no subprojects this is a no-op. A single subproject receives the full
// converted total via the remainder branch.
func AllocateContractual(p *Project, versions []*SubprojectVersion, rates []fx.ForecastRate) {
	if len(versions) == 0 {
		return
	}

	otpSum := decimal.Zero
	paoSum := decimal.Zero

	for i, ver := range versions {
		sp, ok := ver.Snapshot(p.SelectedVersion)
		if !ok {
			continue
		}

		if i == len(versions)-1 {
			if p.ContractualOTP.Valid {
				allocateRemainder(p, &sp, MetricOTP, p.ContractualOTP.Decimal, otpSum, rates)
			}
			if p.ContractualPAO.Valid {
				allocateRemainder(p, &sp, MetricPAO, p.ContractualPAO.Decimal, paoSum, rates)
			}
		} else {
			if p.ContractualOTP.Valid {
				otpSum = otpSum.Add(allocateShare(p, &sp, MetricOTP, p.ContractualOTP.Decimal, rates))
			}
			if p.ContractualPAO.Valid {
				paoSum = paoSum.Add(allocateShare(p, &sp, MetricPAO, p.ContractualPAO.Decimal, rates))
			}
		}

		ver.Replace(p.SelectedVersion, sp)
		_, _ = MergeIntoProject(p, sp, false)
	}

	ResetProjectMasterValues(p)
	TotalContractual(p, rates)
}

// allocateShare computes and writes one proportional share, returning the
// allocated amount converted back to the project currency for the running
// sum. An ineligible subproject contributes its would-be share to the sum
// without being written.
func allocateShare(p *Project, sp *Subproject, m Metric, value decimal.Decimal, rates []fx.ForecastRate) decimal.Decimal {
	spSum := SubprojectTotal(sp, m)
	prjSum := ProjectTotal(p, m)

	if p.SelectedCurrencyID != sp.CSS.CurrencyID {
		prjSum = fx.ConvertForecast(decimal.NewNullDecimal(prjSum), rates, p.SelectedCurrencyID, sp.CSS.CurrencyID).Decimal
		value = fx.ConvertForecast(decimal.NewNullDecimal(value), rates, p.SelectedCurrencyID, sp.CSS.CurrencyID).Decimal
	}

	allocated := decimal.NullDecimal{}
	if !prjSum.IsZero() {
		allocated = decimal.NewNullDecimal(value.Div(prjSum).Mul(spSum).Round(0))
	}

	if CanOverwriteContractual(sp, m) {
		setContractual(sp, m, allocated)
	}

	back := decimal.Zero
	if allocated.Valid {
		back = allocated.Decimal
	}
	return fx.ConvertForecast(decimal.NewNullDecimal(back), rates, sp.CSS.CurrencyID, p.SelectedCurrencyID).Decimal
}

// allocateRemainder gives the last subproject everything the prior shares
// left of the project total, converted into its currency.
func allocateRemainder(p *Project, sp *Subproject, m Metric, value, allocatedSum decimal.Decimal, rates []fx.ForecastRate) {
	remaining := value.Sub(allocatedSum)
	allocated := fx.ConvertForecast(decimal.NewNullDecimal(remaining), rates, p.SelectedCurrencyID, sp.CSS.CurrencyID)
	if CanOverwriteContractual(sp, m) {
		setContractual(sp, m, allocated)
	}
}

func setContractual(sp *Subproject, m Metric, v decimal.NullDecimal) {
	if m == MetricOTP {
		sp.CSS.ContractualOTP = v
	} else {
		sp.CSS.ContractualPAO = v
	}
}

// =============================================================================
// MASTER-VALUE PUSH-DOWN
// =============================================================================

// OverwriteMasterValues pushes the project-level PAO window, rates, and
// contract-signing date down into every eligible subproject, then clears the
// project-level fields. Like the contractual distribution, this is a
// one-shot command, not persistent project state.
func OverwriteMasterValues(p *Project, versions []*SubprojectVersion) {
	for _, ver := range versions {
		sp, ok := ver.Snapshot(p.SelectedVersion)
		if !ok {
			continue
		}
		if CanOverwriteSubproject(&sp) {
			if p.StartPAO != nil {
				sp.CSS.StartPAO = cloneTime(p.StartPAO)
			}
			if p.EndPAO != nil {
				sp.CSS.EndPAO = cloneTime(p.EndPAO)
			}
			if p.OTPRate.Valid && p.OTPRate.Decimal.IsPositive() {
				sp.CSS.OTPRate = p.OTPRate
			}
			if p.PAORate.Valid && p.PAORate.Decimal.IsPositive() {
				sp.CSS.PAORate = p.PAORate
			}
			if p.ContractSigning != nil {
				sp.CSS.ContractSigning = cloneTime(p.ContractSigning)
			}
		}
		ver.Replace(p.SelectedVersion, sp)
		_, _ = MergeIntoProject(p, sp, false)
	}

	ResetProjectMasterValues(p)
}

// ResetProjectMasterValues clears every one-shot push-down field after its
// value has been consumed into the subprojects.
func ResetProjectMasterValues(p *Project) {
	p.StartPAO = nil
	p.EndPAO = nil
	p.OTPRate = decimal.NullDecimal{}
	p.PAORate = decimal.NullDecimal{}
	p.ContractSigning = nil
	p.ContractualOTP = decimal.NullDecimal{}
	p.ContractualPAO = decimal.NullDecimal{}
}
