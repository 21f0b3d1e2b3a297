package planning_test

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
)

// =============================================================================
// SHARED TEST BUILDERS
// =============================================================================

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func num(v float64) decimal.NullDecimal { return decimal.NewNullDecimal(dec(v)) }

func none() decimal.NullDecimal { return decimal.NullDecimal{} }

func cell(v float64) planning.MetricCell {
	return planning.MetricCell{MetricValue: planning.ValidMetric(dec(v))}
}

func badCell(raw string) planning.MetricCell {
	return planning.MetricCell{MetricValue: planning.InvalidMetric(raw)}
}

func milestone() *planning.Milestone {
	return &planning.Milestone{Name: "QG4", Date: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func signingDate() *time.Time {
	t := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &t
}

// writableSubproject builds a subproject inside the write window, with an
// upcoming milestone and a signed contract, planning in the given currency.
func writableSubproject(key string, currencyID int64, rows ...planning.YearRow) planning.Subproject {
	return planning.Subproject{
		MCR: planning.MCRMasterData{
			MCRProjectID:    900,
			MCRSubprojectID: key,
			NextQG4:         milestone(),
		},
		CSS: planning.CSSMasterData{
			CurrencyID:      currencyID,
			IFRSVersionID:   2,
			ContractSigning: signingDate(),
		},
		Rows: rows,
	}
}

func row(year int, cost, otp, pao float64) planning.YearRow {
	return planning.YearRow{
		Year:        year,
		CurrentCost: num(cost),
		CurrentOTP:  cell(otp),
		CurrentPAO:  cell(pao),
	}
}

// projectWith wraps subprojects in a project with a freshly built table.
func projectWith(currencyID int64, subprojects ...planning.Subproject) *planning.Project {
	p := &planning.Project{
		PrjID:              900,
		DisplayID:          "P-900",
		IFRSVersionID:      2,
		SelectedVersion:    planning.VersionYAP,
		OriginalVersion:    planning.VersionYAP,
		SelectedCurrencyID: currencyID,
		Subprojects:        subprojects,
	}
	planning.BuildDataTable(p, p.Subprojects)
	return p
}

// versionsFor wraps each subproject in a version record for the project's
// selected comparison version, in list order.
func versionsFor(p *planning.Project) []*planning.SubprojectVersion {
	out := make([]*planning.SubprojectVersion, 0, len(p.Subprojects))
	for i := range p.Subprojects {
		v := planning.NewSubprojectVersion(p.Subprojects[i].Key())
		v.Put(p.SelectedVersion, p.Subprojects[i])
		out = append(out, v)
	}
	return out
}

func eurUsdForecast() []fx.ForecastRate {
	return []fx.ForecastRate{
		{CurrencyID: 1, Rate: dec(1)},
		{CurrencyID: 2, Rate: dec(1.25)},
	}
}
