/*
Package fx converts monetary planning values between currencies.

PURPOSE:
  Planning values are entered and stored in each subproject's own currency,
  but the project view and the contractual-value distribution work in the
  project's selected currency. This package holds the rate tables and the
  two conversion entry points everything else uses:

  - Convert:         year-specific historical rates (value tables)
  - ConvertForecast: current forecast rates (contractual/allocation values)

FAIL-OPEN CONTRACT:
  Conversion never aborts a larger operation. A missing or zero rate leaves
  the value unchanged, and an absent value stays absent. Callers that need
  to know a rate was missing must check the rate table themselves before
  converting; the conversion itself is total.

PRECISION:
  All values are decimal.Decimal. Rounding is the caller's concern - rates
  are applied at full precision and rounded only where the domain rules say
  so (see the allocation engine).

SEE ALSO:
  - planning/merge.go:    per-row value-table conversion
  - planning/allocate.go: contractual distribution using forecast rates
*/
package fx

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE TABLES
// =============================================================================

// YearlyRate is one historical exchange rate for one calendar year.
type YearlyRate struct {
	Year int
	Rate decimal.Decimal
}

// CurrencyRate is the year-indexed rate table of one currency.
// Immutable once fetched.
type CurrencyRate struct {
	CurrencyID   int64
	RatePerYears []YearlyRate
}

// RateForYear returns the rate for the given year, absent if the table has
// no entry for it.
func (c *CurrencyRate) RateForYear(year int) decimal.NullDecimal {
	if c == nil {
		return decimal.NullDecimal{}
	}
	for _, r := range c.RatePerYears {
		if r.Year == year {
			return decimal.NewNullDecimal(r.Rate)
		}
	}
	return decimal.NullDecimal{}
}

// FindRate returns the rate table for a currency, or nil if the currency is
// not present.
func FindRate(rates []CurrencyRate, currencyID int64) *CurrencyRate {
	for i := range rates {
		if rates[i].CurrencyID == currencyID {
			return &rates[i]
		}
	}
	return nil
}

// ForecastRate is the current forward-looking rate of one currency, used for
// contractual values. Distinct from the historical yearly rates.
type ForecastRate struct {
	CurrencyID int64
	Rate       decimal.Decimal
}

func findForecast(rates []ForecastRate, currencyID int64) (decimal.Decimal, bool) {
	for _, r := range rates {
		if r.CurrencyID == currencyID {
			return r.Rate, true
		}
	}
	return decimal.Decimal{}, false
}

// =============================================================================
// CONVERSION
// =============================================================================

// Convert rescales value from one currency to another: value * (to / from).
//
// Fail-open: when either rate is absent or zero the value is returned
// unchanged, and an absent value stays absent. Never panics.
func Convert(value, from, to decimal.NullDecimal) decimal.NullDecimal {
	if !value.Valid {
		return value
	}
	if !from.Valid || from.Decimal.IsZero() || !to.Valid || to.Decimal.IsZero() {
		return value
	}
	return decimal.NewNullDecimal(value.Decimal.Mul(to.Decimal).Div(from.Decimal))
}

// ConvertForecast rescales value between two currencies using the current
// forecast rates. A currency with no forecast rate keeps its nominal value:
// the operation degrades per-currency instead of aborting.
func ConvertForecast(value decimal.NullDecimal, rates []ForecastRate, fromCurrencyID, toCurrencyID int64) decimal.NullDecimal {
	if !value.Valid || fromCurrencyID == toCurrencyID {
		return value
	}
	from, okFrom := findForecast(rates, fromCurrencyID)
	to, okTo := findForecast(rates, toCurrencyID)
	if !okFrom || !okTo {
		return value
	}
	return Convert(value, decimal.NewNullDecimal(from), decimal.NewNullDecimal(to))
}

// ConvertForYear rescales value using the year entries of two rate tables.
// Either table may be nil; the fail-open rules of Convert apply.
func ConvertForYear(value decimal.NullDecimal, from, to *CurrencyRate, year int) decimal.NullDecimal {
	return Convert(value, from.RateForYear(year), to.RateForYear(year))
}
