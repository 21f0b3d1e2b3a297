/*
scheduler.go - Cron-driven forecast rate refresh

PURPOSE:
  Forecast rates change when the central rate desk publishes a new set.
  The scheduler re-reads them on a cron schedule and keeps the latest set
  available; GET /api/rates serves the cached set so clients never hit
  the rate source directly.

DESIGN:
  - robfig/cron with a configurable spec (default: hourly)
  - Refreshes once on Start, then on schedule
  - The latest successful set is kept; a failed refresh keeps the
    previous set and logs the error

USAGE:
  scheduler := NewRateScheduler(currencyService, "@hourly", logger)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - services/contracts.go: CurrencyService
  - handlers.go: ListForecastRates serves the cached set
  - cmd/server/main.go: Scheduler startup
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/services"
)

// RateScheduler periodically refreshes the forecast rate set.
type RateScheduler struct {
	currencies services.CurrencyService
	spec       string
	log        *zap.Logger

	cron *cron.Cron

	mu        sync.RWMutex
	latest    []fx.ForecastRate
	refreshed time.Time
}

// NewRateScheduler creates a scheduler with the given cron spec.
func NewRateScheduler(currencies services.CurrencyService, spec string, log *zap.Logger) *RateScheduler {
	if spec == "" {
		spec = "@hourly"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateScheduler{
		currencies: currencies,
		spec:       spec,
		log:        log,
		cron:       cron.New(),
	}
}

// Start refreshes once and begins the cron schedule.
func (rs *RateScheduler) Start() error {
	rs.refresh()
	if _, err := rs.cron.AddFunc(rs.spec, rs.refresh); err != nil {
		return err
	}
	rs.cron.Start()
	rs.log.Info("rate scheduler started", zap.String("spec", rs.spec))
	return nil
}

// Stop halts the schedule. A refresh in flight finishes.
func (rs *RateScheduler) Stop() {
	ctx := rs.cron.Stop()
	<-ctx.Done()
	rs.log.Info("rate scheduler stopped")
}

// Latest returns the most recently fetched forecast rates and when they
// were fetched.
func (rs *RateScheduler) Latest() ([]fx.ForecastRate, time.Time) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.latest, rs.refreshed
}

func (rs *RateScheduler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rates, err := rs.currencies.ForecastRates(ctx, nil)
	if err != nil {
		rs.log.Warn("forecast rate refresh failed", zap.Error(err))
		return
	}

	rs.mu.Lock()
	rs.latest = rates
	rs.refreshed = time.Now()
	rs.mu.Unlock()

	rs.log.Debug("forecast rates refreshed", zap.Int("count", len(rates)))
}
