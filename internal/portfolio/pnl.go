package portfolio

import (
	"github.com/shopspring/decimal"
)

// dayTracker follows the session's day PnL and its drawdown from the peak.
// peak and maxDrawdown only move up until reset.
type dayTracker struct {
	day             decimal.Decimal
	peak            decimal.Decimal
	currentDrawdown decimal.Decimal
	maxDrawdown     decimal.Decimal
}

// observe records a new day PnL value.
//
// While the peak has never been positive the drawdown is the magnitude of
// the day PnL, so a first positive day after a loss drops the drawdown from
// |loss| straight to zero.
func (d *dayTracker) observe(day decimal.Decimal) {
	d.day = day
	if day.GreaterThan(d.peak) {
		d.peak = day
		d.currentDrawdown = decimal.Zero
		return
	}
	if d.peak.IsPositive() {
		d.currentDrawdown = d.peak.Sub(day)
	} else {
		d.currentDrawdown = day.Abs()
	}
	if d.currentDrawdown.GreaterThan(d.maxDrawdown) {
		d.maxDrawdown = d.currentDrawdown
	}
}

func (d *dayTracker) reset() {
	*d = dayTracker{}
}
