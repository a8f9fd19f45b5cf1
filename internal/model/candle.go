package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV bar for one instrument over one fixed interval.
// IntervalStart is always aligned to the interval boundary.
type Candle struct {
	InstrumentID  InstrumentID    `json:"instrument_id"`
	IntervalStart time.Time       `json:"interval_start"`
	Interval      time.Duration   `json:"interval"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	VolumeDelta   int64           `json:"volume_delta"`
	Ticks         int             `json:"ticks"` // number of ticks aggregated
}

// IntervalEnd returns the exclusive upper bound of the bar.
func (c *Candle) IntervalEnd() time.Time {
	return c.IntervalStart.Add(c.Interval)
}

// Floor truncates t down to a multiple of d counted from the Unix epoch, so
// bar boundaries line up across instruments regardless of first-tick time.
func Floor(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t
	}
	ns := t.UnixNano()
	rem := ns % int64(d)
	if rem < 0 {
		rem += int64(d)
	}
	return time.Unix(0, ns-rem).In(t.Location())
}
