package model

import (
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentID is the feed's numeric instrument token.
type InstrumentID uint32

func (id InstrumentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ErrMalformedTick is returned by Tick.Validate for records that must not
// reach the aggregator or the position store.
var ErrMalformedTick = errors.New("malformed tick")

// Tick is a single price update for one instrument.
// ReceivedAt is stamped by the receiver; the feed's own clock is not trusted
// for bucketing and is kept in ExchangeTime for reference only.
type Tick struct {
	InstrumentID InstrumentID    `json:"instrument_id"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       int64           `json:"volume"` // cumulative for the trading session
	BuyQuantity  int64           `json:"buy_quantity"`
	SellQuantity int64           `json:"sell_quantity"`
	ReceivedAt   time.Time       `json:"received_at"`
	ExchangeTime time.Time       `json:"exchange_time,omitempty"`
}

// Validate reports whether the tick carries the fields the pipeline needs.
func (t *Tick) Validate() error {
	if t.InstrumentID == 0 {
		return errors.Join(ErrMalformedTick, errors.New("missing instrument id"))
	}
	if t.LastPrice.IsNegative() {
		return errors.Join(ErrMalformedTick, errors.New("negative last price"))
	}
	if t.ReceivedAt.IsZero() {
		return errors.Join(ErrMalformedTick, errors.New("missing receive time"))
	}
	return nil
}
