package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a broker-reported open position.
type Position struct {
	InstrumentID  InstrumentID    `json:"instrument_id"`
	TradingSymbol string          `json:"trading_symbol"`
	Quantity      int64           `json:"quantity"` // positive = long, negative = short
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	ProductType   string          `json:"product_type"` // MIS, CNC, NRML
	Exchange      string          `json:"exchange"`
	LastUpdate    time.Time       `json:"last_update"`
}

// MarkToMarket returns the unrealized PnL of the position at price.
func (p *Position) MarkToMarket(price decimal.Decimal) decimal.Decimal {
	switch {
	case p.Quantity > 0:
		return price.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.Quantity))
	case p.Quantity < 0:
		return p.AveragePrice.Sub(price).Mul(decimal.NewFromInt(-p.Quantity))
	default:
		return decimal.Zero
	}
}

// PortfolioPnL is the process-wide PnL aggregate.
type PortfolioPnL struct {
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	DayPnL          decimal.Decimal `json:"day_pnl"`
	PeakDayPnL      decimal.Decimal `json:"peak_day_pnl"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	Positions       int             `json:"positions"`
	At              time.Time       `json:"at"`
}
