package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderUpdate is an order postback pushed on the tick feed's text channel.
type OrderUpdate struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`           // OPEN, COMPLETE, REJECTED, CANCELLED
	TransactionType string          `json:"transaction_type"` // BUY, SELL
	TradingSymbol   string          `json:"tradingsymbol"`
	InstrumentID    InstrumentID    `json:"instrument_token"`
	Price           decimal.Decimal `json:"price"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	At              time.Time       `json:"-"`
}
