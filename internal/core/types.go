package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Asset string

type InstrumentKind string

type Side string

type OrderType string

type OrderState string

type Liquidity string

const (
	Spot            InstrumentKind = "SPOT"
	FuturePerpetual InstrumentKind = "FUTURE_PERPETUAL"
)

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit             OrderType = "LIMIT"
	Market            OrderType = "MARKET"
	PostOnly          OrderType = "POST_ONLY"
	ImmediateOrCancel OrderType = "IOC"
)

const (
	OrderLive            OrderState = "LIVE"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
)

const (
	Maker            Liquidity = "MAKER"
	Taker            Liquidity = "TAKER"
	UnknownLiquidity Liquidity = "UNKNOWN"
)

// IsTerminal reports whether no further state transitions are accepted.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled
}

// Pair identifies an internal trading pair. Kind distinguishes a spot pair
// from a perpetual on the same two assets.
type Pair struct {
	Base  Asset
	Quote Asset
	Kind  InstrumentKind
}

func (p Pair) Symbol() string {
	s := string(p.Base) + "-" + string(p.Quote)
	if p.Kind == FuturePerpetual {
		s += "-PERP"
	}
	return s
}

// OrderRequest is a venue-agnostic order placement request. Amount is always
// denominated in the base asset; the driver converts to contract sizing.
type OrderRequest struct {
	Pair     Pair
	Side     Side
	Type     OrderType
	Price    decimal.Decimal
	Amount   decimal.Decimal
	ClientID string
}

// Order is the driver's normalized view of an exchange order.
type Order struct {
	ID        string
	ClientID  string
	Pair      Pair
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	State     OrderState
	CreatedAt time.Time
}

// OrderUpdate is one lifecycle event from the order subscription channel.
type OrderUpdate struct {
	Order        Order
	FilledPrice  decimal.Decimal
	FilledAmount decimal.Decimal
	Fee          decimal.Decimal
	FeeCurrency  string
	Liquidity    Liquidity
	TradeID      string
	UpdatedAt    time.Time
}

type Trade struct {
	TradeID      string
	OrderID      string
	Pair         Pair
	Side         Side
	Price        decimal.Decimal
	FilledAmount decimal.Decimal
	FeeAmount    decimal.Decimal
	FeeCurrency  string
	Liquidity    Liquidity
	CreatedAt    time.Time
}

// RawBalance is one asset's normalized balance; Used is always Total - Free,
// whether the asset is a spending or a collateral balance.
type RawBalance struct {
	Asset     Asset
	Free      decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
	UpdatedAt time.Time
}

// Collateral mirrors RawBalance for portfolio-margin collateral reads.
type Collateral struct {
	Asset Asset
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// FundingTransaction is a funding-fee ledger entry extracted from the
// account bill history.
type FundingTransaction struct {
	Symbol      string
	TradeID     string
	OrderID     string
	Side        Side
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Liquidity   Liquidity
	OccurredAt  time.Time
	RecordedAt  time.Time
}

// MarginState is a derived margin snapshot for the derivatives account mode.
// It is computed fresh from each telemetry update and never mutated in place.
// The three ratio fields are capped at 1.0: over-100% ratios are a data
// artifact, not a real state.
type MarginState struct {
	TotalCollateral        float64
	AvailableCollateral    float64
	UnrealizedPnL          float64
	MaintenanceMarginRatio float64
	ExchangeInitialMargin  float64
	MarginFraction         float64
	OpenMarginFraction     float64
}
