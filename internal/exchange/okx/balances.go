package okx

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"okx-driver/internal/core"
)

// restBalanceData is the account-level balance record: per-asset details
// plus the aggregate margin telemetry used for the margin snapshot. Missing
// aggregate figures decode as empty strings and default to zero.
type restBalanceData struct {
	AdjEq       string              `json:"adjEq"`
	Imr         string              `json:"imr"`
	Mmr         string              `json:"mmr"`
	NotionalUsd string              `json:"notionalUsd"`
	UTime       string              `json:"uTime"`
	Details     []restBalanceDetail `json:"details"`
}

type restBalanceDetail struct {
	Ccy      string `json:"ccy"`
	CashBal  string `json:"cashBal"`
	AvailBal string `json:"availBal"`
	Upl      string `json:"upl"`
}

// decimalOrZero tolerates the venue's habit of sending "" for fields whose
// absence is semantically zero.
func decimalOrZero(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// checkedFloat converts a venue decimal to float64 for downstream risk
// computations. A value outside the representable range is a hard failure:
// a wrong margin figure is worse than no figure.
func checkedFloat(d decimal.Decimal) (float64, error) {
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %s not representable as float64", core.ErrNumericConversion, d)
	}
	return f, nil
}

// cappedRatio divides and clamps to 1.0. Over-100% ratios (including the
// infinities a zero denominator produces) are a data artifact, not a real
// state; callers never see values above 1.0.
func cappedRatio(num, den float64) float64 {
	r := num / den
	if math.IsNaN(r) || r > 1 {
		return 1
	}
	return r
}

// rawBalances normalizes the per-asset details: total is the cash balance,
// free the available balance, used the difference. The shape is identical
// whether the asset is a spending or a collateral balance.
func (d restBalanceData) rawBalances(now time.Time) []core.RawBalance {
	balances := make([]core.RawBalance, 0, len(d.Details))
	for _, detail := range d.Details {
		total := decimalOrZero(detail.CashBal)
		free := decimalOrZero(detail.AvailBal)
		balances = append(balances, core.RawBalance{
			Asset:     core.Asset(detail.Ccy),
			Free:      free,
			Used:      total.Sub(free),
			Total:     total,
			UpdatedAt: now,
		})
	}
	return balances
}

func (d restBalanceData) collateralBalances() []core.Collateral {
	balances := make([]core.Collateral, 0, len(d.Details))
	for _, detail := range d.Details {
		total := decimalOrZero(detail.CashBal)
		balances = append(balances, core.Collateral{
			Asset: core.Asset(detail.Ccy),
			Free:  total,
			Used:  decimal.Zero,
			Total: total,
		})
	}
	return balances
}

// marginState derives the margin snapshot from the aggregate telemetry.
// Every float conversion is checked; one unrepresentable value fails the
// whole snapshot rather than producing a silently wrong figure.
func (d restBalanceData) marginState() (core.MarginState, error) {
	collateral := decimalOrZero(d.AdjEq)
	initialMargin := decimalOrZero(d.Imr)

	totalCollateral, err := checkedFloat(collateral)
	if err != nil {
		return core.MarginState{}, err
	}
	exchangeInitialMargin, err := checkedFloat(initialMargin)
	if err != nil {
		return core.MarginState{}, err
	}
	// Can go negative when initial margin exceeds collateral; downstream
	// risk code needs the deficit magnitude, so no floor is applied here.
	availableCollateral, err := checkedFloat(collateral.Sub(initialMargin))
	if err != nil {
		return core.MarginState{}, err
	}
	upl := decimal.Zero
	for _, detail := range d.Details {
		upl = upl.Add(decimalOrZero(detail.Upl))
	}
	unrealizedPnL, err := checkedFloat(upl)
	if err != nil {
		return core.MarginState{}, err
	}
	maintenanceMargin, err := checkedFloat(decimalOrZero(d.Mmr))
	if err != nil {
		return core.MarginState{}, err
	}
	notional, err := checkedFloat(decimalOrZero(d.NotionalUsd))
	if err != nil {
		return core.MarginState{}, err
	}

	return core.MarginState{
		TotalCollateral:        totalCollateral,
		AvailableCollateral:    availableCollateral,
		UnrealizedPnL:          unrealizedPnL,
		MaintenanceMarginRatio: cappedRatio(maintenanceMargin, totalCollateral),
		ExchangeInitialMargin:  exchangeInitialMargin,
		MarginFraction:         cappedRatio(totalCollateral, notional),
		OpenMarginFraction:     cappedRatio(totalCollateral, exchangeInitialMargin),
	}, nil
}
