package okx

import (
	"errors"
	"math"
	"testing"
	"time"

	"okx-driver/internal/core"
)

func TestRawBalancesNormalization(t *testing.T) {
	data := restBalanceData{Details: []restBalanceDetail{
		{Ccy: "USDT", CashBal: "100", AvailBal: "70"},
		{Ccy: "BTC", CashBal: "", AvailBal: ""},
	}}
	now := time.Now()
	balances := data.rawBalances(now)
	if len(balances) != 2 {
		t.Fatalf("balances = %d, want 2", len(balances))
	}
	usdt := balances[0]
	if usdt.Asset != "USDT" || !usdt.Total.Equal(d("100")) || !usdt.Free.Equal(d("70")) || !usdt.Used.Equal(d("30")) {
		t.Fatalf("usdt balance = %+v", usdt)
	}
	if !usdt.UpdatedAt.Equal(now) {
		t.Fatalf("UpdatedAt = %v, want %v", usdt.UpdatedAt, now)
	}
	btc := balances[1]
	if !btc.Total.IsZero() || !btc.Free.IsZero() || !btc.Used.IsZero() {
		t.Fatalf("empty-string fields not zero: %+v", btc)
	}
}

func TestCollateralBalances(t *testing.T) {
	data := restBalanceData{Details: []restBalanceDetail{
		{Ccy: "USDT", CashBal: "100", AvailBal: "70"},
	}}
	collateral := data.collateralBalances()
	if len(collateral) != 1 {
		t.Fatalf("collateral = %d, want 1", len(collateral))
	}
	c := collateral[0]
	if !c.Total.Equal(d("100")) || !c.Free.Equal(d("100")) || !c.Used.IsZero() {
		t.Fatalf("collateral = %+v", c)
	}
}

func TestMarginState(t *testing.T) {
	data := restBalanceData{
		AdjEq:       "1000",
		Imr:         "200",
		Mmr:         "50",
		NotionalUsd: "4000",
		Details: []restBalanceDetail{
			{Ccy: "USDT", Upl: "5"},
			{Ccy: "BTC", Upl: "-2"},
		},
	}
	state, err := data.marginState()
	if err != nil {
		t.Fatalf("marginState() error = %v", err)
	}
	if state.TotalCollateral != 1000 {
		t.Fatalf("TotalCollateral = %v", state.TotalCollateral)
	}
	if state.AvailableCollateral != 800 {
		t.Fatalf("AvailableCollateral = %v", state.AvailableCollateral)
	}
	if state.UnrealizedPnL != 3 {
		t.Fatalf("UnrealizedPnL = %v", state.UnrealizedPnL)
	}
	if state.ExchangeInitialMargin != 200 {
		t.Fatalf("ExchangeInitialMargin = %v", state.ExchangeInitialMargin)
	}
	if state.MaintenanceMarginRatio != 0.05 {
		t.Fatalf("MaintenanceMarginRatio = %v", state.MaintenanceMarginRatio)
	}
	if state.MarginFraction != 0.25 {
		t.Fatalf("MarginFraction = %v", state.MarginFraction)
	}
	// collateral / initial margin exceeds 1 and is capped.
	if state.OpenMarginFraction != 1 {
		t.Fatalf("OpenMarginFraction = %v, want 1", state.OpenMarginFraction)
	}
}

func TestMarginStateAvailableGoesNegativeWhenOverMargined(t *testing.T) {
	data := restBalanceData{AdjEq: "100", Imr: "105"}
	state, err := data.marginState()
	if err != nil {
		t.Fatalf("marginState() error = %v", err)
	}
	if state.AvailableCollateral != -5 {
		t.Fatalf("AvailableCollateral = %v, want -5", state.AvailableCollateral)
	}
}

func TestMarginStateRatiosNeverExceedOne(t *testing.T) {
	tests := []struct {
		name string
		data restBalanceData
	}{
		{"zero collateral", restBalanceData{AdjEq: "0", Mmr: "50", NotionalUsd: "0", Imr: "0"}},
		{"maintenance above collateral", restBalanceData{AdjEq: "10", Mmr: "50", NotionalUsd: "5", Imr: "2"}},
		{"everything zero", restBalanceData{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := tt.data.marginState()
			if err != nil {
				t.Fatalf("marginState() error = %v", err)
			}
			for name, ratio := range map[string]float64{
				"MaintenanceMarginRatio": state.MaintenanceMarginRatio,
				"MarginFraction":         state.MarginFraction,
				"OpenMarginFraction":     state.OpenMarginFraction,
			} {
				if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio > 1 {
					t.Fatalf("%s = %v, want finite and <= 1", name, ratio)
				}
			}
		})
	}
}

func TestMarginStateUnrepresentableValueFailsSnapshot(t *testing.T) {
	data := restBalanceData{AdjEq: "1e400", Imr: "0"}
	if _, err := data.marginState(); !errors.Is(err, core.ErrNumericConversion) {
		t.Fatalf("marginState() = %v, want ErrNumericConversion", err)
	}
}

func TestCappedRatio(t *testing.T) {
	if got := cappedRatio(1, 4); got != 0.25 {
		t.Fatalf("cappedRatio(1,4) = %v", got)
	}
	if got := cappedRatio(5, 4); got != 1 {
		t.Fatalf("cappedRatio(5,4) = %v, want 1", got)
	}
	if got := cappedRatio(1, 0); got != 1 {
		t.Fatalf("cappedRatio(1,0) = %v, want 1", got)
	}
	if got := cappedRatio(0, 0); got != 1 {
		t.Fatalf("cappedRatio(0,0) = %v, want 1", got)
	}
	if got := cappedRatio(-1, 4); got != -0.25 {
		t.Fatalf("cappedRatio(-1,4) = %v", got)
	}
}

func TestDecimalOrZero(t *testing.T) {
	if !decimalOrZero("").IsZero() {
		t.Fatalf("decimalOrZero(empty) not zero")
	}
	if !decimalOrZero("not-a-number").IsZero() {
		t.Fatalf("decimalOrZero(garbage) not zero")
	}
	if !decimalOrZero("1.5").Equal(d("1.5")) {
		t.Fatalf("decimalOrZero(1.5) = %s", decimalOrZero("1.5"))
	}
}
