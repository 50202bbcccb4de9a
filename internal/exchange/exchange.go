package exchange

import (
	"context"
	"time"

	"okx-driver/internal/core"
)

type ConnectionStatus int

const (
	Offline ConnectionStatus = iota
	Connecting
	Online
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	default:
		return "offline"
	}
}

type Feature int

const (
	FeatureBatchOpen Feature = iota
	FeatureBatchCancel
	FeatureImmediateOrCancelOrders
	FeaturePostOnlyOrders
)

// Driver is the venue-agnostic connectivity interface a trading system
// operates an exchange through. Implementations keep all state in memory and
// reconstruct it from the exchange on connect.
type Driver interface {
	Name() string
	Status() ConnectionStatus
	SupportsFeature(f Feature) bool
	Pairs() []core.Pair
	GenerateClientID() string

	OpenOrder(ctx context.Context, req core.OrderRequest) (core.Order, error)
	CancelOrderByID(ctx context.Context, pair core.Pair, orderID string) error
	CancelAll(ctx context.Context, pair core.Pair) ([]string, error)

	FetchOpenOrders(ctx context.Context) ([]core.Order, error)
	FetchBalances(ctx context.Context) ([]core.RawBalance, error)
	FetchCollateralBalances(ctx context.Context) ([]core.Collateral, error)
	FetchTradesSince(ctx context.Context, pair core.Pair, since time.Time) ([]core.Trade, error)
	FetchAllTradesSince(ctx context.Context, since time.Time) ([]core.Trade, error)
	FetchFundingRateTransactions(ctx context.Context) ([]core.FundingTransaction, error)
}
