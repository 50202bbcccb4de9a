package okx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"okx-driver/internal/alert"
	"okx-driver/internal/config"
	"okx-driver/internal/core"
	"okx-driver/internal/exchange"
	"okx-driver/internal/logger"
)

const (
	instTypeSpot = "SPOT"
	instTypeSwap = "SWAP"
)

// Funding-fee entries carry this bill type code. Opaque venue constant; see
// the account-bills section of the venue docs.
const fundingFeeBillType = "8"

const tradesLookback = 24 * time.Hour

// Client is the driver instance: one logical streaming connection plus
// independent REST calls, safe for concurrent use from multiple call sites.
type Client struct {
	apiKey      string
	apiSecret   string
	passphrase  string
	restBaseURL string
	wsURL       string
	simulated   bool

	httpClient     *http.Client
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	keepalive      time.Duration

	pairs     []core.Pair
	converter *InstrumentConverter

	log *logrus.Entry

	alertMu sync.Mutex
	alerter alert.Alerter

	statusMu sync.RWMutex
	status   exchange.ConnectionStatus

	correlator *correlator
	outbound   *sendQueue
	stopped    chan struct{}
	closeOnce  sync.Once

	orderUpdates   chan core.OrderUpdate
	balanceUpdates chan []core.RawBalance
	marginUpdates  chan core.MarginState
}

var _ exchange.Driver = (*Client)(nil)

type Options struct {
	APIKey            string
	APISecret         string
	Passphrase        string
	RestBaseURL       string
	WSPrivateURL      string
	Simulated         bool
	InstrumentType    string
	Pairs             []core.Pair
	HTTPTimeoutSec    int64
	RequestTimeoutSec int64
	KeepaliveSec      int64
}

// NewClient builds a driver from the loaded configuration. Init must run
// before any order or fetch operation; Connect before streaming operations.
func NewClient(cfg config.Config) (*Client, error) {
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" || cfg.Exchange.Passphrase == "" {
		return nil, fmt.Errorf("api_key/api_secret/passphrase required")
	}
	instType := instTypeSpot
	if cfg.Kind() == core.FuturePerpetual {
		instType = instTypeSwap
	}
	return NewClientWithOptions(Options{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		Passphrase:        cfg.Exchange.Passphrase,
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		WSPrivateURL:      cfg.Exchange.WSPrivateURL,
		Simulated:         cfg.UseTestnet(),
		InstrumentType:    instType,
		Pairs:             cfg.CorePairs(),
		HTTPTimeoutSec:    cfg.Exchange.HTTPTimeoutSec,
		RequestTimeoutSec: cfg.Exchange.RequestTimeoutSec,
		KeepaliveSec:      cfg.Exchange.StreamKeepaliveSec,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	httpTimeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		httpTimeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	requestTimeout := 10 * time.Second
	if opts.RequestTimeoutSec > 0 {
		requestTimeout = time.Duration(opts.RequestTimeoutSec) * time.Second
	}
	keepalive := 20 * time.Second
	if opts.KeepaliveSec > 0 {
		keepalive = time.Duration(opts.KeepaliveSec) * time.Second
	}
	instType := opts.InstrumentType
	if instType == "" {
		instType = instTypeSpot
	}
	return &Client{
		apiKey:         opts.APIKey,
		apiSecret:      opts.APISecret,
		passphrase:     opts.Passphrase,
		restBaseURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		wsURL:          opts.WSPrivateURL,
		simulated:      opts.Simulated,
		httpClient:     &http.Client{Timeout: httpTimeout},
		dialer:         websocket.DefaultDialer,
		requestTimeout: requestTimeout,
		keepalive:      keepalive,
		pairs:          opts.Pairs,
		converter:      NewInstrumentConverter(instType, nil, nil),
		log:            logger.WithComponent("okx"),
		status:         exchange.Offline,
		correlator:     newCorrelator(),
		outbound:       newSendQueue(),
		stopped:        make(chan struct{}),
		orderUpdates:   make(chan core.OrderUpdate, 256),
		balanceUpdates: make(chan []core.RawBalance, 64),
		marginUpdates:  make(chan core.MarginState, 64),
	}
}

// Init discovers the venue instrument set and builds the id <-> pair table.
// Every configured pair must map to an instrument; the table is read-only
// afterwards. In swap mode the account is pinned to net position mode.
func (c *Client) Init(ctx context.Context) error {
	instType := c.converter.InstrumentType()
	instruments, err := c.fetchInstruments(ctx, instType)
	if err != nil {
		return err
	}
	converter := NewInstrumentConverter(instType, instruments, c.pairs)
	for _, pair := range c.pairs {
		if _, ok := converter.FindInstrument(pair); !ok {
			return fmt.Errorf("%w: %s", core.ErrNotSupportedSymbol, pair.Symbol())
		}
	}
	c.converter = converter

	if instType == instTypeSwap {
		mode, err := c.GetPositionMode(ctx)
		if err != nil {
			return err
		}
		if mode != PositionModeNet {
			if err := c.SetPositionMode(ctx, PositionModeNet); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) Name() string { return "okx" }

func (c *Client) Pairs() []core.Pair { return c.pairs }

func (c *Client) SupportsFeature(f exchange.Feature) bool {
	switch f {
	case exchange.FeatureImmediateOrCancelOrders, exchange.FeaturePostOnlyOrders:
		return true
	default:
		return false
	}
}

// GenerateClientID returns a fresh caller-side order id in the venue's
// accepted alphanumeric format.
func (c *Client) GenerateClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasCollateralBalances reports whether spot balances double as futures
// collateral for this driver instance (portfolio margin, swap mode only).
func (c *Client) HasCollateralBalances() bool {
	return c.converter.InstrumentType() == instTypeSwap
}

func (c *Client) SetAlerter(a alert.Alerter) {
	c.alertMu.Lock()
	c.alerter = a
	c.alertMu.Unlock()
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.alertMu.Lock()
	a := c.alerter
	c.alertMu.Unlock()
	if a == nil {
		return
	}
	a.Important(event, fields)
}

// OrderUpdates streams normalized order lifecycle events.
func (c *Client) OrderUpdates() <-chan core.OrderUpdate { return c.orderUpdates }

// BalanceUpdates streams normalized per-asset balances from the account and
// balance_and_position channels.
func (c *Client) BalanceUpdates() <-chan []core.RawBalance { return c.balanceUpdates }

// MarginUpdates streams derived margin snapshots (swap mode only).
func (c *Client) MarginUpdates() <-chan core.MarginState { return c.marginUpdates }

func (c *Client) findInstrument(pair core.Pair) (Instrument, error) {
	inst, ok := c.converter.FindInstrument(pair)
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", core.ErrNotSupportedSymbol, pair.Symbol())
	}
	return inst, nil
}

// OpenOrder places an order over the streaming path only. Placement is not
// idempotent-safe to retry blindly, so there is no REST fallback.
func (c *Client) OpenOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	inst, err := c.findInstrument(req.Pair)
	if err != nil {
		return core.Order{}, err
	}
	if req.ClientID == "" {
		req.ClientID = c.GenerateClientID()
	}
	return c.wsPlaceOrder(ctx, inst, req)
}

// CancelOrderByID cancels over the streaming path first. The idempotent
// outcomes from the fast path are authoritative and final; any other
// streaming failure falls back to exactly one REST cancel for the same
// order, never recursively.
func (c *Client) CancelOrderByID(ctx context.Context, pair core.Pair, orderID string) error {
	inst, err := c.findInstrument(pair)
	if err != nil {
		return err
	}
	err = c.wsCancelOrder(ctx, inst.ID, orderID)
	if err == nil || core.IsCancelFinal(err) {
		return err
	}
	c.log.WithError(err).WithField("order_id", orderID).Error("cancel order stream request failed, falling back to REST")
	c.alertImportant("cancel_fallback_to_rest", map[string]string{
		"order_id": orderID,
		"error":    err.Error(),
	})
	return c.cancelOrderREST(ctx, inst.ID, orderID)
}

// CancelAll cancels every open order on the pair. The open-order snapshot is
// taken over REST (authoritative), the batch cancel attempted over the
// stream; an unresolved remainder falls back to REST batch cancel, and an
// outright streaming failure falls back with the entire original set.
func (c *Client) CancelAll(ctx context.Context, pair core.Pair) ([]string, error) {
	inst, err := c.findInstrument(pair)
	if err != nil {
		return nil, err
	}
	open, err := c.fetchOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	orderIDs := make([]string, 0, len(open))
	for _, order := range open {
		if order.InstID == inst.ID {
			orderIDs = append(orderIDs, order.OrdID)
		}
	}
	if len(orderIDs) == 0 {
		return []string{}, nil
	}

	cancelled, remaining, err := c.wsCancelOrders(ctx, inst.ID, orderIDs)
	switch {
	case err == nil && len(remaining) == 0:
		return cancelled, nil
	case err == nil:
		c.log.WithField("remaining", len(remaining)).Warn("partial stream batch cancel, falling back to REST for remainder")
	default:
		c.log.WithError(err).Error("stream batch cancel failed, falling back to REST for full set")
		cancelled = nil
		remaining = orderIDs
	}
	restCancelled, err := c.cancelOrdersREST(ctx, inst.ID, remaining)
	if err != nil {
		return nil, err
	}
	return append(cancelled, restCancelled...), nil
}

// FetchOpenOrders returns every open order on instruments this driver maps;
// orders on unmapped instruments are skipped.
func (c *Client) FetchOpenOrders(ctx context.Context) ([]core.Order, error) {
	pending, err := c.fetchOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(pending))
	for _, p := range pending {
		pair, ok := c.converter.FindPair(p.InstID)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(p.Px)
		if err != nil {
			return nil, fmt.Errorf("%w: order %s price %q", core.ErrParseFailure, p.OrdID, p.Px)
		}
		amount, err := decimal.NewFromString(p.Sz)
		if err != nil {
			return nil, fmt.Errorf("%w: order %s size %q", core.ErrParseFailure, p.OrdID, p.Sz)
		}
		orders = append(orders, core.Order{
			ID:        p.OrdID,
			ClientID:  p.ClOrdID,
			Pair:      pair,
			Side:      sideFromVenue(p.Side),
			Price:     price,
			Amount:    amount,
			State:     core.OrderLive,
			CreatedAt: time.UnixMilli(parseMillis(p.CreatedTime)),
		})
	}
	return orders, nil
}

func (c *Client) FetchBalances(ctx context.Context) ([]core.RawBalance, error) {
	data, err := c.fetchAccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	return data.rawBalances(time.Now()), nil
}

// FetchCollateralBalances reads the spot balances used as futures collateral
// in portfolio margin mode.
func (c *Client) FetchCollateralBalances(ctx context.Context) ([]core.Collateral, error) {
	data, err := c.fetchAccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	return data.collateralBalances(), nil
}

// FetchMarginState assembles a fresh margin snapshot from the account
// balance telemetry.
func (c *Client) FetchMarginState(ctx context.Context) (core.MarginState, error) {
	data, err := c.fetchAccountBalance(ctx)
	if err != nil {
		return core.MarginState{}, err
	}
	return data.marginState()
}

func (c *Client) FetchTradesSince(ctx context.Context, pair core.Pair, since time.Time) ([]core.Trade, error) {
	inst, err := c.findInstrument(pair)
	if err != nil {
		return nil, err
	}
	fills, err := c.fetchTradeFills(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return c.tradesInWindow(fills, since), nil
}

func (c *Client) FetchAllTradesSince(ctx context.Context, since time.Time) ([]core.Trade, error) {
	fills, err := c.fetchTradeFills(ctx, "")
	if err != nil {
		return nil, err
	}
	return c.tradesInWindow(fills, since), nil
}

// tradesInWindow normalizes fills inside [since, now], never reaching back
// more than the venue-documented recent-fill horizon. Fees are negated: the
// venue reports a charge as a negative number and a rebate as positive.
func (c *Client) tradesInWindow(fills []restFill, since time.Time) []core.Trade {
	now := time.Now()
	start := now.Add(-tradesLookback)
	if !since.IsZero() && since.After(start) {
		start = since
	}
	trades := make([]core.Trade, 0, len(fills))
	for _, fill := range fills {
		createdAt := time.UnixMilli(parseMillis(fill.Ts))
		if createdAt.Before(start) || createdAt.After(now) {
			continue
		}
		pair, ok := c.converter.FindPair(fill.InstID)
		if !ok {
			continue
		}
		trades = append(trades, core.Trade{
			TradeID:      fill.TradeID,
			OrderID:      fill.OrdID,
			Pair:         pair,
			Side:         sideFromVenue(fill.Side),
			Price:        decimalOrZero(fill.FillPx),
			FilledAmount: decimalOrZero(fill.FillSz),
			FeeAmount:    decimalOrZero(fill.Fee).Neg(),
			FeeCurrency:  fill.FeeCcy,
			Liquidity:    liquidityFromVenue(fill.ExecType),
			CreatedAt:    createdAt,
		})
	}
	c.log.WithField("count", len(trades)).Debug("recent trades normalized")
	return trades
}

// FetchFundingRateTransactions extracts funding-fee entries from the account
// bill history.
func (c *Client) FetchFundingRateTransactions(ctx context.Context) ([]core.FundingTransaction, error) {
	bills, err := c.fetchAccountBills(ctx)
	if err != nil {
		return nil, err
	}
	txs := make([]core.FundingTransaction, 0, len(bills))
	for _, bill := range bills {
		if bill.Type != fundingFeeBillType {
			continue
		}
		fee := decimalOrZero(bill.Fee)
		side := core.Buy
		if fee.IsNegative() {
			side = core.Sell
		}
		txs = append(txs, core.FundingTransaction{
			Symbol:      bill.InstID,
			TradeID:     bill.TradeID,
			OrderID:     bill.OrdID,
			Side:        side,
			Price:       decimalOrZero(bill.Px),
			Amount:      decimalOrZero(bill.Sz),
			Fee:         fee,
			FeeCurrency: bill.Ccy,
			Liquidity:   liquidityFromVenue(bill.ExecType),
			OccurredAt:  time.UnixMilli(parseMillis(bill.FillTime)),
			RecordedAt:  time.UnixMilli(parseMillis(bill.Ts)),
		})
	}
	return txs, nil
}
