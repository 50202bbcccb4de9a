package okx

import (
	"fmt"

	json "github.com/goccy/go-json"

	"okx-driver/internal/core"
)

// Streaming operations whose tagged results resolve correlator entries.
const (
	opLogin             = "login"
	opSubscribe         = "subscribe"
	opOrder             = "order"
	opCancelOrder       = "cancel-order"
	opBatchCancelOrders = "batch-cancel-orders"
)

// Private channels subscribed on login.
const (
	channelOrders             = "orders"
	channelAccount            = "account"
	channelBalanceAndPosition = "balance_and_position"
)

type wsChannelArg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType,omitempty"`
	InstID   string `json:"instId,omitempty"`
	Ccy      string `json:"ccy,omitempty"`
}

// wsEvent is a connection/subscription lifecycle notification: login ack,
// subscribe ack, or a venue error.
type wsEvent struct {
	Event string        `json:"event"`
	Code  string        `json:"code"`
	Msg   string        `json:"msg"`
	Arg   *wsChannelArg `json:"arg"`
}

// wsPush is a passive subscription data push.
type wsPush struct {
	Arg  wsChannelArg    `json:"arg"`
	Data json.RawMessage `json:"data"`
}

// wsRequestResult is the tagged acknowledgment of an outbound mutating
// request; ID echoes the caller-chosen request id.
type wsRequestResult struct {
	ID   string     `json:"id"`
	Op   string     `json:"op"`
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data []orderAck `json:"data"`
}

// orderAck is one order's mutation acknowledgment inside a request result or
// a REST cancel/place response. Not a lifecycle state.
type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// toError validates the per-order status code: nil on code 0, the mapped
// venue error otherwise.
func (a orderAck) toError() error {
	code, err := parseAPICode(a.SCode)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	return wrapAPIError(code, a.SMsg)
}

// wsRequest is an outbound mutating streaming request. Args mirrors the
// venue's per-op argument objects.
type wsRequest struct {
	ID   string `json:"id,omitempty"`
	Op   string `json:"op"`
	Args any    `json:"args"`
}

// wsInbound is the classified form of one inbound streaming message.
// Exactly one field is non-nil.
type wsInbound struct {
	event  *wsEvent
	push   *wsPush
	result *wsRequestResult
}

// classifyMessage discriminates the three disjoint inbound shapes by trial
// field-matching in a fixed precedence order, which is a contract: event
// notifications first (tagged by "event"), subscription pushes second
// ({arg, data} without an op), tagged request results last ({op, id}).
// Anything else is a parse failure, never a silent mis-resolution.
func classifyMessage(raw []byte) (wsInbound, error) {
	var probe struct {
		Event string          `json:"event"`
		Op    string          `json:"op"`
		ID    string          `json:"id"`
		Code  string          `json:"code"`
		Msg   string          `json:"msg"`
		Arg   *wsChannelArg   `json:"arg"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return wsInbound{}, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	if probe.Event != "" {
		return wsInbound{event: &wsEvent{
			Event: probe.Event,
			Code:  probe.Code,
			Msg:   probe.Msg,
			Arg:   probe.Arg,
		}}, nil
	}
	if probe.Op == "" && probe.Arg != nil && len(probe.Data) > 0 {
		return wsInbound{push: &wsPush{Arg: *probe.Arg, Data: probe.Data}}, nil
	}
	switch probe.Op {
	case opOrder, opCancelOrder, opBatchCancelOrders:
		var result wsRequestResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return wsInbound{}, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
		}
		return wsInbound{result: &result}, nil
	}
	return wsInbound{}, fmt.Errorf("%w: unrecognized stream message shape", core.ErrParseFailure)
}

// wsOrderUpdate is one entry of an orders-channel push.
type wsOrderUpdate struct {
	InstID      string `json:"instId"`
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	Px          string `json:"px"`
	Sz          string `json:"sz"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	State       string `json:"state"`
	FillPx      string `json:"fillPx"`
	FillSz      string `json:"fillSz"`
	FillFee     string `json:"fillFee"`
	FillFeeCcy  string `json:"fillFeeCcy"`
	ExecType    string `json:"execType"`
	TradeID     string `json:"tradeId"`
	CreatedTime string `json:"cTime"`
	UpdatedTime string `json:"uTime"`
}

func orderStateFromVenue(state string) (core.OrderState, bool) {
	switch state {
	case "live":
		return core.OrderLive, true
	case "partially_filled":
		return core.OrderPartiallyFilled, true
	case "filled":
		return core.OrderFilled, true
	case "canceled":
		return core.OrderCanceled, true
	}
	return "", false
}

func liquidityFromVenue(execType string) core.Liquidity {
	switch execType {
	case "M":
		return core.Maker
	case "T":
		return core.Taker
	}
	return core.UnknownLiquidity
}

func sideFromVenue(side string) core.Side {
	if side == "sell" {
		return core.Sell
	}
	return core.Buy
}

func sideToVenue(side core.Side) string {
	if side == core.Sell {
		return "sell"
	}
	return "buy"
}

func orderTypeToVenue(t core.OrderType) string {
	switch t {
	case core.Market:
		return "market"
	case core.PostOnly:
		return "post_only"
	case core.ImmediateOrCancel:
		return "ioc"
	default:
		return "limit"
	}
}
