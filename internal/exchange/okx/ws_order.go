package okx

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"okx-driver/internal/core"
	"okx-driver/internal/exchange"
)

var errStreamOffline = errors.New("stream client is not online")

// sendRequest issues one mutating streaming request and waits for its tagged
// result through the correlator. The request id is caller-side unique for
// the in-flight window; a request the transport never answers is failed by
// the correlator on disconnect rather than leaked.
func (c *Client) sendRequest(ctx context.Context, op string, args any) (wsRequestResult, error) {
	if c.Status() != exchange.Online {
		return wsRequestResult{}, errStreamOffline
	}
	id := uuid.NewString()
	ch, err := c.correlator.register(id)
	if err != nil {
		return wsRequestResult{}, err
	}
	payload, err := json.Marshal(wsRequest{ID: id, Op: op, Args: args})
	if err != nil {
		c.correlator.drop(id)
		return wsRequestResult{}, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	c.outbound.push(payload)

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return wsRequestResult{}, res.err
		}
		return res.res, nil
	case <-ctx.Done():
		c.correlator.drop(id)
		return wsRequestResult{}, ctx.Err()
	case <-timer.C:
		c.correlator.drop(id)
		return wsRequestResult{}, fmt.Errorf("stream %s request timed out", op)
	}
}

type wsOrderArg struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	ClOrdID string `json:"clOrdId,omitempty"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px,omitempty"`
	Sz      string `json:"sz"`
}

// tradeMode returns the venue trade mode for the driver's instrument type:
// spot orders spend cash, swap orders use cross margin.
func (c *Client) tradeMode() string {
	if c.converter.InstrumentType() == instTypeSwap {
		return "cross"
	}
	return "cash"
}

// wsPlaceOrder places one order over the streaming path. The caller's
// base-asset amount is converted to the venue contract sizing first; an
// unsizable order (zero contract value) is rejected before anything is sent.
func (c *Client) wsPlaceOrder(ctx context.Context, inst Instrument, req core.OrderRequest) (core.Order, error) {
	size, ok := inst.ExchangeSize(req.Amount, req.Price)
	if !ok {
		return core.Order{}, fmt.Errorf("cannot size order for %s: zero contract value", inst.ID)
	}
	arg := wsOrderArg{
		InstID:  inst.ID,
		TdMode:  c.tradeMode(),
		ClOrdID: req.ClientID,
		Side:    sideToVenue(req.Side),
		OrdType: orderTypeToVenue(req.Type),
		Sz:      size.String(),
	}
	if req.Type != core.Market {
		arg.Px = req.Price.String()
	}
	res, err := c.sendRequest(ctx, opOrder, []wsOrderArg{arg})
	if err != nil {
		return core.Order{}, err
	}
	ack, err := singleAck(res)
	if err != nil {
		return core.Order{}, err
	}
	return core.Order{
		ID:        ack.OrdID,
		ClientID:  req.ClientID,
		Pair:      req.Pair,
		Side:      req.Side,
		Price:     req.Price,
		Amount:    req.Amount,
		State:     core.OrderLive,
		CreatedAt: time.Now(),
	}, nil
}

// wsCancelOrder cancels one order over the streaming path. The idempotent
// "no longer cancellable" outcomes propagate as their mapped errors.
func (c *Client) wsCancelOrder(ctx context.Context, instID, orderID string) error {
	res, err := c.sendRequest(ctx, opCancelOrder, []cancelArg{{InstID: instID, OrdID: orderID}})
	if err != nil {
		return err
	}
	_, err = singleAck(res)
	return err
}

// singleAck validates a single-order request result: the envelope code, the
// presence of the acknowledgment, then the per-order status code.
func singleAck(res wsRequestResult) (orderAck, error) {
	if len(res.Data) == 0 {
		code, err := parseAPICode(res.Code)
		if err != nil {
			return orderAck{}, err
		}
		if code != 0 {
			return orderAck{}, wrapAPIError(code, res.Msg)
		}
		return orderAck{}, fmt.Errorf("%w: no order result in %s response", core.ErrParseFailure, res.Op)
	}
	ack := res.Data[0]
	if err := ack.toError(); err != nil {
		return orderAck{}, err
	}
	return ack, nil
}

// wsCancelOrders batch-cancels over the streaming path in venue-limit chunks
// and reports which ids were confirmed cancelled and which were not. An
// outright request failure returns an error: the streaming layer gave no
// reliable partial information and the caller falls back with the full set.
//
// Chunks go out sequentially, unlike the concurrent REST batch path. A chunk
// error aborts the remaining chunks on purpose: once one streaming request
// fails, the caller switches to REST for the full set anyway, so racing the
// rest of the chunks buys nothing.
func (c *Client) wsCancelOrders(ctx context.Context, instID string, orderIDs []string) (cancelled, remaining []string, err error) {
	confirmed := make(map[string]bool, len(orderIDs))
	for start := 0; start < len(orderIDs); start += cancelOrdersBatchCount {
		end := start + cancelOrdersBatchCount
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		args := make([]cancelArg, 0, end-start)
		for _, id := range orderIDs[start:end] {
			args = append(args, cancelArg{InstID: instID, OrdID: id})
		}
		res, err := c.sendRequest(ctx, opBatchCancelOrders, args)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range cancelledIDs(res.Data) {
			confirmed[id] = true
		}
	}
	cancelled = make([]string, 0, len(confirmed))
	remaining = make([]string, 0)
	for _, id := range orderIDs {
		if confirmed[id] {
			cancelled = append(cancelled, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	return cancelled, remaining, nil
}
