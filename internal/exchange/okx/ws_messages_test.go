package okx

import (
	"errors"
	"testing"

	"okx-driver/internal/core"
)

func TestClassifyMessageEvent(t *testing.T) {
	raw := []byte(`{"event":"login","code":"0","msg":""}`)
	msg, err := classifyMessage(raw)
	if err != nil {
		t.Fatalf("classifyMessage() error = %v", err)
	}
	if msg.event == nil || msg.event.Event != "login" {
		t.Fatalf("classifyMessage() = %+v, want login event", msg)
	}
}

func TestClassifyMessageEventPrecedesResultShape(t *testing.T) {
	// An error event can carry op-like fields; the event tag wins.
	raw := []byte(`{"event":"error","op":"order","id":"1","code":"60012","msg":"Illegal request"}`)
	msg, err := classifyMessage(raw)
	if err != nil {
		t.Fatalf("classifyMessage() error = %v", err)
	}
	if msg.event == nil || msg.result != nil {
		t.Fatalf("classifyMessage() = %+v, want event", msg)
	}
	if msg.event.Code != "60012" {
		t.Fatalf("event code = %q, want 60012", msg.event.Code)
	}
}

func TestClassifyMessagePush(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"orders","instType":"SPOT","instId":"BTC-USDT"},"data":[{"ordId":"1"}]}`)
	msg, err := classifyMessage(raw)
	if err != nil {
		t.Fatalf("classifyMessage() error = %v", err)
	}
	if msg.push == nil {
		t.Fatalf("classifyMessage() = %+v, want push", msg)
	}
	if msg.push.Arg.Channel != channelOrders || msg.push.Arg.InstID != "BTC-USDT" {
		t.Fatalf("push arg = %+v", msg.push.Arg)
	}
}

func TestClassifyMessageRequestResult(t *testing.T) {
	for _, op := range []string{opOrder, opCancelOrder, opBatchCancelOrders} {
		raw := []byte(`{"id":"abc","op":"` + op + `","code":"0","msg":"","data":[{"ordId":"42","sCode":"0"}]}`)
		msg, err := classifyMessage(raw)
		if err != nil {
			t.Fatalf("classifyMessage(%s) error = %v", op, err)
		}
		if msg.result == nil {
			t.Fatalf("classifyMessage(%s) = %+v, want result", op, msg)
		}
		if msg.result.ID != "abc" || len(msg.result.Data) != 1 || msg.result.Data[0].OrdID != "42" {
			t.Fatalf("result = %+v", msg.result)
		}
	}
}

func TestClassifyMessageRejectsUnknownShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown op", `{"id":"1","op":"amend-order","code":"0"}`},
		{"bare object", `{"foo":"bar"}`},
		{"arg without data", `{"arg":{"channel":"orders"}}`},
		{"invalid json", `{"event":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := classifyMessage([]byte(tt.raw)); !errors.Is(err, core.ErrParseFailure) {
				t.Fatalf("classifyMessage() error = %v, want ErrParseFailure", err)
			}
		})
	}
}

func TestOrderAckToError(t *testing.T) {
	tests := []struct {
		name  string
		ack   orderAck
		check func(t *testing.T, err error)
	}{
		{
			name: "success",
			ack:  orderAck{OrdID: "1", SCode: "0"},
			check: func(t *testing.T, err error) {
				if err != nil {
					t.Fatalf("toError() = %v, want nil", err)
				}
			},
		},
		{
			name: "already cancelled",
			ack:  orderAck{OrdID: "1", SCode: "51401", SMsg: "Cancellation failed"},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, core.ErrOrderAlreadyCancelled) {
					t.Fatalf("toError() = %v, want ErrOrderAlreadyCancelled", err)
				}
			},
		},
		{
			name: "unmapped venue code",
			ack:  orderAck{OrdID: "1", SCode: "51008", SMsg: "insufficient balance"},
			check: func(t *testing.T, err error) {
				apiErr, ok := AsAPIError(err)
				if !ok || apiErr.Code != 51008 {
					t.Fatalf("toError() = %v, want APIError 51008", err)
				}
				if core.IsCancelFinal(err) {
					t.Fatalf("unmapped code treated as final cancel outcome")
				}
			},
		},
		{
			name: "missing status code",
			ack:  orderAck{OrdID: "1"},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, core.ErrParseFailure) {
					t.Fatalf("toError() = %v, want ErrParseFailure", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.ack.toError())
		})
	}
}

func TestOrderStateFromVenue(t *testing.T) {
	tests := []struct {
		venue  string
		want   core.OrderState
		wantOK bool
	}{
		{"live", core.OrderLive, true},
		{"partially_filled", core.OrderPartiallyFilled, true},
		{"filled", core.OrderFilled, true},
		{"canceled", core.OrderCanceled, true},
		{"mmp_canceled", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := orderStateFromVenue(tt.venue)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("orderStateFromVenue(%q) = %q, %v, want %q, %v", tt.venue, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestLiquidityFromVenue(t *testing.T) {
	if got := liquidityFromVenue("M"); got != core.Maker {
		t.Fatalf("liquidityFromVenue(M) = %q", got)
	}
	if got := liquidityFromVenue("T"); got != core.Taker {
		t.Fatalf("liquidityFromVenue(T) = %q", got)
	}
	if got := liquidityFromVenue(""); got != core.UnknownLiquidity {
		t.Fatalf("liquidityFromVenue(empty) = %q", got)
	}
}

func TestOrderTypeToVenue(t *testing.T) {
	tests := []struct {
		in   core.OrderType
		want string
	}{
		{core.Limit, "limit"},
		{core.Market, "market"},
		{core.PostOnly, "post_only"},
		{core.ImmediateOrCancel, "ioc"},
	}
	for _, tt := range tests {
		if got := orderTypeToVenue(tt.in); got != tt.want {
			t.Fatalf("orderTypeToVenue(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
