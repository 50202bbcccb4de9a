package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"okx-driver/internal/core"
	"okx-driver/internal/exchange"
)

func TestSendQueuePushNeverBlocks(t *testing.T) {
	q := newSendQueue()
	defer q.close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			q.push([]byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("push blocked without a consumer")
	}

	for i := 0; i < 500; i++ {
		select {
		case msg := <-q.messages():
			if msg[0] != byte(i) {
				t.Fatalf("message %d out of order: %d", i, msg[0])
			}
		case <-time.After(time.Second):
			t.Fatalf("message %d never drained", i)
		}
	}
}

func TestSendQueuePushAfterClose(t *testing.T) {
	q := newSendQueue()
	q.close()
	done := make(chan struct{})
	go func() {
		q.push([]byte("late"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("push blocked after close")
	}
}

func TestHandleOrdersPushDeliversNormalizedUpdate(t *testing.T) {
	c := spotTestClient("http://localhost")
	data := []byte(`[{
		"instId":"BTC-USDT","ordId":"1","clOrdId":"c1","px":"30000","sz":"0.5",
		"side":"sell","ordType":"limit","state":"partially_filled",
		"fillPx":"30000","fillSz":"0.1","fillFee":"-0.3","fillFeeCcy":"USDT",
		"execType":"M","tradeId":"t1","cTime":"1700000000000","uTime":"1700000001000"
	},{
		"instId":"UNKNOWN-PAIR","ordId":"2","state":"live"
	},{
		"instId":"BTC-USDT","ordId":"3","state":"mmp_canceled"
	}]`)
	c.handleOrdersPush(data)

	select {
	case update := <-c.OrderUpdates():
		if update.Order.ID != "1" || update.Order.State != core.OrderPartiallyFilled {
			t.Fatalf("update = %+v", update)
		}
		if update.Order.Side != core.Sell || !update.Order.Price.Equal(d("30000")) {
			t.Fatalf("update order = %+v", update.Order)
		}
		if !update.Fee.Equal(d("0.3")) {
			t.Fatalf("Fee = %s, want 0.3 (venue charge negated)", update.Fee)
		}
		if update.Liquidity != core.Maker || update.TradeID != "t1" {
			t.Fatalf("update = %+v", update)
		}
		if update.UpdatedAt.UnixMilli() != 1700000001000 {
			t.Fatalf("UpdatedAt = %v", update.UpdatedAt)
		}
	default:
		t.Fatalf("no update delivered")
	}
	// The unmapped instrument and the unknown state are both dropped.
	select {
	case update := <-c.OrderUpdates():
		t.Fatalf("unexpected second update: %+v", update)
	default:
	}
}

func TestHandleAccountPushSpotSkipsMargin(t *testing.T) {
	c := spotTestClient("http://localhost")
	data := []byte(`[{"adjEq":"1000","imr":"200","details":[{"ccy":"USDT","cashBal":"100","availBal":"70"}]}]`)
	c.handleAccountPush(data)

	select {
	case balances := <-c.BalanceUpdates():
		if len(balances) != 1 || balances[0].Asset != "USDT" {
			t.Fatalf("balances = %+v", balances)
		}
	default:
		t.Fatalf("no balance update delivered")
	}
	select {
	case state := <-c.MarginUpdates():
		t.Fatalf("margin snapshot emitted on spot driver: %+v", state)
	default:
	}
}

func TestHandleAccountPushSwapEmitsMargin(t *testing.T) {
	pair := perpPair("ETH", "USDT")
	inst := linearInstrument("ETH-USDT-SWAP", "ETH", "USDT", "0.1")
	c := newTestClient("http://localhost", false, instTypeSwap, []Instrument{inst}, []core.Pair{pair})

	data := []byte(`[{"adjEq":"1000","imr":"200","mmr":"50","notionalUsd":"4000","details":[{"ccy":"USDT","cashBal":"1000","availBal":"800","upl":"5"}]}]`)
	c.handleAccountPush(data)

	select {
	case state := <-c.MarginUpdates():
		if state.TotalCollateral != 1000 || state.AvailableCollateral != 800 {
			t.Fatalf("state = %+v", state)
		}
	default:
		t.Fatalf("no margin snapshot delivered")
	}
}

func TestHandleBalanceAndPositionPush(t *testing.T) {
	c := spotTestClient("http://localhost")
	data := []byte(`[{"balData":[{"ccy":"BTC","cashBal":"0.5","uTime":"1700000000000"}]},{"posData":[{"posId":"1"}]}]`)
	c.handleBalanceAndPositionPush(data)

	select {
	case balances := <-c.BalanceUpdates():
		if len(balances) != 1 {
			t.Fatalf("balances = %+v", balances)
		}
		b := balances[0]
		if b.Asset != "BTC" || !b.Total.Equal(d("0.5")) || !b.Free.Equal(d("0.5")) || !b.Used.IsZero() {
			t.Fatalf("balance = %+v", b)
		}
		if b.UpdatedAt.UnixMilli() != 1700000000000 {
			t.Fatalf("UpdatedAt = %v", b.UpdatedAt)
		}
	default:
		t.Fatalf("no balance update delivered")
	}
	// The position-only record carries no balance data and emits nothing.
	select {
	case balances := <-c.BalanceUpdates():
		t.Fatalf("unexpected second update: %+v", balances)
	default:
	}
}

func TestDispatchResolvesTaggedResult(t *testing.T) {
	c := spotTestClient("http://localhost")
	ch, err := c.correlator.register("req-1")
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	c.dispatch([]byte(`{"id":"req-1","op":"cancel-order","code":"0","data":[{"ordId":"42","sCode":"0"}]}`))
	select {
	case res := <-ch:
		if res.err != nil || len(res.res.Data) != 1 || res.res.Data[0].OrdID != "42" {
			t.Fatalf("result = %+v", res)
		}
	default:
		t.Fatalf("result not resolved")
	}
}

// fakeStreamServer speaks just enough of the private stream protocol to
// authenticate a client: it validates the login signature, acks the
// subscription, then answers mutating requests with a scripted handler.
type fakeStreamServer struct {
	t       *testing.T
	secret  string
	handler func(id, op string) any
	srv     *httptest.Server
}

type wsLoginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

func newFakeStreamServer(t *testing.T, secret string, handler func(id, op string) any) *fakeStreamServer {
	t.Helper()
	f := &fakeStreamServer{t: t, secret: secret, handler: handler}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStreamServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeStreamServer) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(raw) == "ping" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			continue
		}
		var req struct {
			ID   string            `json:"id"`
			Op   string            `json:"op"`
			Args []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			f.t.Errorf("malformed client message: %v", err)
			return
		}
		switch req.Op {
		case opLogin:
			var arg wsLoginArg
			if len(req.Args) != 1 || json.Unmarshal(req.Args[0], &arg) != nil {
				f.t.Errorf("malformed login args")
				return
			}
			want := signPayload(f.secret, arg.Timestamp+"GET"+"/users/self/verify")
			if arg.Sign != want {
				_ = conn.WriteJSON(map[string]string{"event": "error", "code": "60009", "msg": "Login failed"})
				return
			}
			_ = conn.WriteJSON(map[string]string{"event": "login", "code": "0"})
		case opSubscribe:
			_ = conn.WriteJSON(map[string]any{"event": "subscribe", "arg": map[string]string{"channel": "orders"}})
		default:
			if f.handler == nil {
				f.t.Errorf("unexpected op %q", req.Op)
				return
			}
			if res := f.handler(req.ID, req.Op); res != nil {
				_ = conn.WriteJSON(res)
			}
		}
	}
}

func TestConnectLoginAndCancelRoundTrip(t *testing.T) {
	server := newFakeStreamServer(t, "secret", func(id, op string) any {
		return map[string]any{
			"id": id, "op": op, "code": "0",
			"data": []map[string]string{{"ordId": "42", "sCode": "0"}},
		}
	})

	pair := spotPair("BTC", "USDT")
	inst := spotInstrument("BTC-USDT", "BTC", "USDT")
	c := NewClientWithOptions(Options{
		APIKey:         "key",
		APISecret:      "secret",
		Passphrase:     "pass",
		RestBaseURL:    "http://localhost",
		WSPrivateURL:   server.url(),
		InstrumentType: instTypeSpot,
		Pairs:          []core.Pair{pair},
	})
	c.converter = NewInstrumentConverter(instTypeSpot, []Instrument{inst}, []core.Pair{pair})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if c.Status() != exchange.Online {
		t.Fatalf("Status() = %v, want online", c.Status())
	}
	if err := c.wsCancelOrder(ctx, "BTC-USDT", "42"); err != nil {
		t.Fatalf("wsCancelOrder() error = %v", err)
	}
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	server := newFakeStreamServer(t, "other-secret", nil)

	c := NewClientWithOptions(Options{
		APIKey:         "key",
		APISecret:      "secret",
		Passphrase:     "pass",
		RestBaseURL:    "http://localhost",
		WSPrivateURL:   server.url(),
		InstrumentType: instTypeSpot,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatalf("Connect() = nil, want login failure")
	}
	if c.Status() != exchange.Offline {
		t.Fatalf("Status() = %v, want offline after failed login", c.Status())
	}
}

func TestCloseFailsInFlightRequests(t *testing.T) {
	c := spotTestClient("http://localhost")
	c.setStatus(exchange.Online)

	errCh := make(chan error, 1)
	go func() {
		err := c.wsCancelOrder(context.Background(), "BTC-USDT", "42")
		errCh <- err
	}()
	// Let the request register before tearing down.
	time.Sleep(50 * time.Millisecond)
	_ = c.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("in-flight request returned nil after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight request leaked past Close")
	}
}
