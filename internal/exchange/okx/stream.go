package okx

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"okx-driver/internal/core"
	"okx-driver/internal/exchange"
)

const wsWriteTimeout = 10 * time.Second

var errStreamDisconnected = errors.New("stream disconnected")

// sendQueue is the unbounded outbound queue between callers and the stream
// writer: push never blocks the caller on backpressure.
type sendQueue struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newSendQueue() *sendQueue {
	q := &sendQueue{
		in:   make(chan []byte),
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *sendQueue) pump() {
	var buf [][]byte
	for {
		var out chan []byte
		var next []byte
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}
		select {
		case msg := <-q.in:
			buf = append(buf, msg)
		case out <- next:
			buf = buf[1:]
		case <-q.done:
			return
		}
	}
}

func (q *sendQueue) push(msg []byte) {
	select {
	case q.in <- msg:
	case <-q.done:
	}
}

func (q *sendQueue) messages() <-chan []byte { return q.out }

func (q *sendQueue) close() { q.once.Do(func() { close(q.done) }) }

func (c *Client) Status() exchange.ConnectionStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// setStatus is the collaborator-only write path of the connection status
// cell; callers only ever read through Status.
func (c *Client) setStatus(s exchange.ConnectionStatus) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// Connect dials the private stream, authenticates and subscribes, then keeps
// the session alive in the background, reconnecting with exponential backoff
// after drops. The first session is established synchronously so credential
// problems surface to the caller.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.establish(ctx)
	if err != nil {
		return err
	}
	go c.supervise(conn)
	return nil
}

// Close stops the stream engine and fails any in-flight requests.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopped)
		c.outbound.close()
		c.correlator.failAll(errStreamDisconnected)
		c.setStatus(exchange.Offline)
	})
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

func (c *Client) establish(ctx context.Context) (*websocket.Conn, error) {
	c.setStatus(exchange.Connecting)
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.setStatus(exchange.Offline)
		return nil, err
	}
	if err := c.login(conn); err != nil {
		_ = conn.Close()
		c.setStatus(exchange.Offline)
		return nil, err
	}
	if err := c.subscribe(conn); err != nil {
		_ = conn.Close()
		c.setStatus(exchange.Offline)
		return nil, err
	}
	c.setStatus(exchange.Online)
	c.log.Info("private stream online")
	return conn, nil
}

// login authenticates the connection. The sign payload is the venue's fixed
// verify path, not the request body.
func (c *Client) login(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signPayload(c.apiSecret, ts+"GET"+"/users/self/verify")
	req := wsRequest{
		Op: opLogin,
		Args: []map[string]string{{
			"apiKey":     c.apiKey,
			"passphrase": c.passphrase,
			"timestamp":  ts,
			"sign":       sig,
		}},
	}
	if err := writeJSON(conn, req); err != nil {
		return err
	}
	// The login ack is read synchronously: nothing else is inbound before
	// authentication succeeds.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "pong" {
			continue
		}
		msg, err := classifyMessage(raw)
		if err != nil {
			return err
		}
		if msg.event == nil {
			continue
		}
		switch msg.event.Event {
		case opLogin:
			return nil
		case "error":
			return errors.New("stream login failed: " + msg.event.Msg)
		}
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	args := make([]wsChannelArg, 0, len(c.pairs)+2)
	for _, pair := range c.pairs {
		inst, ok := c.converter.FindInstrument(pair)
		if !ok {
			continue
		}
		args = append(args, wsChannelArg{
			Channel:  channelOrders,
			InstType: c.converter.InstrumentType(),
			InstID:   inst.ID,
		})
	}
	args = append(args,
		wsChannelArg{Channel: channelAccount},
		wsChannelArg{Channel: channelBalanceAndPosition},
	)
	return writeJSON(conn, wsRequest{Op: opSubscribe, Args: args})
}

func writeJSON(conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// supervise runs one session after another, reconnecting with exponential
// backoff until Close.
func (c *Client) supervise(conn *websocket.Conn) {
	for {
		err := c.session(conn)
		c.correlator.failAll(errStreamDisconnected)
		c.setStatus(exchange.Offline)
		if c.closed() {
			return
		}
		c.log.WithError(err).Warn("private stream disconnected")
		c.alertImportant("stream_disconnected", map[string]string{"error": errString(err)})

		bo := backoff.NewExponentialBackOff()
		for {
			select {
			case <-c.stopped:
				return
			case <-time.After(bo.NextBackOff()):
			}
			next, err := c.establish(context.Background())
			if err == nil {
				conn = next
				break
			}
			c.log.WithError(err).Warn("private stream reconnect failed")
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// session drives one connection: a writer draining the outbound queue plus
// keepalive pings, and a read loop dispatching inbound messages. Returns
// when the connection dies.
func (c *Client) session(conn *websocket.Conn) error {
	done := make(chan struct{})
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}
	defer teardown()

	go func() {
		ticker := time.NewTicker(c.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.stopped:
				teardown()
				return
			case msg := <-c.outbound.messages():
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					teardown()
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					teardown()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "pong" {
			continue
		}
		c.dispatch(raw)
	}
}

// dispatch routes one classified inbound message: lifecycle events and
// subscription pushes go to their own consumers; only tagged request results
// touch the correlator.
func (c *Client) dispatch(raw []byte) {
	msg, err := classifyMessage(raw)
	if err != nil {
		c.log.WithError(err).Warn("unclassifiable stream message")
		return
	}
	switch {
	case msg.event != nil:
		c.handleEvent(msg.event)
	case msg.push != nil:
		c.handlePush(msg.push)
	case msg.result != nil:
		if !c.correlator.resolve(*msg.result) {
			c.log.WithField("id", msg.result.ID).Debug("late stream result dropped")
		}
	}
}

func (c *Client) handleEvent(event *wsEvent) {
	switch event.Event {
	case opLogin:
		c.log.Debug("stream login acknowledged")
	case opSubscribe:
		if event.Arg != nil {
			c.log.WithField("channel", event.Arg.Channel).Debug("subscribed")
		}
	case "error":
		c.log.WithField("code", event.Code).Error("stream error event: " + event.Msg)
	}
}

func (c *Client) handlePush(push *wsPush) {
	switch push.Arg.Channel {
	case channelOrders:
		c.handleOrdersPush(push.Data)
	case channelAccount:
		c.handleAccountPush(push.Data)
	case channelBalanceAndPosition:
		c.handleBalanceAndPositionPush(push.Data)
	default:
		c.log.WithField("channel", push.Arg.Channel).Debug("unhandled push channel")
	}
}

func (c *Client) handleOrdersPush(data json.RawMessage) {
	var updates []wsOrderUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		c.log.WithError(err).Warn("malformed orders push")
		return
	}
	for _, u := range updates {
		update, ok := c.convertOrderUpdate(u)
		if !ok {
			continue
		}
		select {
		case c.orderUpdates <- update:
		default:
			c.log.WithField("order_id", update.Order.ID).Warn("order update consumer lagging, update dropped")
		}
	}
}

func (c *Client) convertOrderUpdate(u wsOrderUpdate) (core.OrderUpdate, bool) {
	pair, ok := c.converter.FindPair(u.InstID)
	if !ok {
		return core.OrderUpdate{}, false
	}
	state, ok := orderStateFromVenue(u.State)
	if !ok {
		c.log.WithField("state", u.State).Warn("unknown order state in push")
		return core.OrderUpdate{}, false
	}
	price := decimalOrZero(u.Px)
	update := core.OrderUpdate{
		Order: core.Order{
			ID:        u.OrdID,
			ClientID:  u.ClOrdID,
			Pair:      pair,
			Side:      sideFromVenue(u.Side),
			Price:     price,
			Amount:    decimalOrZero(u.Sz),
			State:     state,
			CreatedAt: time.UnixMilli(parseMillis(u.CreatedTime)),
		},
		FilledPrice:  decimalOrZero(u.FillPx),
		FilledAmount: decimalOrZero(u.FillSz),
		Fee:          decimalOrZero(u.FillFee).Neg(),
		FeeCurrency:  u.FillFeeCcy,
		Liquidity:    liquidityFromVenue(u.ExecType),
		TradeID:      u.TradeID,
		UpdatedAt:    time.UnixMilli(parseMillis(u.UpdatedTime)),
	}
	return update, true
}

func parseMillis(v string) int64 {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

func (c *Client) handleAccountPush(data json.RawMessage) {
	var records []restBalanceData
	if err := json.Unmarshal(data, &records); err != nil {
		c.log.WithError(err).Warn("malformed account push")
		return
	}
	for _, record := range records {
		select {
		case c.balanceUpdates <- record.rawBalances(time.Now()):
		default:
			c.log.Warn("balance update consumer lagging, update dropped")
		}
		if c.converter.InstrumentType() != instTypeSwap {
			continue
		}
		snapshot, err := record.marginState()
		if err != nil {
			c.log.WithError(err).Error("margin snapshot failed")
			c.alertImportant("margin_snapshot_failed", map[string]string{"error": err.Error()})
			continue
		}
		select {
		case c.marginUpdates <- snapshot:
		default:
			c.log.Warn("margin update consumer lagging, snapshot dropped")
		}
	}
}

// balance_and_position pushes interleave balance deltas and position deltas;
// only the balance side feeds the normalized balance stream.
type balancePositionPush struct {
	BalData []struct {
		Ccy     string `json:"ccy"`
		CashBal string `json:"cashBal"`
		UTime   string `json:"uTime"`
	} `json:"balData"`
}

func (c *Client) handleBalanceAndPositionPush(data json.RawMessage) {
	var records []balancePositionPush
	if err := json.Unmarshal(data, &records); err != nil {
		c.log.WithError(err).Warn("malformed balance_and_position push")
		return
	}
	for _, record := range records {
		if len(record.BalData) == 0 {
			continue
		}
		balances := make([]core.RawBalance, 0, len(record.BalData))
		for _, bal := range record.BalData {
			total := decimalOrZero(bal.CashBal)
			balances = append(balances, core.RawBalance{
				Asset:     core.Asset(bal.Ccy),
				Free:      total,
				Used:      decimal.Zero,
				Total:     total,
				UpdatedAt: time.UnixMilli(parseMillis(bal.UTime)),
			})
		}
		select {
		case c.balanceUpdates <- balances:
		default:
			c.log.Warn("balance update consumer lagging, update dropped")
		}
	}
}
