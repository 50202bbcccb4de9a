package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"okx-driver/internal/core"
)

// Venue page size for list endpoints; a page shorter than this means the
// listing is exhausted.
const fetchPageSize = 100

// Venue batch limit for cancel-batch-orders.
const cancelOrdersBatchCount = 20

const (
	pathAccountConfig     = "/api/v5/account/config"
	pathSetPositionMode   = "/api/v5/account/set-position-mode"
	pathAccountBalance    = "/api/v5/account/balance"
	pathAccountBills      = "/api/v5/account/bills"
	pathOrdersPending     = "/api/v5/trade/orders-pending"
	pathTradeFills        = "/api/v5/trade/fills"
	pathCancelOrder       = "/api/v5/trade/cancel-order"
	pathCancelBatchOrders = "/api/v5/trade/cancel-batch-orders"
	pathInstruments       = "/api/v5/public/instruments"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

var errNoData = fmt.Errorf("%w: empty response data", core.ErrParseFailure)

// decodeData unmarshals the envelope payload after the code check. code == 0
// with absent data is errNoData, never an empty success.
func (e restEnvelope) decodeData(out any) error {
	code, err := parseAPICode(e.Code)
	if err != nil {
		return err
	}
	if code != 0 {
		return wrapAPIError(code, e.Msg)
	}
	if !e.hasData() {
		return errNoData
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	return nil
}

func (e restEnvelope) hasData() bool {
	data := bytes.TrimSpace(e.Data)
	return len(data) > 0 && !bytes.Equal(data, []byte("null"))
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validHeaderValue mirrors the strictness of header construction on the
// signing path: credentials with non-visible-ASCII bytes cannot be attached
// and indicate a configuration problem.
func validHeaderValue(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] > 0x7e {
			return false
		}
	}
	return true
}

// doSigned performs one authenticated call and decodes the response
// envelope. The signature covers timestamp + method + path?query + body.
func (c *Client) doSigned(ctx context.Context, method, requestPath string, body []byte) (restEnvelope, error) {
	ts := time.Now().UTC().Format(isoMillis)
	sig := signPayload(c.apiSecret, ts+method+requestPath+string(body))
	headers := map[string]string{
		"OK-ACCESS-KEY":        c.apiKey,
		"OK-ACCESS-PASSPHRASE": c.passphrase,
		"OK-ACCESS-SIGN":       sig,
		"OK-ACCESS-TIMESTAMP":  ts,
	}
	for name, value := range headers {
		if !validHeaderValue(value) {
			return restEnvelope{}, fmt.Errorf("%w: %s", core.ErrHeaderEncoding, name)
		}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.restBaseURL+requestPath, reader)
	if err != nil {
		return restEnvelope{}, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return restEnvelope{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return restEnvelope{}, err
	}
	var env restEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return restEnvelope{}, fmt.Errorf("okx http error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return restEnvelope{}, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	return env, nil
}

func (c *Client) restGet(ctx context.Context, path string, params url.Values, out any) error {
	parts := make([]string, 0, 2)
	if c.simulated {
		parts = append(parts, "brokerId=9999")
	}
	if encoded := params.Encode(); encoded != "" {
		parts = append(parts, encoded)
	}
	requestPath := path
	if len(parts) > 0 {
		requestPath += "?" + strings.Join(parts, "&")
	}
	env, err := c.doSigned(ctx, http.MethodGet, requestPath, nil)
	if err != nil {
		return err
	}
	return env.decodeData(out)
}

func (c *Client) restPost(ctx context.Context, path string, payload, out any) error {
	env, err := c.postEnvelope(ctx, path, payload)
	if err != nil {
		return err
	}
	return env.decodeData(out)
}

func (c *Client) postEnvelope(ctx context.Context, path string, payload any) (restEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return restEnvelope{}, fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	return c.doSigned(ctx, http.MethodPost, path, body)
}

type restInstrument struct {
	InstType  string `json:"instType"`
	InstID    string `json:"instId"`
	BaseCcy   string `json:"baseCcy"`
	QuoteCcy  string `json:"quoteCcy"`
	SettleCcy string `json:"settleCcy"`
	CtValCcy  string `json:"ctValCcy"`
	CtVal     string `json:"ctVal"`
	CtType    string `json:"ctType"`
}

func (r restInstrument) toInstrument() (Instrument, bool) {
	switch r.InstType {
	case "SPOT":
		return Instrument{
			ID:    r.InstID,
			Kind:  core.Spot,
			Base:  core.Asset(r.BaseCcy),
			Quote: core.Asset(r.QuoteCcy),
		}, true
	case "SWAP":
		ctVal, err := decimal.NewFromString(r.CtVal)
		if err != nil {
			return Instrument{}, false
		}
		ctType := ContractType(r.CtType)
		if ctType != Linear && ctType != Inverse {
			return Instrument{}, false
		}
		return Instrument{
			ID:                 r.InstID,
			Kind:               core.FuturePerpetual,
			SettleAsset:        core.Asset(r.SettleCcy),
			ContractValueAsset: core.Asset(r.CtValCcy),
			ContractType:       ctType,
			ContractValue:      ctVal,
		}, true
	}
	return Instrument{}, false
}

// fetchInstruments retrieves the venue instrument set for one instrument
// type ("SPOT" or "SWAP"). Entries with unusable sizing fields are skipped.
func (c *Client) fetchInstruments(ctx context.Context, instType string) ([]Instrument, error) {
	params := url.Values{}
	params.Set("instType", instType)
	var raw []restInstrument
	if err := c.restGet(ctx, pathInstruments, params, &raw); err != nil {
		return nil, err
	}
	instruments := make([]Instrument, 0, len(raw))
	for _, r := range raw {
		if inst, ok := r.toInstrument(); ok {
			instruments = append(instruments, inst)
		}
	}
	return instruments, nil
}

type restPendingOrder struct {
	InstID      string `json:"instId"`
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	Px          string `json:"px"`
	Sz          string `json:"sz"`
	Side        string `json:"side"`
	CreatedTime string `json:"cTime"`
}

// fetchOpenOrders walks the pending-order listing backward with the `before`
// cursor until a short page signals exhaustion. Pages accumulate in call
// order; the cursor is assumed monotonic per the venue's contract.
func (c *Client) fetchOpenOrders(ctx context.Context) ([]restPendingOrder, error) {
	params := url.Values{}
	params.Set("instType", c.converter.InstrumentType())

	orders := make([]restPendingOrder, 0, fetchPageSize)
	for {
		var page []restPendingOrder
		if err := c.restGet(ctx, pathOrdersPending, params, &page); err != nil && !errors.Is(err, errNoData) {
			return nil, err
		}
		orders = append(orders, page...)
		if len(page) < fetchPageSize {
			break
		}
		params.Set("before", orders[len(orders)-1].OrdID)
	}
	c.log.WithField("count", len(orders)).Debug("open orders fetched")
	return orders, nil
}

type restFill struct {
	InstID   string `json:"instId"`
	TradeID  string `json:"tradeId"`
	OrdID    string `json:"ordId"`
	BillID   string `json:"billId"`
	FillPx   string `json:"fillPx"`
	FillSz   string `json:"fillSz"`
	Side     string `json:"side"`
	ExecType string `json:"execType"`
	FeeCcy   string `json:"feeCcy"`
	Fee      string `json:"fee"`
	Ts       string `json:"ts"`
}

// fetchTradeFills walks the fill history forward by bill id with the `after`
// cursor. instID narrows the listing to one instrument when non-empty.
func (c *Client) fetchTradeFills(ctx context.Context, instID string) ([]restFill, error) {
	params := url.Values{}
	params.Set("instType", c.converter.InstrumentType())
	if instID != "" {
		params.Set("instId", instID)
	}

	fills := make([]restFill, 0, fetchPageSize)
	for {
		if len(fills) > 0 {
			params.Set("after", fills[len(fills)-1].BillID)
		}
		var page []restFill
		if err := c.restGet(ctx, pathTradeFills, params, &page); err != nil && !errors.Is(err, errNoData) {
			return nil, err
		}
		fills = append(fills, page...)
		if len(page) < fetchPageSize {
			break
		}
	}
	c.log.WithField("count", len(fills)).Debug("trade fills fetched")
	return fills, nil
}

type restBill struct {
	Type     string `json:"type"`
	Ts       string `json:"ts"`
	Sz       string `json:"sz"`
	Px       string `json:"px"`
	Ccy      string `json:"ccy"`
	Fee      string `json:"fee"`
	InstID   string `json:"instId"`
	OrdID    string `json:"ordId"`
	ExecType string `json:"execType"`
	FillTime string `json:"fillTime"`
	TradeID  string `json:"tradeId"`
}

func (c *Client) fetchAccountBills(ctx context.Context) ([]restBill, error) {
	var bills []restBill
	if err := c.restGet(ctx, pathAccountBills, nil, &bills); err != nil {
		return nil, err
	}
	return bills, nil
}

// fetchAccountBalance returns the single account-level balance record with
// its per-asset details and aggregate margin telemetry.
func (c *Client) fetchAccountBalance(ctx context.Context) (restBalanceData, error) {
	var data []restBalanceData
	if err := c.restGet(ctx, pathAccountBalance, nil, &data); err != nil {
		return restBalanceData{}, err
	}
	if len(data) == 0 {
		return restBalanceData{}, fmt.Errorf("%w: no balance record", core.ErrParseFailure)
	}
	return data[0], nil
}

type PositionMode string

const (
	PositionModeNet       PositionMode = "net_mode"
	PositionModeLongShort PositionMode = "long_short_mode"
)

type accountConfig struct {
	PosMode PositionMode `json:"posMode"`
}

func (c *Client) GetPositionMode(ctx context.Context) (PositionMode, error) {
	var configs []accountConfig
	if err := c.restGet(ctx, pathAccountConfig, nil, &configs); err != nil {
		return "", err
	}
	if len(configs) == 0 {
		return "", fmt.Errorf("%w: no account config", core.ErrParseFailure)
	}
	return configs[0].PosMode, nil
}

// SetPositionMode switches the account position mode and verifies the echoed
// mode matches the request.
func (c *Client) SetPositionMode(ctx context.Context, mode PositionMode) error {
	var echoed []accountConfig
	if err := c.restPost(ctx, pathSetPositionMode, accountConfig{PosMode: mode}, &echoed); err != nil {
		return err
	}
	if len(echoed) == 0 {
		return fmt.Errorf("%w: no set-position-mode response", core.ErrParseFailure)
	}
	if echoed[0].PosMode != mode {
		return fmt.Errorf("failed to set position mode %s, exchange reports %s", mode, echoed[0].PosMode)
	}
	return nil
}

type cancelArg struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
}

// cancelOrderREST cancels one order. The acknowledgment is validated against
// the venue code map: the idempotent "no longer cancellable" outcomes
// propagate as their mapped errors, which callers treat as final.
func (c *Client) cancelOrderREST(ctx context.Context, instID, orderID string) error {
	env, err := c.postEnvelope(ctx, pathCancelOrder, cancelArg{InstID: instID, OrdID: orderID})
	if err != nil {
		return err
	}
	if !env.hasData() {
		return fmt.Errorf("%w: empty cancel order response: %s", core.ErrParseFailure, env.Msg)
	}
	var acks []orderAck
	if err := json.Unmarshal(env.Data, &acks); err != nil {
		return fmt.Errorf("%w: %v", core.ErrParseFailure, err)
	}
	if len(acks) == 0 {
		return fmt.Errorf("%w: no order result in cancel order response", core.ErrParseFailure)
	}
	return acks[0].toError()
}

// cancelOrdersREST batch-cancels orderIDs in chunks of the venue batch
// limit, all chunks issued concurrently. A failed chunk contributes no ids
// and never aborts the others; within a chunk, idempotent outcomes count as
// cancelled alongside clean successes. Returns the confirmed-cancelled ids.
func (c *Client) cancelOrdersREST(ctx context.Context, instID string, orderIDs []string) ([]string, error) {
	if len(orderIDs) == 0 {
		return []string{}, nil
	}

	var mu sync.Mutex
	cancelled := make([]string, 0, len(orderIDs))

	p := pool.New()
	for start := 0; start < len(orderIDs); start += cancelOrdersBatchCount {
		end := start + cancelOrdersBatchCount
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		chunk := orderIDs[start:end]
		p.Go(func() {
			args := make([]cancelArg, 0, len(chunk))
			for _, id := range chunk {
				args = append(args, cancelArg{InstID: instID, OrdID: id})
			}
			env, err := c.postEnvelope(ctx, pathCancelBatchOrders, args)
			if err != nil {
				c.log.WithError(err).Error("batch cancel chunk failed")
				return
			}
			if !env.hasData() {
				c.log.Warn("unexpected empty batch cancel result")
				return
			}
			var acks []orderAck
			if err := json.Unmarshal(env.Data, &acks); err != nil {
				c.log.WithError(err).Warn("malformed batch cancel result")
				return
			}
			confirmed := cancelledIDs(acks)
			mu.Lock()
			cancelled = append(cancelled, confirmed...)
			mu.Unlock()
		})
	}
	p.Wait()

	return cancelled, nil
}

// cancelledIDs extracts the effectively-cancelled order ids from a batch of
// acknowledgments: clean successes plus the idempotent trio.
func cancelledIDs(acks []orderAck) []string {
	ids := make([]string, 0, len(acks))
	for _, ack := range acks {
		err := ack.toError()
		if err == nil || core.IsCancelFinal(err) {
			ids = append(ids, ack.OrdID)
		}
	}
	return ids
}
