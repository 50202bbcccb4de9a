package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"okx-driver/internal/alert"
	"okx-driver/internal/config"
	"okx-driver/internal/core"
	"okx-driver/internal/exchange"
	"okx-driver/internal/exchange/okx"
	"okx-driver/internal/logger"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	InstanceID string        `json:"instance_id"`
	Pairs      []string      `json:"pairs"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	preflight bool
	stream    bool
	lifecycle bool
	cancelAll bool
	fetch     bool
	margin    bool
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		streamWait   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 180, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "window seconds for the stream quiet check")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,stream,lifecycle,cancel_all,fetch,margin)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag, cfg)
	if err != nil {
		fatal(err.Error())
	}
	log := cfg.Observability.Logging
	if err := logger.Configure(log.Level, log.Format, log.Output, log.MaxAgeDays); err != nil {
		fatal(err.Error())
	}

	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	client, err := okx.NewClient(cfg)
	if err != nil {
		fatal(err.Error())
	}
	defer client.Close()
	if alerts != nil {
		client.SetAlerter(alerts)
	}

	pairs := make([]string, 0, len(cfg.Pairs))
	for _, pair := range cfg.CorePairs() {
		pairs = append(pairs, pair.Symbol())
	}
	r := report{
		StartedAt:  time.Now().UTC(),
		Mode:       cfg.Mode,
		InstanceID: cfg.InstanceID,
		Pairs:      pairs,
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	probePair := cfg.CorePairs()[0]
	initialized := false
	ensureInit := func() error {
		if initialized {
			return nil
		}
		if err := client.Init(ctx); err != nil {
			return err
		}
		initialized = true
		return nil
	}
	connected := false
	ensureConnected := func() error {
		if err := ensureInit(); err != nil {
			return err
		}
		if connected {
			return nil
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		connected = true
		return nil
	}

	if checks.preflight {
		run("instrument_preflight", func() (string, error) {
			if err := ensureInit(); err != nil {
				return "", err
			}
			balances, err := client.FetchBalances(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("pairs=%s balances=%d", strings.Join(pairs, ","), len(balances)), nil
		})
	}

	if checks.stream {
		run("private_stream_connect", func() (string, error) {
			if err := ensureConnected(); err != nil {
				return "", err
			}
			if client.Status() != exchange.Online {
				return "", fmt.Errorf("stream status %s after connect", client.Status())
			}
			// Watch the quiet window: any disconnect flips the status.
			deadline := time.After(time.Duration(streamWait) * time.Second)
			for {
				select {
				case <-deadline:
					return fmt.Sprintf("online for %ds window", streamWait), nil
				case <-time.After(500 * time.Millisecond):
					if client.Status() != exchange.Online {
						return "", fmt.Errorf("stream dropped to %s during quiet window", client.Status())
					}
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
		})
	}

	if checks.lifecycle {
		run("order_lifecycle_place_cancel", func() (string, error) {
			if err := ensureConnected(); err != nil {
				return "", err
			}
			qty := cfg.Probe.Qty.Decimal
			price := cfg.Probe.Price.Decimal
			if qty.IsZero() || price.IsZero() {
				return "", errors.New("probe qty and price must be set for the lifecycle check")
			}
			order, err := client.OpenOrder(ctx, core.OrderRequest{
				Pair:     probePair,
				Side:     core.Buy,
				Type:     core.Limit,
				Price:    price,
				Amount:   qty,
				ClientID: client.GenerateClientID(),
			})
			if err != nil {
				return "", err
			}
			if order.ID == "" {
				return "", errors.New("empty order id")
			}
			err = client.CancelOrderByID(ctx, probePair, order.ID)
			if err != nil && !core.IsCancelFinal(err) {
				return "", fmt.Errorf("cancel failed: %w", err)
			}
			outcome := "cancelled"
			if err != nil {
				outcome = "already final: " + err.Error()
			}
			return fmt.Sprintf("id=%s clientId=%s price=%s qty=%s outcome=%s", order.ID, order.ClientID, price, qty, outcome), nil
		})
	}

	if checks.cancelAll {
		run("cancel_all_sweep", func() (string, error) {
			if err := ensureConnected(); err != nil {
				return "", err
			}
			cancelled, err := client.CancelAll(ctx, probePair)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("cancelled=%d", len(cancelled)), nil
		})
	}

	if checks.fetch {
		run("fetch_surfaces", func() (string, error) {
			if err := ensureInit(); err != nil {
				return "", err
			}
			open, err := client.FetchOpenOrders(ctx)
			if err != nil {
				return "", err
			}
			trades, err := client.FetchTradesSince(ctx, probePair, time.Now().Add(-time.Hour))
			if err != nil {
				return "", err
			}
			funding, err := client.FetchFundingRateTransactions(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("open=%d trades=%d funding=%d", len(open), len(trades), len(funding)), nil
		})
	}

	if checks.margin {
		run("margin_snapshot", func() (string, error) {
			if err := ensureInit(); err != nil {
				return "", err
			}
			state, err := client.FetchMarginState(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("collateral=%.4f available=%.4f mmr=%.4f", state.TotalCollateral, state.AvailableCollateral, state.MaintenanceMarginRatio), nil
		})
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func parseCheckFlag(v string, cfg config.Config) (selectedChecks, error) {
	swap := cfg.Kind() == core.FuturePerpetual
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "", "default":
		return selectedChecks{preflight: true, stream: true, lifecycle: true, fetch: true, margin: swap}, nil
	case "all":
		return selectedChecks{preflight: true, stream: true, lifecycle: true, cancelAll: true, fetch: true, margin: swap}, nil
	}
	var checks selectedChecks
	for _, part := range strings.Split(v, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "":
		case "preflight":
			checks.preflight = true
		case "stream":
			checks.stream = true
		case "lifecycle":
			checks.lifecycle = true
		case "cancel_all":
			checks.cancelAll = true
		case "fetch":
			checks.fetch = true
		case "margin":
			checks.margin = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check %q", strings.TrimSpace(part))
		}
	}
	return checks, nil
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(string(cfg.Mode), cfg.InstanceID, notifier)
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary mode=%s instance=%s pairs=%s pass=%d fail=%d duration=%s\n",
		r.Mode,
		r.InstanceID,
		strings.Join(r.Pairs, ","),
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
