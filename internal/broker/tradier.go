package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jspahr/openrange/internal/models"
)

// maxSymbolsPerQuoteCall is the gateway's batch size limit.
const maxSymbolsPerQuoteCall = 25

// defaultCallTimeout bounds a single gateway call when the caller's
// context carries no deadline.
const defaultCallTimeout = 10 * time.Second

// TradierClient is the live gateway implementation backed by the
// Tradier REST API. It chunks quote requests to the gateway's batch
// limit and fans the chunks out on a bounded group.
type TradierClient struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a live gateway client.
func NewTradierClient(apiKey, baseURL, accountID string, sandbox bool) *TradierClient {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	return &TradierClient{
		client:    &http.Client{Timeout: defaultCallTimeout},
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		sandbox:   sandbox,
	}
}

func (t *TradierClient) doGet(ctx context.Context, path string, params url.Values, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	u := t.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrAuthFailure, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (t *TradierClient) doPost(ctx context.Context, path string, form url.Values, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrAuthFailure, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type quotesResponse struct {
	Quotes struct {
		Quote []struct {
			Symbol string  `json:"symbol"`
			Last   float64 `json:"last"`
			Bid    float64 `json:"bid"`
			Ask    float64 `json:"ask"`
			Volume int64   `json:"volume"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Open   float64 `json:"open"`
		} `json:"quote"`
	} `json:"quotes"`
}

// BatchQuotes fetches quotes for all symbols, chunked to the gateway's
// batch limit. Chunks run concurrently; a missing symbol is simply
// absent from the result map.
func (t *TradierClient) BatchQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}

	chunks := make([][]string, 0, (len(symbols)+maxSymbolsPerQuoteCall-1)/maxSymbolsPerQuoteCall)
	for i := 0; i < len(symbols); i += maxSymbolsPerQuoteCall {
		end := i + maxSymbolsPerQuoteCall
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[i:end])
	}

	results := make([]map[string]models.Quote, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, chunk := range chunks {
		g.Go(func() error {
			params := url.Values{}
			params.Set("symbols", strings.Join(chunk, ","))
			var resp quotesResponse
			if err := t.doGet(gctx, "/markets/quotes", params, &resp); err != nil {
				return err
			}
			out := make(map[string]models.Quote, len(resp.Quotes.Quote))
			now := time.Now().UTC()
			for _, q := range resp.Quotes.Quote {
				out[q.Symbol] = models.Quote{
					Symbol:    q.Symbol,
					Last:      q.Last,
					Bid:       q.Bid,
					Ask:       q.Ask,
					Volume:    q.Volume,
					High:      q.High,
					Low:       q.Low,
					Open:      q.Open,
					Timestamp: now,
					Source:    models.SourceBroker,
				}
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]models.Quote, len(symbols))
	for _, m := range results {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

type timesalesResponse struct {
	Series struct {
		Data []struct {
			Time   string  `json:"time"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		} `json:"data"`
	} `json:"series"`
}

// GetBar aggregates one bar over [start, end) from minute timesales.
func (t *TradierClient) GetBar(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	bars, err := t.fetchTimesales(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s in [%s, %s)", symbol,
			start.Format("15:04"), end.Format("15:04"))
	}

	agg := models.Bar{
		Symbol: symbol,
		Open:   bars[0].Open,
		High:   bars[0].High,
		Low:    bars[0].Low,
		Close:  bars[len(bars)-1].Close,
		Start:  start,
		End:    end,
	}
	for _, b := range bars {
		if b.High > agg.High {
			agg.High = b.High
		}
		if b.Low < agg.Low {
			agg.Low = b.Low
		}
		agg.Volume += b.Volume
	}
	return &agg, nil
}

// GetIntradayBars returns the minute bars from the session open until now.
func (t *TradierClient) GetIntradayBars(ctx context.Context, symbol string, sessionStart time.Time) ([]models.Bar, error) {
	return t.fetchTimesales(ctx, symbol, sessionStart, time.Now())
}

func (t *TradierClient) fetchTimesales(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "1min")
	params.Set("start", start.Format("2006-01-02 15:04"))
	params.Set("end", end.Format("2006-01-02 15:04"))

	var resp timesalesResponse
	if err := t.doGet(ctx, "/markets/timesales", params, &resp); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(resp.Series.Data))
	for _, d := range resp.Series.Data {
		ts, err := time.Parse("2006-01-02T15:04:05", d.Time)
		if err != nil {
			continue
		}
		bars = append(bars, models.Bar{
			Symbol: symbol,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: d.Volume,
			Start:  ts,
			End:    ts.Add(time.Minute),
		})
	}
	return bars, nil
}

type historyResponse struct {
	History struct {
		Day []struct {
			Date   string `json:"date"`
			Volume int64  `json:"volume"`
		} `json:"day"`
	} `json:"history"`
}

// GetADV returns the average daily volume over the lookback window.
func (t *TradierClient) GetADV(ctx context.Context, symbol string, lookbackDays int) (int64, error) {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", time.Now().AddDate(0, 0, -lookbackDays).Format("2006-01-02"))
	params.Set("end", time.Now().Format("2006-01-02"))

	var resp historyResponse
	if err := t.doGet(ctx, "/markets/history", params, &resp); err != nil {
		return 0, err
	}
	if len(resp.History.Day) == 0 {
		return 0, fmt.Errorf("no volume history for %s", symbol)
	}
	var total int64
	for _, d := range resp.History.Day {
		total += d.Volume
	}
	return total / int64(len(resp.History.Day)), nil
}

type balancesResponse struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		TotalCash   float64 `json:"total_cash"`
	} `json:"balances"`
}

// GetAccountBalance returns the account's total cash.
func (t *TradierClient) GetAccountBalance(ctx context.Context) (float64, error) {
	var resp balancesResponse
	path := fmt.Sprintf("/accounts/%s/balances", t.accountID)
	if err := t.doGet(ctx, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balances.TotalCash, nil
}

type calendarResponse struct {
	Calendar struct {
		Days struct {
			Day []struct {
				Date   string `json:"date"`
				Status string `json:"status"`
			} `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

// IsTradingDay checks the exchange calendar for the given date.
func (t *TradierClient) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	params := url.Values{}
	params.Set("month", fmt.Sprintf("%02d", int(date.Month())))
	params.Set("year", fmt.Sprintf("%d", date.Year()))

	var resp calendarResponse
	if err := t.doGet(ctx, "/markets/calendar", params, &resp); err != nil {
		return false, err
	}
	want := date.Format("2006-01-02")
	for _, d := range resp.Calendar.Days.Day {
		if d.Date == want {
			return d.Status == "open", nil
		}
	}
	return false, nil
}

type orderResponse struct {
	Order struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
	Errors struct {
		Error []string `json:"error"`
	} `json:"errors"`
}

// PlaceOrder submits an equity order. The clientID doubles as the
// gateway order tag so resubmission with the same tag is deduplicated
// server-side.
func (t *TradierClient) PlaceOrder(ctx context.Context, clientID, symbol string, side models.Side,
	quantity int, orderType models.OrderType) (*models.Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be > 0, got %d", quantity)
	}

	action := "buy"
	if side == models.SideShort {
		action = "sell_short"
	}

	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", symbol)
	form.Set("side", action)
	form.Set("quantity", fmt.Sprintf("%d", quantity))
	form.Set("type", string(orderType))
	form.Set("duration", "day")
	form.Set("tag", clientID)

	var resp orderResponse
	path := fmt.Sprintf("/accounts/%s/orders", t.accountID)
	if err := t.doPost(ctx, path, form, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors.Error) > 0 {
		return nil, fmt.Errorf("order rejected: %s", strings.Join(resp.Errors.Error, "; "))
	}

	// The gateway fills market orders synchronously during RTH; confirm
	// with a quote for the executed price.
	quotes, err := t.BatchQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("order placed but fill price unavailable: %w", err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("order placed but no quote returned for %s", symbol)
	}

	return &models.Fill{
		OrderID:  fmt.Sprintf("%d", resp.Order.ID),
		ClientID: clientID,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		AvgPrice: q.Last,
		FilledAt: time.Now().UTC(),
	}, nil
}
