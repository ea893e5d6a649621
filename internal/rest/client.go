package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mt5flow/internal/retry"
	"mt5flow/logger"
	"mt5flow/models"
)

// Config for the REST side of the bridge.
type Config struct {
	BaseURL  string
	ProxyURL string

	Login    string
	Password string
	Server   string

	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	RetryPolicy retry.Policy
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryPolicy.InitialDelay <= 0 {
		c.RetryPolicy = retry.DefaultPolicy()
	}
}

// Client talks to the bridge's HTTP API. Authentication is a bearer token
// obtained from /login; a 401 mid-flight triggers one transparent re-login.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log

	mu    sync.Mutex
	token string
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     logger.GetLogger(),
	}
}

// response is the bridge's envelope: a success flag, an error message and
// the payload.
type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Login obtains a bearer token from the terminal credentials.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{
		"login":    c.cfg.Login,
		"password": c.cfg.Password,
		"server":   c.cfg.Server,
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/login", nil, body, &out, false); err != nil {
		return err
	}
	if out.Token == "" {
		return retry.New(retry.KindAuthentication, "login", fmt.Errorf("empty token"))
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	c.log.WithComponent("rest_client").Info("logged in")
	return nil
}

// AccountInfo fetches the trading account summary.
func (c *Client) AccountInfo(ctx context.Context) (models.Account, error) {
	var account models.Account
	err := c.call(ctx, http.MethodGet, "/account/info", nil, nil, &account, true)
	return account, err
}

// symbolRow is the bridge's symbol listing shape.
type symbolRow struct {
	Symbol         string `json:"symbol"`
	Category       string `json:"category"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	PricePrecision int32  `json:"digits"`
	SizePrecision  int32  `json:"volume_digits"`
	TickSize       string `json:"tick_size"`
	LotStep        string `json:"volume_step"`
	MinQty         string `json:"volume_min"`
	MaxQty         string `json:"volume_max"`
}

// Symbols fetches the tradable instrument universe.
func (c *Client) Symbols(ctx context.Context) ([]models.Instrument, error) {
	var rows []symbolRow
	if err := c.call(ctx, http.MethodGet, "/symbols", nil, nil, &rows, true); err != nil {
		return nil, err
	}
	out := make([]models.Instrument, 0, len(rows))
	for _, row := range rows {
		inst := models.Instrument{
			Symbol:         row.Symbol,
			Category:       models.InstrumentCategory(row.Category),
			BaseCurrency:   row.BaseCurrency,
			QuoteCurrency:  row.QuoteCurrency,
			PricePrecision: row.PricePrecision,
			SizePrecision:  row.SizePrecision,
		}
		if inst.Category == "" {
			inst.Category = models.CategorySpot
		}
		inst.TickSize = parseDecimal(row.TickSize)
		inst.LotStep = parseDecimal(row.LotStep)
		inst.MinQty = parseDecimal(row.MinQty)
		inst.MaxQty = parseDecimal(row.MaxQty)
		out = append(out, inst)
	}
	return out, nil
}

// rateRow is one historical bar from /rates.
type rateRow struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"tick_volume"`
}

// Rates fetches historical bars for a symbol.
func (c *Client) Rates(ctx context.Context, symbol, timeframe string, count int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	q.Set("count", strconv.Itoa(count))
	var rows []rateRow
	if err := c.call(ctx, http.MethodGet, "/rates", q, nil, &rows, true); err != nil {
		return nil, err
	}
	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Interval:  timeframe,
			Open:      floatDecimal(row.Open),
			High:      floatDecimal(row.High),
			Low:       floatDecimal(row.Low),
			Close:     floatDecimal(row.Close),
			Volume:    floatDecimal(row.Volume),
			Start:     time.Unix(row.Time, 0).UTC(),
			Timestamp: time.Unix(row.Time, 0).UTC(),
		})
	}
	return bars, nil
}

// Positions fetches the open positions.
func (c *Client) Positions(ctx context.Context, accountID string) ([]models.PositionReport, error) {
	var rows []struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Size       float64 `json:"volume"`
		EntryPrice float64 `json:"price_open"`
		Profit     float64 `json:"profit"`
		Time       int64   `json:"time"`
	}
	if err := c.call(ctx, http.MethodGet, "/positions", nil, nil, &rows, true); err != nil {
		return nil, err
	}
	out := make([]models.PositionReport, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.PositionReport{
			AccountID:     accountID,
			Symbol:        row.Symbol,
			Side:          models.Side(row.Side),
			Size:          floatDecimal(row.Size),
			EntryPrice:    floatDecimal(row.EntryPrice),
			UnrealizedPnl: floatDecimal(row.Profit),
			Timestamp:     time.Unix(row.Time, 0).UTC(),
		})
	}
	return out, nil
}

// TradeHistory fetches closed deals between the given bounds.
func (c *Client) TradeHistory(ctx context.Context, accountID string, from, to time.Time) ([]models.ExecutionReport, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	var rows []struct {
		Symbol  string  `json:"symbol"`
		Ticket  string  `json:"ticket"`
		OrderID string  `json:"order"`
		Side    string  `json:"side"`
		Price   float64 `json:"price"`
		Volume  float64 `json:"volume"`
		Fee     float64 `json:"commission"`
		Time    int64   `json:"time"`
	}
	if err := c.call(ctx, http.MethodGet, "/trades", q, nil, &rows, true); err != nil {
		return nil, err
	}
	out := make([]models.ExecutionReport, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ExecutionReport{
			AccountID:    accountID,
			Symbol:       row.Symbol,
			ExecID:       row.Ticket,
			VenueOrderID: row.OrderID,
			Side:         models.Side(row.Side),
			Price:        floatDecimal(row.Price),
			Quantity:     floatDecimal(row.Volume),
			Fee:          floatDecimal(row.Fee),
			Timestamp:    time.Unix(row.Time, 0).UTC(),
		})
	}
	return out, nil
}

// PlaceOrder submits an order over HTTP, returning the venue order id.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", retry.New(retry.KindInvalidRequest, "order_create", err)
	}
	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"type":      string(req.Type),
		"volume":    req.Quantity.String(),
		"client_id": req.ClientOrderID,
	}
	if req.Price.Sign() > 0 {
		body["price"] = req.Price.String()
	}
	if req.TriggerPrice.Sign() > 0 {
		body["trigger_price"] = req.TriggerPrice.String()
	}
	var out struct {
		OrderID string `json:"order"`
	}
	err := c.call(ctx, http.MethodPost, "/order/create", nil, body, &out, true)
	return out.OrderID, err
}

// ModifyOrder amends a working order over HTTP.
func (c *Client) ModifyOrder(ctx context.Context, req models.ModifyRequest) error {
	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"order":     req.VenueOrderID,
		"client_id": req.ClientOrderID,
	}
	if req.Quantity.Sign() > 0 {
		body["volume"] = req.Quantity.String()
	}
	if req.Price.Sign() > 0 {
		body["price"] = req.Price.String()
	}
	if req.TriggerPrice.Sign() > 0 {
		body["trigger_price"] = req.TriggerPrice.String()
	}
	return c.call(ctx, http.MethodPost, "/order/modify", nil, body, nil, true)
}

// CancelOrder cancels a working order over HTTP.
func (c *Client) CancelOrder(ctx context.Context, req models.CancelRequest) error {
	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"order":     req.VenueOrderID,
		"client_id": req.ClientOrderID,
	}
	return c.call(ctx, http.MethodPost, "/order/cancel", nil, body, nil, true)
}

// call performs one authenticated request with rate limiting and retry on
// transient failures. An expired token triggers a single transparent
// re-login followed by one more attempt.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}, authed bool) error {
	err := c.callRetry(ctx, method, path, query, body, out, authed)
	if err != nil && authed && retry.KindOf(err) == retry.KindAuthentication {
		if lerr := c.Login(ctx); lerr != nil {
			return lerr
		}
		return c.callRetry(ctx, method, path, query, body, out, authed)
	}
	return err
}

func (c *Client) callRetry(ctx context.Context, method, path string, query url.Values, body, out interface{}, authed bool) error {
	log := c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"method": method,
		"path":   path,
	})
	return retry.Do(ctx, c.cfg.RetryPolicy, c.cfg.MaxAttempts, method+" "+path, log, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.New(retry.KindTimeout, path, err)
		}
		return c.doOnce(ctx, method, path, query, body, out, authed)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out interface{}, authed bool) error {
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return retry.New(retry.KindSerialization, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return retry.New(retry.KindInvalidRequest, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			return retry.New(retry.KindAuthentication, path, fmt.Errorf("not logged in"))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.New(retry.KindOf(err), path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return retry.New(retry.KindTransport, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return retry.New(retry.KindAuthentication, path, fmt.Errorf("unauthorized"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.New(retry.KindRateLimit, path, fmt.Errorf("rate limited"))
	case resp.StatusCode >= 500:
		return retry.New(retry.KindTransport, path, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	case resp.StatusCode >= 400:
		return retry.New(retry.KindInvalidRequest, path, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return retry.New(retry.KindSerialization, path, err)
	}
	if !env.Success {
		return retry.New(retry.KindInvalidRequest, path, fmt.Errorf("%s", env.Message))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return retry.New(retry.KindSerialization, path, err)
		}
	}
	return nil
}
