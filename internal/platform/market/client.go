// Package market is the REST client for the item marketplace API. Every call
// is a GET against {base}/{method}/?key=..., answered with JSON.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// rateLimitKey is shared by every instance using the same API key store.
const rateLimitKey = "market-api"

// ClientConfig holds connection parameters for the marketplace API.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Retries     int           // extra attempts on network errors and 5xx
	RetryDelay  time.Duration // multiplied by the attempt number
	ErrorLogDir string        // where non-JSON error bodies are saved; empty disables
	RateLimit   int           // requests per RateWindow; 0 disables
	RateWindow  time.Duration
	ProxyURL    string // empty falls back to the environment
}

// Client implements domain.TradeAPI and domain.AccountAPI.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithRateLimiter throttles requests through rl.
func WithRateLimiter(rl domain.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a marketplace client. Requests go through cfg.ProxyURL
// when set.
func NewClient(cfg ClientConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("market: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.With(slog.String("component", "market_api")),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SearchOffers lists sell variants for hashName.
func (c *Client) SearchOffers(ctx context.Context, hashName string) (domain.SearchResult, error) {
	var resp apiSearchResponse
	if err := c.call(ctx, []string{"SearchItemByHashName_specific", hashName}, nil, &resp); err != nil {
		return domain.SearchResult{}, fmt.Errorf("market: search offers: %w", err)
	}

	res := domain.SearchResult{Success: resp.Success}
	for _, v := range resp.Data {
		name := v.HashName
		if name == "" {
			name = v.Hash
		}
		if name == "" {
			name = hashName
		}
		instance := string(v.InstanceID)
		if instance == "" {
			instance = "0"
		}
		count := v.Offers
		if !count.set {
			count = v.Count
		}
		res.Variants = append(res.Variants, domain.Variant{
			HashName:  name,
			Signature: domain.ItemSignature{ClassID: string(v.ClassID), InstanceID: instance},
			Price:     v.Price.Int(),
			Count:     int(count.Int()),
		})
	}
	return res, nil
}

// SubmitPurchase buys offer at price, delivering to dest when set.
func (c *Client) SubmitPurchase(ctx context.Context, offer domain.Offer, price int64, dest *domain.TradeDestination) (domain.PurchaseResult, error) {
	q := url.Values{}
	if dest != nil {
		q.Set("partner", dest.PartnerID)
		q.Set("token", dest.TradeToken)
	}

	var resp apiBuyResponse
	path := []string{"Buy", offer.Signature.String(), strconv.FormatInt(price, 10)}
	if err := c.call(ctx, path, q, &resp); err != nil {
		return domain.PurchaseResult{}, fmt.Errorf("market: buy %s: %w", offer.Signature, err)
	}

	return domain.PurchaseResult{
		Code:       classifyBuy(resp.Result),
		Raw:        resp.Result,
		PurchaseID: string(resp.ID),
	}, nil
}

// GetBalance returns the account balance in minor units.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var resp apiMoneyResponse
	if err := c.call(ctx, []string{"GetMoney"}, nil, &resp); err != nil {
		return 0, fmt.Errorf("market: get money: %w", err)
	}
	if !resp.Money.set {
		return 0, fmt.Errorf("market: get money: %w: no money field", domain.ErrAPIRejected)
	}
	return resp.Money.Int(), nil
}

// GetAuthKey returns a one-time key for the push channel.
func (c *Client) GetAuthKey(ctx context.Context) (string, error) {
	var resp apiWSAuthResponse
	if err := c.call(ctx, []string{"GetWSAuth"}, nil, &resp); err != nil {
		return "", fmt.Errorf("market: get ws auth: %w", err)
	}
	if !resp.Success || resp.WSAuth == "" {
		return "", fmt.Errorf("market: get ws auth: %w: %s", domain.ErrAPIRejected, resp.Error)
	}
	return resp.WSAuth, nil
}

// GetOperationHistory returns account operations between start and end.
func (c *Client) GetOperationHistory(ctx context.Context, start, end time.Time) (domain.HistoryResult, error) {
	var resp apiHistoryResponse
	path := []string{
		"OperationHistory",
		strconv.FormatInt(start.Unix(), 10),
		strconv.FormatInt(end.Unix(), 10),
	}
	if err := c.call(ctx, path, nil, &resp); err != nil {
		return domain.HistoryResult{}, fmt.Errorf("market: operation history: %w", err)
	}

	res := domain.HistoryResult{Success: resp.Success}
	for _, e := range resp.History {
		ev := domain.HistoryEvent{
			Type:     e.Event,
			MarketID: string(e.Item),
			Stage:    int(e.Stage.Int()),
		}
		if e.Time.set {
			ev.Time = time.Unix(e.Time.Int(), 0)
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// PingPong keeps the account marked online for sales.
func (c *Client) PingPong(ctx context.Context) (domain.PingResult, error) {
	var resp apiPingResponse
	if err := c.call(ctx, []string{"PingPong"}, nil, &resp); err != nil {
		return domain.PingResult{}, fmt.Errorf("market: ping pong: %w", err)
	}
	msg := resp.Ping
	if msg == "" {
		msg = resp.Error
	}
	return domain.PingResult{Status: pingStatus(resp.Success, msg), Message: msg}, nil
}

// GetTradeToken returns the trade token registered on the account.
func (c *Client) GetTradeToken(ctx context.Context) (string, error) {
	var resp apiTokenResponse
	if err := c.call(ctx, []string{"GetToken"}, nil, &resp); err != nil {
		return "", fmt.Errorf("market: get token: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("market: get token: %w: %s", domain.ErrAPIRejected, resp.Error)
	}
	return resp.Token, nil
}

// SetTradeToken registers token on the account.
func (c *Client) SetTradeToken(ctx context.Context, token string) error {
	var resp apiTokenResponse
	if err := c.call(ctx, []string{"SetToken", token}, nil, &resp); err != nil {
		return fmt.Errorf("market: set token: %w", err)
	}
	if !resp.Success {
		if resp.Error == msgBadTokenInvClosed {
			return fmt.Errorf("market: set token: %w", domain.ErrInventoryClosed)
		}
		return fmt.Errorf("market: set token: %w: %s", domain.ErrAPIRejected, resp.Error)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// call performs one API method with transport retries and decodes the JSON
// answer into out.
func (c *Client) call(ctx context.Context, path []string, query url.Values, out any) error {
	endpoint := c.endpoint(path, query)
	method := path[0]

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				return err
			}
			c.logger.DebugContext(ctx, "retrying request",
				slog.String("method", method),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
		}

		body, err := c.do(ctx, method, endpoint)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s: %w", method, err)
			}
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) endpoint(path []string, query url.Values) string {
	escaped := make([]string, len(path))
	for i, p := range path {
		escaped[i] = url.PathEscape(p)
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("key", c.cfg.APIKey)
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.TrimSuffix(strings.Join(escaped, "/"), "/") + "/?" + q.Encode()
}

// errTransport marks failures worth retrying.
type errTransport struct{ err error }

func (e errTransport) Error() string { return e.err.Error() }
func (e errTransport) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te errTransport
	return errors.As(err, &te)
}

func (c *Client) do(ctx context.Context, method, endpoint string) ([]byte, error) {
	if c.limiter != nil && c.cfg.RateLimit > 0 {
		if err := c.limiter.Wait(ctx, rateLimitKey, c.cfg.RateLimit, c.cfg.RateWindow); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errTransport{fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errTransport{fmt.Errorf("read response: %w", err)}
	}

	if !json.Valid(body) {
		c.saveErrorBody(method, body)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, errTransport{fmt.Errorf("%w: non-JSON answer to %s", domain.ErrServerError, method)}
		}
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		if resp.StatusCode >= 500 {
			return nil, errTransport{err}
		}
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := truncate(string(body), 512)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrServerError, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// saveErrorBody writes an HTML answer to the error log dir for later study.
func (c *Client) saveErrorBody(method string, body []byte) {
	if c.cfg.ErrorLogDir == "" || len(body) == 0 {
		return
	}
	if err := os.MkdirAll(c.cfg.ErrorLogDir, 0o755); err != nil {
		c.logger.Warn("create error log dir failed", slog.String("error", err.Error()))
		return
	}
	name := fmt.Sprintf("%s_%s.html", method, time.Now().UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(c.cfg.ErrorLogDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		c.logger.Warn("save html answer failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Warn("non-JSON answer saved", slog.String("method", method), slog.String("path", path))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ domain.TradeAPI   = (*Client)(nil)
	_ domain.AccountAPI = (*Client)(nil)
)
