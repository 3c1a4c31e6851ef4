package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the API root; endpoint paths start with /marketdata/v1.
const DefaultBaseURL = "https://api.schwabapi.com"

// DefaultTimeout bounds a single market data request.
const DefaultTimeout = 5 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 << 20

var (
	// ErrInvalidParams reports an unknown or missing request parameter.
	ErrInvalidParams = errors.New("invalid request parameters")
	// ErrInvalidResponse reports a response body that is not JSON.
	ErrInvalidResponse = errors.New("invalid response body")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Params are query parameters for endpoints that take free-form options.
type Params map[string]string

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.rawBaseURL = baseURL
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithTransport sets the base transport beneath bearer authentication.
func WithTransport(base http.RoundTripper) Option {
	return func(c *Client) {
		c.base = base
	}
}

// Client issues read-only market data requests authorized with the bearer
// token supplied by an oauth2.TokenSource.
type Client struct {
	rawBaseURL string
	baseURL    *url.URL
	base       http.RoundTripper
	httpClient *http.Client
}

// New creates a Client. The token source is consulted on every request.
func New(ts oauth2.TokenSource, opts ...Option) (*Client, error) {
	if ts == nil {
		return nil, errors.New("missing token source")
	}

	c := &Client{
		rawBaseURL: DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", c.httpClient.Timeout)
	}

	u, err := url.Parse(c.rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: not absolute", c.rawBaseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	c.baseURL = u

	c.httpClient.Transport = &oauth2.Transport{Source: ts, Base: c.base}
	return c, nil
}

var priceHistoryKeys = keySet(
	"symbol", "periodType", "frequencyType", "period", "frequency",
	"startDate", "endDate", "needExtendedHoursData", "needPreviousClose",
)

// PriceHistory returns OHLCV candles for a symbol. Dates are epoch milliseconds,
// see DateTimeToEpochMillis.
func (c *Client) PriceHistory(ctx context.Context, params Params) (json.RawMessage, error) {
	if err := checkParams(params, priceHistoryKeys, "symbol"); err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	return c.get(ctx, "/marketdata/v1/pricehistory", params)
}

var optionChainKeys = keySet(
	"symbol", "contractType", "strikeCount", "includeUnderlyingQuote", "strategy",
	"interval", "strike", "range", "fromDate", "toDate", "volatility", "underlyingPrice",
	"interestRate", "daysToExpiration", "expMonth", "optionType", "entitlement",
)

// OptionChains returns option contracts for each expiration of a symbol.
func (c *Client) OptionChains(ctx context.Context, params Params) (json.RawMessage, error) {
	if err := checkParams(params, optionChainKeys, "symbol"); err != nil {
		return nil, fmt.Errorf("option chains: %w", err)
	}
	return c.get(ctx, "/marketdata/v1/chains", params)
}

// OptionExpirationChain returns the expiration series of an optionable symbol.
func (c *Client) OptionExpirationChain(ctx context.Context, symbol string) (json.RawMessage, error) {
	if symbol == "" {
		return nil, fmt.Errorf("option expiration chain: %w: symbol is required", ErrInvalidParams)
	}
	return c.get(ctx, "/marketdata/v1/expirationchain", Params{"symbol": symbol})
}

// MarketHours returns session hours for the comma separated markets
// (equity, option, bond, future, forex). An empty date or "TODAY" means today;
// otherwise date is YYYY-MM-DD.
func (c *Client) MarketHours(ctx context.Context, markets, date string) (json.RawMessage, error) {
	if markets == "" {
		return nil, fmt.Errorf("market hours: %w: markets is required", ErrInvalidParams)
	}
	params := Params{"markets": markets}
	if date != "" && date != "TODAY" {
		params["date"] = date
	}
	return c.get(ctx, "/marketdata/v1/markets", params)
}

// Movers returns the top movers of an index such as $SPX or NASDAQ. An empty
// sort (or "NONE") leaves ordering and frequency to the server.
func (c *Client) Movers(ctx context.Context, index, sortBy string, frequency int) (json.RawMessage, error) {
	if index == "" {
		return nil, fmt.Errorf("movers: %w: index is required", ErrInvalidParams)
	}
	params := Params{}
	if sortBy != "" && sortBy != "NONE" {
		params["sort"] = sortBy
		params["frequency"] = strconv.Itoa(frequency)
	}
	return c.get(ctx, "/marketdata/v1/movers/"+url.PathEscape(index), params)
}

// Instruments searches instruments using a projection such as symbol-search or fundamental.
func (c *Client) Instruments(ctx context.Context, symbol, projection string) (json.RawMessage, error) {
	if symbol == "" || projection == "" {
		return nil, fmt.Errorf("instruments: %w: symbol and projection are required", ErrInvalidParams)
	}
	return c.get(ctx, "/marketdata/v1/instruments", Params{"symbol": symbol, "projection": projection})
}

// InstrumentByCUSIP returns basic instrument details.
func (c *Client) InstrumentByCUSIP(ctx context.Context, cusip string) (json.RawMessage, error) {
	if cusip == "" {
		return nil, fmt.Errorf("instrument by cusip: %w: cusip is required", ErrInvalidParams)
	}
	return c.get(ctx, "/marketdata/v1/instruments/"+url.PathEscape(cusip), nil)
}

// Quotes returns quotes for several symbols. fields is a comma separated list of
// root nodes (quote, fundamental, extended, reference, regular); empty or "ALL"
// requests everything.
func (c *Client) Quotes(ctx context.Context, symbols []string, fields string, indicative bool) (json.RawMessage, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("quotes: %w: at least one symbol is required", ErrInvalidParams)
	}
	for _, s := range symbols {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("quotes: %w: empty symbol", ErrInvalidParams)
		}
	}
	params := Params{
		"symbols":    strings.Join(symbols, ","),
		"indicative": strconv.FormatBool(indicative),
	}
	if fields != "" && fields != "ALL" {
		params["fields"] = fields
	}
	return c.get(ctx, "/marketdata/v1/quotes", params)
}

// Quote returns the quote of a single symbol.
func (c *Client) Quote(ctx context.Context, symbol, fields string) (json.RawMessage, error) {
	if symbol == "" {
		return nil, fmt.Errorf("quote: %w: symbol is required", ErrInvalidParams)
	}
	params := Params{}
	if fields != "" && fields != "ALL" {
		params["fields"] = fields
	}
	return c.get(ctx, "/marketdata/v1/"+url.PathEscape(symbol)+"/quotes", params)
}

// get requests path, which must already be escaped, relative to the base URL.
func (c *Client) get(ctx context.Context, path string, params Params) (json.RawMessage, error) {
	u := *c.baseURL
	rawPath := u.EscapedPath() + path
	unescaped, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed path %q", ErrInvalidParams, path)
	}
	u.Path, u.RawPath = unescaped, rawPath
	u.RawQuery = encode(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", path, err)
	}

	slog.DebugContext(ctx, "market data request",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: %w", path, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)})
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: %w", path, ErrInvalidResponse)
	}
	return json.RawMessage(body), nil
}

// checkParams rejects keys outside allowed and reports missing required keys.
func checkParams(params Params, allowed map[string]struct{}, required ...string) error {
	var unknown []string
	for key := range params {
		if _, ok := allowed[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown keys %s", ErrInvalidParams, strings.Join(unknown, ", "))
	}
	for _, key := range required {
		if params[key] == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
		}
	}
	return nil
}

func keySet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func encode(params Params) string {
	if len(params) == 0 {
		return ""
	}
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
