package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// recorder captures the last request seen by the test server.
type recorder struct {
	mu     sync.Mutex
	path   string
	query  url.Values
	auth   string
	accept string
	calls  int
}

func (r *recorder) snapshot() (string, url.Values, string, string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path, r.query, r.auth, r.accept, r.calls
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec.mu.Lock()
		rec.path = req.URL.EscapedPath()
		rec.query = req.URL.Query()
		rec.auth = req.Header.Get("Authorization")
		rec.accept = req.Header.Get("Accept")
		rec.calls++
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-1", TokenType: "Bearer"})
	c, err := New(ts, append([]Option{WithBaseURL(baseURL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "a"})

	tests := []struct {
		name    string
		ts      oauth2.TokenSource
		opts    []Option
		wantErr bool
	}{
		{name: "defaults", ts: ts},
		{name: "missing token source", ts: nil, wantErr: true},
		{name: "relative base url", ts: ts, opts: []Option{WithBaseURL("/marketdata")}, wantErr: true},
		{name: "zero timeout", ts: ts, opts: []Option{WithTimeout(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.ts, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequests(t *testing.T) {
	tests := []struct {
		name      string
		call      func(context.Context, *Client) error
		wantPath  string
		wantQuery url.Values
	}{
		{
			name: "quotes",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Quotes(ctx, []string{"AAPL", "MSFT"}, "quote,reference", true)
				return err
			},
			wantPath:  "/marketdata/v1/quotes",
			wantQuery: url.Values{"symbols": {"AAPL,MSFT"}, "fields": {"quote,reference"}, "indicative": {"true"}},
		},
		{
			name: "quotes all fields",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Quotes(ctx, []string{"AAPL"}, "ALL", false)
				return err
			},
			wantPath:  "/marketdata/v1/quotes",
			wantQuery: url.Values{"symbols": {"AAPL"}, "indicative": {"false"}},
		},
		{
			name: "single quote",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Quote(ctx, "$SPX", "")
				return err
			},
			wantPath:  "/marketdata/v1/$SPX/quotes",
			wantQuery: url.Values{},
		},
		{
			name: "single quote with slash",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Quote(ctx, "BRK/B", "")
				return err
			},
			wantPath:  "/marketdata/v1/BRK%2FB/quotes",
			wantQuery: url.Values{},
		},
		{
			name: "price history",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.PriceHistory(ctx, Params{"symbol": "AAPL", "periodType": "day"})
				return err
			},
			wantPath:  "/marketdata/v1/pricehistory",
			wantQuery: url.Values{"symbol": {"AAPL"}, "periodType": {"day"}},
		},
		{
			name: "option chains",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.OptionChains(ctx, Params{"symbol": "AAPL", "contractType": "CALL"})
				return err
			},
			wantPath:  "/marketdata/v1/chains",
			wantQuery: url.Values{"symbol": {"AAPL"}, "contractType": {"CALL"}},
		},
		{
			name: "expiration chain",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.OptionExpirationChain(ctx, "AAPL")
				return err
			},
			wantPath:  "/marketdata/v1/expirationchain",
			wantQuery: url.Values{"symbol": {"AAPL"}},
		},
		{
			name: "market hours today",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.MarketHours(ctx, "equity,option", "TODAY")
				return err
			},
			wantPath:  "/marketdata/v1/markets",
			wantQuery: url.Values{"markets": {"equity,option"}},
		},
		{
			name: "market hours dated",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.MarketHours(ctx, "bond", "2025-01-02")
				return err
			},
			wantPath:  "/marketdata/v1/markets",
			wantQuery: url.Values{"markets": {"bond"}, "date": {"2025-01-02"}},
		},
		{
			name: "movers sorted",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Movers(ctx, "$DJI", "VOLUME", 5)
				return err
			},
			wantPath:  "/marketdata/v1/movers/$DJI",
			wantQuery: url.Values{"sort": {"VOLUME"}, "frequency": {"5"}},
		},
		{
			name: "movers unsorted",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Movers(ctx, "NASDAQ", "NONE", 10)
				return err
			},
			wantPath:  "/marketdata/v1/movers/NASDAQ",
			wantQuery: url.Values{},
		},
		{
			name: "instruments",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.Instruments(ctx, "AAPL", "fundamental")
				return err
			},
			wantPath:  "/marketdata/v1/instruments",
			wantQuery: url.Values{"symbol": {"AAPL"}, "projection": {"fundamental"}},
		},
		{
			name: "instrument by cusip",
			call: func(ctx context.Context, c *Client) error {
				_, err := c.InstrumentByCUSIP(ctx, "037833100")
				return err
			},
			wantPath:  "/marketdata/v1/instruments/037833100",
			wantQuery: url.Values{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newServer(t, http.StatusOK, `{"ok":true}`)
			c := newTestClient(t, srv.URL)

			if err := tt.call(context.Background(), c); err != nil {
				t.Fatalf("request failed: %v", err)
			}

			path, query, auth, accept, _ := rec.snapshot()
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
			if len(query) != len(tt.wantQuery) {
				t.Errorf("query = %v, want %v", query, tt.wantQuery)
			}
			for k, want := range tt.wantQuery {
				if got := query.Get(k); got != want[0] {
					t.Errorf("query[%s] = %q, want %q", k, got, want[0])
				}
			}
			if auth != "Bearer access-1" {
				t.Errorf("Authorization = %q, want bearer token", auth)
			}
			if accept != "application/json" {
				t.Errorf("Accept = %q", accept)
			}
		})
	}
}

func TestInvalidParamsNeverReachServer(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, `{}`)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"unknown price history key", func() error {
			_, err := c.PriceHistory(ctx, Params{"symbol": "AAPL", "bogus": "1"})
			return err
		}},
		{"missing price history symbol", func() error {
			_, err := c.PriceHistory(ctx, Params{"periodType": "day"})
			return err
		}},
		{"unknown option chain key", func() error {
			_, err := c.OptionChains(ctx, Params{"symbol": "AAPL", "periodType": "day"})
			return err
		}},
		{"no quote symbols", func() error {
			_, err := c.Quotes(ctx, nil, "", false)
			return err
		}},
		{"blank quote symbol", func() error {
			_, err := c.Quotes(ctx, []string{"AAPL", " "}, "", false)
			return err
		}},
		{"empty quote symbol", func() error {
			_, err := c.Quote(ctx, "", "")
			return err
		}},
		{"empty markets", func() error {
			_, err := c.MarketHours(ctx, "", "")
			return err
		}},
		{"empty movers index", func() error {
			_, err := c.Movers(ctx, "", "VOLUME", 0)
			return err
		}},
		{"empty projection", func() error {
			_, err := c.Instruments(ctx, "AAPL", "")
			return err
		}},
		{"empty cusip", func() error {
			_, err := c.InstrumentByCUSIP(ctx, "")
			return err
		}},
		{"empty expiration symbol", func() error {
			_, err := c.OptionExpirationChain(ctx, "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("error = %v, want ErrInvalidParams", err)
			}
		})
	}

	if _, _, _, _, calls := rec.snapshot(); calls != 0 {
		t.Errorf("server received %d requests, want 0", calls)
	}
}

func TestResponseHandling(t *testing.T) {
	t.Run("raw body returned", func(t *testing.T) {
		srv, _ := newServer(t, http.StatusOK, `{"AAPL":{"quote":{"lastPrice":1.5}}}`)
		c := newTestClient(t, srv.URL)

		got, err := c.Quote(context.Background(), "AAPL", "")
		if err != nil {
			t.Fatalf("Quote: %v", err)
		}
		if string(got) != `{"AAPL":{"quote":{"lastPrice":1.5}}}` {
			t.Errorf("body = %s", got)
		}
	})

	t.Run("non-2xx is StatusError", func(t *testing.T) {
		srv, _ := newServer(t, http.StatusUnauthorized, `{"error":"expired"}`)
		c := newTestClient(t, srv.URL)

		_, err := c.Quote(context.Background(), "AAPL", "")
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("error = %v, want StatusError", err)
		}
		if statusErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("StatusCode = %d", statusErr.StatusCode)
		}
	})

	t.Run("non-JSON body", func(t *testing.T) {
		srv, _ := newServer(t, http.StatusOK, `<html>`)
		c := newTestClient(t, srv.URL)

		if _, err := c.Quote(context.Background(), "AAPL", ""); !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("error = %v, want ErrInvalidResponse", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		c := newTestClient(t, srv.URL, WithTimeout(50*time.Millisecond))
		start := time.Now()
		if _, err := c.Quote(context.Background(), "AAPL", ""); err == nil {
			t.Fatal("expected timeout error")
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("request took %s, timeout not applied", elapsed)
		}
	})
}

func TestTokenSourceConsultedPerRequest(t *testing.T) {
	srv, rec := newServer(t, http.StatusOK, `{}`)

	var (
		mu    sync.Mutex
		token = "access-1"
	)
	ts := tokenSourceFunc(func() (*oauth2.Token, error) {
		mu.Lock()
		defer mu.Unlock()
		return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
	})
	c, err := New(ts, WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Quote(context.Background(), "AAPL", ""); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	mu.Lock()
	token = "access-2"
	mu.Unlock()
	if _, err := c.Quote(context.Background(), "AAPL", ""); err != nil {
		t.Fatalf("Quote: %v", err)
	}

	if _, _, auth, _, _ := rec.snapshot(); auth != "Bearer access-2" {
		t.Errorf("Authorization = %q, want rotated token", auth)
	}
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func TestEpochConversions(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) (int64, error)
		input   string
		want    int64
		wantErr bool
	}{
		{name: "datetime", fn: DateTimeToEpochMillis, input: "02-01-2024 15:04:05", want: 1704207845000},
		{name: "epoch start", fn: DateTimeToEpochMillis, input: "01-01-1970 00:00:00", want: 0},
		{name: "date", fn: DateToEpochMillis, input: "02-01-2024", want: 1704153600000},
		{name: "wrong order", fn: DateToEpochMillis, input: "2024-01-02", wantErr: true},
		{name: "missing time", fn: DateTimeToEpochMillis, input: "02-01-2024", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParams) {
					t.Errorf("error = %v, want ErrInvalidParams", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
