package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pricehook/observability"

	hook "pricehook/native/hook"
)

// Registry constructs feed clients based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry whose outbound requests carry trace context.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

// Build creates a feed client from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey string) (hook.FeedClient, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "finnhub":
		return instrument(newFinnhubClient(r.client(), name, endpoint, apiKey)), nil
	case "rest":
		return instrument(newRestClient(r.client(), name, endpoint, apiKey)), nil
	case "manual":
		return hook.NewManualFeed(name), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// instrumentedClient wraps a feed client with fetch metrics.
type instrumentedClient struct {
	inner hook.FeedClient
}

func instrument(inner hook.FeedClient) hook.FeedClient {
	return &instrumentedClient{inner: inner}
}

func (c *instrumentedClient) Name() string { return c.inner.Name() }

func (c *instrumentedClient) Fetch(ctx context.Context, symbol string) (hook.PriceReading, error) {
	start := time.Now()
	reading, err := c.inner.Fetch(ctx, symbol)
	observability.Metrics().ObserveFetch(c.inner.Name(), err, time.Since(start))
	if err != nil {
		observability.Metrics().ObserveFeedError(c.inner.Name(), "transport")
	}
	return reading, err
}

// finnhubClient fetches real-time quotes from the Finnhub quote endpoint.
type finnhubClient struct {
	client   *http.Client
	name     string
	endpoint string
	apiKey   string
}

const defaultFinnhubEndpoint = "https://finnhub.io/api/v1/quote"

func newFinnhubClient(client *http.Client, name, endpoint, apiKey string) *finnhubClient {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultFinnhubEndpoint
	}
	return &finnhubClient{client: client, name: label(name, "finnhub"), endpoint: ep, apiKey: strings.TrimSpace(apiKey)}
}

func (f *finnhubClient) Name() string { return f.name }

func (f *finnhubClient) Fetch(ctx context.Context, symbol string) (hook.PriceReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return hook.PriceReading{}, err
	}
	values := url.Values{}
	values.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("X-Finnhub-Token", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return hook.PriceReading{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return hook.PriceReading{}, fmt.Errorf("finnhub: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Current   float64 `json:"c"`
		Timestamp int64   `json:"t"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return hook.PriceReading{}, fmt.Errorf("finnhub: decode: %w", err)
	}
	if payload.Current <= 0 {
		return hook.PriceReading{}, fmt.Errorf("finnhub: empty quote for %s", symbol)
	}
	price := new(big.Rat).SetFloat64(payload.Current)
	if price == nil {
		return hook.PriceReading{}, fmt.Errorf("finnhub: unrepresentable quote for %s", symbol)
	}
	return hook.PriceReading{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Price:      price,
		ObservedAt: time.Unix(payload.Timestamp, 0).UTC(),
		Source:     f.name,
	}, nil
}

// restClient fetches quotes from a generic JSON endpoint returning
// {"price": "...", "timestamp": <unix seconds>}.
type restClient struct {
	client   *http.Client
	name     string
	endpoint string
	apiKey   string
}

func newRestClient(client *http.Client, name, endpoint, apiKey string) *restClient {
	return &restClient{client: client, name: label(name, "rest"), endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey)}
}

func (r *restClient) Name() string { return r.name }

func (r *restClient) Fetch(ctx context.Context, symbol string) (hook.PriceReading, error) {
	if r.endpoint == "" {
		return hook.PriceReading{}, fmt.Errorf("rest source %s: endpoint required", r.name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return hook.PriceReading{}, err
	}
	values := url.Values{}
	values.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	req.URL.RawQuery = values.Encode()
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return hook.PriceReading{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return hook.PriceReading{}, fmt.Errorf("rest source %s: status %d: %s", r.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return hook.PriceReading{}, fmt.Errorf("rest source %s: decode: %w", r.name, err)
	}
	price, ok := new(big.Rat).SetString(strings.TrimSpace(payload.Price))
	if !ok {
		return hook.PriceReading{}, fmt.Errorf("rest source %s: invalid price %q", r.name, payload.Price)
	}
	return hook.PriceReading{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Price:      price,
		ObservedAt: time.Unix(payload.Timestamp, 0).UTC(),
		Source:     r.name,
	}, nil
}

func label(name, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
