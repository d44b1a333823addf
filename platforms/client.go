package platforms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"game-library-sync/logging"
	"game-library-sync/metrics"
	"game-library-sync/models"
)

const maxResponseBytes = 16 << 20

// ClientConfig configures the HTTP client shared by one adapter.
type ClientConfig struct {
	Platform  models.Platform
	BaseURL   string
	Header    http.Header // sent on every request
	PageDelay time.Duration
	HTTP      *http.Client
}

// Call describes one GET request.
type Call struct {
	Op     string // for error messages, e.g. "owned games"
	Path   string
	Query  url.Values
	Header http.Header
}

// Client performs rate-limited, breaker-protected GET requests and maps
// failures onto adapter error kinds.
type Client struct {
	platform  models.Platform
	baseURL   string
	header    http.Header
	pageDelay time.Duration
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	name := string(cfg.Platform) + "-api"
	metrics.CircuitBreakerState.WithLabelValues(string(cfg.Platform)).Set(0)

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("[ADAPTER] Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(string(cfg.Platform)).Set(float64(to))
		},
		// An unknown or private account says nothing about platform health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsTerminal(err)
		},
	})

	return &Client{
		platform:  cfg.Platform,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		header:    cfg.Header,
		pageDelay: cfg.PageDelay,
		http:      httpClient,
		breaker:   breaker,
	}
}

// GetJSON waits on the limiter, performs the call and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, limiter *RateLimiter, call Call, out any) error {
	body, err := c.Get(ctx, limiter, call)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.count(KindMalformed.String())
		return NewError(c.platform, KindMalformed, call.Op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Get returns the raw body of a 2xx response.
func (c *Client) Get(ctx context.Context, limiter *RateLimiter, call Call) ([]byte, error) {
	if err := limiter.Wait(ctx, c.platform); err != nil {
		return nil, err
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, call)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.count("breaker_open")
			return nil, NewError(c.platform, KindNetwork, call.Op, err)
		}
		if kind, ok := KindOf(err); ok {
			c.count(kind.String())
		}
		return nil, err
	}
	c.count("ok")
	return body, nil
}

func (c *Client) do(ctx context.Context, call Call) ([]byte, error) {
	target := c.baseURL + call.Path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, NewError(c.platform, KindMalformed, call.Op, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(c.platform, KindNetwork, call.Op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewError(c.platform, KindNetwork, call.Op, fmt.Errorf("read body: %w", err))
	}

	if kind, failed := kindForStatus(resp.StatusCode); failed {
		return body, &Error{
			Kind:       kind,
			Platform:   c.platform,
			Op:         call.Op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return body, nil
}

func kindForStatus(code int) (ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return 0, false
	case code == http.StatusNotFound:
		return KindNotFound, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindPrivate, true
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code >= 500:
		return KindNetwork, true
	default:
		return KindMalformed, true
	}
}

// Pause sleeps for the configured page delay between paginated requests.
func (c *Client) Pause(ctx context.Context) error {
	if c.pageDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(c.pageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return NewError(c.platform, KindNetwork, "pause", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (c *Client) count(result string) {
	metrics.AdapterRequestsTotal.WithLabelValues(string(c.platform), result).Inc()
}
