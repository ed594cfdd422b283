package upos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// NewRetryingClient creates the HTTP client shared by all requests of a session.
// Every request carries the given headers. Transient failures (connection errors,
// timeouts, 429 and 5xx responses) are retried with exponential backoff up to
// config.MaxRetries times; other failures are returned immediately.
// After the last attempt the final response or error is passed through unchanged.
func NewRetryingClient(config Config, headers http.Header) *retryablehttp.Client {
	logger := config.logger()

	base := config.HTTPClient
	if base == nil {
		base = DefaultHTTPClient()
	}
	httpClient := *base
	httpClient.Timeout = config.Timeout
	httpClient.Transport = &headerTransport{
		base:    base.Transport,
		headers: headers.Clone(),
	}

	client := retryhttp.NewClient(logger)
	client.HTTPClient = &httpClient
	client.RetryMax = config.MaxRetries
	client.RetryWaitMin = config.RetryWaitMin
	client.RetryWaitMax = config.RetryWaitMax
	client.Backoff = exponentialBackoff(config.BackoffFactor, config.Jitter)
	client.CheckRetry = createRetryPolicy(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return client
}

// DefaultHTTPClient creates an HTTP client tuned for parallel part uploads to one host.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxConnsPerHost:     10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func createRetryPolicy(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if retry {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			logger.Debugf("CheckRetry: retrying request; status=%d; err=%v", status, err)
		}
		return retry, checkErr
	}
}

// exponentialBackoff waits min*factor^attempt, capped at max. Retry-After is honoured on 429 and 503.
func exponentialBackoff(factor float64, jitter bool) retryablehttp.Backoff {
	return func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if wait, ok := retryAfter(resp); ok {
			if wait > max {
				return max
			}
			return wait
		}

		wait := float64(min) * math.Pow(factor, float64(attemptNum))
		if wait > float64(max) || math.IsInf(wait, 1) {
			wait = float64(max)
		}
		d := time.Duration(wait)

		if jitter && d > 1 {
			half := d / 2
			d = half + time.Duration(rand.Int63n(int64(half)+1))
		}
		return d
	}
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// classifyTransportError maps an error returned by the retrying client to an error kind.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), nil, err); retry {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// headerTransport sets a fixed header set on every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for key, values := range t.headers {
		req.Header[key] = values
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// CloseIdleConnections closes idle connections of the wrapped transport.
func (t *headerTransport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if c, ok := t.base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}
