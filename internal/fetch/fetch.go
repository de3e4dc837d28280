// Package fetch performs upstream HTTP calls with retry and backoff.
//
// DESIGN: Transient failures (429, 5xx, network errors) are retried with
// exponential backoff plus jitter, honoring Retry-After when the upstream
// sends one. After the retry budget is spent, the last HTTP response is
// returned as-is — an exhausted 503 is still the upstream's answer and the
// caller relays it. Only network-level errors surface as errors.
package fetch

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Options tune a Client.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
	// OnRetry, when set, is invoked once per retry attempt.
	OnRetry func()
}

// Client wraps an http.Client with retry policy.
type Client struct {
	httpClient *http.Client
	opts       Options

	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a retrying fetch client. A nil httpClient uses a
// default with a 2 minute timeout.
func NewClient(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	}
	return &Client{
		httpClient: httpClient,
		opts:       opts,
		sleep:      sleepCtx,
	}
}

// Do executes req, retrying transient failures. The request must have
// GetBody set (or no body) so attempts can be replayed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		attemptReq, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(attemptReq)
		if err != nil {
			if attempt >= c.opts.MaxRetries {
				return nil, fmt.Errorf("upstream %s unreachable after %d attempts: %w",
					req.URL.Host, attempt+1, err)
			}
			c.noteRetry()
			delay := c.backoff(attempt, 0)
			log.Warn().
				Str("host", req.URL.Host).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("upstream network error, retrying")
			if err := c.sleep(req.Context(), delay); err != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || attempt >= c.opts.MaxRetries {
			return resp, nil
		}

		c.noteRetry()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		delay := c.backoff(attempt, retryAfter)
		log.Warn().
			Str("host", req.URL.Host).
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("upstream transient failure, retrying")

		drainClose(resp)
		if err := c.sleep(req.Context(), delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) noteRetry() {
	if c.opts.OnRetry != nil {
		c.opts.OnRetry()
	}
}

// backoff computes max(retryAfter, base*2^attempt) plus jitter.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := c.opts.BaseDelay * (1 << attempt)
	if retryAfter > delay {
		delay = retryAfter
	}
	if c.opts.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.opts.MaxJitter)))
	}
	return delay
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
// Unparsable values yield zero and the exponential delay wins.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// cloneRequest produces a fresh request for one attempt, replaying the
// body via GetBody.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func drainClose(resp *http.Response) {
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
