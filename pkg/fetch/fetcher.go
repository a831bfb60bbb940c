package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ssb-archive/pkg/config"
	"ssb-archive/pkg/utils"
)

// Fetcher performs single HTTP requests against the origin with retry, backoff and jitter
type Fetcher struct {
	client            *http.Client
	maxRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
	log               *logrus.Entry
}

// NewFetcher creates a Fetcher using the retry settings of cfg
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:            client,
		maxRetries:        cfg.MaxRetries,
		initialRetryDelay: cfg.InitialRetryDelay,
		maxRetryDelay:     cfg.MaxRetryDelay,
		log:               log,
	}
}

// backoff returns the jittered delay before retry number attempt (attempt >= 1)
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(f.initialRetryDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (f.maxRetryDelay > 0 && delay > f.maxRetryDelay) {
		delay = f.maxRetryDelay
	}
	if delay <= 0 {
		return 0
	}
	// +/- 10%
	var jitter time.Duration
	if span := int64(delay) / 5; span > 0 {
		jitter = time.Duration(rand.Int63n(span)) - delay/10
	}
	if final := delay + jitter; final > 0 {
		return final
	}
	return 0
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// FetchWithRetry executes req, retrying network errors, 5xx and 429 with capped exponential backoff.
// On success the caller owns resp.Body. Non-retryable 4xx and other non-2xx statuses return the
// response together with a wrapped sentinel error; the caller must close that body too.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	reqLog := f.log.WithField("url", req.URL.String())

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) after error: %w", err, lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", err)
		}

		if attempt > 0 {
			delay := f.backoff(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.maxRetries, "delay": delay}).Warn("Retrying request...")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drainAndClose(resp)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reqLog.Warnf("Context cancelled/timed out during request: %v", err)
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", err)
			lastErr = err
			continue
		}

		status := resp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": status, "attempt": attempt})
		switch {
		case status >= 200 && status < 300:
			resLog.Debug("Successfully fetched")
			return resp, nil

		case status >= 500:
			resLog.Warn("Server error, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, status, resp.Status)
			drainAndClose(resp)

		case status == http.StatusTooManyRequests:
			resLog.Warn("Received 429 Too Many Requests, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, status, resp.Status)
			drainAndClose(resp)

		case status >= 400:
			resLog.Debug("Client error (4xx), not retrying")
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, status, resp.Status)

		default:
			resLog.Warnf("Non-retryable status: %d", status)
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, status, resp.Status)
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", f.maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}
