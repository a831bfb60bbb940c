package fetch

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"ssb-archive/pkg/config"
	"ssb-archive/pkg/metrics"
	"ssb-archive/pkg/parse"
	"ssb-archive/pkg/utils"
)

// Response is a fully read origin response
type Response struct {
	Key         string
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
}

// MediaType is the declared media type without parameters, sniffed from the body when absent or malformed
func (r *Response) MediaType() string {
	if r.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(r.ContentType); err == nil {
			return strings.ToLower(mt)
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(r.Body))
	return mt
}

// Origin fetches references from the single origin host. Every reference is requested at most once
// while it stays in the cache: concurrent callers share one request and failures are cached too.
type Origin struct {
	base      string
	fetcher   *Fetcher
	limiter   *RateLimiter
	sem       *semaphore.Weighted
	semWait   time.Duration
	userAgent string
	maxBytes  int64

	cache   *lru.Cache[string, *Response] // nil value records a failed fetch
	group   singleflight.Group
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewOrigin creates the fetch cache for cfg.Host
func NewOrigin(cfg *config.AppConfig, fetcher *Fetcher, limiter *RateLimiter, m *metrics.Metrics, log *logrus.Entry) (*Origin, error) {
	cache, err := lru.New[string, *Response](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch cache: %w", utils.ErrConfigValidation, err)
	}
	return &Origin{
		base:      strings.TrimSuffix(cfg.Host, "/"),
		fetcher:   fetcher,
		limiter:   limiter,
		sem:       semaphore.NewWeighted(int64(cfg.MaxRequests)),
		semWait:   cfg.SemaphoreTimeout,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBodyBytes,
		cache:     cache,
		metrics:   m,
		log:       log.WithField("component", "origin"),
	}, nil
}

// Base is the origin URL without trailing slash
func (o *Origin) Base() string {
	return o.base
}

// Fetch returns the response for ref. Any failure (network, non-2xx, oversized body) is reported
// as ErrUnavailable and remembered so later callers fail without another request.
func (o *Origin) Fetch(ctx context.Context, ref parse.Ref) (*Response, error) {
	key := ref.Key()
	if resp, ok := o.cache.Get(key); ok {
		o.metrics.CacheHit()
		if resp == nil {
			return nil, fmt.Errorf("%w: '%s' failed earlier", utils.ErrUnavailable, key)
		}
		return resp, nil
	}

	v, err, _ := o.group.Do(key, func() (any, error) {
		// A caller that lost the race to a finished flight finds the result here
		if resp, ok := o.cache.Get(key); ok {
			o.metrics.CacheHit()
			if resp == nil {
				return nil, fmt.Errorf("%w: '%s' failed earlier", utils.ErrUnavailable, key)
			}
			return resp, nil
		}
		o.metrics.CacheMiss()

		resp, err := o.fetch(ctx, key)
		if err != nil {
			// Cancellation says nothing about the reference; leave it uncached
			if ctx.Err() != nil {
				return nil, err
			}
			o.cache.Add(key, nil)
			return nil, fmt.Errorf("%w: %w", utils.ErrUnavailable, err)
		}
		o.cache.Add(key, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (o *Origin) fetch(ctx context.Context, key string) (*Response, error) {
	fetchLog := o.log.WithField("ref", key)

	semCtx, cancel := context.WithTimeout(ctx, o.semWait)
	err := o.sem.Acquire(semCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", utils.ErrSemaphoreTimeout, err)
	}
	defer o.sem.Release(1)

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", o.userAgent)
	req.Header.Set("Accept-Encoding", acceptEncoding)

	start := time.Now()
	resp, err := o.fetcher.FetchWithRetry(ctx, req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	o.metrics.OriginRequest(status, time.Since(start))
	if err != nil {
		drainAndClose(resp)
		fetchLog.WithField("error_type", utils.CategorizeError(err)).Debugf("Fetch failed: %v", err)
		return nil, err
	}

	body, err := readBody(resp, o.maxBytes)
	if err != nil {
		return nil, err
	}
	fetchLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "bytes": len(body)}).Debug("Fetched")

	return &Response{
		Key:         key,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        body,
	}, nil
}

// MarkUnavailable records key as failed without a request
func (o *Origin) MarkUnavailable(key string) {
	o.cache.Add(key, nil)
}
