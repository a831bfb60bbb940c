package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"ssb-archive/pkg/utils"
)

// Validate checks AppConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Required: Seeds
	seeds := c.Seeds[:0]
	seen := make(map[string]bool, len(c.Seeds))
	for _, s := range c.Seeds {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		seeds = append(seeds, s)
	}
	c.Seeds = seeds
	if len(c.Seeds) == 0 {
		return warnings, fmt.Errorf("%w: at least one seed identity is required", utils.ErrConfigValidation)
	}

	// Required: OutDir
	if c.OutDir == "" {
		return warnings, fmt.Errorf("%w: out_dir is required", utils.ErrConfigValidation)
	}

	// Host
	if c.Host == "" {
		c.Host = "http://localhost:3000"
	}
	hostURL, parseErr := url.Parse(c.Host)
	if parseErr != nil || (hostURL.Scheme != "http" && hostURL.Scheme != "https") || hostURL.Host == "" {
		return warnings, fmt.Errorf("%w: host '%s' must be an absolute http(s) URL", utils.ErrConfigValidation, c.Host)
	}
	if hostURL.Path != "" && hostURL.Path != "/" {
		warnings = append(warnings, fmt.Sprintf("host path '%s' is ignored, references are resolved against the origin root", hostURL.Path))
	}
	c.Host = hostURL.Scheme + "://" + hostURL.Host

	// Routes
	if c.DefaultProfilePrefix == "" {
		c.DefaultProfilePrefix = "/profile"
	}
	if c.FallbackRoute == "" {
		c.FallbackRoute = "/404"
	} else if !strings.HasPrefix(c.FallbackRoute, "/") {
		c.FallbackRoute = "/" + c.FallbackRoute
	}
	if c.Denylist == nil {
		c.Denylist = []string{"/theme.css"}
	}
	if _, reErr := utils.CompileRegexPatterns(c.DenylistPatterns); reErr != nil {
		return warnings, reErr
	}

	// Prefix rules
	if c.PrefixRules == nil {
		c.PrefixRules = DefaultPrefixRules()
	}
	for i, rule := range c.PrefixRules {
		if !strings.HasPrefix(rule.Prefix, "/") {
			return warnings, fmt.Errorf("%w: prefix rule #%d prefix '%s' must start with '/'", utils.ErrConfigValidation, i+1, rule.Prefix)
		}
		if rule.Ext == "" {
			return warnings, fmt.Errorf("%w: prefix rule #%d ('%s') has no ext", utils.ErrConfigValidation, i+1, rule.Prefix)
		}
		c.PrefixRules[i].Ext = strings.TrimPrefix(rule.Ext, ".")
		if rule.Rewrite != "" && !strings.HasPrefix(rule.Rewrite, "/") {
			return warnings, fmt.Errorf("%w: prefix rule #%d rewrite '%s' must start with '/'", utils.ErrConfigValidation, i+1, rule.Rewrite)
		}
	}

	// MaxDepth
	if c.MaxDepth <= 0 {
		if c.MaxDepth < 0 {
			warnings = append(warnings, "max_depth cannot be negative, defaulting to 1")
		}
		c.MaxDepth = 1
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 16")
		c.NumWorkers = 16
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		c.MaxRequests = c.NumWorkers
	}

	if c.RequestsPerSecond < 0 {
		warnings = append(warnings, "requests_per_second cannot be negative, disabling rate limit")
		c.RequestsPerSecond = 0
	}

	// CacheSize
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 500 * time.Millisecond
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 5 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreTimeout <= 0 {
		c.SemaphoreTimeout = 30 * time.Second
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 32 << 20
	}

	if c.UserAgent == "" {
		c.UserAgent = "ssb-archive/1.0"
	}

	// HTML cleanup
	if c.HTML.RemoveSelectors == nil {
		c.HTML.RemoveSelectors = []string{"body > nav", "form", "[data-viewer-only]"}
	}
	if c.HTML.UnwrapSelectors == nil {
		c.HTML.UnwrapSelectors = []string{"article footer form"}
	}

	// Pagination
	if c.Pagination.Selectors == nil {
		c.Pagination.Selectors = []string{`a[rel~="next"]`}
	}
	if c.Pagination.QueryKeys == nil {
		c.Pagination.QueryKeys = []string{"lt", "page"}
	}

	if c.ManifestFilename == "" {
		c.ManifestFilename = "manifest.yaml"
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 30 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.MaxRequests
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
