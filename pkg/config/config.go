package config

import "time"

// PrefixRule maps every reference under Prefix to a fixed extension without a lookup fetch.
// Rewrite, when set, replaces Prefix in the public URL and local path (the fetch still uses the original path).
type PrefixRule struct {
	Prefix  string `yaml:"prefix"`
	Ext     string `yaml:"ext"`
	Rewrite string `yaml:"rewrite,omitempty"`
}

// HTMLConfig controls how HTML documents are cleaned before links are rewritten
type HTMLConfig struct {
	RemoveSelectors []string `yaml:"remove_selectors,omitempty"` // Presentation-only elements removed outright
	UnwrapSelectors []string `yaml:"unwrap_selectors,omitempty"` // Live widgets replaced by a static span with their text
}

// PaginationConfig identifies pagination controls on priority documents
type PaginationConfig struct {
	Selectors []string `yaml:"selectors,omitempty"`  // Anchors that are pagination regardless of target
	QueryKeys []string `yaml:"query_keys,omitempty"` // Same-path links differing only by one of these query keys
}

// AppConfig holds the configuration of a single archive run
type AppConfig struct {
	Host                 string           `yaml:"host"`
	OutDir               string           `yaml:"out_dir"`
	StateDir             string           `yaml:"state_dir,omitempty"` // Empty keeps the visited store in memory
	Seeds                []string         `yaml:"seeds"`
	DefaultProfilePrefix string           `yaml:"default_profile_prefix,omitempty"`
	FallbackRoute        string           `yaml:"fallback_route,omitempty"`
	Denylist             []string         `yaml:"denylist,omitempty"`
	DenylistPatterns     []string         `yaml:"denylist_patterns,omitempty"` // Regex patterns matched against the canonical path
	PrefixRules          []PrefixRule     `yaml:"prefix_rules,omitempty"`
	MaxDepth             int              `yaml:"max_depth"`
	NumWorkers           int              `yaml:"num_workers"`
	MaxRequests          int              `yaml:"max_requests"`
	RequestsPerSecond    float64          `yaml:"requests_per_second,omitempty"` // 0 = unlimited
	CacheSize            int              `yaml:"cache_size,omitempty"`
	MaxRetries           int              `yaml:"max_retries,omitempty"`
	InitialRetryDelay    time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay        time.Duration    `yaml:"max_retry_delay,omitempty"`
	SemaphoreTimeout     time.Duration    `yaml:"semaphore_acquire_timeout,omitempty"`
	MaxBodyBytes         int64            `yaml:"max_body_bytes,omitempty"`
	UserAgent            string           `yaml:"user_agent,omitempty"`
	RespectRobots        bool             `yaml:"respect_robots,omitempty"`
	HTTPClientSettings   HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	HTML                 HTMLConfig       `yaml:"html,omitempty"`
	Pagination           PaginationConfig `yaml:"pagination,omitempty"`
	WriteIndex           *bool            `yaml:"write_index,omitempty"`
	ManifestFilename     string           `yaml:"manifest_filename,omitempty"`
	VisitedLogFilename   string           `yaml:"visited_log_filename,omitempty"` // Empty disables the visited log
	LogFile              string           `yaml:"log_file,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections to the origin
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// DefaultPrefixRules are the Oasis routes whose type is known from the path alone
func DefaultPrefixRules() []PrefixRule {
	return []PrefixRule{
		{Prefix: "/json/", Ext: "json", Rewrite: "/message/"},
		{Prefix: "/author/", Ext: "html"},
		{Prefix: "/thread/", Ext: "html"},
		{Prefix: "/hashtag/", Ext: "html"},
		{Prefix: "/likes/", Ext: "html"},
		{Prefix: "/mentions", Ext: "html"},
		{Prefix: "/public/", Ext: "html"},
		{Prefix: "/publicLatest", Ext: "html"},
		{Prefix: "/publicPopular", Ext: "html"},
		{Prefix: "/profile", Ext: "html"},
		{Prefix: "/image/", Ext: "png"},
	}
}

// GetEffectiveWriteIndex reports whether the landing and fallback pages are written (default true)
func GetEffectiveWriteIndex(cfg AppConfig) bool {
	if cfg.WriteIndex != nil {
		return *cfg.WriteIndex
	}
	return true
}
