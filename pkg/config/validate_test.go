package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"ssb-archive/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func minimalConfig() AppConfig {
	return AppConfig{
		Seeds:  []string{"@abc.ed25519"},
		OutDir: "/out",
	}
}

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := minimalConfig()
	warnings, err := cfg.Validate()

	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Host)
	assert.Equal(t, "/profile", cfg.DefaultProfilePrefix)
	assert.Equal(t, "/404", cfg.FallbackRoute)
	assert.Equal(t, []string{"/theme.css"}, cfg.Denylist)
	assert.Equal(t, DefaultPrefixRules(), cfg.PrefixRules)
	assert.Equal(t, 1, cfg.MaxDepth)
	assert.Equal(t, 16, cfg.NumWorkers)
	assert.Equal(t, 16, cfg.MaxRequests)
	assert.Equal(t, 512, cfg.CacheSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.SemaphoreTimeout)
	assert.Equal(t, int64(32<<20), cfg.MaxBodyBytes)
	assert.Equal(t, "ssb-archive/1.0", cfg.UserAgent)
	assert.Equal(t, []string{"body > nav", "form", "[data-viewer-only]"}, cfg.HTML.RemoveSelectors)
	assert.Equal(t, []string{"article footer form"}, cfg.HTML.UnwrapSelectors)
	assert.Equal(t, []string{`a[rel~="next"]`}, cfg.Pagination.Selectors)
	assert.Equal(t, []string{"lt", "page"}, cfg.Pagination.QueryKeys)
	assert.Equal(t, "manifest.yaml", cfg.ManifestFilename)
	assert.Empty(t, cfg.StateDir)

	assert.Equal(t, 30*time.Second, cfg.HTTPClientSettings.Timeout)
	assert.Equal(t, 16, cfg.HTTPClientSettings.MaxIdleConnsPerHost)

	assert.True(t, containsWarning(warnings, "num_workers should be > 0"))
}

func TestAppConfig_Validate_PreservesValues(t *testing.T) {
	cfg := minimalConfig()
	cfg.Host = "https://oasis.example:8443/"
	cfg.NumWorkers = 4
	cfg.MaxRequests = 2
	cfg.MaxDepth = 3
	cfg.Denylist = []string{}
	cfg.FallbackRoute = "missing"

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "https://oasis.example:8443", cfg.Host)
	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 2, cfg.MaxRequests)
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Empty(t, cfg.Denylist, "explicitly empty denylist is kept")
	assert.Equal(t, "/missing", cfg.FallbackRoute)
}

func TestAppConfig_Validate_SeedsDeduplicated(t *testing.T) {
	cfg := minimalConfig()
	cfg.Seeds = []string{" @a.ed25519 ", "@a.ed25519", "", "@b.ed25519"}

	_, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, []string{"@a.ed25519", "@b.ed25519"}, cfg.Seeds)
}

func TestAppConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*AppConfig)
		wantMsg string
	}{
		{"no seeds", func(c *AppConfig) { c.Seeds = nil }, "seed"},
		{"blank seeds", func(c *AppConfig) { c.Seeds = []string{"  "} }, "seed"},
		{"no out dir", func(c *AppConfig) { c.OutDir = "" }, "out_dir"},
		{"bad scheme", func(c *AppConfig) { c.Host = "ftp://example.com" }, "host"},
		{"no host", func(c *AppConfig) { c.Host = "localhost:3000" }, "host"},
		{"bad pattern", func(c *AppConfig) { c.DenylistPatterns = []string{"[oops"} }, "regex"},
		{"relative prefix", func(c *AppConfig) { c.PrefixRules = []PrefixRule{{Prefix: "json/", Ext: "json"}} }, "must start with '/'"},
		{"missing ext", func(c *AppConfig) { c.PrefixRules = []PrefixRule{{Prefix: "/json/"}} }, "has no ext"},
		{"relative rewrite", func(c *AppConfig) {
			c.PrefixRules = []PrefixRule{{Prefix: "/json/", Ext: "json", Rewrite: "message/"}}
		}, "rewrite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalConfig()
			tt.setup(&cfg)

			_, err := cfg.Validate()

			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrConfigValidation))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestAppConfig_Validate_PrefixRuleExtNormalised(t *testing.T) {
	cfg := minimalConfig()
	cfg.PrefixRules = []PrefixRule{{Prefix: "/blob/", Ext: ".bin"}}

	_, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, "bin", cfg.PrefixRules[0].Ext)
}

func TestAppConfig_Validate_NegativeValues(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*AppConfig)
		wantWarning string
		check       func(*testing.T, *AppConfig)
	}{
		{
			name: "negative max_retries",
			setup: func(c *AppConfig) {
				c.MaxRetries = -1
				c.InitialRetryDelay = time.Second
			},
			wantWarning: "max_retries cannot be negative",
			check: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, 0, c.MaxRetries)
			},
		},
		{
			name:        "negative max_depth",
			setup:       func(c *AppConfig) { c.MaxDepth = -2 },
			wantWarning: "max_depth cannot be negative",
			check: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, 1, c.MaxDepth)
			},
		},
		{
			name:        "negative requests_per_second",
			setup:       func(c *AppConfig) { c.RequestsPerSecond = -5 },
			wantWarning: "requests_per_second cannot be negative",
			check: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, float64(0), c.RequestsPerSecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalConfig()
			tt.setup(&cfg)

			warnings, err := cfg.Validate()

			require.NoError(t, err)
			assert.True(t, containsWarning(warnings, tt.wantWarning),
				"expected warning containing %q, got %v", tt.wantWarning, warnings)
			tt.check(t, &cfg)
		})
	}
}

func TestAppConfig_Validate_RetryDelayInversion(t *testing.T) {
	cfg := minimalConfig()
	cfg.MaxRetries = 3
	cfg.InitialRetryDelay = 60 * time.Second
	cfg.MaxRetryDelay = 10 * time.Second

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.True(t, containsWarning(warnings, "initial_retry_delay"))
	assert.Equal(t, 10*time.Second, cfg.InitialRetryDelay)
}

func TestAppConfig_Validate_HostPathWarning(t *testing.T) {
	cfg := minimalConfig()
	cfg.Host = "http://localhost:3000/sub"

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.True(t, containsWarning(warnings, "host path"))
	assert.Equal(t, "http://localhost:3000", cfg.Host)
}
