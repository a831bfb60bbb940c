package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestGetEffectiveWriteIndex(t *testing.T) {
	assert.True(t, GetEffectiveWriteIndex(AppConfig{}))
	assert.True(t, GetEffectiveWriteIndex(AppConfig{WriteIndex: boolPtr(true)}))
	assert.False(t, GetEffectiveWriteIndex(AppConfig{WriteIndex: boolPtr(false)}))
}

func TestDefaultPrefixRules(t *testing.T) {
	rules := DefaultPrefixRules()

	byPrefix := make(map[string]PrefixRule, len(rules))
	for _, r := range rules {
		byPrefix[r.Prefix] = r
	}
	assert.Equal(t, PrefixRule{Prefix: "/json/", Ext: "json", Rewrite: "/message/"}, byPrefix["/json/"])
	assert.Equal(t, "html", byPrefix["/author/"].Ext)
	assert.Equal(t, "html", byPrefix["/thread/"].Ext)
	assert.Equal(t, "png", byPrefix["/image/"].Ext)

	// Each call returns a fresh slice so Validate may normalise it in place
	rules[0].Ext = "changed"
	assert.Equal(t, "json", DefaultPrefixRules()[0].Ext)
}

func TestAppConfig_YAML(t *testing.T) {
	content := `
host: "http://localhost:3000"
out_dir: "./archive"
seeds: ["@abc=.ed25519"]
max_depth: 2
prefix_rules:
  - prefix: "/blob/"
    ext: "bin"
html:
  remove_selectors: ["nav"]
pagination:
  query_keys: ["gt"]
write_index: false
`
	var cfg AppConfig
	err := yaml.Unmarshal([]byte(content), &cfg)

	assert.NoError(t, err)
	assert.Equal(t, []string{"@abc=.ed25519"}, cfg.Seeds)
	assert.Equal(t, 2, cfg.MaxDepth)
	assert.Equal(t, []PrefixRule{{Prefix: "/blob/", Ext: "bin"}}, cfg.PrefixRules)
	assert.Equal(t, []string{"nav"}, cfg.HTML.RemoveSelectors)
	assert.Equal(t, []string{"gt"}, cfg.Pagination.QueryKeys)
	assert.False(t, GetEffectiveWriteIndex(cfg))
}
