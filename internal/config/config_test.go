package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleDoc = `
server:
  port: 8100
  max_body_size_mb: 10
  request_timeout: 60s
  logging_level: debug
api_provider:
  openai-main:
    base_url: https://api.openai.com/v1
    api_key: sk-main
    timeout: 30
    limits:
      rpm: 60
      tpm: 90000
      rpd: 5000
      tpr: 8000
  backup:
    base_url: https://backup.example.com/v1/
    api_key: sk-backup
model_config:
  gpt-4o:
    openai-main:
      enable: true
    backup:
      alias: gpt-4o-compat
      enable: false
  gpt-4o-mini:
    backup: {}
`

func TestParse_ValidDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, 8100, doc.Server.Port)
	assert.Equal(t, 10, doc.Server.MaxBodySizeMB)
	assert.Equal(t, 60*time.Second, doc.Server.RequestTimeout)
	assert.Equal(t, "debug", doc.Server.LoggingLevel)

	p, ok := doc.Providers.Get("openai-main")
	require.True(t, ok)
	assert.Equal(t, "https://api.openai.com/v1", p.BaseURL)
	assert.Equal(t, "sk-main", p.APIKey)
	assert.Equal(t, 30*time.Second, p.Timeout)
	assert.Equal(t, 60, p.Limits.RPM)
	assert.Equal(t, 90000, p.Limits.TPM)
	assert.Equal(t, 5000, p.Limits.RPD)
	assert.Equal(t, 8000, p.Limits.TPR)

	// Trailing slash is normalized away
	backup, ok := doc.Providers.Get("backup")
	require.True(t, ok)
	assert.Equal(t, "https://backup.example.com/v1", backup.BaseURL)
	assert.Zero(t, backup.Limits.RPM, "absent limits mean unbounded")
}

func TestParse_PreservesDeclarationOrder(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, []string{"openai-main", "backup"}, doc.Providers.Names())
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, doc.Models.Names())

	bindings, ok := doc.Models.Get("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, []string{"openai-main", "backup"}, bindings.Names())
}

func TestParse_BindingDefaults(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	bindings, _ := doc.Models.Get("gpt-4o")
	main, _ := bindings.Get("openai-main")
	assert.True(t, main.Enable)
	assert.Empty(t, main.Alias)

	backup, _ := bindings.Get("backup")
	assert.False(t, backup.Enable)
	assert.Equal(t, "gpt-4o-compat", backup.Alias)

	// Empty binding object means enabled with no alias
	miniBindings, _ := doc.Models.Get("gpt-4o-mini")
	mini, ok := miniBindings.Get("backup")
	require.True(t, ok)
	assert.True(t, mini.Enable)
}

func TestParse_ServerDefaults(t *testing.T) {
	doc, err := Parse([]byte(`
api_provider:
  p1:
    base_url: https://p1.example.com/v1
    api_key: sk-1
model_config:
  m1:
    p1: {}
`))
	require.NoError(t, err)

	assert.Equal(t, 8100, doc.Server.Port)
	assert.Equal(t, 25, doc.Server.MaxBodySizeMB)
	assert.Equal(t, 90*time.Second, doc.Server.RequestTimeout)
	assert.Equal(t, "info", doc.Server.LoggingLevel)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "unknown provider in binding",
			doc: `
api_provider:
  p1:
    base_url: https://p1.example.com/v1
    api_key: sk-1
model_config:
  m1:
    missing: {}
`,
			wantErr: "unknown provider",
		},
		{
			name: "bad base_url scheme",
			doc: `
api_provider:
  p1:
    base_url: ftp://p1.example.com
    api_key: sk-1
model_config:
  m1:
    p1: {}
`,
			wantErr: "http or https",
		},
		{
			name: "missing base_url",
			doc: `
api_provider:
  p1:
    api_key: sk-1
model_config:
  m1:
    p1: {}
`,
			wantErr: "base_url is required",
		},
		{
			name: "negative limit",
			doc: `
api_provider:
  p1:
    base_url: https://p1.example.com/v1
    api_key: sk-1
    limits:
      rpm: -5
model_config:
  m1:
    p1: {}
`,
			wantErr: "non-negative",
		},
		{
			name: "reserved model name",
			doc: `
api_provider:
  p1:
    base_url: https://p1.example.com/v1
    api_key: sk-1
model_config:
  auto:
    p1: {}
`,
			wantErr: "reserved",
		},
		{
			name:    "no providers",
			doc:     `model_config: {}`,
			wantErr: "no providers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDocument_RoundTripKeepsUnknownKeys(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc + `
custom_section:
  note: kept verbatim
`))
	require.NoError(t, err)

	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), "custom_section")
	assert.Contains(t, string(data), "kept verbatim")

	reparsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, doc.Providers.Names(), reparsed.Providers.Names())
	assert.Equal(t, doc.Models.Names(), reparsed.Models.Names())
}

func TestDocument_RoundTripPreservesFields(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	reparsed, err := Parse(data)
	require.NoError(t, err)

	p, _ := reparsed.Providers.Get("openai-main")
	assert.Equal(t, "sk-main", p.APIKey)
	assert.Equal(t, 30*time.Second, p.Timeout)
	assert.Equal(t, 60, p.Limits.RPM)

	bindings, _ := reparsed.Models.Get("gpt-4o")
	backup, _ := bindings.Get("backup")
	assert.Equal(t, "gpt-4o-compat", backup.Alias)
	assert.False(t, backup.Enable)
}

func TestDocument_Clone(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	clone, err := doc.Clone()
	require.NoError(t, err)

	// Mutating the clone leaves the original untouched
	p, _ := clone.Providers.Get("openai-main")
	p.APIKey = "sk-changed"
	clone.Providers.Set("openai-main", p)

	original, _ := doc.Providers.Get("openai-main")
	assert.Equal(t, "sk-main", original.APIKey)
}
