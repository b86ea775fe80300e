package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds the per-provider quota ceilings. A zero value means the
// corresponding limit is unbounded.
type Limits struct {
	RPM int `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	TPM int `yaml:"tpm,omitempty" json:"tpm,omitempty"`
	RPD int `yaml:"rpd,omitempty" json:"rpd,omitempty"`
	TPR int `yaml:"tpr,omitempty" json:"tpr,omitempty"`
}

// Provider is one upstream endpoint with its credentials and quotas.
type Provider struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout,omitempty"` // zero means the server default applies
	Limits  Limits        `json:"limits,omitempty"`
}

// UnmarshalYAML decodes a provider entry. The on-disk `timeout` field is a
// plain integer in seconds, matching the routing documents this service has
// always consumed.
func (p *Provider) UnmarshalYAML(value *yaml.Node) error {
	type tempProvider struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout"`
		Limits         Limits `yaml:"limits"`
	}

	var temp tempProvider
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.BaseURL = temp.BaseURL
	p.APIKey = temp.APIKey
	p.Timeout = time.Duration(temp.TimeoutSeconds) * time.Second
	p.Limits = temp.Limits
	return nil
}

// MarshalYAML emits the provider back in the on-disk shape.
func (p Provider) MarshalYAML() (interface{}, error) {
	type tempProvider struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout,omitempty"`
		Limits         Limits `yaml:"limits,omitempty"`
	}

	return tempProvider{
		BaseURL:        p.BaseURL,
		APIKey:         p.APIKey,
		TimeoutSeconds: int(p.Timeout / time.Second),
		Limits:         p.Limits,
	}, nil
}

// MarshalJSON emits the provider for the admin surface with timeout in
// seconds, matching the on-disk shape.
func (p Provider) MarshalJSON() ([]byte, error) {
	type tempProvider struct {
		BaseURL        string `json:"base_url"`
		APIKey         string `json:"api_key"`
		TimeoutSeconds int    `json:"timeout,omitempty"`
		Limits         Limits `json:"limits,omitempty"`
	}
	return json.Marshal(tempProvider{
		BaseURL:        p.BaseURL,
		APIKey:         p.APIKey,
		TimeoutSeconds: int(p.Timeout / time.Second),
		Limits:         p.Limits,
	})
}

// UnmarshalJSON accepts the admin-surface shape.
func (p *Provider) UnmarshalJSON(data []byte) error {
	type tempProvider struct {
		BaseURL        string `json:"base_url"`
		APIKey         string `json:"api_key"`
		TimeoutSeconds int    `json:"timeout"`
		Limits         Limits `json:"limits"`
	}
	var temp tempProvider
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	p.BaseURL = temp.BaseURL
	p.APIKey = temp.APIKey
	p.Timeout = time.Duration(temp.TimeoutSeconds) * time.Second
	p.Limits = temp.Limits
	return nil
}

// Binding maps a logical model onto one provider. Enable defaults to true
// when the key is absent from the document.
type Binding struct {
	Alias  string `json:"alias,omitempty"`
	Enable bool   `json:"enable"`
}

func (b *Binding) UnmarshalYAML(value *yaml.Node) error {
	type tempBinding struct {
		Alias  string `yaml:"alias"`
		Enable *bool  `yaml:"enable"`
	}

	var temp tempBinding
	if err := value.Decode(&temp); err != nil {
		return err
	}

	b.Alias = temp.Alias
	b.Enable = temp.Enable == nil || *temp.Enable
	return nil
}

func (b Binding) MarshalYAML() (interface{}, error) {
	type tempBinding struct {
		Alias  string `yaml:"alias,omitempty"`
		Enable bool   `yaml:"enable"`
	}
	return tempBinding{Alias: b.Alias, Enable: b.Enable}, nil
}

// ServerConfig holds process-level settings living in the same document.
type ServerConfig struct {
	Port           int           `yaml:"port" json:"port"`
	MaxBodySizeMB  int           `yaml:"max_body_size_mb" json:"max_body_size_mb"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	LoggingLevel   string        `yaml:"logging_level" json:"logging_level"`
	LogJSON        bool          `yaml:"log_json" json:"log_json"`
}

// UnmarshalYAML decodes the server block, parsing request_timeout as a
// duration string ("90s", "2m").
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port           int    `yaml:"port"`
		MaxBodySizeMB  int    `yaml:"max_body_size_mb"`
		RequestTimeout string `yaml:"request_timeout"`
		LoggingLevel   string `yaml:"logging_level"`
		LogJSON        bool   `yaml:"log_json"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	s.Port = temp.Port
	s.MaxBodySizeMB = temp.MaxBodySizeMB
	s.LoggingLevel = temp.LoggingLevel
	s.LogJSON = temp.LogJSON

	if temp.RequestTimeout != "" {
		duration, err := time.ParseDuration(temp.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout: %w", err)
		}
		s.RequestTimeout = duration
	}

	return nil
}

// MarshalYAML emits the server block back in the on-disk shape.
func (s ServerConfig) MarshalYAML() (interface{}, error) {
	type tempConfig struct {
		Port           int    `yaml:"port"`
		MaxBodySizeMB  int    `yaml:"max_body_size_mb"`
		RequestTimeout string `yaml:"request_timeout"`
		LoggingLevel   string `yaml:"logging_level"`
		LogJSON        bool   `yaml:"log_json,omitempty"`
	}
	return tempConfig{
		Port:           s.Port,
		MaxBodySizeMB:  s.MaxBodySizeMB,
		RequestTimeout: s.RequestTimeout.String(),
		LoggingLevel:   s.LoggingLevel,
		LogJSON:        s.LogJSON,
	}, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (s *ServerConfig) ApplyDefaults() {
	if s.Port == 0 {
		s.Port = 8100
	}
	if s.MaxBodySizeMB == 0 {
		s.MaxBodySizeMB = 25
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 90 * time.Second
	}
	if s.LoggingLevel == "" {
		s.LoggingLevel = "info"
	}
}

// UsageLogConfig configures the optional Postgres usage sink. The sink is
// disabled unless DSN is set; in-memory accounting stays authoritative either
// way.
type UsageLogConfig struct {
	DSN           string        `yaml:"dsn" json:"dsn,omitempty"`
	QueueSize     int           `yaml:"queue_size" json:"queue_size,omitempty"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval,omitempty"`
}

// UnmarshalYAML decodes the usage_log block, parsing flush_interval as a
// duration string.
func (u *UsageLogConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		DSN           string `yaml:"dsn"`
		QueueSize     int    `yaml:"queue_size"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	u.DSN = temp.DSN
	u.QueueSize = temp.QueueSize
	u.BatchSize = temp.BatchSize

	if temp.FlushInterval != "" {
		duration, err := time.ParseDuration(temp.FlushInterval)
		if err != nil {
			return fmt.Errorf("invalid flush_interval: %w", err)
		}
		u.FlushInterval = duration
	}

	return nil
}

// MarshalYAML emits the usage_log block back in the on-disk shape.
func (u UsageLogConfig) MarshalYAML() (interface{}, error) {
	type tempConfig struct {
		DSN           string `yaml:"dsn"`
		QueueSize     int    `yaml:"queue_size,omitempty"`
		BatchSize     int    `yaml:"batch_size,omitempty"`
		FlushInterval string `yaml:"flush_interval,omitempty"`
	}
	out := tempConfig{
		DSN:       u.DSN,
		QueueSize: u.QueueSize,
		BatchSize: u.BatchSize,
	}
	if u.FlushInterval != 0 {
		out.FlushInterval = u.FlushInterval.String()
	}
	return out, nil
}

// ApplyDefaults fills zero values with sink defaults.
func (u *UsageLogConfig) ApplyDefaults() {
	if u.QueueSize == 0 {
		u.QueueSize = 1000
	}
	if u.BatchSize == 0 {
		u.BatchSize = 50
	}
	if u.FlushInterval == 0 {
		u.FlushInterval = 5 * time.Second
	}
}

// Load reads and validates a routing document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a routing document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	doc.Normalize()

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &doc, nil
}

// Normalize cleans up configuration values before validation.
func (d *Document) Normalize() {
	d.Server.ApplyDefaults()
	d.UsageLog.ApplyDefaults()

	// Remove trailing slash from base URLs to avoid path duplication
	for _, name := range d.Providers.Names() {
		p, _ := d.Providers.Get(name)
		for len(p.BaseURL) > 0 && p.BaseURL[len(p.BaseURL)-1] == '/' {
			p.BaseURL = p.BaseURL[:len(p.BaseURL)-1]
		}
		d.Providers.Set(name, p)
	}
}

// Validate checks the document. Any error here is a CONFIG_INVALID: the
// caller must not publish the document.
func (d *Document) Validate() error {
	if d.Server.Port <= 0 || d.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", d.Server.Port)
	}
	if d.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("invalid max_body_size_mb: %d", d.Server.MaxBodySizeMB)
	}
	if d.Server.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request_timeout: %v", d.Server.RequestTimeout)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "warn": true, "error": true}
	if !validLevels[d.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be debug, info, warn, or error)", d.Server.LoggingLevel)
	}

	if d.Providers.Len() == 0 {
		return fmt.Errorf("no providers configured")
	}

	for _, name := range d.Providers.Names() {
		p, _ := d.Providers.Get(name)
		if name == "" {
			return fmt.Errorf("provider name must not be empty")
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", name)
		}
		parsedURL, err := url.Parse(p.BaseURL)
		if err != nil {
			return fmt.Errorf("provider %s: invalid base_url: %w", name, err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("provider %s: base_url must use http or https scheme, got: %s", name, parsedURL.Scheme)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("provider %s: base_url must have a host", name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider %s: invalid timeout: %v", name, p.Timeout)
		}
		if p.Limits.RPM < 0 || p.Limits.TPM < 0 || p.Limits.RPD < 0 || p.Limits.TPR < 0 {
			return fmt.Errorf("provider %s: limits must be non-negative", name)
		}
	}

	for _, model := range d.Models.Names() {
		if model == AutoModel {
			return fmt.Errorf("model name %q is reserved", AutoModel)
		}
		bindings, _ := d.Models.Get(model)
		if bindings.Len() == 0 {
			return fmt.Errorf("model %s: no providers bound", model)
		}
		for _, provider := range bindings.Names() {
			if _, ok := d.Providers.Get(provider); !ok {
				return fmt.Errorf("model %s: unknown provider %q", model, provider)
			}
		}
	}

	return nil
}
