package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// AutoModel is the reserved logical model name that resolves to the first
// enabled binding across the whole document.
const AutoModel = "auto"

// Providers is an insertion-ordered map of provider name to Provider.
// Declaration order in the document is authoritative for routing, so a plain
// Go map is not enough.
type Providers struct {
	order []string
	m     map[string]Provider
}

// NewProviders returns an empty ordered provider map.
func NewProviders() *Providers {
	return &Providers{m: make(map[string]Provider)}
}

// Names returns provider names in declaration order.
func (p *Providers) Names() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Get returns the provider for name.
func (p *Providers) Get(name string) (Provider, bool) {
	if p == nil {
		return Provider{}, false
	}
	prov, ok := p.m[name]
	return prov, ok
}

// Set inserts or replaces a provider, preserving first-insertion order.
func (p *Providers) Set(name string, prov Provider) {
	if _, ok := p.m[name]; !ok {
		p.order = append(p.order, name)
	}
	p.m[name] = prov
}

// Len returns the number of providers.
func (p *Providers) Len() int {
	if p == nil {
		return 0
	}
	return len(p.order)
}

func (p *Providers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("api_provider must be a mapping")
	}
	p.order = nil
	p.m = make(map[string]Provider)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		var prov Provider
		if err := value.Content[i+1].Decode(&prov); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		p.Set(name, prov)
	}
	return nil
}

func (p *Providers) MarshalYAML() (interface{}, error) {
	return orderedMappingNode(p.order, func(name string) (interface{}, error) {
		return p.m[name], nil
	})
}

func (p *Providers) MarshalJSON() ([]byte, error) {
	return orderedJSON(p.order, func(name string) (interface{}, error) {
		return p.m[name], nil
	})
}

func (p *Providers) UnmarshalJSON(data []byte) error {
	p.order = nil
	p.m = make(map[string]Provider)
	return decodeOrderedJSON(data, func(name string, dec *json.Decoder) error {
		var prov Provider
		if err := dec.Decode(&prov); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		p.Set(name, prov)
		return nil
	})
}

// Bindings is an insertion-ordered map of provider name to Binding for one
// logical model.
type Bindings struct {
	order []string
	m     map[string]Binding
}

// NewBindings returns an empty ordered binding map.
func NewBindings() *Bindings {
	return &Bindings{m: make(map[string]Binding)}
}

// Names returns bound provider names in declaration order.
func (b *Bindings) Names() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Get returns the binding for a provider name.
func (b *Bindings) Get(provider string) (Binding, bool) {
	if b == nil {
		return Binding{}, false
	}
	bind, ok := b.m[provider]
	return bind, ok
}

// Set inserts or replaces a binding, preserving first-insertion order.
func (b *Bindings) Set(provider string, bind Binding) {
	if _, ok := b.m[provider]; !ok {
		b.order = append(b.order, provider)
	}
	b.m[provider] = bind
}

// Len returns the number of bindings.
func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.order)
}

func (b *Bindings) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("model bindings must be a mapping")
	}
	b.order = nil
	b.m = make(map[string]Binding)
	for i := 0; i+1 < len(value.Content); i += 2 {
		provider := value.Content[i].Value
		var bind Binding
		// A null value means "bind with defaults"
		if value.Content[i+1].Kind == yaml.ScalarNode && value.Content[i+1].Tag == "!!null" {
			bind = Binding{Enable: true}
		} else if err := value.Content[i+1].Decode(&bind); err != nil {
			return fmt.Errorf("binding %s: %w", provider, err)
		}
		b.Set(provider, bind)
	}
	return nil
}

func (b *Bindings) MarshalYAML() (interface{}, error) {
	return orderedMappingNode(b.order, func(provider string) (interface{}, error) {
		return b.m[provider], nil
	})
}

func (b *Bindings) MarshalJSON() ([]byte, error) {
	return orderedJSON(b.order, func(provider string) (interface{}, error) {
		return b.m[provider], nil
	})
}

func (b *Bindings) UnmarshalJSON(data []byte) error {
	b.order = nil
	b.m = make(map[string]Binding)
	return decodeOrderedJSON(data, func(provider string, dec *json.Decoder) error {
		var raw struct {
			Alias  string `json:"alias"`
			Enable *bool  `json:"enable"`
		}
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("binding %s: %w", provider, err)
		}
		b.Set(provider, Binding{Alias: raw.Alias, Enable: raw.Enable == nil || *raw.Enable})
		return nil
	})
}

// Models is an insertion-ordered map of logical model name to its bindings.
type Models struct {
	order []string
	m     map[string]*Bindings
}

// NewModels returns an empty ordered model map.
func NewModels() *Models {
	return &Models{m: make(map[string]*Bindings)}
}

// Names returns logical model names in declaration order.
func (mc *Models) Names() []string {
	if mc == nil {
		return nil
	}
	out := make([]string, len(mc.order))
	copy(out, mc.order)
	return out
}

// Get returns the bindings for a logical model.
func (mc *Models) Get(model string) (*Bindings, bool) {
	if mc == nil {
		return nil, false
	}
	b, ok := mc.m[model]
	return b, ok
}

// Set inserts or replaces a model's bindings, preserving first-insertion order.
func (mc *Models) Set(model string, b *Bindings) {
	if _, ok := mc.m[model]; !ok {
		mc.order = append(mc.order, model)
	}
	mc.m[model] = b
}

// Len returns the number of logical models.
func (mc *Models) Len() int {
	if mc == nil {
		return 0
	}
	return len(mc.order)
}

func (mc *Models) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("model_config must be a mapping")
	}
	mc.order = nil
	mc.m = make(map[string]*Bindings)
	for i := 0; i+1 < len(value.Content); i += 2 {
		model := value.Content[i].Value
		bindings := NewBindings()
		if err := value.Content[i+1].Decode(bindings); err != nil {
			return fmt.Errorf("model %s: %w", model, err)
		}
		mc.Set(model, bindings)
	}
	return nil
}

func (mc *Models) MarshalYAML() (interface{}, error) {
	return orderedMappingNode(mc.order, func(model string) (interface{}, error) {
		return mc.m[model], nil
	})
}

func (mc *Models) MarshalJSON() ([]byte, error) {
	return orderedJSON(mc.order, func(model string) (interface{}, error) {
		return mc.m[model], nil
	})
}

func (mc *Models) UnmarshalJSON(data []byte) error {
	mc.order = nil
	mc.m = make(map[string]*Bindings)
	return decodeOrderedJSON(data, func(model string, dec *json.Decoder) error {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("model %s: %w", model, err)
		}
		bindings := NewBindings()
		if err := bindings.UnmarshalJSON(raw); err != nil {
			return err
		}
		mc.Set(model, bindings)
		return nil
	})
}

// Document is the full routing document: providers, model bindings, server
// settings, and any unknown top-level keys carried along untouched.
type Document struct {
	Server    ServerConfig
	UsageLog  UsageLogConfig
	Providers *Providers
	Models    *Models

	// extras preserves unknown top-level keys across rewrites.
	extras []extraEntry
}

type extraEntry struct {
	key   *yaml.Node
	value *yaml.Node
}

func (d *Document) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}

	d.Providers = NewProviders()
	d.Models = NewModels()
	d.extras = nil

	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i]
		val := value.Content[i+1]
		switch key.Value {
		case "server":
			if err := val.Decode(&d.Server); err != nil {
				return fmt.Errorf("server: %w", err)
			}
		case "usage_log":
			if err := val.Decode(&d.UsageLog); err != nil {
				return fmt.Errorf("usage_log: %w", err)
			}
		case "api_provider":
			if err := val.Decode(d.Providers); err != nil {
				return err
			}
		case "model_config":
			if err := val.Decode(d.Models); err != nil {
				return err
			}
		default:
			d.extras = append(d.extras, extraEntry{key: key, value: val})
		}
	}

	return nil
}

func (d *Document) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	appendPair := func(key string, v interface{}) error {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
		valNode := &yaml.Node{}
		if err := valNode.Encode(v); err != nil {
			return err
		}
		root.Content = append(root.Content, keyNode, valNode)
		return nil
	}

	if err := appendPair("server", d.Server); err != nil {
		return nil, err
	}
	if err := appendPair("api_provider", d.Providers); err != nil {
		return nil, err
	}
	if err := appendPair("model_config", d.Models); err != nil {
		return nil, err
	}
	if d.UsageLog.DSN != "" {
		if err := appendPair("usage_log", d.UsageLog); err != nil {
			return nil, err
		}
	}
	for _, e := range d.extras {
		root.Content = append(root.Content, e.key, e.value)
	}

	return root, nil
}

// Clone returns a deep copy of the document. Mutators edit the copy and
// publish it whole so readers never observe a partial write.
func (d *Document) Clone() (*Document, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to clone document: %w", err)
	}
	var out Document
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone document: %w", err)
	}
	return &out, nil
}

// orderedMappingNode builds a YAML mapping node with keys in the given order.
func orderedMappingNode(order []string, value func(string) (interface{}, error)) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range order {
		v, err := value(key)
		if err != nil {
			return nil, err
		}
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
		valNode := &yaml.Node{}
		if err := valNode.Encode(v); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// orderedJSON writes a JSON object with keys in the given order.
func orderedJSON(order []string, value func(string) (interface{}, error)) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		v, err := value(key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeOrderedJSON walks a JSON object and hands each key to fn in document
// order. encoding/json maps drop ordering, so the token stream is walked
// directly.
func decodeOrderedJSON(data []byte, fn func(key string, dec *json.Decoder) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected string key, got %v", keyTok)
		}
		if err := fn(key, dec); err != nil {
			return err
		}
	}
	_, err = dec.Token() // closing brace
	return err
}
