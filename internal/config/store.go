package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a rejected document or edit. The live snapshot is
// untouched when a store operation returns it.
var ErrInvalid = errors.New("invalid config")

// Store holds the live routing document. Readers take a Snapshot once per
// request and keep it for the whole request; writers publish complete
// documents through an atomic pointer swap, so a reader never observes a
// partially applied edit.
type Store struct {
	mu      sync.Mutex // serializes writers and disk I/O
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Document]
}

// NewStore loads the document at path and returns a store publishing it.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		logger: logger,
	}
	s.current.Store(doc)
	return s, nil
}

// Path returns the on-disk location of the document.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns the current immutable document. The returned value must
// not be mutated; edits go through Replace or the fine-grained mutators.
func (s *Store) Snapshot() *Document {
	return s.current.Load()
}

// Replace validates doc, swaps it in, and persists it. A disk write failure
// reverts the in-memory swap.
func (s *Store) Replace(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(doc)
}

// publish validates, swaps, and persists. Callers hold s.mu.
func (s *Store) publish(doc *Document) error {
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	prev := s.current.Load()
	s.current.Store(doc)

	if err := s.persist(doc); err != nil {
		s.current.Store(prev)
		return fmt.Errorf("failed to persist config: %w", err)
	}

	s.logger.Info("Config published",
		"providers", doc.Providers.Len(),
		"models", doc.Models.Len(),
	)
	return nil
}

// persist writes the document via write-to-temp + rename so a crash mid-write
// never leaves a truncated file behind.
func (s *Store) persist(doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReloadFromDisk re-reads the document from disk and swaps it in without
// writing back. Used by the file watcher when the document is edited
// externally. Invalid content is rejected and the live snapshot kept.
func (s *Store) ReloadFromDisk() error {
	doc, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(doc)

	s.logger.Info("Config reloaded from disk",
		"providers", doc.Providers.Len(),
		"models", doc.Models.Len(),
	)
	return nil
}

// mutate clones the current document, applies fn, and publishes the result.
func (s *Store) mutate(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.current.Load().Clone()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.publish(doc)
}

// UpdateBinding edits one field of a model binding. field is "alias"
// (string) or "enable" (bool).
func (s *Store) UpdateBinding(model, provider, field string, value interface{}) error {
	return s.mutate(func(doc *Document) error {
		bindings, ok := doc.Models.Get(model)
		if !ok {
			return fmt.Errorf("%w: unknown model %q", ErrInvalid, model)
		}
		binding, ok := bindings.Get(provider)
		if !ok {
			return fmt.Errorf("%w: model %s has no binding for provider %q", ErrInvalid, model, provider)
		}

		switch field {
		case "alias":
			alias, ok := value.(string)
			if !ok {
				return fmt.Errorf("%w: alias must be a string", ErrInvalid)
			}
			binding.Alias = alias
		case "enable":
			enable, ok := value.(bool)
			if !ok {
				return fmt.Errorf("%w: enable must be a boolean", ErrInvalid)
			}
			binding.Enable = enable
		default:
			return fmt.Errorf("%w: unknown binding field %q", ErrInvalid, field)
		}

		bindings.Set(provider, binding)
		return nil
	})
}

// UpdateLimit edits one quota ceiling of a provider. field is one of rpm,
// tpm, rpd, tpr.
func (s *Store) UpdateLimit(provider, field string, value int) error {
	return s.mutate(func(doc *Document) error {
		p, ok := doc.Providers.Get(provider)
		if !ok {
			return fmt.Errorf("%w: unknown provider %q", ErrInvalid, provider)
		}

		switch field {
		case "rpm":
			p.Limits.RPM = value
		case "tpm":
			p.Limits.TPM = value
		case "rpd":
			p.Limits.RPD = value
		case "tpr":
			p.Limits.TPR = value
		default:
			return fmt.Errorf("%w: unknown limit field %q", ErrInvalid, field)
		}

		doc.Providers.Set(provider, p)
		return nil
	})
}

// UpdateProvider edits a non-limit provider field. field is "base_url"
// (string) or "timeout" (seconds, int).
func (s *Store) UpdateProvider(provider, field string, value interface{}) error {
	return s.mutate(func(doc *Document) error {
		p, ok := doc.Providers.Get(provider)
		if !ok {
			return fmt.Errorf("%w: unknown provider %q", ErrInvalid, provider)
		}

		switch field {
		case "base_url":
			baseURL, ok := value.(string)
			if !ok {
				return fmt.Errorf("%w: base_url must be a string", ErrInvalid)
			}
			p.BaseURL = baseURL
		case "timeout":
			seconds, ok := value.(int)
			if !ok {
				return fmt.Errorf("%w: timeout must be an integer number of seconds", ErrInvalid)
			}
			p.Timeout = time.Duration(seconds) * time.Second
		default:
			return fmt.Errorf("%w: unknown provider field %q", ErrInvalid, field)
		}

		doc.Providers.Set(provider, p)
		return nil
	})
}

// SetKey replaces a provider's API key.
func (s *Store) SetKey(provider, key string) error {
	return s.mutate(func(doc *Document) error {
		p, ok := doc.Providers.Get(provider)
		if !ok {
			return fmt.Errorf("%w: unknown provider %q", ErrInvalid, provider)
		}
		p.APIKey = key
		doc.Providers.Set(provider, p)
		return nil
	})
}
