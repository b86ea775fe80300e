// Package selector maps a logical model onto the ordered list of provider
// candidates eligible to serve it right now.
package selector

import (
	"errors"
	"fmt"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
)

// ErrModelNotFound is returned when the logical model has no entry in the
// routing document.
var ErrModelNotFound = errors.New("model not found in config")

// Candidate is one eligible (provider, upstream model) pair.
type Candidate struct {
	Provider      string
	UpstreamModel string
	LogicalModel  string
}

// NoProviderError reports that every binding was filtered out, with the
// per-provider reason breakdown for diagnostics.
type NoProviderError struct {
	Model   string
	Reasons map[string]string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider available for model %q", e.Model)
}

// Selector filters bindings by enable flag, cooldown, and limiter state.
type Selector struct {
	limiter  *ratelimit.Limiter
	cooldown *ratelimit.Cooldown
}

// New creates a selector over the given limiter and cooldown tracker.
func New(limiter *ratelimit.Limiter, cooldown *ratelimit.Cooldown) *Selector {
	return &Selector{
		limiter:  limiter,
		cooldown: cooldown,
	}
}

// Candidates returns the ordered eligible candidates for a logical model.
// Configuration declaration order is authoritative: a healthy earlier
// provider always wins, so operators list providers in preference order.
// For the reserved model "auto" every enabled binding across all models is
// considered in global declaration order, and the upstream model name falls
// back to the bound logical model rather than the literal "auto".
func (s *Selector) Candidates(doc *config.Document, model string, tokensHint int) ([]Candidate, error) {
	reasons := make(map[string]string)
	var out []Candidate

	appendModel := func(logical string, bindings *config.Bindings) {
		for _, provider := range bindings.Names() {
			binding, _ := bindings.Get(provider)
			if !binding.Enable {
				setReason(reasons, provider, "disabled")
				continue
			}

			if remaining := s.cooldown.Remaining(provider); remaining > 0 {
				setReason(reasons, provider, fmt.Sprintf("error cooldown (%s remaining)", remaining.Round(time.Second)))
				continue
			}

			providerCfg, ok := doc.Providers.Get(provider)
			if !ok {
				// Validation forbids this; a stale snapshot cannot reach here
				setReason(reasons, provider, "unknown provider")
				continue
			}

			if ok, reason := s.limiter.Check(provider, providerCfg.Limits, tokensHint); !ok {
				setReason(reasons, provider, reason)
				continue
			}

			upstream := binding.Alias
			if upstream == "" {
				upstream = logical
			}
			out = append(out, Candidate{
				Provider:      provider,
				UpstreamModel: upstream,
				LogicalModel:  logical,
			})
		}
	}

	if model == config.AutoModel {
		for _, logical := range doc.Models.Names() {
			bindings, _ := doc.Models.Get(logical)
			appendModel(logical, bindings)
		}
	} else {
		bindings, ok := doc.Models.Get(model)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, model)
		}
		appendModel(model, bindings)
	}

	if len(out) == 0 {
		return nil, &NoProviderError{Model: model, Reasons: reasons}
	}
	return out, nil
}

// setReason keeps the first reason recorded for a provider. Under "auto" a
// provider can be filtered several times; the earliest decision is the one
// worth reporting.
func setReason(reasons map[string]string, provider, reason string) {
	if _, ok := reasons[provider]; !ok {
		reasons[provider] = reason
	}
}
