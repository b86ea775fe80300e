package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
)

const selectorDoc = `
api_provider:
  p1:
    base_url: https://p1.example.com/v1
    api_key: sk-1
    limits:
      rpm: 2
  p2:
    base_url: https://p2.example.com/v1
    api_key: sk-2
  p3:
    base_url: https://p3.example.com/v1
    api_key: sk-3
model_config:
  gpt-4o:
    p1: {}
    p2:
      alias: gpt4o-mini
  claude:
    p3: {}
    p1:
      enable: false
`

func parseDoc(t *testing.T) *config.Document {
	t.Helper()
	doc, err := config.Parse([]byte(selectorDoc))
	require.NoError(t, err)
	return doc
}

func newSelector() (*Selector, *ratelimit.Limiter, *ratelimit.Cooldown) {
	limiter := ratelimit.New()
	cooldown := ratelimit.NewCooldown()
	return New(limiter, cooldown), limiter, cooldown
}

func TestCandidates_DeclarationOrder(t *testing.T) {
	s, _, _ := newSelector()

	candidates, err := s.Candidates(parseDoc(t), "gpt-4o", ratelimit.TokensUnknown)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "p1", candidates[0].Provider)
	assert.Equal(t, "gpt-4o", candidates[0].UpstreamModel)
	assert.Equal(t, "p2", candidates[1].Provider)
	assert.Equal(t, "gpt4o-mini", candidates[1].UpstreamModel, "alias rewrites the upstream model name")
}

func TestCandidates_SkipsDisabled(t *testing.T) {
	s, _, _ := newSelector()

	candidates, err := s.Candidates(parseDoc(t), "claude", ratelimit.TokensUnknown)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "p3", candidates[0].Provider)
}

func TestCandidates_SkipsRateLimited(t *testing.T) {
	s, limiter, _ := newSelector()

	// Saturate p1's rpm=2
	limiter.Reserve("p1")
	limiter.Reserve("p1")

	candidates, err := s.Candidates(parseDoc(t), "gpt-4o", ratelimit.TokensUnknown)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "p2", candidates[0].Provider)
}

func TestCandidates_SkipsCooldown(t *testing.T) {
	s, _, cooldown := newSelector()

	cooldown.RecordError("p1")

	candidates, err := s.Candidates(parseDoc(t), "gpt-4o", ratelimit.TokensUnknown)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "p2", candidates[0].Provider)
}

func TestCandidates_ModelNotFound(t *testing.T) {
	s, _, _ := newSelector()

	_, err := s.Candidates(parseDoc(t), "nope", ratelimit.TokensUnknown)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestCandidates_AutoGlobalOrder(t *testing.T) {
	s, _, _ := newSelector()

	candidates, err := s.Candidates(parseDoc(t), config.AutoModel, ratelimit.TokensUnknown)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	// gpt-4o's bindings first (declared first), then claude's enabled one
	assert.Equal(t, "p1", candidates[0].Provider)
	assert.Equal(t, "gpt-4o", candidates[0].UpstreamModel, "auto resolves to the bound logical model, never the literal auto")
	assert.Equal(t, "p2", candidates[1].Provider)
	assert.Equal(t, "gpt4o-mini", candidates[1].UpstreamModel)
	assert.Equal(t, "p3", candidates[2].Provider)
	assert.Equal(t, "claude", candidates[2].UpstreamModel)
}

func TestCandidates_EmptyReturnsReasonBreakdown(t *testing.T) {
	s, limiter, cooldown := newSelector()

	limiter.Reserve("p1")
	limiter.Reserve("p1")
	cooldown.RecordError("p2")

	_, err := s.Candidates(parseDoc(t), "gpt-4o", ratelimit.TokensUnknown)
	require.Error(t, err)

	var noProvider *NoProviderError
	require.ErrorAs(t, err, &noProvider)
	assert.Equal(t, "gpt-4o", noProvider.Model)
	assert.Equal(t, "rpm limit exceeded", noProvider.Reasons["p1"])
	assert.Contains(t, noProvider.Reasons["p2"], "cooldown")
}

func TestCandidates_TokenHintFiltersTPR(t *testing.T) {
	doc, err := config.Parse([]byte(`
api_provider:
  small:
    base_url: https://small.example.com/v1
    api_key: sk-s
    limits:
      tpr: 100
  big:
    base_url: https://big.example.com/v1
    api_key: sk-b
model_config:
  m:
    small: {}
    big: {}
`))
	require.NoError(t, err)

	s, _, _ := newSelector()

	candidates, err := s.Candidates(doc, "m", 500)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "big", candidates[0].Provider)
}
