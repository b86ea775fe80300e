package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/testhelpers"
)

const adminDoc = `
api_provider:
  p1:
    base_url: https://p1.example.com/v1
    api_key: sk-secret-key-1
    limits:
      rpm: 10
      tpm: 1000
  p2:
    base_url: https://p2.example.com/v1
    api_key: sk-secret-key-2
model_config:
  gpt-4o:
    p1: {}
    p2:
      alias: gpt4o-alt
`

// stubEngine answers probes without any network.
type stubEngine struct{}

func (stubEngine) Probe(ctx context.Context, model, provider string) (time.Duration, error) {
	return 7 * time.Millisecond, nil
}

type fixture struct {
	api      *API
	store    *config.Store
	limiter  *ratelimit.Limiter
	cooldown *ratelimit.Cooldown
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testhelpers.NewTestStore(t, adminDoc)
	limiter := ratelimit.New()
	cooldown := ratelimit.NewCooldown()
	led, err := ledger.New(100)
	require.NoError(t, err)
	log := testhelpers.NewTestLogger()
	prober := health.New(stubEngine{}, log)

	return &fixture{
		api:      New(store, limiter, cooldown, led, prober, log),
		store:    store,
		limiter:  limiter,
		cooldown: cooldown,
		ledger:   led,
	}
}

func postJSON(t *testing.T, handler func(http.ResponseWriter, *http.Request), path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestHandleConfig_ReadMasksKeys(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
	rr := httptest.NewRecorder()
	f.api.HandleConfig(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.NotContains(t, body, "sk-secret-key-1", "raw keys must never leave the admin read")
	assert.Contains(t, body, `"sk-s..."`)
	assert.Contains(t, body, "gpt4o-alt")
}

func TestHandleConfig_ReplaceRoundTrip(t *testing.T) {
	f := newFixture(t)

	// Read, tweak a limit, write back
	req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
	rr := httptest.NewRecorder()
	f.api.HandleConfig(rr, req)

	var view map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))

	var providers map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(view["api_provider"], &providers))
	providers["p1"]["limits"] = map[string]int{"rpm": 42}

	var models interface{}
	require.NoError(t, json.Unmarshal(view["model_config"], &models))

	rr = postJSON(t, f.api.HandleConfig, "/admin/config", map[string]interface{}{
		"api_provider": providers,
		"model_config": models,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	p, _ := f.store.Snapshot().Providers.Get("p1")
	assert.Equal(t, 42, p.Limits.RPM)
	assert.Equal(t, "sk-secret-key-1", p.APIKey, "masked key in the posted view keeps the stored secret")
}

func TestHandleConfig_ReplaceRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleConfig, "/admin/config", map[string]interface{}{
		"api_provider": map[string]interface{}{
			"p1": map[string]string{"base_url": "not-a-url", "api_key": "sk"},
		},
		"model_config": map[string]interface{}{
			"gpt-4o": map[string]interface{}{"p1": map[string]bool{"enable": true}},
		},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Live snapshot untouched
	p, _ := f.store.Snapshot().Providers.Get("p1")
	assert.Equal(t, "https://p1.example.com/v1", p.BaseURL)
}

func TestHandleBinding_ToggleEnable(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleBinding, "/admin/config/binding", map[string]interface{}{
		"model":    "gpt-4o",
		"provider": "p1",
		"field":    "enable",
		"value":    false,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	bindings, _ := f.store.Snapshot().Models.Get("gpt-4o")
	b, _ := bindings.Get("p1")
	assert.False(t, b.Enable)
}

func TestHandleBinding_EditAlias(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleBinding, "/admin/config/binding", map[string]interface{}{
		"model":    "gpt-4o",
		"provider": "p1",
		"field":    "alias",
		"value":    "gpt-4o-2024",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	bindings, _ := f.store.Snapshot().Models.Get("gpt-4o")
	b, _ := bindings.Get("p1")
	assert.Equal(t, "gpt-4o-2024", b.Alias)
}

func TestHandleBinding_UnknownModel(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleBinding, "/admin/config/binding", map[string]interface{}{
		"model":    "nope",
		"provider": "p1",
		"field":    "alias",
		"value":    "x",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleLimit_UpdateAndReject(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleLimit, "/admin/config/limit", map[string]interface{}{
		"provider": "p1",
		"field":    "tpr",
		"value":    4096,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	p, _ := f.store.Snapshot().Providers.Get("p1")
	assert.Equal(t, 4096, p.Limits.TPR)

	rr = postJSON(t, f.api.HandleLimit, "/admin/config/limit", map[string]interface{}{
		"provider": "p1",
		"field":    "rpm",
		"value":    "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleLimit_BaseURL(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleLimit, "/admin/config/limit", map[string]interface{}{
		"provider": "p2",
		"field":    "base_url",
		"value":    "https://p2-new.example.com/v1",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	p, _ := f.store.Snapshot().Providers.Get("p2")
	assert.Equal(t, "https://p2-new.example.com/v1", p.BaseURL)
}

func TestHandleKey_Rotation(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleKey, "/admin/config/key", map[string]string{
		"provider": "p1",
		"api_key":  "sk-rotated",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	p, _ := f.store.Snapshot().Providers.Get("p1")
	assert.Equal(t, "sk-rotated", p.APIKey)
}

func TestHandleReset_ClearsCounters(t *testing.T) {
	f := newFixture(t)

	ticket := f.limiter.Reserve("p1")
	f.limiter.Commit(ticket, 50)
	f.cooldown.RecordError("p1")

	req := httptest.NewRequest(http.MethodPost, "/admin/limits/p1/reset", nil)
	rr := httptest.NewRecorder()
	f.api.HandleReset(rr, req, "p1")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, f.limiter.CurrentRPM("p1"))
	assert.Equal(t, 0, f.limiter.CurrentTPM("p1"))
	assert.Zero(t, f.cooldown.Remaining("p1"))
}

func TestHandleReset_UnknownProvider(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/limits/nope/reset", nil)
	rr := httptest.NewRecorder()
	f.api.HandleReset(rr, req, "nope")

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleUsage_Shape(t *testing.T) {
	f := newFixture(t)

	ticket := f.limiter.Reserve("p1")
	f.limiter.Commit(ticket, 30)

	req := httptest.NewRequest(http.MethodGet, "/api_usage", nil)
	rr := httptest.NewRecorder()
	f.api.HandleUsage(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data map[string]map[string]struct {
			Current int `json:"current"`
			Limit   int `json:"limit"`
		} `json:"data"`
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	require.Contains(t, resp.Data, "p1")
	require.Contains(t, resp.Data, "p2")
	assert.Equal(t, 1, resp.Data["p1"]["rpm"].Current)
	assert.Equal(t, 10, resp.Data["p1"]["rpm"].Limit)
	assert.Equal(t, 30, resp.Data["p1"]["tpm"].Current)
	assert.Equal(t, 0, resp.Data["p2"]["rpm"].Limit, "unbounded limit reports zero")
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandleRecords(t *testing.T) {
	f := newFixture(t)

	f.ledger.Append(ledger.Record{ID: "r1", Provider: "p1", TotalTokens: 12, Status: "success"})

	req := httptest.NewRequest(http.MethodGet, "/api_usage/records?n=10", nil)
	rr := httptest.NewRecorder()
	f.api.HandleRecords(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Records []ledger.Record           `json:"records"`
		Summary map[string]ledger.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "r1", resp.Records[0].ID)
	assert.Equal(t, 12, resp.Summary["p1"].TotalTokens)
}

func TestHandleHealth_SingleBinding(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleHealth, "/admin/health", map[string]string{
		"model":    "gpt-4o",
		"provider": "p1",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Result health.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Result.OK)
	assert.Equal(t, int64(7), resp.Result.LatencyMS)
}

func TestHandleHealth_AllBindings(t *testing.T) {
	f := newFixture(t)

	rr := postJSON(t, f.api.HandleHealth, "/admin/health", map[string]string{})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Matrix map[string]map[string]health.Result `json:"matrix"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp.Matrix, "gpt-4o")
	assert.Len(t, resp.Matrix["gpt-4o"], 2)
}
