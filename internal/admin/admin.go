// Package admin implements the administrative HTTP surface backing the
// static admin page: config reads and edits, counter resets, usage, and
// health probes.
package admin

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/security"
	"github.com/modelrelay/modelrelay/internal/utils"
)

//go:embed admin.html
var adminHTML []byte

// API serves the admin endpoints. All writes go through the config store's
// validated mutators.
type API struct {
	store    *config.Store
	limiter  *ratelimit.Limiter
	cooldown *ratelimit.Cooldown
	ledger   *ledger.Ledger
	prober   *health.Prober
	logger   *slog.Logger
}

// New creates the admin API.
func New(
	store *config.Store,
	limiter *ratelimit.Limiter,
	cooldown *ratelimit.Cooldown,
	led *ledger.Ledger,
	prober *health.Prober,
	logger *slog.Logger,
) *API {
	return &API{
		store:    store,
		limiter:  limiter,
		cooldown: cooldown,
		ledger:   led,
		prober:   prober,
		logger:   logger,
	}
}

// HandlePage serves the embedded admin page.
func (a *API) HandlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(adminHTML)
}

// routingView is the externally visible slice of the document.
type routingView struct {
	Providers *config.Providers `json:"api_provider"`
	Models    *config.Models    `json:"model_config"`
}

// HandleConfig serves GET (masked read) and POST (full replace) of the
// routing document.
func (a *API) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleConfigRead(w)
	case http.MethodPost:
		a.handleConfigReplace(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleConfigRead(w http.ResponseWriter) {
	doc := a.store.Snapshot()

	masked := config.NewProviders()
	for _, name := range doc.Providers.Names() {
		p, _ := doc.Providers.Get(name)
		p.APIKey = security.MaskAPIKey(p.APIKey)
		masked.Set(name, p)
	}

	writeJSON(w, http.StatusOK, routingView{Providers: masked, Models: doc.Models})
}

func (a *API) handleConfigReplace(w http.ResponseWriter, r *http.Request) {
	var view routingView
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document: %v", err))
		return
	}
	if view.Providers == nil || view.Models == nil {
		writeError(w, http.StatusBadRequest, "api_provider and model_config are required")
		return
	}

	current := a.store.Snapshot()
	doc, err := current.Clone()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to prepare document")
		return
	}

	// Masked or omitted keys in the posted document keep the current
	// value, so a read-modify-write of the masked view never wipes
	// credentials.
	for _, name := range view.Providers.Names() {
		p, _ := view.Providers.Get(name)
		if p.APIKey == "" || strings.HasSuffix(p.APIKey, "...") {
			if existing, ok := current.Providers.Get(name); ok {
				p.APIKey = existing.APIKey
				view.Providers.Set(name, p)
			}
		}
	}

	doc.Providers = view.Providers
	doc.Models = view.Models

	if err := a.store.Replace(doc); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleBinding edits one binding field: {model, provider, field, value}.
func (a *API) HandleBinding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string          `json:"model"`
		Provider string          `json:"provider"`
		Field    string          `json:"field"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var value interface{}
	switch req.Field {
	case "alias":
		var s string
		if err := json.Unmarshal(req.Value, &s); err != nil {
			writeError(w, http.StatusBadRequest, "alias must be a string")
			return
		}
		value = s
	case "enable":
		var b bool
		if err := json.Unmarshal(req.Value, &b); err != nil {
			writeError(w, http.StatusBadRequest, "enable must be a boolean")
			return
		}
		value = b
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown binding field %q", req.Field))
		return
	}

	if err := a.store.UpdateBinding(req.Model, req.Provider, req.Field, value); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleLimit edits a quota ceiling or provider setting:
// {provider, field, value}.
func (a *API) HandleLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string          `json:"provider"`
		Field    string          `json:"field"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var err error
	switch req.Field {
	case "rpm", "tpm", "rpd", "tpr":
		var n int
		if jsonErr := json.Unmarshal(req.Value, &n); jsonErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be an integer", req.Field))
			return
		}
		err = a.store.UpdateLimit(req.Provider, req.Field, n)
	case "timeout":
		var n int
		if jsonErr := json.Unmarshal(req.Value, &n); jsonErr != nil {
			writeError(w, http.StatusBadRequest, "timeout must be an integer number of seconds")
			return
		}
		err = a.store.UpdateProvider(req.Provider, req.Field, n)
	case "base_url":
		var s string
		if jsonErr := json.Unmarshal(req.Value, &s); jsonErr != nil {
			writeError(w, http.StatusBadRequest, "base_url must be a string")
			return
		}
		err = a.store.UpdateProvider(req.Provider, req.Field, s)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown field %q", req.Field))
		return
	}

	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleKey replaces a provider's API key: {provider, api_key}.
func (a *API) HandleKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := a.store.SetKey(req.Provider, req.APIKey); err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleReset clears one provider's limiter buckets and error cooldown.
// Mounted at POST /admin/limits/{provider}/reset.
func (a *API) HandleReset(w http.ResponseWriter, r *http.Request, provider string) {
	if _, ok := a.store.Snapshot().Providers.Get(provider); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", provider))
		return
	}

	a.limiter.Reset(provider)
	a.cooldown.Reset(provider)
	a.logger.Info("Provider counters reset", "provider", provider)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "provider": provider})
}

// HandleHealth triggers probes. An empty body or {} probes every binding;
// {model, provider} probes one. Responds with the health matrix.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string `json:"model"`
		Provider string `json:"provider"`
	}
	// Body is optional
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.Model != "" && req.Provider != "" {
		result := a.prober.ProbeOne(r.Context(), req.Model, req.Provider)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"model":    req.Model,
			"provider": req.Provider,
			"result":   result,
			"matrix":   a.prober.Matrix(),
		})
		return
	}

	matrix := a.prober.ProbeAll(r.Context(), a.store.Snapshot())
	writeJSON(w, http.StatusOK, map[string]interface{}{"matrix": matrix})
}

// usageEntry mirrors the shape the admin page has always consumed.
type usageEntry struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// HandleUsage serves the rolling per-provider usage summary.
func (a *API) HandleUsage(w http.ResponseWriter, r *http.Request) {
	doc := a.store.Snapshot()

	data := make(map[string]map[string]usageEntry)
	for _, name := range doc.Providers.Names() {
		p, _ := doc.Providers.Get(name)
		status := a.limiter.Status(name, p.Limits)
		data[name] = map[string]usageEntry{
			"rpm": {Current: status.RPMUsed, Limit: status.RPMLimit},
			"tpm": {Current: status.TPMUsed, Limit: status.TPMLimit},
			"rpd": {Current: status.RPDUsed, Limit: status.RPDLimit},
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":      data,
		"timestamp": utils.NowUTC(),
	})
}

// HandleRecords serves recent ledger records plus the per-provider summary.
func (a *API) HandleRecords(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": a.ledger.Recent(n),
		"summary": a.ledger.SummaryByProvider(),
	})
}

func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, config.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Error("Config store operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
