// Package router dispatches the HTTP surface: the OpenAI-compatible v1
// endpoints, the admin API, and the usage endpoints.
package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/admin"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/proxy"
)

// Router routes requests to the proxy engine and admin API.
type Router struct {
	engine *proxy.Engine
	admin  *admin.API
	store  *config.Store
}

// New creates the router.
func New(engine *proxy.Engine, adminAPI *admin.API, store *config.Store) *Router {
	return &Router{
		engine: engine,
		admin:  adminAPI,
		store:  store,
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The admin page runs in a browser; allow it to talk to the API from
	// anywhere the operator serves it.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == "/":
		http.Redirect(w, r, "/admin", http.StatusFound)

	case r.URL.Path == "/healthz":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	case r.URL.Path == "/v1/chat/completions" && r.Method == http.MethodPost:
		rt.engine.ChatCompletions(w, r)

	case r.URL.Path == "/v1/models" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		rt.handleModels(w)

	case r.URL.Path == "/api_usage" && r.Method == http.MethodGet:
		rt.admin.HandleUsage(w, r)

	case r.URL.Path == "/api_usage/records" && r.Method == http.MethodGet:
		rt.admin.HandleRecords(w, r)

	case r.URL.Path == "/admin" && r.Method == http.MethodGet:
		rt.admin.HandlePage(w, r)

	case r.URL.Path == "/admin/config":
		rt.admin.HandleConfig(w, r)

	case r.URL.Path == "/admin/config/binding" && r.Method == http.MethodPost:
		rt.admin.HandleBinding(w, r)

	case r.URL.Path == "/admin/config/limit" && r.Method == http.MethodPost:
		rt.admin.HandleLimit(w, r)

	case r.URL.Path == "/admin/config/key" && r.Method == http.MethodPost:
		rt.admin.HandleKey(w, r)

	case r.URL.Path == "/admin/health" && r.Method == http.MethodPost:
		rt.admin.HandleHealth(w, r)

	case strings.HasPrefix(r.URL.Path, "/admin/limits/") && strings.HasSuffix(r.URL.Path, "/reset") && r.Method == http.MethodPost:
		provider := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/admin/limits/"), "/reset")
		if provider == "" || strings.Contains(provider, "/") {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		rt.admin.HandleReset(w, r, provider)

	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the OpenAI-shaped model listing.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// handleModels lists the declared logical models plus the reserved "auto".
func (rt *Router) handleModels(w http.ResponseWriter) {
	doc := rt.store.Snapshot()
	now := time.Now().Unix()

	resp := ModelsResponse{
		Object: "list",
		Data: []Model{
			{ID: config.AutoModel, Object: "model", Created: now, OwnedBy: "modelrelay"},
		},
	}

	for _, model := range doc.Models.Names() {
		ownedBy := "modelrelay"
		if bindings, ok := doc.Models.Get(model); ok {
			if names := bindings.Names(); len(names) > 0 {
				ownedBy = names[0]
			}
		}
		resp.Data = append(resp.Data, Model{
			ID:      model,
			Object:  "model",
			Created: now,
			OwnedBy: ownedBy,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
