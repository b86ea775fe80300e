// Package proxy drives the critical path: selection, quota reservation, the
// upstream call, response relay, and failover.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/logger"
	"github.com/modelrelay/modelrelay/internal/monitoring"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/selector"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/utils"
)

// hopByHopHeaders are headers that should not be proxied.
// See RFC 7230 Section 6.1
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true, // canonical form of "TE"
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ResponseBodyMultiplier scales the request body limit for upstream response
// bodies, which run much larger than the prompts that produce them.
const ResponseBodyMultiplier = 20

const chatCompletionsPath = "/chat/completions"

// Ledger/record status values.
const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Error kind strings recorded in the ledger.
const (
	kindClientDisconnect = "client_disconnect"
	kindStreamAborted    = "stream_aborted"
)

// UsageSink receives a copy of every ledger record, typically for durable
// export. Log must not block the request path.
type UsageSink interface {
	Log(rec ledger.Record)
}

// Engine wires the selector, limiter, upstream client, and ledger into the
// request path.
type Engine struct {
	store    *config.Store
	limiter  *ratelimit.Limiter
	cooldown *ratelimit.Cooldown
	selector *selector.Selector
	client   *upstream.Client
	ledger   *ledger.Ledger
	metrics  *monitoring.Metrics
	logger   *slog.Logger
	sink     UsageSink
}

// NewEngine creates the proxy engine.
func NewEngine(
	store *config.Store,
	limiter *ratelimit.Limiter,
	cooldown *ratelimit.Cooldown,
	sel *selector.Selector,
	client *upstream.Client,
	led *ledger.Ledger,
	metrics *monitoring.Metrics,
	log *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		limiter:  limiter,
		cooldown: cooldown,
		selector: sel,
		client:   client,
		ledger:   led,
		metrics:  metrics,
		logger:   log,
	}
}

// SetUsageSink attaches an optional durable usage exporter.
func (e *Engine) SetUsageSink(sink UsageSink) {
	e.sink = sink
}

// errRetryBody signals that a 2xx response body could not be read before any
// byte reached the caller, so the next candidate may be tried.
var errRetryBody = errors.New("upstream body unreadable before relay")

// ChatCompletions handles POST /v1/chat/completions.
func (e *Engine) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := utils.NowUTC()
	snapshot := e.store.Snapshot()

	maxBody := int64(snapshot.Server.MaxBodySizeMB) * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		e.logger.Error("Failed to read request body", "error", err)
		WriteErrorBadRequest(w, "failed to read request body")
		return
	}
	if int64(len(body)) > maxBody {
		WriteErrorTooLarge(w, fmt.Sprintf("request body exceeds %d MB", snapshot.Server.MaxBodySizeMB))
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteErrorBadRequest(w, "request body must be a JSON object")
		return
	}
	if req.Model == "" {
		WriteErrorBadRequest(w, "model field is required")
		return
	}

	tokensHint := ratelimit.TokensUnknown
	if req.MaxTokens > 0 {
		tokensHint = req.MaxTokens
	} else if content := req.concatContent(); content != "" {
		tokensHint = EstimateTokens(content)
	}

	candidates, err := e.selector.Candidates(snapshot, req.Model, tokensHint)
	if err != nil {
		var noProvider *selector.NoProviderError
		switch {
		case errors.Is(err, selector.ErrModelNotFound):
			WriteErrorNotFound(w, fmt.Sprintf("model %q not found in config", req.Model))
		case errors.As(err, &noProvider):
			for provider, reason := range noProvider.Reasons {
				e.metrics.RecordRejection(provider, reason)
			}
			e.logger.Warn("No provider available",
				"model", req.Model,
				"reasons", noProvider.Reasons,
			)
			WriteErrorNoProvider(w, noProvider.Error(), noProvider.Reasons)
		default:
			WriteErrorInternal(w, "selection failed")
		}
		return
	}

	e.logger.Debug("Request admitted",
		"model", req.Model,
		"stream", req.Stream,
		"tokens_hint", tokensHint,
		"candidates", len(candidates),
		"body", logger.TruncateLongFields(string(body), 500),
	)

	headers := passthroughHeaders(r.Header)

	var lastErr error
	for i, cand := range candidates {
		if i > 0 {
			e.metrics.RecordFailover(cand.Provider)
		}

		providerCfg, _ := snapshot.Providers.Get(cand.Provider)

		upstreamBody, err := rewriteModel(body, cand.UpstreamModel, req.Stream)
		if err != nil {
			WriteErrorInternal(w, "failed to rewrite request body")
			return
		}

		ticket := e.limiter.Reserve(cand.Provider)

		resp, err := e.client.Call(r.Context(), cand.Provider, providerCfg, chatCompletionsPath, headers, upstreamBody)
		if err != nil {
			e.limiter.Rollback(ticket)
			e.cooldown.RecordError(cand.Provider)
			e.recordAttempt(cand, start, 0, 0, 0, statusFailure, errorKind(err))
			e.metrics.RecordRequest(cand.Provider, cand.LogicalModel, errorStatus(err), time.Since(start))
			e.logger.Warn("Candidate failed before sending bytes",
				"provider", cand.Provider,
				"model", cand.LogicalModel,
				"error", err,
			)
			lastErr = err
			continue
		}

		if isStreamingResponse(resp) {
			e.relayStream(w, r, resp, cand, ticket, tokensHint, start)
			return
		}

		if err := e.relayBody(w, resp, cand, ticket, tokensHint, start, maxBody); err != nil {
			// No byte reached the caller, so the next candidate may run
			lastErr = err
			continue
		}
		return
	}

	message := "all providers failed"
	if lastErr != nil {
		message = lastErr.Error()
	}
	WriteErrorBadGateway(w, message)
}

// relayBody forwards a non-streaming response. Returns errRetryBody when the
// upstream body could not be read before anything was written to the caller.
func (e *Engine) relayBody(
	w http.ResponseWriter,
	resp *upstream.Response,
	cand selector.Candidate,
	ticket ratelimit.Ticket,
	tokensHint int,
	start time.Time,
	maxBody int64,
) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody*ResponseBodyMultiplier))
	if err != nil {
		e.limiter.Rollback(ticket)
		e.cooldown.RecordError(cand.Provider)
		e.recordAttempt(cand, start, 0, 0, 0, statusFailure, string(upstream.KindMalformed))
		e.logger.Warn("Failed to read upstream response body",
			"provider", cand.Provider,
			"error", err,
		)
		return errRetryBody
	}

	promptTokens, completionTokens, totalTokens := e.accountBody(respBody, tokensHint)
	e.limiter.Commit(ticket, totalTokens)
	e.recordAttempt(cand, start, promptTokens, completionTokens, totalTokens, statusSuccess, "")
	e.metrics.RecordRequest(cand.Provider, cand.LogicalModel, resp.StatusCode, time.Since(start))

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(respBody)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		e.logger.Error("Failed to write response body", "error", err, "provider", cand.Provider)
	}
	return nil
}

// accountBody derives token counts from a full response body, falling back
// to the coarse estimate when the upstream reports no usage.
func (e *Engine) accountBody(respBody []byte, tokensHint int) (prompt, completion, total int) {
	if usage, ok := extractUsageFromBody(respBody); ok {
		total = usage.TotalTokens
		if total == 0 {
			total = usage.PromptTokens + usage.CompletionTokens
		}
		return usage.PromptTokens, usage.CompletionTokens, total
	}

	prompt = 0
	if tokensHint >= 0 {
		prompt = tokensHint
	}
	completion = EstimateTokens(string(respBody))
	return prompt, completion, prompt + completion
}

// recordAttempt appends a ledger record and forwards it to the usage sink.
func (e *Engine) recordAttempt(cand selector.Candidate, start time.Time, prompt, completion, total int, status, errKind string) {
	rec := ledger.Record{
		ID:               uuid.NewString(),
		Start:            start,
		End:              utils.NowUTC(),
		Model:            cand.LogicalModel,
		Provider:         cand.Provider,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Status:           status,
		Error:            errKind,
	}
	e.ledger.Append(rec)
	if e.sink != nil {
		e.sink.Log(rec)
	}
}

// passthroughHeaders copies inbound headers for the upstream request,
// dropping hop-by-hop headers and everything the proxy owns: credentials are
// injected per provider and Accept-Encoding is stripped so chunk parsing
// never sees compressed bytes.
func passthroughHeaders(in http.Header) http.Header {
	out := make(http.Header)
	for key, values := range in {
		if hopByHopHeaders[key] {
			continue
		}
		switch key {
		case "Authorization", "Accept-Encoding", "Content-Length", "Host":
			continue
		}
		for _, value := range values {
			out.Add(key, value)
		}
	}
	return out
}

// copyResponseHeaders copies upstream response headers to the caller,
// skipping hop-by-hop and length headers that the relay sets itself.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if key == "Content-Length" {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// errorKind maps an upstream error to its ledger kind string.
func errorKind(err error) string {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return string(ue.Kind)
	}
	return string(upstream.KindTransport)
}

// errorStatus maps an upstream error to the status recorded in metrics.
func errorStatus(err error) int {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Kind == upstream.KindHTTP {
		return ue.StatusCode
	}
	return http.StatusBadGateway
}
