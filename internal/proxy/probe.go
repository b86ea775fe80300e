package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/selector"
	"github.com/modelrelay/modelrelay/internal/utils"
)

// probeMaxBodyBytes bounds the probe response read; a one-token completion
// never comes close.
const probeMaxBodyBytes = 1 * 1024 * 1024

// Probe issues a minimal one-message chat call against a single binding,
// bypassing selection and failover. It runs the normal reserve → call →
// commit path, so the probe counts against the provider's quota like any
// other request.
func (e *Engine) Probe(ctx context.Context, model, provider string) (time.Duration, error) {
	snapshot := e.store.Snapshot()

	bindings, ok := snapshot.Models.Get(model)
	if !ok {
		return 0, fmt.Errorf("model %q not found in config", model)
	}
	binding, ok := bindings.Get(provider)
	if !ok {
		return 0, fmt.Errorf("model %s has no binding for provider %q", model, provider)
	}
	providerCfg, ok := snapshot.Providers.Get(provider)
	if !ok {
		return 0, fmt.Errorf("unknown provider %q", provider)
	}

	upstreamModel := binding.Alias
	if upstreamModel == "" {
		upstreamModel = model
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":      upstreamModel,
		"messages":   []map[string]string{{"role": "user", "content": "Hello"}},
		"max_tokens": 1,
	})
	if err != nil {
		return 0, err
	}

	cand := selector.Candidate{
		Provider:      provider,
		UpstreamModel: upstreamModel,
		LogicalModel:  model,
	}

	start := utils.NowUTC()
	ticket := e.limiter.Reserve(provider)

	resp, err := e.client.Call(ctx, provider, providerCfg, chatCompletionsPath, nil, body)
	if err != nil {
		e.limiter.Rollback(ticket)
		e.cooldown.RecordError(provider)
		e.recordAttempt(cand, start, 0, 0, 0, statusFailure, errorKind(err))
		return time.Since(start), err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, probeMaxBodyBytes))
	latency := time.Since(start)
	if err != nil {
		e.limiter.Rollback(ticket)
		e.cooldown.RecordError(provider)
		e.recordAttempt(cand, start, 0, 0, 0, statusFailure, kindStreamAborted)
		return latency, fmt.Errorf("failed to read probe response: %w", err)
	}

	prompt, completion, total := e.accountBody(respBody, ratelimit.TokensUnknown)
	e.limiter.Commit(ticket, total)
	e.recordAttempt(cand, start, prompt, completion, total, statusSuccess, "")

	return latency, nil
}
