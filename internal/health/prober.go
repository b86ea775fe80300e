// Package health probes (model, provider) bindings with a minimal chat call
// and keeps the latest result per binding.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/utils"
	"github.com/modelrelay/modelrelay/internal/worker"
)

// probeWorkers bounds concurrent probes so a large routing table does not
// hammer every upstream at once.
const probeWorkers = 4

// Result is the latest probe outcome for one binding. Overwritten on each
// probe.
type Result struct {
	LastChecked time.Time `json:"last_checked"`
	OK          bool      `json:"ok"`
	LatencyMS   int64     `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
}

// Engine is the single-target probe path of the proxy engine.
type Engine interface {
	Probe(ctx context.Context, model, provider string) (time.Duration, error)
}

type bindingKey struct {
	model    string
	provider string
}

// Prober issues probes and stores per-binding results.
type Prober struct {
	engine Engine
	logger *slog.Logger

	mu      sync.RWMutex
	results map[bindingKey]Result
}

// New creates a prober over the given engine.
func New(engine Engine, logger *slog.Logger) *Prober {
	return &Prober{
		engine:  engine,
		logger:  logger,
		results: make(map[bindingKey]Result),
	}
}

// ProbeOne probes a single binding and records the result.
func (p *Prober) ProbeOne(ctx context.Context, model, provider string) Result {
	latency, err := p.engine.Probe(ctx, model, provider)

	result := Result{
		LastChecked: utils.NowUTC(),
		OK:          err == nil,
		LatencyMS:   latency.Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		p.logger.Warn("Health probe failed",
			"model", model,
			"provider", provider,
			"error", err,
		)
	} else {
		p.logger.Debug("Health probe passed",
			"model", model,
			"provider", provider,
			"latency_ms", result.LatencyMS,
		)
	}

	p.mu.Lock()
	p.results[bindingKey{model: model, provider: provider}] = result
	p.mu.Unlock()

	return result
}

type probeJob struct {
	prober   *Prober
	model    string
	provider string
}

func (j probeJob) Execute(ctx context.Context) error {
	j.prober.ProbeOne(ctx, j.model, j.provider)
	return nil
}

// ProbeAll probes every binding in the document through the worker pool and
// returns the resulting matrix.
func (p *Prober) ProbeAll(ctx context.Context, doc *config.Document) map[string]map[string]Result {
	var jobs []worker.Job
	for _, model := range doc.Models.Names() {
		bindings, _ := doc.Models.Get(model)
		for _, provider := range bindings.Names() {
			jobs = append(jobs, probeJob{prober: p, model: model, provider: provider})
		}
	}

	queue := make(chan worker.Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	wg := worker.SpawnPool(ctx, probeWorkers, queue, p.logger)
	wg.Wait()

	return p.Matrix()
}

// Matrix returns a copy of all recorded results keyed by model then
// provider.
func (p *Prober) Matrix() map[string]map[string]Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[string]Result)
	for key, result := range p.results {
		if out[key.model] == nil {
			out[key.model] = make(map[string]Result)
		}
		out[key.model][key.provider] = result
	}
	return out
}
