package ratelimit

import (
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/utils"
)

const (
	cooldownWindow  = 24 * time.Hour
	cooldownPerErr  = 10 * time.Minute
	cooldownMaximum = 24 * time.Hour
)

// Cooldown tracks upstream errors per provider and imposes an escalating
// cooldown: each error within the trailing 24 hours extends the cooldown by
// ten minutes from the most recent error, capped at 24 hours. A provider in
// cooldown is skipped during selection so a repeatedly failing upstream
// stops absorbing traffic.
type Cooldown struct {
	mu     sync.Mutex
	errors map[string][]time.Time
}

// NewCooldown creates an empty cooldown tracker.
func NewCooldown() *Cooldown {
	return &Cooldown{
		errors: make(map[string][]time.Time),
	}
}

// prune drops error records older than the window. Must be called with c.mu
// held.
func (c *Cooldown) prune(provider string, now time.Time) {
	cutoff := now.Add(-cooldownWindow)
	records := c.errors[provider]
	for len(records) > 0 && !records[0].After(cutoff) {
		records = records[1:]
	}
	if len(records) == 0 {
		delete(c.errors, provider)
	} else {
		c.errors[provider] = records
	}
}

// RecordError notes an upstream error for the provider and returns the
// current error count within the window.
func (c *Cooldown) RecordError(provider string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := utils.NowUTC()
	c.prune(provider, now)
	c.errors[provider] = append(c.errors[provider], now)
	return len(c.errors[provider])
}

// Remaining returns how long the provider stays excluded from selection.
// Zero means the provider is not in cooldown.
func (c *Cooldown) Remaining(provider string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := utils.NowUTC()
	c.prune(provider, now)

	records := c.errors[provider]
	if len(records) == 0 {
		return 0
	}

	duration := time.Duration(len(records)) * cooldownPerErr
	if duration > cooldownMaximum {
		duration = cooldownMaximum
	}

	end := records[len(records)-1].Add(duration)
	if remaining := end.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Reset clears the provider's error history.
func (c *Cooldown) Reset(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errors, provider)
}

// Sweep prunes expired error records for every provider. Run periodically so
// idle providers do not hold stale history.
func (c *Cooldown) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := utils.NowUTC()
	for provider := range c.errors {
		c.prune(provider, now)
	}
}
