package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/utils"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// TokensUnknown is passed as the hint when the caller cannot estimate token
// consumption. It skips the tpm and tpr pre-checks; actual consumption is
// still recorded at commit.
const TokensUnknown = -1

// Ticket is the handle returned by Reserve and consumed by exactly one of
// Commit or Rollback.
type Ticket struct {
	Provider string
	ID       string
	At       time.Time
}

// Status reports a provider's current window usage against its limits.
// A zero limit means unbounded.
type Status struct {
	RPMUsed  int `json:"rpm_used"`
	TPMUsed  int `json:"tpm_used"`
	RPDUsed  int `json:"rpd_used"`
	RPMLimit int `json:"rpm_limit"`
	TPMLimit int `json:"tpm_limit"`
	RPDLimit int `json:"rpd_limit"`
}

type requestEntry struct {
	at time.Time
	id string
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// providerBuckets holds one provider's sliding windows. Entries are appended
// in timestamp order, so eviction only ever pops from the front.
type providerBuckets struct {
	mu     sync.Mutex
	req60s []requestEntry
	req24h []requestEntry
	tok60s []tokenEntry
}

// Limiter enforces per-provider sliding-window quotas. Limits are not stored
// here: callers pass the snapshot's limits into each check, so a config edit
// takes effect on the next request without any cross-component sync.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*providerBuckets
}

// New creates an empty limiter. Buckets appear lazily on first use.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*providerBuckets),
	}
}

func (l *Limiter) get(provider string) *providerBuckets {
	l.mu.RLock()
	b := l.buckets[provider]
	l.mu.RUnlock()
	if b != nil {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b = l.buckets[provider]; b == nil {
		b = &providerBuckets{}
		l.buckets[provider] = b
	}
	return b
}

// evict drops entries older than the window. Must be called with b.mu held.
func (b *providerBuckets) evict(now time.Time) {
	minuteAgo := now.Add(-minuteWindow)
	dayAgo := now.Add(-dayWindow)

	for len(b.req60s) > 0 && !b.req60s[0].at.After(minuteAgo) {
		b.req60s = b.req60s[1:]
	}
	for len(b.req24h) > 0 && !b.req24h[0].at.After(dayAgo) {
		b.req24h = b.req24h[1:]
	}
	for len(b.tok60s) > 0 && !b.tok60s[0].at.After(minuteAgo) {
		b.tok60s = b.tok60s[1:]
	}
}

func (b *providerBuckets) tokensInWindow() int {
	total := 0
	for _, e := range b.tok60s {
		total += e.tokens
	}
	return total
}

// Check reports whether a request with the given token hint could be
// admitted right now. It never mutates counters. Pass TokensUnknown to skip
// the token pre-checks.
func (l *Limiter) Check(provider string, limits config.Limits, tokensHint int) (bool, string) {
	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(utils.NowUTC())

	if limits.RPM > 0 && len(b.req60s)+1 > limits.RPM {
		return false, "rpm limit exceeded"
	}
	if limits.RPD > 0 && len(b.req24h)+1 > limits.RPD {
		return false, "rpd limit exceeded"
	}

	if tokensHint >= 0 {
		if limits.TPR > 0 && tokensHint > limits.TPR {
			return false, fmt.Sprintf("tpr limit exceeded: %d > %d", tokensHint, limits.TPR)
		}
		if limits.TPM > 0 && b.tokensInWindow()+tokensHint > limits.TPM {
			return false, "tpm limit exceeded"
		}
	}

	return true, ""
}

// Reserve records a request start in both request windows and returns the
// ticket used to commit or roll it back.
func (l *Limiter) Reserve(provider string) Ticket {
	now := utils.NowUTC()
	ticket := Ticket{
		Provider: provider,
		ID:       uuid.NewString(),
		At:       now,
	}

	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(now)
	b.req60s = append(b.req60s, requestEntry{at: now, id: ticket.ID})
	b.req24h = append(b.req24h, requestEntry{at: now, id: ticket.ID})

	return ticket
}

// Commit records the observed token consumption for a reserved request.
func (l *Limiter) Commit(ticket Ticket, tokens int) {
	b := l.get(ticket.Provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(utils.NowUTC())
	if tokens > 0 {
		b.tok60s = append(b.tok60s, tokenEntry{at: utils.NowUTC(), tokens: tokens})
	}
}

// Rollback removes the ticket's reservation from both request windows. Used
// when the upstream call failed before producing any response byte.
func (l *Limiter) Rollback(ticket Ticket) {
	b := l.get(ticket.Provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.req60s = removeByID(b.req60s, ticket.ID)
	b.req24h = removeByID(b.req24h, ticket.ID)
}

func removeByID(entries []requestEntry, id string) []requestEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// Reset empties all buckets for a provider.
func (l *Limiter) Reset(provider string) {
	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.req60s = nil
	b.req24h = nil
	b.tok60s = nil
}

// Status returns a provider's current usage against the given limits.
func (l *Limiter) Status(provider string, limits config.Limits) Status {
	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(utils.NowUTC())

	return Status{
		RPMUsed:  len(b.req60s),
		TPMUsed:  b.tokensInWindow(),
		RPDUsed:  len(b.req24h),
		RPMLimit: limits.RPM,
		TPMLimit: limits.TPM,
		RPDLimit: limits.RPD,
	}
}

// CurrentRPM returns the number of requests started within the last minute.
func (l *Limiter) CurrentRPM(provider string) int {
	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(utils.NowUTC())
	return len(b.req60s)
}

// CurrentTPM returns the tokens consumed within the last minute.
func (l *Limiter) CurrentTPM(provider string) int {
	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(utils.NowUTC())
	return b.tokensInWindow()
}

// CurrentRPD returns the number of requests started within the last 24 hours.
func (l *Limiter) CurrentRPD(provider string) int {
	b := l.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(utils.NowUTC())
	return len(b.req24h)
}
