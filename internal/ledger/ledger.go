// Package ledger keeps a bounded in-memory record of completed proxy calls
// for the admin surface. It is observability state only: restart loses it.
package ledger

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the ring. Oldest records evict on overflow.
const DefaultCapacity = 10000

// Record is one completed (or failed) upstream call.
type Record struct {
	ID               string    `json:"id"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
}

// Summary is a rolling per-provider aggregate over the retained records.
type Summary struct {
	Requests         int `json:"requests"`
	Failures         int `json:"failures"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Ledger is an append-only bounded record ring. Records are keyed by a
// monotonic sequence and only ever appended, so LRU eviction order equals
// insertion order and the cache behaves as a FIFO ring.
type Ledger struct {
	mu    sync.Mutex
	seq   uint64
	cache *lru.Cache[uint64, Record]
}

// New creates a ledger with the given capacity; capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[uint64, Record](capacity)
	if err != nil {
		return nil, err
	}
	return &Ledger{cache: cache}, nil
}

// Append records a completed call.
func (l *Ledger) Append(rec Record) {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	l.cache.Add(seq, rec)
}

// Recent returns up to n records, newest first.
func (l *Ledger) Recent(n int) []Record {
	keys := l.cache.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}

	out := make([]Record, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		// Peek keeps recency untouched so eviction order stays FIFO
		if rec, ok := l.cache.Peek(keys[i]); ok {
			out = append(out, rec)
		}
	}
	return out
}

// SummaryByProvider aggregates the retained records per provider.
func (l *Ledger) SummaryByProvider() map[string]Summary {
	out := make(map[string]Summary)
	for _, key := range l.cache.Keys() {
		rec, ok := l.cache.Peek(key)
		if !ok {
			continue
		}
		s := out[rec.Provider]
		s.Requests++
		if rec.Status != "success" {
			s.Failures++
		}
		s.PromptTokens += rec.PromptTokens
		s.CompletionTokens += rec.CompletionTokens
		s.TotalTokens += rec.TotalTokens
		out[rec.Provider] = s
	}
	return out
}

// Len returns the number of retained records.
func (l *Ledger) Len() int {
	return l.cache.Len()
}

// Clear discards all retained records.
func (l *Ledger) Clear() {
	l.cache.Purge()
}
