package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamChatBody(model string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"model":  model,
		"stream": true,
		"messages": []map[string]string{
			{"role": "user", "content": "Say hello"},
		},
	})
	return body
}

func sseWrite(w http.ResponseWriter, payload string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	w.(http.Flusher).Flush()
}

func TestStreaming_RelaysChunksAndCommitsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StreamOptions struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.True(t, req.StreamOptions.IncludeUsage, "relay forces include_usage")

		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"choices":[{"delta":{"content":"Hel"}}]}`)
		sseWrite(w, `{"choices":[{"delta":{"content":"lo "}}]}`)
		sseWrite(w, `{"choices":[{"delta":{"content":"there"}}]}`)
		sseWrite(w, `{"choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}`)
		sseWrite(w, "[DONE]")
	}))
	defer server.Close()

	te := newTestEngine(t, singleProviderDoc(server.URL))
	rr := doChat(te.engine, streamChatBody("gpt-4o"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/event-stream")

	body := rr.Body.String()
	assert.Contains(t, body, `"Hel"`)
	assert.Contains(t, body, `"lo "`)
	assert.Contains(t, body, `"there"`)
	assert.Contains(t, body, "data: [DONE]")

	assert.Equal(t, 42, te.limiter.CurrentTPM("p1"), "tpm reflects the streamed usage payload")
	assert.Equal(t, 1, te.limiter.CurrentRPM("p1"))

	records := te.ledger.Recent(1)
	require.Len(t, records, 1)
	assert.Equal(t, "success", records[0].Status)
	assert.Equal(t, 42, records[0].TotalTokens)
	assert.Equal(t, 30, records[0].PromptTokens)
	assert.Equal(t, 12, records[0].CompletionTokens)
}

func TestStreaming_MidStreamAbort(t *testing.T) {
	unused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no failover after bytes were relayed")
	}))
	defer unused.Close()

	dropping := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
		// Drop the connection mid-stream
		panic(http.ErrAbortHandler)
	}))
	defer dropping.Close()

	doc := fmt.Sprintf(`
api_provider:
  p1:
    base_url: %s
    api_key: sk-1
  p2:
    base_url: %s
    api_key: sk-2
model_config:
  gpt-4o:
    p1: {}
    p2: {}
`, dropping.URL, unused.URL)

	te := newTestEngine(t, doc)
	rr := doChat(te.engine, streamChatBody("gpt-4o"))

	assert.Equal(t, http.StatusOK, rr.Code, "status was already committed when the stream died")

	body := rr.Body.String()
	assert.Contains(t, body, `"partial"`, "relayed chunk reaches the caller")
	assert.Contains(t, body, "upstream stream aborted", "synthetic error event follows")

	assert.Equal(t, 1, te.limiter.CurrentRPM("p1"), "reserve is committed, not rolled back, once bytes flowed")
	assert.Equal(t, 0, te.limiter.CurrentRPM("p2"))
	assert.NotZero(t, te.cooldown.Remaining("p1"))

	records := te.ledger.Recent(1)
	require.Len(t, records, 1)
	assert.Equal(t, "failure", records[0].Status)
	assert.Equal(t, kindStreamAborted, records[0].Error)
}

func TestStreaming_FallbackEstimateWithoutUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// 8 chars of delta content, no usage payload
		sseWrite(w, `{"choices":[{"delta":{"content":"abcdefgh"}}]}`)
		sseWrite(w, "[DONE]")
	}))
	defer server.Close()

	te := newTestEngine(t, singleProviderDoc(server.URL))

	body, _ := json.Marshal(map[string]interface{}{
		"model":      "gpt-4o",
		"stream":     true,
		"max_tokens": 10,
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
	})
	rr := doChat(te.engine, body)
	require.Equal(t, http.StatusOK, rr.Code)

	// hint(10) + ceil(8/4) = 12
	assert.Equal(t, 12, te.limiter.CurrentTPM("p1"))
}

func TestStreaming_CleanEOFWithoutDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, `{"choices":[{"delta":{"content":"hi"}}]}`)
		// Handler returns without [DONE]; the connection closes cleanly
	}))
	defer server.Close()

	te := newTestEngine(t, singleProviderDoc(server.URL))
	rr := doChat(te.engine, streamChatBody("gpt-4o"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "upstream stream aborted")

	records := te.ledger.Recent(1)
	require.Len(t, records, 1)
	assert.Equal(t, "success", records[0].Status)
}

func TestStreaming_NonSSEResponsePassesThrough(t *testing.T) {
	// An upstream may answer a stream request with a plain JSON error body
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-5","choices":[]}`))
	}))
	defer server.Close()

	te := newTestEngine(t, singleProviderDoc(server.URL))
	rr := doChat(te.engine, streamChatBody("gpt-4o"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "chatcmpl-5"))
}
