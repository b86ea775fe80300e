package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/selector"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// streamChunkWriteTimeout is the per-chunk write deadline for streaming
// responses. If the caller stops reading for this long, the stream is cut.
const streamChunkWriteTimeout = 60 * time.Second

var streamBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 8192)
		return &buf
	},
}

func isStreamingResponse(resp *upstream.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/stream+json")
}

// relayStream forwards SSE chunks byte-for-byte while parsing them
// opportunistically for usage and the [DONE] marker. Once the first byte has
// gone to the caller the candidate is final: a mid-stream failure surfaces a
// synthetic error event instead of failover, and the observed usage is
// committed either way.
func (e *Engine) relayStream(
	w http.ResponseWriter,
	r *http.Request,
	resp *upstream.Response,
	cand selector.Candidate,
	ticket ratelimit.Ticket,
	tokensHint int,
	start time.Time,
) {
	defer func() {
		_ = resp.Body.Close()
	}()

	controller := http.NewResponseController(w)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var (
		pending      []byte
		usage        usagePayload
		usageSeen    bool
		contentChars int
		doneSeen     bool
	)

	commit := func(status, errKind string) {
		prompt, completion, total := e.accountStream(usage, usageSeen, tokensHint, contentChars)
		e.limiter.Commit(ticket, total)
		e.recordAttempt(cand, start, prompt, completion, total, status, errKind)
		e.metrics.RecordRequest(cand.Provider, cand.LogicalModel, resp.StatusCode, time.Since(start))
	}

	buf := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(buf)

	for {
		n, err := resp.Body.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]

			pending = append(pending, chunk...)
			var payloads []string
			payloads, pending = sseEvents(pending)
			for _, payload := range payloads {
				stats := inspectStreamPayload(payload)
				if stats.usageSeen {
					usage = stats.usage
					usageSeen = true
				}
				contentChars += stats.contentChars
				if stats.done {
					doneSeen = true
				}
			}

			_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
			if _, writeErr := w.Write(chunk); writeErr != nil {
				e.logger.Warn("Client disconnected during streaming",
					"provider", cand.Provider,
					"error", writeErr,
				)
				commit(statusFailure, kindClientDisconnect)
				return
			}
			e.flushStream(controller, cand.Provider)
		}

		if err != nil {
			if err == io.EOF {
				// [DONE] or clean EOF both terminate normally
				if !doneSeen {
					e.logger.Warn("Stream ended without [DONE] marker", "provider", cand.Provider)
				}
				commit(statusSuccess, "")
				return
			}

			if r.Context().Err() != nil {
				e.logger.Warn("Client went away during streaming", "provider", cand.Provider)
				commit(statusFailure, kindClientDisconnect)
				return
			}

			// Mid-stream upstream failure: bytes are already downstream,
			// so no failover. Tell the caller and account what was seen.
			e.logger.Error("Streaming read error",
				"provider", cand.Provider,
				"error", err,
			)
			e.cooldown.RecordError(cand.Provider)
			e.metrics.RecordStreamAbort(cand.Provider)
			e.writeStreamError(w, controller, cand.Provider, err)
			commit(statusFailure, kindStreamAborted)
			return
		}
	}
}

// accountStream derives token counts for a stream: the upstream usage
// payload when one was seen, otherwise the hint plus a character-based
// estimate of the relayed content.
func (e *Engine) accountStream(usage usagePayload, usageSeen bool, tokensHint, contentChars int) (prompt, completion, total int) {
	if usageSeen {
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
	completion = (contentChars + charsPerToken - 1) / charsPerToken
	return prompt, completion, prompt + completion
}

// writeStreamError emits a synthetic SSE error event so the caller learns
// the stream died rather than just seeing EOF.
func (e *Engine) writeStreamError(w http.ResponseWriter, controller *http.ResponseController, provider string, cause error) {
	event := APIErrorResponse{
		Error: APIError{
			Message: "upstream stream aborted: " + cause.Error(),
			Type:    errTypeUpstream,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
	if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		e.logger.Debug("Failed to write synthetic stream error", "provider", provider, "error", err)
		return
	}
	e.flushStream(controller, provider)
}

func (e *Engine) flushStream(controller *http.ResponseController, provider string) {
	if err := controller.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			e.logger.Error("Streaming not supported by response writer", "provider", provider)
		} else {
			e.logger.Debug("Flush error", "error", err, "provider", provider)
		}
	}
}
