package proxy

import (
	"encoding/json"
	"strings"
)

// charsPerToken is the coarse fallback ratio used when an upstream does not
// report usage. Four characters per token tracks common tokenizers closely
// enough for quota accounting.
const charsPerToken = 4

// EstimateTokens estimates a token count from raw text length, rounding up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// chatRequest is the subset of an OpenAI chat-completions request the engine
// inspects. Everything else passes through untouched.
type chatRequest struct {
	Model     string        `json:"model"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Content json.RawMessage `json:"content"`
}

// concatContent joins message content for the token estimate. String content
// is used as-is; structured content (multimodal parts) contributes its JSON
// encoding, which overestimates slightly and errs toward caution.
func (r *chatRequest) concatContent() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		if len(m.Content) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			sb.WriteString(text)
		} else {
			sb.Write(m.Content)
		}
	}
	return sb.String()
}

// usagePayload matches the OpenAI usage object in responses and stream
// chunks.
type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u usagePayload) present() bool {
	return u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0
}

// extractUsageFromBody pulls the usage object out of a full (non-streaming)
// response body.
func extractUsageFromBody(body []byte) (usagePayload, bool) {
	var resp struct {
		Usage usagePayload `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return usagePayload{}, false
	}
	return resp.Usage, resp.Usage.present()
}

// rewriteModel replaces only the model field of the request body. Every
// other field keeps its value, but the body is re-encoded from a map, so key
// order and JSON formatting (escaping, number spelling) may differ from the
// caller's bytes. For streaming
// requests it also forces stream_options.include_usage so upstreams report
// token usage in the final chunk.
func rewriteModel(body []byte, upstreamModel string, stream bool) ([]byte, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	payload["model"] = upstreamModel

	if stream {
		if opts, ok := payload["stream_options"].(map[string]interface{}); ok {
			opts["include_usage"] = true
		} else {
			payload["stream_options"] = map[string]interface{}{"include_usage": true}
		}
	}

	return json.Marshal(payload)
}

// sseEvents splits buffered stream bytes into complete "data:" payloads,
// returning the unconsumed remainder. Payloads are the raw bytes after the
// "data:" prefix with surrounding whitespace trimmed.
func sseEvents(buf []byte) (payloads []string, rest []byte) {
	for {
		idx := indexDoubleNewline(buf)
		if idx < 0 {
			return payloads, buf
		}
		block := buf[:idx]
		buf = buf[idx+2:]
		for _, line := range strings.Split(string(block), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payloads = append(payloads, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// indexDoubleNewline finds the first "\n\n" boundary, tolerating "\r\n\r\n".
func indexDoubleNewline(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' && buf[i+1] == '\n' {
			return i
		}
		if buf[i] == '\n' && buf[i+1] == '\r' && i+2 < len(buf) && buf[i+2] == '\n' {
			return i
		}
	}
	return -1
}

// streamChunkStats is what the relay learns from one SSE payload.
type streamChunkStats struct {
	usage        usagePayload
	usageSeen    bool
	contentChars int
	done         bool
	malformed    bool
}

// inspectStreamPayload opportunistically parses one SSE payload for the
// terminating marker, a usage object, and delta content length for the
// fallback estimate.
func inspectStreamPayload(payload string) streamChunkStats {
	var stats streamChunkStats

	if payload == "[DONE]" {
		stats.done = true
		return stats
	}

	var chunk struct {
		Usage   *usagePayload `json:"usage"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		stats.malformed = true
		return stats
	}

	if chunk.Usage != nil && chunk.Usage.present() {
		stats.usage = *chunk.Usage
		stats.usageSeen = true
	}
	for _, choice := range chunk.Choices {
		stats.contentChars += len(choice.Delta.Content)
	}
	return stats
}
