package provider

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coreyrab/statickit/internal/logger"
)

// Fields holding image payloads. Their values are cut down before logging.
var payloadKeys = map[string]bool{
	"b64_json": true,
	"data":     true,
	"url":      true,
	"image":    true,
}

const payloadKeep = 64

var secretHeaders = map[string]bool{
	"authorization":  true,
	"x-goog-api-key": true,
	"x-api-key":      true,
}

// LogRequest writes an outgoing request at debug level with credentials
// redacted and image payloads truncated.
func LogRequest(name, method, url string, headers http.Header, body []byte) {
	if !logger.Logger.Debug().Enabled() {
		return
	}
	logger.Logger.Debug().
		Str("provider", name).
		Str("method", method).
		Str("url", url).
		Interface("headers", redactHeaders(headers)).
		RawJSON("body", compactJSON(body)).
		Msg("provider request")
}

func LogResponse(name string, status int, body []byte) {
	if !logger.Logger.Debug().Enabled() {
		return
	}
	logger.Logger.Debug().
		Str("provider", name).
		Int("status", status).
		RawJSON("body", compactJSON(body)).
		Msg("provider response")
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if secretHeaders[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func compactJSON(body []byte) []byte {
	if len(body) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		quoted, _ := json.Marshal(TruncatePayload(string(body)))
		return quoted
	}
	truncatePayloads(v)
	out, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, out); err != nil {
		return out
	}
	return buf.Bytes()
}

func truncatePayloads(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && payloadKeys[k] {
				t[k] = TruncatePayload(s)
				continue
			}
			truncatePayloads(val)
		}
	case []any:
		for _, item := range t {
			truncatePayloads(item)
		}
	}
}

func TruncatePayload(s string) string {
	if len(s) <= payloadKeep*2 {
		return s
	}
	return s[:payloadKeep] + "... [truncated]"
}
