package studio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coreyrab/statickit/internal/session"
)

var ErrNoJSON = errors.New("no JSON object in model reply")

// extractJSON returns the first JSON object in text. Objects inside a
// Markdown code fence win over bare ones.
func extractJSON(text string) (string, error) {
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			if obj, ok := firstObject(body[:end]); ok {
				return obj, nil
			}
		}
	}
	if obj, ok := firstObject(text); ok {
		return obj, nil
	}
	return "", ErrNoJSON
}

func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// parseAnalysis maps a model reply onto Analysis. Keys without a dedicated
// field end up in Fields.
func parseAnalysis(text string) (*session.Analysis, error) {
	obj, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}

	a := &session.Analysis{}
	for key, v := range raw {
		switch strings.ToLower(key) {
		case "summary", "description":
			a.Summary = stringOf(v)
		case "subject", "product":
			a.Subject = stringOf(v)
		case "background", "setting":
			a.Background = stringOf(v)
		case "model", "person":
			a.Model = stringOf(v)
		case "style":
			a.Style = stringOf(v)
		case "colors", "colours", "palette":
			a.Colors = stringsOf(v)
		case "suggestions", "ideas":
			a.Suggestions = stringsOf(v)
		default:
			if a.Fields == nil {
				a.Fields = make(map[string]string)
			}
			a.Fields[key] = stringOf(v)
		}
	}
	return a, nil
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringOf(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
