package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseJSON salvages a JSON value from raw LLM output. Tiers: strict
// parse, fenced ```json block, first balanced {...} or [...] substring,
// then jsonrepair. Returns nil when no tier yields valid JSON.
func ParseJSON(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if isJSONValue(trimmed) {
		return json.RawMessage(trimmed)
	}

	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		if c := strings.TrimSpace(m[1]); isJSONValue(c) {
			return json.RawMessage(c)
		}
	}

	if sub := braceSubstring(raw, '{', '}'); isJSONValue(sub) {
		return json.RawMessage(sub)
	}
	if sub := braceSubstring(raw, '[', ']'); isJSONValue(sub) {
		return json.RawMessage(sub)
	}

	// Last resort: structural repair of the most promising substring.
	candidate := trimmed
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		candidate = strings.TrimSpace(m[1])
	} else if sub := braceSubstring(raw, '{', '}'); sub != "" {
		candidate = sub
	}
	if fixed, err := jsonrepair.JSONRepair(candidate); err == nil && isJSONValue(fixed) {
		return json.RawMessage(fixed)
	}
	return nil
}

// isJSONValue reports whether s is a valid JSON object or array.
func isJSONValue(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if s[0] != '{' && s[0] != '[' {
		return false
	}
	return json.Valid([]byte(s))
}

// braceSubstring returns the substring from the first open delimiter to
// the last close delimiter, or "" when absent.
func braceSubstring(raw string, open, closing byte) string {
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, closing)
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return ""
}
