// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redact strips secrets from strings and structured values before
// they reach logs or MCP clients. All patterns are compiled once at package
// initialization and never mutated.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder is substituted for every redacted secret.
const Placeholder = "[redacted]"

// secretKeys are the key names whose values are always replaced, regardless
// of content.
var secretKeys = []string{
	"api_key",
	"apiKey",
	"client_secret",
	"refresh_token",
	"private_key",
	"access_token",
	"authorization",
}

var (
	// PEM blocks span lines, so (?s) makes . match newlines.
	pemPattern = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)

	bearerPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]+`)

	apiKeyHeaderPattern = regexp.MustCompile(`(?i)x-goog-api-key\s*:\s*[^\s"',;]+`)

	// "api_key": "value" and friends, JSON-encoded.
	jsonKeyPattern = regexp.MustCompile(`(?i)"(` + keyAlternation() + `)"\s*:\s*"(?:[^"\\]|\\.)*"`)

	// api_key=value / api_key: value in plain text.
	plainKeyPattern = regexp.MustCompile(`(?i)\b(` + keyAlternation() + `)\b\s*[=:]\s*[^\s"',;]+`)
)

func keyAlternation() string {
	escaped := make([]string, 0, len(secretKeys))
	for _, k := range secretKeys {
		escaped = append(escaped, regexp.QuoteMeta(k))
	}
	return strings.Join(escaped, "|")
}

// String removes every recognized secret pattern from s. It is a pure
// function; the result contains no byte range of the original secrets.
func String(s string) string {
	s = pemPattern.ReplaceAllString(s, Placeholder)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+Placeholder)
	s = apiKeyHeaderPattern.ReplaceAllString(s, "x-goog-api-key: "+Placeholder)
	s = jsonKeyPattern.ReplaceAllString(s, `"$1":"`+Placeholder+`"`)
	s = plainKeyPattern.ReplaceAllString(s, "$1="+Placeholder)
	return s
}

// Meta walks maps and slices, redacting leaf strings with String and
// replacing values of known secret-bearing keys with the placeholder
// regardless of their content or type.
func Meta(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSecretKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = Meta(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Meta(inner)
		}
		return out
	case string:
		return String(val)
	default:
		return v
	}
}

func isSecretKey(k string) bool {
	for _, s := range secretKeys {
		if strings.EqualFold(k, s) {
			return true
		}
	}
	return false
}
