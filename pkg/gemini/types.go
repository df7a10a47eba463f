// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gemini is an HTTP client for the Gemini generative-model API in
// both of its shapes: the Developer API (x-goog-api-key header) and Vertex
// AI (OAuth bearer, project+region paths). It handles URL composition,
// streaming decode, automatic OAuth to API-key fallback on 401/403, and
// the Vertex regional-to-global endpoint rewrite on 404.
package gemini

// Part is one piece of content, text-only in this bridge.
type Part struct {
	Text string `json:"text,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig tunes a generate call.
type GenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	ResponseMIME    string   `json:"responseMimeType,omitempty"`
}

// GenerateRequest is the body of generateContent and streamGenerateContent.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// CountTokensRequest is the body of countTokens.
type CountTokensRequest struct {
	Contents []Content `json:"contents"`
}

// EmbedContentRequest is the Developer API embedding body.
type EmbedContentRequest struct {
	Model   string  `json:"model,omitempty"`
	Content Content `json:"content"`
}

// PredictRequest is the Vertex-style embedding body.
type PredictRequest struct {
	Instances []PredictInstance `json:"instances"`
}

// PredictInstance is one input of a predict call.
type PredictInstance struct {
	Content string `json:"content"`
}

// UserText builds a single-turn user content list.
func UserText(text string) []Content {
	return []Content{{Role: "user", Parts: []Part{{Text: text}}}}
}

// NoticeTypeAuthFallback tags notices recorded when the client switched
// from OAuth to an API key mid-request.
const NoticeTypeAuthFallback = "auth_fallback"

// Notice is a structured record of a non-default path the client took.
// Notices are queued per client and drained by the tool pipeline after
// each request; they are never persisted.
type Notice struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}
