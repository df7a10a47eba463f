// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// TokenUsage is the usage metadata of one API response.
type TokenUsage struct {
	PromptTokens    int64 `json:"promptTokenCount"`
	CandidateTokens int64 `json:"candidatesTokenCount"`
	TotalTokens     int64 `json:"totalTokenCount"`
}

// ExtractText concatenates the text parts of the first candidate's
// content. Missing ancestors yield an empty string, never an error.
func ExtractText(raw []byte) string {
	parts := gjson.GetBytes(raw, "candidates.0.content.parts")
	if !parts.Exists() {
		return ""
	}
	var text string
	parts.ForEach(func(_, part gjson.Result) bool {
		text += part.Get("text").String()
		return true
	})
	return text
}

// ExtractUsage reads usageMetadata token counts. A missing total is
// computed as the sum of the prompt and candidate counts.
func ExtractUsage(raw []byte) TokenUsage {
	meta := gjson.GetBytes(raw, "usageMetadata")
	usage := TokenUsage{
		PromptTokens:    meta.Get("promptTokenCount").Int(),
		CandidateTokens: meta.Get("candidatesTokenCount").Int(),
	}
	if total := meta.Get("totalTokenCount"); total.Exists() {
		usage.TotalTokens = total.Int()
	} else {
		usage.TotalTokens = usage.PromptTokens + usage.CandidateTokens
	}
	return usage
}

// ExtractFinishReason returns the first candidate's finish reason.
func ExtractFinishReason(raw []byte) (string, bool) {
	reason := gjson.GetBytes(raw, "candidates.0.finishReason")
	return reason.String(), reason.Exists()
}

// ExtractBlockReason returns the prompt-feedback block reason.
func ExtractBlockReason(raw []byte) (string, bool) {
	reason := gjson.GetBytes(raw, "promptFeedback.blockReason")
	return reason.String(), reason.Exists()
}

// ExtractGroundingMetadata returns the first candidate's grounding
// metadata verbatim.
func ExtractGroundingMetadata(raw []byte) (json.RawMessage, bool) {
	meta := gjson.GetBytes(raw, "candidates.0.groundingMetadata")
	if !meta.Exists() {
		return nil, false
	}
	return json.RawMessage(meta.Raw), true
}

// ExtractSafetyRatings returns the first candidate's safety ratings
// verbatim.
func ExtractSafetyRatings(raw []byte) (json.RawMessage, bool) {
	ratings := gjson.GetBytes(raw, "candidates.0.safetyRatings")
	if !ratings.Exists() {
		return nil, false
	}
	return json.RawMessage(ratings.Raw), true
}
