// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
	"candidates": [{
		"content": {"role": "model", "parts": [{"text": "Hello, "}, {"text": "world"}]},
		"finishReason": "STOP",
		"safetyRatings": [{"category": "HARM_CATEGORY_HARASSMENT", "probability": "NEGLIGIBLE"}],
		"groundingMetadata": {"webSearchQueries": ["greeting"]}
	}],
	"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 3, "totalTokenCount": 7}
}`

func TestExtractText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Hello, world", ExtractText([]byte(sampleResponse)))

	// Missing ancestors yield an empty string, never a panic.
	assert.Empty(t, ExtractText([]byte(`{}`)))
	assert.Empty(t, ExtractText([]byte(`{"candidates":[]}`)))
	assert.Empty(t, ExtractText([]byte(`{"candidates":[{"content":{}}]}`)))
	assert.Empty(t, ExtractText(nil))
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()

	usage := ExtractUsage([]byte(sampleResponse))
	assert.Equal(t, int64(4), usage.PromptTokens)
	assert.Equal(t, int64(3), usage.CandidateTokens)
	assert.Equal(t, int64(7), usage.TotalTokens)
}

func TestExtractUsageComputesMissingTotal(t *testing.T) {
	t.Parallel()

	usage := ExtractUsage([]byte(`{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`))
	assert.Equal(t, int64(15), usage.TotalTokens)

	assert.Zero(t, ExtractUsage([]byte(`{}`)).TotalTokens)
}

func TestExtractFinishReason(t *testing.T) {
	t.Parallel()

	reason, ok := ExtractFinishReason([]byte(sampleResponse))
	require.True(t, ok)
	assert.Equal(t, "STOP", reason)

	_, ok = ExtractFinishReason([]byte(`{}`))
	assert.False(t, ok)
}

func TestExtractBlockReason(t *testing.T) {
	t.Parallel()

	reason, ok := ExtractBlockReason([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	require.True(t, ok)
	assert.Equal(t, "SAFETY", reason)

	_, ok = ExtractBlockReason([]byte(sampleResponse))
	assert.False(t, ok)
}

func TestExtractGroundingAndSafety(t *testing.T) {
	t.Parallel()

	grounding, ok := ExtractGroundingMetadata([]byte(sampleResponse))
	require.True(t, ok)
	assert.Contains(t, string(grounding), "webSearchQueries")

	ratings, ok := ExtractSafetyRatings([]byte(sampleResponse))
	require.True(t, ok)
	assert.Contains(t, string(ratings), "HARM_CATEGORY_HARASSMENT")

	_, ok = ExtractGroundingMetadata([]byte(`{}`))
	assert.False(t, ok)
	_, ok = ExtractSafetyRatings([]byte(`{}`))
	assert.False(t, ok)
}
