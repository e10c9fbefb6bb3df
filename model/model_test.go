package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartsImplementMarkerInterface(t *testing.T) {
	parts := []Part{
		TextPart{Text: "hi"},
		ThinkingPart{Text: "because"},
		ToolUsePart{ID: "1", Name: "search"},
		ToolResultPart{ToolUseID: "1", Content: "ok"},
		CacheCheckpointPart{},
	}
	require.Len(t, parts, 5)
}

func TestProviderErrorClassification(t *testing.T) {
	cause := NewProviderError("anthropic", "stream", 429, ProviderErrorKindRateLimited, "rate_limited", "slow down", "req-1", true, 2000, nil)
	require.True(t, cause.Retryable())
	require.Equal(t, 2000, cause.RetryAfterMs())
	require.Contains(t, cause.Error(), "rate_limited")

	pe, ok := AsProviderError(cause)
	require.True(t, ok)
	require.Equal(t, "anthropic", pe.Provider())
}

func TestProviderErrorRequiresProviderAndKind(t *testing.T) {
	require.Panics(t, func() {
		NewProviderError("", "op", 0, ProviderErrorKindAuth, "", "", "", false, 0, nil)
	})
	require.Panics(t, func() {
		NewProviderError("anthropic", "op", 0, "", "", "", "", false, 0, nil)
	})
}
