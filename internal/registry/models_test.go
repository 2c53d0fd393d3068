package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelFamily(t *testing.T) {
	assert.Equal(t, FamilyClaude, ModelFamily("claude-sonnet-4-5-thinking"))
	assert.Equal(t, FamilyClaude, ModelFamily("claude-opus-4-5"))
	assert.Equal(t, FamilyGemini, ModelFamily("gemini-2.5-flash"))
	assert.Equal(t, FamilyGemini, ModelFamily("gemini-3-pro-preview"))
}

func TestIsThinkingModel(t *testing.T) {
	assert.True(t, IsThinkingModel("claude-sonnet-4-5-thinking"))
	assert.True(t, IsThinkingModel("gemini-2.5-pro"))
	assert.True(t, IsThinkingModel("gemini-3-pro-preview"))
	assert.False(t, IsThinkingModel("claude-sonnet-4-5"))
	assert.False(t, IsThinkingModel("gemini-2.5-flash"))
}

func TestUpstreamModelID(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-5", UpstreamModelID("claude-sonnet-4-5-thinking"))
	assert.Equal(t, "claude-opus-4-5", UpstreamModelID("claude-opus-4-5"))
	// Gemini thinking variants are real upstream IDs, not aliases.
	assert.Equal(t, "gemini-2.5-pro", UpstreamModelID("gemini-2.5-pro"))
}
