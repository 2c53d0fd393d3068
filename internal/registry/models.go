// Package registry maps client-visible model IDs onto backend model IDs and
// answers capability questions (model family, thinking support) the rest of
// the pipeline depends on.
package registry

import "strings"

// Model families tracked independently for rate limiting.
const (
	FamilyClaude = "claude"
	FamilyGemini = "gemini"
)

const (
	// DefaultThinkingBudget is applied when a thinking-capable model is
	// requested without an explicit budget.
	DefaultThinkingBudget = 16000

	// MaxOutputTokensCeiling is forced whenever a positive thinking budget is
	// set, so reasoning is never truncated by a smaller output limit.
	MaxOutputTokensCeiling = 64000
)

// thinkingModelMarkers are the substrings that mark a model as
// thinking-capable.
var thinkingModelMarkers = []string{
	"-thinking",
	"gemini-2.5-pro",
	"gemini-3-pro",
}

// ModelInfo describes one entry served by the model listing endpoint.
type ModelInfo struct {
	ID       string `json:"id"`
	Family   string `json:"family"`
	Thinking bool   `json:"thinking"`
}

var knownModels = []ModelInfo{
	{ID: "claude-sonnet-4-5", Family: FamilyClaude},
	{ID: "claude-sonnet-4-5-thinking", Family: FamilyClaude, Thinking: true},
	{ID: "claude-opus-4-5", Family: FamilyClaude},
	{ID: "claude-opus-4-5-thinking", Family: FamilyClaude, Thinking: true},
	{ID: "gemini-2.5-flash", Family: FamilyGemini},
	{ID: "gemini-2.5-pro", Family: FamilyGemini, Thinking: true},
	{ID: "gemini-3-pro-preview", Family: FamilyGemini, Thinking: true},
}

// Models returns the static model listing.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(knownModels))
	copy(out, knownModels)
	return out
}

// ModelFamily classifies a model ID into its rate-limit family.
func ModelFamily(modelID string) string {
	if strings.Contains(strings.ToLower(modelID), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

// IsThinkingModel reports whether the model supports reasoning blocks.
func IsThinkingModel(modelID string) bool {
	lower := strings.ToLower(strings.TrimSpace(modelID))
	for _, marker := range thinkingModelMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// UpstreamModelID maps a client-visible model ID to the backend model ID.
// The "-thinking" aliases address the same upstream model with a thinking
// config attached.
func UpstreamModelID(modelID string) string {
	modelID = strings.TrimSpace(modelID)
	if ModelFamily(modelID) == FamilyClaude {
		return strings.TrimSuffix(modelID, "-thinking")
	}
	return modelID
}
