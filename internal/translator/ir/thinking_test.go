package ir

import (
	"strings"
	"testing"
)

func TestHasValidThoughtSignature(t *testing.T) {
	if HasValidThoughtSignature("") {
		t.Error("empty signature must be invalid")
	}
	if HasValidThoughtSignature("short") {
		t.Error("short signature must be invalid")
	}
	if !HasValidThoughtSignature(SkipThoughtSignatureValidator) {
		t.Error("skip sentinel must be valid")
	}
	if !HasValidThoughtSignature(strings.Repeat("x", 50)) {
		t.Error("50-char signature must be valid")
	}
}

func TestRemoveTrailingUnsignedThinking(t *testing.T) {
	signed := strings.Repeat("s", 64)
	messages := []Message{
		{Role: RoleUser, Content: []ContentPart{{Type: ContentTypeText, Text: "hi"}}},
		{Role: RoleAssistant, Content: []ContentPart{
			{Type: ContentTypeText, Text: "answer"},
			{Type: ContentTypeReasoning, Reasoning: "signed tail", ThoughtSignature: signed},
			{Type: ContentTypeReasoning, Reasoning: "unsigned tail"},
		}},
	}

	out := RemoveTrailingUnsignedThinking(messages)

	assistant := out[1]
	if len(assistant.Content) != 2 {
		t.Fatalf("assistant parts = %d, want 2", len(assistant.Content))
	}
	last := assistant.Content[len(assistant.Content)-1]
	if last.Reasoning != "signed tail" {
		t.Errorf("trailing part = %q, want the signed reasoning kept", last.Reasoning)
	}
	// Trimming stops at the first signed block: it protects earlier parts.
	if assistant.Content[0].Text != "answer" {
		t.Errorf("text part disturbed: %q", assistant.Content[0].Text)
	}
}

func TestRemoveTrailingUnsignedThinkingLeavesUserAlone(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: []ContentPart{{Type: ContentTypeReasoning, Reasoning: "odd"}}},
	}
	out := RemoveTrailingUnsignedThinking(messages)
	if len(out[0].Content) != 1 {
		t.Error("non-assistant messages must pass through unchanged")
	}
}
