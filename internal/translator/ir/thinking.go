package ir

import "strings"

// SkipThoughtSignatureValidator is a special signature value that bypasses validation.
const SkipThoughtSignatureValidator = "skip_thought_signature_validator"

// minThoughtSignatureLength is the minimum length for a valid thought signature.
const minThoughtSignatureLength = 50

// HasValidThoughtSignature reports whether a signature looks acceptable to
// the backend: the skip sentinel, or an opaque string of at least 50 chars.
func HasValidThoughtSignature(signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	if signature == SkipThoughtSignatureValidator {
		return true
	}
	return len(signature) >= minThoughtSignatureLength
}

// RemoveTrailingUnsignedThinking strips reasoning parts from the tail of each
// assistant message unless they carry a valid signature. The backend rejects a
// turn whose final reasoning block is unsigned.
func RemoveTrailingUnsignedThinking(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			out = append(out, msg)
			continue
		}
		trimmed := msg
		for len(trimmed.Content) > 0 {
			last := trimmed.Content[len(trimmed.Content)-1]
			if last.Type != ContentTypeReasoning {
				break
			}
			if HasValidThoughtSignature(last.ThoughtSignature) {
				break
			}
			trimmed.Content = trimmed.Content[:len(trimmed.Content)-1]
		}
		out = append(out, trimmed)
	}
	return out
}
