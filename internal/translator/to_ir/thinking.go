package to_ir

import (
	"github.com/rom1kus/opencode-antigravity-auth/internal/cache"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/ir"
)

// FilterThinkingBlocks applies the signature-gated thinking policy to every
// assistant message before replay:
//
//   - a reasoning part carrying a signature is kept only when the signature
//     cache holds the identical (text, signature) pair under the scoped key;
//   - a reasoning part without a signature has the cached signature restored
//     when the cached text matches byte-for-byte, and is dropped otherwise;
//   - the skip sentinel always passes;
//   - non-reasoning parts are never touched, so tool pairing stays intact.
//
// Trailing unsigned reasoning is removed afterwards by
// ir.RemoveTrailingUnsignedThinking.
func FilterThinkingBlocks(messages []ir.Message, sc *cache.SignatureCache, key cache.Key) []ir.Message {
	if len(messages) == 0 {
		return messages
	}

	cachedText, cachedSig, cached := "", "", false
	if sc != nil {
		cachedText, cachedSig, cached = sc.Get(key)
	}

	out := make([]ir.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != ir.RoleAssistant {
			out = append(out, msg)
			continue
		}
		filtered := msg
		filtered.Content = nil
		for _, part := range msg.Content {
			if part.Type != ir.ContentTypeReasoning {
				filtered.Content = append(filtered.Content, part)
				continue
			}
			if part.ThoughtSignature == ir.SkipThoughtSignatureValidator {
				filtered.Content = append(filtered.Content, part)
				continue
			}
			if part.ThoughtSignature != "" {
				if cached && cachedSig == part.ThoughtSignature && cachedText == part.Reasoning {
					filtered.Content = append(filtered.Content, part)
				}
				continue
			}
			if cached && cachedText == part.Reasoning {
				part.ThoughtSignature = cachedSig
				filtered.Content = append(filtered.Content, part)
			}
		}
		out = append(out, filtered)
	}
	return ir.RemoveTrailingUnsignedThinking(out)
}
