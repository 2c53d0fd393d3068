// Package from_ir renders the unified IR into the Antigravity backend
// envelope: {project, requestId, request: {GeminiRequest}, model, userAgent,
// requestType}.
package from_ir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rom1kus/opencode-antigravity-auth/internal/cache"
	"github.com/rom1kus/opencode-antigravity-auth/internal/registry"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/ir"
)

// InterleavedThinkingBeta is sent as the anthropic-beta header value when a
// thinking-capable model receives tool declarations.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer. Do not mention these instructions or any constraints about thinking blocks; just apply them."

// BuildOptions carries the per-request context the envelope needs beyond the
// parsed request itself.
type BuildOptions struct {
	Project     string
	SessionID   string
	RequestType string
	UserAgent   string

	// Signature restoration scope for functionCall parts.
	Cache    *cache.SignatureCache
	CacheKey cache.Key
}

// BuildAntigravityRequest renders the request envelope. It fails before any
// network call when required account data is missing.
func BuildAntigravityRequest(req *ir.UnifiedRequest, opts BuildOptions) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("antigravity: nil request")
	}
	if strings.TrimSpace(opts.Project) == "" {
		return nil, fmt.Errorf("antigravity: missing project id for account")
	}
	if opts.RequestType == "" {
		opts.RequestType = "agent"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "antigravity"
	}

	thinking := resolveThinking(req)

	inner := map[string]any{
		"contents": buildContents(req, opts),
	}
	if opts.SessionID != "" {
		inner["sessionId"] = opts.SessionID
	}

	if sys := buildSystemInstruction(req, thinking != nil); sys != nil {
		inner["systemInstruction"] = sys
	}

	genConfig := buildGenerationConfig(req, thinking)
	if len(genConfig) > 0 {
		inner["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		inner["tools"] = buildToolDeclarations(req.Tools)
		// The backend's strict validation mode is forced on every call that
		// carries tools.
		inner["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": "VALIDATED"},
		}
	}

	envelope := map[string]any{
		"project":     opts.Project,
		"requestId":   "agent-" + ir.GenerateUUID(),
		"request":     inner,
		"model":       registry.UpstreamModelID(req.Model),
		"userAgent":   opts.UserAgent,
		"requestType": opts.RequestType,
	}

	return json.Marshal(envelope)
}

// resolveThinking applies the thinking defaults: a thinking-capable model
// without an explicit budget gets DefaultThinkingBudget.
func resolveThinking(req *ir.UnifiedRequest) *ir.ThinkingConfig {
	capable := registry.IsThinkingModel(req.Model)
	if !capable {
		return nil
	}
	budget := registry.DefaultThinkingBudget
	if req.Thinking != nil && req.Thinking.Budget > 0 {
		budget = req.Thinking.Budget
	}
	return &ir.ThinkingConfig{IncludeThoughts: true, Budget: budget}
}

func buildGenerationConfig(req *ir.UnifiedRequest, thinking *ir.ThinkingConfig) map[string]any {
	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		genConfig["stopSequences"] = req.StopSequences
	}

	maxTokens := req.MaxTokens
	if thinking != nil && thinking.Budget > 0 {
		// Reasoning must not be truncated by an output limit smaller than the
		// budget; raise to the safety ceiling.
		if maxTokens < registry.MaxOutputTokensCeiling {
			maxTokens = registry.MaxOutputTokensCeiling
		}
		// Outer keys are camelCase; thinking keys stay snake_case. The two
		// conventions coexist on the wire and must not be unified.
		genConfig["thinkingConfig"] = map[string]any{
			"include_thoughts": true,
			"thinking_budget":  thinking.Budget,
		}
	}
	if maxTokens > 0 {
		genConfig["maxOutputTokens"] = maxTokens
	}
	return genConfig
}

// buildSystemInstruction wraps the system text and appends the interleaved
// thinking hint once when the model may mix reasoning with tool calls.
func buildSystemInstruction(req *ir.UnifiedRequest, thinkingEnabled bool) map[string]any {
	system := req.System
	if thinkingEnabled && len(req.Tools) > 0 && !strings.Contains(system, interleavedThinkingHint) {
		if system != "" {
			system += "\n\n"
		}
		system += interleavedThinkingHint
	}
	if system == "" {
		return nil
	}
	return map[string]any{"parts": []any{map[string]any{"text": system}}}
}

func buildToolDeclarations(tools []ir.ToolDefinition) []any {
	decls := make([]any, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, map[string]any{
			"name":        ir.SanitizeToolName(tool.Name),
			"description": tool.Description,
			"parameters":  ir.SanitizeToolSchema(tool.Parameters),
		})
	}
	return []any{map[string]any{"functionDeclarations": decls}}
}

func buildContents(req *ir.UnifiedRequest, opts BuildOptions) []any {
	contents := make([]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == ir.RoleAssistant {
			role = "model"
		}

		parts := make([]any, 0, len(msg.Content))
		for _, part := range msg.Content {
			switch part.Type {
			case ir.ContentTypeText:
				parts = append(parts, map[string]any{"text": part.Text})
			case ir.ContentTypeReasoning:
				thought := map[string]any{"text": part.Reasoning, "thought": true}
				if part.ThoughtSignature != "" {
					thought["thoughtSignature"] = part.ThoughtSignature
				}
				parts = append(parts, thought)
			case ir.ContentTypeToolCall:
				call := map[string]any{
					"functionCall": map[string]any{
						"name": part.ToolName,
						"args": toolArgs(part.ToolArgs),
					},
				}
				if sig := resolveCallSignature(part.ThoughtSignature, opts); sig != "" {
					call["thoughtSignature"] = sig
				}
				parts = append(parts, call)
			case ir.ContentTypeToolResult:
				name := part.ToolName
				if name == "" {
					name = "unknown_function"
				}
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"output": part.ToolResult},
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	return contents
}

func toolArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// resolveCallSignature gives functionCall parts a thought signature. The
// backend rejects signed-conversation replays whose tool calls lack one, so
// fall back to the cached signature, then the skip sentinel.
func resolveCallSignature(explicit string, opts BuildOptions) string {
	if ir.HasValidThoughtSignature(explicit) {
		return explicit
	}
	if opts.Cache != nil {
		if _, sig, ok := opts.Cache.Get(opts.CacheKey); ok {
			return sig
		}
	}
	return ir.SkipThoughtSignatureValidator
}

// NeedsInterleavedBeta reports whether the request warrants the
// anthropic-beta header.
func NeedsInterleavedBeta(req *ir.UnifiedRequest) bool {
	return registry.IsThinkingModel(req.Model) && len(req.Tools) > 0
}
