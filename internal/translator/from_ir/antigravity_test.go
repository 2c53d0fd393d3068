package from_ir

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/rom1kus/opencode-antigravity-auth/internal/cache"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/ir"
)

func thinkingRequest() *ir.UnifiedRequest {
	return &ir.UnifiedRequest{
		Model:  "claude-sonnet-4-5-thinking",
		System: "be helpful",
		Tools: []ir.ToolDefinition{
			{Name: "read_file", Description: "reads", Parameters: map[string]any{"type": "object"}},
		},
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "go"}}},
			{Role: ir.RoleAssistant, Content: []ir.ContentPart{{Type: ir.ContentTypeText, Text: "ok"}}},
		},
	}
}

func buildJSON(t *testing.T, req *ir.UnifiedRequest, opts BuildOptions) gjson.Result {
	t.Helper()
	if opts.Project == "" {
		opts.Project = "project-1"
	}
	if opts.SessionID == "" {
		opts.SessionID = "-session"
	}
	body, err := BuildAntigravityRequest(req, opts)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return gjson.ParseBytes(body)
}

func TestBuildThinkingDefaults(t *testing.T) {
	root := buildJSON(t, thinkingRequest(), BuildOptions{})

	if got := root.Get("request.generationConfig.thinkingConfig.thinking_budget").Int(); got != 16000 {
		t.Errorf("thinking_budget = %d, want 16000", got)
	}
	if !root.Get("request.generationConfig.thinkingConfig.include_thoughts").Bool() {
		t.Error("include_thoughts not set")
	}
	if got := root.Get("request.generationConfig.maxOutputTokens").Int(); got != 64000 {
		t.Errorf("maxOutputTokens = %d, want 64000", got)
	}
	if got := root.Get("request.toolConfig.functionCallingConfig.mode").String(); got != "VALIDATED" {
		t.Errorf("functionCallingConfig.mode = %q, want VALIDATED", got)
	}
	system := root.Get("request.systemInstruction.parts.0.text").String()
	if !strings.HasSuffix(system, interleavedThinkingHint) {
		t.Errorf("system instruction does not end with interleaved hint: %q", system)
	}
}

func TestBuildEnvelopeShape(t *testing.T) {
	root := buildJSON(t, thinkingRequest(), BuildOptions{Project: "proj-9", SessionID: "-abc"})

	if got := root.Get("project").String(); got != "proj-9" {
		t.Errorf("project = %q", got)
	}
	if got := root.Get("model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want upstream alias without -thinking", got)
	}
	if got := root.Get("userAgent").String(); got != "antigravity" {
		t.Errorf("userAgent = %q", got)
	}
	if got := root.Get("requestType").String(); got != "agent" {
		t.Errorf("requestType = %q", got)
	}
	if id := root.Get("requestId").String(); !strings.HasPrefix(id, "agent-") {
		t.Errorf("requestId = %q, want agent- prefix", id)
	}
	if got := root.Get("request.sessionId").String(); got != "-abc" {
		t.Errorf("sessionId = %q", got)
	}

	roles := root.Get("request.contents.#.role").Array()
	if len(roles) != 2 || roles[0].String() != "user" || roles[1].String() != "model" {
		t.Errorf("roles = %v, want [user model]", roles)
	}
}

func TestBuildHintNotDuplicatedOnRetry(t *testing.T) {
	req := thinkingRequest()
	first := buildJSON(t, req, BuildOptions{})
	req.System = first.Get("request.systemInstruction.parts.0.text").String()

	second := buildJSON(t, req, BuildOptions{})
	system := second.Get("request.systemInstruction.parts.0.text").String()
	if strings.Count(system, interleavedThinkingHint) != 1 {
		t.Errorf("interleaved hint duplicated:\n%s", system)
	}
}

func TestBuildNonThinkingModel(t *testing.T) {
	req := thinkingRequest()
	req.Model = "gemini-2.5-flash"
	req.MaxTokens = 1024

	root := buildJSON(t, req, BuildOptions{})
	if root.Get("request.generationConfig.thinkingConfig").Exists() {
		t.Error("thinkingConfig set for non-thinking model")
	}
	if got := root.Get("request.generationConfig.maxOutputTokens").Int(); got != 1024 {
		t.Errorf("maxOutputTokens = %d, want the client value", got)
	}
	system := root.Get("request.systemInstruction.parts.0.text").String()
	if strings.Contains(system, interleavedThinkingHint) {
		t.Error("hint injected without thinking capability")
	}
}

func TestBuildMissingProjectFails(t *testing.T) {
	if _, err := BuildAntigravityRequest(thinkingRequest(), BuildOptions{SessionID: "-s"}); err == nil {
		t.Error("expected authorization error for missing project")
	}
}

func TestBuildFunctionCallSignature(t *testing.T) {
	sc := cache.NewSignatureCache()
	key := cache.Key{SessionID: "s", ModelID: "m", ProjectKey: "p", ConversationKey: "c"}
	sig := strings.Repeat("z", 64)
	sc.Set(key, "thought", sig)

	req := thinkingRequest()
	req.Messages = append(req.Messages, ir.Message{
		Role: ir.RoleAssistant,
		Content: []ir.ContentPart{
			{Type: ir.ContentTypeToolCall, ToolCallID: "c1", ToolName: "read_file", ToolArgs: map[string]any{"path": "a"}},
		},
	})

	root := buildJSON(t, req, BuildOptions{Cache: sc, CacheKey: key})
	got := root.Get("request.contents.2.parts.0.thoughtSignature").String()
	if got != sig {
		t.Errorf("functionCall signature = %q, want cached signature", got)
	}

	// Without a cache hit the skip sentinel keeps the call sendable.
	rootNoCache := buildJSON(t, req, BuildOptions{})
	got = rootNoCache.Get("request.contents.2.parts.0.thoughtSignature").String()
	if got != ir.SkipThoughtSignatureValidator {
		t.Errorf("fallback signature = %q, want skip sentinel", got)
	}
}

func TestBuildToolResultShape(t *testing.T) {
	req := &ir.UnifiedRequest{
		Model: "claude-sonnet-4-5",
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentPart{
				{Type: ir.ContentTypeToolResult, ToolCallID: "c1", ToolName: "runner", ToolResult: "done"},
			}},
		},
	}
	root := buildJSON(t, req, BuildOptions{})
	fr := root.Get("request.contents.0.parts.0.functionResponse")
	if fr.Get("name").String() != "runner" || fr.Get("response.output").String() != "done" {
		t.Errorf("functionResponse = %s", fr.Raw)
	}
}
