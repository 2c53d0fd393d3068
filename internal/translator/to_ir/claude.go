// Package to_ir parses inbound client dialects into the unified IR and hosts
// the conversation-side thinking lifecycle filter.
package to_ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/ir"
)

// ParseClaudeRequest parses an Anthropic-style messages request into the IR.
// Unknown block fields (cache_control and other provider extensions) are
// dropped during the walk; only the canonical variant fields survive.
func ParseClaudeRequest(raw []byte) (*ir.UnifiedRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("parse claude request: invalid json")
	}
	root := gjson.ParseBytes(raw)

	model := strings.TrimSpace(root.Get("model").String())
	if model == "" {
		return nil, fmt.Errorf("parse claude request: missing model")
	}

	req := &ir.UnifiedRequest{
		Model:     model,
		MaxTokens: int(root.Get("max_tokens").Int()),
		Stream:    root.Get("stream").Bool(),
	}

	if v := root.Get("temperature"); v.Exists() {
		t := v.Float()
		req.Temperature = &t
	}
	if v := root.Get("top_p"); v.Exists() {
		t := v.Float()
		req.TopP = &t
	}
	for _, s := range root.Get("stop_sequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}

	if v := root.Get("metadata.conversation_id"); v.Exists() {
		req.ConversationID = strings.TrimSpace(v.String())
	} else if v := root.Get("conversation_id"); v.Exists() {
		req.ConversationID = strings.TrimSpace(v.String())
	}

	req.System = parseClaudeSystem(root.Get("system"))

	if thinking := root.Get("thinking"); thinking.Exists() {
		if thinking.Get("type").String() != "disabled" {
			req.Thinking = &ir.ThinkingConfig{
				IncludeThoughts: true,
				Budget:          int(thinking.Get("budget_tokens").Int()),
			}
		}
	}

	req.Tools = parseClaudeTools(root.Get("tools"))

	assigner := newToolCallAssigner()
	for _, msg := range root.Get("messages").Array() {
		parsed, ok := parseClaudeMessage(msg, assigner)
		if !ok {
			continue
		}
		req.Messages = append(req.Messages, parsed)
	}

	return req, nil
}

func parseClaudeSystem(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var parts []string
	for _, block := range system.Array() {
		if text := block.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseClaudeTools normalizes the heterogeneous tool declaration shapes
// (Anthropic input_schema, OpenAI function wrapper, Gemini
// functionDeclarations) into one canonical list.
func parseClaudeTools(tools gjson.Result) []ir.ToolDefinition {
	if !tools.IsArray() {
		return nil
	}
	var out []ir.ToolDefinition
	appendDecl := func(name, description string, params gjson.Result) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		out = append(out, ir.ToolDefinition{
			Name:        ir.SanitizeToolName(name),
			Description: description,
			Parameters:  resultToMap(params),
		})
	}
	for _, tool := range tools.Array() {
		switch {
		case tool.Get("function.name").Exists():
			fn := tool.Get("function")
			appendDecl(fn.Get("name").String(), fn.Get("description").String(), fn.Get("parameters"))
		case tool.Get("functionDeclarations").IsArray():
			for _, decl := range tool.Get("functionDeclarations").Array() {
				appendDecl(decl.Get("name").String(), decl.Get("description").String(), decl.Get("parameters"))
			}
		case tool.Get("name").Exists():
			params := tool.Get("input_schema")
			if !params.Exists() {
				params = tool.Get("parameters")
			}
			appendDecl(tool.Get("name").String(), tool.Get("description").String(), params)
		}
	}
	return out
}

func resultToMap(r gjson.Result) map[string]any {
	if !r.Exists() || !r.IsObject() {
		return nil
	}
	m, _ := r.Value().(map[string]any)
	return m
}

func parseClaudeMessage(msg gjson.Result, assigner *toolCallAssigner) (ir.Message, bool) {
	role := ir.MapStandardRole(msg.Get("role").String())
	content := msg.Get("content")

	out := ir.Message{Role: role}

	if content.Type == gjson.String {
		out.Content = append(out.Content, ir.ContentPart{Type: ir.ContentTypeText, Text: content.String()})
		return out, true
	}

	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			out.Content = append(out.Content, ir.ContentPart{
				Type: ir.ContentTypeText,
				Text: ir.SanitizeText(block.Get("text").String()),
			})
		case "thinking":
			out.Content = append(out.Content, ir.ContentPart{
				Type:             ir.ContentTypeReasoning,
				Reasoning:        block.Get("thinking").String(),
				ThoughtSignature: strings.TrimSpace(block.Get("signature").String()),
			})
		case "redacted_thinking":
			// Opaque to us and unverifiable; never replayed upstream.
		case "tool_use":
			name := ir.SanitizeToolName(block.Get("name").String())
			id := strings.TrimSpace(block.Get("id").String())
			id = assigner.recordCall(name, id)
			out.Content = append(out.Content, ir.ContentPart{
				Type:       ir.ContentTypeToolCall,
				ToolCallID: id,
				ToolName:   name,
				ToolArgs:   resultToMap(block.Get("input")),
			})
		case "tool_result":
			id := strings.TrimSpace(block.Get("tool_use_id").String())
			name, id := assigner.resolveResult(id)
			out.Content = append(out.Content, ir.ContentPart{
				Type:       ir.ContentTypeToolResult,
				ToolCallID: id,
				ToolName:   name,
				ToolResult: flattenToolResultContent(block.Get("content"), block.Get("is_error").Bool()),
				IsError:    block.Get("is_error").Bool(),
			})
		}
	}

	if len(out.Content) == 0 {
		return ir.Message{}, false
	}
	return out, true
}

func flattenToolResultContent(content gjson.Result, isError bool) string {
	var text string
	switch {
	case content.Type == gjson.String:
		text = content.String()
	case content.IsArray():
		var parts []string
		for _, block := range content.Array() {
			if t := block.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, "\n")
	case content.IsObject():
		text = content.Raw
	}
	if strings.TrimSpace(text) == "" {
		if isError {
			return "Tool execution failed with no output."
		}
		return "Command executed successfully."
	}
	return ir.SanitizeText(text)
}

// toolCallAssigner pairs tool results with prior calls. Ids are consumed in
// the order calls were emitted: a result without a usable id matches the
// oldest unmatched call.
type toolCallAssigner struct {
	// unmatched call ids per function name, oldest first
	byName map[string][]string
	// global emission order of (name, id) pairs
	order []pendingCall
	// id -> function name for results that do carry an id
	nameByID map[string]string
}

type pendingCall struct {
	name string
	id   string
}

func newToolCallAssigner() *toolCallAssigner {
	return &toolCallAssigner{
		byName:   make(map[string][]string),
		nameByID: make(map[string]string),
	}
}

func (a *toolCallAssigner) recordCall(name, id string) string {
	if id == "" {
		id = ir.GenToolCallIDWithName(name)
	}
	a.byName[name] = append(a.byName[name], id)
	a.order = append(a.order, pendingCall{name: name, id: id})
	a.nameByID[id] = name
	return id
}

func (a *toolCallAssigner) resolveResult(id string) (name, resolvedID string) {
	if id != "" {
		if n, ok := a.nameByID[id]; ok {
			a.consume(n, id)
			return n, id
		}
	}
	// No id or unknown id: consume the oldest unmatched call.
	if len(a.order) > 0 {
		head := a.order[0]
		a.consume(head.name, head.id)
		return head.name, head.id
	}
	return "", id
}

func (a *toolCallAssigner) consume(name, id string) {
	queue := a.byName[name]
	for i, qid := range queue {
		if qid == id {
			a.byName[name] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	for i, p := range a.order {
		if p.id == id {
			a.order = append(a.order[:i:i], a.order[i+1:]...)
			break
		}
	}
	delete(a.nameByID, id)
}

// DeriveConversationKey returns the explicit conversation id when the client
// sent one, otherwise a stable hash of the system plus first user text so
// retries of the same conversation land on the same signature cache scope.
func DeriveConversationKey(req *ir.UnifiedRequest) string {
	if req.ConversationID != "" {
		return req.ConversationID
	}
	var firstUserText string
	for _, msg := range req.Messages {
		if msg.Role != ir.RoleUser {
			continue
		}
		for _, part := range msg.Content {
			if part.Type == ir.ContentTypeText {
				firstUserText = part.Text
				break
			}
		}
		break
	}
	sum := sha256.Sum256([]byte(req.System + "\x00" + firstUserText))
	return hex.EncodeToString(sum[:8])
}
