// Package ir defines the unified intermediate representation shared by the
// request and response translators: one canonical message/content shape that
// inbound dialects parse into and the Antigravity emitter renders from.
package ir

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType tags a ContentPart variant.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeReasoning  ContentType = "reasoning"
	ContentTypeToolCall   ContentType = "tool_call"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentPart is one tagged content block. Exactly the fields for the
// variant named by Type are populated; the rest stay zero.
type ContentPart struct {
	Type ContentType

	// ContentTypeText
	Text string

	// ContentTypeReasoning
	Reasoning        string
	ThoughtSignature string

	// ContentTypeToolCall / ContentTypeToolResult
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	ToolResult string
	IsError    bool
}

// Message is one conversation turn. Part order is significant and is
// preserved by every transform except thinking-block removal.
type Message struct {
	Role    Role
	Content []ContentPart
}

// ToolDefinition is one canonical function declaration after the
// heterogeneous client tool shapes have been normalized.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ThinkingConfig carries the resolved reasoning configuration.
type ThinkingConfig struct {
	IncludeThoughts bool
	Budget          int
}

// UnifiedRequest is the dialect-independent form of an inbound chat request.
type UnifiedRequest struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolDefinition
	MaxTokens      int
	Temperature    *float64
	TopP           *float64
	StopSequences  []string
	Thinking       *ThinkingConfig
	Stream         bool
	ConversationID string
}
