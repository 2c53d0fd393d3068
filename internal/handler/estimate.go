package handler

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/ir"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// EstimateTokens approximates the input token count of a request with a
// local tokenizer. The backend uses its own tokenizer, so this is only a
// fallback when the upstream counter is unreachable.
func EstimateTokens(req *ir.UnifiedRequest) (int, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return 0, fmt.Errorf("load tokenizer: %w", codecErr)
	}

	total := 0
	count := func(s string) {
		if s == "" {
			return
		}
		if ids, _, err := codec.Encode(s); err == nil {
			total += len(ids)
		}
	}

	count(req.System)
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Type {
			case ir.ContentTypeText:
				count(part.Text)
			case ir.ContentTypeReasoning:
				count(part.Reasoning)
			case ir.ContentTypeToolCall:
				count(part.ToolName)
				count(fmt.Sprintf("%v", part.ToolArgs))
			case ir.ContentTypeToolResult:
				count(part.ToolResult)
			}
		}
	}
	for _, tool := range req.Tools {
		count(tool.Name)
		count(tool.Description)
		count(fmt.Sprintf("%v", tool.Parameters))
	}
	return total, nil
}
