// Package stream reshapes the backend's SSE payloads into the client-visible
// stream, one chunk at a time, without ever buffering the full response.
package stream

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rom1kus/opencode-antigravity-auth/internal/cache"
)

// Transformer carries the per-request stream state: the signature cache
// scope and the per-content-index reasoning accumulation used for the
// concatenated reasoning_content field.
type Transformer struct {
	cache *cache.SignatureCache
	key   cache.Key

	reasoningByIndex map[int]*strings.Builder
}

// NewTransformer builds a transformer for one request. sc may be nil in
// tests; caching then becomes a no-op.
func NewTransformer(sc *cache.SignatureCache, key cache.Key) *Transformer {
	return &Transformer{
		cache:            sc,
		key:              key,
		reasoningByIndex: make(map[int]*strings.Builder),
	}
}

// TransformChunk reshapes one backend SSE payload. Thought parts (in either
// of the backend's two historical shapes) become client reasoning parts and
// their signatures are written into the cache; tool and text parts pass
// through unchanged and in order. The second return is false when the chunk
// carries no JSON payload and should be skipped.
func (t *Transformer) TransformChunk(data []byte) ([]byte, bool) {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return nil, false
	}

	// Unwrap the {response: {...}, traceId} envelope.
	payload := data
	if inner := gjson.GetBytes(data, "response"); inner.Exists() && inner.IsObject() {
		payload = []byte(inner.Raw)
	}

	out := payload
	hadReasoning := false
	parts := gjson.GetBytes(payload, "candidates.0.content.parts")
	for i, part := range parts.Array() {
		isThought, text, signature := classifyThoughtPart(part)
		if !isThought {
			continue
		}

		if text != "" {
			b, ok := t.reasoningByIndex[i]
			if !ok {
				b = &strings.Builder{}
				t.reasoningByIndex[i] = b
			}
			b.WriteString(text)
		}

		if signature != "" && t.cache != nil {
			// The signature rides the final fragment but signs the whole
			// thought, so cache the accumulated text for this index.
			full := text
			if b, ok := t.reasoningByIndex[i]; ok {
				full = b.String()
			}
			// Fire-and-forget: a rejected signature must not interrupt the stream.
			t.cache.Set(t.key, full, signature)
		}

		reshaped := map[string]any{"type": "reasoning", "thought": true, "text": text}
		var err error
		out, err = sjson.SetBytes(out, fmt.Sprintf("candidates.0.content.parts.%d", i), reshaped)
		if err != nil {
			log.WithError(err).Debug("stream: reshape thought part failed")
			continue
		}
		hadReasoning = true
	}

	if hadReasoning {
		out, _ = sjson.SetBytes(out, "reasoning_content", t.ReasoningContent())
	}
	return out, true
}

// classifyThoughtPart recognizes both thought shapes the backend has used:
// {thought: true, text, thoughtSignature} and
// {type: "thinking", thinking, thought_signature}.
func classifyThoughtPart(part gjson.Result) (isThought bool, text, signature string) {
	if part.Get("thought").Bool() {
		signature = part.Get("thoughtSignature").String()
		if signature == "" {
			signature = part.Get("thought_signature").String()
		}
		return true, part.Get("text").String(), signature
	}
	if part.Get("type").String() == "thinking" {
		signature = part.Get("thought_signature").String()
		if signature == "" {
			signature = part.Get("thoughtSignature").String()
		}
		text = part.Get("thinking").String()
		if text == "" {
			text = part.Get("text").String()
		}
		return true, text, signature
	}
	return false, "", ""
}

// ReasoningContent returns the concatenation of all reasoning text seen so
// far, in content-index order.
func (t *Transformer) ReasoningContent() string {
	indices := make([]int, 0, len(t.reasoningByIndex))
	for i := range t.reasoningByIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	var b strings.Builder
	for _, i := range indices {
		b.WriteString(t.reasoningByIndex[i].String())
	}
	return b.String()
}

// Aggregate folds a sequence of already-transformed chunks into a single
// non-stream response: consecutive parts of the same kind are merged,
// function calls are kept as-is, and the last finishReason/usageMetadata win.
func Aggregate(chunks [][]byte) []byte {
	var (
		parts        []any
		pendingKind  string
		pendingText  strings.Builder
		finishReason string
		usageRaw     string
		modelVersion string
	)

	flush := func() {
		if pendingKind == "" {
			return
		}
		switch pendingKind {
		case "reasoning":
			parts = append(parts, map[string]any{"type": "reasoning", "thought": true, "text": pendingText.String()})
		case "text":
			parts = append(parts, map[string]any{"text": pendingText.String()})
		}
		pendingKind = ""
		pendingText.Reset()
	}

	for _, chunk := range chunks {
		root := gjson.ParseBytes(chunk)
		if v := root.Get("candidates.0.finishReason"); v.Exists() {
			finishReason = v.String()
		}
		if v := root.Get("usageMetadata"); v.Exists() {
			usageRaw = v.Raw
		}
		if v := root.Get("modelVersion"); v.Exists() {
			modelVersion = v.String()
		}
		for _, part := range root.Get("candidates.0.content.parts").Array() {
			switch {
			case part.Get("thought").Bool():
				if pendingKind != "reasoning" {
					flush()
					pendingKind = "reasoning"
				}
				pendingText.WriteString(part.Get("text").String())
			case part.Get("functionCall").Exists() || part.Get("functionResponse").Exists():
				flush()
				parts = append(parts, part.Value())
			case part.Get("text").Exists():
				if pendingKind != "text" {
					flush()
					pendingKind = "text"
				}
				pendingText.WriteString(part.Get("text").String())
			}
		}
	}
	flush()

	out := []byte(`{"candidates":[{"content":{"role":"model","parts":[]}}]}`)
	out, _ = sjson.SetBytes(out, "candidates.0.content.parts", parts)
	if finishReason != "" {
		out, _ = sjson.SetBytes(out, "candidates.0.finishReason", finishReason)
	}
	if usageRaw != "" {
		out, _ = sjson.SetRawBytes(out, "usageMetadata", []byte(usageRaw))
	}
	if modelVersion != "" {
		out, _ = sjson.SetBytes(out, "modelVersion", modelVersion)
	}
	return out
}
