package ir

import (
	"fmt"
	"strings"
)

// schemaAllowedFields is the backend's accepted JSON-Schema subset. Any other
// keyword, at any nesting depth, is rejected by the backend's strict
// function-calling validation and must be removed before the call.
var schemaAllowedFields = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"description":          true,
	"enum":                 true,
	"items":                true,
	"additionalProperties": true,
}

// SanitizeToolName rewrites a function name into the backend's accepted
// charset: every character outside [a-zA-Z0-9_-] becomes '_', the result is
// truncated to 64 characters. Idempotent.
func SanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unnamed_function"
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// SanitizeToolSchema rewrites a tool parameter schema into the backend's
// accepted subset. The transform is pure, never fails, and is idempotent:
// sanitizing an already-sanitized schema yields the same result.
//
// Pipeline:
//  1. $ref flattening against collected $defs/definitions
//  2. allOf merging
//  3. anyOf/oneOf scoring and merging (best branch wins)
//  4. const -> enum
//  5. constraint migration into description
//  6. strict whitelist filtering
//  7. empty object -> required "reason" placeholder
//  8. empty items -> {type: "string"}
//  9. type flattening/lowercase, enum values stringified
func SanitizeToolSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string", "description": "Reason for calling this tool"},
			},
			"required": []any{"reason"},
		}
	}

	defs := make(map[string]any)
	collectAllDefs(schema, defs)

	delete(schema, "$defs")
	delete(schema, "definitions")

	flattenRefs(schema, defs)
	sanitizeSchemaRecursive(schema, true)

	return schema
}

func collectAllDefs(value any, defs map[string]any) {
	switch v := value.(type) {
	case map[string]any:
		if d, ok := v["$defs"].(map[string]any); ok {
			for k, val := range d {
				if _, exists := defs[k]; !exists {
					defs[k] = val
				}
			}
		}
		if d, ok := v["definitions"].(map[string]any); ok {
			for k, val := range d {
				if _, exists := defs[k]; !exists {
					defs[k] = val
				}
			}
		}
		for k, val := range v {
			if k != "$defs" && k != "definitions" {
				collectAllDefs(val, defs)
			}
		}
	case []any:
		for _, item := range v {
			collectAllDefs(item, defs)
		}
	}
}

func flattenRefs(mapVal map[string]any, defs map[string]any) {
	if refPath, ok := mapVal["$ref"].(string); ok {
		delete(mapVal, "$ref")

		// #/$defs/MyType -> MyType
		parts := strings.Split(refPath, "/")
		refName := parts[len(parts)-1]

		if defSchema, ok := defs[refName]; ok {
			if defMap, ok := defSchema.(map[string]any); ok {
				for k, v := range defMap {
					if _, exists := mapVal[k]; !exists {
						mapVal[k] = DeepCopy(v)
					}
				}
				flattenRefs(mapVal, defs)
			}
		} else {
			// Unresolved ref fallback
			mapVal["type"] = "string"
			hint := fmt.Sprintf("(Unresolved $ref: %s)", refPath)
			if desc, ok := mapVal["description"].(string); ok {
				if !strings.Contains(desc, hint) {
					if desc != "" {
						desc += " "
					}
					mapVal["description"] = desc + hint
				}
			} else {
				mapVal["description"] = hint
			}
		}
	}

	for _, v := range mapVal {
		if childMap, ok := v.(map[string]any); ok {
			flattenRefs(childMap, defs)
		} else if arr, ok := v.([]any); ok {
			for _, item := range arr {
				if itemMap, ok := item.(map[string]any); ok {
					flattenRefs(itemMap, defs)
				}
			}
		}
	}
}

// sanitizeSchemaRecursive cleans one schema node. forced marks positions
// that are schemas by construction (tool root, properties values, items)
// even when they carry none of the usual schema keys.
func sanitizeSchemaRecursive(schema map[string]any, forced bool) bool {
	isEffectivelyNullable := false

	mergeAllOf(schema)

	// Recurse into children first
	if props, ok := schema["properties"].(map[string]any); ok {
		nullableKeys := make(map[string]bool)
		for k, v := range props {
			if vMap, ok := v.(map[string]any); ok {
				if sanitizeSchemaRecursive(vMap, true) {
					nullableKeys[k] = true
				}
			}
		}

		if len(nullableKeys) > 0 {
			if req, ok := schema["required"].([]any); ok {
				newReq := []any{}
				for _, r := range req {
					if s, ok := r.(string); ok && !nullableKeys[s] {
						newReq = append(newReq, s)
					}
				}
				if len(newReq) == 0 {
					delete(schema, "required")
				} else {
					schema["required"] = newReq
				}
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		sanitizeSchemaRecursive(items, true)
	}
	if addProps, ok := schema["additionalProperties"].(map[string]any); ok {
		sanitizeSchemaRecursive(addProps, true)
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		if arr, ok := schema[key].([]any); ok {
			for _, branch := range arr {
				if branchMap, ok := branch.(map[string]any); ok {
					sanitizeSchemaRecursive(branchMap, true)
				}
			}
		}
	}

	// Merge anyOf/oneOf by extracting the best branch
	var unionToMerge []any
	typeVal, _ := schema["type"].(string)
	if typeVal == "" || typeVal == "object" {
		if anyOf, ok := schema["anyOf"].([]any); ok {
			unionToMerge = anyOf
		} else if oneOf, ok := schema["oneOf"].([]any); ok {
			unionToMerge = oneOf
		}
	}

	if len(unionToMerge) > 0 {
		if bestBranch := extractBestSchemaFromUnion(unionToMerge); bestBranch != nil {
			if branchObj, ok := bestBranch.(map[string]any); ok {
				mergeUnionBranch(schema, branchObj)
			}
		}
	}

	// const -> enum before whitelist filtering so the value survives
	if constVal, ok := schema["const"]; ok {
		schema["enum"] = []any{constVal}
		delete(schema, "const")
	}

	looksLikeSchema := forced
	for _, k := range []string{"type", "properties", "items", "enum", "anyOf", "oneOf", "allOf"} {
		if looksLikeSchema {
			break
		}
		if _, ok := schema[k]; ok {
			looksLikeSchema = true
		}
	}

	if looksLikeSchema {
		// Migrate validation constraints into the description so the intent
		// survives the whitelist below.
		hints := []string{}
		constraints := []struct{ field, label string }{
			{"minLength", "minLen"},
			{"maxLength", "maxLen"},
			{"pattern", "pattern"},
			{"minimum", "min"},
			{"maximum", "max"},
			{"multipleOf", "multipleOf"},
			{"exclusiveMinimum", "exclMin"},
			{"exclusiveMaximum", "exclMax"},
			{"minItems", "minItems"},
			{"maxItems", "maxItems"},
			{"format", "format"},
		}
		for _, c := range constraints {
			if val, ok := schema[c.field]; ok && val != nil {
				hints = append(hints, fmt.Sprintf("%s: %v", c.label, val))
			}
		}

		if len(hints) > 0 {
			suffix := fmt.Sprintf(" [Constraint: %s]", strings.Join(hints, ", "))
			desc, _ := schema["description"].(string)
			if !strings.Contains(desc, suffix) {
				schema["description"] = desc + suffix
			}
		}

		for k := range schema {
			if !schemaAllowedFields[k] {
				delete(schema, k)
			}
		}

		// Empty object schemas are rejected by the strict validation mode;
		// guarantee at least one required field.
		if t, ok := schema["type"].(string); ok && strings.EqualFold(t, "object") {
			props, _ := schema["properties"].(map[string]any)
			if len(props) == 0 {
				schema["properties"] = map[string]any{
					"reason": map[string]any{"type": "string", "description": "Reason for calling this tool"},
				}
				schema["required"] = []any{"reason"}
			}
		}

		// required must reference declared properties only
		if req, ok := schema["required"].([]any); ok {
			props, _ := schema["properties"].(map[string]any)
			newReq := []any{}
			for _, r := range req {
				if s, ok := r.(string); ok {
					if _, exists := props[s]; exists {
						newReq = append(newReq, s)
					}
				}
			}
			if len(newReq) == 0 {
				delete(schema, "required")
			} else {
				schema["required"] = newReq
			}
		}

		// An items value that sanitized down to nothing is invalid
		if items, ok := schema["items"].(map[string]any); ok && len(items) == 0 {
			schema["items"] = map[string]any{"type": "string"}
		}

		if typeVal, ok := schema["type"]; ok {
			var selectedType string
			switch t := typeVal.(type) {
			case string:
				lower := strings.ToLower(t)
				if lower == "null" {
					isEffectivelyNullable = true
				} else {
					selectedType = lower
				}
			case []any:
				for _, item := range t {
					if s, ok := item.(string); ok {
						lower := strings.ToLower(s)
						if lower == "null" {
							isEffectivelyNullable = true
						} else if selectedType == "" {
							selectedType = lower
						}
					}
				}
			}
			if selectedType == "" {
				selectedType = "string"
			}
			schema["type"] = selectedType
		}

		if isEffectivelyNullable {
			desc, _ := schema["description"].(string)
			if !strings.Contains(desc, "nullable") {
				if desc != "" {
					desc += " "
				}
				schema["description"] = desc + "(nullable)"
			}
		}

		if enumVal, ok := schema["enum"].([]any); ok {
			newEnum := make([]any, len(enumVal))
			for i, v := range enumVal {
				if _, ok := v.(string); ok {
					newEnum[i] = v
				} else if v == nil {
					newEnum[i] = "null"
				} else {
					newEnum[i] = fmt.Sprintf("%v", v)
				}
			}
			schema["enum"] = newEnum
		}
	}

	return isEffectivelyNullable
}

func mergeUnionBranch(schema, branch map[string]any) {
	for k, v := range branch {
		switch k {
		case "properties":
			targetProps, _ := schema["properties"].(map[string]any)
			if targetProps == nil {
				targetProps = make(map[string]any)
				schema["properties"] = targetProps
			}
			if sourceProps, ok := v.(map[string]any); ok {
				for pk, pv := range sourceProps {
					if _, exists := targetProps[pk]; !exists {
						targetProps[pk] = DeepCopy(pv)
					}
				}
			}
		case "required":
			targetReq, _ := schema["required"].([]any)
			sourceReq, _ := v.([]any)
			seen := make(map[string]bool)
			for _, r := range targetReq {
				if s, ok := r.(string); ok {
					seen[s] = true
				}
			}
			for _, r := range sourceReq {
				if s, ok := r.(string); ok && !seen[s] {
					targetReq = append(targetReq, s)
				}
			}
			schema["required"] = targetReq
		default:
			if _, exists := schema[k]; !exists {
				schema[k] = DeepCopy(v)
			}
		}
	}
	delete(schema, "anyOf")
	delete(schema, "oneOf")
}

func mergeAllOf(schema map[string]any) {
	allOf, ok := schema["allOf"].([]any)
	if !ok || len(allOf) == 0 {
		return
	}
	delete(schema, "allOf")

	mergedProperties := make(map[string]any)
	mergedRequired := make(map[string]bool)
	var otherFields []map[string]any

	for _, sub := range allOf {
		if subMap, ok := sub.(map[string]any); ok {
			if props, ok := subMap["properties"].(map[string]any); ok {
				for k, v := range props {
					mergedProperties[k] = DeepCopy(v)
				}
			}
			if req, ok := subMap["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						mergedRequired[s] = true
					}
				}
			}
			otherFields = append(otherFields, subMap)
		}
	}

	for _, sub := range otherFields {
		for k, v := range sub {
			if k != "properties" && k != "required" && k != "allOf" {
				if _, exists := schema[k]; !exists {
					schema[k] = DeepCopy(v)
				}
			}
		}
	}

	if len(mergedProperties) > 0 {
		existingProps, _ := schema["properties"].(map[string]any)
		if existingProps == nil {
			existingProps = make(map[string]any)
			schema["properties"] = existingProps
		}
		for k, v := range mergedProperties {
			if _, exists := existingProps[k]; !exists {
				existingProps[k] = v
			}
		}
	}

	if len(mergedRequired) > 0 {
		existingReq, _ := schema["required"].([]any)
		seen := make(map[string]bool)
		newReq := []any{}
		for _, r := range existingReq {
			if s, ok := r.(string); ok {
				seen[s] = true
				newReq = append(newReq, s)
			}
		}
		for req := range mergedRequired {
			if !seen[req] {
				newReq = append(newReq, req)
			}
		}
		schema["required"] = newReq
	}
}

func scoreSchemaOption(val any) int {
	if obj, ok := val.(map[string]any); ok {
		typeVal, _ := obj["type"].(string)
		if _, hasProps := obj["properties"]; hasProps || typeVal == "object" {
			return 3
		}
		if _, hasItems := obj["items"]; hasItems || typeVal == "array" {
			return 2
		}
		if typeVal != "" && typeVal != "null" {
			return 1
		}
	}
	return 0
}

func extractBestSchemaFromUnion(unionArray []any) any {
	var bestOption any
	bestScore := -1

	for _, item := range unionArray {
		score := scoreSchemaOption(item)
		if score > bestScore {
			bestScore = score
			bestOption = item
		}
	}
	return bestOption
}
