package codeassist

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// unsupportedConstraints are JSON-Schema keywords the Code Assist validator
// rejects outright; they are dropped and folded into the description as a
// human-readable hint instead of being sent on the wire.
var unsupportedConstraints = []string{
	"minLength", "maxLength", "pattern", "format",
	"minItems", "maxItems", "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum",
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:-]{0,63}$`)

// maxSchemaDepth bounds the recursive rewrite so a self-referential schema
// (a $ref cycle) terminates instead of recursing forever.
const maxSchemaDepth = 32

// SanitizeToolName coerces a tool name into the vendor-accepted character
// set and length.
func SanitizeToolName(name string) string {
	if toolNamePattern.MatchString(name) {
		return name
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9', r == '.', r == ':', r == '-':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "_"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// NormalizeToolSchema rewrites a JSON-Schema tool parameter block to fit
// the server's constrained validator. The input is never mutated: the tree
// is deep-copied once up front and all rewriting happens on the copy.
func NormalizeToolSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{"_placeholder": map[string]any{"type": "boolean"}}, "required": []any{"_placeholder"}}
	}
	defs := collectDefs(schema)
	copied, _ := deepCopyValue(schema).(map[string]any)
	out := normalizeSchemaNode(copied, defs, 0)
	normalized, _ := out.(map[string]any)
	if normalized == nil {
		normalized = map[string]any{"type": "object"}
	}
	delete(normalized, "$defs")
	delete(normalized, "definitions")
	if isEmptyObjectSchema(normalized) {
		normalized["properties"] = map[string]any{"_placeholder": map[string]any{"type": "boolean"}}
		normalized["required"] = []any{"_placeholder"}
	}
	return normalized
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// collectDefs indexes the root schema's $defs/definitions blocks by their
// in-document reference string so normalizeSchemaNode can inline them.
func collectDefs(root map[string]any) map[string]map[string]any {
	defs := make(map[string]map[string]any)
	for _, key := range []string{"$defs", "definitions"} {
		block, ok := root[key].(map[string]any)
		if !ok {
			continue
		}
		for name, v := range block {
			if vm, ok2 := v.(map[string]any); ok2 {
				defs["#/"+key+"/"+name] = vm
			}
		}
	}
	return defs
}

func isEmptyObjectSchema(s map[string]any) bool {
	if t, _ := s["type"].(string); t != "object" && t != "" {
		return false
	}
	props, ok := s["properties"].(map[string]any)
	return !ok || len(props) == 0
}

func normalizeSchemaNode(node any, defs map[string]map[string]any, depth int) any {
	m, ok := node.(map[string]any)
	if !ok || depth > maxSchemaDepth {
		return node
	}

	m = resolveRef(m, defs)
	m = mergeAllOf(m, defs, depth)
	if merged := mergeUnion(m); merged != nil {
		m = merged
	}

	var hints []string
	for _, key := range unsupportedConstraints {
		if v, present := m[key]; present {
			hints = append(hints, fmt.Sprintf("%s: %v", key, v))
			delete(m, key)
		}
	}

	if types, ok := m["type"].([]any); ok {
		nullable := false
		var primary string
		for _, t := range types {
			s, _ := t.(string)
			if s == "null" {
				nullable = true
				continue
			}
			if primary == "" {
				primary = s
			}
		}
		if primary == "" {
			primary = "string"
		}
		m["type"] = primary
		if nullable {
			hints = append(hints, "nullable")
		}
	}

	if t, _ := m["type"].(string); t == "array" {
		if _, hasItems := m["items"]; !hasItems {
			m["items"] = map[string]any{"type": "string"}
		} else {
			m["items"] = normalizeSchemaNode(m["items"], defs, depth+1)
		}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		for k, v := range props {
			props[k] = normalizeSchemaNode(v, defs, depth+1)
		}
	}

	if len(hints) > 0 {
		desc, _ := m["description"].(string)
		sort.Strings(hints)
		if desc != "" {
			desc += " "
		}
		m["description"] = desc + "(" + strings.Join(hints, "; ") + ")"
	}

	return m
}

// resolveRef inlines an in-document $ref (#/$defs/... or #/definitions/...)
// into the node, with the node's own fields taking precedence. External or
// unknown references are dropped: the validator would reject them anyway
// and the sibling fields still describe the parameter.
func resolveRef(m map[string]any, defs map[string]map[string]any) map[string]any {
	ref, ok := m["$ref"].(string)
	if !ok {
		return m
	}
	delete(m, "$ref")
	target, found := defs[ref]
	if !found {
		return m
	}
	resolved, _ := deepCopyValue(target).(map[string]any)
	if resolved == nil {
		return m
	}
	for k, v := range m {
		resolved[k] = v
	}
	return resolved
}

// mergeAllOf folds every allOf member into the node itself: properties
// merge, required unions, and for any other field the node's own value
// wins over a member's.
func mergeAllOf(m map[string]any, defs map[string]map[string]any, depth int) map[string]any {
	members, ok := m["allOf"].([]any)
	if !ok {
		return m
	}
	delete(m, "allOf")
	for _, member := range members {
		mm, ok2 := member.(map[string]any)
		if !ok2 {
			continue
		}
		mm = resolveRef(mm, defs)
		if depth <= maxSchemaDepth {
			mm = mergeAllOf(mm, defs, depth+1)
		}
		for k, v := range mm {
			switch k {
			case "properties":
				dst, _ := m["properties"].(map[string]any)
				src, _ := v.(map[string]any)
				if dst == nil {
					dst = make(map[string]any, len(src))
				}
				for pk, pv := range src {
					if _, exists := dst[pk]; !exists {
						dst[pk] = pv
					}
				}
				m["properties"] = dst
			case "required":
				existing, _ := m["required"].([]any)
				add, _ := v.([]any)
				seen := make(map[any]bool, len(existing))
				for _, r := range existing {
					seen[r] = true
				}
				for _, r := range add {
					if !seen[r] {
						existing = append(existing, r)
					}
				}
				m["required"] = existing
			default:
				if _, exists := m[k]; !exists {
					m[k] = v
				}
			}
		}
	}
	return m
}

// mergeUnion collapses anyOf/oneOf into a single schema whose description
// lists the variants that were merged away, since the server validator has
// no union support.
func mergeUnion(m map[string]any) map[string]any {
	var variants []any
	if v, ok := m["anyOf"].([]any); ok {
		variants = v
		delete(m, "anyOf")
	} else if v, ok := m["oneOf"].([]any); ok {
		variants = v
		delete(m, "oneOf")
	} else {
		return nil
	}
	if len(variants) == 0 {
		return m
	}
	first, _ := variants[0].(map[string]any)
	merged := map[string]any{}
	for k, v := range first {
		merged[k] = v
	}
	for k, v := range m {
		merged[k] = v
	}
	var names []string
	for _, v := range variants {
		vm, _ := v.(map[string]any)
		t, _ := vm["type"].(string)
		if t == "" {
			t = "variant"
		}
		names = append(names, t)
	}
	desc, _ := merged["description"].(string)
	if desc != "" {
		desc += " "
	}
	merged["description"] = desc + "(one of: " + strings.Join(names, ", ") + ")"
	return merged
}
