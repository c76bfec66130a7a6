package codeassist

import (
	"strings"
	"testing"
)

func TestSanitizeToolNameAcceptsAlreadyValidNames(t *testing.T) {
	if got := SanitizeToolName("search_web"); got != "search_web" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeToolNameReplacesInvalidCharacters(t *testing.T) {
	got := SanitizeToolName("search web!")
	if strings.Contains(got, " ") || strings.Contains(got, "!") {
		t.Fatalf("sanitized name still contains invalid characters: %q", got)
	}
}

func TestSanitizeToolNameLeadingDigitGetsPrefixed(t *testing.T) {
	got := SanitizeToolName("123tool")
	if len(got) == 0 || (got[0] >= '0' && got[0] <= '9') {
		t.Fatalf("a name must not start with a digit after sanitization, got %q", got)
	}
}

func TestSanitizeToolNameTruncatesTo64(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := SanitizeToolName(long)
	if len(got) > 64 {
		t.Fatalf("sanitized name exceeds 64 chars: %d", len(got))
	}
}

func TestNormalizeToolSchemaNilProducesPlaceholder(t *testing.T) {
	got := NormalizeToolSchema(nil)
	if got["type"] != "object" {
		t.Fatalf("nil schema must normalize to an object schema")
	}
	props, _ := got["properties"].(map[string]any)
	if _, ok := props["_placeholder"]; !ok {
		t.Fatalf("nil schema must get a _placeholder property, got %v", got)
	}
}

func TestNormalizeToolSchemaEmptyObjectGetsPlaceholder(t *testing.T) {
	got := NormalizeToolSchema(map[string]any{"type": "object"})
	props, _ := got["properties"].(map[string]any)
	if _, ok := props["_placeholder"]; !ok {
		t.Fatalf("an object schema with no properties must get a _placeholder property")
	}
}

func TestNormalizeToolSchemaDropsUnsupportedConstraintsIntoDescription(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string", "minLength": 3.0, "pattern": "^[a-z]+$"}},
	}
	got := NormalizeToolSchema(schema)
	props := got["properties"].(map[string]any)
	q := props["q"].(map[string]any)
	if _, present := q["minLength"]; present {
		t.Fatal("minLength must be dropped from the wire schema")
	}
	if _, present := q["pattern"]; present {
		t.Fatal("pattern must be dropped from the wire schema")
	}
	desc, _ := q["description"].(string)
	if !strings.Contains(desc, "minLength") || !strings.Contains(desc, "pattern") {
		t.Fatalf("dropped constraints must be folded into the description, got %q", desc)
	}
}

func TestNormalizeToolSchemaCollapsesNullableUnionType(t *testing.T) {
	schema := map[string]any{"type": []any{"string", "null"}}
	got := NormalizeToolSchema(schema)
	if got["type"] != "string" {
		t.Fatalf("got type %v, want string", got["type"])
	}
	desc, _ := got["description"].(string)
	if !strings.Contains(desc, "nullable") {
		t.Fatalf("nullable must be recorded in the description, got %q", desc)
	}
}

func TestNormalizeToolSchemaArrayWithoutItemsDefaultsToString(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"tags": map[string]any{"type": "array"}}}
	got := NormalizeToolSchema(schema)
	props := got["properties"].(map[string]any)
	tags := props["tags"].(map[string]any)
	items, _ := tags["items"].(map[string]any)
	if items["type"] != "string" {
		t.Fatalf("an array with no items must default items to type string, got %v", items)
	}
}

func TestNormalizeToolSchemaMergesAnyOfIntoSingleSchemaWithHint(t *testing.T) {
	schema := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "number"},
		},
	}
	got := NormalizeToolSchema(schema)
	if _, present := got["anyOf"]; present {
		t.Fatal("anyOf must not survive normalization; the validator has no union support")
	}
	desc, _ := got["description"].(string)
	if !strings.Contains(desc, "string") || !strings.Contains(desc, "number") {
		t.Fatalf("merged union variants must be recorded in the description, got %q", desc)
	}
}

func TestNormalizeToolSchemaRecursesIntoNestedProperties(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nested": map[string]any{
				"type":       "object",
				"properties": map[string]any{"inner": map[string]any{"type": "string", "format": "email"}},
			},
		},
	}
	got := NormalizeToolSchema(schema)
	props := got["properties"].(map[string]any)
	nested := props["nested"].(map[string]any)
	nestedProps := nested["properties"].(map[string]any)
	inner := nestedProps["inner"].(map[string]any)
	if _, present := inner["format"]; present {
		t.Fatal("format must be stripped at every nesting depth")
	}
}

func TestNormalizeToolSchemaDoesNotMutateInput(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string", "pattern": "^a$"}},
	}
	_ = NormalizeToolSchema(schema)
	q := schema["properties"].(map[string]any)["q"].(map[string]any)
	if _, present := q["pattern"]; !present {
		t.Fatal("the caller's schema must not be mutated")
	}
}

func TestNormalizeToolSchemaMergesAllOf(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"allOf": []any{
			map[string]any{"properties": map[string]any{"a": map[string]any{"type": "string"}}, "required": []any{"a"}},
			map[string]any{"properties": map[string]any{"b": map[string]any{"type": "number"}}, "required": []any{"b"}},
		},
	}
	got := NormalizeToolSchema(schema)
	if _, present := got["allOf"]; present {
		t.Fatal("allOf must not survive normalization")
	}
	props, _ := got["properties"].(map[string]any)
	if _, ok := props["a"]; !ok {
		t.Fatalf("allOf member properties must merge, got %v", got)
	}
	if _, ok := props["b"]; !ok {
		t.Fatalf("allOf member properties must merge, got %v", got)
	}
	required, _ := got["required"].([]any)
	if len(required) != 2 {
		t.Fatalf("allOf member required lists must union, got %v", required)
	}
}

func TestNormalizeToolSchemaResolvesLocalRef(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"loc": map[string]any{"$ref": "#/$defs/location"},
		},
		"$defs": map[string]any{
			"location": map[string]any{"type": "string", "description": "a place"},
		},
	}
	got := NormalizeToolSchema(schema)
	if _, present := got["$defs"]; present {
		t.Fatal("$defs must be stripped from the wire schema")
	}
	loc := got["properties"].(map[string]any)["loc"].(map[string]any)
	if loc["type"] != "string" {
		t.Fatalf("the $ref target must be inlined, got %v", loc)
	}
	if _, present := loc["$ref"]; present {
		t.Fatal("$ref must not survive normalization")
	}
}
