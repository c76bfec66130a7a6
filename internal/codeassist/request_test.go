package codeassist

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func msgText(role, text string) Message {
	b, _ := json.Marshal(map[string]any{"text": text})
	return Message{Role: role, Parts: []json.RawMessage{b}}
}

func TestDecodeStatefulMarkerRoundTrip(t *testing.T) {
	raw := []json.RawMessage{[]byte(`{"functionCall":{"name":"x"}}`)}
	marker, _ := json.Marshal(statefulMarker{Parts: raw})
	msg := Message{Role: "model", Parts: []json.RawMessage{marker}}

	parts, ok := decodeStatefulMarker(msg)
	if !ok {
		t.Fatal("expected the marker to be recognized")
	}
	if len(parts) != 1 || string(parts[0]) != `{"functionCall":{"name":"x"}}` {
		t.Fatalf("got %v", parts)
	}
}

func TestDecodeStatefulMarkerRejectsMixedContent(t *testing.T) {
	marker, _ := json.Marshal(statefulMarker{Parts: []json.RawMessage{[]byte(`{}`)}})
	msg := Message{Role: "model", Parts: []json.RawMessage{marker, textPart("also here")}}
	_, ok := decodeStatefulMarker(msg)
	if ok {
		t.Fatal("a marker mixed with other parts must not be recognized")
	}
}

func TestDecodeStatefulMarkerRejectsOrdinaryMessage(t *testing.T) {
	_, ok := decodeStatefulMarker(msgText("user", "hello"))
	if ok {
		t.Fatal("an ordinary text message must not be mistaken for a stateful marker")
	}
}

func TestConvertMessagesResolvesStatefulMarker(t *testing.T) {
	raw := []json.RawMessage{[]byte(`{"text":"resolved"}`)}
	marker, _ := json.Marshal(statefulMarker{Parts: raw})
	messages := []Message{{Role: "model", Parts: []json.RawMessage{marker}}}

	got := convertMessages(messages, false)
	if len(got) != 1 || len(got[0].Parts) != 1 {
		t.Fatalf("got %v", got)
	}
	if string(got[0].Parts[0]) != `{"text":"resolved"}` {
		t.Fatalf("got %s", got[0].Parts[0])
	}
}

func TestSanitizeClaudeContentsMergesAdjacentSameRole(t *testing.T) {
	messages := []Message{msgText("user", "one"), msgText("user", "two")}
	got := sanitizeClaudeContents(messages)
	if len(got) != 1 {
		t.Fatalf("adjacent same-role messages must merge, got %d messages", len(got))
	}
}

func TestSanitizeClaudeContentsMergesAdjacentText(t *testing.T) {
	messages := []Message{msgText("user", "one ")}
	messages[0].Parts = append(messages[0].Parts, textPart("two"))
	got := sanitizeClaudeContents(messages)
	if len(got[0].Parts) != 1 {
		t.Fatalf("adjacent plain-text parts in one message must merge into one part, got %d parts", len(got[0].Parts))
	}
	var p map[string]any
	if err := json.Unmarshal(got[0].Parts[0], &p); err != nil {
		t.Fatal(err)
	}
	if p["text"] != "one two" {
		t.Fatalf("got text %q", p["text"])
	}
}

func TestSanitizeClaudeContentsDropsEmptyText(t *testing.T) {
	messages := []Message{msgText("user", "   ")}
	got := sanitizeClaudeContents(messages)
	if len(got) != 1 || len(got[0].Parts) != 0 {
		t.Fatalf("a whitespace-only text part must be dropped, got %v", got)
	}
}

func TestSanitizeClaudeContentsOrdersThoughtPartFirst(t *testing.T) {
	regular := textPart("answer")
	thought, _ := json.Marshal(map[string]any{"text": "thinking...", "thought": true})
	messages := []Message{{Role: "model", Parts: []json.RawMessage{regular, thought}}}

	got := sanitizeClaudeContents(messages)
	var first map[string]any
	if err := json.Unmarshal(got[0].Parts[0], &first); err != nil {
		t.Fatal(err)
	}
	if first["thought"] != true {
		t.Fatalf("the thought part must be reordered first, got %v", first)
	}
}

func TestBuildToolsNilForEmptyList(t *testing.T) {
	if got := buildTools(nil); got != nil {
		t.Fatalf("an empty tool list must yield nil, got %v", got)
	}
}

func TestBuildToolsSanitizesNameAndSchema(t *testing.T) {
	tools := []ToolDeclaration{{Name: "bad name!", Parameters: map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "string", "pattern": "^a$"}}}}}
	got := buildTools(tools)
	if len(got) != 1 {
		t.Fatalf("got %d tools", len(got))
	}
	name, _ := got[0]["name"].(string)
	if name == "bad name!" {
		t.Fatal("the tool name must be sanitized")
	}
}

func TestBuildGenerationConfigAppliesModelCap(t *testing.T) {
	maxTokens := 999999
	req := ChatRequest{GenerationConfig: GenerationConfig{MaxOutputTokens: &maxTokens}}
	tiered := TieredModel{ModelID: "gemini-3-pro-high", Tier: "high"}
	cfg := buildGenerationConfig(req, tiered, false, false, false)
	if cfg["maxOutputTokens"] != 65535 {
		t.Fatalf("expected the gemini-3-pro cap to apply, got %v", cfg["maxOutputTokens"])
	}
}

func TestBuildGenerationConfigRejectsMaxTokensNotExceedingThinkingBudget(t *testing.T) {
	budget := 1000
	maxTokens := 1000
	req := ChatRequest{GenerationConfig: GenerationConfig{ThinkingBudget: &budget, MaxOutputTokens: &maxTokens}}
	cfg := buildGenerationConfig(req, TieredModel{ModelID: "some-model"}, false, false, false)
	if cfg != nil {
		t.Fatalf("maxOutputTokens <= thinkingBudget must be rejected, got %v", cfg)
	}
}

func TestBuildRequestBodySchemaRejectionSurfacesAsErrSchemaRejection(t *testing.T) {
	budget := 1000
	maxTokens := 500
	req := ChatRequest{
		Style:            StyleAntigravity,
		Messages:         []Message{msgText("user", "hi")},
		GenerationConfig: GenerationConfig{ThinkingBudget: &budget, MaxOutputTokens: &maxTokens},
	}
	_, err := BuildRequestBody(req, "some-model", "proj", "session")
	var rejection *ErrSchemaRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected ErrSchemaRejection, got %v", err)
	}
}

func TestBuildRequestBodyAntigravityStyleIncludesAgentFields(t *testing.T) {
	req := ChatRequest{
		Style:    StyleAntigravity,
		Messages: []Message{msgText("user", "hi")},
	}
	raw, err := BuildRequestBody(req, "claude-opus-4", "my-project", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body["requestType"] != "agent" || body["userAgent"] != "antigravity" {
		t.Fatalf("antigravity style must set requestType/userAgent, got %v", body)
	}
	rid, _ := body["requestId"].(string)
	if !strings.HasPrefix(rid, "agent-") || rid == "agent-" {
		t.Fatalf("got requestId %v", body["requestId"])
	}
	if body["project"] != "my-project" {
		t.Fatalf("got project %v", body["project"])
	}
	if body["model"] != "claude-opus-4-thinking" {
		t.Fatalf("claude opus must always get -thinking, got model %v", body["model"])
	}
}

func TestBuildRequestBodyGeminiCLIStyleOmitsAgentFields(t *testing.T) {
	req := ChatRequest{
		Style:    StyleGeminiCLI,
		Messages: []Message{msgText("user", "hi")},
	}
	raw, err := BuildRequestBody(req, "gemini-2.5-pro", "", "session-2")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if _, present := body["requestType"]; present {
		t.Fatal("gemini-cli style must not set requestType")
	}
	if _, present := body["project"]; present {
		t.Fatal("an empty project must be omitted from the body")
	}
	if body["model"] != "gemini-2.5-pro-preview" {
		t.Fatalf("got model %v", body["model"])
	}
}

func TestBuildRequestBodyIncludesToolsWhenPresent(t *testing.T) {
	req := ChatRequest{
		Style:    StyleGeminiCLI,
		Messages: []Message{msgText("user", "hi")},
		Tools:    []ToolDeclaration{{Name: "search", Parameters: map[string]any{"type": "object"}}},
		ToolMode: ToolModeAuto,
	}
	raw, err := BuildRequestBody(req, "gemini-2.5-flash", "", "session-3")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	reqObj := body["request"].(map[string]any)
	if _, present := reqObj["tools"]; !present {
		t.Fatal("expected a tools field when tools are declared")
	}
}

func TestBuildRequestBodyAppliesExtraBodyAndStripsSafetySettings(t *testing.T) {
	req := ChatRequest{
		Style:    StyleGeminiCLI,
		Messages: []Message{msgText("user", "hi")},
		ExtraBody: map[string]any{
			"labels":         map[string]any{"env": "test"},
			"model":          "attacker-model",
			"safetySettings": []any{map[string]any{"category": "HARM_CATEGORY_UNSPECIFIED"}},
		},
	}
	raw, err := BuildRequestBody(req, "gemini-2.5-flash", "", "session-4")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	labels, _ := body["labels"].(map[string]any)
	if labels["env"] != "test" {
		t.Fatalf("extra body fields must patch into the wire bytes, got %v", body)
	}
	if body["model"] == "attacker-model" {
		t.Fatal("extra body must not override adapter-computed fields")
	}
	if _, present := body["safetySettings"]; present {
		t.Fatal("safetySettings must be stripped at the top level")
	}
	reqObj := body["request"].(map[string]any)
	if _, present := reqObj["safetySettings"]; present {
		t.Fatal("safetySettings must be stripped inside request")
	}
}
