package codeassist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// statefulMarkerKey is the sentinel field this adapter recognizes on an
// assistant message's part list: a prior turn's raw, vendor-shaped
// Content[] echoed back by the host so thought signatures and toolUseIds
// survive a multi-turn conversation without the adapter reconstructing
// them from scratch. The wire shape of Code Assist's Content[] is
// non-public, so this package treats it as opaque json.RawMessage and
// passes it through verbatim.
const statefulMarkerKey = "__codeAssistRawParts"

type statefulMarker struct {
	Parts []json.RawMessage `json:"__codeAssistRawParts"`
}

// decodeStatefulMarker reports whether msg carries a stateful marker and,
// if so, returns the raw parts it should be replaced with. A marker is
// recognized only when it is the message's sole part, matching how the
// host emits it (never mixed with other content in the same message).
func decodeStatefulMarker(msg Message) ([]json.RawMessage, bool) {
	if len(msg.Parts) != 1 {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(msg.Parts[0], &probe); err != nil {
		return nil, false
	}
	if _, ok := probe[statefulMarkerKey]; !ok {
		return nil, false
	}
	var marker statefulMarker
	if err := json.Unmarshal(msg.Parts[0], &marker); err != nil {
		return nil, false
	}
	return marker.Parts, true
}

// convertMessages resolves stateful markers and, for the Claude family,
// sanitizes the resulting content sequence: adjacent
// same-role messages merge, text parts within a message merge into one
// (thinking text + signature preserved), empty text parts are dropped,
// and any thought part is resorted to precede other parts.
func convertMessages(messages []Message, claude bool) []Message {
	resolved := make([]Message, 0, len(messages))
	for _, m := range messages {
		if raw, ok := decodeStatefulMarker(m); ok {
			resolved = append(resolved, Message{Role: m.Role, Parts: raw})
			continue
		}
		resolved = append(resolved, m)
	}
	if !claude {
		return resolved
	}
	return sanitizeClaudeContents(resolved)
}

type claudePart struct {
	raw       map[string]any
	isThought bool
	isText    bool
	text      string
}

func sanitizeClaudeContents(messages []Message) []Message {
	var merged []Message
	for _, m := range messages {
		if len(merged) > 0 && merged[len(merged)-1].Role == m.Role {
			merged[len(merged)-1].Parts = append(merged[len(merged)-1].Parts, m.Parts...)
			continue
		}
		merged = append(merged, Message{Role: m.Role, Parts: append([]json.RawMessage(nil), m.Parts...)})
	}

	out := make([]Message, 0, len(merged))
	for _, m := range merged {
		parts := parseClaudeParts(m.Parts)
		parts = mergeClaudeText(parts)
		parts = dropEmptyClaudeText(parts)
		sortClaudeThoughtFirst(parts)
		raws := make([]json.RawMessage, 0, len(parts))
		for _, p := range parts {
			if b, err := json.Marshal(p.raw); err == nil {
				raws = append(raws, b)
			}
		}
		out = append(out, Message{Role: m.Role, Parts: raws})
	}
	return out
}

func parseClaudeParts(raw []json.RawMessage) []claudePart {
	parts := make([]claudePart, 0, len(raw))
	for _, r := range raw {
		var m map[string]any
		if err := json.Unmarshal(r, &m); err != nil {
			continue
		}
		p := claudePart{raw: m}
		if text, ok := m["text"].(string); ok {
			p.isText = true
			p.text = text
		}
		if thought, ok := m["thought"].(bool); ok && thought {
			p.isThought = true
		}
		parts = append(parts, p)
	}
	return parts
}

// mergeClaudeText merges adjacent plain-text parts (preserving a thinking
// part's signature field) so the server sees one text part per run
// instead of the many small deltas a streaming host tends to accumulate.
func mergeClaudeText(parts []claudePart) []claudePart {
	out := make([]claudePart, 0, len(parts))
	for _, p := range parts {
		if p.isText && len(out) > 0 {
			last := &out[len(out)-1]
			if last.isText && last.isThought == p.isThought {
				last.text += p.text
				last.raw["text"] = last.text
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func dropEmptyClaudeText(parts []claudePart) []claudePart {
	out := make([]claudePart, 0, len(parts))
	for _, p := range parts {
		if p.isText && strings.TrimSpace(p.text) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// sortClaudeThoughtFirst stable-sorts so any thought part precedes the
// other parts in the same message, matching the ordering Claude's API
// requires between a thinking block and the content that follows it.
func sortClaudeThoughtFirst(parts []claudePart) {
	thoughts := make([]claudePart, 0, len(parts))
	rest := make([]claudePart, 0, len(parts))
	for _, p := range parts {
		if p.isThought {
			thoughts = append(thoughts, p)
		} else {
			rest = append(rest, p)
		}
	}
	copy(parts, append(thoughts, rest...))
}

const strictParametersInstruction = "STRICT PARAMETERS: call every tool with arguments that validate exactly against its declared JSON Schema; do not invent fields the schema does not define."

const toolsEnabledInstruction = "You have access to tools. Use them when they help answer the request; otherwise respond directly."

const toolsDisabledInstruction = "No tools are available for this turn. Answer using only the conversation so far."

// vendorSystemPrompts holds the fixed system-prompt strings certain
// model/tier combinations prepend. The exact copy is an internal vendor
// detail; a short identifying string is enough for the adapter's own use
// (it is only ever forwarded as systemInstruction content).
var vendorSystemPrompts = map[string]string{
	"claude":            "You are an AI coding assistant operating inside an IDE agent runtime.",
	"gemini-3-pro-high": "You are an AI coding assistant operating inside an IDE agent runtime.",
}

func vendorSystemPromptFor(tiered TieredModel, claude bool) (string, bool) {
	if claude {
		p, ok := vendorSystemPrompts["claude"]
		return p, ok
	}
	p, ok := vendorSystemPrompts[tiered.ModelID]
	return p, ok
}

// buildSystemInstruction flattens any system message plus the behavioral
// and vendor-prompt additions into the single systemInstruction block the
// wire format carries.
func buildSystemInstruction(req ChatRequest, tiered TieredModel, claude bool) *Message {
	var parts []json.RawMessage
	if vp, ok := vendorSystemPromptFor(tiered, claude); ok {
		parts = append(parts, textPart(vp))
	}
	if req.SystemInstruction != nil {
		parts = append(parts, req.SystemInstruction.Parts...)
	}
	if claude && len(req.Tools) > 0 {
		parts = append(parts, textPart(strictParametersInstruction))
	}
	if len(req.Tools) > 0 {
		parts = append(parts, textPart(toolsEnabledInstruction))
	} else {
		parts = append(parts, textPart(toolsDisabledInstruction))
	}
	if len(parts) == 0 {
		return nil
	}
	return &Message{Role: "user", Parts: parts}
}

func textPart(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"text": text})
	return b
}

// firstUserText extracts the first user-role message's concatenated text
// parts, used only to seed SessionID's conversation hash.
func firstUserText(messages []Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		var b strings.Builder
		for _, raw := range m.Parts {
			var p map[string]any
			if json.Unmarshal(raw, &p) == nil {
				if t, ok := p["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	}
	return ""
}

func systemText(sys *Message) string {
	if sys == nil {
		return ""
	}
	var b strings.Builder
	for _, raw := range sys.Parts {
		var p map[string]any
		if json.Unmarshal(raw, &p) == nil {
			if t, ok := p["text"].(string); ok {
				b.WriteString(t)
			}
		}
	}
	return b.String()
}

// buildTools normalizes every tool declaration's JSON Schema and
// sanitizes its name. A zero-length tool list yields a nil tools value so
// the caller omits the field entirely.
func buildTools(tools []ToolDeclaration) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        SanitizeToolName(t.Name),
			"description": t.Description,
			"parameters":  NormalizeToolSchema(t.Parameters),
		})
	}
	return out
}

// buildGenerationConfig assembles the generationConfig object, applying
// the per-family maxOutputTokens cap and the thinking config shape
// appropriate to the tiered model.
func buildGenerationConfig(req ChatRequest, tiered TieredModel, claude, claudeOpus, thinkingEnabled bool) map[string]any {
	cfg := req.GenerationConfig
	out := map[string]any{}
	if cfg.Temperature != nil {
		out["temperature"] = *cfg.Temperature
	}
	if cfg.TopP != nil {
		out["topP"] = *cfg.TopP
	}
	if cfg.TopK != nil {
		out["topK"] = *cfg.TopK
	}
	if cfg.PresencePenalty != nil {
		out["presencePenalty"] = *cfg.PresencePenalty
	}
	if cfg.FrequencyPenalty != nil {
		out["frequencyPenalty"] = *cfg.FrequencyPenalty
	}
	if len(cfg.StopSequences) > 0 {
		out["stopSequences"] = cfg.StopSequences
	}
	if cfg.CandidateCount != nil {
		out["candidateCount"] = *cfg.CandidateCount
	}

	maxTokens := 0
	if cfg.MaxOutputTokens != nil {
		maxTokens = *cfg.MaxOutputTokens
	}
	if tokenCap := maxOutputTokensCap(tiered.ModelID); tokenCap > 0 && (maxTokens == 0 || maxTokens > tokenCap) {
		maxTokens = tokenCap
	}

	switch {
	case isGemini3(tiered.ModelID):
		thinking := map[string]any{"includeThoughts": thinkingEnabled}
		if tiered.Tier != "" {
			thinking["thinkingLevel"] = tiered.Tier
		}
		out["thinkingConfig"] = thinking
	case claudeOpus:
		if budget, ok := claudeOpusThinkingBudget(cfg.ReasoningEffort); ok {
			out["thinkingConfig"] = map[string]any{"includeThoughts": true, "thinkingBudget": budget}
			if maxTokens != 0 && maxTokens <= budget {
				maxTokens = budget + 1
			}
		}
	case cfg.ThinkingBudget != nil:
		out["thinkingConfig"] = map[string]any{"includeThoughts": true, "thinkingBudget": *cfg.ThinkingBudget}
		if maxTokens != 0 && maxTokens <= *cfg.ThinkingBudget {
			return nil // caller surfaces ErrSchemaRejection; see BuildRequestBody
		}
	}

	if maxTokens > 0 {
		out["maxOutputTokens"] = maxTokens
	}
	return out
}

// ErrSchemaRejection is returned by BuildRequestBody when the request
// violates a server-side validation rule the adapter can check up front
// (e.g. maxOutputTokens not exceeding thinkingBudget).
type ErrSchemaRejection struct{ Reason string }

func (e *ErrSchemaRejection) Error() string { return "codeassist: schema rejection: " + e.Reason }

// BuildRequestBody assembles the wire body for one attempt at modelID
// (the caller drives model fallback across attempts; see
// Adapter.forEachAttempt). project is empty for styles/providers that
// omit it from the payload.
func BuildRequestBody(req ChatRequest, modelID, project, processSessionID string) ([]byte, error) {
	tiered := ComputeModelID(modelID, req.Style, req.GenerationConfig.ReasoningEffort, req.GenerationConfig.ThinkingBudget != nil)
	claude := isClaudeFamily(modelID)
	claudeOpus := isClaudeOpus(modelID)
	thinkingEnabled := req.GenerationConfig.ReasoningEffort != ReasoningNone || req.GenerationConfig.ThinkingBudget != nil

	contents := convertMessages(req.Messages, claude)
	sysInstruction := buildSystemInstruction(req, tiered, claude)

	sessionID := SessionID(processSessionID, tiered.ModelID, project, systemText(req.SystemInstruction), firstUserText(req.Messages))

	requestObj := map[string]any{
		"contents":  contents,
		"sessionId": sessionID,
	}
	if sysInstruction != nil {
		requestObj["systemInstruction"] = sysInstruction
	}

	genConfig := buildGenerationConfig(req, tiered, claude, claudeOpus, thinkingEnabled)
	if genConfig == nil {
		return nil, &ErrSchemaRejection{Reason: "maxOutputTokens must exceed thinkingBudget"}
	}
	if len(genConfig) > 0 {
		requestObj["generationConfig"] = genConfig
	}

	if tools := buildTools(req.Tools); tools != nil {
		requestObj["tools"] = []map[string]any{{"functionDeclarations": tools}}
		requestObj["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": string(req.ToolMode)},
		}
	}

	body := map[string]any{
		"model":   tiered.ModelID,
		"request": requestObj,
	}
	if project != "" {
		body["project"] = project
	}
	if req.Style == StyleAntigravity {
		body["requestType"] = "agent"
		body["userAgent"] = "antigravity"
		body["requestId"] = "agent-" + uuid.NewString()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("codeassist: marshal request body: %w", err)
	}

	// Per-provider extra body fields patch into the marshaled wire bytes
	// without overriding anything this adapter computed. safetySettings is
	// rejected by the backend at both levels, so it is stripped wherever it
	// came from.
	for k, v := range req.ExtraBody {
		if gjson.GetBytes(raw, k).Exists() {
			continue
		}
		raw, err = sjson.SetBytes(raw, k, v)
		if err != nil {
			return nil, fmt.Errorf("codeassist: apply extra body field %q: %w", k, err)
		}
	}
	raw, _ = sjson.DeleteBytes(raw, "safetySettings")
	raw, _ = sjson.DeleteBytes(raw, "request.safetySettings")
	return raw, nil
}

// buildCountTokensBody assembles the countTokens variant of the wire body:
// the model moves inside request and the project/session/agent fields are
// dropped, matching that RPC's narrower shape.
func buildCountTokensBody(req ChatRequest, modelID string) ([]byte, error) {
	tiered := ComputeModelID(modelID, req.Style, req.GenerationConfig.ReasoningEffort, req.GenerationConfig.ThinkingBudget != nil)
	contents := convertMessages(req.Messages, isClaudeFamily(modelID))
	body := map[string]any{
		"request": map[string]any{
			"model":    "models/" + tiered.ModelID,
			"contents": contents,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("codeassist: marshal countTokens body: %w", err)
	}
	return raw, nil
}
