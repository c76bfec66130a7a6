package codeassist

import "encoding/json"

// Message is one turn of a chat-format request. Parts carries raw,
// already-vendor-shaped content objects (text, functionCall,
// functionResponse, inlineData, thought markers) rather than a typed
// union; the wire shapes stay opaque to this package.
type Message struct {
	Role  string            `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

// ToolDeclaration is one function the model may call, expressed as a
// JSON Schema parameter set. Schema is normalized by NormalizeToolSchema
// before being placed on the wire.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolMode mirrors Gemini's function_calling_config.mode values.
type ToolMode string

const (
	ToolModeAuto ToolMode = "AUTO"
	ToolModeAny  ToolMode = "ANY"
	ToolModeNone ToolMode = "NONE"
)

// ReasoningEffort is the host-facing thinking-budget knob. "" means the
// caller did not ask for a specific tier and ComputeModelID/BuildRequestBody
// leave thinking config untouched.
type ReasoningEffort string

const (
	ReasoningNone    ReasoningEffort = ""
	ReasoningMinimal ReasoningEffort = "minimal"
	ReasoningLow     ReasoningEffort = "low"
	ReasoningMedium  ReasoningEffort = "medium"
	ReasoningHigh    ReasoningEffort = "high"
)

// GenerationConfig mirrors Gemini's generationConfig object. Pointer fields
// distinguish "unset" from a valid zero value.
type GenerationConfig struct {
	Temperature      *float64
	TopP             *float64
	TopK             *float64
	MaxOutputTokens  *int
	StopSequences    []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	CandidateCount   *int
	ReasoningEffort  ReasoningEffort
	ThinkingBudget   *int
}

// Credential is the subset of config.AuthCredential this package needs;
// declared locally to avoid an import cycle back into authmethod.
type Credential struct {
	AccessToken string
	ProjectID   string
	Email       string
}

// ChatRequest is the abstract chat request the host assembles once and
// this package turns into vendor wire bytes. It intentionally has no
// knowledge of the host's HTTP framing — callers own the inbound request
// translation and only hand codeassist a fully-formed turn sequence.
type ChatRequest struct {
	Model             string
	Style             Style
	Messages          []Message
	SystemInstruction *Message
	Tools             []ToolDeclaration
	ToolMode          ToolMode
	GenerationConfig  GenerationConfig
	Credential        Credential
	// ExtraHeaders and ExtraBody are the provider's configured network
	// options, filled in by the chat facade from its ProviderConfig.
	ExtraHeaders map[string]string
	ExtraBody    map[string]any
}
