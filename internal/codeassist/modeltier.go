package codeassist

import "strings"

// TieredModel is the outcome of ComputeModelID: the wire model id to send
// plus the reasoning tier recorded separately for the request body's
// thinkingLevel field (Gemini 3 non-Pro keeps its bare id but still reports
// a tier).
type TieredModel struct {
	ModelID string
	Tier    string
}

func isClaudeOpus(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}

func isClaudeFamily(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}

func isGemini3Pro(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gemini-3-pro") || strings.HasPrefix(m, "gemini-3.0-pro")
}

func isGemini3(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gemini-3")
}

func isImageVariant(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "image")
}

// tierFromEffort maps a host reasoning-effort value to Code Assist's tier
// vocabulary: minimal/low/medium pass through, high and xhigh both
// collapse to high, none is absent.
func tierFromEffort(effort ReasoningEffort) string {
	switch effort {
	case ReasoningMinimal:
		return "minimal"
	case ReasoningLow:
		return "low"
	case ReasoningMedium:
		return "medium"
	case ReasoningHigh, "xhigh":
		return "high"
	default:
		return ""
	}
}

// ComputeModelID applies vendor model-id tiering: Claude gets a -thinking
// suffix, Gemini 3 Pro gets a tier suffix (default high), Gemini 3 non-Pro
// keeps its id but still reports a tier for the body's thinkingLevel field,
// and Gemini-CLI style additionally appends -preview when missing.
func ComputeModelID(model string, style Style, effort ReasoningEffort, thinkingEnabled bool) TieredModel {
	result := TieredModel{ModelID: model}

	switch {
	case isClaudeFamily(model):
		if isClaudeOpus(model) || thinkingEnabled {
			if !strings.HasSuffix(model, "-thinking") {
				result.ModelID = model + "-thinking"
			}
		}
	case isGemini3Pro(model) && !isImageVariant(model):
		tier := tierFromEffort(effort)
		if tier == "" {
			tier = "high"
		}
		result.Tier = tier
		suffix := "-" + tier
		if !strings.HasSuffix(result.ModelID, suffix) {
			result.ModelID = model + suffix
		}
	case isGemini3(model):
		result.Tier = tierFromEffort(effort)
	}

	if style == StyleGeminiCLI && !strings.Contains(result.ModelID, "preview") {
		result.ModelID += "-preview"
	}
	return result
}

// previewFallbackOrder returns additional dated preview aliases to retry
// under before giving up on a Gemini-CLI style model.
func previewFallbackOrder(model string) []string {
	switch model {
	case "gemini-2.5-pro":
		return []string{"gemini-2.5-pro-preview-05-06", "gemini-2.5-pro-preview-06-05"}
	case "gemini-2.5-flash":
		return []string{"gemini-2.5-flash-preview-04-17", "gemini-2.5-flash-preview-05-20"}
	case "gemini-2.5-flash-lite":
		return []string{"gemini-2.5-flash-lite-preview-06-17"}
	default:
		return nil
	}
}

// modelFallbackCandidates builds the ordered list of model ids to attempt:
// the tiered id first, then (Gemini-CLI style only) the dated preview
// aliases for the base model.
func modelFallbackCandidates(baseModel string, tiered TieredModel, style Style) []string {
	candidates := []string{tiered.ModelID}
	if style == StyleGeminiCLI {
		candidates = append(candidates, previewFallbackOrder(baseModel)...)
	}
	return candidates
}

// maxOutputTokensCap returns the hard output-token ceiling certain model
// families carry, or 0 if uncapped.
func maxOutputTokensCap(model string) int {
	switch {
	case isGemini3Pro(model) && !isImageVariant(model):
		return 65535
	case isClaudeOpus(model):
		return 64000
	default:
		return 0
	}
}

// claudeOpusThinkingBudget derives the fixed thinking-token budget Claude
// Opus uses from the reasoning-effort tier.
func claudeOpusThinkingBudget(effort ReasoningEffort) (int, bool) {
	switch effort {
	case ReasoningMinimal, ReasoningNone:
		return 0, false
	case ReasoningLow, ReasoningMedium:
		return 8192, true
	default: // high, xhigh
		return 32768, true
	}
}
