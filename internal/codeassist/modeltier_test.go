package codeassist

import "testing"

func TestComputeModelIDClaudeAddsThinkingSuffix(t *testing.T) {
	got := ComputeModelID("claude-sonnet-4", StyleAntigravity, ReasoningHigh, true)
	if got.ModelID != "claude-sonnet-4-thinking" {
		t.Fatalf("got %q, want claude-sonnet-4-thinking", got.ModelID)
	}
}

func TestComputeModelIDClaudeOpusAlwaysThinks(t *testing.T) {
	got := ComputeModelID("claude-opus-4", StyleAntigravity, ReasoningNone, false)
	if got.ModelID != "claude-opus-4-thinking" {
		t.Fatalf("opus must get -thinking even without an explicit reasoning tier, got %q", got.ModelID)
	}
}

func TestComputeModelIDClaudeThinkingSuffixIdempotent(t *testing.T) {
	got := ComputeModelID("claude-opus-4-thinking", StyleAntigravity, ReasoningHigh, true)
	if got.ModelID != "claude-opus-4-thinking" {
		t.Fatalf("re-tiering an already-suffixed model must not double the suffix, got %q", got.ModelID)
	}
}

func TestComputeModelIDGemini3ProDefaultsToHighTier(t *testing.T) {
	got := ComputeModelID("gemini-3-pro", StyleAntigravity, ReasoningNone, false)
	if got.Tier != "high" || got.ModelID != "gemini-3-pro-high" {
		t.Fatalf("got tier=%q model=%q, want tier=high model=gemini-3-pro-high", got.Tier, got.ModelID)
	}
}

func TestComputeModelIDGemini3ProImageVariantUntiered(t *testing.T) {
	got := ComputeModelID("gemini-3-pro-image", StyleAntigravity, ReasoningHigh, false)
	if got.ModelID != "gemini-3-pro-image" || got.Tier != "" {
		t.Fatalf("image variants must not get a tier suffix, got model=%q tier=%q", got.ModelID, got.Tier)
	}
}

func TestComputeModelIDGemini3NonProReportsTierWithoutSuffix(t *testing.T) {
	got := ComputeModelID("gemini-3-flash", StyleAntigravity, ReasoningLow, false)
	if got.ModelID != "gemini-3-flash" {
		t.Fatalf("non-pro Gemini 3 keeps its bare id, got %q", got.ModelID)
	}
	if got.Tier != "low" {
		t.Fatalf("got tier %q, want low", got.Tier)
	}
}

func TestComputeModelIDGeminiCLIAppendsPreviewSuffix(t *testing.T) {
	got := ComputeModelID("gemini-2.5-pro", StyleGeminiCLI, ReasoningNone, false)
	if got.ModelID != "gemini-2.5-pro-preview" {
		t.Fatalf("got %q, want gemini-2.5-pro-preview", got.ModelID)
	}
}

func TestComputeModelIDGeminiCLIDoesNotDoubleAppendPreviewOnDatedAlias(t *testing.T) {
	// Re-tiering an already-dated preview alias (as happens when
	// forEachAttempt recomputes the id for a fallback candidate) must not
	// produce a double "-preview" suffix.
	got := ComputeModelID("gemini-2.5-pro-preview-05-06", StyleGeminiCLI, ReasoningNone, false)
	if got.ModelID != "gemini-2.5-pro-preview-05-06" {
		t.Fatalf("got %q, want unchanged gemini-2.5-pro-preview-05-06", got.ModelID)
	}
}

func TestTierFromEffort(t *testing.T) {
	cases := map[ReasoningEffort]string{
		ReasoningMinimal:         "minimal",
		ReasoningLow:             "low",
		ReasoningMedium:          "medium",
		ReasoningHigh:            "high",
		ReasoningEffort("xhigh"): "high",
		ReasoningNone:            "",
	}
	for effort, want := range cases {
		if got := tierFromEffort(effort); got != want {
			t.Errorf("tierFromEffort(%q) = %q, want %q", effort, got, want)
		}
	}
}

func TestPreviewFallbackOrderKnownModels(t *testing.T) {
	if got := previewFallbackOrder("gemini-2.5-pro"); len(got) != 2 {
		t.Fatalf("expected 2 dated aliases for gemini-2.5-pro, got %v", got)
	}
	if got := previewFallbackOrder("unknown-model"); got != nil {
		t.Fatalf("expected nil fallback order for an unlisted model, got %v", got)
	}
}

func TestModelFallbackCandidatesOnlyAddsPreviewAliasesForGeminiCLI(t *testing.T) {
	tiered := ComputeModelID("gemini-2.5-pro", StyleAntigravity, ReasoningNone, false)
	got := modelFallbackCandidates("gemini-2.5-pro", tiered, StyleAntigravity)
	if len(got) != 1 {
		t.Fatalf("antigravity style must not add preview aliases, got %v", got)
	}

	tieredCLI := ComputeModelID("gemini-2.5-pro", StyleGeminiCLI, ReasoningNone, false)
	gotCLI := modelFallbackCandidates("gemini-2.5-pro", tieredCLI, StyleGeminiCLI)
	if len(gotCLI) != 3 {
		t.Fatalf("gemini-cli style must add the 2 dated aliases after the tiered id, got %v", gotCLI)
	}
}

func TestMaxOutputTokensCap(t *testing.T) {
	if maxOutputTokensCap("gemini-3-pro") != 65535 {
		t.Fatal("gemini-3-pro must cap at 65535")
	}
	if maxOutputTokensCap("claude-opus-4") != 64000 {
		t.Fatal("claude-opus-4 must cap at 64000")
	}
	if maxOutputTokensCap("gemini-2.5-flash") != 0 {
		t.Fatal("uncapped models must report 0")
	}
}

func TestClaudeOpusThinkingBudget(t *testing.T) {
	if budget, ok := claudeOpusThinkingBudget(ReasoningNone); ok || budget != 0 {
		t.Fatalf("none must disable thinking, got budget=%d ok=%v", budget, ok)
	}
	if budget, ok := claudeOpusThinkingBudget(ReasoningLow); !ok || budget != 8192 {
		t.Fatalf("low must budget 8192, got budget=%d ok=%v", budget, ok)
	}
	if budget, ok := claudeOpusThinkingBudget(ReasoningHigh); !ok || budget != 32768 {
		t.Fatalf("high must budget 32768, got budget=%d ok=%v", budget, ok)
	}
}
