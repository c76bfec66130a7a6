// Package codeassist builds and sends requests against Google's Code Assist
// backend (cloudcode-pa.googleapis.com, v1internal) on behalf of both the
// antigravity-oauth and google-gemini-oauth vendor methods. The two vendors
// share one wire protocol and differ only in client metadata and default
// project handling, so this package parameterizes on a Style rather than
// duplicating the request/response plumbing per vendor.
package codeassist

import "time"

const (
	// BaseURL is the Code Assist backend used by both Antigravity and
	// Gemini CLI/Web OAuth.
	BaseURL = "https://cloudcode-pa.googleapis.com"
	// APIVersion is the internal API surface version the backend expects.
	APIVersion = "v1internal"
)

// Style distinguishes the two callers of this package. They hit the same
// endpoints but advertise different client identities and fall back to
// different defaults when onboarding does not return a project.
type Style string

const (
	StyleAntigravity Style = "antigravity"
	StyleGeminiCLI   Style = "gemini-cli"
)

// Action selects which Code Assist RPC a request targets.
type Action string

const (
	ActionGenerateContent       Action = "generateContent"
	ActionStreamGenerateContent Action = "streamGenerateContent"
	ActionCountTokens           Action = "countTokens"
)

func (a Action) streaming() bool { return a == ActionStreamGenerateContent }

// idleTimeout bounds how long a stream may go without a line before the
// adapter gives up and returns a timeout error, guarding against a backend
// that accepts the connection but never completes the response.
const idleTimeout = 90 * time.Second
