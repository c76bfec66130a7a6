// Package jwtutil extracts unverified claims from vendor ID tokens (Codex,
// Antigravity) for account-metadata enrichment. Verification is unnecessary
// here: the token was just received directly from the vendor's own token
// endpoint over TLS, so we only need to decode it.
package jwtutil

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// CodexClaims is the subset of Codex ID-token claims the providers read,
// including the nested ChatGPT auth-info claim block.
type CodexClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Sub           string `json:"sub"`
	AuthInfo      struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
		ChatGPTPlanType  string `json:"chatgpt_plan_type"`
		ChatGPTUserID    string `json:"chatgpt_user_id"`
	} `json:"https://api.openai.com/auth"`
	jwt.RegisteredClaims
}

// ParseUnverified decodes the claims of a JWT without checking its
// signature.
func ParseUnverified(token string) (*CodexClaims, error) {
	claims := &CodexClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("jwtutil: parse id token: %w", err)
	}
	return claims, nil
}

// AccountID returns the ChatGPT account id carried by the token, if any.
func (c *CodexClaims) AccountID() string {
	if c == nil {
		return ""
	}
	return c.AuthInfo.ChatGPTAccountID
}
