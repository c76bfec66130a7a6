package codeassist

import (
	"encoding/json"
	"net/http"
)

// applyHeaders stamps the request with the Authorization bearer token plus
// the client-identity headers the backend uses to pick request handling
// per IDE integration. Any pre-existing vendor API-key headers are
// stripped first since Code Assist authenticates purely via OAuth bearer
// tokens and a stray x-goog-api-key/x-api-key header from an upstream
// translation step would otherwise take precedence.
func applyHeaders(r *http.Request, style Style, fingerprint DeviceFingerprint, accessToken string, streaming, claudeThinking bool) {
	r.Header.Del("x-api-key")
	r.Header.Del("x-goog-api-key")
	r.Header.Del("x-goog-user-project")

	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+accessToken)
	r.Header.Set("X-Goog-Api-Client", "gl-node/22.17.0")
	r.Header.Set("Client-Metadata", clientMetadata(style))
	if streaming {
		r.Header.Set("Accept", "text/event-stream")
	} else {
		r.Header.Set("Accept", "application/json")
	}
	if claudeThinking {
		r.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	}

	switch style {
	case StyleAntigravity:
		r.Header.Set("User-Agent", fingerprint.userAgent())
	default:
		r.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
	}
}

// clientMetadata varies per style so the backend attributes usage to the
// right surface: the Gemini CLI integration sends a JSON body, Antigravity
// the comma-joined key=value form.
func clientMetadata(style Style) string {
	if style == StyleAntigravity {
		return "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=ANTIGRAVITY"
	}
	raw, _ := json.Marshal(map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	})
	return string(raw)
}
