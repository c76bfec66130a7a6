package codeassist

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewProcessSessionID generates the per-process session seed threaded
// into every SessionID call, giving two requests in the same run a stable
// shared prefix the way a long-lived IDE extension process would. Callers
// obtain one at startup and hold it for the process lifetime; this
// package does not cache one in a package-level variable.
func NewProcessSessionID() string {
	return uuid.NewString()
}

// SessionID computes the deterministic Code Assist session id: stable
// across replays of the same (process, model, project, system text, first
// user text) tuple.
func SessionID(processSessionID, modelID, projectID, systemText, firstUserText string) string {
	if projectID == "" {
		projectID = "default"
	}
	seed := "default"
	if systemText != "" || firstUserText != "" {
		sum := sha256.Sum256([]byte(systemText + "||" + firstUserText))
		seed = "seed-" + hex.EncodeToString(sum[:])[:16]
	}
	return fmt.Sprintf("-%s:%s:%s:%s", processSessionID, modelID, projectID, seed)
}
