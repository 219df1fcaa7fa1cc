// Package fluxid generates the stable identifiers Flux hands out: execution IDs and
// worker session IDs. Task fingerprints are NOT generated here — see internal/fingerprint,
// since those must be a deterministic hash of call data, not a random ID.
package fluxid

import "github.com/google/uuid"

// NewExecutionID returns a fresh globally-unique execution identifier.
func NewExecutionID() string {
	return "exec_" + uuid.NewString()
}

// NewSessionID returns a fresh worker session identifier, minted on every connect.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// NewClaimID returns a fresh claim identifier.
func NewClaimID() string {
	return "claim_" + uuid.NewString()
}
