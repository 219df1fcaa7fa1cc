// Package transport carries the worker/server control protocol of spec.md §4.7 over
// NATS; the HTTP surface of spec.md §6 lives in internal/serverapi. Subject and envelope
// shape follow services/control-plane/main.go's nats.Connect + Subscribe pattern,
// generalized from a single height-change topic to the bidirectional
// worker<->scheduler control plane Flux needs.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies an envelope's payload shape.
type Kind string

const (
	// Worker -> server
	KindRegister       Kind = "register"
	KindHeartbeat      Kind = "heartbeat"
	KindClaimAck       Kind = "claim_ack"
	KindClaimReleased  Kind = "claim_released"
	KindWorkerEvent    Kind = "event"

	// Server -> worker
	KindExecutionRequest Kind = "execution_request"
	KindCancel           Kind = "cancel"
	KindResume           Kind = "resume"
	KindShutdown         Kind = "shutdown"
)

// Envelope is the single wire frame exchanged in both directions. Only the fields
// relevant to Kind are populated; the rest are left zero.
type Envelope struct {
	Kind        Kind            `json:"kind"`
	SessionID   string          `json:"session_id"`
	WorkerName  string          `json:"worker_name,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	WorkflowKey string          `json:"workflow_key,omitempty"` // "name@version"
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// RegisterPayload is carried by a KindRegister envelope.
type RegisterPayload struct {
	MemoryBytes         int64    `json:"memory_bytes"`
	CPUShares           int64    `json:"cpu_shares"`
	HasGPU              bool     `json:"has_gpu"`
	Packages            []string `json:"packages,omitempty"`
	RegisteredWorkflows []string `json:"registered_workflows"` // "name@version"
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope %s: %w", env.Kind, err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: unmarshal envelope: %w", err)
	}
	return env, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// workerSubject is the control subject a single worker session listens on for
// server-originated frames (execution requests, cancel, resume, shutdown).
func workerSubject(sessionID string) string { return "flux.worker." + sessionID + ".control" }

// serverSubject is the subject every worker publishes frames to for the server to
// consume (register, heartbeat, claim ack/release, events).
const serverSubject = "flux.server.inbound"
