package transport

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMarshalUnmarshalEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(RegisterPayload{
		MemoryBytes: 1 << 30, CPUShares: 500, HasGPU: true,
		Packages: []string{"pandas"}, RegisteredWorkflows: []string{"greet@v1"},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{
		Kind: KindRegister, SessionID: "sess-1", WorkerName: "worker-a",
		Payload: payload, SentAt: time.Now().UTC(),
	}

	data, err := marshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshalEnvelope: %v", err)
	}
	got, err := unmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshalEnvelope: %v", err)
	}
	if got.Kind != KindRegister || got.SessionID != "sess-1" || got.WorkerName != "worker-a" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	var decoded RegisterPayload
	if err := decodePayload(got.Payload, &decoded); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if decoded.MemoryBytes != 1<<30 || !decoded.HasGPU || decoded.RegisteredWorkflows[0] != "greet@v1" {
		t.Fatalf("decoded payload mismatch: %+v", decoded)
	}
}

func TestUnmarshalEnvelopeMalformed(t *testing.T) {
	if _, err := unmarshalEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	var v RegisterPayload
	if err := decodePayload(nil, &v); err != nil {
		t.Fatalf("decodePayload(nil) should be a no-op, got %v", err)
	}
}

func TestWorkerSubject(t *testing.T) {
	if got, want := workerSubject("sess-1"), "flux.worker.sess-1.control"; got != want {
		t.Fatalf("workerSubject = %q, want %q", got, want)
	}
}
