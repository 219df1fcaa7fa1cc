package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxworkflow/flux/internal/event"
)

// ExecutionRequestHandler is invoked when the server dispatches a claim to this
// worker.
type ExecutionRequestHandler func(executionID, workflowKey string)

// CancelHandler is invoked when the server requests cancellation of an execution
// this worker may be driving.
type CancelHandler func(executionID string)

// ResumeHandler is invoked when the server delivers a resume payload.
type ResumeHandler func(executionID string, payload json.RawMessage)

// ShutdownHandler is invoked when the server asks this worker to drain.
type ShutdownHandler func()

// WorkerConn is the worker-side half of the NATS control plane. It implements
// internal/worker.Transport and additionally exposes Register/Heartbeat for the
// worker process's startup and liveness loop.
type WorkerConn struct {
	nc        *nats.Conn
	sessionID string
	logger    *slog.Logger
}

// WorkerConfig wires a WorkerConn's dependencies and inbound-frame callbacks.
type WorkerConfig struct {
	URL             string
	SessionID       string
	BootstrapToken  string
	Logger          *slog.Logger
	OnExecutionReq  ExecutionRequestHandler
	OnCancel        CancelHandler
	OnResume        ResumeHandler
	OnShutdown      ShutdownHandler
}

// DialWorker connects to NATS, authenticating with the bootstrap token as a
// connection-level token, and subscribes to this session's control subject.
func DialWorker(cfg WorkerConfig) (*WorkerConn, error) {
	opts := []nats.Option{nats.Name("flux-worker-" + cfg.SessionID)}
	if cfg.BootstrapToken != "" {
		opts = append(opts, nats.Token(cfg.BootstrapToken))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to nats at %s: %w", cfg.URL, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &WorkerConn{nc: nc, sessionID: cfg.SessionID, logger: logger}

	_, err = nc.Subscribe(workerSubject(cfg.SessionID), func(msg *nats.Msg) {
		_, end := startConsumerSpan("flux-worker", "transport.control", msg)
		defer end()

		env, uerr := unmarshalEnvelope(msg.Data)
		if uerr != nil {
			logger.Warn("transport: dropping malformed control frame", "error", uerr)
			return
		}
		switch env.Kind {
		case KindExecutionRequest:
			if cfg.OnExecutionReq != nil {
				cfg.OnExecutionReq(env.ExecutionID, env.WorkflowKey)
			}
		case KindCancel:
			if cfg.OnCancel != nil {
				cfg.OnCancel(env.ExecutionID)
			}
		case KindResume:
			if cfg.OnResume != nil {
				cfg.OnResume(env.ExecutionID, env.Payload)
			}
		case KindShutdown:
			if cfg.OnShutdown != nil {
				cfg.OnShutdown()
			}
		default:
			logger.Warn("transport: unexpected control kind", "kind", env.Kind)
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", workerSubject(cfg.SessionID), err)
	}
	return w, nil
}

// Close closes the underlying NATS connection.
func (w *WorkerConn) Close() { w.nc.Close() }

// Register announces this worker's resources and registered workflows to the
// server.
func (w *WorkerConn) Register(workerName string, payload RegisterPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal register payload: %w", err)
	}
	return w.publish(context.Background(), Envelope{Kind: KindRegister, SessionID: w.sessionID, WorkerName: workerName, Payload: data})
}

// Heartbeat sends a liveness frame. Call on a fixed interval well under the
// scheduler's liveness timeout.
func (w *WorkerConn) Heartbeat() error {
	return w.publish(context.Background(), Envelope{Kind: KindHeartbeat, SessionID: w.sessionID})
}

// SendClaimAck satisfies internal/worker.Transport.
func (w *WorkerConn) SendClaimAck(ctx context.Context, executionID string) error {
	return w.publish(ctx, Envelope{Kind: KindClaimAck, SessionID: w.sessionID, ExecutionID: executionID})
}

// SendClaimReleased satisfies internal/worker.Transport. It carries exec's final
// snapshot in the frame's payload, since this worker's execution store is not the
// server's bbolt file — the snapshot in the released frame is how the server learns
// what happened.
func (w *WorkerConn) SendClaimReleased(ctx context.Context, executionID, reason string, exec *event.Execution) error {
	env := Envelope{Kind: KindClaimReleased, SessionID: w.sessionID, ExecutionID: executionID, Reason: reason}
	if exec != nil {
		data, err := marshalExecution(exec)
		if err != nil {
			return fmt.Errorf("transport: marshal execution snapshot: %w", err)
		}
		env.Payload = data
	}
	return w.publish(ctx, env)
}

// FetchExecution retrieves an execution's current snapshot from the server over the
// fetch request/reply subject. found is false if the server has no such execution.
func (w *WorkerConn) FetchExecution(ctx context.Context, executionID string) (exec *event.Execution, found bool, err error) {
	msg, err := w.nc.RequestWithContext(ctx, execFetchSubject, []byte(executionID))
	if err != nil {
		return nil, false, fmt.Errorf("transport: fetch execution %s: %w", executionID, err)
	}
	if len(msg.Data) == 0 {
		return nil, false, nil
	}
	exec, err = unmarshalExecution(msg.Data)
	if err != nil {
		return nil, false, fmt.Errorf("transport: unmarshal fetched execution %s: %w", executionID, err)
	}
	return exec, true, nil
}

func (w *WorkerConn) publish(ctx context.Context, env Envelope) error {
	env.SentAt = time.Now()
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := publishMsg(w.nc, ctx, serverSubject, data); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", serverSubject, err)
	}
	return nil
}
