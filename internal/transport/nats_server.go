package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/fluxworkflow/flux/internal/event"
)

// WorkflowKeyResolver returns the catalog key ("name@version") an execution should
// run under, so the server can fill in an ExecutionRequest's WorkflowKey without the
// transport package depending on storage directly.
type WorkflowKeyResolver func(executionID string) (string, error)

// ExecutionFetcher loads an execution's current snapshot for the request/reply fetch
// subject, so a worker can pull it without sharing the server's storage directly.
type ExecutionFetcher func(executionID string) (*event.Execution, bool, error)

// RegistrationHandler is invoked when a worker announces itself.
type RegistrationHandler func(sessionID, workerName string, payload RegisterPayload)

// HeartbeatHandler is invoked on every heartbeat frame.
type HeartbeatHandler func(sessionID string)

// ClaimAckHandler is invoked when a worker acknowledges it has started an execution.
type ClaimAckHandler func(sessionID, executionID string)

// ClaimReleasedHandler is invoked when a worker reports it is done driving an
// execution, whether because it finished, paused, or is shutting down. exec is the
// worker's final snapshot of the execution it drove, carried in the released frame's
// payload since the worker never writes to the server's store directly; it is nil if
// the frame carried no snapshot (e.g. a malformed payload).
type ClaimReleasedHandler func(sessionID, executionID, reason string, exec *event.Execution)

// ServerConn is the scheduler-side half of the NATS control plane: it publishes
// ExecutionRequest/Cancel/Resume/Shutdown frames to individual worker sessions and
// dispatches inbound worker frames to registered handlers. It implements
// internal/scheduler.Dispatcher.
type ServerConn struct {
	nc          *nats.Conn
	resolver    WorkflowKeyResolver
	execFetcher ExecutionFetcher
	logger      *slog.Logger

	onRegister      RegistrationHandler
	onHeartbeat     HeartbeatHandler
	onClaimAck      ClaimAckHandler
	onClaimReleased ClaimReleasedHandler
}

// ServerConfig wires a ServerConn's dependencies and callbacks.
type ServerConfig struct {
	URL             string
	Resolver        WorkflowKeyResolver
	ExecFetcher     ExecutionFetcher
	Logger          *slog.Logger
	OnRegister      RegistrationHandler
	OnHeartbeat     HeartbeatHandler
	OnClaimAck      ClaimAckHandler
	OnClaimReleased ClaimReleasedHandler
}

// DialServer connects to NATS and subscribes to the inbound worker subject plus the
// execution fetch request/reply subject.
func DialServer(cfg ServerConfig) (*ServerConn, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("flux-server"))
	if err != nil {
		return nil, fmt.Errorf("transport: connect to nats at %s: %w", cfg.URL, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ServerConn{
		nc: nc, resolver: cfg.Resolver, execFetcher: cfg.ExecFetcher, logger: logger,
		onRegister: cfg.OnRegister, onHeartbeat: cfg.OnHeartbeat,
		onClaimAck: cfg.OnClaimAck, onClaimReleased: cfg.OnClaimReleased,
	}
	if _, err := nc.Subscribe(serverSubject, s.handleInbound); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", serverSubject, err)
	}
	if _, err := nc.Subscribe(execFetchSubject, s.handleFetch); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", execFetchSubject, err)
	}
	return s, nil
}

// handleFetch answers a worker's request for an execution snapshot. An empty reply
// means "not found"; the worker treats that as a fetch failure.
func (s *ServerConn) handleFetch(msg *nats.Msg) {
	_, end := startConsumerSpan("flux-server", "transport.fetch", msg)
	defer end()

	if s.execFetcher == nil || msg.Reply == "" {
		return
	}
	exec, found, err := s.execFetcher(string(msg.Data))
	if err != nil || !found {
		_ = msg.Respond(nil)
		return
	}
	data, err := marshalExecution(exec)
	if err != nil {
		s.logger.Warn("transport: marshal execution for fetch reply", "execution_id", exec.ID, "error", err)
		_ = msg.Respond(nil)
		return
	}
	_ = msg.Respond(data)
}

// Close drains and closes the underlying NATS connection.
func (s *ServerConn) Close() { s.nc.Close() }

func (s *ServerConn) handleInbound(msg *nats.Msg) {
	_, end := startConsumerSpan("flux-server", "transport.inbound", msg)
	defer end()

	env, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		s.logger.Warn("transport: dropping malformed inbound frame", "error", err)
		return
	}
	switch env.Kind {
	case KindRegister:
		var payload RegisterPayload
		if jsonErr := decodePayload(env.Payload, &payload); jsonErr != nil {
			s.logger.Warn("transport: malformed register payload", "session_id", env.SessionID, "error", jsonErr)
			return
		}
		if s.onRegister != nil {
			s.onRegister(env.SessionID, env.WorkerName, payload)
		}
	case KindHeartbeat:
		if s.onHeartbeat != nil {
			s.onHeartbeat(env.SessionID)
		}
	case KindClaimAck:
		if s.onClaimAck != nil {
			s.onClaimAck(env.SessionID, env.ExecutionID)
		}
	case KindClaimReleased:
		if s.onClaimReleased != nil {
			var exec *event.Execution
			if len(env.Payload) > 0 {
				if e, perr := unmarshalExecution(env.Payload); perr == nil {
					exec = e
				} else {
					s.logger.Warn("transport: malformed claim_released snapshot", "execution_id", env.ExecutionID, "error", perr)
				}
			}
			s.onClaimReleased(env.SessionID, env.ExecutionID, env.Reason, exec)
		}
	default:
		s.logger.Warn("transport: unexpected inbound kind", "kind", env.Kind)
	}
}

// Dispatch sends an ExecutionRequest to the given worker session. It satisfies
// internal/scheduler.Dispatcher.
func (s *ServerConn) Dispatch(ctx context.Context, sessionID, executionID string) error {
	key, err := s.resolver(executionID)
	if err != nil {
		return fmt.Errorf("transport: resolve workflow key for %s: %w", executionID, err)
	}
	return s.publish(ctx, sessionID, Envelope{
		Kind: KindExecutionRequest, SessionID: sessionID,
		ExecutionID: executionID, WorkflowKey: key,
	})
}

// Cancel requests cooperative cancellation of an execution on whichever worker
// session currently holds its claim.
func (s *ServerConn) Cancel(sessionID, executionID string) error {
	return s.publish(context.Background(), sessionID, Envelope{Kind: KindCancel, SessionID: sessionID, ExecutionID: executionID})
}

// Resume delivers a resume payload to the worker session for an execution paused at
// a named checkpoint.
func (s *ServerConn) Resume(sessionID, executionID string, payload []byte) error {
	return s.publish(context.Background(), sessionID, Envelope{
		Kind: KindResume, SessionID: sessionID, ExecutionID: executionID, Payload: payload,
	})
}

// Shutdown asks a worker session to stop accepting new claims and drain.
func (s *ServerConn) Shutdown(sessionID string) error {
	return s.publish(context.Background(), sessionID, Envelope{Kind: KindShutdown, SessionID: sessionID})
}

// publish sends env to sessionID's control subject with ctx's trace context injected
// into the message header, so a trace started by the HTTP handler that triggered
// this frame continues across the control plane into the worker's handling of it.
func (s *ServerConn) publish(ctx context.Context, sessionID string, env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := publishMsg(s.nc, ctx, workerSubject(sessionID), data); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", workerSubject(sessionID), err)
	}
	return nil
}
