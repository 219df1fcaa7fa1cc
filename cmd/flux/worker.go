package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxworkflow/flux/internal/config"
	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/fluxid"
	"github.com/fluxworkflow/flux/internal/observability"
	"github.com/fluxworkflow/flux/internal/replay"
	"github.com/fluxworkflow/flux/internal/resilience"
	"github.com/fluxworkflow/flux/internal/secrets"
	"github.com/fluxworkflow/flux/internal/storage"
	"github.com/fluxworkflow/flux/internal/task"
	"github.com/fluxworkflow/flux/internal/transport"
	"github.com/fluxworkflow/flux/internal/worker"
)

// execStoreAdapter satisfies internal/worker.Store over a control-plane connection:
// a worker process never opens the server's bbolt file directly (see
// internal/worker.Store's doc comment), so GetExecution is a NATS request/reply call
// instead of a local lookup.
type execStoreAdapter struct {
	conn *transport.WorkerConn
}

func (a execStoreAdapter) GetExecution(id string) (*event.Execution, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.conn.FetchExecution(ctx, id)
}

func runWorker() error {
	const service = "flux-worker"
	logger := observability.InitLogging(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := observability.InitTracer(ctx, service)
	shutdownMetrics := observability.InitMetrics(ctx, service)

	cfg := config.WorkerFromEnv()
	localStore, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open local storage: %w", err)
	}
	defer localStore.Close()

	secretStore := secrets.New(localStore)
	rt := task.NewRuntime(secretStore, localStore.Cache(), logger)
	driver := replay.NewDriver(rt)

	sessionID := fluxid.NewSessionID()
	workflows := demoWorkflows()
	registeredKeys := make([]string, 0, len(workflows))
	for key := range workflows {
		registeredKeys = append(registeredKeys, key)
	}

	var pool *worker.Pool
	conn, err := transport.DialWorker(transport.WorkerConfig{
		URL: cfg.NATSURL, SessionID: sessionID, BootstrapToken: cfg.BootstrapToken, Logger: logger,
		OnExecutionReq: func(executionID, workflowKey string) {
			if err := pool.Accept(context.Background(), executionID, workflowKey); err != nil {
				logger.Warn("worker: reject claim", "execution_id", executionID, "workflow_key", workflowKey, "error", err)
			}
		},
		OnCancel: func(executionID string) {
			if err := pool.Cancel(executionID); err != nil {
				logger.Info("worker: cancel request for execution not active here", "execution_id", executionID, "error", err)
				return
			}
			logger.Info("worker: cancel request received, cooperative cancellation happens at next task boundary", "execution_id", executionID)
		},
		OnResume: func(executionID string, payload json.RawMessage) {
			logger.Warn("worker: resume is driven by the server re-dispatching after replay.Resume, ignoring direct payload delivery", "execution_id", executionID)
		},
		OnShutdown: func() {
			logger.Info("worker: shutdown requested by server")
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("connect control plane: %w", err)
	}
	defer conn.Close()

	pool = worker.New(worker.Config{
		SessionID: sessionID, MaxConcurrency: cfg.Concurrency, Driver: driver,
		Store: execStoreAdapter{conn: conn}, Transport: conn, Logger: logger,
	})
	for key, wf := range workflows {
		pool.RegisterWorkflow(key, wf)
	}

	registerPayload := transport.RegisterPayload{
		MemoryBytes: cfg.MemoryBytes, CPUShares: cfg.CPUShares, HasGPU: cfg.HasGPU,
		Packages: cfg.Packages, RegisteredWorkflows: registeredKeys,
	}
	// The server and its NATS broker may still be coming up when a worker starts
	// (e.g. both launched together by an orchestrator), so registration gets a few
	// jittered retries instead of failing the process on the first attempt.
	if _, err := resilience.Retry(ctx, 5, 500*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, conn.Register(cfg.Name, registerPayload)
	}); err != nil {
		return fmt.Errorf("register with server: %w", err)
	}

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := conn.Heartbeat(); err != nil {
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()

	logger.Info("flux worker started", "session_id", sessionID, "workflows", registeredKeys)
	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	pool.Shutdown(shutdownCtx)
	observability.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}
