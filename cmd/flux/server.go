package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxworkflow/flux/internal/catalog"
	"github.com/fluxworkflow/flux/internal/config"
	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/observability"
	"github.com/fluxworkflow/flux/internal/scheduler"
	"github.com/fluxworkflow/flux/internal/serverapi"
	"github.com/fluxworkflow/flux/internal/storage"
	"github.com/fluxworkflow/flux/internal/transport"
)

func runStart(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: start {server|worker}")
	}
	switch args[0] {
	case "server":
		return runServer()
	case "worker":
		return runWorker()
	default:
		return fmt.Errorf("unknown start target %q (want server or worker)", args[0])
	}
}

func runServer() error {
	const service = "flux-server"
	logger := observability.InitLogging(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := observability.InitTracer(ctx, service)
	shutdownMetrics := observability.InitMetrics(ctx, service)

	cfg := config.ServerFromEnv()
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cat := catalog.New(store)
	sched := scheduler.New(store, cat, logger, cfg.WorkerLiveness())
	if err := sched.Restore(); err != nil {
		logger.Warn("restore worker registry", "error", err)
	}

	resolver := func(executionID string) (string, error) {
		exec, found, err := store.GetExecution(executionID)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("execution %q not found", executionID)
		}
		entry, found, err := cat.Latest(exec.WorkflowName)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("workflow %q not registered", exec.WorkflowName)
		}
		return entry.Name + "@" + entry.Version, nil
	}

	var api *serverapi.Server
	conn, err := transport.DialServer(transport.ServerConfig{
		URL:         cfg.NATSURL,
		Resolver:    resolver,
		ExecFetcher: store.GetExecution,
		Logger:      logger,
		OnRegister: func(sessionID, workerName string, payload transport.RegisterPayload) {
			resources := scheduler.Resources{
				MemoryBytes: payload.MemoryBytes, CPUShares: payload.CPUShares,
				HasGPU: payload.HasGPU, Packages: payload.Packages,
			}
			if err := sched.Register(sessionID, workerName, resources, payload.RegisteredWorkflows); err != nil {
				logger.Error("register worker", "session_id", sessionID, "error", err)
			}
		},
		OnHeartbeat: sched.Heartbeat,
		OnClaimAck: func(sessionID, executionID string) {
			logger.Info("worker acknowledged claim", "session_id", sessionID, "execution_id", executionID)
			if api != nil {
				api.OnExecutionProgress(executionID)
			}
		},
		OnClaimReleased: func(sessionID, executionID, reason string, exec *event.Execution) {
			sched.ReleaseClaim(executionID)
			if exec != nil {
				if err := store.SaveExecution(exec); err != nil {
					logger.Error("persist execution from claim_released", "execution_id", executionID, "error", err)
				}
			}
			logger.Info("worker released claim", "session_id", sessionID, "execution_id", executionID, "reason", reason)
			if api != nil {
				api.OnExecutionProgress(executionID)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("connect control plane: %w", err)
	}
	defer conn.Close()

	api = serverapi.New(serverapi.Config{
		Store: store, Catalog: cat, Scheduler: sched, Dispatcher: conn, Canceller: conn, Logger: logger,
	})

	pendingFn := func() []scheduler.PendingExecution {
		scheduled, err := store.ListByState(event.StateScheduled)
		if err != nil {
			logger.Warn("list scheduled executions", "error", err)
			return nil
		}
		out := make([]scheduler.PendingExecution, 0, len(scheduled))
		for _, exec := range scheduled {
			entry, found, err := cat.Latest(exec.WorkflowName)
			if err != nil || !found {
				continue
			}
			out = append(out, scheduler.PendingExecution{ExecutionID: exec.ID, Entry: entry})
		}
		return out
	}
	go sched.Run(ctx, cfg.RetryDispatch(), pendingFn, conn)

	httpSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: api.Routes()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()
	logger.Info("flux server started", "addr", httpSrv.Addr)

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	observability.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}
