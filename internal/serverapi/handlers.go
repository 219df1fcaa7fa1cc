package serverapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxworkflow/flux/internal/catalog"
	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/fluxid"
	"github.com/fluxworkflow/flux/internal/replay"
)

const maxRegisterBody = 16 << 20 // catalog entries carry source code; generous but bounded

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegisterBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	if len(body) > maxRegisterBody {
		writeError(w, http.StatusRequestEntityTooLarge, "catalog entry exceeds %d bytes", maxRegisterBody)
		return
	}
	var entry catalog.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid catalog entry: %v", err)
		return
	}
	if entry.Name == "" || entry.Version == "" {
		writeError(w, http.StatusBadRequest, "name and version are required")
		return
	}
	if err := s.cat.Register(entry); err != nil {
		if errors.Is(err, catalog.ErrAlreadyRegistered) {
			writeError(w, http.StatusConflict, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "register: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// mode is the run/resume delivery mode from spec.md §6.
type mode string

const (
	modeSync   mode = "sync"
	modeAsync  mode = "async"
	modeStream mode = "stream"
)

func parseMode(raw string) (mode, error) {
	switch mode(raw) {
	case modeSync, modeAsync, modeStream:
		return mode(raw), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want sync, async, or stream)", raw)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	md, err := parseMode(r.PathValue("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	input, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read input: %v", err)
		return
	}

	version := r.URL.Query().Get("version")
	entry, found, err := resolveEntry(s.cat, name, version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolve workflow: %v", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "workflow %q is not registered", name)
		return
	}

	id := fluxid.NewExecutionID()
	exec := event.New(id, id, name, input)
	if err := exec.SetState(event.StateScheduled); err != nil {
		writeError(w, http.StatusInternalServerError, "schedule execution: %v", err)
		return
	}
	if err := s.store.SaveExecution(exec); err != nil {
		writeError(w, http.StatusInternalServerError, "persist execution: %v", err)
		return
	}

	if _, err := s.sched.Schedule(r.Context(), id, entry, s.dispatcher); err != nil {
		s.logger.Warn("run: no worker available yet, leaving scheduled for sweep", "execution_id", id, "error", err)
	}

	s.respondByMode(w, r, id, md)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	md, err := parseMode(r.PathValue("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read payload: %v", err)
		return
	}

	exec, found, err := s.store.GetExecution(id)
	if err != nil || !found {
		writeError(w, http.StatusNotFound, "execution %q not found", id)
		return
	}
	if err := replay.Resume(exec, payload); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	if err := s.store.SaveExecution(exec); err != nil {
		writeError(w, http.StatusInternalServerError, "persist resumed execution: %v", err)
		return
	}

	entry, found, err := resolveEntry(s.cat, r.PathValue("name"), r.URL.Query().Get("version"))
	if err == nil && found {
		if _, derr := s.sched.Schedule(r.Context(), id, entry, s.dispatcher); derr != nil {
			s.logger.Warn("resume: no worker available yet, leaving scheduled for sweep", "execution_id", id, "error", derr)
		}
	}
	s.notifier.publish(id)

	s.respondByMode(w, r, id, md)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, found, err := s.store.GetExecution(id)
	if err != nil || !found {
		writeError(w, http.StatusNotFound, "execution %q not found", id)
		return
	}
	if err := replay.Cancel(exec); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	if err := s.store.SaveExecution(exec); err != nil {
		writeError(w, http.StatusInternalServerError, "persist cancellation: %v", err)
		return
	}
	// The stored state now carries the cancellation regardless; this notifies a
	// worker that already holds the claim (and so already has its own in-memory copy
	// of the execution) so it does not have to wait for a future fetch to see it.
	if sessionID, claimed := s.sched.SessionFor(id); claimed && s.canceller != nil {
		if err := s.canceller.Cancel(sessionID, id); err != nil {
			s.logger.Warn("cancel: notify claiming worker", "execution_id", id, "session_id", sessionID, "error", err)
		}
	}
	s.notifier.publish(id)
	writeJSON(w, http.StatusAccepted, toStatusView(exec, false))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, found, err := s.store.GetExecution(id)
	if err != nil || !found {
		writeError(w, http.StatusNotFound, "execution %q not found", id)
		return
	}
	detailed := r.URL.Query().Get("detailed") == "true"
	writeJSON(w, http.StatusOK, toStatusView(exec, detailed))
}

// respondByMode finishes a run/resume request per spec.md §6: async returns the
// execution id immediately; sync blocks (bounded by the request context) until the
// execution reaches a terminal state or PAUSED; stream switches to an SSE response identical to handleEvents.
func (s *Server) respondByMode(w http.ResponseWriter, r *http.Request, executionID string, md mode) {
	switch md {
	case modeAsync:
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
	case modeStream:
		s.streamEvents(w, r, executionID)
	case modeSync:
		exec := s.awaitTerminal(r, executionID)
		if exec == nil {
			writeError(w, http.StatusGatewayTimeout, "request cancelled before execution %q finished", executionID)
			return
		}
		writeJSON(w, http.StatusOK, toStatusView(exec, true))
	}
}

func (s *Server) awaitTerminal(r *http.Request, executionID string) *event.Execution {
	for {
		exec, found, err := s.store.GetExecution(executionID)
		if err == nil && found && (exec.Finished() || exec.Paused()) {
			return exec
		}
		ch := s.notifier.subscribe(executionID)
		select {
		case <-r.Context().Done():
			s.notifier.unsubscribe(executionID, ch)
			return nil
		case <-ch:
			s.notifier.unsubscribe(executionID, ch)
		case <-time.After(time.Second):
			s.notifier.unsubscribe(executionID, ch)
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, r.PathValue("id"))
}

// streamEvents writes spec.md §6's stream-mode response: one line per event (type
// and JSON payload), terminating once the execution reaches a terminal state.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sent := 0
	for {
		exec, found, err := s.store.GetExecution(executionID)
		if err != nil || !found {
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", "execution not found")
			flusher.Flush()
			return
		}
		events := exec.Events()
		for ; sent < len(events); sent++ {
			writeSSEEvent(w, events[sent])
		}
		flusher.Flush()
		if exec.Finished() {
			return
		}

		ch := s.notifier.subscribe(executionID)
		select {
		case <-r.Context().Done():
			s.notifier.unsubscribe(executionID, ch)
			return
		case <-ch:
			s.notifier.unsubscribe(executionID, ch)
		case <-time.After(2 * time.Second):
			s.notifier.unsubscribe(executionID, ch)
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt event.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
}
