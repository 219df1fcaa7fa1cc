// Package scheduler implements spec.md §4.4: resource matching between catalog
// entries and registered workers, claim exclusivity, at-least-once dispatch, and the
// periodic re-match/liveness sweep that replaces the teacher's cron scheduler (see
// DESIGN.md — cron-style triggers are an explicit Non-goal, so this package carries
// none of services/orchestrator/scheduler.go's cron/event-trigger machinery; only
// its Scheduler-struct shape and metrics pattern survive, retargeted to claims).
package scheduler

import (
	"time"

	"github.com/fluxworkflow/flux/internal/catalog"
)

// State is a worker's connectivity state.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Resources is what a worker advertises, matched against a catalog entry's
// ResourceRequest.
type Resources struct {
	MemoryBytes int64
	CPUShares   int64
	HasGPU      bool
	Packages    []string
}

// satisfies reports whether r meets req, per the ALL-of predicate in spec.md §4.4:
// memory, CPU, GPU, and required packages as a subset (no semver resolution —
// package matching is plain string-set subset per spec.md §9's open question).
func (r Resources) satisfies(req catalog.ResourceRequest) bool {
	if r.MemoryBytes < req.MemoryBytes {
		return false
	}
	if r.CPUShares < req.CPUShares {
		return false
	}
	if req.RequiresGPU && !r.HasGPU {
		return false
	}
	installed := make(map[string]bool, len(r.Packages))
	for _, p := range r.Packages {
		installed[p] = true
	}
	for _, p := range req.RequiredPackages {
		if !installed[p] {
			return false
		}
	}
	return true
}

// Worker is a registered worker's current view, held by the scheduler in memory and
// mirrored to storage on every change so a restart can rebuild it.
type Worker struct {
	Name                string
	SessionID           string
	Resources           Resources
	RegisteredWorkflows map[string]bool // "name@version" -> present
	State               State
	LastSeen            time.Time
	ActiveClaims        int
}

func (w *Worker) registers(name, version string) bool {
	return w.RegisteredWorkflows[name+"@"+version]
}
