package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/capture"
	"github.com/flowforge/corewf/workflow/store"
)

// ExecutorFactory builds the NodeExecutor a run's Supervisor dispatches
// ready nodes to; typically a *SessionFactory wired to concrete
// agent.ChatModel/Tool/CodeExecutor backends.
type ExecutorFactory func(runID, sessionID string) NodeExecutor

// Registry is a single explicit instance (never a package-level global,
// per spec.md §9's "no process-wide singletons" posture) ensuring
// at-most-one live Supervisor per run. A lookup for a run with no live
// Supervisor rehydrates one from the Event Store if the run is not yet
// terminal.
type Registry struct {
	st      store.Store
	hub     *broadcast.Hub
	cap     *capture.Pipeline
	execFor ExecutorFactory
	workers int

	supervisors sync.Map // runID -> *Supervisor
}

// NewRegistry wires a Registry over st/hub, sharing one Capture Pipeline
// across every Supervisor it manages. execFor builds the NodeExecutor for
// a rehydrated or newly started run; workers is the default worker-pool
// size handed to each run's Scheduler.
func NewRegistry(st store.Store, hub *broadcast.Hub, execFor ExecutorFactory, workers int) (*Registry, error) {
	v, err := store.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("new registry: %w", err)
	}
	return &Registry{
		st:      st,
		hub:     hub,
		cap:     capture.NewPipeline(st, hub, v),
		execFor: execFor,
		workers: workers,
	}, nil
}

// StartRun registers a brand-new run and starts its Supervisor in the
// background, returning immediately with the live Supervisor handle.
// Fails if runID is already registered.
func (r *Registry) StartRun(runID, sessionID string, planner Planner, task string) (*Supervisor, error) {
	sup := NewSupervisor(runID, sessionID, r.st, r.hub, r.cap)
	if _, loaded := r.supervisors.LoadOrStore(runID, sup); loaded {
		return nil, fmt.Errorf("run %s is already registered", runID)
	}

	exec := r.execFor(runID, sessionID)
	go func() {
		defer r.supervisors.Delete(runID)
		if err := sup.StartNew(context.Background(), planner, task, exec, r.workers); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("run ended with error")
		}
	}()
	return sup, nil
}

// Get returns the live Supervisor for runID. If none is registered, it
// looks the run up in the store: a terminal run has nothing to rehydrate
// (returns an error wrapping ErrNotResumable); a non-terminal run is
// rehydrated and resumed in the background, mirroring StartRun.
func (r *Registry) Get(ctx context.Context, runID string) (*Supervisor, error) {
	if v, ok := r.supervisors.Load(runID); ok {
		return v.(*Supervisor), nil
	}

	run, err := r.st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if RunStatus(run.Status).Terminal() {
		return nil, fmt.Errorf("run %s is terminal (%s): %w", runID, run.Status, ErrNotResumable)
	}

	sup := NewSupervisor(runID, run.SessionID, r.st, r.hub, r.cap)
	actual, loaded := r.supervisors.LoadOrStore(runID, sup)
	sup = actual.(*Supervisor)
	if loaded {
		return sup, nil
	}

	exec := r.execFor(runID, run.SessionID)
	go func() {
		defer r.supervisors.Delete(runID)
		if err := sup.Resume(context.Background(), exec, r.workers); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("rehydrated run ended with error")
		}
	}()
	return sup, nil
}

// Capture returns the Capture Pipeline shared by every run this Registry
// manages, so an ExecutorFactory can wire a SessionFactory's agent/tool/code
// hooks into the same parent/child event stack the Scheduler's own
// node_started/node_completed hooks use.
func (r *Registry) Capture() *capture.Pipeline { return r.cap }

// Shutdown stops every live Supervisor's heartbeat goroutine. It does not
// wait for in-flight Scheduler.Run calls to return; callers that need a
// clean stop should Cancel() each Supervisor's Scheduler first.
func (r *Registry) Shutdown(context.Context) {
	r.supervisors.Range(func(_, v interface{}) bool {
		v.(*Supervisor).Shutdown()
		return true
	})
}
