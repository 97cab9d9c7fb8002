package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/ledger"
	"promptdeck-sync/internal/store"
	"promptdeck-sync/internal/transport"
)

// State is the engine's coarse progress indicator, readable while a pass is
// running.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePlanning
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// Engine runs full sync passes for one workspace: fetch remote state, build
// a plan against the ledger baseline, pre-flight the capacity check, then
// execute. At most one pass runs at a time per engine.
type Engine struct {
	transport transport.Transport
	prompts   store.PromptStore
	ledger    ledger.Store
	executor  *Executor
	logger    *log.Logger

	mu    sync.Mutex
	state atomic.Int32
}

// NewEngine wires an engine from its collaborators. If logger is nil a
// default stderr logger is used.
func NewEngine(t transport.Transport, prompts store.PromptStore, ldg ledger.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	resolver := NewResolver(t.Identity(), nil)
	return &Engine{
		transport: t,
		prompts:   prompts,
		ledger:    ldg,
		executor:  NewExecutor(t, prompts, ldg, resolver, logger),
		logger:    logger,
	}
}

// State reports what the engine is currently doing.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Sync runs one full pass. A pass already in flight yields
// domain.ErrSyncInProgress immediately rather than queueing. The ledger's
// last-sync time advances only when the pass completes without a pass-level
// error; per-item failures are reported in Stats.Errors and do not block it.
func (e *Engine) Sync(ctx context.Context) (*Stats, error) {
	if !e.mu.TryLock() {
		return nil, domain.ErrSyncInProgress
	}
	defer e.mu.Unlock()
	defer e.setState(StateIdle)

	e.setState(StateFetching)
	remote, err := e.transport.FetchRemote(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote state: %w", err)
	}

	e.setState(StatePlanning)
	state, err := e.ledger.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	local, err := e.prompts.ListAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list local prompts: %w", err)
	}

	plan := BuildPlan(PlannerInput{
		Local:      local,
		Remote:     remote,
		Ledger:     state,
		LastSync:   state.LastSyncTime,
		Permission: e.transport.WritePermission(),
	})
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync plan: %w", err)
	}
	if plan.Empty() {
		e.logger.Printf("nothing to sync")
		if err := e.ledger.SetLastSyncTime(time.Now()); err != nil {
			return nil, err
		}
		return &Stats{}, nil
	}

	// Capacity is checked before any write so a full workspace rejects the
	// whole pass cleanly instead of partially applying it.
	if checker, ok := e.transport.(transport.CapacityChecker); ok {
		if n := plan.NewRemoteCount(state); n > 0 {
			if err := checker.CheckCapacity(ctx, n, plan.NewRemoteBytes(state)); err != nil {
				return nil, err
			}
		}
	}

	e.setState(StateExecuting)
	e.logger.Printf("executing plan: %d up, %d down, %d conflicts, %d local deletes, %d remote deletes, %d adoptions, %d links",
		len(plan.ToUpload), len(plan.ToDownload), len(plan.Conflicts),
		len(plan.ToDeleteLocally), len(plan.ToDeleteRemotely), len(plan.ToAssignLocalID), len(plan.ToLink))

	stats, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return stats, err
	}
	if err := e.ledger.SetLastSyncTime(time.Now()); err != nil {
		return stats, fmt.Errorf("failed to record sync time: %w", err)
	}
	return stats, nil
}

// Registry tracks one engine per workspace so callers reuse engines (and
// their single-flight guarantee) instead of constructing duplicates.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// GetOrCreate returns the engine registered under workspaceID, building it
// with construct on first use.
func (r *Registry) GetOrCreate(workspaceID string, construct func() *Engine) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[workspaceID]; ok {
		return e
	}
	e := construct()
	r.engines[workspaceID] = e
	return e
}

// Remove drops the engine for workspaceID. The caller is responsible for
// making sure no pass is in flight.
func (r *Registry) Remove(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, workspaceID)
}
