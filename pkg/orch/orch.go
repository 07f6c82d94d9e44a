// Package orch implements the polling orchestrator: the single loop that
// lists tasks for every recognized backend identity, classifies each one by
// replaying its comment log, and drives eligible tasks through planning,
// execution, and PR publication. The orchestrator holds no durable state of
// its own; a restarted process re-derives everything from the task store.
package orch

import (
	"context"
	"sort"
	"sync"
	"time"

	"relay/pkg/approval"
	"relay/pkg/backend"
	"relay/pkg/config"
	"relay/pkg/forge"
	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/preview"
	"relay/pkg/router"
	"relay/pkg/sandbox"
	"relay/pkg/state"
	"relay/pkg/tasks"
)

// AdapterSource resolves assignees to backend adapters. Implemented by
// *router.Router.
type AdapterSource interface {
	Registry() *router.Registry
	AdapterFor(assignee, taskID string, ws *sandbox.Workspace) (backend.Adapter, backend.Config, error)
}

// Publisher turns execution results into pull requests and handles ship-it
// requests. Implemented by *driver.Driver.
type Publisher interface {
	PublishResult(ctx context.Context, task *tasks.Task, result *backend.ExecuteResult) (*forge.PullRequest, error)
	ShipIt(ctx context.Context, task *tasks.Task) error
}

// Cloner produces a per-task working copy. Implemented by *workspace.Manager.
type Cloner interface {
	CloneForTask(ctx context.Context, taskID, branch string) (string, func(), error)
}

// Approver runs the budget escalation protocol. Implemented by
// *approval.Protocol.
type Approver interface {
	Escalate(ctx context.Context, req *approval.Request) (approval.Decision, error)
}

// Orchestrator polls the task store and processes eligible tasks serially.
type Orchestrator struct {
	cfg      config.Config
	store    tasks.Store
	router   AdapterSource
	driver   Publisher
	approval Approver
	clones   Cloner
	monitor  *preview.Monitor
	spend    *metrics.QueryService
	logger   *logx.Logger

	// working is the in-process re-entrancy guard: a task in this set is
	// being driven right now and must not be picked up again, even if a
	// concurrent caller (single-task mode, the sweep) sees it as eligible.
	mu      sync.Mutex
	working map[string]bool

	// recent remembers task→identity for tasks this process has driven, so
	// the secondary sweep can revisit tasks that were reassigned away after
	// a failure and no longer appear in any identity's listing.
	recentMu sync.Mutex
	recent   map[string]string

	cycle int
}

// New assembles an orchestrator. The monitor may be nil when no preview
// deployment API is configured.
func New(cfg config.Config, store tasks.Store, rtr AdapterSource, drv Publisher,
	appr Approver, clones Cloner, monitor *preview.Monitor) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		router:   rtr,
		driver:   drv,
		approval: appr,
		clones:   clones,
		monitor:  monitor,
		logger:   logx.NewLogger("orch"),
		working:  make(map[string]bool),
		recent:   make(map[string]string),
	}
}

// WithSpendQuery attaches a Prometheus-backed spend aggregator. Escalation
// decisions then see the task's lifetime cost across all runs, not just the
// current one.
func (o *Orchestrator) WithSpendQuery(q *metrics.QueryService) *Orchestrator {
	o.spend = q
	return o
}

// Run executes poll cycles until the context is canceled. In-flight preview
// monitors are drained before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("🚀 orchestrator started: polling every %s, sweep every %d cycles",
		o.cfg.PollInterval, o.cfg.SweepEveryN)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.cycle++
		o.runCycle(ctx)
		if o.cfg.SweepEveryN > 0 && o.cycle%o.cfg.SweepEveryN == 0 {
			o.sweep(ctx)
		}

		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping after %d cycles", o.cycle)
			if o.monitor != nil {
				o.monitor.Wait()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce drives a single task by ID and returns. Used by the -task flag.
func (o *Orchestrator) RunOnce(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	o.dispatch(ctx, task, task.Assignee)
	if o.monitor != nil {
		o.monitor.Wait()
	}
	return nil
}

// runCycle lists tasks per identity in a stable order and dispatches each.
// Processing within a cycle is serial: planning, execution, and publication
// for one task finish before the next task starts.
func (o *Orchestrator) runCycle(ctx context.Context) {
	identities := o.router.Registry().AgentIdentities()
	names := make([]string, 0, len(identities))
	for name := range identities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, assignee := range names {
		list, err := o.store.ListTasksByAssignee(ctx, assignee)
		if err != nil {
			o.logger.Error("listing tasks for %s: %v", assignee, err)
			continue
		}
		for i := range list {
			if ctx.Err() != nil {
				return
			}
			o.dispatch(ctx, &list[i], assignee)
		}
	}
}

// dispatch classifies one task and routes it to the right handler. The
// classification is recomputed from the comment log on every cycle, so a
// task observed mid-flight by a previous process instance resolves itself
// here without any handoff.
func (o *Orchestrator) dispatch(ctx context.Context, task *tasks.Task, assignee string) {
	if task.Completed {
		return
	}

	status := state.Classify(task, o.classifyOptions())
	o.logger.Debug("task %s (%q) classified as %s", task.ID, task.Title, status)

	switch {
	case status == state.StatusShipRequested:
		if !o.claim(task.ID) {
			return
		}
		defer o.release(task.ID)
		if err := o.driver.ShipIt(ctx, task); err != nil {
			o.logger.Error("ship-it for task %s: %v", task.ID, err)
		}
		o.remember(task.ID, assignee)

	case status.Eligible():
		if !o.claim(task.ID) {
			return
		}
		defer o.release(task.ID)
		o.process(ctx, task, assignee)
		o.remember(task.ID, assignee)
	}
}

// sweep revisits tasks this process has previously driven but that no longer
// surface through identity listings, typically because a failure reassigned
// them to their creator. A failed task with fresh human feedback is re-driven
// under its original backend identity; a "ship it" after completion is also
// honored here.
func (o *Orchestrator) sweep(ctx context.Context) {
	o.recentMu.Lock()
	snapshot := make(map[string]string, len(o.recent))
	for id, assignee := range o.recent {
		snapshot[id] = assignee
	}
	o.recentMu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	o.logger.Debug("secondary sweep over %d remembered tasks", len(snapshot))

	identities := o.router.Registry().AgentIdentities()

	for taskID, assignee := range snapshot {
		if ctx.Err() != nil {
			return
		}
		task, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			o.logger.Warn("sweep: fetching task %s: %v", taskID, err)
			continue
		}
		if task.Completed {
			o.forget(taskID)
			continue
		}
		// Tasks still assigned to a backend identity are covered by the
		// primary cycle; sweeping them too would double-process.
		if identities[task.Assignee] {
			continue
		}
		o.dispatch(ctx, task, assignee)
	}
}

func (o *Orchestrator) classifyOptions() *state.Options {
	return &state.Options{
		AgentIdentities: o.router.Registry().AgentIdentities(),
		StalenessWindow: o.cfg.StalenessWindow,
	}
}

// claim reserves a task for processing. Returns false if it is already held.
func (o *Orchestrator) claim(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.working[taskID] {
		return false
	}
	o.working[taskID] = true
	return true
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.working, taskID)
}

func (o *Orchestrator) remember(taskID, assignee string) {
	o.recentMu.Lock()
	defer o.recentMu.Unlock()
	o.recent[taskID] = assignee
}

func (o *Orchestrator) forget(taskID string) {
	o.recentMu.Lock()
	defer o.recentMu.Unlock()
	delete(o.recent, taskID)
}
