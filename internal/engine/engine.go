// Package engine implements the Workflow Engine (spec §4.F): the
// ticking scheduler that turns a workflow's step DAG into spawned
// agent sessions, polls them to completion, and pushes a branch and
// opens a draft PR once every step finishes. Grounded on the
// teacher's RunnerLoop (internal/engine/runner.go): a context-aware
// loop with a grace-period exit, generalized here into a fixed-tick
// loop with a reentrancy guard instead of a self-retiring one, since
// the orchestrator's workflows are long-lived rather than
// one-shot-per-trigger.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowforge/orchestrator/internal/credential"
	"github.com/flowforge/orchestrator/internal/gitadapter"
	"github.com/flowforge/orchestrator/internal/logging"
	"github.com/flowforge/orchestrator/internal/spawner"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// Bounded concurrency constants (spec §4.F).
const (
	DefaultTickInterval      = 5 * time.Second
	DefaultMinPollInterval   = 5 * time.Second
	DefaultMaxPollInterval   = 30 * time.Second
	DefaultPollBackoffFactor = 1.5
)

// SessionSpawner is the engine's injected process-lifecycle
// collaborator (spec §6.2). spawner.Spawner satisfies this.
type SessionSpawner interface {
	Spawn(req spawner.SpawnRequest) (string, error)
	Status(runID string) (spawner.StatusResult, error)
}

// GitAdapter is the subset of the Git Adapter (spec §4.D) the engine
// needs. gitadapter.Adapter satisfies this.
type GitAdapter interface {
	GetCommitLog(path, base, head string) ([]string, error)
	GetDiffStat(path, base, head string) ([]workflow.FileChange, error)
	PushBranch(path, branch string) error
	CreatePR(args gitadapter.PRArgs) (workflow.PullRequest, error)
}

// CredentialLeaser is the subset of the Credential Service (spec
// §6.2) the engine needs to provision and tear down step leases.
type CredentialLeaser interface {
	CreateLease(input credential.CreateLeaseInput) (*credential.Lease, error)
	RevokeTaskLeases(taskID string) (int, error)
}

// activeSession tracks one in-flight session the engine is polling
// (spec §4.F "activeSessions", an in-process map).
type activeSession struct {
	workflowID     string
	stepID         string
	sessionKey     string
	runID          string
	startedAt      int64
	pollIntervalMs int64
	timeoutMs      int64
	lastPollMs     int64
}

// Engine is the Workflow Engine (spec §4.F).
type Engine struct {
	workflows   *workflow.Store
	credentials CredentialLeaser
	git         GitAdapter
	spawner     SessionSpawner

	tickInterval      time.Duration
	minPollInterval   time.Duration
	maxPollInterval   time.Duration
	pollBackoffFactor float64

	ticking int32 // reentrancy guard, spec §4.F

	mu             sync.Mutex
	activeSessions map[string]*activeSession // keyed by sessionKey

	stopCh chan struct{}
	doneCh chan struct{}

	nowFunc func() int64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithTickInterval(d time.Duration) Option      { return func(e *Engine) { e.tickInterval = d } }
func WithMinPollInterval(d time.Duration) Option    { return func(e *Engine) { e.minPollInterval = d } }
func WithMaxPollInterval(d time.Duration) Option    { return func(e *Engine) { e.maxPollInterval = d } }
func WithPollBackoffFactor(f float64) Option        { return func(e *Engine) { e.pollBackoffFactor = f } }
func WithNowFunc(f func() int64) Option             { return func(e *Engine) { e.nowFunc = f } }

// New constructs an Engine.
func New(workflows *workflow.Store, credentials CredentialLeaser, git GitAdapter, sp SessionSpawner, opts ...Option) *Engine {
	e := &Engine{
		workflows:         workflows,
		credentials:       credentials,
		git:               git,
		spawner:           sp,
		tickInterval:      DefaultTickInterval,
		minPollInterval:   DefaultMinPollInterval,
		maxPollInterval:   DefaultMaxPollInterval,
		pollBackoffFactor: DefaultPollBackoffFactor,
		activeSessions:    make(map[string]*activeSession),
		nowFunc:           func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) now() int64 { return e.nowFunc() }

// Start installs the periodic tick (spec §4.F "start() installs a
// periodic tick at TICK_INTERVAL_MS"). It returns immediately; the
// tick loop runs until Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.runTick()
			}
		}
	}()
}

// Stop clears the tick timer. In-flight sessions are not canceled —
// they continue running and the next Start recovers state from disk
// (spec §4.F).
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

// runTick enforces the reentrancy guard: if a tick is still in flight
// when the timer fires, the new tick is dropped (spec §4.F).
func (e *Engine) runTick() {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.ticking, 0)

	if err := e.tick(); err != nil {
		logging.Errorf("engine tick: %s", err)
	}
}

// tick runs one full per-tick algorithm pass (spec §4.F).
func (e *Engine) tick() error {
	e.pollActiveSessions()

	running := e.workflows.List(workflow.ListFilter{Status: workflow.StatusRunning})
	for _, wf := range running {
		if err := e.scheduleWorkflow(wf); err != nil {
			logging.Errorf("scheduling workflow %s: %s", wf.ID, err)
		}
	}
	return nil
}

// scheduleWorkflow selects ready steps (bounded by maxConcurrent) and
// spawns sessions for each, then checks terminal conditions if
// nothing was ready (spec §4.F steps 3-4).
func (e *Engine) scheduleWorkflow(wf workflow.Workflow) error {
	policies := e.workflows.GetPolicies()

	ready := workflow.ReadySteps(wf)
	ready = e.filterAlreadyActive(wf.ID, ready)

	runningCount := e.countActiveForWorkflow(wf.ID)
	slots := policies.Sessions.MaxConcurrent - runningCount
	if slots < 0 {
		slots = 0
	}
	if len(ready) > slots {
		ready = ready[:slots]
	}

	if len(ready) == 0 {
		return e.evaluateTerminalConditions(wf)
	}

	group, _ := errgroup.WithContext(context.Background())
	for _, step := range ready {
		step := step
		group.Go(func() error {
			return e.spawnStep(wf, step, policies)
		})
	}
	return group.Wait()
}

// evaluateTerminalConditions implements spec §4.F step 4: with no
// ready steps, decide whether the workflow is done or stuck.
func (e *Engine) evaluateTerminalConditions(wf workflow.Workflow) error {
	if workflow.AllStepsTerminal(wf) {
		if workflow.AllStepsSuccessful(wf) {
			return e.handleAllStepsComplete(wf)
		}
		if !workflow.AnyStepRunning(wf) {
			_, err := e.workflows.UpdateWorkflow(wf.ID, workflow.WorkflowPatch{
				Status: strPtr(workflow.StatusFailed),
			})
			if err == nil {
				e.workflows.AddEvent(wf.ID, "", workflow.EventError, "workflow failed: one or more steps failed", nil)
			}
			return err
		}
		return nil
	}
	if !workflow.AnyStepRunning(wf) {
		anyFailed := false
		for _, st := range wf.Steps {
			if st.Status == workflow.StepFailed {
				anyFailed = true
			}
		}
		if anyFailed {
			_, err := e.workflows.UpdateWorkflow(wf.ID, workflow.WorkflowPatch{
				Status: strPtr(workflow.StatusFailed),
			})
			if err == nil {
				e.workflows.AddEvent(wf.ID, "", workflow.EventError, "workflow failed: one or more steps failed, none ready", nil)
			}
			return err
		}
	}
	return nil
}

func (e *Engine) filterAlreadyActive(workflowID string, steps []workflow.Step) []workflow.Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []workflow.Step
	for _, st := range steps {
		active := false
		for _, sess := range e.activeSessions {
			if sess.workflowID == workflowID && sess.stepID == st.ID {
				active = true
				break
			}
		}
		if !active {
			out = append(out, st)
		}
	}
	return out
}

func (e *Engine) countActiveForWorkflow(workflowID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, sess := range e.activeSessions {
		if sess.workflowID == workflowID {
			n++
		}
	}
	return n
}

func strPtr(s string) *string { return &s }
