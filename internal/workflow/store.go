package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/store"
)

// MaxEventsPerWorkflow bounds the append-only event log kept per
// workflow (spec §3.4: "bounded per workflow, newest-wins trimming").
const MaxEventsPerWorkflow = 500

// RepoResolver is the subset of the Git Adapter (spec §4.D) the
// workflow store needs at create time to fill in an unset RepoContext.
type RepoResolver interface {
	ResolveRepoContext(cwd string) (RepoContext, error)
}

// Broadcaster is the external collaborator the store notifies of state
// changes (spec §6.2). Best-effort, lossy under backpressure.
type Broadcaster interface {
	Emit(event string, payload interface{})
}

type nopBroadcaster struct{}

func (nopBroadcaster) Emit(string, interface{}) {}

// Store is the typed façade over the generic JSON store for workflows,
// steps, events, and policies (spec §4.E).
type Store struct {
	doc         *store.Store[Document]
	repos       RepoResolver
	broadcaster Broadcaster

	// nowFunc is overridable in tests; defaults to wall-clock millis.
	nowFunc func() int64
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithBroadcaster attaches a Broadcaster the store emits events to.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Store) { s.broadcaster = b }
}

// WithNowFunc overrides the millisecond clock (for deterministic tests).
func WithNowFunc(f func() int64) Option {
	return func(s *Store) { s.nowFunc = f }
}

// New creates a Store backed by the JSON file at path.
func New(path string, repos RepoResolver, opts ...Option) *Store {
	s := &Store{
		doc:         store.New[Document](path),
		repos:       repos,
		broadcaster: nopBroadcaster{},
		nowFunc:     func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) now() int64 { return s.nowFunc() }

func (s *Store) readDoc() Document {
	doc := s.doc.Read()
	if doc.Version != CurrentVersion {
		doc = Document{Version: CurrentVersion, Policies: DefaultPolicies()}
	}
	if doc.Policies.Sessions.MaxConcurrent == 0 {
		doc.Policies = DefaultPolicies()
	}
	return doc
}

// CreateInput describes a new workflow (spec §4.E create).
type CreateInput struct {
	Title       string
	Description string
	Trigger     string
	IssueNumber *int

	RepoPath  string // cwd to resolve via RepoResolver, if Repo is zero
	Repo      *RepoContext
	BaseBranch string

	BranchName   string
	BranchPrefix string

	Steps []StepInput
}

// StepInput describes a step at creation time; DependsOn indexes refer
// to other entries in the same Steps slice.
type StepInput struct {
	Title               string
	Description         string
	DependsOn            []int
	RequiredCredentials []RequiredCredential
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "workflow"
	}
	return s
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create materializes a new workflow, optionally seeded with steps
// (spec §4.E). With steps, status starts running; without, planning.
func (s *Store) Create(input CreateInput) (*Workflow, error) {
	repo := RepoContext{}
	if input.Repo != nil {
		repo = *input.Repo
	} else if s.repos != nil {
		resolved, err := s.repos.ResolveRepoContext(input.RepoPath)
		if err != nil {
			return nil, fmt.Errorf("resolving repo context: %w", err)
		}
		repo = resolved
	}

	baseBranch := input.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	workBranch := input.BranchName
	if workBranch == "" {
		prefix := input.BranchPrefix
		if prefix == "" {
			prefix = "feat/"
		}
		workBranch = fmt.Sprintf("%s%s-%s", prefix, slugify(input.Title), shortID())
	}
	if workBranch == baseBranch {
		return nil, fmt.Errorf("workBranch %q must differ from baseBranch", workBranch)
	}

	wf := Workflow{
		ID:          uuid.NewString(),
		Title:       input.Title,
		Description: input.Description,
		Trigger:     input.Trigger,
		Repo:        repo,
		BaseBranch:  baseBranch,
		WorkBranch:  workBranch,
		IssueNumber: input.IssueNumber,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}

	if len(input.Steps) > 0 {
		wf.Status = StatusRunning
		wf.StartedAt = s.now()
		ids := make([]string, len(input.Steps))
		for i := range input.Steps {
			ids[i] = uuid.NewString()
		}
		for i, si := range input.Steps {
			dependsOn := make([]string, 0, len(si.DependsOn))
			for _, idx := range si.DependsOn {
				if idx < 0 || idx >= len(ids) || idx == i {
					return nil, fmt.Errorf("step %d: invalid dependsOn index %d", i, idx)
				}
				dependsOn = append(dependsOn, ids[idx])
			}
			wf.Steps = append(wf.Steps, Step{
				ID:                  ids[i],
				Index:               i,
				Title:               si.Title,
				Description:         si.Description,
				DependsOn:           dependsOn,
				Status:              StepPending,
				RequiredCredentials: si.RequiredCredentials,
			})
		}
		if err := validateDAG(wf.Steps); err != nil {
			return nil, err
		}
	} else {
		wf.Status = StatusPlanning
	}

	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		doc.Workflows = append(doc.Workflows, wf)
		doc = s.appendEventLocked(doc, Event{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			Kind:       EventStatusChange,
			Timestamp:  s.now(),
			Message:    fmt.Sprintf("workflow created with status %s", wf.Status),
		})
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcaster.Emit("workflow.created", wf)
	return &wf, nil
}

// validateDAG checks spec §3.2 invariants: dependsOn references only
// in-workflow step IDs, no self-reference, and the graph is acyclic.
func validateDAG(steps []Step) error {
	ids := make(map[string]bool, len(steps))
	for _, st := range steps {
		ids[st.ID] = true
	}
	for _, st := range steps {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return fmt.Errorf("step %s: self-reference in dependsOn", st.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("step %s: dependsOn references unknown step %s", st.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	byID := make(map[string]Step, len(steps))
	for _, st := range steps {
		byID[st.ID] = st
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if color[dep] == gray {
				return fmt.Errorf("cycle detected in step dependencies at %s -> %s", id, dep)
			}
			if color[dep] == white {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, st := range steps {
		if color[st.ID] == white {
			if err := visit(st.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns a workflow by id, or nil if not found.
func (s *Store) Get(id string) *Workflow {
	doc := s.readDoc()
	for i := range doc.Workflows {
		if doc.Workflows[i].ID == id {
			wf := doc.Workflows[i]
			return &wf
		}
	}
	return nil
}

// ListFilter narrows List results; zero value lists everything.
type ListFilter struct {
	Status string
}

// List returns workflows matching filter.
func (s *Store) List(filter ListFilter) []Workflow {
	doc := s.readDoc()
	if filter.Status == "" {
		return append([]Workflow(nil), doc.Workflows...)
	}
	var out []Workflow
	for _, wf := range doc.Workflows {
		if wf.Status == filter.Status {
			out = append(out, wf)
		}
	}
	return out
}

// WorkflowPatch is an update applied to a workflow by UpdateWorkflow.
// Nil fields are left unchanged.
type WorkflowPatch struct {
	Status         *string
	PullRequest    *PullRequest
	CompletedAt    *int64
	StartedAt      *int64
	AddTokens      int
	AddToolCalls   int
}

// UpdateWorkflow applies patch under the store lock, bumping UpdatedAt,
// appending a status_change event when Status changed, and broadcasting
// workflow.updated plus a per-status event (spec §4.E).
func (s *Store) UpdateWorkflow(id string, patch WorkflowPatch) (*Workflow, error) {
	var updated *Workflow
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfWorkflow(doc.Workflows, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		wf := doc.Workflows[idx]
		statusChanged := false
		if patch.Status != nil && *patch.Status != wf.Status {
			if IsTerminalWorkflowStatus(wf.Status) {
				// Terminal statuses are sticky; ignore the patch.
			} else {
				wf.Status = *patch.Status
				statusChanged = true
			}
		}
		if patch.PullRequest != nil {
			wf.PullRequest = patch.PullRequest
		}
		if patch.CompletedAt != nil {
			wf.CompletedAt = *patch.CompletedAt
		}
		if patch.StartedAt != nil {
			wf.StartedAt = *patch.StartedAt
		}
		wf.TotalTokens += patch.AddTokens
		wf.TotalToolCalls += patch.AddToolCalls
		wf.UpdatedAt = s.now()

		doc.Workflows[idx] = wf
		if statusChanged {
			doc = s.appendEventLocked(doc, Event{
				ID:         uuid.NewString(),
				WorkflowID: wf.ID,
				Kind:       EventStatusChange,
				Timestamp:  s.now(),
				Message:    fmt.Sprintf("status changed to %s", wf.Status),
			})
		}
		updated = &wf
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}

	s.broadcaster.Emit("workflow.updated", *updated)
	if updated.Status == StatusFailed {
		s.broadcaster.Emit("workflow.failed", *updated)
	}
	if updated.Status == StatusPROpen {
		s.broadcaster.Emit("workflow.pr_created", *updated)
	}
	return updated, nil
}

// StepPatch is an update applied to a single step by UpdateStep.
type StepPatch struct {
	Status        *string
	Result        *string
	Error         *string
	StartedAt     *int64
	CompletedAt   *int64
	AddTokenUsage int
	AddToolCalls  int
	CommitsBefore []string
	CommitsAfter  []string
	FilesChanged  []FileChange
}

// UpdateStep applies patch to one step within a workflow (spec §4.E).
func (s *Store) UpdateStep(workflowID, stepID string, patch StepPatch) (*Step, error) {
	var updated *Step
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		widx := indexOfWorkflow(doc.Workflows, workflowID)
		if widx < 0 {
			return doc, struct{}{}, nil
		}
		wf := doc.Workflows[widx]
		sidx := indexOfStep(wf.Steps, stepID)
		if sidx < 0 {
			return doc, struct{}{}, nil
		}
		st := wf.Steps[sidx]

		if patch.Status != nil {
			st.Status = *patch.Status
		}
		if patch.Result != nil {
			st.Result = *patch.Result
		}
		if patch.Error != nil {
			st.Error = *patch.Error
		}
		if patch.StartedAt != nil {
			st.StartedAt = *patch.StartedAt
		}
		if patch.CompletedAt != nil {
			st.CompletedAt = *patch.CompletedAt
		}
		st.TokenUsage += patch.AddTokenUsage
		st.ToolCalls += patch.AddToolCalls
		if patch.CommitsBefore != nil {
			st.CommitsBefore = patch.CommitsBefore
		}
		if patch.CommitsAfter != nil {
			st.CommitsAfter = patch.CommitsAfter
		}
		if patch.FilesChanged != nil {
			st.FilesChanged = patch.FilesChanged
		}

		wf.Steps[sidx] = st
		wf.UpdatedAt = s.now()
		doc.Workflows[widx] = wf
		updated = &st
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.broadcaster.Emit("workflow.step.updated", *updated)
	}
	return updated, nil
}

// Cancel transitions any non-terminal workflow to cancelled and marks
// every pending step skipped. Idempotent on already-terminal workflows
// (spec §4.E, §8 round-trip property).
func (s *Store) Cancel(id string) (*Workflow, error) {
	var updated *Workflow
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfWorkflow(doc.Workflows, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		wf := doc.Workflows[idx]
		if IsTerminalWorkflowStatus(wf.Status) {
			updated = &wf
			return doc, struct{}{}, nil
		}
		wf.Status = StatusCancelled
		wf.CompletedAt = s.now()
		wf.UpdatedAt = s.now()
		for i := range wf.Steps {
			if wf.Steps[i].Status == StepPending {
				wf.Steps[i].Status = StepSkipped
			}
		}
		doc.Workflows[idx] = wf
		doc = s.appendEventLocked(doc, Event{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			Kind:       EventStatusChange,
			Timestamp:  s.now(),
			Message:    "workflow cancelled",
		})
		updated = &wf
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.broadcaster.Emit("workflow.updated", *updated)
	}
	return updated, nil
}

// Pause transitions a running workflow to paused.
func (s *Store) Pause(id string) (*Workflow, error) {
	return s.transition(id, StatusRunning, StatusPaused)
}

// Resume transitions a paused workflow back to running.
func (s *Store) Resume(id string) (*Workflow, error) {
	return s.transition(id, StatusPaused, StatusRunning)
}

// transition applies a from->to status change only if the workflow is
// currently in `from`; returns nil, nil otherwise (spec §7 state
// machine: pause/resume are "only valid from/to the appropriate
// transitions").
func (s *Store) transition(id, from, to string) (*Workflow, error) {
	var updated *Workflow
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfWorkflow(doc.Workflows, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		wf := doc.Workflows[idx]
		if wf.Status != from {
			return doc, struct{}{}, nil
		}
		wf.Status = to
		wf.UpdatedAt = s.now()
		doc.Workflows[idx] = wf
		doc = s.appendEventLocked(doc, Event{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			Kind:       EventStatusChange,
			Timestamp:  s.now(),
			Message:    fmt.Sprintf("status changed to %s", to),
		})
		updated = &wf
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.broadcaster.Emit("workflow.updated", *updated)
	}
	return updated, nil
}

// RetryStep resets a failed step back to pending, clearing its error
// but preserving accumulated budget/commits (spec §4.E). Returns nil
// if the step is not currently failed.
func (s *Store) RetryStep(workflowID, stepID string) (*Step, error) {
	var updated *Step
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		widx := indexOfWorkflow(doc.Workflows, workflowID)
		if widx < 0 {
			return doc, struct{}{}, nil
		}
		wf := doc.Workflows[widx]
		sidx := indexOfStep(wf.Steps, stepID)
		if sidx < 0 {
			return doc, struct{}{}, nil
		}
		st := wf.Steps[sidx]
		if st.Status != StepFailed {
			return doc, struct{}{}, nil
		}
		st.Status = StepPending
		st.Error = ""
		wf.Steps[sidx] = st
		wf.UpdatedAt = s.now()
		doc.Workflows[widx] = wf
		updated = &st
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddEvent appends an audit/timeline entry for a workflow, trimming the
// oldest entries once MaxEventsPerWorkflow is exceeded (newest-wins).
func (s *Store) AddEvent(workflowID, stepID, kind, message string, detail map[string]interface{}) (*Event, error) {
	var created Event
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		ev := Event{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			StepID:     stepID,
			Kind:       kind,
			Timestamp:  s.now(),
			Message:    message,
			Detail:     detail,
		}
		doc = s.appendEventLocked(doc, ev)
		created = ev
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// appendEventLocked appends ev and enforces the per-workflow bound.
// Must be called with the store lock already held (i.e. from inside a
// store.Update callback).
func (s *Store) appendEventLocked(doc Document, ev Event) Document {
	doc.Events = append(doc.Events, ev)

	count := 0
	for _, e := range doc.Events {
		if e.WorkflowID == ev.WorkflowID {
			count++
		}
	}
	if count <= MaxEventsPerWorkflow {
		return doc
	}

	// Trim oldest events for this workflow only, preserving others'
	// positions and relative order (newest-wins trimming, spec §3.4).
	excess := count - MaxEventsPerWorkflow
	trimmed := make([]Event, 0, len(doc.Events))
	dropped := 0
	for _, e := range doc.Events {
		if e.WorkflowID == ev.WorkflowID && dropped < excess {
			dropped++
			continue
		}
		trimmed = append(trimmed, e)
	}
	doc.Events = trimmed
	return doc
}

// GetEvents returns a workflow's events, newest-first, optionally
// capped at limit (0 = unlimited).
func (s *Store) GetEvents(workflowID string, limit int) []Event {
	doc := s.readDoc()
	var out []Event
	for i := len(doc.Events) - 1; i >= 0; i-- {
		if doc.Events[i].WorkflowID == workflowID {
			out = append(out, doc.Events[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// GetPolicies returns the current policies, or spec §6.4 defaults if
// none have ever been persisted.
func (s *Store) GetPolicies() Policies {
	return s.readDoc().Policies
}

// UpdatePolicies deep-merges patch into the current policies and
// broadcasts workflow.policies.updated.
func (s *Store) UpdatePolicies(patch MergePatch) (Policies, error) {
	result, err := store.Update(s.doc, func(doc Document) (Document, Policies, error) {
		doc.Policies = doc.Policies.Apply(patch)
		return doc, doc.Policies, nil
	})
	if err != nil {
		return Policies{}, err
	}
	s.broadcaster.Emit("workflow.policies.updated", result)
	return result, nil
}

func indexOfWorkflow(workflows []Workflow, id string) int {
	for i := range workflows {
		if workflows[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfStep(steps []Step, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

// ReadySteps returns the steps of wf eligible to run: pending, and
// every dependency terminal in {complete, skipped}. Order is by Index
// ascending (deterministic scheduling, spec §4.F).
func ReadySteps(wf Workflow) []Step {
	byID := make(map[string]Step, len(wf.Steps))
	for _, st := range wf.Steps {
		byID[st.ID] = st
	}
	var ready []Step
	for _, st := range wf.Steps {
		if st.Status != StepPending {
			continue
		}
		eligible := true
		for _, dep := range st.DependsOn {
			depStep, ok := byID[dep]
			if !ok || !(depStep.Status == StepComplete || depStep.Status == StepSkipped) {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, st)
		}
	}
	return ready
}

// AllStepsTerminal reports whether every step in wf is in a terminal
// state (spec §4.F terminal conditions).
func AllStepsTerminal(wf Workflow) bool {
	for _, st := range wf.Steps {
		if !IsTerminalStepStatus(st.Status) {
			return false
		}
	}
	return true
}

// AllStepsSuccessful reports whether every step completed successfully
// (complete or skipped, i.e. no failures).
func AllStepsSuccessful(wf Workflow) bool {
	for _, st := range wf.Steps {
		if st.Status == StepFailed {
			return false
		}
	}
	return true
}

// AnyStepRunning reports whether any step is currently running.
func AnyStepRunning(wf Workflow) bool {
	for _, st := range wf.Steps {
		if st.Status == StepRunning {
			return true
		}
	}
	return false
}
