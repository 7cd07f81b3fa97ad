package workflow

import (
	"path/filepath"
	"testing"
)

type fakeRepoResolver struct {
	ctx RepoContext
	err error
}

func (f fakeRepoResolver) ResolveRepoContext(cwd string) (RepoContext, error) {
	return f.ctx, f.err
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.json")
	clock := int64(1_000_000)
	now := func() int64 {
		clock++
		return clock
	}
	return New(path, fakeRepoResolver{ctx: RepoContext{Path: "/repo", Owner: "acme", Name: "widgets"}}, WithNowFunc(now))
}

func TestCreateWithoutStepsStartsPlanning(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "Add feature"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wf.Status != StatusPlanning {
		t.Errorf("expected status planning, got %s", wf.Status)
	}
	if wf.WorkBranch == wf.BaseBranch {
		t.Errorf("work branch must differ from base branch")
	}
}

func TestCreateWithStepsStartsRunning(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{
		Title: "Add feature",
		Steps: []StepInput{
			{Title: "step 1"},
			{Title: "step 2", DependsOn: []int{0}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wf.Status != StatusRunning {
		t.Errorf("expected status running, got %s", wf.Status)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wf.Steps))
	}
	if len(wf.Steps[1].DependsOn) != 1 || wf.Steps[1].DependsOn[0] != wf.Steps[0].ID {
		t.Errorf("expected step 2 to depend on step 1's id")
	}
}

func TestCreateRejectsCyclicDependencies(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateInput{
		Title: "cyclic",
		Steps: []StepInput{
			{Title: "a", DependsOn: []int{1}},
			{Title: "b", DependsOn: []int{0}},
		},
	})
	if err == nil {
		t.Fatal("expected cycle-detection error, got nil")
	}
}

func TestCreateRejectsSelfDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateInput{
		Title: "self",
		Steps: []StepInput{
			{Title: "a", DependsOn: []int{0}},
		},
	})
	if err == nil {
		t.Fatal("expected self-reference error, got nil")
	}
}

func TestCreateRejectsSameBranchNames(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateInput{Title: "x", BranchName: "main", BaseBranch: "main"})
	if err == nil {
		t.Fatal("expected error when workBranch == baseBranch")
	}
}

func TestReadySteps(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{
		Title: "diamond",
		Steps: []StepInput{
			{Title: "root"},
			{Title: "left", DependsOn: []int{0}},
			{Title: "right", DependsOn: []int{0}},
			{Title: "join", DependsOn: []int{1, 2}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ready := ReadySteps(*wf)
	if len(ready) != 1 || ready[0].Title != "root" {
		t.Fatalf("expected only root ready, got %+v", ready)
	}

	// Mark root complete; left and right become ready, join does not.
	if _, err := s.UpdateStep(wf.ID, wf.Steps[0].ID, StepPatch{Status: strp(StepComplete)}); err != nil {
		t.Fatal(err)
	}
	wf2 := s.Get(wf.ID)
	ready = ReadySteps(*wf2)
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready steps after root completes, got %d", len(ready))
	}
}

func TestCancelIsIdempotentOnTerminalWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "x", Steps: []StepInput{{Title: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.Cancel(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", first.Status)
	}
	second, err := s.Cancel(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusCancelled {
		t.Fatalf("expected cancel to stay idempotent, got %s", second.Status)
	}
}

func TestCancelSkipsPendingSteps(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "x", Steps: []StepInput{{Title: "a"}, {Title: "b"}}})
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := s.Cancel(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range cancelled.Steps {
		if st.Status != StepSkipped {
			t.Errorf("expected step %s skipped, got %s", st.Title, st.Status)
		}
	}
}

func TestTerminalWorkflowStatusIsSticky(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "x", Steps: []StepInput{{Title: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateWorkflow(wf.ID, WorkflowPatch{Status: strp(StatusComplete)}); err != nil {
		t.Fatal(err)
	}
	updated, err := s.UpdateWorkflow(wf.ID, WorkflowPatch{Status: strp(StatusRunning)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusComplete {
		t.Errorf("expected terminal status to stick, got %s", updated.Status)
	}
}

func TestPauseResumeOnlyValidFromExpectedState(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "x", Steps: []StepInput{{Title: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	// Not paused yet, so Resume should be a no-op.
	resumed, err := s.Resume(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed != nil {
		t.Errorf("expected Resume on a running workflow to be a no-op, got %+v", resumed)
	}

	paused, err := s.Pause(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused == nil || paused.Status != StatusPaused {
		t.Fatalf("expected paused, got %+v", paused)
	}

	resumed, err = s.Resume(wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed == nil || resumed.Status != StatusRunning {
		t.Fatalf("expected running after resume, got %+v", resumed)
	}
}

func TestRetryStepOnlyAppliesToFailedSteps(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "x", Steps: []StepInput{{Title: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	step := wf.Steps[0]

	noop, err := s.RetryStep(wf.ID, step.ID)
	if err != nil {
		t.Fatal(err)
	}
	if noop != nil {
		t.Errorf("expected retry of a pending step to be a no-op, got %+v", noop)
	}

	if _, err := s.UpdateStep(wf.ID, step.ID, StepPatch{Status: strp(StepFailed), Error: strp("boom")}); err != nil {
		t.Fatal(err)
	}
	retried, err := s.RetryStep(wf.ID, step.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried == nil || retried.Status != StepPending || retried.Error != "" {
		t.Fatalf("expected retried step pending with cleared error, got %+v", retried)
	}
}

func TestEventsAreBoundedPerWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf, err := s.Create(CreateInput{Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxEventsPerWorkflow+10; i++ {
		if _, err := s.AddEvent(wf.ID, "", EventInfo, "tick", nil); err != nil {
			t.Fatal(err)
		}
	}
	events := s.GetEvents(wf.ID, 0)
	if len(events) != MaxEventsPerWorkflow {
		t.Errorf("expected events bounded to %d, got %d", MaxEventsPerWorkflow, len(events))
	}
}

func TestUpdatePoliciesDeepMergeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	maxConcurrent := 5
	first, err := s.UpdatePolicies(MergePatch{Sessions: &SessionPatch{MaxConcurrent: &maxConcurrent}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.UpdatePolicies(MergePatch{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Sessions.MaxConcurrent != first.Sessions.MaxConcurrent {
		t.Errorf("expected empty patch to be a no-op, got %+v vs %+v", second, first)
	}
}

func strp(s string) *string { return &s }
