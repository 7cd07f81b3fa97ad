package approval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTasks struct {
	statuses []TaskStatus // returned in order, last one repeats
	calls    int32
	createErr error
}

func (f *fakeTasks) CreateTask(ctx context.Context, kind, subject, reason string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "task-1", nil
}

func (f *fakeTasks) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	i := atomic.AddInt32(&f.calls, 1) - 1
	if int(i) >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	return f.statuses[i], nil
}

func TestAwaitReturnsApprovedOnCompletion(t *testing.T) {
	tasks := &fakeTasks{statuses: []TaskStatus{TaskPending, TaskCompleted}}
	gate := New(tasks)

	result, err := gate.Await(context.Background(), Request{
		Kind: "credential_grant", PollInterval: 5 * time.Millisecond, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Decision != Approved {
		t.Errorf("expected Approved, got %s", result.Decision)
	}
}

func TestAwaitReturnsDeniedOnCancellation(t *testing.T) {
	tasks := &fakeTasks{statuses: []TaskStatus{TaskCancelled}}
	gate := New(tasks)

	result, err := gate.Await(context.Background(), Request{
		PollInterval: 5 * time.Millisecond, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Decision != Denied {
		t.Errorf("expected Denied, got %s", result.Decision)
	}
}

func TestAwaitAppliesTimeoutActionDeny(t *testing.T) {
	tasks := &fakeTasks{statuses: []TaskStatus{TaskPending}}
	gate := New(tasks)

	result, err := gate.Await(context.Background(), Request{
		PollInterval: 2 * time.Millisecond, Timeout: 10 * time.Millisecond, TimeoutAction: TimeoutActionDeny,
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Decision != Denied {
		t.Errorf("expected Denied on timeout, got %s", result.Decision)
	}
}

func TestAwaitAppliesTimeoutActionAllow(t *testing.T) {
	tasks := &fakeTasks{statuses: []TaskStatus{TaskPending}}
	gate := New(tasks)

	result, err := gate.Await(context.Background(), Request{
		PollInterval: 2 * time.Millisecond, Timeout: 10 * time.Millisecond, TimeoutAction: TimeoutActionAllow,
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Decision != Approved {
		t.Errorf("expected Approved on timeout-allow, got %s", result.Decision)
	}
}

func TestAwaitPropagatesCreateTaskError(t *testing.T) {
	tasks := &fakeTasks{createErr: errors.New("boom")}
	gate := New(tasks)

	_, err := gate.Await(context.Background(), Request{Timeout: time.Second})
	if err == nil {
		t.Fatal("expected error from CreateTask failure")
	}
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	tasks := &fakeTasks{statuses: []TaskStatus{TaskPending}}
	gate := New(tasks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gate.Await(ctx, Request{PollInterval: 5 * time.Millisecond, Timeout: time.Minute})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
