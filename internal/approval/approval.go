// Package approval implements the Approval Gate (spec §4.G): bridging
// a scheduled action to an asynchronously-resolved human decision.
// Grounded on the teacher's polling idioms (internal/cli/status.go's
// fixed-cadence refresh loop) repurposed from a display refresh into a
// blocking wait-for-decision call.
package approval

import (
	"context"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle of an approval task created through the
// surrounding task service (spec §4.G).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// Decision is the branch label the gate returns once resolved.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
)

// TimeoutAction names what to return when the poll deadline elapses
// without a terminal task status (spec §4.G, default "deny").
type TimeoutAction string

const (
	TimeoutActionDeny  TimeoutAction = "deny"
	TimeoutActionAllow TimeoutAction = "allow"
)

// TaskService is the external collaborator that materializes and
// reports on approval tasks — the surrounding task/notification
// service this spec does not implement (spec §1 Non-goals).
type TaskService interface {
	CreateTask(ctx context.Context, kind, subject, reason string) (taskID string, err error)
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// Request describes one approval ask.
type Request struct {
	Kind    string // e.g. "credential_grant", "pipeline_approval"
	Subject string
	Reason  string

	PollInterval  time.Duration
	Timeout       time.Duration
	TimeoutAction TimeoutAction
}

// Result is what Await returns.
type Result struct {
	Decision Decision
	TaskID   string
}

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 5 * time.Minute
)

// Gate is the default TaskApprovalGate implementation.
type Gate struct {
	Tasks TaskService
}

// New constructs a Gate backed by a TaskService.
func New(tasks TaskService) *Gate {
	return &Gate{Tasks: tasks}
}

// Await creates a gated task and polls it at a fixed cadence until it
// reaches a terminal status or the timeout elapses (spec §4.G).
func (g *Gate) Await(ctx context.Context, req Request) (Result, error) {
	pollInterval := req.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timeoutAction := req.TimeoutAction
	if timeoutAction == "" {
		timeoutAction = TimeoutActionDeny
	}

	taskID, err := g.Tasks.CreateTask(ctx, req.Kind, req.Subject, req.Reason)
	if err != nil {
		return Result{}, fmt.Errorf("creating approval task: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := g.Tasks.TaskStatus(ctx, taskID)
		if err != nil {
			return Result{}, fmt.Errorf("polling approval task %s: %w", taskID, err)
		}
		switch status {
		case TaskCompleted:
			return Result{Decision: Approved, TaskID: taskID}, nil
		case TaskCancelled, TaskFailed:
			return Result{Decision: Denied, TaskID: taskID}, nil
		}

		if time.Now().After(deadline) {
			return Result{Decision: decisionFromTimeout(timeoutAction), TaskID: taskID}, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func decisionFromTimeout(action TimeoutAction) Decision {
	if action == TimeoutActionAllow {
		return Approved
	}
	return Denied
}
