package engine

import (
	"fmt"
	"time"

	"github.com/flowforge/orchestrator/internal/credential"
	"github.com/flowforge/orchestrator/internal/logging"
	"github.com/flowforge/orchestrator/internal/spawner"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// sessionKey builds the deterministic session identifier spec §4.F
// names: "agent:default:workflow:<W.id>:step:<step.id>".
func sessionKey(workflowID, stepID string) string {
	return fmt.Sprintf("agent:default:workflow:%s:step:%s", workflowID, stepID)
}

// leaseTaskID builds the credential-lease task identifier spec §4.F names:
// "workflow:<W.id>:step:<step.id>".
func leaseTaskID(workflowID, stepID string) string {
	return fmt.Sprintf("workflow:%s:step:%s", workflowID, stepID)
}

// leaseAgentID builds the lease agentId spec §4.F names:
// "workflow:<W.id>".
func leaseAgentID(workflowID string) string {
	return fmt.Sprintf("workflow:%s", workflowID)
}

// spawnStep runs the full spawn sequence for one ready step (spec
// §4.F "Spawn step").
func (e *Engine) spawnStep(wf workflow.Workflow, step workflow.Step, policies workflow.Policies) error {
	now := e.now()

	// 1. Mark step running.
	if _, err := e.workflows.UpdateStep(wf.ID, step.ID, workflow.StepPatch{
		Status:    strPtr(workflow.StepRunning),
		StartedAt: int64Ptr(now),
	}); err != nil {
		return fmt.Errorf("marking step %s running: %w", step.ID, err)
	}

	// 2. Snapshot commits before. Non-fatal on git error.
	commitsBefore, err := e.git.GetCommitLog(wf.Repo.Path, wf.BaseBranch, wf.WorkBranch)
	if err != nil {
		commitsBefore = nil
	}
	if commitsBefore != nil {
		e.workflows.UpdateStep(wf.ID, step.ID, workflow.StepPatch{CommitsBefore: commitsBefore})
	}

	// 3. Provision credentials.
	provisioned, err := e.provisionCredentials(wf, step)
	if err != nil {
		e.workflows.UpdateStep(wf.ID, step.ID, workflow.StepPatch{
			Status:      strPtr(workflow.StepFailed),
			Error:       strPtr(err.Error()),
			CompletedAt: int64Ptr(e.now()),
		})
		e.workflows.AddEvent(wf.ID, step.ID, workflow.EventStepFailed, err.Error(), nil)
		return err
	}

	// 4. Build prompt.
	message, systemPrompt := buildPrompt(wf, step, provisioned)

	// 5. Spawn.
	key := sessionKey(wf.ID, step.ID)
	runID, err := e.spawner.Spawn(spawner.SpawnRequest{
		SessionKey:        key,
		Message:           message,
		Cwd:               wf.Repo.Path,
		Label:             step.Title,
		ExtraSystemPrompt: systemPrompt,
	})
	if err != nil {
		e.workflows.UpdateStep(wf.ID, step.ID, workflow.StepPatch{
			Status:      strPtr(workflow.StepFailed),
			Error:       strPtr(fmt.Sprintf("spawning session: %s", err)),
			CompletedAt: int64Ptr(e.now()),
		})
		return fmt.Errorf("spawning session for step %s: %w", step.ID, err)
	}

	// 6. Track active session.
	e.mu.Lock()
	e.activeSessions[key] = &activeSession{
		workflowID:     wf.ID,
		stepID:         step.ID,
		sessionKey:     key,
		runID:          runID,
		startedAt:      now,
		pollIntervalMs: e.minPollInterval.Milliseconds(),
		timeoutMs:      policies.Sessions.TimeoutMs,
		lastPollMs:     now,
	}
	e.mu.Unlock()

	// 7. Event.
	e.workflows.AddEvent(wf.ID, step.ID, workflow.EventSessionSpawned, fmt.Sprintf("session spawned for step %q", step.Title), nil)
	return nil
}

// provisionCredentials leases every requiredCredentials entry for a
// step (spec §4.F step 3). A missing required credential raises;
// missing optional ones log a warning and proceed.
func (e *Engine) provisionCredentials(wf workflow.Workflow, step workflow.Step) ([]credential.Lease, error) {
	var leases []credential.Lease
	for _, rc := range step.RequiredCredentials {
		lease, err := e.credentials.CreateLease(credential.CreateLeaseInput{
			CredentialID: rc.CredentialID,
			TaskID:       leaseTaskID(wf.ID, step.ID),
			AgentID:      leaseAgentID(wf.ID),
			TTL:          defaultLeaseTTL(step),
		})
		if err != nil {
			if rc.Required {
				return nil, fmt.Errorf("provisioning required credential %s: %w", rc.CredentialID, err)
			}
			logging.Warnf("optional credential %s unavailable for step %s: %s", rc.CredentialID, step.ID, err)
			continue
		}
		leases = append(leases, *lease)
	}
	return leases, nil
}

func defaultLeaseTTL(step workflow.Step) time.Duration {
	return 30 * time.Minute
}

func int64Ptr(v int64) *int64 { return &v }

// pollActiveSessions implements spec §4.F "Session polling": timeout
// check, rate limit, status call, backoff, and completion handling.
func (e *Engine) pollActiveSessions() {
	e.mu.Lock()
	keys := make([]string, 0, len(e.activeSessions))
	for k := range e.activeSessions {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	now := e.now()
	for _, key := range keys {
		e.mu.Lock()
		sess, ok := e.activeSessions[key]
		e.mu.Unlock()
		if !ok {
			continue
		}

		// 1. Timeout check.
		if sess.timeoutMs > 0 && now-sess.startedAt > sess.timeoutMs {
			e.handleSessionTimeout(sess)
			continue
		}

		// 2. Rate limit.
		if now-sess.lastPollMs < sess.pollIntervalMs {
			continue
		}

		// 3. Poll.
		sess.lastPollMs = now
		result, err := e.spawner.Status(sess.runID)
		if err != nil {
			logging.Errorf("polling session %s: %s", sess.runID, err)
			continue
		}

		if !result.Done {
			// 4. Backoff.
			next := float64(sess.pollIntervalMs) * e.pollBackoffFactor
			max := float64(e.maxPollInterval.Milliseconds())
			if next > max {
				next = max
			}
			sess.pollIntervalMs = int64(next)
			continue
		}

		if result.Success {
			e.handleSessionComplete(sess, result)
		} else {
			e.handleSessionFailed(sess, result)
		}
	}
}

func (e *Engine) removeActiveSession(key string) {
	e.mu.Lock()
	delete(e.activeSessions, key)
	e.mu.Unlock()
}

// handleSessionTimeout marks a step failed on wall-clock timeout (spec
// §4.F step 1).
func (e *Engine) handleSessionTimeout(sess *activeSession) {
	e.workflows.UpdateStep(sess.workflowID, sess.stepID, workflow.StepPatch{
		Status:      strPtr(workflow.StepFailed),
		Error:       strPtr("Session timed out"),
		CompletedAt: int64Ptr(e.now()),
	})
	e.workflows.AddEvent(sess.workflowID, sess.stepID, workflow.EventSessionTimeout, "session timed out", nil)
	e.credentials.RevokeTaskLeases(leaseTaskID(sess.workflowID, sess.stepID))
	e.removeActiveSession(sess.sessionKey)
}

// handleSessionComplete records step output and marks it complete
// (spec §4.F step 5).
func (e *Engine) handleSessionComplete(sess *activeSession, result spawner.StatusResult) {
	wf := e.workflows.Get(sess.workflowID)
	if wf == nil {
		e.removeActiveSession(sess.sessionKey)
		return
	}

	commitsAfter, err := e.git.GetCommitLog(wf.Repo.Path, wf.BaseBranch, wf.WorkBranch)
	if err != nil {
		commitsAfter = nil
	}
	filesChanged, err := e.git.GetDiffStat(wf.Repo.Path, wf.BaseBranch, wf.WorkBranch)
	if err != nil {
		filesChanged = nil
	}

	e.workflows.UpdateStep(sess.workflowID, sess.stepID, workflow.StepPatch{
		Status:        strPtr(workflow.StepComplete),
		Result:        strPtr(result.Output),
		CompletedAt:   int64Ptr(e.now()),
		AddTokenUsage: result.TokensUsed,
		AddToolCalls:  result.ToolCalls,
		CommitsAfter:  orEmpty(commitsAfter),
		FilesChanged:  filesChanged,
	})
	e.workflows.UpdateWorkflow(sess.workflowID, workflow.WorkflowPatch{
		AddTokens:    result.TokensUsed,
		AddToolCalls: result.ToolCalls,
	})
	e.workflows.AddEvent(sess.workflowID, sess.stepID, workflow.EventSessionCompleted, "session completed", nil)
	e.credentials.RevokeTaskLeases(leaseTaskID(sess.workflowID, sess.stepID))
	e.removeActiveSession(sess.sessionKey)
}

// orEmpty returns a non-nil empty slice for nil input, since
// UpdateStep treats a nil CommitsAfter as "leave unchanged" but an
// empty completed step genuinely has zero commits.
func orEmpty(commits []string) []string {
	if commits == nil {
		return []string{}
	}
	return commits
}

// handleSessionFailed marks a step failed, preserving partial output
// (spec §4.F step 6).
func (e *Engine) handleSessionFailed(sess *activeSession, result spawner.StatusResult) {
	e.workflows.UpdateStep(sess.workflowID, sess.stepID, workflow.StepPatch{
		Status:      strPtr(workflow.StepFailed),
		Error:       strPtr(result.Output),
		CompletedAt: int64Ptr(e.now()),
	})
	e.workflows.AddEvent(sess.workflowID, sess.stepID, workflow.EventStepFailed, "session failed", nil)
	e.credentials.RevokeTaskLeases(leaseTaskID(sess.workflowID, sess.stepID))
	e.removeActiveSession(sess.sessionKey)
}
