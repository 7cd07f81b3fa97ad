// Package spawner implements the engine's SessionSpawner contract
// (spec §6.2): launching an agent process per step and polling it for
// completion. It generalizes the teacher's invokeAgent (a single
// blocking PTY-attached exec) into a non-blocking spawn/status pair so
// the engine's tick loop can poll many sessions concurrently instead
// of blocking on one.
package spawner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// SpawnRequest mirrors the engine's spawn call (spec §4.F step 5,
// §6.2): `spawn({sessionKey, message, cwd, label, extraSystemPrompt})`.
type SpawnRequest struct {
	SessionKey        string
	Message           string
	Cwd               string
	Label             string
	ExtraSystemPrompt string
}

// StatusResult mirrors the engine's poll call (spec §6.2):
// `status(runId) → {done, success?, output?, tokensUsed?, toolCalls?}`.
type StatusResult struct {
	Done       bool
	Success    bool
	Output     string
	TokensUsed int
	ToolCalls  int
}

// Spawner is the default PTY-backed SessionSpawner implementation.
// Command/Args name the agent executable to run; the context message
// is written to a file in cwd and piped to the process's stdin, the
// same dual-delivery the teacher uses so both file-reading and
// stdin-reading agents work.
type Spawner struct {
	Command string
	Args    []string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	output strings.Builder
	outMu  sync.Mutex
	done   bool
	err    error
}

// New constructs a Spawner that execs command with args appended, the
// context file path always appended last (teacher's invokeAgent
// convention: "pass context file path as last arg").
func New(command string, args []string) *Spawner {
	return &Spawner{Command: command, Args: args, sessions: make(map[string]*session)}
}

// Spawn starts an agent process for req and returns a runId the
// caller polls via Status. Non-blocking: the process runs in a
// goroutine copying its PTY output into an in-memory buffer.
func (s *Spawner) Spawn(req SpawnRequest) (string, error) {
	cwd := req.Cwd
	if cwd == "" {
		cwd = "."
	}

	contextFile := filepath.Join(cwd, ".orchestrator-context")
	if err := os.WriteFile(contextFile, []byte(req.Message), 0o644); err != nil {
		return "", fmt.Errorf("writing session context file: %w", err)
	}

	args := append(append([]string{}, s.Args...), contextFile)
	cmd := exec.Command(s.Command, args...)
	cmd.Dir = cwd
	if req.ExtraSystemPrompt != "" {
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_SYSTEM_PROMPT="+req.ExtraSystemPrompt)
	}

	// A PTY gives the agent a terminal so it line-buffers its output,
	// enabling live status/log following; stdin stays a plain pipe so
	// the agent sees a proper EOF (teacher's invokeAgent rationale).
	ptmx, pts, err := pty.Open()
	if err != nil {
		os.Remove(contextFile)
		return "", fmt.Errorf("opening pty: %w", err)
	}

	cmd.Stdin = strings.NewReader(req.Message)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		ptmx.Close()
		os.Remove(contextFile)
		return "", fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	sess := &session{cmd: cmd, ptmx: ptmx}
	runID := req.SessionKey

	s.mu.Lock()
	s.sessions[runID] = sess
	s.mu.Unlock()

	go func() {
		defer os.Remove(contextFile)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				sess.outMu.Lock()
				sess.output.Write(buf[:n])
				sess.outMu.Unlock()
			}
			if readErr != nil {
				var pathErr *os.PathError
				if !(errors.As(readErr, &pathErr) && pathErr.Err == syscall.EIO) && readErr != io.EOF {
					sess.outMu.Lock()
					sess.err = fmt.Errorf("reading agent output: %w", readErr)
					sess.outMu.Unlock()
				}
				break
			}
		}
		waitErr := cmd.Wait()
		ptmx.Close()

		sess.outMu.Lock()
		defer sess.outMu.Unlock()
		if sess.err == nil {
			sess.err = waitErr
		}
		sess.done = true
	}()

	return runID, nil
}

// Status polls a previously spawned session (spec §6.2). Unknown
// runIds report done=true, success=false so the engine's poll loop
// never blocks forever on a session this process lost track of
// (e.g. after a restart).
func (s *Spawner) Status(runID string) (StatusResult, error) {
	s.mu.Lock()
	sess, ok := s.sessions[runID]
	s.mu.Unlock()
	if !ok {
		return StatusResult{Done: true, Success: false}, nil
	}

	sess.outMu.Lock()
	defer sess.outMu.Unlock()

	if !sess.done {
		return StatusResult{Done: false}, nil
	}

	result := StatusResult{
		Done:    true,
		Success: sess.err == nil,
		Output:  sess.output.String(),
	}
	result.TokensUsed, result.ToolCalls = parseUsageFromOutput(result.Output)
	return result, nil
}

// parseUsageFromOutput extracts token/tool-call counts an agent prints
// on completion, looking for lines of the form "tokens_used: N" and
// "tool_calls: N". Absent either, the count is 0 — the engine treats
// missing usage telemetry as zero-cost rather than failing the step.
func parseUsageFromOutput(output string) (tokens int, toolCalls int) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "tokens_used:"); ok {
			fmt.Sscanf(strings.TrimSpace(v), "%d", &tokens)
		}
		if v, ok := strings.CutPrefix(line, "tool_calls:"); ok {
			fmt.Sscanf(strings.TrimSpace(v), "%d", &toolCalls)
		}
	}
	return tokens, toolCalls
}
