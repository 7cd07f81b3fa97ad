// Package gitadapter is the thin behavioral contract around git(1) and
// gh(1) the engine needs (spec §4.D): repo context discovery, branch
// lifecycle, diff stats, push, and PR creation. It generalizes the
// teacher's internal/git package (retry-with-backoff on transient lock
// errors, worktree/branch helpers) from a concern-chain tool into a
// general-purpose adapter consumed through interfaces so the engine
// never depends on a concrete git implementation.
package gitadapter

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/flowforge/orchestrator/internal/workflow"
)

// Retry constants for transient git errors, carried from the teacher's
// internal/git/git.go verbatim.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts   = 6
	retryMultiplier    = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// PRArgs carries the fields needed to open a draft PR (spec §4.D).
// Linked issues ride in Body as a "Closes #N" line, which GitHub
// auto-links on merge; there's no separate gh flag for it.
type PRArgs struct {
	Owner     string
	Repo      string
	Title     string
	Body      string
	Head      string
	Base      string
	Draft     bool
	Labels    []string
	Assignees []string
}

// Adapter is the default git(1)/gh(1)-backed implementation of the Git
// Adapter contract. Every method shells out, matching the teacher's
// approach of wrapping `exec.Command("git", ...)` rather than linking
// a git library.
type Adapter struct {
	// Ignore filters paths out of GetDiffStat's result — a
	// generalization of the teacher's .lineignore concept from
	// branch-level skip markers to per-file diff-stat noise reduction
	// (lockfiles, generated assets).
	Ignore *ignore.GitIgnore

	sleepFunc func(time.Duration)
}

// NewAdapter constructs an Adapter, optionally filtering the given
// gitignore-style patterns out of reported file changes.
func NewAdapter(ignorePatterns []string) *Adapter {
	a := &Adapter{sleepFunc: time.Sleep}
	if len(ignorePatterns) > 0 {
		a.Ignore = ignore.CompileIgnoreLines(ignorePatterns...)
	}
	return a
}

func (a *Adapter) run(dir string, args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		a.sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil // unreachable
}

// ResolveRepoContext discovers the repo root, remote, owner, and name
// from a working directory (spec §4.D). Fails if cwd is not inside a
// git repository or the remote URL cannot be parsed.
func (a *Adapter) ResolveRepoContext(cwd string) (workflow.RepoContext, error) {
	root, err := a.run(cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return workflow.RepoContext{}, fmt.Errorf("resolving repo root: %w", err)
	}

	remoteURL, err := a.run(root, "remote", "get-url", "origin")
	if err != nil {
		return workflow.RepoContext{}, fmt.Errorf("resolving remote: %w", err)
	}

	owner, name, err := parseOwnerRepo(remoteURL)
	if err != nil {
		return workflow.RepoContext{}, fmt.Errorf("parsing remote %q: %w", remoteURL, err)
	}

	return workflow.RepoContext{
		Path:      root,
		Owner:     owner,
		Name:      name,
		RemoteURL: remoteURL,
	}, nil
}

// parseOwnerRepo extracts "owner/name" from common git remote URL
// shapes: git@host:owner/name.git, https://host/owner/name(.git).
func parseOwnerRepo(remoteURL string) (owner, name string, err error) {
	trimmed := strings.TrimSuffix(remoteURL, ".git")

	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
		if slash := strings.Index(trimmed, "/"); slash >= 0 {
			trimmed = trimmed[slash+1:]
		} else {
			return "", "", fmt.Errorf("no path component in URL")
		}
	} else if idx := strings.Index(trimmed, ":"); idx >= 0 && strings.Contains(trimmed, "@") {
		trimmed = trimmed[idx+1:]
	} else {
		return "", "", fmt.Errorf("unrecognized remote URL shape")
	}

	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("expected owner/name, got %q", trimmed)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// GetCurrentBranch returns the checked-out branch name.
func (a *Adapter) GetCurrentBranch(path string) (string, error) {
	return a.run(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether branch resolves to a commit.
func (a *Adapter) BranchExists(path, branch string) bool {
	_, err := a.run(path, "rev-parse", "--verify", branch)
	return err == nil
}

// CreateBranch creates branch `name` starting at `from`.
func (a *Adapter) CreateBranch(path, name, from string) error {
	_, err := a.run(path, "branch", name, from)
	return err
}

// GetCommitLog returns short SHAs between base and head, newest-first
// (spec §6.3). Returns an empty list, not an error, if head does not
// exist yet — a step may run before its output branch has commits.
func (a *Adapter) GetCommitLog(path, base, head string) ([]string, error) {
	if !a.BranchExists(path, head) {
		return nil, nil
	}
	rangeSpec := head
	if base != "" && a.BranchExists(path, base) {
		rangeSpec = base + ".." + head
	}
	out, err := a.run(path, "rev-list", "--abbrev-commit", rangeSpec)
	if err != nil {
		return nil, fmt.Errorf("listing commits %s: %w", rangeSpec, err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GetDiffStat returns per-file +additions/-deletions between base and
// head (spec §4.D, §6.3), filtering out paths matched by a.Ignore.
func (a *Adapter) GetDiffStat(path, base, head string) ([]workflow.FileChange, error) {
	if !a.BranchExists(path, head) {
		return nil, nil
	}
	rangeSpec := base + "..." + head
	out, err := a.run(path, "diff", "--numstat", rangeSpec)
	if err != nil {
		return nil, fmt.Errorf("diff-stat %s: %w", rangeSpec, err)
	}
	if out == "" {
		return nil, nil
	}

	var changes []workflow.FileChange
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		if a.Ignore != nil && a.Ignore.MatchesPath(fields[2]) {
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		changes = append(changes, workflow.FileChange{
			Path:      fields[2],
			Additions: add,
			Deletions: del,
		})
	}
	return changes, nil
}

// PushBranch pushes branch to origin, failing noisily on error (spec
// §4.D: "fails noisily").
func (a *Adapter) PushBranch(path, branch string) error {
	_, err := a.run(path, "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// CreatePR shells out to the gh CLI to open a (draft) pull request,
// matching spec §1's framing of gh as a named behavioral contract
// rather than a reimplemented API client.
func (a *Adapter) CreatePR(args PRArgs) (workflow.PullRequest, error) {
	cliArgs := []string{
		"pr", "create",
		"--repo", fmt.Sprintf("%s/%s", args.Owner, args.Repo),
		"--title", args.Title,
		"--body", args.Body,
		"--head", args.Head,
		"--base", args.Base,
	}
	if args.Draft {
		cliArgs = append(cliArgs, "--draft")
	}
	if len(args.Labels) > 0 {
		cliArgs = append(cliArgs, "--label", strings.Join(args.Labels, ","))
	}
	if len(args.Assignees) > 0 {
		cliArgs = append(cliArgs, "--assignee", strings.Join(args.Assignees, ","))
	}

	cmd := exec.Command("gh", cliArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return workflow.PullRequest{}, fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(out)), err)
	}

	url := strings.TrimSpace(string(out))
	number := prNumberFromURL(url)
	return workflow.PullRequest{Number: number, URL: url, State: "open"}, nil
}

func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0
	}
	n, _ := strconv.Atoi(filepath.Base(url[idx+1:]))
	return n
}
